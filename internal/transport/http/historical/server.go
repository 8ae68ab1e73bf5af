package historicalhttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/engine"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/pkg/circuit"
	"histfetch/internal/ratelimit"

	"github.com/gin-gonic/gin"
)

// Service is the slice of app.Client the HTTP layer needs.
type Service interface {
	Plan(req market.Request) ([]market.Chunk, error)
	Fetch(ctx context.Context, req market.Request, opts engine.Options) (*engine.Result, error)
	Save(ctx context.Context, res *engine.Result) (int, error)
	Stored(ctx context.Context, req market.Request) (market.Series, error)
	LimiterStats() map[ratelimit.Category]ratelimit.Stats
	Breaker() (circuit.Snapshot, bool)
	DefaultOptions() engine.Options
}

type Config struct {
	Addr string
	Svc  Service
	// Location reads from/to without an offset when the query has no tz.
	// Nil means UTC.
	Location *time.Location
}

// Server exposes the retrieval engine over HTTP.
type Server struct {
	addr   string
	svc    Service
	loc    *time.Location
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:   cfg.Addr,
		svc:    cfg.Svc,
		loc:    cfg.Location,
		router: router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	api := s.router.Group("/api")
	api.GET("/plan", s.handlePlan)
	api.GET("/historical", s.handleHistorical)
	api.GET("/stored", s.handleStored)
	api.GET("/limits", s.handleLimits)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handlePlan(c *gin.Context) {
	req, err := s.parseRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chunks, err := s.svc.Plan(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(chunks), "chunks": chunks})
}

func (s *Server) handleHistorical(c *gin.Context) {
	req, err := s.parseRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	opts := s.svc.DefaultOptions()
	if opts.ContinueOnError, err = queryBool(c, "continue_on_error", opts.ContinueOnError); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.UseCache, err = queryBool(c, "use_cache", opts.UseCache); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	save, err := queryBool(c, "save", false)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.svc.Fetch(c.Request.Context(), req, opts)
	if err != nil {
		body := gin.H{"error": err.Error(), "kind": apierr.KindOf(err).String()}
		if res != nil {
			body["result"] = res
		}
		c.JSON(statusFor(err), body)
		return
	}
	saved := 0
	if save {
		if saved, err = s.svc.Save(c.Request.Context(), res); err != nil {
			logger.Errorf("[histfetch] http save %s failed: %v", res.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"result": res,
		"errors": res.ErrorMessages(),
		"saved":  saved,
	})
}

func (s *Server) handleStored(c *gin.Context) {
	req, err := s.parseRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	series, err := s.svc.Stored(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if strings.EqualFold(c.Query("format"), "csv") {
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		opts := market.CSVOptions{
			Instrument:     req.Instrument,
			Interval:       req.Interval,
			Location:       req.From.Location(),
			PricePrecision: market.PrecisionRaw,
		}
		if err := market.WriteCSV(c.Writer, series, opts); err != nil {
			_ = c.Error(err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(series), "candles": series})
}

func (s *Server) handleLimits(c *gin.Context) {
	body := gin.H{"limits": s.svc.LimiterStats()}
	if snap, ok := s.svc.Breaker(); ok {
		body["breaker"] = snap
	}
	c.JSON(http.StatusOK, body)
}

// statusFor maps a terminal fetch error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, market.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	switch apierr.KindOf(err) {
	case apierr.KindAuth:
		return http.StatusUnauthorized
	case apierr.KindClient:
		return http.StatusUnprocessableEntity
	case apierr.KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) parseRequest(c *gin.Context) (market.Request, error) {
	instrument := strings.TrimSpace(c.Query("instrument"))
	if instrument == "" {
		return market.Request{}, fmt.Errorf("instrument is required")
	}
	iv, err := market.ParseInterval(c.DefaultQuery("interval", string(market.Day)))
	if err != nil {
		return market.Request{}, err
	}
	loc := s.loc
	if tz := strings.TrimSpace(c.Query("tz")); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return market.Request{}, fmt.Errorf("invalid tz: %w", err)
		}
	}
	from, err := market.ParseTime(c.Query("from"), loc)
	if err != nil {
		return market.Request{}, fmt.Errorf("from: %w", err)
	}
	to, err := market.ParseTime(c.Query("to"), loc)
	if err != nil {
		return market.Request{}, fmt.Errorf("to: %w", err)
	}
	continuous, err := queryBool(c, "continuous", false)
	if err != nil {
		return market.Request{}, err
	}
	oi, err := queryBool(c, "oi", false)
	if err != nil {
		return market.Request{}, err
	}
	req := market.Request{
		Instrument: instrument,
		From:       from,
		To:         to,
		Interval:   iv,
		Continuous: continuous,
		OI:         oi,
	}
	return req, req.Validate()
}

func queryBool(c *gin.Context, key string, def bool) (bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean", key)
	}
	return v, nil
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[histfetch] http listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
