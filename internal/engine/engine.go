// Package engine turns one historical request into a single merged series.
//
// A fetch plans newest-first chunks and walks them strictly in order: cache
// lookup, rate-limit permit, retried transport call, cache store. An empty
// chunk proves there is no older data and ends the walk early. Chunks of one
// fetch are never issued in parallel; separate fetches share the limiter and
// the cache of the Engine they run on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"histfetch/internal/apierr"
	"histfetch/internal/cache"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/planner"
	"histfetch/internal/ratelimit"
	"histfetch/internal/retry"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest aliases the market sentinel so callers only need this
// package to classify bad input.
var ErrInvalidRequest = market.ErrInvalidRequest

// Transport performs one provider call for one chunk. Errors should be
// *apierr.Error values so the retry layer can classify them.
type Transport interface {
	Call(ctx context.Context, chunk market.Chunk) ([]market.Candle, error)
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(ctx context.Context, chunk market.Chunk) ([]market.Candle, error)

func (f TransportFunc) Call(ctx context.Context, chunk market.Chunk) ([]market.Candle, error) {
	return f(ctx, chunk)
}

// Options tune a single Fetch.
type Options struct {
	// ContinueOnError records fatal chunk failures and keeps walking instead
	// of aborting. Auth failures abort regardless.
	ContinueOnError bool `json:"continue_on_error" yaml:"continue_on_error"`
	UseCache        bool `json:"use_cache" yaml:"use_cache"`
}

type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeEarlyStop Outcome = "early_stop"
	// OutcomePartial means ContinueOnError skipped at least one failed chunk.
	// It wins over early_stop.
	OutcomePartial   Outcome = "partial"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
)

// DefaultFlightTimeout bounds a shared provider call once it no longer
// follows any caller's context.
const DefaultFlightTimeout = 2 * time.Minute

// ChunkError ties a fatal failure to the chunk that produced it.
type ChunkError struct {
	Chunk market.Chunk `json:"chunk"`
	Err   error        `json:"-"`
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s: %v", e.Chunk, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Result is what one Fetch produced. Series is always ascending and free of
// duplicate timestamps.
type Result struct {
	ID            string         `json:"id" yaml:"id"`
	Request       market.Request `json:"request" yaml:"request"`
	Series        market.Series  `json:"series" yaml:"series"`
	Errors        []*ChunkError  `json:"-" yaml:"-"`
	Outcome       Outcome        `json:"outcome" yaml:"outcome"`
	ChunksPlanned int            `json:"chunks_planned" yaml:"chunks_planned"`
	ChunksFetched int            `json:"chunks_fetched" yaml:"chunks_fetched"`
	CacheHits     int            `json:"cache_hits" yaml:"cache_hits"`
	Elapsed       time.Duration  `json:"elapsed" yaml:"elapsed"`
}

// Err joins the recorded chunk errors; nil when every chunk succeeded.
func (r *Result) Err() error {
	if r == nil || len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// ErrorMessages flattens Errors for JSON responses.
func (r *Result) ErrorMessages() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Error())
	}
	return out
}

// Config wires shared collaborators. Limiter and Cache are expected to be
// shared by every Engine of one client; nil Cache disables caching.
type Config struct {
	Planner  *planner.Planner
	Limiter  *ratelimit.Limiter
	Retry    *retry.Executor
	Cache    *cache.Cache[[]market.Candle]
	CacheTTL time.Duration
	// Category is the rate budget charged per provider call.
	Category ratelimit.Category
	// FlightTimeout bounds a call shared by concurrent fetches. Zero means
	// DefaultFlightTimeout.
	FlightTimeout time.Duration
}

type Engine struct {
	transport Transport
	planner   *planner.Planner
	limiter   *ratelimit.Limiter
	retry     *retry.Executor
	cache     *cache.Cache[[]market.Candle]
	ttl       time.Duration
	category  ratelimit.Category
	flight    singleflight.Group
	flightTTL time.Duration
}

func New(transport Transport, cfg Config) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if cfg.Planner == nil {
		cfg.Planner = planner.New(nil)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.New(nil)
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.New(retry.DefaultPolicy(), retry.WithName("histfetch"))
	}
	if cfg.Category == "" {
		cfg.Category = ratelimit.CategoryHistorical
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = DefaultFlightTimeout
	}
	return &Engine{
		transport: transport,
		planner:   cfg.Planner,
		limiter:   cfg.Limiter,
		retry:     cfg.Retry,
		cache:     cfg.Cache,
		ttl:       cfg.CacheTTL,
		category:  cfg.Category,
		flightTTL: cfg.FlightTimeout,
	}, nil
}

// Plan exposes the chunk list Fetch would walk, newest first.
func (e *Engine) Plan(req market.Request) ([]market.Chunk, error) {
	return e.planner.Plan(req)
}

// Fetch retrieves req and returns exactly one of:
//   - a complete Result and nil error;
//   - in ContinueOnError mode, a partial Result whose Errors lists the
//     chunks that failed, and nil error (check Result.Err);
//   - a *ChunkError and a Result with an empty Series when a chunk fails in
//     strict mode or with an auth error;
//   - the Result so far and a wrapped context error when ctx ends first or
//     a permit cannot be granted before its deadline.
func (e *Engine) Fetch(ctx context.Context, req market.Request, opts Options) (*Result, error) {
	started := time.Now()
	chunks, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ID:            uuid.NewString(),
		Request:       req,
		Outcome:       OutcomeComplete,
		ChunksPlanned: len(chunks),
	}
	defer func() { res.Elapsed = time.Since(started) }()
	if len(chunks) == 0 {
		res.Series = market.Series{}
		return res, nil
	}
	logger.Debugf("[histfetch] fetch %s %s %s planned %d chunk(s)", res.ID, req.Instrument, req.Interval, len(chunks))

	parts := make([][]market.Candle, 0, len(chunks))
	for _, chunk := range chunks {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.cancelled(res, parts, ctxErr)
		}
		candles, hit, err := e.fetchChunk(ctx, chunk, opts)
		if err != nil {
			if cause, ok := cancellation(ctx, err); ok {
				return e.cancelled(res, parts, cause)
			}
			chunkErr := &ChunkError{Chunk: chunk, Err: err}
			if !opts.ContinueOnError || apierr.Is(err, apierr.KindAuth) {
				res.Outcome = OutcomeAborted
				res.Series = market.Series{}
				res.Errors = []*ChunkError{chunkErr}
				logger.Warnf("[histfetch] fetch %s aborted at %s: %v", res.ID, chunk, err)
				return res, chunkErr
			}
			res.Errors = append(res.Errors, chunkErr)
			logger.Warnf("[histfetch] fetch %s skipped %s: %v", res.ID, chunk, err)
			continue
		}
		if hit {
			res.CacheHits++
		} else {
			res.ChunksFetched++
		}
		if len(candles) == 0 {
			res.Outcome = OutcomeEarlyStop
			logger.Debugf("[histfetch] fetch %s: %s empty, no older data", res.ID, chunk)
			break
		}
		parts = append(parts, candles)
	}
	if len(res.Errors) > 0 {
		res.Outcome = OutcomePartial
	}
	res.Series = market.Merge(parts...)
	logger.Infof("[histfetch] fetch %s %s %s done: %s, %d candles, %d/%d chunks fetched, %d cached, %d failed",
		res.ID, req.Instrument, req.Interval, res.Outcome, len(res.Series),
		res.ChunksFetched, res.ChunksPlanned, res.CacheHits, len(res.Errors))
	return res, nil
}

func (e *Engine) cancelled(res *Result, parts [][]market.Candle, cause error) (*Result, error) {
	res.Outcome = OutcomeCancelled
	res.Series = market.Merge(parts...)
	logger.Warnf("[histfetch] fetch %s cancelled with %d candles: %v", res.ID, len(res.Series), cause)
	return res, fmt.Errorf("fetch %s cancelled: %w", res.ID, cause)
}

// cancellation reports whether err means the fetch ran out of time rather
// than that a chunk failed. The limiter refuses a permit that would land past
// the deadline before ctx itself is done; provider errors are never
// cancellation even when they wrap a timeout.
func cancellation(ctx context.Context, err error) (error, bool) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr, true
	}
	if apierr.KindOf(err) != apierr.KindUnknown {
		return nil, false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err, true
	}
	return nil, false
}

type flightResult struct {
	candles []market.Candle
	cached  bool
}

// fetchChunk serves one chunk from the cache or the provider. hit is true
// when no transport call was made on behalf of this caller.
func (e *Engine) fetchChunk(ctx context.Context, chunk market.Chunk, opts Options) ([]market.Candle, bool, error) {
	if !opts.UseCache || e.cache == nil {
		candles, err := e.call(ctx, chunk)
		return candles, false, err
	}
	key := chunk.CacheKey()
	if candles, ok := e.cache.Get(key); ok {
		return candles, true, nil
	}

	// Identical chunks in flight from concurrent fetches share one call. The
	// shared call is detached from any single caller's cancellation and runs
	// under its own timeout instead; each caller still stops waiting when its
	// own ctx ends.
	ran := false
	ch := e.flight.DoChan(key, func() (any, error) {
		ran = true
		if candles, ok := e.cache.Get(key); ok {
			return flightResult{candles: candles, cached: true}, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.flightTTL)
		defer cancel()
		candles, err := e.call(fctx, chunk)
		if err != nil {
			return nil, err
		}
		e.cache.Set(key, candles, e.ttl)
		return flightResult{candles: candles}, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		fr := r.Val.(flightResult)
		return fr.candles, fr.cached || !ran, nil
	}
}

// call charges one permit per attempt, so retries count against the budget.
func (e *Engine) call(ctx context.Context, chunk market.Chunk) ([]market.Candle, error) {
	var out []market.Candle
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		if err := e.limiter.Wait(ctx, e.category); err != nil {
			return err
		}
		candles, err := e.transport.Call(ctx, chunk)
		if err != nil {
			return err
		}
		out = candles
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []market.Candle{}
	}
	return out, nil
}
