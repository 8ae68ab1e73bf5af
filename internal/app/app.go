package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"histfetch/internal/cache"
	hfcfg "histfetch/internal/config"
	"histfetch/internal/engine"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/pkg/circuit"
	"histfetch/internal/ratelimit"
	"histfetch/internal/store"

	"golang.org/x/sync/errgroup"
)

// Client owns the long-lived shared state: one limiter and one cache serve
// every fetch issued through it.
type Client struct {
	cfg       *hfcfg.Config
	transport engine.Transport
	limiter   *ratelimit.Limiter
	cache     *cache.Cache[[]market.Candle]
	engine    *engine.Engine
	store     store.SeriesStore
	grid      market.Grid
}

// NewClient builds a Client with the production transport and store.
func NewClient(cfg *hfcfg.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewBuilder(cfg).Build()
}

// DefaultOptions are the fetch options implied by config.
func (c *Client) DefaultOptions() engine.Options {
	return engine.Options{
		ContinueOnError: c.cfg.Fetch.ContinueOnError,
		UseCache:        c.cache != nil,
	}
}

func (c *Client) Plan(req market.Request) ([]market.Chunk, error) {
	return c.engine.Plan(req)
}

func (c *Client) Fetch(ctx context.Context, req market.Request, opts engine.Options) (*engine.Result, error) {
	if c.cache == nil {
		opts.UseCache = false
	}
	return c.engine.Fetch(ctx, req, opts)
}

// FetchAll runs one Fetch per request, at most fetch.max_concurrent at a time.
// results[i] belongs to reqs[i]. In strict mode the first failure cancels the
// remaining fetches; with ContinueOnError every request runs and the failures
// are joined into the returned error.
func (c *Client) FetchAll(ctx context.Context, reqs []market.Request, opts engine.Options) ([]*engine.Result, error) {
	results := make([]*engine.Result, len(reqs))
	errs := make([]error, len(reqs))

	group, gctx := errgroup.WithContext(ctx)
	limit := c.cfg.Fetch.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	group.SetLimit(limit)
	for i, req := range reqs {
		group.Go(func() error {
			res, err := c.Fetch(gctx, req, opts)
			results[i] = res
			if err == nil {
				err = res.Err()
			}
			if err == nil {
				return nil
			}
			err = fmt.Errorf("%s %s: %w", req.Instrument, req.Interval, err)
			if opts.ContinueOnError {
				errs[i] = err
				return nil
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(errs...)
}

// Save persists a result's series. It is a no-op without a configured store.
func (c *Client) Save(ctx context.Context, res *engine.Result) (int, error) {
	if c.store == nil || res == nil || len(res.Series) == 0 {
		return 0, nil
	}
	n, err := c.store.Save(ctx, res.Request.Instrument, res.Request.Interval, res.Series)
	if err != nil {
		return 0, err
	}
	logger.Infof("[histfetch] saved %d candles for %s %s", n, res.Request.Instrument, res.Request.Interval)
	return n, nil
}

// Stored reads previously saved candles for req's range.
func (c *Client) Stored(ctx context.Context, req market.Request) (market.Series, error) {
	if c.store == nil {
		return nil, fmt.Errorf("store is disabled")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return c.store.Query(ctx, req.Instrument, req.Interval, req.From, req.To)
}

func (c *Client) LimiterStats() map[ratelimit.Category]ratelimit.Stats {
	return c.limiter.Stats()
}

// Breaker reports the transport circuit when the transport has one.
func (c *Client) Breaker() (circuit.Snapshot, bool) {
	type breakerReporter interface{ Breaker() circuit.Snapshot }
	if br, ok := c.transport.(breakerReporter); ok {
		return br.Breaker(), true
	}
	return circuit.Snapshot{}, false
}

// CacheLen counts cached chunk responses.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

func (c *Client) HTTPAddr() string {
	return c.cfg.App.HTTPAddr
}

// Location is the provider zone candle times are aligned in.
func (c *Client) Location() *time.Location {
	if c.grid.Location == nil {
		return time.UTC
	}
	return c.grid.Location
}

func (c *Client) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}
