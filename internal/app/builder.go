package app

import (
	"fmt"
	"strings"
	"time"

	"histfetch/internal/cache"
	hfcfg "histfetch/internal/config"
	"histfetch/internal/engine"
	"histfetch/internal/gateway/kite"
	"histfetch/internal/logger"
	"histfetch/internal/market"
	"histfetch/internal/planner"
	"histfetch/internal/ratelimit"
	"histfetch/internal/retry"
	"histfetch/internal/store"
	"histfetch/internal/store/gormstore"
)

// Builder assembles a Client from config. The transport and store factories
// can be swapped, which is how tests avoid the network and disk.
type Builder struct {
	cfg *hfcfg.Config

	transportFn func(hfcfg.ProviderConfig) (engine.Transport, error)
	storeFn     func(hfcfg.StoreConfig) (store.SeriesStore, error)
	retryOpts   []retry.Option
}

type BuilderOption func(*Builder)

func WithTransport(t engine.Transport) BuilderOption {
	return func(b *Builder) {
		b.transportFn = func(hfcfg.ProviderConfig) (engine.Transport, error) { return t, nil }
	}
}

func WithStore(s store.SeriesStore) BuilderOption {
	return func(b *Builder) {
		b.storeFn = func(hfcfg.StoreConfig) (store.SeriesStore, error) { return s, nil }
	}
}

// WithRetryOptions forwards options to the retry executor, e.g. a fake sleeper.
func WithRetryOptions(opts ...retry.Option) BuilderOption {
	return func(b *Builder) { b.retryOpts = append(b.retryOpts, opts...) }
}

func NewBuilder(cfg *hfcfg.Config, opts ...BuilderOption) *Builder {
	b := &Builder{
		cfg:         cfg,
		transportFn: buildKiteTransport,
		storeFn:     buildSeriesStore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *Builder) Build() (*Client, error) {
	if b == nil || b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	transport, err := b.transportFn(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}

	limiter := ratelimit.New(budgetsFromConfig(cfg.RateLimit), ratelimit.WithEnabled(cfg.RateLimit.Enabled))
	grid, err := gridFromConfig(cfg.Provider)
	if err != nil {
		return nil, err
	}
	plan := planner.New(spansFromConfig(cfg.Planner), planner.WithGrid(grid))

	var candles *cache.Cache[[]market.Candle]
	if cfg.Cache.Enabled {
		candles, err = cache.New[[]market.Candle](cfg.Cache.Capacity, seconds(cfg.Cache.TTLSeconds))
		if err != nil {
			return nil, fmt.Errorf("building cache: %w", err)
		}
	}

	retryOpts := append([]retry.Option{retry.WithName("histfetch")}, b.retryOpts...)
	executor := retry.New(policyFromConfig(cfg.Retry), retryOpts...)

	eng, err := engine.New(transport, engine.Config{
		Planner:  plan,
		Limiter:  limiter,
		Retry:    executor,
		Cache:    candles,
		CacheTTL: seconds(cfg.Cache.TTLSeconds),
		Category: ratelimit.CategoryHistorical,
	})
	if err != nil {
		return nil, err
	}

	var series store.SeriesStore
	if cfg.Store.Enabled {
		series, err = b.storeFn(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	logger.Infof("[histfetch] client ready: rate_limit=%t cache=%t(%d, %ds) retry=%d store=%t",
		cfg.RateLimit.Enabled, cfg.Cache.Enabled, cfg.Cache.Capacity, cfg.Cache.TTLSeconds,
		executor.Policy().MaxAttempts, series != nil)

	return &Client{
		cfg:       cfg,
		transport: transport,
		limiter:   limiter,
		cache:     candles,
		engine:    eng,
		store:     series,
		grid:      grid,
	}, nil
}

func buildKiteTransport(p hfcfg.ProviderConfig) (engine.Transport, error) {
	return kite.NewSource(kite.Config{
		BaseURL:          p.BaseURL,
		APIKey:           p.APIKey,
		AccessToken:      p.AccessToken,
		Timeout:          seconds(p.TimeoutSeconds),
		InclusiveBounds:  p.InclusiveBounds,
		BreakerThreshold: p.BreakerThreshold,
		BreakerTimeout:   seconds(p.BreakerTimeoutS),
	})
}

// gridFromConfig places candle open times in the provider's zone.
func gridFromConfig(p hfcfg.ProviderConfig) (market.Grid, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return market.Grid{}, fmt.Errorf("provider.timezone: %w", err)
	}
	open, err := hfcfg.ParseClock(p.SessionOpen)
	if err != nil {
		return market.Grid{}, fmt.Errorf("provider.session_open: %w", err)
	}
	return market.Grid{Location: loc, Anchor: open}, nil
}

func buildSeriesStore(s hfcfg.StoreConfig) (store.SeriesStore, error) {
	return gormstore.NewGormStore(s.Path)
}

func budgetsFromConfig(c hfcfg.RateLimitConfig) map[ratelimit.Category]ratelimit.Budget {
	out := make(map[ratelimit.Category]ratelimit.Budget, len(c.Categories))
	for name, b := range c.Categories {
		out[ratelimit.Category(strings.ToLower(strings.TrimSpace(name)))] = ratelimit.Budget{
			Capacity: b.Capacity,
			Interval: time.Duration(b.IntervalMS) * time.Millisecond,
		}
	}
	return out
}

func policyFromConfig(c hfcfg.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.MaxDelayMS) * time.Millisecond,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
}

func spansFromConfig(c hfcfg.PlannerConfig) planner.SpanTable {
	out := make(planner.SpanTable, len(c.MaxSpanDays))
	for name, days := range c.MaxSpanDays {
		iv, err := market.ParseInterval(name)
		if err != nil || days <= 0 {
			continue
		}
		out[iv] = time.Duration(days) * 24 * time.Hour
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
