package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"histfetch/internal/logger"
	"histfetch/internal/market"
)

func validate(c *Config) error {
	if _, err := logger.ParseLevel(c.App.LogLevel); err != nil {
		return fmt.Errorf("app.log_level: %w", err)
	}
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Planner.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Refresh.validate(c.Store.Enabled); err != nil {
		return err
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	u, err := url.Parse(strings.TrimSpace(p.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider.base_url must be an absolute URL, got %q", p.BaseURL)
	}
	if p.TimeoutSeconds <= 0 {
		return fmt.Errorf("provider.timeout_seconds must be > 0")
	}
	if p.BreakerThreshold < 0 {
		return fmt.Errorf("provider.breaker_threshold must be >= 0")
	}
	if p.BreakerThreshold > 0 && p.BreakerTimeoutS <= 0 {
		return fmt.Errorf("provider.breaker_timeout_seconds must be > 0 when the breaker is on")
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("provider.timezone: %w", err)
	}
	if _, err := ParseClock(p.SessionOpen); err != nil {
		return fmt.Errorf("provider.session_open: %w", err)
	}
	return nil
}

// ParseClock reads an "HH:MM" wall clock time as an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (r *RateLimitConfig) validate() error {
	for name, b := range r.Categories {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("rate_limit.categories contains an empty category name")
		}
		if b.Capacity <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.capacity must be > 0", name)
		}
		if b.IntervalMS <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.interval_ms must be > 0", name)
		}
		if time.Duration(b.IntervalMS)*time.Millisecond/time.Duration(b.Capacity) <= 0 {
			return fmt.Errorf("rate_limit.categories.%s: %d calls per %dms is finer than the clock", name, b.Capacity, b.IntervalMS)
		}
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if r.BaseDelayMS <= 0 || r.MaxDelayMS <= 0 {
		return fmt.Errorf("retry delays must be > 0")
	}
	if r.MaxDelayMS < r.BaseDelayMS {
		return fmt.Errorf("retry.max_delay_ms (%d) must be >= retry.base_delay_ms (%d)", r.MaxDelayMS, r.BaseDelayMS)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	return nil
}

func (c *CacheConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.TTLSeconds <= 0 {
		return fmt.Errorf("cache.ttl_seconds must be > 0")
	}
	return nil
}

func (p *PlannerConfig) validate() error {
	for name, days := range p.MaxSpanDays {
		if _, err := market.ParseInterval(name); err != nil {
			return fmt.Errorf("planner.max_span_days: %w", err)
		}
		if days <= 0 {
			return fmt.Errorf("planner.max_span_days.%s must be > 0", name)
		}
	}
	return nil
}

func (s *StoreConfig) validate() error {
	if s.Enabled && strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("store.path is required when store.enabled is true")
	}
	return nil
}

func (r *RefreshConfig) validate(storeEnabled bool) error {
	if !r.Enabled {
		return nil
	}
	if !storeEnabled {
		return fmt.Errorf("refresh.enabled requires store.enabled")
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("refresh.timezone: %w", err)
	}
	for i, job := range r.Jobs {
		if strings.TrimSpace(job.Instrument) == "" {
			return fmt.Errorf("refresh.jobs[%d].instrument is required", i)
		}
		if _, err := market.ParseInterval(job.Interval); err != nil {
			return fmt.Errorf("refresh.jobs[%d]: %w", i, err)
		}
		if job.OffsetSeconds < 0 {
			return fmt.Errorf("refresh.jobs[%d].offset_seconds must be >= 0", i)
		}
	}
	return nil
}
