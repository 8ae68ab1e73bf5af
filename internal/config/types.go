package config

import "strings"

// Config is the histfetch configuration root.
type Config struct {
	App       AppConfig       `toml:"app"`
	Provider  ProviderConfig  `toml:"provider"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Retry     RetryConfig     `toml:"retry"`
	Cache     CacheConfig     `toml:"cache"`
	Planner   PlannerConfig   `toml:"planner"`
	Store     StoreConfig     `toml:"store"`
	Fetch     FetchConfig     `toml:"fetch"`
	Refresh   RefreshConfig   `toml:"refresh"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	// Rotation of LogPath; zero keeps lumberjack's defaults.
	LogMaxSizeMB  int  `toml:"log_max_size_mb"`
	LogMaxBackups int  `toml:"log_max_backups"`
	LogMaxAgeDays int  `toml:"log_max_age_days"`
	LogCompress   bool `toml:"log_compress"`
}

type ProviderConfig struct {
	BaseURL          string `toml:"base_url"`
	APIKey           string `toml:"api_key"`
	AccessToken      string `toml:"access_token"`
	TimeoutSeconds   int    `toml:"timeout_seconds"`
	InclusiveBounds  bool   `toml:"inclusive_bounds"`
	BreakerThreshold int    `toml:"breaker_threshold"`
	BreakerTimeoutS  int    `toml:"breaker_timeout_seconds"`
	// Timezone and SessionOpen place the provider's candle grid: day bars
	// open at local midnight, intraday bars every unit from SessionOpen.
	Timezone         string `toml:"timezone"`
	SessionOpen      string `toml:"session_open"`
}

type RateLimitConfig struct {
	Enabled    bool                    `toml:"enabled"`
	Categories map[string]BudgetConfig `toml:"categories"`
}

type BudgetConfig struct {
	Capacity   int `toml:"capacity"`
	IntervalMS int `toml:"interval_ms"`
}

type RetryConfig struct {
	MaxAttempts int     `toml:"max_attempts"`
	BaseDelayMS int     `toml:"base_delay_ms"`
	MaxDelayMS  int     `toml:"max_delay_ms"`
	Multiplier  float64 `toml:"multiplier"`
	Jitter      float64 `toml:"jitter"`
}

type CacheConfig struct {
	Enabled    bool `toml:"enabled"`
	Capacity   int  `toml:"capacity"`
	TTLSeconds int  `toml:"ttl_seconds"`
}

type PlannerConfig struct {
	// MaxSpanDays overrides the per-call window per interval name.
	MaxSpanDays map[string]int `toml:"max_span_days"`
}

type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type FetchConfig struct {
	MaxConcurrent   int  `toml:"max_concurrent"`
	ContinueOnError bool `toml:"continue_on_error"`
}

// RefreshConfig schedules trailing-window re-fetches into the store.
type RefreshConfig struct {
	Enabled bool `toml:"enabled"`
	// Timezone of cron specs.
	Timezone string             `toml:"timezone"`
	Jobs     []RefreshJobConfig `toml:"jobs"`
}

type RefreshJobConfig struct {
	Name         string `toml:"name"`
	Instrument   string `toml:"instrument"`
	Interval     string `toml:"interval"`
	LookbackDays int    `toml:"lookback_days"`
	// Cron is a 5-field spec or @descriptor; empty runs after every bar close.
	Cron          string `toml:"cron"`
	OffsetSeconds int    `toml:"offset_seconds"`
	Continuous    bool   `toml:"continuous"`
	OI            bool   `toml:"oi"`
}

// keySet tracks which dotted keys the config files set explicitly.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
