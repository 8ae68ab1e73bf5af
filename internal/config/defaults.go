package config

import "strings"

const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9992"
	defaultProviderBaseURL    = "https://api.kite.trade"
	defaultProviderTimeout    = 15
	defaultBreakerThreshold   = 5
	defaultBreakerTimeout     = 30
	defaultProviderTimezone   = "Asia/Kolkata"
	defaultSessionOpen        = "09:15"
	defaultRetryMaxAttempts   = 3
	defaultRetryBaseDelayMS   = 500
	defaultRetryMaxDelayMS    = 10000
	defaultRetryMultiplier    = 2.0
	defaultRetryJitter        = 0.1
	defaultCacheCapacity      = 512
	defaultCacheTTLSeconds    = 300
	defaultStorePath          = "data/histfetch.db"
	defaultFetchMaxConcurrent = 4
	defaultRefreshTimezone    = "Asia/Kolkata"
	defaultRefreshLookback    = 5
)

// Default returns a config with every default applied, as if loaded from an
// empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(nil)
	return &cfg
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Provider.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Fetch.applyDefaults(keys)
	c.Refresh.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (p *ProviderConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("provider.base_url", &p.BaseURL, defaultProviderBaseURL),
		intFieldDefault("provider.timeout_seconds", &p.TimeoutSeconds, defaultProviderTimeout),
		boolFieldDefault("provider.inclusive_bounds", &p.InclusiveBounds, true),
		intFieldDefault("provider.breaker_threshold", &p.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("provider.breaker_timeout_seconds", &p.BreakerTimeoutS, defaultBreakerTimeout),
		stringFieldDefault("provider.timezone", &p.Timezone, defaultProviderTimezone),
		stringFieldDefault("provider.session_open", &p.SessionOpen, defaultSessionOpen),
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("rate_limit.enabled", &r.Enabled, true),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("retry.max_attempts", &r.MaxAttempts, defaultRetryMaxAttempts),
		intFieldDefault("retry.base_delay_ms", &r.BaseDelayMS, defaultRetryBaseDelayMS),
		intFieldDefault("retry.max_delay_ms", &r.MaxDelayMS, defaultRetryMaxDelayMS),
		fieldDefault{
			key:   "retry.multiplier",
			need:  func() bool { return r.Multiplier < 1 },
			apply: func() { r.Multiplier = defaultRetryMultiplier },
		},
		fieldDefault{
			key:   "retry.jitter",
			need:  func() bool { return r.Jitter == 0 },
			apply: func() { r.Jitter = defaultRetryJitter },
		},
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("cache.enabled", &c.Enabled, true),
		intFieldDefault("cache.capacity", &c.Capacity, defaultCacheCapacity),
		intFieldDefault("cache.ttl_seconds", &c.TTLSeconds, defaultCacheTTLSeconds),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (f *FetchConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("fetch.max_concurrent", &f.MaxConcurrent, defaultFetchMaxConcurrent),
	)
}

func (r *RefreshConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("refresh.timezone", &r.Timezone, defaultRefreshTimezone),
	)
	for i := range r.Jobs {
		job := &r.Jobs[i]
		if job.LookbackDays <= 0 {
			job.LookbackDays = defaultRefreshLookback
		}
		if strings.TrimSpace(job.Interval) == "" {
			job.Interval = "day"
		}
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

// boolFieldDefault only applies when the key is absent from every file.
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
