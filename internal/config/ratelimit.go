package config

import (
	"time"
)

// RateLimitConfig defines settings for one token-bucket limiter instance.
// Each sensitive route gets its own bucket with its own key strategy:
// registration is throttled per client IP, login per submitted email and
// refresh per token family. TTL controls how long idle bucket state is
// retained. Prefix namespaces the Redis keys so routes never share buckets.
type RateLimitConfig struct {
	Enabled        bool
	Capacity       int
	RefillTokens   int
	RefillInterval time.Duration
	TTL            time.Duration
	KeyStrategy    string // "ip" | "email" | "family"
	Prefix         string
	Debug          bool
}

// LoadRegisterRateLimit returns the limiter for POST /register:
// 5 registrations per IP per hour.
func LoadRegisterRateLimit() RateLimitConfig {
	return loadRateLimit("REGISTER", RateLimitConfig{
		Enabled:        true,
		Capacity:       5,
		RefillTokens:   5,
		RefillInterval: time.Hour,
		KeyStrategy:    "ip",
		Prefix:         "rl:register",
	})
}

// LoadLoginRateLimit returns the limiter for POST /login: 5 attempts per
// email per 15 minutes. This IP-agnostic layer mirrors the account lockout
// policy; the two are enforced independently.
func LoadLoginRateLimit() RateLimitConfig {
	return loadRateLimit("LOGIN", RateLimitConfig{
		Enabled:        true,
		Capacity:       5,
		RefillTokens:   5,
		RefillInterval: 15 * time.Minute,
		KeyStrategy:    "email",
		Prefix:         "rl:login",
	})
}

// LoadRefreshRateLimit returns the limiter for POST /refresh: 10 calls per
// token family per minute.
func LoadRefreshRateLimit() RateLimitConfig {
	return loadRateLimit("REFRESH", RateLimitConfig{
		Enabled:        true,
		Capacity:       10,
		RefillTokens:   10,
		RefillInterval: time.Minute,
		KeyStrategy:    "family",
		Prefix:         "rl:refresh",
	})
}

// loadRateLimit applies env overrides (RATE_LIMIT_<ROUTE>_*) on top of the
// given defaults and normalizes out-of-range values.
func loadRateLimit(route string, def RateLimitConfig) RateLimitConfig {
	p := "RATE_LIMIT_" + route + "_"
	cfg := RateLimitConfig{
		Enabled:        envBool(p+"ENABLED", def.Enabled),
		Capacity:       envInt(p+"CAPACITY", def.Capacity),
		RefillTokens:   envInt(p+"REFILL_TOKENS", def.RefillTokens),
		RefillInterval: envDur(p+"REFILL_INTERVAL", def.RefillInterval),
		TTL:            envDur(p+"TTL", 0),
		KeyStrategy:    envStr(p+"KEY_STRATEGY", def.KeyStrategy),
		Prefix:         envStr(p+"PREFIX", def.Prefix),
		Debug:          envBool(p+"DEBUG", false),
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.RefillTokens < 1 {
		cfg.RefillTokens = 1
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = time.Second
	}
	minTTL := 5 * cfg.RefillInterval
	if cfg.TTL < minTTL {
		cfg.TTL = minTTL
	}
	return cfg
}
