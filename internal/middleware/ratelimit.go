package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/iliyamo/auth-session-service/internal/auth"
	"github.com/iliyamo/auth-session-service/internal/config"
)

// NewTokenBucket builds a rate-limiting middleware for one route. State
// lives in Redis so the limit holds across horizontally scaled instances;
// when Redis is unavailable the limiter degrades to a per-process
// token bucket rather than waving everything through.
//
// Key strategies:
//
//	"ip"     – client IP (registration throttling)
//	"email"  – the email field of the JSON body (login throttling; pairs
//	           with, but is independent from, the account lockout)
//	"family" – digest of the presented refresh token, which stands in for
//	           the rotation family without a store lookup
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error { return next(c) }
		}
	}

	limiterScript := redis.NewScript(`
        local key = KEYS[1]
        local now_ms = tonumber(ARGV[1])
        local capacity = tonumber(ARGV[2])
        local refill_tokens = tonumber(ARGV[3])
        local interval_ms = tonumber(ARGV[4])
        local ttl_seconds = tonumber(ARGV[5])

        local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
        local tokens = tonumber(state[1])
        local last_refill = tonumber(state[2])

        if tokens == nil or last_refill == nil then
            tokens = capacity
            last_refill = now_ms
        end

        if interval_ms > 0 and refill_tokens > 0 then
            local elapsed = math.max(0, now_ms - last_refill)
            local intervals = math.floor(elapsed / interval_ms)
            if intervals > 0 then
                tokens = math.min(capacity, tokens + (intervals * refill_tokens))
                last_refill = last_refill + (intervals * interval_ms)
            end
        end

        local allowed = 0
        local retry_after_ms = 0
        if tokens > 0 then
            allowed = 1
            tokens = tokens - 1
        else
            local until_next = interval_ms - (now_ms - last_refill)
            if until_next < 0 then until_next = 0 end
            retry_after_ms = until_next
        end

        redis.call('HMSET', key, 'tokens', tokens, 'last_refill_ms', last_refill, 'capacity', capacity)
        redis.call('EXPIRE', key, ttl_seconds)

        return { allowed, tokens, retry_after_ms }
    `)

	fallback := newLocalBuckets(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)

			if rdb == nil {
				if !fallback.allow(key) {
					return tooManyRequests(c, cfg, 0, 0)
				}
				return next(c)
			}

			now := time.Now()
			args := []interface{}{
				now.UnixMilli(),
				cfg.Capacity,
				cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(),
				int64(cfg.TTL / time.Second),
			}

			ctx := c.Request().Context()
			vals, err := limiterScript.Run(ctx, rdb, []string{key}, args...).Result()
			if err != nil {
				if cfg.Debug {
					c.Logger().Warnf("[ratelimit] redis error for key=%s: %v", key, err)
				}
				if !fallback.allow(key) {
					return tooManyRequests(c, cfg, 0, 0)
				}
				return next(c)
			}

			allowed := false
			remaining := int64(0)
			retryMs := int64(0)

			if arr, ok := vals.([]interface{}); ok && len(arr) == 3 {
				if i, ok := arr[0].(int64); ok {
					allowed = i == 1
				} else {
					allowed = fmt.Sprint(arr[0]) == "1"
				}
				remaining = asInt64(arr[1])
				retryMs = asInt64(arr[2])
			} else {
				if cfg.Debug {
					c.Logger().Warnf("[ratelimit] unexpected script result for key=%s: %#v", key, vals)
				}
				return next(c)
			}

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if !allowed {
				return tooManyRequests(c, cfg, remaining, retryMs)
			}

			if cfg.Debug {
				c.Response().Header().Set("X-RateLimit-Key", key)
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, cfg config.RateLimitConfig, remaining, retryMs int64) error {
	secs := int(math.Ceil(float64(retryMs) / 1000.0))
	if secs < 0 {
		secs = 0
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	if cfg.Debug {
		c.Logger().Infof("[ratelimit] block prefix=%s remaining=%d retry=%dms", cfg.Prefix, remaining, retryMs)
	}
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":       "too_many_requests",
		"message":     "rate limit exceeded",
		"retry_after": secs,
	})
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case float32:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	switch strings.ToLower(cfg.KeyStrategy) {
	case "email":
		parts = append(parts, "email", bodyField(c, "email"))
	case "family":
		// The raw token never becomes a Redis key; its digest does.
		parts = append(parts, "family", auth.HashRefreshRaw(bodyField(c, "refresh_token")))
	default:
		ip := c.RealIP()
		if ip == "" {
			ip = "unknown"
		}
		parts = append(parts, "ip", ip)
	}
	return strings.Join(parts, ":")
}

// bodyField peeks one string field out of a JSON body and restores the
// body for the handler. Bounded read; a missing or unparsable body keys
// the request under "unknown" so it still shares one bucket.
func bodyField(c echo.Context, field string) string {
	const maxPeek = 1 << 16
	req := c.Request()
	if req.Body == nil {
		return "unknown"
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, maxPeek))
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return "unknown"
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return "unknown"
	}
	if v, ok := body[field].(string); ok && v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return "unknown"
}

// localBuckets is the in-process fallback used when Redis is down. Same
// shape as the distributed bucket but per instance, so the effective limit
// is multiplied by the instance count — still bounded, and strictly better
// than failing open.
type localBuckets struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	limit   rate.Limit
	burst   int
	ttl     time.Duration
}

type localBucket struct {
	lim *rate.Limiter
	ts  time.Time
}

func newLocalBuckets(cfg config.RateLimitConfig) *localBuckets {
	perSecond := float64(cfg.RefillTokens) / cfg.RefillInterval.Seconds()
	lb := &localBuckets{
		buckets: make(map[string]*localBucket),
		limit:   rate.Limit(perSecond),
		burst:   cfg.Capacity,
		ttl:     cfg.TTL,
	}
	go lb.sweep()
	return lb
}

func (l *localBuckets) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.ts = time.Now()
	return b.lim.Allow()
}

func (l *localBuckets) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		l.mu.Lock()
		for k, b := range l.buckets {
			if now.Sub(b.ts) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}
