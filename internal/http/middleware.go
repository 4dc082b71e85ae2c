package http

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"heygem/internal/config"
	"heygem/internal/metrics"
)

// requestMiddleware assigns a request ID, then logs and records metrics
// for every request.
func requestMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)

		err := c.Next()
		if err != nil {
			// Render through the app error handler now so the logged status
			// is the one the client sees.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		path := c.Path()

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		if logger != nil {
			attrs := []any{
				"request_id", reqID,
				"method", method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			}
			if code := c.Query("code"); code != "" {
				attrs = append(attrs, "code", code)
			}
			logger.Info("request", attrs...)
		}

		return err
	}
}

// localLimiter is a per-client token bucket used when Redis is not
// configured or unavailable.
type localLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

// maxLocalClients bounds the limiter map; it is reset when exceeded.
const maxLocalClients = 10000

func newLocalLimiter(perMinute int) *localLimiter {
	return &localLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *localLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxLocalClients {
			l.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimitMiddleware enforces a per-minute limit per client IP. With
// Redis it is a fixed window shared by every instance; without it, or
// when Redis fails, an in-process token bucket applies.
func rateLimitMiddleware(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) fiber.Handler {
	limit := cfg.RateLimit.DefaultPerMinute
	if limit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	local := newLocalLimiter(limit)

	return func(c *fiber.Ctx) error {
		client := c.IP()

		if rdb != nil {
			now := time.Now().UTC()
			window := now.Format("200601021504") // YYYYMMDDHHMM minute window
			key := fmt.Sprintf("heygem:rl:%s:%s", client, window)

			ctx := c.Context()
			count, err := rdb.Incr(ctx, key).Result()
			if err == nil {
				if count == 1 {
					// First hit in this window; set TTL
					_ = rdb.Expire(ctx, key, time.Minute)
				}
				if count > int64(limit) {
					metrics.RecordRateLimited("redis")
					return rateLimited(c)
				}
				return c.Next()
			}
			if logger != nil {
				logger.Warn("rate_limit_redis_failed", "error", err)
			}
		}

		if !local.Allow(client) {
			metrics.RecordRateLimited("local")
			return rateLimited(c)
		}
		return c.Next()
	}
}

func rateLimited(c *fiber.Ctx) error {
	return respond(c, fiber.StatusTooManyRequests, CodeBusy, false, "rate limit exceeded, try again later", nil)
}
