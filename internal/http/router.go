package http

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"heygem/internal/config"
	"heygem/internal/metrics"
	"heygem/internal/store"
)

type Server struct {
	app     *fiber.App
	config  *config.Config
	service JobService
	store   *store.Store
	rdb     *redis.Client
	logger  *slog.Logger
}

// NewServer wires the HTTP routes in front of svc. st and rdb are optional;
// without them deep health reports the dependency as disabled and rate
// limiting stays in process.
func NewServer(cfg *config.Config, svc JobService, st *store.Store, rdb *redis.Client, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})

	// Inject config, service, and logger into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("service", svc)
		if logger != nil {
			c.Locals("logger", logger)
		}
		return c.Next()
	})

	app.Use(requestMiddleware(logger))
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			if logger != nil {
				logger.Error("handler_panicked", "path", c.Path(), "panic", fmt.Sprint(e), "stack", string(debug.Stack()))
			}
		},
	}))

	app.Get("/health", healthHandler)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		// Shallow health: process is up
		if c.Query("deep") != "true" {
			return c.JSON(fiber.Map{"status": "ok"})
		}

		// Deep health: check DB and Redis connectivity.
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		dbStatus := "disabled"
		if st != nil {
			if err := st.Ping(ctx); err != nil {
				dbStatus = "error"
			} else {
				dbStatus = "ok"
			}
		}

		redisStatus := "disabled"
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				redisStatus = "error"
			} else {
				redisStatus = "ok"
			}
		}

		status := "ok"
		if dbStatus == "error" || redisStatus == "error" {
			status = "error"
		}

		stats := svc.Stats()
		return c.JSON(fiber.Map{
			"status":        status,
			"db":            dbStatus,
			"redis":         redisStatus,
			"queue_size":    stats.QueueLength,
			"current_tasks": stats.InFlight,
		})
	})

	// Prometheus-style metrics endpoint
	app.Get("/metrics", func(c *fiber.Ctx) error {
		stats := svc.Stats()
		metrics.SetQueueState(stats.QueueLength, stats.InFlight, stats.MaxConcurrent)
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	easy := app.Group("/easy", rateLimitMiddleware(cfg, rdb, logger))
	registerEasyRoutes(easy)

	return &Server{
		app:     app,
		config:  cfg,
		service: svc,
		store:   st,
		rdb:     rdb,
		logger:  logger,
	}
}

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	if s.logger != nil {
		s.logger.Info("http_listening", "addr", addr)
	}
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func registerEasyRoutes(group fiber.Router) {
	group.Post("/submit", submitHandler)
	group.Get("/query", queryHandler)
}
