package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"heygem/internal/config"
	server "heygem/internal/http"
	"heygem/internal/jobs"
	"heygem/internal/migrate"
	"heygem/internal/store"
	"heygem/internal/synth"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	os.Exit(run(config.Load(*configPath)))
}

// run owns every resource main opens, so its deferred cleanups complete
// before the process exits with the returned code.
func run(cfg *config.Config) int {
	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	// History is optional; without a DSN outcomes are only logged.
	var (
		st  *store.Store
		rec jobs.Recorder
	)
	if cfg.Database.DSN != "" {
		// Run migrations on a short-lived connection
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			logger.Error("migrations_failed", "error", err)
			return 1
		}

		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			logger.Error("open_db_failed", "error", err)
			return 1
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		defer db.Close()

		st = store.New(db)
		rec = st
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid_redis_url", "error", err)
			return 1
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
	}

	body := synth.NewCommandBody(cfg, logger)
	svc := jobs.NewService(cfg, body, rec, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.Start(context.Background())
	s := server.NewServer(cfg, svc, st, rdb, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Listen()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown_started")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Worker.ShutdownTimeoutMs)*time.Millisecond)
		defer cancel()

		httpErr := s.Shutdown(shutdownCtx)
		jobsErr := svc.Stop(shutdownCtx)
		return errors.Join(httpErr, jobsErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", "error", err)
		return 1
	}
	logger.Info("server_stopped")
	return 0
}
