// Package main provides the dose sweeper entry point. It writes missed
// records for elapsed slots on a fixed interval, independent of API traffic.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/ops"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "dose-sweeper"))
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	m := metrics.New(nil)
	engine := adherence.NewEngine(
		postgres.NewMedicationRepo(pool, logger),
		postgres.NewDoseStore(pool, cfg.Adherence.Location, logger),
		adherence.Config{
			Tolerance:        cfg.Adherence.Tolerance,
			MaxBackfillDays:  cfg.Adherence.MaxBackfillDays,
			SweepConcurrency: cfg.Adherence.SweepConcurrency,
			Location:         cfg.Adherence.Location,
		},
		logger,
		adherence.WithMetrics(m),
	)

	sweeper := adherence.NewSweeper(engine, adherence.SweeperConfig{
		Interval:     cfg.Adherence.SweepInterval,
		BackfillDays: cfg.Adherence.BackfillDays,
		RunOnStart:   true,
	}, postgres.NewAdvisoryLock(pool, postgres.SweeperLockKey, logger), logger)
	sweeper.Start()

	server := ops.NewServer(cfg.HTTP, pool.Ping)
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("dose sweeper started",
		zap.Duration("interval", cfg.Adherence.SweepInterval),
		zap.Int("backfill_days", cfg.Adherence.BackfillDays),
		zap.String("timezone", cfg.Adherence.Location.String()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("dose sweeper stopped")
}
