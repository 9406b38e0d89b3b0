// Package main provides the adherence API service entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/notification"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

const serviceName = "adherence-api"

// medicationStore is what the API needs from the medication side.
type medicationStore interface {
	medication.Repository
	medication.Writer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := metrics.New(nil)

	var (
		pool  *pgxpool.Pool
		meds  medicationStore
		store dose.Store
	)
	if cfg.Database.URL != "" {
		pool, err = postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		meds = postgres.NewMedicationRepo(pool, logger)
		store = postgres.NewDoseStore(pool, cfg.Adherence.Location, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		meds = memory.NewMedicationRepo()
		store = memory.NewDoseStore()
	}

	engine := adherence.NewEngine(meds, store, adherence.Config{
		Tolerance:        cfg.Adherence.Tolerance,
		MaxBackfillDays:  cfg.Adherence.MaxBackfillDays,
		SweepConcurrency: cfg.Adherence.SweepConcurrency,
		Location:         cfg.Adherence.Location,
	}, logger, adherence.WithMetrics(m))

	planner := notification.NewPlanner(meds, notification.LogDispatcher{Logger: logger}, notification.PlannerConfig{
		HorizonDays:    cfg.Notifications.HorizonDays,
		MaxHorizonDays: cfg.Notifications.MaxHorizonDays,
		Location:       cfg.Adherence.Location,
	}, logger, notification.WithMetrics(m))

	// Nothing else can sweep an in-memory store.
	if pool == nil {
		sweeper := adherence.NewSweeper(engine, adherence.SweeperConfig{
			Interval:     cfg.Adherence.SweepInterval,
			BackfillDays: cfg.Adherence.BackfillDays,
			RunOnStart:   true,
		}, nil, logger)
		sweeper.Start()
		defer sweeper.Stop()
	}

	h := handlers.NewAdherenceHandler(engine, planner, meds, meds, handlers.HandlerConfig{
		BackfillDays: cfg.Adherence.BackfillDays,
	}, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	r.Get("/health", healthHandler(cfg))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/medications", h.Routes())
		r.Post("/sweeps", h.Sweep)
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Address(),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS not set, API authentication disabled")
	}
	logger.Info("starting adherence API",
		zap.String("addr", server.Addr),
		zap.String("timezone", cfg.Adherence.Location.String()),
		zap.Duration("tolerance", cfg.Adherence.Tolerance))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(cfg *config.Config) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q,"uptime":%q}`,
			serviceName, cfg.Service.Version, time.Since(started).Truncate(time.Second))
	}
}
