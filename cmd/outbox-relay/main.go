// Package main provides the outbox relay service entry point. It publishes
// committed outbox entries to Redpanda behind a circuit breaker.
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

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/ops"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "outbox-relay"))
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" || len(cfg.Kafka.Brokers) == 0 {
		logger.Fatal("DATABASE_URL and KAFKA_BROKERS are required")
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

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(topicCtx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	cancel()
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer func() { _ = producer.Close() }()

	m := metrics.New(nil)
	breakerCfg := circuitbreaker.DefaultConfig("redpanda-publish")
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Gauge())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	m.SetBreakerState(breakerCfg.Name, breaker.GetState().Gauge())

	outbox := postgres.NewOutbox(pool, &breakerPublisher{producer: producer, breaker: breaker}, postgres.DefaultOutboxConfig(), m, logger)
	outbox.Start()

	server := ops.NewServer(cfg.HTTP, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if breaker.IsOpen() {
			return circuitbreaker.ErrOpen
		}
		return producer.Ping(ctx)
	})
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started", zap.Strings("brokers", cfg.Kafka.Brokers))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}

// breakerPublisher adapts the Redpanda producer to postgres.OutboxPublisher,
// failing fast while the broker is unavailable.
type breakerPublisher struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (p *breakerPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.breaker.Do(ctx, func(ctx context.Context) error {
		return p.producer.Publish(ctx, topic, key, value)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", postgres.ErrPublisherUnavailable, err)
	}
	return err
}
