// Package main provides the reminder planner entry point. It consumes
// medication changes, recomputes reminder plans and hands them to the outbox.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/notification"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/pkg/idempotency"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

const (
	handlerName = "plan_reminders"
	lagInterval = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log.Level, cfg.Log.Format).With(zap.String("service", "reminder-planner"))
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

	m := metrics.New(nil)
	planner := notification.NewPlanner(
		postgres.NewMedicationRepo(pool, logger),
		postgres.NewOutboxDispatcher(pool),
		notification.PlannerConfig{
			HorizonDays:    cfg.Notifications.HorizonDays,
			MaxHorizonDays: cfg.Notifications.MaxHorizonDays,
			Location:       cfg.Adherence.Location,
		},
		logger,
		notification.WithMetrics(m),
	)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	workers := workerpool.New(workerpool.DefaultConfig(), logger)
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = "reminder-planner"
	consumerCfg.Topics = []string{redpanda.TopicMedicationChanged}

	consumer, err := redpanda.NewConsumer(consumerCfg, changeHandler(inbox, planner, logger), logger, redpanda.WithPool(workers))
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	lagCtx, stopLag := context.WithCancel(ctx)
	lagDone := make(chan struct{})
	go func() {
		defer close(lagDone)
		lagLoop(lagCtx, lagInterval, admin, consumerCfg.GroupID, m, logger)
	}()

	replanCtx, stopReplan := context.WithCancel(ctx)
	replanDone := make(chan struct{})
	go func() {
		defer close(replanDone)
		replanLoop(replanCtx, cfg.Notifications.ReplanInterval,
			postgres.NewAdvisoryLock(pool, postgres.PlannerLockKey, logger), planner, logger)
	}()

	server := ops.NewServer(cfg.HTTP, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if !workers.IsHealthy() {
			return errors.New("worker queues saturated")
		}
		return consumer.Ping(ctx)
	})
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	logger.Info("reminder planner started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.Int("horizon_days", cfg.Notifications.HorizonDays))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopReplan()
	<-replanDone
	stopLag()
	<-lagDone
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop failed", zap.Error(err))
	}
	if err := workers.Stop(); err != nil {
		logger.Error("worker pool stop failed", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("reminder planner stopped")
}

// changeHandler re-plans the medication named by a MedicationChanged event,
// at most once per event.
func changeHandler(inbox *idempotency.Inbox, planner *notification.Planner, logger *zap.Logger) redpanda.MessageHandler {
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var ev medication.ChangedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.MedicationID == "" {
			// Undecodable events can never succeed.
			logger.Error("dropping malformed medication event",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		key := idempotency.Key(msg.Topic, ev.EventID, ev.MedicationID)
		res, err := inbox.Process(ctx, key, handlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			plan, err := planner.Plan(ctx, ev.MedicationID)
			if errors.Is(err, medication.ErrNotFound) {
				return nil, idempotency.Terminal(err)
			}
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]any{
				"plan_id":   plan.PlanID,
				"reminders": len(plan.Reminders),
			})
		})
		switch {
		case err == nil:
			if !res.IsNew && !res.WasRecovered {
				logger.Debug("medication event already handled", zap.String("event_id", ev.EventID))
			}
			return nil
		case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage):
			return nil
		case idempotency.IsTerminal(err):
			logger.Warn("medication event failed permanently",
				zap.String("event_id", ev.EventID),
				zap.String("medication_id", ev.MedicationID),
				zap.Error(err))
			return nil
		default:
			return err
		}
	}
}

// replanLoop rolls every plan's horizon forward once per interval. Only the
// replica holding the planner lock does the work.
func replanLoop(ctx context.Context, interval time.Duration, lock *postgres.AdvisoryLock, planner *notification.Planner, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			unlock, acquired, err := lock.TryLock(ctx)
			if err != nil {
				logger.Error("planner lock failed", zap.Error(err))
				continue
			}
			if !acquired {
				continue
			}
			if _, err := planner.PlanAll(ctx); err != nil {
				logger.Error("replan failed", zap.Error(err))
			}
			unlock()
		}
	}
}

// lagLoop samples the planner group's lag into the consumer lag gauge.
func lagLoop(ctx context.Context, interval time.Duration, admin *redpanda.Admin, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := admin.GroupLag(ctx, group)
			if err != nil {
				logger.Warn("consumer lag unavailable", zap.String("group", group), zap.Error(err))
				continue
			}
			m.SetConsumerLag(group, lag)
		}
	}
}
