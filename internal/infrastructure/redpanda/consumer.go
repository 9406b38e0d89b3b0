package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// StartOffset is "earliest" or "latest"
	StartOffset string
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "reminder-planner",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		StartOffset:       "earliest",
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads a consumer group and commits offsets only after the handler
// succeeds. With a worker pool, records of one poll are handled concurrently
// while records sharing a key stay ordered.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	pool    *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	messagesRead atomic.Int64
	errorCount   atomic.Int64
}

type ConsumerOption func(*Consumer)

// WithPool fans records out to a keyed worker pool.
func WithPool(pool *workerpool.Pool) ConsumerOption {
	return func(c *Consumer) { c.pool = pool }
}

func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}
	switch cfg.StartOffset {
	case "latest":
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop finishes the in-flight poll, commits and closes the client.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return nil
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.errorCount.Add(1)
		})

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}

		var ok []*kgo.Record
		if c.pool != nil {
			ok = c.handleConcurrently(records)
		} else {
			for _, r := range records {
				if c.processRecord(r) {
					ok = append(ok, r)
				}
			}
		}

		// Failed records are left to the periodic full re-plan.
		c.client.MarkCommitRecords(ok...)
		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// handleConcurrently returns the successfully handled records in poll order.
func (c *Consumer) handleConcurrently(records []*kgo.Record) []*kgo.Record {
	handled := make([]bool, len(records))
	waits := make(map[int]<-chan *workerpool.Result, len(records))
	for i, r := range records {
		r := r
		done, err := c.pool.Submit(&workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset),
			Key:     string(r.Key),
			Context: c.ctx,
			Run: func(ctx context.Context) error {
				if !c.processRecord(r) {
					return errHandlerFailed
				}
				return nil
			},
		})
		if err != nil {
			c.logger.Warn("worker pool rejected record, handling inline", zap.Error(err))
			handled[i] = c.processRecord(r)
			continue
		}
		waits[i] = done
	}
	for i, done := range waits {
		handled[i] = (<-done).Error == nil
	}

	ok := make([]*kgo.Record, 0, len(records))
	for i, r := range records {
		if handled[i] {
			ok = append(ok, r)
		}
	}
	return ok
}

var errHandlerFailed = errors.New("message handler failed")

func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		c.errorCount.Add(1)
		return false
	}
	c.messagesRead.Add(1)
	return true
}

// Ping checks broker connectivity through the consumer's client.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		MessagesRead: c.messagesRead.Load(),
		ErrorCount:   c.errorCount.Load(),
	}
}
