// Package workerpool runs tasks on a fixed set of workers. Tasks sharing a
// key always land on the same worker, so they run in submission order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrStopped   = errors.New("pool is shutting down")
	ErrQueueFull = errors.New("task queue is full")
)

// Task is a unit of work. Key selects the worker; an empty key spreads tasks
// round-robin.
type Task struct {
	ID      string
	Key     string
	Context context.Context
	Run     func(ctx context.Context) error

	done chan *Result
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Key      string
	Attempts int
	Error    error
}

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the per-worker queue length
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds how long Stop waits for queued work
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of keyed workers
type Pool struct {
	config Config
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	queues  []chan *Task
	next    atomic.Uint64
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	queueDepth     atomic.Int64
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	queues := make([]chan *Task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan *Task, cfg.QueueSize)
	}

	return &Pool{
		config: cfg,
		logger: logger,
		queues: queues,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches all workers
func (p *Pool) Start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking. The returned channel receives
// exactly one result.
func (p *Pool) Submit(task *Task) (<-chan *Result, error) {
	if task.Run == nil {
		return nil, fmt.Errorf("task %s has no Run func", task.ID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	task.done = make(chan *Result, 1)
	select {
	case p.queues[p.shard(task.Key)] <- task:
		p.tasksSubmitted.Add(1)
		p.queueDepth.Add(1)
		return task.done, nil
	default:
		return nil, ErrQueueFull
	}
}

func (p *Pool) shard(key string) int {
	n := uint64(len(p.queues))
	if key == "" {
		return int(p.next.Add(1) % n)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(uint64(h.Sum32()) % n)
}

// Stop refuses new tasks, drains queued ones and waits for workers.
func (p *Pool) Stop() error {
	p.logger.Info("stopping worker pool")

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.cancel()
		p.logger.Warn("worker pool shutdown timed out")
		return errors.New("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int, queue <-chan *Task) {
	defer p.wg.Done()
	for task := range queue {
		p.queueDepth.Add(-1)
		res := p.process(task)
		task.done <- res
	}
	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func (p *Pool) process(task *Task) *Result {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}
	res := &Result{TaskID: task.ID, Key: task.Key}

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Error = err
			break
		}
		res.Attempts = attempt + 1
		res.Error = task.Run(ctx)
		if res.Error == nil || attempt == p.config.MaxRetries {
			break
		}

		p.tasksRetried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Error))

		select {
		case <-ctx.Done():
			res.Error = ctx.Err()
			attempt = p.config.MaxRetries
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Error == nil {
		p.tasksCompleted.Add(1)
	} else {
		p.tasksFailed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("key", task.Key),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Error))
	}
	return res
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		QueueDepth:     p.queueDepth.Load(),
		QueueCapacity:  p.config.QueueSize * p.config.Workers,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether queues are below 90% of capacity.
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
