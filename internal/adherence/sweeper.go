package adherence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/schedule"
)

// Locker lets replicas skip a tick another replica is already running.
// Correctness never depends on it; duplicate sweeps are idempotent.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), acquired bool, err error)
}

// SweeperConfig holds configuration for the periodic sweeper
type SweeperConfig struct {
	// Interval between SweepAll runs
	Interval time.Duration
	// BackfillDays is passed to BackfillActive on the first tick of each day; 0 disables it.
	BackfillDays int
	// RunOnStart runs one tick immediately instead of waiting for the first interval.
	RunOnStart bool
}

// DefaultSweeperConfig returns sensible defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     5 * time.Minute,
		BackfillDays: 7,
		RunOnStart:   true,
	}
}

// Sweeper drives SweepAll on a fixed interval, independent of user traffic.
type Sweeper struct {
	engine *Engine
	config SweeperConfig
	locker Locker
	logger *zap.Logger

	mu           sync.Mutex
	lastBackfill schedule.Date

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. locker may be nil.
func NewSweeper(engine *Engine, cfg SweeperConfig, locker Locker, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		engine: engine,
		config: cfg,
		locker: locker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	go s.loop()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("backfill_days", s.config.BackfillDays))
}

// Stop waits for the running tick to finish
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.done)

	if s.config.RunOnStart {
		s.tick()
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	if err := s.RunOnce(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("sweep tick failed", zap.Error(err))
	}
}

// RunOnce performs one tick: the daily backfill if today has not been
// backfilled yet, then a sweep of today.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		unlock, acquired, err := s.locker.TryLock(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			s.logger.Debug("sweep lock held elsewhere, skipping tick")
			return nil
		}
		defer unlock()
	}

	today := s.engine.Today()
	if s.needsBackfill(today) {
		_, err := s.engine.BackfillActive(ctx, s.config.BackfillDays)
		switch {
		case err == nil:
			s.markBackfilled(today)
		case errors.Is(err, ErrSweepInProgress):
			s.logger.Debug("backfill skipped, another run in progress")
		default:
			return err
		}
	}

	_, err := s.engine.SweepAll(ctx)
	if errors.Is(err, ErrSweepInProgress) {
		s.logger.Debug("sweep skipped, another run in progress")
		return nil
	}
	return err
}

func (s *Sweeper) needsBackfill(today schedule.Date) bool {
	if s.config.BackfillDays <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBackfill != today
}

func (s *Sweeper) markBackfilled(today schedule.Date) {
	s.mu.Lock()
	s.lastBackfill = today
	s.mu.Unlock()
}
