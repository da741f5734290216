package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cannaai-notify/internal/db"
	"github.com/lalithlochan/cannaai-notify/internal/metrics"
)

// Task is one unit of periodic background work.
type Task func(ctx context.Context) error

// Loop runs a Task on a fixed interval. At most one run is in flight: a
// tick that fires while the previous run is still going is skipped. Run
// blocks until ctx is cancelled and the in-flight run has returned.
type Loop struct {
	name     string
	interval time.Duration
	task     Task
	logger   *zap.Logger

	busy atomic.Bool
	wg   sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type LoopConfig struct {
	Name     string
	Interval time.Duration
}

func NewLoop(cfg LoopConfig, task Task, logger *zap.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Loop{
		name:     cfg.Name,
		interval: cfg.Interval,
		task:     task,
		logger:   logger.With(zap.String("loop", cfg.Name)),
	}
}

// Run ticks until ctx is done, then waits for the in-flight run.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("loop started", zap.Duration("interval", l.interval))
	defer l.logger.Info("loop stopped")

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return nil
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Trigger runs the task once now unless a run is already in flight.
// It reports whether a run was started.
func (l *Loop) Trigger(ctx context.Context) bool {
	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) bool {
	if !l.busy.CompareAndSwap(false, true) {
		l.logger.Debug("previous run still in flight, skipping tick")
		metrics.RecordLoopTick(l.name, "skipped")
		return false
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.busy.Store(false)
		l.runOnce(ctx)
	}()
	return true
}

func (l *Loop) runOnce(ctx context.Context) {
	start := time.Now()
	err := l.task(ctx)

	switch {
	case err == nil:
		metrics.RecordLoopTick(l.name, "ran")
	case errors.Is(err, db.ErrSchemaNotReady):
		l.logger.Warn("schema not ready, skipping run", zap.Error(err))
		metrics.RecordLoopTick(l.name, "skipped")
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// shutting down
	default:
		l.logger.Error("loop run failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		metrics.RecordLoopTick(l.name, "error")
	}
}

// Start launches Run in the background. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
}

// Stop cancels a loop launched with Start and waits for it to finish, or for
// ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether a run is in flight.
func (l *Loop) Running() bool {
	return l.busy.Load()
}
