// Package jobs runs periodic maintenance work: payout retry sweeps and
// order expiry. The order core never schedules itself; these runners are
// started by the composition root.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tradebot/internal/metrics"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Timer runs a Task on a fixed interval.
type Timer struct {
	name     string
	task     Task
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer that runs task every interval.
func NewTimer(name string, interval time.Duration, task Task, logger *slog.Logger) *Timer {
	return &Timer{
		name:     name,
		task:     task,
		interval: interval,
		logger:   logger.With("job", name),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.RunOnce(ctx)
		}
	}
}

// Stop signals the loop to exit. A stopped timer cannot be restarted.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// RunOnce runs the task a single time, recovering panics.
func (t *Timer) RunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.JobRuns.WithLabelValues(t.name, "panic").Inc()
			t.logger.Error("panic in job", "panic", fmt.Sprint(r))
		}
	}()
	start := time.Now()
	if err := t.task(ctx); err != nil {
		metrics.JobRuns.WithLabelValues(t.name, "error").Inc()
		t.logger.Warn("job failed", "error", err, "duration", time.Since(start))
		return
	}
	metrics.JobRuns.WithLabelValues(t.name, "ok").Inc()
	t.logger.Debug("job finished", "duration", time.Since(start))
}
