package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTimer_RunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	timer := NewTimer("count", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, quiet())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, timer.Running())
	timer.Stop()
	<-done
	assert.False(t, timer.Running())
}

func TestTimer_RunOnceSurvivesFailures(t *testing.T) {
	calls := 0
	timer := NewTimer("flaky", time.Hour, func(context.Context) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return errors.New("still failing")
	}, quiet())

	assert.NotPanics(t, func() { timer.RunOnce(context.Background()) })
	assert.NotPanics(t, func() { timer.RunOnce(context.Background()) })
	assert.Equal(t, 2, calls)
}

func TestTimer_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	timer := NewTimer("ctx", time.Hour, func(context.Context) error { return nil }, quiet())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on context cancel")
	}
}
