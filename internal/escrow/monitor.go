package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mbd888/tradebot/internal/metrics"
)

// Monitor is a subscription registry keyed by hold id. Rail adapters embed
// it and call Emit when they observe an event. OnWatch and OnIdle fire when
// a hold gains its first or loses its last subscriber, letting adapters
// start and stop polling.
type Monitor struct {
	mu     sync.Mutex
	subs   map[string]map[int]Handler
	next   int
	logger *slog.Logger

	OnWatch func(holdID string)
	OnIdle  func(holdID string)
}

// NewMonitor creates an empty registry.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{subs: make(map[string]map[int]Handler), logger: logger}
}

// Subscribe implements Service.Subscribe.
func (m *Monitor) Subscribe(holdID string, h Handler) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	hs, ok := m.subs[holdID]
	if !ok {
		hs = make(map[int]Handler)
		m.subs[holdID] = hs
	}
	hs[id] = h
	first := !ok
	onWatch := m.OnWatch
	m.mu.Unlock()

	metrics.EscrowSubscriptions.Inc()
	if first && onWatch != nil {
		onWatch(holdID)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(holdID, id) })
	}
}

func (m *Monitor) remove(holdID string, id int) {
	m.mu.Lock()
	hs, ok := m.subs[holdID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := hs[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(hs, id)
	last := len(hs) == 0
	if last {
		delete(m.subs, holdID)
	}
	onIdle := m.OnIdle
	m.mu.Unlock()

	metrics.EscrowSubscriptions.Dec()
	if last && onIdle != nil {
		onIdle(holdID)
	}
}

// Watched returns the hold ids that currently have subscribers.
func (m *Monitor) Watched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	return ids
}

// Emit delivers e to every handler subscribed to e.HoldID on the calling
// goroutine. A panicking handler is logged and does not stop the others.
func (m *Monitor) Emit(ctx context.Context, e Event) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[e.HoldID]))
	for _, h := range m.subs[e.HoldID] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	metrics.EscrowEvents.WithLabelValues(string(e.Kind), string(e.Reason)).Inc()
	for _, h := range handlers {
		m.safeHandle(ctx, h, e)
	}
}

func (m *Monitor) safeHandle(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in escrow event handler",
				"hold_id", e.HoldID, "kind", e.Kind, "panic", fmt.Sprint(r))
		}
	}()
	h(ctx, e)
}
