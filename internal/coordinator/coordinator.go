// Package coordinator subscribes to escrow events for live orders and
// routes them to the lifecycle. It rebuilds its subscriptions on startup
// from what the store says is still waiting on the rail.
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/lifecycle"
	"github.com/mbd888/tradebot/internal/trade"
)

// Lifecycle is the part of the state machine driven by rail events.
type Lifecycle interface {
	MarkFunded(ctx context.Context, holdID string, amount int64) lifecycle.Outcome
	HoldReleased(ctx context.Context, holdID string) lifecycle.Outcome
	HoldRefunded(ctx context.Context, holdID string) lifecycle.Outcome
	OpenDisputeByHold(ctx context.Context, holdID string) lifecycle.Outcome
}

type watchKind string

const (
	watchFunding watchKind = "funding"
	watchClose   watchKind = "close"
	watchDispute watchKind = "dispute"
)

type watchKey struct {
	holdID string
	kind   watchKind
}

// Coordinator owns the escrow subscriptions.
type Coordinator struct {
	lc     Lifecycle
	holds  escrow.Service
	store  trade.Store
	logger *slog.Logger

	mu      sync.Mutex
	watches map[watchKey]func()

	// EagerLimit bounds concurrent state checks during Resubscribe.
	EagerLimit int
}

// New creates a coordinator.
func New(lc Lifecycle, holds escrow.Service, store trade.Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		lc:         lc,
		holds:      holds,
		store:      store,
		logger:     logger,
		watches:    make(map[watchKey]func()),
		EagerLimit: 8,
	}
}

// WatchFunding waits for the hold to carry target. With eager set the
// current balance is checked right away, covering funding that landed
// while nobody was listening.
func (c *Coordinator) WatchFunding(ctx context.Context, holdID string, target int64, eager bool) {
	if holdID == "" {
		return
	}
	c.watch(holdID, watchFunding, func(ctx context.Context, e escrow.Event) {
		if e.Kind == escrow.EventClosed {
			c.unwatch(holdID, watchFunding)
			return
		}
		if e.Kind != escrow.EventFunded || e.Amount < target {
			return
		}
		if c.stale(ctx, holdID, trade.StatusWaitingPayment) {
			c.unwatch(holdID, watchFunding)
			return
		}
		out := c.lc.MarkFunded(ctx, e.HoldID, e.Amount)
		c.logOutcome(ctx, "funded", e.HoldID, out)
		c.unwatch(holdID, watchFunding)
	})
	if !eager {
		return
	}
	balance, err := c.holds.Balance(ctx, holdID)
	if err != nil {
		c.logger.Warn("eager balance check failed", "hold_id", holdID, "error", err)
		return
	}
	if balance >= target {
		out := c.lc.MarkFunded(ctx, holdID, balance)
		c.logOutcome(ctx, "funded", holdID, out)
		c.unwatch(holdID, watchFunding)
	}
}

// WatchClose waits for the hold to be settled or refunded.
func (c *Coordinator) WatchClose(ctx context.Context, holdID string, eager bool) {
	if holdID == "" {
		return
	}
	c.watch(holdID, watchClose, func(ctx context.Context, e escrow.Event) {
		if e.Kind != escrow.EventClosed {
			return
		}
		c.closed(ctx, holdID, e.Reason)
	})
	if !eager {
		return
	}
	state, reason, err := c.holds.State(ctx, holdID)
	if err != nil {
		c.logger.Warn("eager state check failed", "hold_id", holdID, "error", err)
		return
	}
	if state == escrow.StateClosed {
		c.closed(ctx, holdID, reason)
	}
}

func (c *Coordinator) closed(ctx context.Context, holdID string, reason escrow.CloseReason) {
	defer func() {
		c.unwatch(holdID, watchClose)
		c.unwatch(holdID, watchDispute)
	}()
	if c.stale(ctx, holdID, trade.StatusActive, trade.StatusFiatSent) {
		return
	}
	var out lifecycle.Outcome
	switch {
	case reason.Released():
		out = c.lc.HoldReleased(ctx, holdID)
	case reason.Refunded():
		out = c.lc.HoldRefunded(ctx, holdID)
	default:
		c.logger.Warn("hold closed with unknown reason", "hold_id", holdID, "reason", reason)
		return
	}
	c.logOutcome(ctx, "closed", holdID, out)
}

// WatchDispute waits for the rail to flag the hold as disputed.
func (c *Coordinator) WatchDispute(ctx context.Context, holdID string, eager bool) {
	if holdID == "" {
		return
	}
	c.watch(holdID, watchDispute, func(ctx context.Context, e escrow.Event) {
		if e.Kind != escrow.EventDisputed {
			return
		}
		c.disputed(ctx, holdID)
	})
	if !eager {
		return
	}
	state, _, err := c.holds.State(ctx, holdID)
	if err != nil {
		c.logger.Warn("eager state check failed", "hold_id", holdID, "error", err)
		return
	}
	if state == escrow.StateDispute {
		c.disputed(ctx, holdID)
	}
}

func (c *Coordinator) disputed(ctx context.Context, holdID string) {
	if c.stale(ctx, holdID, trade.StatusActive, trade.StatusFiatSent) {
		c.unwatch(holdID, watchDispute)
		return
	}
	out := c.lc.OpenDisputeByHold(ctx, holdID)
	c.logOutcome(ctx, "disputed", holdID, out)
	if out.Applied {
		c.unwatch(holdID, watchDispute)
	}
}

// stale reports whether the hold's order has left the statuses a watch
// serves. A missing order is left for the lifecycle to report.
func (c *Coordinator) stale(ctx context.Context, holdID string, statuses ...trade.Status) bool {
	o, err := c.store.GetOrderByHash(ctx, holdID)
	if err != nil {
		return false
	}
	if o.Status.In(statuses...) {
		return false
	}
	c.logger.DebugContext(ctx, "watch dropped for moved order",
		"hold_id", holdID, "order_id", o.ID, "status", o.Status)
	return true
}

// Resubscribe restores watches for every order still waiting on the rail
// and checks each hold's current state once.
func (c *Coordinator) Resubscribe(ctx context.Context) (int, error) {
	waiting, err := c.store.ListOrders(ctx, trade.OrderFilter{
		Statuses: []trade.Status{trade.StatusWaitingPayment},
	})
	if err != nil {
		return 0, err
	}
	live, err := c.store.ListOrders(ctx, trade.OrderFilter{
		Statuses: []trade.Status{trade.StatusActive, trade.StatusFiatSent},
		HeldOnly: true,
	})
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.EagerLimit)
	count := 0
	for _, o := range waiting {
		if !o.HasHold() {
			continue
		}
		count++
		g.Go(func() error {
			c.WatchFunding(gctx, o.Hash, o.Total(), true)
			return nil
		})
	}
	for _, o := range live {
		if !o.HasHold() {
			continue
		}
		count++
		g.Go(func() error {
			// Dispute first: a close found by the eager check drops both.
			c.WatchDispute(gctx, o.Hash, true)
			c.WatchClose(gctx, o.Hash, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return count, err
	}
	c.logger.Info("escrow subscriptions restored", "holds", count)
	return count, nil
}

// Active is the number of live watches.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watches)
}

// Close drops every watch.
func (c *Coordinator) Close() {
	c.mu.Lock()
	watches := c.watches
	c.watches = make(map[watchKey]func())
	c.mu.Unlock()
	for _, unsub := range watches {
		unsub()
	}
}

// watch subscribes h unless the same kind of watch already exists for
// the hold.
func (c *Coordinator) watch(holdID string, kind watchKind, h escrow.Handler) {
	key := watchKey{holdID: holdID, kind: kind}
	c.mu.Lock()
	if _, ok := c.watches[key]; ok {
		c.mu.Unlock()
		return
	}
	c.watches[key] = func() {}
	c.mu.Unlock()

	unsub := c.holds.Subscribe(holdID, h)

	c.mu.Lock()
	if _, ok := c.watches[key]; !ok {
		// Dropped while subscribing.
		c.mu.Unlock()
		unsub()
		return
	}
	c.watches[key] = unsub
	c.mu.Unlock()
}

func (c *Coordinator) unwatch(holdID string, kind watchKind) {
	key := watchKey{holdID: holdID, kind: kind}
	c.mu.Lock()
	unsub, ok := c.watches[key]
	delete(c.watches, key)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *Coordinator) logOutcome(ctx context.Context, event, holdID string, out lifecycle.Outcome) {
	if out.Applied {
		c.logger.InfoContext(ctx, "escrow event applied",
			"event", event, "hold_id", holdID, "order_id", out.OrderID, "status", out.Status)
		return
	}
	c.logger.DebugContext(ctx, "escrow event ignored",
		"event", event, "hold_id", holdID, "order_id", out.OrderID, "reason", out.Reason)
}

var _ lifecycle.HoldWatcher = (*Coordinator)(nil)
