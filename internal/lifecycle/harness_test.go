package lifecycle_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradebot/internal/coordinator"
	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/lifecycle"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/payout"
	"github.com/mbd888/tradebot/internal/pricing"
	"github.com/mbd888/tradebot/internal/trade"
)

const (
	alice = "alice" // seller
	bob   = "bob"   // buyer
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *trade.MemoryStore
	rail  *escrow.MemoryService
	rates pricing.StaticRates
	rec   *notify.Recorder
	clock *clock
	lc    *lifecycle.Service
	coord *coordinator.Coordinator
	pm    *payout.Manager
	cfg   lifecycle.Config
}

func defaultConfig() lifecycle.Config {
	return lifecycle.Config{
		MaxDisputes:              3,
		PaymentAttempts:          3,
		OrderPublishedExpiration: 24 * time.Hour,
		HoldExpiration:           time.Hour,
	}
}

func newHarness(t *testing.T, cfg lifecycle.Config) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: trade.NewMemoryStore(),
		rail:  escrow.NewMemoryService(logger),
		rates: pricing.StaticRates{"USD": decimal.NewFromInt(1)},
		rec:   &notify.Recorder{},
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		cfg:   cfg,
	}
	h.lc = h.service(h.store)
	h.coord = coordinator.New(h.lc, h.rail, h.store, logger)
	h.pm = payout.NewManager(h.store, h.rail, h.rec, cfg.PaymentAttempts, logger).WithClock(h.clock.Now)
	h.lc.WithWatcher(h.coord).WithPayout(h.pm)

	h.addUser(alice, nil)
	h.addUser(bob, nil)
	return h
}

// service builds a lifecycle over store sharing the harness rail, rates,
// recorder and clock.
func (h *harness) service(store trade.Store) *lifecycle.Service {
	fees := pricing.Fees{MaxFee: decimal.RequireFromString("0.006"), FeePercent: decimal.RequireFromString("0.7")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return lifecycle.NewService(store, h.rail, h.rail, pricing.NewQuoter(h.rates, 1000), fees, h.rec, h.cfg, logger).
		WithClock(h.clock.Now)
}

func (h *harness) addUser(id string, edit func(u *trade.User)) {
	h.t.Helper()
	u := &trade.User{ID: id, Username: id, CreatedAt: h.clock.Now()}
	if edit != nil {
		edit(u)
	}
	require.NoError(h.t, h.store.CreateUser(h.ctx, u))
}

func (h *harness) user(id string) *trade.User {
	h.t.Helper()
	u, err := h.store.GetUser(h.ctx, id)
	require.NoError(h.t, err)
	return u
}

func (h *harness) order(id string) *trade.Order {
	h.t.Helper()
	o, err := h.store.GetOrder(h.ctx, id)
	require.NoError(h.t, err)
	return o
}

func (h *harness) create(req lifecycle.CreateRequest) *trade.Order {
	h.t.Helper()
	if req.FiatCode == "" {
		req.FiatCode = "USD"
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "bank transfer"
	}
	o, out := h.lc.CreateOrder(h.ctx, req)
	require.True(h.t, out.Applied, "create: %s", out.Reason)
	return o
}

// sell publishes a fixed sell order by alice for 100000 units at 50 USD.
func (h *harness) sell() *trade.Order {
	return h.create(lifecycle.CreateRequest{
		Type:       trade.TypeSell,
		CreatorID:  alice,
		Amount:     100_000,
		FiatAmount: []decimal.Decimal{decimal.NewFromInt(50)},
	})
}

// buy publishes a fixed buy order by bob for 100000 units at 50 USD.
func (h *harness) buy() *trade.Order {
	return h.create(lifecycle.CreateRequest{
		Type:       trade.TypeBuy,
		CreatorID:  bob,
		Amount:     100_000,
		FiatAmount: []decimal.Decimal{decimal.NewFromInt(50)},
	})
}

func (h *harness) fund(orderID string) {
	h.t.Helper()
	o := h.order(orderID)
	require.NotEmpty(h.t, o.Hash)
	require.NoError(h.t, h.rail.Fund(h.ctx, o.Hash, o.Total()))
}

// active drives a fresh sell order to ACTIVE with bob paying out to
// "bob-wallet".
func (h *harness) active() *trade.Order {
	h.t.Helper()
	o := h.sell()
	h.requireApplied(h.lc.TakeSell(h.ctx, lifecycle.TakeRequest{OrderID: o.ID, TakerID: bob}))
	h.requireApplied(h.lc.SetPayoutDestination(h.ctx, o.ID, bob, "bob-wallet"))
	h.fund(o.ID)
	require.Equal(h.t, trade.StatusActive, h.order(o.ID).Status)
	return h.order(o.ID)
}

func (h *harness) requireApplied(out lifecycle.Outcome) {
	h.t.Helper()
	require.True(h.t, out.Applied, "expected applied, got reason %q (status %s)", out.Reason, out.Status)
}

func (h *harness) holdState(holdID string) (escrow.State, escrow.CloseReason) {
	h.t.Helper()
	st, reason, err := h.rail.State(h.ctx, holdID)
	require.NoError(h.t, err)
	return st, reason
}
