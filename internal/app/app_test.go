package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradebot/internal/config"
	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/lifecycle"
	"github.com/mbd888/tradebot/internal/trade"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "test",
		MaxFee:                   decimal.RequireFromString("0.006"),
		FeePercent:               decimal.RequireFromString("0.7"),
		UnitsPerToken:            1000,
		PaymentAttempts:          3,
		MaxDisputes:              5,
		OrderPublishedExpiration: time.Hour,
		HoldExpiration:           15 * time.Minute,
		PendingPaymentsInterval:  time.Hour,
		ExpireOrdersInterval:     time.Hour,
	}
}

func newMemoryApp(t *testing.T) *App {
	t.Helper()
	a, err := New(context.Background(), memoryConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNew_MemoryBackends(t *testing.T) {
	a := newMemoryApp(t)

	assert.IsType(t, &trade.MemoryStore{}, a.Store)
	assert.IsType(t, &escrow.MemoryService{}, a.Rail)
	assert.Len(t, a.Timers(), 3)

	healthy, statuses := a.Health.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestSellOrderThroughWiring(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()
	rail := a.Rail.(*escrow.MemoryService)

	var mu sync.Mutex
	var names []string
	unsub := a.Bus.Subscribe(func(e events.Event) {
		mu.Lock()
		names = append(names, e.Name())
		mu.Unlock()
	})
	defer unsub()

	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, a.Store.CreateUser(ctx, &trade.User{ID: id, Username: id}))
	}

	o, out := a.Lifecycle.CreateOrder(ctx, lifecycle.CreateRequest{
		Type:          trade.TypeSell,
		CreatorID:     "alice",
		Amount:        100_000,
		FiatCode:      "USD",
		FiatAmount:    []decimal.Decimal{decimal.NewFromInt(50)},
		PaymentMethod: "bank transfer",
	})
	require.True(t, out.Applied, out.Reason)

	require.True(t, a.Lifecycle.TakeSell(ctx, lifecycle.TakeRequest{OrderID: o.ID, TakerID: "bob"}).Applied)
	require.True(t, a.Lifecycle.SetPayoutDestination(ctx, o.ID, "bob", "bob-wallet").Applied)

	held, err := a.Store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.NoError(t, rail.Fund(ctx, held.Hash, held.Total()))

	got, err := a.Store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusActive, got.Status)

	require.True(t, a.Lifecycle.FiatSent(ctx, o.ID, "bob").Applied)
	require.True(t, a.Lifecycle.Release(ctx, o.ID, "alice").Applied)

	got, err = a.Store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.StatusSuccess, got.Status)
	require.Len(t, rail.Payments(), 1)
	assert.Equal(t, "bob-wallet", rail.Payments()[0].Destination)
	assert.Equal(t, 0, a.Coordinator.Active())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(names) > 0 && names[0] == "order.created"
	}, time.Second, 10*time.Millisecond)
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newMemoryApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSecretForRecoversHoldKey(t *testing.T) {
	a := newMemoryApp(t)
	ctx := context.Background()
	o := &trade.Order{
		ID: trade.NewID(), CreatorID: "alice", Type: trade.TypeSell, Amount: 10,
		FiatCode: "USD", FiatAmount: trade.Nullable(decimal.NewFromInt(1)),
		Hash: "0xhold", Secret: "key", Status: trade.StatusWaitingPayment,
	}
	require.NoError(t, a.Store.CreateOrder(ctx, o))

	secret, err := a.secretFor(ctx, "0xhold")
	require.NoError(t, err)
	assert.Equal(t, "key", secret)

	_, err = a.secretFor(ctx, "0xmissing")
	assert.ErrorIs(t, err, trade.ErrOrderNotFound)
}
