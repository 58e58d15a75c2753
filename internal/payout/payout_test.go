package payout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

type fixture struct {
	ctx   context.Context
	store *trade.MemoryStore
	rail  *escrow.MemoryService
	rec   *notify.Recorder
	m     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		ctx:   context.Background(),
		store: trade.NewMemoryStore(),
		rail:  escrow.NewMemoryService(logger),
		rec:   &notify.Recorder{},
	}
	f.m = NewManager(f.store, f.rail, f.rec, 3, logger)
	for _, id := range []string{"alice", "bob", "solver"} {
		require.NoError(t, f.store.CreateUser(f.ctx, &trade.User{ID: id}))
	}
	return f
}

func (f *fixture) releasedOrder(t *testing.T, communityID string) *trade.Order {
	t.Helper()
	o := &trade.Order{
		ID:               trade.NewID(),
		Type:             trade.TypeSell,
		CreatorID:        "alice",
		SellerID:         "alice",
		BuyerID:          "bob",
		Amount:           100_000,
		Fee:              510,
		CommunityFeeRate: decimal.RequireFromString("0.0009"),
		FiatCode:         "USD",
		FiatAmount:       trade.Nullable(decimal.NewFromInt(50)),
		Hash:             "hold-1",
		Secret:           "secret-1",
		BuyerInvoice:     "bob-wallet",
		Status:           trade.StatusPaidHoldInvoice,
		CommunityID:      communityID,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, f.store.CreateOrder(f.ctx, o))
	return o
}

func (f *fixture) order(t *testing.T, id string) *trade.Order {
	t.Helper()
	o, err := f.store.GetOrder(f.ctx, id)
	require.NoError(t, err)
	return o
}

func failPayments(rail *escrow.MemoryService) {
	rail.PayFunc = func(escrow.PayRequest) (*escrow.Payment, error) {
		return nil, errors.New("no route")
	}
}

func TestPayToBuyer_Success(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateCommunity(f.ctx, &trade.Community{ID: "c1", FeePercent: decimal.NewFromInt(50)}))
	o := f.releasedOrder(t, "c1")
	f.rail.PayFunc = func(req escrow.PayRequest) (*escrow.Payment, error) {
		return &escrow.Payment{ID: "p1", Confirmed: true, Fee: 21}, nil
	}

	f.m.PayToBuyer(f.ctx, o)

	got := f.order(t, o.ID)
	assert.Equal(t, trade.StatusSuccess, got.Status)
	assert.Equal(t, int64(21), got.RoutingFee)

	payments := f.rail.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, "secret-1", payments[0].Secret)

	c, err := f.store.GetCommunity(f.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), c.Earnings)
	assert.Equal(t, 1, c.OrdersToRedeem)

	alice, err := f.store.GetUser(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.TradesCompleted)
	assert.Equal(t, 1, f.rec.Count("bob", notify.KindPayoutSucceeded))
}

func TestPayToBuyer_SkipsInFlightDestination(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	f.rail.SetInFlight("bob-wallet", true)

	f.m.PayToBuyer(f.ctx, o)

	assert.Empty(t, f.rail.Payments())
	assert.Equal(t, trade.StatusPaidHoldInvoice, f.order(t, o.ID).Status)
	_, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	assert.ErrorIs(t, err, trade.ErrPendingNotFound)
}

func TestPayToBuyer_FailureQueuesRetryOnce(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	failPayments(f.rail)

	f.m.PayToBuyer(f.ctx, o)
	f.m.PayToBuyer(f.ctx, o)

	pending, err := f.store.ListPendingPayments(f.ctx, trade.PendingFilter{MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bob-wallet", pending[0].PaymentRequest)
	assert.Equal(t, int64(100_000), pending[0].Amount)
	assert.Equal(t, 2, f.rec.Count("bob", notify.KindPayoutFailed))
}

func TestPayToBuyer_ExpiredDestination(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	f.rail.PayFunc = func(escrow.PayRequest) (*escrow.Payment, error) {
		return &escrow.Payment{Expired: true}, nil
	}

	f.m.PayToBuyer(f.ctx, o)
	assert.Equal(t, 1, f.rec.Count("bob", notify.KindDestinationExpired))
	assert.Zero(t, f.rec.Count("bob", notify.KindPayoutFailed))
	assert.Equal(t, trade.StatusPaidHoldInvoice, f.order(t, o.ID).Status)

	// Nothing is queued for a destination that can never be paid.
	_, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	assert.ErrorIs(t, err, trade.ErrPendingNotFound)
}

func TestSweepBuyerPayments_ExhaustsAtMaxAttempts(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	failPayments(f.rail)
	f.m.PayToBuyer(f.ctx, o)

	for i := 1; i <= 3; i++ {
		paid, err := f.m.SweepBuyerPayments(f.ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, paid)

		p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, i, p.Attempts)
		// Operators hear about every attempt.
		assert.Equal(t, i, f.rec.Count(notify.AdminChannel, notify.KindPendingPaymentFailed))
	}
	assert.Equal(t, 1, f.rec.Count("bob", notify.KindPayoutRetriesExhausted))

	// Exhausted records are no longer picked up.
	_, err := f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 1, f.rec.Count("bob", notify.KindPayoutRetriesExhausted))
	assert.Equal(t, 3, f.rec.Count(notify.AdminChannel, notify.KindPendingPaymentFailed))
	assert.Len(t, f.rail.Payments(), 4)
}

func TestSweepBuyerPayments_ReopensDestinationUpdate(t *testing.T) {
	t.Run("exhausted", func(t *testing.T) {
		f := newFixture(t)
		o := f.releasedOrder(t, "")
		failPayments(f.rail)
		f.m.PayToBuyer(f.ctx, o)
		o = f.order(t, o.ID)
		o.PaidHoldBuyerInvoiceUpdated = true
		require.NoError(t, f.store.UpdateOrder(f.ctx, o))

		for i := 0; i < 2; i++ {
			_, err := f.m.SweepBuyerPayments(f.ctx)
			require.NoError(t, err)
			assert.True(t, f.order(t, o.ID).PaidHoldBuyerInvoiceUpdated)
		}
		_, err := f.m.SweepBuyerPayments(f.ctx)
		require.NoError(t, err)
		assert.False(t, f.order(t, o.ID).PaidHoldBuyerInvoiceUpdated)
		assert.Equal(t, trade.StatusPaidHoldInvoice, f.order(t, o.ID).Status)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		o := f.releasedOrder(t, "")
		failPayments(f.rail)
		f.m.PayToBuyer(f.ctx, o)
		o = f.order(t, o.ID)
		o.PaidHoldBuyerInvoiceUpdated = true
		require.NoError(t, f.store.UpdateOrder(f.ctx, o))

		f.rail.PayFunc = func(escrow.PayRequest) (*escrow.Payment, error) {
			return &escrow.Payment{Expired: true}, nil
		}
		_, err := f.m.SweepBuyerPayments(f.ctx)
		require.NoError(t, err)

		p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
		require.NoError(t, err)
		assert.True(t, p.IsInvoiceExpired)
		assert.Equal(t, 1, p.Attempts)
		assert.False(t, f.order(t, o.ID).PaidHoldBuyerInvoiceUpdated)
		assert.Equal(t, 1, f.rec.Count("bob", notify.KindDestinationExpired))
		assert.Equal(t, 1, f.rec.Count(notify.AdminChannel, notify.KindPendingPaymentFailed))

		// Expired records are not retried.
		_, err = f.m.SweepBuyerPayments(f.ctx)
		require.NoError(t, err)
		assert.Len(t, f.rail.Payments(), 2)
	})
}

func TestSweepBuyerPayments_SkipsWhileOldDestinationInFlight(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	failPayments(f.rail)
	f.m.PayToBuyer(f.ctx, o)

	p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	require.NoError(t, err)
	p.PaymentRequest = "bob-new-wallet"
	require.NoError(t, f.store.UpdatePendingPayment(f.ctx, p))
	f.rail.PayFunc = nil
	f.rail.SetInFlight("bob-wallet", true)

	paid, err := f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, paid)
	assert.Len(t, f.rail.Payments(), 1)
	assert.Zero(t, f.rec.Count(notify.AdminChannel, notify.KindPendingPaymentFailed))

	f.rail.SetInFlight("bob-wallet", false)
	paid, err = f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, trade.StatusSuccess, f.order(t, o.ID).Status)
}

func TestSweepBuyerPayments_PaysPendingDestination(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	failPayments(f.rail)
	f.m.PayToBuyer(f.ctx, o)

	p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	require.NoError(t, err)
	p.PaymentRequest = "bob-new-wallet"
	require.NoError(t, f.store.UpdatePendingPayment(f.ctx, p))
	f.rail.PayFunc = nil

	paid, err := f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)

	payments := f.rail.Payments()
	assert.Equal(t, "bob-new-wallet", payments[len(payments)-1].Destination)
	assert.Equal(t, trade.StatusSuccess, f.order(t, o.ID).Status)

	p, err = f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, p.Paid)
	assert.NotNil(t, p.PaidAt)
	assert.Equal(t, 1, f.rec.Count("bob", notify.KindPendingPaymentPaid))
	assert.Equal(t, 1, f.rec.Count(notify.AdminChannel, notify.KindPendingPaymentPaid))
}

func TestSweepBuyerPayments_InFlightDoesNotStopSweep(t *testing.T) {
	f := newFixture(t)
	failPayments(f.rail)
	first := f.releasedOrder(t, "")
	f.m.PayToBuyer(f.ctx, first)

	second := f.releasedOrder(t, "")
	second.BuyerInvoice = "bob-other-wallet"
	require.NoError(t, f.store.UpdateOrder(f.ctx, second))
	f.m.PayToBuyer(f.ctx, second)

	f.rail.PayFunc = nil
	f.rail.SetInFlight("bob-wallet", true)

	paid, err := f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Equal(t, trade.StatusPaidHoldInvoice, f.order(t, first.ID).Status)
	assert.Equal(t, trade.StatusSuccess, f.order(t, second.ID).Status)

	p, err := f.store.GetPendingPaymentByOrder(f.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Attempts)
}

func TestSweepBuyerPayments_ClosesRecordOfCompletedOrder(t *testing.T) {
	f := newFixture(t)
	o := f.releasedOrder(t, "")
	failPayments(f.rail)
	f.m.PayToBuyer(f.ctx, o)

	o = f.order(t, o.ID)
	o.Status = trade.StatusSuccess
	require.NoError(t, f.store.UpdateOrder(f.ctx, o))

	paid, err := f.m.SweepBuyerPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, paid)
	assert.Len(t, f.rail.Payments(), 1)

	p, err := f.store.GetPendingPaymentByOrder(f.ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, p.Paid)
}

func TestCommunityWithdrawal(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateCommunity(f.ctx, &trade.Community{
		ID: "c1", Name: "traders", Earnings: 900, OrdersToRedeem: 4, SolverIDs: []string{"solver"},
	}))

	_, err := f.m.RequestWithdrawal(f.ctx, "c1", "bob", "solver-wallet")
	assert.ErrorIs(t, err, ErrNotSolver)

	p, err := f.m.RequestWithdrawal(f.ctx, "c1", "solver", "solver-wallet")
	require.NoError(t, err)
	assert.Equal(t, int64(900), p.Amount)

	_, err = f.m.RequestWithdrawal(f.ctx, "c1", "solver", "solver-wallet")
	assert.ErrorIs(t, err, ErrWithdrawalQueued)

	paid, err := f.m.SweepCommunityPayments(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)

	payments := f.rail.Payments()
	require.Len(t, payments, 1)
	assert.Empty(t, payments[0].Secret)
	assert.Equal(t, "solver-wallet", payments[0].Destination)

	c, err := f.store.GetCommunity(f.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Earnings)
	assert.Equal(t, 0, c.OrdersToRedeem)
	assert.Equal(t, 1, f.rec.Count("solver", notify.KindEarningsPaid))

	_, err = f.m.RequestWithdrawal(f.ctx, "c1", "solver", "solver-wallet")
	assert.ErrorIs(t, err, ErrNoEarnings)
}

func TestSweepCommunityPayments_Failures(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateCommunity(f.ctx, &trade.Community{
		ID: "c1", Name: "traders", Earnings: 900, SolverIDs: []string{"solver"},
	}))
	_, err := f.m.RequestWithdrawal(f.ctx, "c1", "solver", "solver-wallet")
	require.NoError(t, err)
	failPayments(f.rail)

	for i := 0; i < 4; i++ {
		_, err := f.m.SweepCommunityPayments(f.ctx)
		require.NoError(t, err)
	}
	assert.Len(t, f.rail.Payments(), 3)
	assert.Equal(t, 1, f.rec.Count("solver", notify.KindEarningsFailed))

	c, err := f.store.GetCommunity(f.ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), c.Earnings)
}
