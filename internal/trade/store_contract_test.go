package trade

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract checks behavior every Store must share. It only
// creates fresh ids so it can run against a database with other rows.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	newOrder := func(status Status, created time.Time) *Order {
		return &Order{
			ID:            NewID(),
			CreatorID:     "alice",
			SellerID:      "alice",
			Type:          TypeSell,
			Amount:        100000,
			Fee:           600,
			BotFeeRate:    decimal.RequireFromString("0.006"),
			FiatCode:      "USD",
			FiatAmount:    Nullable(decimal.RequireFromString("50.25")),
			PaymentMethod: "bank transfer",
			PriceMargin:   1.5,
			Status:        status,
			CreatedAt:     created,
			UpdatedAt:     created,
		}
	}

	t.Run("orders", func(t *testing.T) {
		o := newOrder(StatusPending, now)
		require.NoError(t, s.CreateOrder(ctx, o))

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.FiatAmount.Decimal.Equal(o.FiatAmount.Decimal))
		assert.False(t, got.IsRange())
		assert.Empty(t, got.BuyerID)

		held := now.Add(time.Minute)
		got.Status = StatusActive
		got.BuyerID = "bob"
		got.Hash = "hold-" + o.ID
		got.Secret = "secret-" + o.ID
		got.InvoiceHeldAt = &held
		got.TakenAt = &held
		require.NoError(t, s.UpdateOrder(ctx, got))

		byHash, err := s.GetOrderByHash(ctx, "hold-"+o.ID)
		require.NoError(t, err)
		assert.Equal(t, o.ID, byHash.ID)
		assert.Equal(t, "secret-"+o.ID, byHash.Secret)
		require.NotNil(t, byHash.InvoiceHeldAt)
		assert.True(t, byHash.InvoiceHeldAt.Equal(held))

		_, err = s.GetOrder(ctx, NewID())
		assert.ErrorIs(t, err, ErrOrderNotFound)
		_, err = s.GetOrderByHash(ctx, "")
		assert.ErrorIs(t, err, ErrOrderNotFound)
		assert.ErrorIs(t, s.UpdateOrder(ctx, newOrder(StatusPending, now)), ErrOrderNotFound)
	})

	t.Run("stored orders are isolated from callers", func(t *testing.T) {
		o := newOrder(StatusPending, now)
		require.NoError(t, s.CreateOrder(ctx, o))
		o.Status = StatusCanceled

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("list orders", func(t *testing.T) {
		old := newOrder(StatusWaitingPayment, now.Add(-48*time.Hour))
		taken := now.Add(-2 * time.Hour)
		old.TakenAt = &taken
		fresh := newOrder(StatusWaitingPayment, now)
		require.NoError(t, s.CreateOrder(ctx, old))
		require.NoError(t, s.CreateOrder(ctx, fresh))

		ids := func(f OrderFilter) map[string]bool {
			orders, err := s.ListOrders(ctx, f)
			require.NoError(t, err)
			out := map[string]bool{}
			for _, o := range orders {
				out[o.ID] = true
			}
			return out
		}

		waiting := ids(OrderFilter{Statuses: []Status{StatusWaitingPayment}})
		assert.True(t, waiting[old.ID])
		assert.True(t, waiting[fresh.ID])

		stale := ids(OrderFilter{Statuses: []Status{StatusWaitingPayment}, CreatedBefore: now.Add(-24 * time.Hour)})
		assert.True(t, stale[old.ID])
		assert.False(t, stale[fresh.ID])

		takenLong := ids(OrderFilter{TakenBefore: now.Add(-time.Hour)})
		assert.True(t, takenLong[old.ID])
		assert.False(t, takenLong[fresh.ID])

		assert.False(t, ids(OrderFilter{Statuses: []Status{StatusWaitingPayment}, HeldOnly: true})[old.ID])
	})

	t.Run("disputes", func(t *testing.T) {
		o := newOrder(StatusDispute, now)
		require.NoError(t, s.CreateOrder(ctx, o))
		orderID := o.ID
		dsp := &Dispute{
			ID: NewID(), OrderID: orderID, BuyerID: "bob", SellerID: "alice",
			Initiator: PartyBuyer, Status: DisputeWaitingForSolver, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateDispute(ctx, dsp))

		got, err := s.GetDisputeByOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, PartyBuyer, got.Initiator)

		got.SolverID = "solver"
		got.Status = DisputeInProgress
		require.NoError(t, s.UpdateDispute(ctx, got))
		got, err = s.GetDisputeByOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, DisputeInProgress, got.Status)
		assert.Equal(t, "solver", got.SolverID)

		_, err = s.GetDisputeByOrder(ctx, NewID())
		assert.ErrorIs(t, err, ErrDisputeNotFound)
		assert.ErrorIs(t, s.UpdateDispute(ctx, &Dispute{ID: NewID(), OrderID: NewID()}), ErrDisputeNotFound)
	})

	t.Run("pending payments", func(t *testing.T) {
		orderID := NewID()
		first := &PendingPayment{
			ID: NewID(), OrderID: orderID, UserID: "bob", Amount: 1000,
			PaymentRequest: "old-dest", Description: "payout", CreatedAt: now.Add(-time.Minute),
		}
		second := &PendingPayment{
			ID: NewID(), OrderID: orderID, UserID: "bob", Amount: 1000,
			PaymentRequest: "new-dest", Description: "payout", CreatedAt: now,
		}
		earnings := &PendingPayment{
			ID: NewID(), UserID: "solver", Amount: 90, PaymentRequest: "solver-dest",
			Description: "earnings", CommunityID: "c-" + orderID, CreatedAt: now,
		}
		require.NoError(t, s.CreatePendingPayment(ctx, first))
		require.NoError(t, s.CreatePendingPayment(ctx, second))
		require.NoError(t, s.CreatePendingPayment(ctx, earnings))

		latest, err := s.GetPendingPaymentByOrder(ctx, orderID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)

		latest.Attempts = 3
		require.NoError(t, s.UpdatePendingPayment(ctx, latest))

		has := func(f PendingFilter, id string) bool {
			list, err := s.ListPendingPayments(ctx, f)
			require.NoError(t, err)
			for _, p := range list {
				if p.ID == id {
					return true
				}
			}
			return false
		}
		assert.True(t, has(PendingFilter{MaxAttempts: 3}, first.ID))
		assert.False(t, has(PendingFilter{MaxAttempts: 3}, second.ID))
		assert.False(t, has(PendingFilter{MaxAttempts: 3}, earnings.ID))
		assert.True(t, has(PendingFilter{Community: true, MaxAttempts: 3}, earnings.ID))

		first.Paid = true
		paidAt := now
		first.PaidAt = &paidAt
		require.NoError(t, s.UpdatePendingPayment(ctx, first))
		assert.False(t, has(PendingFilter{}, first.ID))

		_, err = s.GetPendingPaymentByOrder(ctx, NewID())
		assert.ErrorIs(t, err, ErrPendingNotFound)
	})

	t.Run("users and communities", func(t *testing.T) {
		u := &User{ID: NewID(), Username: "alice", VolumeTraded: decimal.Zero, CreatedAt: now}
		require.NoError(t, s.CreateUser(ctx, u))
		u.TradesCompleted = 2
		u.VolumeTraded = decimal.RequireFromString("100.50")
		u.PayoutAddress = "0xabc"
		require.NoError(t, s.UpdateUser(ctx, u))

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TradesCompleted)
		assert.True(t, got.VolumeTraded.Equal(decimal.RequireFromString("100.5")))
		assert.Equal(t, "0xabc", got.PayoutAddress)
		_, err = s.GetUser(ctx, NewID())
		assert.ErrorIs(t, err, ErrUserNotFound)

		c := &Community{ID: NewID(), Name: "traders", FeePercent: decimal.NewFromInt(50), SolverIDs: []string{"s1"}, CreatedAt: now}
		require.NoError(t, s.CreateCommunity(ctx, c))
		c.Earnings = 90
		c.SolverIDs = append(c.SolverIDs, "s2")
		require.NoError(t, s.UpdateCommunity(ctx, c))

		gotC, err := s.GetCommunity(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(90), gotC.Earnings)
		assert.Equal(t, []string{"s1", "s2"}, gotC.SolverIDs)
		assert.True(t, gotC.HasSolver("s2"))
		_, err = s.GetCommunity(ctx, NewID())
		assert.ErrorIs(t, err, ErrCommunityNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_ListOrdersAfterKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.CreateOrder(ctx, &Order{ID: id, Status: StatusPending, CreatedAt: at}))
	}
	require.NoError(t, s.CreateOrder(ctx, &Order{ID: "z", Status: StatusPending, CreatedAt: at.Add(-time.Second)}))

	all, err := s.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	var ids []string
	for _, o := range all {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{"z", "a", "b", "c"}, ids)

	rest, err := s.ListOrders(ctx, OrderFilter{AfterCreatedAt: at, AfterID: "a"})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].ID)
	assert.Equal(t, "c", rest[1].ID)
}
