// Package payout pays buyers after release and retries payouts that
// failed, along with community fee withdrawals.
package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/metrics"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/pricing"
	"github.com/mbd888/tradebot/internal/syncutil"
	"github.com/mbd888/tradebot/internal/trade"
)

var (
	ErrNoEarnings       = errors.New("payout: community has no earnings")
	ErrNotSolver        = errors.New("payout: user cannot withdraw community earnings")
	ErrWithdrawalQueued = errors.New("payout: withdrawal already queued")
)

// Manager runs payouts.
type Manager struct {
	store       trade.Store
	payer       escrow.Payer
	notifier    notify.Notifier
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time

	inFlight *syncutil.GuardSet
}

// NewManager creates a payout manager. maxAttempts bounds retries of a
// pending payment.
func NewManager(store trade.Store, payer escrow.Payer, notifier notify.Notifier, maxAttempts int, logger *slog.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		store:       store,
		payer:       payer,
		notifier:    notifier,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		inFlight:    syncutil.NewGuardSet(),
	}
}

// WithClock overrides time.Now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// PayToBuyer pays the order amount from the released hold to the buyer's
// destination. A failed attempt is queued for the retry sweep.
func (m *Manager) PayToBuyer(ctx context.Context, o *trade.Order) {
	log := m.logger.With("order_id", o.ID)
	if o.BuyerInvoice == "" {
		log.Warn("buyer payout skipped, no destination")
		return
	}
	release, ok := m.inFlight.TryAcquire("order:" + o.ID)
	if !ok {
		log.Info("buyer payout already running")
		return
	}
	defer release()

	busy, err := m.payer.InFlight(ctx, o.BuyerInvoice)
	if err != nil {
		log.Warn("in-flight check failed", "error", err)
	}
	if busy {
		log.Info("payment to destination still in flight, skipping")
		return
	}

	payment, err := m.payer.Pay(ctx, escrow.PayRequest{
		Destination: o.BuyerInvoice,
		Amount:      o.Amount,
		Secret:      o.Secret,
		Memo:        "Order #" + o.ID,
		Reference:   "order:" + o.ID,
	})
	switch {
	case err == nil && payment.Confirmed:
		metrics.PayoutAttempts.WithLabelValues("inline", "ok").Inc()
		if err := m.completeBuyer(ctx, o.ID, payment); err != nil {
			log.Error("record buyer payout failed", "error", err)
		}
		return
	case err == nil && payment.Expired:
		// Nothing to retry; the buyer supplies a new destination instead.
		metrics.PayoutAttempts.WithLabelValues("inline", "expired").Inc()
		log.Warn("buyer destination expired")
		m.notify(ctx, o.BuyerID, notify.KindDestinationExpired, o.ID, nil)
		return
	default:
		metrics.PayoutAttempts.WithLabelValues("inline", "error").Inc()
		log.Warn("buyer payout failed", "error", err)
	}

	m.notify(ctx, o.BuyerID, notify.KindPayoutFailed, o.ID, map[string]any{"attempts": m.maxAttempts})
	if _, err := m.store.GetPendingPaymentByOrder(ctx, o.ID); err == nil {
		return
	}
	pending := &trade.PendingPayment{
		ID:             trade.NewID(),
		OrderID:        o.ID,
		UserID:         o.BuyerID,
		Amount:         o.Amount,
		PaymentRequest: o.BuyerInvoice,
		Hash:           o.Hash,
		Description:    "Payout for order #" + o.ID,
		CreatedAt:      m.now(),
	}
	if err := m.store.CreatePendingPayment(ctx, pending); err != nil {
		log.Error("queue buyer payout failed", "error", err)
	}
}

// completeBuyer marks the order paid out and credits both traders and the
// community.
func (m *Manager) completeBuyer(ctx context.Context, orderID string, p *escrow.Payment) error {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != trade.StatusPaidHoldInvoice {
		m.logger.Info("buyer paid, order status kept", "order_id", o.ID, "status", o.Status)
		return nil
	}
	o.Status = trade.StatusSuccess
	o.RoutingFee = p.Fee
	o.UpdatedAt = m.now()
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	metrics.OrderTransitions.WithLabelValues(string(trade.StatusPaidHoldInvoice), string(trade.StatusSuccess)).Inc()
	m.logger.Info("order completed", "order_id", o.ID, "routing_fee", p.Fee)

	for _, id := range []string{o.BuyerID, o.SellerID} {
		m.creditTrader(ctx, id, o)
	}
	m.creditCommunity(ctx, o)

	m.notify(ctx, o.BuyerID, notify.KindPayoutSucceeded, o.ID, map[string]any{"amount": o.Amount})
	m.notify(ctx, o.SellerID, notify.KindPayoutSucceeded, o.ID, map[string]any{"amount": o.Amount})
	m.notify(ctx, o.BuyerID, notify.KindRateCounterpart, o.ID, map[string]any{"counterpart": o.SellerID})
	return nil
}

func (m *Manager) creditTrader(ctx context.Context, userID string, o *trade.Order) {
	u, err := m.store.GetUser(ctx, userID)
	if err != nil {
		m.logger.Warn("trader missing on completion", "user_id", userID, "error", err)
		return
	}
	u.TradesCompleted++
	if o.FiatAmount.Valid {
		u.VolumeTraded = u.VolumeTraded.Add(o.FiatAmount.Decimal)
	}
	if err := m.store.UpdateUser(ctx, u); err != nil {
		m.logger.Error("update trader stats failed", "user_id", userID, "error", err)
	}
}

func (m *Manager) creditCommunity(ctx context.Context, o *trade.Order) {
	share := pricing.CommunityShare(o)
	if share == 0 {
		return
	}
	c, err := m.store.GetCommunity(ctx, o.CommunityID)
	if err != nil {
		m.logger.Warn("community missing on completion", "community_id", o.CommunityID, "error", err)
		return
	}
	c.Earnings += share
	c.OrdersToRedeem++
	if err := m.store.UpdateCommunity(ctx, c); err != nil {
		m.logger.Error("credit community failed", "community_id", c.ID, "error", err)
	}
}

// SweepBuyerPayments retries queued buyer payouts. It returns how many
// were paid.
func (m *Manager) SweepBuyerPayments(ctx context.Context) (int, error) {
	pending, err := m.store.ListPendingPayments(ctx, trade.PendingFilter{MaxAttempts: m.maxAttempts})
	if err != nil {
		return 0, fmt.Errorf("list pending buyer payments: %w", err)
	}
	paid := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if m.retryBuyer(ctx, p) {
			paid++
		}
	}
	return paid, nil
}

func (m *Manager) retryBuyer(ctx context.Context, p *trade.PendingPayment) (paid bool) {
	release, ok := m.inFlight.TryAcquire("order:" + p.OrderID)
	if !ok {
		return false
	}
	defer release()
	log := m.logger.With("order_id", p.OrderID, "pending_id", p.ID)

	o, err := m.store.GetOrder(ctx, p.OrderID)
	if err != nil {
		log.Error("pending payment order missing", "error", err)
		return false
	}
	if m.destinationBusy(ctx, log, p.PaymentRequest, o.BuyerInvoice) {
		log.Info("payment to destination still in flight, skipping")
		return false
	}

	// reopen is set when the buyer may supply a new destination again.
	reopen := false
	defer func() {
		if reopen {
			m.reopenDestination(ctx, log, o.ID)
		}
		if err := m.store.UpdatePendingPayment(ctx, p); err != nil {
			log.Error("save pending payment failed", "error", err)
		}
	}()

	if o.Status == trade.StatusSuccess {
		p.Paid = true
		now := m.now()
		p.PaidAt = &now
		log.Info("order already completed, closing pending payment")
		return false
	}

	p.Attempts++
	payment, err := m.payer.Pay(ctx, escrow.PayRequest{
		Destination: p.PaymentRequest,
		Amount:      p.Amount,
		Secret:      o.Secret,
		Memo:        p.Description,
		Reference:   "order:" + o.ID,
	})
	switch {
	case err == nil && payment.Confirmed:
		metrics.PayoutAttempts.WithLabelValues("buyer", "ok").Inc()
		p.Paid = true
		now := m.now()
		p.PaidAt = &now
		if err := m.completeBuyer(ctx, o.ID, payment); err != nil {
			log.Error("record buyer payout failed", "error", err)
		}
		m.notify(ctx, p.UserID, notify.KindPendingPaymentPaid, o.ID, map[string]any{"amount": p.Amount})
		m.notify(ctx, notify.AdminChannel, notify.KindPendingPaymentPaid, o.ID, map[string]any{
			"attempts": p.Attempts,
			"user":     p.UserID,
		})
		return true
	case err == nil && payment.Expired:
		metrics.PayoutAttempts.WithLabelValues("buyer", "expired").Inc()
		p.IsInvoiceExpired = true
		reopen = true
		m.notify(ctx, p.UserID, notify.KindDestinationExpired, o.ID, nil)
		m.notify(ctx, notify.AdminChannel, notify.KindPendingPaymentFailed, o.ID, map[string]any{
			"attempts": p.Attempts,
			"user":     p.UserID,
			"expired":  true,
		})
		return false
	}

	metrics.PayoutAttempts.WithLabelValues("buyer", "error").Inc()
	log.Warn("buyer payout retry failed", "attempt", p.Attempts, "error", err)
	final := p.Attempts >= m.maxAttempts
	if final {
		reopen = true
		m.notify(ctx, p.UserID, notify.KindPayoutRetriesExhausted, o.ID, map[string]any{"attempts": p.Attempts})
	}
	m.notify(ctx, notify.AdminChannel, notify.KindPendingPaymentFailed, o.ID, map[string]any{
		"attempts": p.Attempts,
		"user":     p.UserID,
		"final":    final,
	})
	return false
}

// destinationBusy reports whether a payment to any of the destinations is
// still in flight.
func (m *Manager) destinationBusy(ctx context.Context, log *slog.Logger, destinations ...string) bool {
	seen := make(map[string]bool, len(destinations))
	for _, d := range destinations {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		busy, err := m.payer.InFlight(ctx, d)
		if err != nil {
			log.Warn("in-flight check failed", "destination", d, "error", err)
		}
		if busy {
			return true
		}
	}
	return false
}

// reopenDestination clears the order's one-update guard so the buyer can
// submit another destination.
func (m *Manager) reopenDestination(ctx context.Context, log *slog.Logger, orderID string) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		log.Error("reload order failed", "error", err)
		return
	}
	if !o.PaidHoldBuyerInvoiceUpdated {
		return
	}
	o.PaidHoldBuyerInvoiceUpdated = false
	o.UpdatedAt = m.now()
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		log.Error("save order failed", "error", err)
	}
}

// RequestWithdrawal queues a payout of a community's accumulated
// earnings to destination. Only the community's solvers may ask.
func (m *Manager) RequestWithdrawal(ctx context.Context, communityID, userID, destination string) (*trade.PendingPayment, error) {
	c, err := m.store.GetCommunity(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if !c.HasSolver(userID) {
		return nil, ErrNotSolver
	}
	if c.Earnings <= 0 {
		return nil, ErrNoEarnings
	}
	if err := m.payer.ValidateDestination(destination); err != nil {
		return nil, err
	}
	queued, err := m.store.ListPendingPayments(ctx, trade.PendingFilter{Community: true, MaxAttempts: m.maxAttempts})
	if err != nil {
		return nil, err
	}
	for _, q := range queued {
		if q.CommunityID == communityID {
			return nil, ErrWithdrawalQueued
		}
	}
	p := &trade.PendingPayment{
		ID:             trade.NewID(),
		UserID:         userID,
		Amount:         c.Earnings,
		PaymentRequest: destination,
		Description:    "Earnings for community " + c.Name,
		CommunityID:    c.ID,
		CreatedAt:      m.now(),
	}
	if err := m.store.CreatePendingPayment(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("community withdrawal queued", "community_id", c.ID, "amount", p.Amount)
	return p, nil
}

// SweepCommunityPayments pays queued community withdrawals from the
// operator wallet.
func (m *Manager) SweepCommunityPayments(ctx context.Context) (int, error) {
	pending, err := m.store.ListPendingPayments(ctx, trade.PendingFilter{Community: true, MaxAttempts: m.maxAttempts})
	if err != nil {
		return 0, fmt.Errorf("list pending community payments: %w", err)
	}
	paid := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if m.retryCommunity(ctx, p) {
			paid++
		}
	}
	return paid, nil
}

func (m *Manager) retryCommunity(ctx context.Context, p *trade.PendingPayment) bool {
	release, ok := m.inFlight.TryAcquire("community:" + p.CommunityID)
	if !ok {
		return false
	}
	defer release()
	log := m.logger.With("community_id", p.CommunityID, "pending_id", p.ID)

	busy, err := m.payer.InFlight(ctx, p.PaymentRequest)
	if err != nil {
		log.Warn("in-flight check failed", "error", err)
	}
	if busy {
		return false
	}

	defer func() {
		if err := m.store.UpdatePendingPayment(ctx, p); err != nil {
			log.Error("save pending payment failed", "error", err)
		}
	}()

	p.Attempts++
	payment, err := m.payer.Pay(ctx, escrow.PayRequest{
		Destination: p.PaymentRequest,
		Amount:      p.Amount,
		Memo:        p.Description,
		Reference:   "withdrawal:" + p.ID,
	})
	switch {
	case err == nil && payment.Confirmed:
		metrics.PayoutAttempts.WithLabelValues("community", "ok").Inc()
		p.Paid = true
		now := m.now()
		p.PaidAt = &now
		if c, err := m.store.GetCommunity(ctx, p.CommunityID); err == nil {
			c.Earnings = 0
			c.OrdersToRedeem = 0
			if err := m.store.UpdateCommunity(ctx, c); err != nil {
				log.Error("reset community earnings failed", "error", err)
			}
		} else {
			log.Error("community missing after payout", "error", err)
		}
		m.notify(ctx, p.UserID, notify.KindEarningsPaid, "", map[string]any{"amount": p.Amount})
		return true
	case err == nil && payment.Expired:
		metrics.PayoutAttempts.WithLabelValues("community", "expired").Inc()
		p.IsInvoiceExpired = true
		m.notify(ctx, p.UserID, notify.KindEarningsDestinationDead, "", nil)
		return false
	}

	metrics.PayoutAttempts.WithLabelValues("community", "error").Inc()
	log.Warn("community payout failed", "attempt", p.Attempts, "error", err)
	if p.Attempts >= m.maxAttempts {
		m.notify(ctx, p.UserID, notify.KindEarningsFailed, "", map[string]any{"attempts": p.Attempts})
	}
	return false
}

func (m *Manager) notify(ctx context.Context, userID string, kind notify.Kind, orderID string, params map[string]any) {
	if userID == "" {
		return
	}
	m.notifier.Notify(ctx, notify.Notification{UserID: userID, Kind: kind, OrderID: orderID, Params: params})
}
