package lifecycle

import (
	"context"
	"errors"

	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/rangeorder"
	"github.com/mbd888/tradebot/internal/trade"
)

// MarkFunded records that the hold holdID now carries amount. It applies
// once per order: only while WAITING_PAYMENT and not yet held.
func (s *Service) MarkFunded(ctx context.Context, holdID string, amount int64) (out Outcome) {
	const op = "mark_funded"
	o, out, ok := s.loadByHold(ctx, op, holdID)
	if !ok {
		return out
	}
	ctx, span := s.begin(ctx, op, o.ID)
	defer func() { s.finish(span, op, out) }()

	if o.Status != trade.StatusWaitingPayment || o.InvoiceHeldAt != nil {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	if amount < o.Total() {
		s.log(ctx).Info("hold partially funded", "have", amount, "want", o.Total())
		return s.reject(ctx, op, o.ID, o.Status, ReasonUnderfunded)
	}

	from := o.Status
	now := s.now()
	o.InvoiceHeldAt = &now

	if o.Type == trade.TypeBuy && o.BuyerInvoice == "" {
		if buyer, err := s.store.GetUser(ctx, o.BuyerID); err == nil && buyer.PayoutAddress != "" &&
			s.payer.ValidateDestination(buyer.PayoutAddress) == nil {
			o.BuyerInvoice = buyer.PayoutAddress
		}
	}

	if o.Type == trade.TypeSell || o.BuyerInvoice != "" {
		o.Status = trade.StatusActive
	} else {
		o.Status = trade.StatusWaitingBuyerInvoice
	}
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}

	if o.Status == trade.StatusActive {
		s.startTrade(ctx, o)
	} else {
		s.notify(ctx, o.BuyerID, notify.KindAddInvoice, o, map[string]any{"amount": o.Amount})
		s.notify(ctx, o.SellerID, notify.KindWaitingBuyerInvoice, o, nil)
	}
	return applied(o)
}

// startTrade tells both sides the trade is live and watches the hold for
// release, refund and dispute.
func (s *Service) startTrade(ctx context.Context, o *trade.Order) {
	s.notify(ctx, o.BuyerID, notify.KindTradeStarted, o, map[string]any{"counterpart": o.SellerID})
	s.notify(ctx, o.SellerID, notify.KindTradeStarted, o, map[string]any{"counterpart": o.BuyerID})
	if s.watcher != nil {
		s.watcher.WatchClose(ctx, o.Hash, false)
		s.watcher.WatchDispute(ctx, o.Hash, false)
	}
}

// SetPayoutDestination stores where the buyer wants to be paid and moves
// the order forward when it was waiting for that.
func (s *Service) SetPayoutDestination(ctx context.Context, orderID, userID, destination string) (out Outcome) {
	const op = "set_payout_destination"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.BuyerID != userID {
		return s.reject(ctx, op, o.ID, o.Status, ReasonNotAuthorized)
	}
	if _, r := s.activeUser(ctx, userID); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}
	if err := s.payer.ValidateDestination(destination); err != nil {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidDestination)
	}
	for _, d := range []string{o.BuyerInvoice, destination} {
		if d == "" {
			continue
		}
		busy, err := s.payer.InFlight(ctx, d)
		if err != nil {
			s.log(ctx).Warn("in-flight check failed", "error", err)
		}
		if busy {
			return s.reject(ctx, op, o.ID, o.Status, ReasonDestinationInFlight)
		}
	}

	from := o.Status
	switch o.Status {
	case trade.StatusSuccess:
		return s.reject(ctx, op, o.ID, o.Status, ReasonAlreadyCompleted)

	case trade.StatusPaidHoldInvoice:
		return s.retryPayout(ctx, o, destination)

	case trade.StatusWaitingBuyerInvoice:
		o.BuyerInvoice = destination
		if o.Type == trade.TypeSell {
			if err := s.openHold(ctx, o); err != nil {
				return s.reject(ctx, op, o.ID, o.Status, ReasonHoldFailed)
			}
			o.Status = trade.StatusWaitingPayment
			if err := s.save(ctx, o, from); err != nil {
				s.cancelHold(ctx, o.Hash)
				return s.reject(ctx, op, o.ID, from, ReasonStoreError)
			}
			s.awaitFunding(ctx, o)
			return applied(o)
		}
		o.Status = trade.StatusActive
		if err := s.save(ctx, o, from); err != nil {
			return s.reject(ctx, op, o.ID, from, ReasonStoreError)
		}
		s.startTrade(ctx, o)
		return applied(o)

	case trade.StatusWaitingPayment, trade.StatusActive, trade.StatusFiatSent, trade.StatusDispute:
		o.BuyerInvoice = destination
		if err := s.save(ctx, o, from); err != nil {
			return s.reject(ctx, op, o.ID, from, ReasonStoreError)
		}
		s.notify(ctx, o.BuyerID, notify.KindDestinationUpdated, o, nil)
		return applied(o)
	}
	return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
}

// retryPayout queues a payout to a new destination after the inline payout
// failed. The buyer gets one such update per order.
func (s *Service) retryPayout(ctx context.Context, o *trade.Order, destination string) Outcome {
	const op = "set_payout_destination"
	p, err := s.store.GetPendingPaymentByOrder(ctx, o.ID)
	switch {
	case err == nil && !p.Paid && !p.IsInvoiceExpired && p.Attempts < s.cfg.PaymentAttempts:
		return s.reject(ctx, op, o.ID, o.Status, ReasonAlreadyUpdated)
	case err != nil && !errors.Is(err, trade.ErrPendingNotFound):
		s.log(ctx).Error("load pending payment failed", "error", err)
		return s.reject(ctx, op, o.ID, o.Status, ReasonStoreError)
	}
	if o.PaidHoldBuyerInvoiceUpdated {
		return s.reject(ctx, op, o.ID, o.Status, ReasonAlreadyUpdated)
	}

	o.PaidHoldBuyerInvoiceUpdated = true
	o.BuyerInvoice = destination
	if err := s.save(ctx, o, o.Status); err != nil {
		return s.reject(ctx, op, o.ID, o.Status, ReasonStoreError)
	}
	pending := &trade.PendingPayment{
		ID:             trade.NewID(),
		OrderID:        o.ID,
		UserID:         o.BuyerID,
		Amount:         o.Amount,
		PaymentRequest: destination,
		Hash:           o.Hash,
		Description:    "Payout for order #" + o.ID,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreatePendingPayment(ctx, pending); err != nil {
		s.log(ctx).Error("create pending payment failed", "error", err)
		return s.reject(ctx, op, o.ID, o.Status, ReasonStoreError)
	}
	s.notify(ctx, o.BuyerID, notify.KindDestinationUpdated, o, map[string]any{"queued": true})
	return applied(o)
}

// FiatSent records the buyer's claim that fiat was sent.
func (s *Service) FiatSent(ctx context.Context, orderID, userID string) (out Outcome) {
	const op = "fiat_sent"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.BuyerID != userID {
		return s.reject(ctx, op, o.ID, o.Status, ReasonNotAuthorized)
	}
	if _, r := s.activeUser(ctx, userID); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}
	if o.Status != trade.StatusActive {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	from := o.Status
	o.Status = trade.StatusFiatSent
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.notify(ctx, o.SellerID, notify.KindFiatSent, o, map[string]any{"buyer": o.BuyerID})
	s.notify(ctx, o.BuyerID, notify.KindFiatSent, o, map[string]any{"seller": o.SellerID})
	return applied(o)
}

// Release is the seller confirming fiat received. It settles the hold; the
// status moves when the rail reports the close.
func (s *Service) Release(ctx context.Context, orderID, userID string) (out Outcome) {
	const op = "release"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.SellerID != userID {
		return s.reject(ctx, op, o.ID, o.Status, ReasonNotAuthorized)
	}
	if _, r := s.activeUser(ctx, userID); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}
	if !o.Status.In(trade.StatusActive, trade.StatusFiatSent) || !o.HasHold() {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	s.resolveDispute(ctx, o.ID, trade.DisputeReleased)
	if err := s.settleHold(ctx, o); err != nil {
		return s.reject(ctx, op, o.ID, o.Status, ReasonHoldFailed)
	}
	return Outcome{OrderID: o.ID, Applied: true, Status: o.Status}
}

// HoldReleased handles the rail reporting the hold settled toward the
// buyer: the order becomes PAID_HOLD_INVOICE, a range remainder is
// published and the buyer is paid.
func (s *Service) HoldReleased(ctx context.Context, holdID string) (out Outcome) {
	const op = "hold_released"
	o, out, ok := s.loadByHold(ctx, op, holdID)
	if !ok {
		return out
	}
	ctx, span := s.begin(ctx, op, o.ID)
	defer func() { s.finish(span, op, out) }()

	if !o.Status.In(trade.StatusActive, trade.StatusFiatSent) {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	from := o.Status
	o.Status = trade.StatusPaidHoldInvoice
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.notify(ctx, o.BuyerID, notify.KindFundsReleased, o, map[string]any{"amount": o.Amount})
	s.notify(ctx, o.SellerID, notify.KindFundsReleased, o, map[string]any{"amount": o.Amount})

	if next := rangeorder.Remainder(o); next != nil {
		if child, res := s.CreateOrder(ctx, FromRemainder(next)); res.Applied {
			s.log(ctx).Info("range remainder published", "child_id", child.ID)
		} else {
			s.log(ctx).Warn("range remainder not published", "reason", res.Reason)
		}
	}

	s.notify(ctx, o.SellerID, notify.KindRateCounterpart, o, map[string]any{"counterpart": o.BuyerID})
	if s.payout != nil {
		s.payout.PayToBuyer(ctx, o)
	}
	return applied(o)
}

// HoldRefunded handles the rail reporting the hold returned to the seller.
func (s *Service) HoldRefunded(ctx context.Context, holdID string) (out Outcome) {
	const op = "hold_refunded"
	o, out, ok := s.loadByHold(ctx, op, holdID)
	if !ok {
		return out
	}
	ctx, span := s.begin(ctx, op, o.ID)
	defer func() { s.finish(span, op, out) }()

	if !o.Status.In(trade.StatusActive, trade.StatusFiatSent) {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	from := o.Status
	o.Status = trade.StatusCanceled
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.notify(ctx, o.SellerID, notify.KindRefunded, o, map[string]any{"amount": o.Total()})
	s.notify(ctx, o.BuyerID, notify.KindOrderCanceled, o, nil)
	return applied(o)
}
