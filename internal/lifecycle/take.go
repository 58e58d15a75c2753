package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

// TakeRequest is a taker accepting a PENDING order. FiatAmount is required
// for range orders and ignored otherwise.
type TakeRequest struct {
	OrderID    string
	TakerID    string
	FiatAmount decimal.NullDecimal
}

// TakeSell accepts a sell order as buyer. With a payout address on file
// the hold is opened at once; otherwise the buyer is asked for one first.
func (s *Service) TakeSell(ctx context.Context, req TakeRequest) (out Outcome) {
	const op = "take_sell"
	ctx, span := s.begin(ctx, op, req.OrderID)
	defer func() { s.finish(span, op, out) }()

	o, taker, release, out, ok := s.prepareTake(ctx, op, req, trade.TypeSell)
	if !ok {
		return out
	}
	defer release()

	from := o.Status
	now := s.now()
	o.BuyerID = req.TakerID
	o.TakenAt = &now

	if taker.PayoutAddress != "" && s.payer.ValidateDestination(taker.PayoutAddress) == nil {
		o.BuyerInvoice = taker.PayoutAddress
		if err := s.openHold(ctx, o); err != nil {
			return s.reject(ctx, op, o.ID, from, ReasonHoldFailed)
		}
		o.Status = trade.StatusWaitingPayment
		if err := s.save(ctx, o, from); err != nil {
			s.cancelHold(ctx, o.Hash)
			return s.reject(ctx, op, o.ID, from, ReasonStoreError)
		}
		s.taken(ctx, o)
		s.awaitFunding(ctx, o)
		return applied(o)
	}

	o.Status = trade.StatusWaitingBuyerInvoice
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.taken(ctx, o)
	s.notify(ctx, o.BuyerID, notify.KindAddInvoice, o, map[string]any{"amount": o.Amount})
	s.notify(ctx, o.SellerID, notify.KindWaitingBuyerInvoice, o, nil)
	return applied(o)
}

// TakeBuy accepts a buy order as seller and opens the hold the seller
// must fund.
func (s *Service) TakeBuy(ctx context.Context, req TakeRequest) (out Outcome) {
	const op = "take_buy"
	ctx, span := s.begin(ctx, op, req.OrderID)
	defer func() { s.finish(span, op, out) }()

	o, _, release, out, ok := s.prepareTake(ctx, op, req, trade.TypeBuy)
	if !ok {
		return out
	}
	defer release()

	from := o.Status
	now := s.now()
	o.SellerID = req.TakerID
	o.TakenAt = &now
	if err := s.openHold(ctx, o); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonHoldFailed)
	}
	o.Status = trade.StatusWaitingPayment
	if err := s.save(ctx, o, from); err != nil {
		s.cancelHold(ctx, o.Hash)
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.taken(ctx, o)
	s.awaitFunding(ctx, o)
	return applied(o)
}

// prepareTake runs the checks shared by both take flows, applies the
// range leg and resolves the price. The order's take guard is taken before
// the order is read and, on success, held until release is called.
func (s *Service) prepareTake(ctx context.Context, op string, req TakeRequest, typ trade.OrderType) (
	o *trade.Order, taker *trade.User, release func(), out Outcome, ok bool) {
	release, acquired := s.taking.TryAcquire(req.OrderID)
	if !acquired {
		return nil, nil, nil, s.reject(ctx, op, req.OrderID, "", ReasonBusy), false
	}
	o, out, ok = s.loadOrder(ctx, op, req.OrderID)
	if !ok {
		release()
		return nil, nil, nil, out, false
	}
	fail := func(r Reason) (*trade.Order, *trade.User, func(), Outcome, bool) {
		release()
		return nil, nil, nil, s.reject(ctx, op, o.ID, o.Status, r), false
	}
	if o.Type != typ || o.Status != trade.StatusPending {
		return fail(ReasonInvalidStatus)
	}
	taker, r := s.activeUser(ctx, req.TakerID)
	if r != ReasonNone {
		return fail(r)
	}
	if req.TakerID == o.CreatorID {
		return fail(ReasonNotAuthorized)
	}
	if r := applyTakerFiat(o, req.FiatAmount); r != ReasonNone {
		return fail(r)
	}
	if r := s.resolveAmount(ctx, o); r != ReasonNone {
		return fail(r)
	}
	return o, taker, release, Outcome{}, true
}

func (s *Service) taken(ctx context.Context, o *trade.Order) {
	taker := o.Counterparty()
	s.log(ctx).Info("order taken", "taker_id", taker, "status", o.Status)
	s.events.Publish(events.OrderTaken{Order: events.View(o), TakerID: taker})
}

// awaitFunding asks the seller to fund the hold and starts watching it.
func (s *Service) awaitFunding(ctx context.Context, o *trade.Order) {
	s.notify(ctx, o.SellerID, notify.KindPayHold, o, map[string]any{
		"amount":  o.Total(),
		"hold_id": o.Hash,
	})
	s.notify(ctx, o.BuyerID, notify.KindWaitingSellerPayment, o, nil)
	if s.watcher != nil {
		s.watcher.WatchFunding(ctx, o.Hash, o.Total(), false)
	}
}
