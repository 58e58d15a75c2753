package lifecycle

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

// Cancel is a party asking to cancel. What happens depends on how far the
// trade got: a published order closes, a taken but unfunded order either
// closes or goes back on the market, and a live trade needs both parties
// to agree.
func (s *Service) Cancel(ctx context.Context, orderID, userID string) (out Outcome) {
	const op = "cancel"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	party := o.Party(userID)
	if party == "" {
		return s.reject(ctx, op, o.ID, o.Status, ReasonNotAuthorized)
	}
	if _, r := s.activeUser(ctx, userID); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}

	switch o.Status {
	case trade.StatusPending:
		return s.closePending(ctx, op, o, userID, notify.KindCancelSuccess)
	case trade.StatusWaitingBuyerInvoice:
		return s.abandonTake(ctx, op, o, userID, trade.PartyBuyer)
	case trade.StatusWaitingPayment:
		return s.abandonTake(ctx, op, o, userID, trade.PartySeller)
	case trade.StatusActive, trade.StatusFiatSent, trade.StatusDispute:
		return s.cooperativeCancel(ctx, op, o, userID, party)
	}
	return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
}

// closePending cancels a PENDING order. by is empty when the scheduler
// expired it.
func (s *Service) closePending(ctx context.Context, op string, o *trade.Order, by string, kind notify.Kind) Outcome {
	from := o.Status
	holdID := o.Hash
	o.Status = trade.StatusCanceled
	o.CanceledBy = by
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.cancelHold(ctx, holdID)
	s.notify(ctx, o.CreatorID, kind, o, nil)
	return applied(o)
}

// abandonTake handles a taken order whose laggard never supplied a
// destination (buyer) or funded the hold (seller). canceler is empty when
// the scheduler ran out of patience. The order closes when the party
// walking away created it, otherwise it is published again.
func (s *Service) abandonTake(ctx context.Context, op string, o *trade.Order, canceler string, laggard trade.Party) Outcome {
	from := o.Status
	holdID := o.Hash

	leaving := canceler
	if leaving == "" {
		leaving = o.SellerID
		if laggard == trade.PartyBuyer {
			leaving = o.BuyerID
		}
	}

	if leaving == o.CreatorID {
		taker := o.Counterparty()
		o.Status = trade.StatusCanceled
		o.CanceledBy = canceler
		if err := s.save(ctx, o, from); err != nil {
			return s.reject(ctx, op, o.ID, from, ReasonStoreError)
		}
		s.cancelHold(ctx, holdID)
		if canceler != "" {
			s.notify(ctx, canceler, notify.KindCancelSuccess, o, nil)
		} else {
			s.notify(ctx, o.CreatorID, notify.KindOrderExpired, o, nil)
		}
		s.notify(ctx, taker, notify.KindCounterpartyCanceled, o, nil)
		return applied(o)
	}

	taker := o.Counterparty()
	republish(o)
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.cancelHold(ctx, holdID)

	if canceler != "" {
		s.notify(ctx, canceler, notify.KindCancelSuccess, o, nil)
		s.notify(ctx, o.CreatorID, notify.KindCounterpartyCanceled, o, nil)
	} else {
		s.notify(ctx, taker, notify.KindTakerExpired, o, nil)
		s.notify(ctx, notify.AdminChannel, notify.KindTakerExpired, o, map[string]any{"taker": taker})
	}
	s.notify(ctx, o.CreatorID, notify.KindOrderRepublished, o, nil)
	return applied(o)
}

// republish returns a taken order to PENDING without its taker.
func republish(o *trade.Order) {
	o.Status = trade.StatusPending
	o.TakenAt = nil
	if o.CreatorID == o.SellerID {
		o.BuyerID = ""
		o.BuyerInvoice = ""
	} else {
		o.SellerID = ""
	}
	if o.IsRange() {
		o.FiatAmount = decimal.NullDecimal{}
	}
	o.ClearHold()
	if o.PriceFromAPI {
		o.Amount = 0
		o.Fee = 0
		o.BotFeeRate = decimal.Zero
		o.CommunityFeeRate = decimal.Zero
	}
}

// cooperativeCancel records one party's wish to cancel a live trade and
// cancels once both have asked.
func (s *Service) cooperativeCancel(ctx context.Context, op string, o *trade.Order, userID string, party trade.Party) Outcome {
	mine, theirs := &o.BuyerCooperativeCancel, &o.SellerCooperativeCancel
	counterpart := o.SellerID
	if party == trade.PartySeller {
		mine, theirs = theirs, mine
		counterpart = o.BuyerID
	}
	if *mine {
		s.notify(ctx, userID, notify.KindCooperativeCancelWait, o, nil)
		return s.reject(ctx, op, o.ID, o.Status, ReasonMustWait)
	}
	*mine = true

	from := o.Status
	if !*theirs {
		if err := s.save(ctx, o, from); err != nil {
			return s.reject(ctx, op, o.ID, from, ReasonStoreError)
		}
		s.notify(ctx, userID, notify.KindCooperativeCancelAsked, o, map[string]any{"initiator": true})
		s.notify(ctx, counterpart, notify.KindCooperativeCancelAsked, o, map[string]any{"initiator": false})
		return applied(o)
	}

	o.Status = trade.StatusCanceled
	o.CanceledBy = userID
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.cancelHold(ctx, o.Hash)
	if from == trade.StatusDispute {
		s.resolveDispute(ctx, o.ID, trade.DisputeSellerRefunded)
	}
	s.notify(ctx, o.BuyerID, notify.KindCooperativeCancelDone, o, nil)
	s.notify(ctx, o.SellerID, notify.KindCooperativeCancelDone, o, nil)
	s.notify(ctx, o.SellerID, notify.KindRefunded, o, map[string]any{"amount": o.Total()})
	return applied(o)
}
