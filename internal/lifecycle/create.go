package lifecycle

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/pricing"
	"github.com/mbd888/tradebot/internal/rangeorder"
	"github.com/mbd888/tradebot/internal/trade"
)

// CreateRequest describes a new order. FiatAmount holds one value for a
// fixed order or [min, max] for a range. Amount zero prices the order from
// the rate source when it is taken.
type CreateRequest struct {
	Type             trade.OrderType
	CreatorID        string
	Amount           int64
	FiatCode         string
	FiatAmount       []decimal.Decimal
	PaymentMethod    string
	PriceMargin      float64
	CommunityID      string
	RangeParentID    string
	ChannelID        string
	ChannelMessageID string
	Description      string
}

// FromRemainder converts a range remainder payload into a CreateRequest.
func FromRemainder(n *rangeorder.NewOrder) CreateRequest {
	return CreateRequest{
		Type:             n.Type,
		CreatorID:        n.CreatorID,
		Amount:           n.Amount,
		FiatCode:         n.FiatCode,
		FiatAmount:       n.FiatAmount,
		PaymentMethod:    n.PaymentMethod,
		PriceMargin:      n.PriceMargin,
		CommunityID:      n.CommunityID,
		RangeParentID:    n.RangeParentID,
		ChannelID:        n.ChannelID,
		ChannelMessageID: n.ChannelMessageID,
		Description:      n.Description,
	}
}

// CreateOrder publishes a PENDING order. The returned order is nil unless
// the outcome applied.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*trade.Order, Outcome) {
	const op = "create_order"
	ctx, span := s.begin(ctx, op, "")
	var out Outcome
	defer func() { s.finish(span, op, out) }()

	if _, r := s.activeUser(ctx, req.CreatorID); r != ReasonNone {
		out = s.reject(ctx, op, "", "", r)
		return nil, out
	}
	if req.Type != trade.TypeBuy && req.Type != trade.TypeSell {
		out = s.reject(ctx, op, "", "", ReasonInvalidStatus)
		return nil, out
	}
	if req.Amount < 0 || !validFiat(req.FiatAmount) {
		out = s.reject(ctx, op, "", "", ReasonInvalidFiatAmount)
		return nil, out
	}
	if req.Amount == 0 && !s.quoter.HasRate(ctx, req.FiatCode) {
		out = s.reject(ctx, op, "", "", ReasonNoRate)
		return nil, out
	}

	community, r := s.community(ctx, req.CommunityID)
	if r != ReasonNone {
		out = s.reject(ctx, op, "", "", r)
		return nil, out
	}

	now := s.now()
	o := &trade.Order{
		ID:               trade.NewID(),
		RangeParentID:    req.RangeParentID,
		CreatorID:        req.CreatorID,
		Type:             req.Type,
		Amount:           req.Amount,
		FiatCode:         req.FiatCode,
		PaymentMethod:    req.PaymentMethod,
		PriceMargin:      req.PriceMargin,
		PriceFromAPI:     req.Amount == 0,
		Status:           trade.StatusPending,
		CommunityID:      req.CommunityID,
		Description:      req.Description,
		ChannelID:        req.ChannelID,
		ChannelMessageID: req.ChannelMessageID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(req.FiatAmount) == 2 {
		o.MinAmount = trade.Nullable(req.FiatAmount[0])
		o.MaxAmount = trade.Nullable(req.FiatAmount[1])
	} else {
		o.FiatAmount = trade.Nullable(req.FiatAmount[0])
	}
	if o.Type == trade.TypeSell {
		o.SellerID = req.CreatorID
	} else {
		o.BuyerID = req.CreatorID
	}
	if o.Amount > 0 {
		applyQuote(o, s.fees.Fee(o.Amount, community))
	}

	if err := trade.Enforce(o); err != nil {
		out = s.reject(ctx, op, o.ID, "", ReasonInvalidFiatAmount)
		return nil, out
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		s.log(ctx).Error("create order failed", "error", err)
		out = s.reject(ctx, op, o.ID, "", ReasonStoreError)
		return nil, out
	}

	s.log(ctx).Info("order published", "order_id", o.ID, "type", o.Type, "amount", o.Amount,
		"range", o.IsRange(), "parent_id", o.RangeParentID)
	s.events.Publish(events.OrderCreated{Order: events.View(o)})
	s.notify(ctx, o.CreatorID, notify.KindOrderPublished, o, map[string]any{"amount": o.Amount})
	out = applied(o)
	return o, out
}

func validFiat(values []decimal.Decimal) bool {
	switch len(values) {
	case 1:
		return values[0].IsPositive()
	case 2:
		return values[0].IsPositive() && values[0].LessThan(values[1])
	}
	return false
}

func applyQuote(o *trade.Order, q pricing.Quote) {
	o.Fee = q.Fee
	o.BotFeeRate = q.BotFeeRate
	o.CommunityFeeRate = q.CommunityFeeRate
}

func (s *Service) community(ctx context.Context, id string) (*trade.Community, Reason) {
	if id == "" {
		return nil, ReasonNone
	}
	c, err := s.store.GetCommunity(ctx, id)
	if errors.Is(err, trade.ErrCommunityNotFound) {
		s.log(ctx).Warn("order community missing, pricing without it", "community_id", id)
		return nil, ReasonNone
	}
	if err != nil {
		s.log(ctx).Error("load community failed", "community_id", id, "error", err)
		return nil, ReasonStoreError
	}
	return c, ReasonNone
}

// resolveAmount prices an order whose amount comes from the rate source
// and locks its fee.
func (s *Service) resolveAmount(ctx context.Context, o *trade.Order) Reason {
	if o.Amount > 0 {
		return ReasonNone
	}
	amount := s.quoter.Amount(ctx, o.FiatCode, o.FiatAmount.Decimal, o.PriceMargin)
	if amount == 0 {
		return ReasonPriceAPIFailed
	}
	community, r := s.community(ctx, o.CommunityID)
	if r != ReasonNone {
		return r
	}
	o.Amount = amount
	applyQuote(o, s.fees.Fee(amount, community))
	return ReasonNone
}

// applyTakerFiat picks the range leg the taker wants. Fixed orders ignore
// the requested amount.
func applyTakerFiat(o *trade.Order, fiat decimal.NullDecimal) Reason {
	if !o.IsRange() {
		return ReasonNone
	}
	if !fiat.Valid {
		return ReasonFiatAmountRequired
	}
	if !trade.InRange(o, fiat.Decimal) {
		return ReasonInvalidFiatAmount
	}
	o.FiatAmount = fiat
	return ReasonNone
}
