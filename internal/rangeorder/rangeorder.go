// Package rangeorder computes the follow-up order that keeps the unsold
// part of a fiat range on the market after one leg completes.
package rangeorder

import (
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/trade"
)

// NewOrder is the payload for the remainder order. The caller creates it
// through the normal order-creation path.
type NewOrder struct {
	Type             trade.OrderType
	CreatorID        string
	Amount           int64
	FiatCode         string
	FiatAmount       []decimal.Decimal // [min, max], or one value when they coincide
	PaymentMethod    string
	PriceMargin      float64
	Status           trade.Status
	RangeParentID    string
	CommunityID      string
	ChannelID        string
	ChannelMessageID string
	Description      string
}

// Remainder returns the payload for the order that carries what is left of
// parent's range after its current leg, or nil when the remainder falls
// below the range minimum or parent is not a range order.
func Remainder(parent *trade.Order) *NewOrder {
	if !parent.IsRange() || !parent.FiatAmount.Valid {
		return nil
	}
	min := parent.MinAmount.Decimal
	newMax := parent.MaxAmount.Decimal.Sub(parent.FiatAmount.Decimal)
	if newMax.LessThan(min) {
		return nil
	}

	fiat := []decimal.Decimal{min}
	if !newMax.Equal(min) {
		fiat = append(fiat, newMax)
	}

	creator := parent.SellerID
	if parent.Type == trade.TypeBuy {
		creator = parent.BuyerID
	}

	return &NewOrder{
		Type:             parent.Type,
		CreatorID:        creator,
		Amount:           0,
		FiatCode:         parent.FiatCode,
		FiatAmount:       fiat,
		PaymentMethod:    parent.PaymentMethod,
		PriceMargin:      parent.PriceMargin,
		Status:           trade.StatusPending,
		RangeParentID:    parent.ID,
		CommunityID:      parent.CommunityID,
		ChannelID:        parent.ChannelID,
		ChannelMessageID: parent.ChannelMessageID,
		Description:      parent.Description,
	}
}
