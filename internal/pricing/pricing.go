// Package pricing converts fiat amounts to token amounts and quotes fees.
package pricing

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/trade"
)

// ErrNoRate means the rate source has no price for the currency.
var ErrNoRate = errors.New("pricing: no rate for currency")

// RateSource returns the fiat price of one whole token.
type RateSource interface {
	Rate(ctx context.Context, fiatCode string) (decimal.Decimal, error)
}

// StaticRates is a fixed rate table keyed by upper-case fiat code.
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rate(_ context.Context, fiatCode string) (decimal.Decimal, error) {
	r, ok := s[strings.ToUpper(fiatCode)]
	if !ok || !r.IsPositive() {
		return decimal.Zero, ErrNoRate
	}
	return r, nil
}

// AmountForFiat converts fiat at rate into token smallest units and applies
// the price margin as price - price*margin/100, floored. A non-positive
// result is returned as 0.
func AmountForFiat(fiat, rate decimal.Decimal, margin float64, unitsPerToken int64) int64 {
	if !rate.IsPositive() || !fiat.IsPositive() {
		return 0
	}
	price := fiat.Div(rate).Mul(decimal.NewFromInt(unitsPerToken))
	if margin != 0 {
		m := decimal.NewFromFloat(margin).Div(decimal.NewFromInt(100))
		price = price.Sub(price.Mul(m))
	}
	amount := price.Floor().IntPart()
	if amount < 0 {
		return 0
	}
	return amount
}

// Quoter resolves an order's token amount from the live rate.
type Quoter struct {
	rates         RateSource
	unitsPerToken int64
}

// NewQuoter creates a quoter over rates.
func NewQuoter(rates RateSource, unitsPerToken int64) *Quoter {
	if unitsPerToken <= 0 {
		unitsPerToken = 1
	}
	return &Quoter{rates: rates, unitsPerToken: unitsPerToken}
}

// HasRate reports whether a rate exists for fiatCode.
func (q *Quoter) HasRate(ctx context.Context, fiatCode string) bool {
	_, err := q.rates.Rate(ctx, fiatCode)
	return err == nil
}

// Amount prices fiat of fiatCode with the given margin. Zero means the
// price could not be obtained.
func (q *Quoter) Amount(ctx context.Context, fiatCode string, fiat decimal.Decimal, margin float64) int64 {
	rate, err := q.rates.Rate(ctx, fiatCode)
	if err != nil {
		return 0
	}
	return AmountForFiat(fiat, rate, margin, q.unitsPerToken)
}

// Fees is the fee policy: MaxFee is the fraction of the amount charged in
// total; when a community takes a cut, FeePercent of that goes to the bot
// and the community receives its own percentage of the remainder.
type Fees struct {
	MaxFee     decimal.Decimal
	FeePercent decimal.Decimal
}

// Quote is a fee locked at order creation together with the rates used.
type Quote struct {
	Fee              int64
	BotFeeRate       decimal.Decimal
	CommunityFeeRate decimal.Decimal
}

// Fee returns the fee for amount. community may be nil.
func (f Fees) Fee(amount int64, community *trade.Community) Quote {
	maxFee := decimal.NewFromInt(amount).Mul(f.MaxFee).Round(0)
	if community == nil {
		return Quote{Fee: maxFee.IntPart(), BotFeeRate: f.MaxFee}
	}
	botFee := maxFee.Mul(f.FeePercent)
	communityFee := maxFee.Sub(botFee).Round(0).Mul(community.FeePercent).Div(decimal.NewFromInt(100))
	return Quote{
		Fee:              botFee.Add(communityFee).Round(0).IntPart(),
		BotFeeRate:       f.MaxFee.Mul(f.FeePercent),
		CommunityFeeRate: f.MaxFee.Sub(f.MaxFee.Mul(f.FeePercent)).Mul(community.FeePercent).Div(decimal.NewFromInt(100)),
	}
}

// CommunityShare is the community's part of a locked fee.
func CommunityShare(o *trade.Order) int64 {
	if o.CommunityID == "" || o.Amount == 0 {
		return 0
	}
	return decimal.NewFromInt(o.Amount).Mul(o.CommunityFeeRate).Round(0).IntPart()
}
