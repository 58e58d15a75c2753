package trade

import (
	"github.com/shopspring/decimal"
)

// InRange reports whether amount lies within the order's fiat range.
func InRange(o *Order, amount decimal.Decimal) bool {
	if !o.IsRange() {
		return false
	}
	return amount.GreaterThanOrEqual(o.MinAmount.Decimal) &&
		amount.LessThanOrEqual(o.MaxAmount.Decimal)
}

// FiatValues expresses the order's fiat side the way it is published: one
// value for a fixed order, min and max for a range.
func FiatValues(o *Order) []decimal.Decimal {
	if o.IsRange() {
		return []decimal.Decimal{o.MinAmount.Decimal, o.MaxAmount.Decimal}
	}
	if o.FiatAmount.Valid {
		return []decimal.Decimal{o.FiatAmount.Decimal}
	}
	return nil
}

// Nullable wraps d as a set NullDecimal.
func Nullable(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
