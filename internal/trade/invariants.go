package trade

import (
	"fmt"
)

// CheckInvariants validates the structural rules every persisted order
// must satisfy. Violations wrap ErrInvariant.
func CheckInvariants(o *Order) error {
	if o.MinAmount.Valid != o.MaxAmount.Valid {
		return fmt.Errorf("%w: order %s has only one range bound", ErrInvariant, o.ID)
	}
	if o.IsRange() {
		if o.MinAmount.Decimal.GreaterThan(o.MaxAmount.Decimal) {
			return fmt.Errorf("%w: order %s min %s above max %s", ErrInvariant, o.ID,
				o.MinAmount.Decimal, o.MaxAmount.Decimal)
		}
		if o.FiatAmount.Valid && !InRange(o, o.FiatAmount.Decimal) {
			return fmt.Errorf("%w: order %s fiat amount %s outside [%s, %s]", ErrInvariant, o.ID,
				o.FiatAmount.Decimal, o.MinAmount.Decimal, o.MaxAmount.Decimal)
		}
	} else if !o.FiatAmount.Valid {
		return fmt.Errorf("%w: order %s has neither range nor fiat amount", ErrInvariant, o.ID)
	}
	if (o.Hash == "") != (o.Secret == "") {
		return fmt.Errorf("%w: order %s hold id and secret not paired", ErrInvariant, o.ID)
	}
	if o.HasHold() && o.Amount <= 0 {
		return fmt.Errorf("%w: order %s holds funds with amount %d", ErrInvariant, o.ID, o.Amount)
	}
	return nil
}

// Enforce runs CheckInvariants. Builds tagged "invariants" panic on a
// violation; otherwise the error is returned for the caller to log.
func Enforce(o *Order) error {
	err := CheckInvariants(o)
	if err != nil && strictInvariants {
		panic(err)
	}
	return err
}
