// Package escrow abstracts the value-transfer rail that locks a seller's
// funds for the duration of a trade.
//
// A hold is opened for an amount and identified by an opaque id; whoever
// knows its secret can settle it. The rail reports funding, closure and
// disputes as Events to subscribers of a hold id.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrHoldNotFound       = errors.New("escrow: hold not found")
	ErrHoldClosed         = errors.New("escrow: hold already closed")
	ErrInvalidDestination = errors.New("escrow: invalid payout destination")
	ErrInsufficientFunds  = errors.New("escrow: insufficient funds")
)

// State is a hold's on-rail state.
type State string

const (
	StateOpen    State = "open"
	StateClosed  State = "closed"
	StateDispute State = "dispute"
)

// CloseReason explains why a hold closed.
type CloseReason string

const (
	ReasonNone          CloseReason = ""
	ReasonRelease       CloseReason = "release"
	ReasonRefundExpired CloseReason = "refund_expired"
	ReasonRefund        CloseReason = "refund"
	ReasonAdminRelease  CloseReason = "admin_release"
	ReasonAdminRefund   CloseReason = "admin_refund"
)

// Released reports whether the reason moves funds toward the buyer.
func (r CloseReason) Released() bool {
	return r == ReasonRelease || r == ReasonAdminRelease
}

// Refunded reports whether the reason returns funds to the seller.
func (r CloseReason) Refunded() bool {
	return r == ReasonRefund || r == ReasonRefundExpired || r == ReasonAdminRefund
}

// EventKind tags an Event.
type EventKind string

const (
	EventFunded   EventKind = "funded"
	EventClosed   EventKind = "closed"
	EventDisputed EventKind = "disputed"
)

// Event is a notification from the rail about one hold. Amount is set for
// funded events and Reason for closed events.
type Event struct {
	Kind   EventKind
	HoldID string
	Amount int64
	Reason CloseReason
	At     time.Time
}

// Hold is a freshly opened hold. Request is what the seller pays to.
type Hold struct {
	ID      string
	Secret  string
	Request string
	Amount  int64
}

// Handler receives events for a subscribed hold.
type Handler func(ctx context.Context, e Event)

// Service is the escrow rail.
type Service interface {
	OpenHold(ctx context.Context, amount int64, description string) (*Hold, error)
	SettleHold(ctx context.Context, secret string) error
	CancelHold(ctx context.Context, holdID string) error
	Balance(ctx context.Context, holdID string) (int64, error)
	State(ctx context.Context, holdID string) (State, CloseReason, error)
	// Subscribe delivers events for holdID to h until the returned func is
	// called. Calling it more than once is safe.
	Subscribe(holdID string, h Handler) (unsubscribe func())
}

// PayRequest moves Amount to Destination. With a Secret the funds come
// from that hold; without one they come from the operator wallet.
// Reference names the payout across retries.
type PayRequest struct {
	Destination string
	Amount      int64
	Secret      string
	Memo        string
	Reference   string
}

// Payment is the result of a payout attempt.
type Payment struct {
	ID        string
	Confirmed bool
	// Expired means the destination can never be paid.
	Expired bool
	Fee     int64
	At      time.Time
}

// Payer pays out funds.
type Payer interface {
	Pay(ctx context.Context, req PayRequest) (*Payment, error)
	// InFlight reports whether a payment to destination is still unresolved.
	InFlight(ctx context.Context, destination string) (bool, error)
	ValidateDestination(destination string) error
}
