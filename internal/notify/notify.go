// Package notify delivers user-facing notifications out of the order core.
//
// The core only names what happened (a Kind plus parameters); rendering
// text and picking a chat transport belong to whoever consumes the stream.
// Delivery is fire-and-forget: a failed notification never blocks or rolls
// back a state transition.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind identifies a notification template.
type Kind string

const (
	KindOrderPublished          Kind = "order_published"
	KindOrderCanceled           Kind = "order_canceled"
	KindOrderTaken              Kind = "order_taken"
	KindAddInvoice              Kind = "add_invoice"
	KindPayHold                 Kind = "pay_hold"
	KindWaitingSellerPayment    Kind = "waiting_seller_payment"
	KindWaitingBuyerInvoice     Kind = "waiting_buyer_invoice"
	KindTradeStarted            Kind = "trade_started"
	KindFiatSent                Kind = "fiat_sent"
	KindFundsReleased           Kind = "funds_released"
	KindRateCounterpart         Kind = "rate_counterpart"
	KindPayoutSucceeded         Kind = "payout_succeeded"
	KindPayoutFailed            Kind = "payout_failed"
	KindPayoutRetriesExhausted  Kind = "payout_retries_exhausted"
	KindDestinationExpired      Kind = "destination_expired"
	KindDestinationUpdated      Kind = "destination_updated"
	KindRefunded                Kind = "refunded"
	KindCancelSuccess           Kind = "cancel_success"
	KindCounterpartyCanceled    Kind = "counterparty_canceled"
	KindOrderRepublished        Kind = "order_republished"
	KindTakerExpired            Kind = "taker_expired"
	KindCooperativeCancelAsked  Kind = "cooperative_cancel_asked"
	KindCooperativeCancelWait   Kind = "cooperative_cancel_wait"
	KindCooperativeCancelDone   Kind = "cooperative_cancel_done"
	KindDisputeStarted          Kind = "dispute_started"
	KindDisputeNeedsSolver      Kind = "dispute_needs_solver"
	KindUserBanned              Kind = "user_banned"
	KindAdminFrozen             Kind = "admin_frozen"
	KindAdminCanceled           Kind = "admin_canceled"
	KindAdminSettled            Kind = "admin_settled"
	KindPendingPaymentPaid      Kind = "pending_payment_paid"
	KindPendingPaymentFailed    Kind = "pending_payment_failed"
	KindEarningsPaid            Kind = "earnings_paid"
	KindEarningsFailed          Kind = "earnings_failed"
	KindEarningsDestinationDead Kind = "earnings_destination_expired"
	KindOrderExpired            Kind = "order_expired"
)

// AdminChannel addresses the operator channel rather than a user.
const AdminChannel = "@admin"

// Notification is one message to render for a user.
type Notification struct {
	UserID  string         `json:"userId"`
	Kind    Kind           `json:"kind"`
	OrderID string         `json:"orderId,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Notifier delivers notifications. Implementations must not block for long
// and must swallow their own errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) {
	l.logger.InfoContext(ctx, "notification",
		"user_id", n.UserID, "kind", string(n.Kind), "order_id", n.OrderID)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, nf := range m {
		nf.Notify(ctx, n)
	}
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

// All returns a copy of everything recorded.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Count returns how many notifications of kind went to userID.
// An empty userID matches any recipient.
func (r *Recorder) Count(userID string, kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Kind == kind && (userID == "" || s.UserID == userID) {
			n++
		}
	}
	return n
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
