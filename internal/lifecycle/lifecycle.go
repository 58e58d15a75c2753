// Package lifecycle is the order state machine.
//
// Every entry point re-reads the order, checks the status precondition and
// does nothing when it no longer holds, so duplicate or late calls from the
// chat layer, the escrow rail and the scheduler are harmless. Entry points
// never return errors; they return an Outcome naming what happened.
//
// Where a transition has an escrow side effect, the new status is saved
// before the rail is called. The rail's echoing event then finds the order
// already moved and is ignored.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/tradebot/internal/escrow"
	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/logging"
	"github.com/mbd888/tradebot/internal/metrics"
	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/pricing"
	"github.com/mbd888/tradebot/internal/syncutil"
	"github.com/mbd888/tradebot/internal/trade"
	"github.com/mbd888/tradebot/internal/traces"
)

// Reason says why an operation did not apply.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonOrderNotFound       Reason = "order_not_found"
	ReasonUserNotFound        Reason = "user_not_found"
	ReasonNotAuthorized       Reason = "not_authorized"
	ReasonBanned              Reason = "banned"
	ReasonInvalidStatus       Reason = "invalid_status"
	ReasonBusy                Reason = "busy"
	ReasonMustWait            Reason = "must_wait"
	ReasonFiatAmountRequired  Reason = "fiat_amount_required"
	ReasonInvalidFiatAmount   Reason = "invalid_fiat_amount"
	ReasonNoRate              Reason = "no_rate"
	ReasonPriceAPIFailed      Reason = "price_api_failed"
	ReasonHoldFailed          Reason = "hold_failed"
	ReasonUnderfunded         Reason = "underfunded"
	ReasonInvalidDestination  Reason = "invalid_destination"
	ReasonDestinationInFlight Reason = "destination_in_flight"
	ReasonAlreadyUpdated      Reason = "already_updated"
	ReasonAlreadyCompleted    Reason = "already_completed"
	ReasonStoreError          Reason = "store_error"
)

// Outcome is the result of a lifecycle entry point.
type Outcome struct {
	OrderID string
	Applied bool
	Status  trade.Status
	Reason  Reason
}

// HoldWatcher starts escrow watches for an order's hold.
type HoldWatcher interface {
	WatchFunding(ctx context.Context, holdID string, target int64, eager bool)
	WatchClose(ctx context.Context, holdID string, eager bool)
	WatchDispute(ctx context.Context, holdID string, eager bool)
}

// BuyerPayer pays the buyer once the hold is released.
type BuyerPayer interface {
	PayToBuyer(ctx context.Context, o *trade.Order)
}

// Config is the trade policy.
type Config struct {
	MaxDisputes                 int
	DisputeCountCommunityOrders bool
	PaymentAttempts             int
	OrderPublishedExpiration    time.Duration
	HoldExpiration              time.Duration
}

// Service runs order transitions.
type Service struct {
	store    trade.Store
	holds    escrow.Service
	payer    escrow.Payer
	quoter   *pricing.Quoter
	fees     pricing.Fees
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	watcher HoldWatcher
	payout  BuyerPayer
	events  events.Publisher
	now     func() time.Time

	canceling *syncutil.GuardSet
	taking    *syncutil.GuardSet
}

// NewService creates the lifecycle service.
func NewService(store trade.Store, holds escrow.Service, payer escrow.Payer, quoter *pricing.Quoter,
	fees pricing.Fees, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.MaxDisputes <= 0 {
		cfg.MaxDisputes = 5
	}
	if cfg.PaymentAttempts <= 0 {
		cfg.PaymentAttempts = 3
	}
	return &Service{
		store:     store,
		holds:     holds,
		payer:     payer,
		quoter:    quoter,
		fees:      fees,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		events:    events.Discard{},
		now:       time.Now,
		canceling: syncutil.NewGuardSet(),
		taking:    syncutil.NewGuardSet(),
	}
}

// WithWatcher sets the escrow watcher started after holds open or fund.
func (s *Service) WithWatcher(w HoldWatcher) *Service {
	s.watcher = w
	return s
}

// WithPayout sets the buyer payout manager.
func (s *Service) WithPayout(p BuyerPayer) *Service {
	s.payout = p
	return s
}

// WithEvents sets the event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.OrderID(ctx); id != "" {
		return s.logger.With("order_id", id)
	}
	return s.logger
}

// begin opens a span for op and tags ctx with the order id.
func (s *Service) begin(ctx context.Context, op, orderID string) (context.Context, trace.Span) {
	if orderID != "" {
		ctx = logging.WithOrderID(ctx, orderID)
	}
	return traces.StartSpan(ctx, "lifecycle."+op, traces.OrderID(orderID))
}

func (s *Service) finish(span trace.Span, op string, out Outcome) {
	if !out.Applied && out.Reason != ReasonNone {
		metrics.OrderRejections.WithLabelValues(op, string(out.Reason)).Inc()
	}
	traces.End(span, string(out.Reason))
}

func (s *Service) reject(ctx context.Context, op string, orderID string, status trade.Status, reason Reason) Outcome {
	s.log(ctx).Debug("operation not applied", "op", op, "status", status, "reason", reason)
	return Outcome{OrderID: orderID, Status: status, Reason: reason}
}

func applied(o *trade.Order) Outcome {
	return Outcome{OrderID: o.ID, Applied: true, Status: o.Status}
}

func (s *Service) loadOrder(ctx context.Context, op, orderID string) (*trade.Order, Outcome, bool) {
	o, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, trade.ErrOrderNotFound) {
		return nil, s.reject(ctx, op, orderID, "", ReasonOrderNotFound), false
	}
	if err != nil {
		s.log(ctx).Error("load order failed", "op", op, "error", err)
		return nil, s.reject(ctx, op, orderID, "", ReasonStoreError), false
	}
	return o, Outcome{}, true
}

func (s *Service) loadByHold(ctx context.Context, op, holdID string) (*trade.Order, Outcome, bool) {
	o, err := s.store.GetOrderByHash(ctx, holdID)
	if errors.Is(err, trade.ErrOrderNotFound) {
		s.log(ctx).Debug("no order for hold", "op", op, "hold_id", holdID)
		return nil, Outcome{Reason: ReasonOrderNotFound}, false
	}
	if err != nil {
		s.log(ctx).Error("load order by hold failed", "op", op, "hold_id", holdID, "error", err)
		return nil, Outcome{Reason: ReasonStoreError}, false
	}
	return o, Outcome{}, true
}

// activeUser loads a user that may act: present and not banned.
func (s *Service) activeUser(ctx context.Context, userID string) (*trade.User, Reason) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, trade.ErrUserNotFound) {
		return nil, ReasonUserNotFound
	}
	if err != nil {
		s.log(ctx).Error("load user failed", "user_id", userID, "error", err)
		return nil, ReasonStoreError
	}
	if u.Banned {
		return u, ReasonBanned
	}
	return u, ReasonNone
}

// save persists o after a change from status from. A status change is
// counted and published.
func (s *Service) save(ctx context.Context, o *trade.Order, from trade.Status) error {
	if err := trade.Enforce(o); err != nil {
		metrics.InvariantViolations.Inc()
		s.log(ctx).Error("order violates invariant", "error", err)
	}
	o.UpdatedAt = s.now()
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		s.log(ctx).Error("save order failed", "status", o.Status, "error", err)
		return err
	}
	if from != o.Status {
		metrics.OrderTransitions.WithLabelValues(string(from), string(o.Status)).Inc()
		s.log(ctx).Info("order transition", "from", from, "to", o.Status)
		switch o.Status {
		case trade.StatusCanceled, trade.StatusCanceledByAdmin:
			s.events.Publish(events.OrderCanceled{Order: events.View(o), By: o.CanceledBy})
		default:
			s.events.Publish(events.OrderUpdated{Order: events.View(o), From: from})
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, userID string, kind notify.Kind, o *trade.Order, params map[string]any) {
	if userID == "" {
		return
	}
	n := notify.Notification{UserID: userID, Kind: kind, Params: params}
	if o != nil {
		n.OrderID = o.ID
	}
	s.notifier.Notify(ctx, n)
}

func (s *Service) openHold(ctx context.Context, o *trade.Order) error {
	hold, err := s.holds.OpenHold(ctx, o.Total(), holdDescription(o))
	metrics.HoldOperations.WithLabelValues("open", metrics.HoldResult(err)).Inc()
	if err != nil {
		s.log(ctx).Warn("open hold failed", "amount", o.Total(), "error", err)
		return err
	}
	o.Hash = hold.ID
	o.Secret = hold.Secret
	return nil
}

func (s *Service) settleHold(ctx context.Context, o *trade.Order) error {
	err := s.holds.SettleHold(ctx, o.Secret)
	metrics.HoldOperations.WithLabelValues("settle", metrics.HoldResult(err)).Inc()
	if err != nil {
		s.log(ctx).Warn("settle hold failed", "hold_id", o.Hash, "error", err)
	}
	return err
}

// cancelHold cancels holdID unless a cancel for it is already running.
func (s *Service) cancelHold(ctx context.Context, holdID string) {
	if holdID == "" {
		return
	}
	release, ok := s.canceling.TryAcquire(holdID)
	if !ok {
		s.log(ctx).Debug("hold cancel already in progress", "hold_id", holdID)
		return
	}
	defer release()

	err := s.holds.CancelHold(ctx, holdID)
	metrics.HoldOperations.WithLabelValues("cancel", metrics.HoldResult(err)).Inc()
	if err != nil {
		s.log(ctx).Warn("cancel hold failed", "hold_id", holdID, "error", err)
	}
}

func (s *Service) dispute(ctx context.Context, orderID string) *trade.Dispute {
	d, err := s.store.GetDisputeByOrder(ctx, orderID)
	if err != nil {
		if !errors.Is(err, trade.ErrDisputeNotFound) {
			s.log(ctx).Error("load dispute failed", "error", err)
		}
		return nil
	}
	return d
}

func (s *Service) resolveDispute(ctx context.Context, orderID string, status trade.DisputeStatus) {
	d := s.dispute(ctx, orderID)
	if d == nil {
		return
	}
	d.Status = status
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		s.log(ctx).Error("update dispute failed", "status", status, "error", err)
	}
}

func holdDescription(o *trade.Order) string {
	return "Escrow amount Order #" + o.ID
}
