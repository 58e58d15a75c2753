package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

// ExpireOrders closes published orders nobody took in time and unwinds
// taken orders whose hold was never funded or whose buyer never gave a
// destination. It returns how many orders changed.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	now := s.now()
	var errs []error
	changed := 0

	if s.cfg.OrderPublishedExpiration > 0 {
		stale, err := s.store.ListOrders(ctx, trade.OrderFilter{
			Statuses:      []trade.Status{trade.StatusPending},
			CreatedBefore: now.Add(-s.cfg.OrderPublishedExpiration),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list published orders: %w", err))
		}
		for _, o := range stale {
			if s.expirePublished(ctx, o.ID).Applied {
				changed++
			}
		}
	}

	if s.cfg.HoldExpiration > 0 {
		stale, err := s.store.ListOrders(ctx, trade.OrderFilter{
			Statuses:    []trade.Status{trade.StatusWaitingPayment, trade.StatusWaitingBuyerInvoice},
			TakenBefore: now.Add(-s.cfg.HoldExpiration),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("list taken orders: %w", err))
		}
		for _, o := range stale {
			if s.expireTaken(ctx, o.ID).Applied {
				changed++
			}
		}
	}

	if changed > 0 {
		s.logger.Info("orders expired", "count", changed)
	}
	return changed, errors.Join(errs...)
}

func (s *Service) expirePublished(ctx context.Context, orderID string) (out Outcome) {
	const op = "expire_published"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.Status != trade.StatusPending {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	return s.closePending(ctx, op, o, "", notify.KindOrderExpired)
}

func (s *Service) expireTaken(ctx context.Context, orderID string) (out Outcome) {
	const op = "expire_taken"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.TakenAt == nil || o.TakenAt.After(s.now().Add(-s.cfg.HoldExpiration)) {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	switch o.Status {
	case trade.StatusWaitingPayment:
		return s.abandonTake(ctx, op, o, "", trade.PartySeller)
	case trade.StatusWaitingBuyerInvoice:
		return s.abandonTake(ctx, op, o, "", trade.PartyBuyer)
	}
	return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
}
