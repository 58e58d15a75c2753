package lifecycle

import (
	"context"
	"errors"

	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

// authorizeSolver lets admins act on any order and community solvers on
// orders of their default community. With assigned set, a solver must also
// be the one assigned to the order's dispute.
func (s *Service) authorizeSolver(ctx context.Context, o *trade.Order, solverID string, assigned bool) Reason {
	u, err := s.store.GetUser(ctx, solverID)
	if errors.Is(err, trade.ErrUserNotFound) {
		return ReasonUserNotFound
	}
	if err != nil {
		s.log(ctx).Error("load solver failed", "solver_id", solverID, "error", err)
		return ReasonStoreError
	}
	if u.Admin {
		return ReasonNone
	}
	if o.CommunityID == "" || u.DefaultCommunityID != o.CommunityID {
		return ReasonNotAuthorized
	}
	c, err := s.store.GetCommunity(ctx, o.CommunityID)
	if err != nil || !c.HasSolver(u.ID) {
		return ReasonNotAuthorized
	}
	if assigned {
		d := s.dispute(ctx, o.ID)
		if d == nil || d.SolverID != u.ID {
			return ReasonNotAuthorized
		}
	}
	return ReasonNone
}

func (s *Service) loadForAdmin(ctx context.Context, op, orderID, adminID string, assigned bool) (*trade.Order, Outcome, bool) {
	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return nil, out, false
	}
	if r := s.authorizeSolver(ctx, o, adminID, assigned); r != ReasonNone {
		return nil, s.reject(ctx, op, o.ID, o.Status, r), false
	}
	if o.Status.Terminal() {
		return nil, s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus), false
	}
	return o, Outcome{}, true
}

// AdminFreeze parks an order for manual handling. Funds still in the hold
// are settled into the operator's custody.
func (s *Service) AdminFreeze(ctx context.Context, orderID, adminID string) (out Outcome) {
	const op = "admin_freeze"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadForAdmin(ctx, op, orderID, adminID, false)
	if !ok {
		return out
	}
	if o.Status == trade.StatusFrozen {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	from := o.Status
	o.IsFrozen = true
	o.Status = trade.StatusFrozen
	o.ActionBy = adminID
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	if o.Secret != "" {
		_ = s.settleHold(ctx, o)
	}
	s.notifyAdminAction(ctx, o, adminID, notify.KindAdminFrozen)
	return applied(o)
}

// AdminCancel cancels an order and refunds the seller.
func (s *Service) AdminCancel(ctx context.Context, orderID, adminID string) (out Outcome) {
	const op = "admin_cancel"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadForAdmin(ctx, op, orderID, adminID, true)
	if !ok {
		return out
	}
	from := o.Status
	o.Status = trade.StatusCanceledByAdmin
	o.CanceledBy = adminID
	o.ActionBy = adminID
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	s.resolveDispute(ctx, o.ID, trade.DisputeSellerRefunded)
	s.cancelHold(ctx, o.Hash)
	s.notifyAdminAction(ctx, o, adminID, notify.KindAdminCanceled)
	return applied(o)
}

// AdminSettle completes an order in the buyer's favor: the hold is settled
// and the buyer paid.
func (s *Service) AdminSettle(ctx context.Context, orderID, adminID string) (out Outcome) {
	const op = "admin_settle"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadForAdmin(ctx, op, orderID, adminID, true)
	if !ok {
		return out
	}
	if !o.HasHold() {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	from := o.Status
	o.Status = trade.StatusCompletedByAdmin
	o.ActionBy = adminID
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}
	if from != trade.StatusFrozen {
		_ = s.settleHold(ctx, o)
	}
	s.resolveDispute(ctx, o.ID, trade.DisputeSettled)
	s.notifyAdminAction(ctx, o, adminID, notify.KindAdminSettled)
	if s.payout != nil && o.BuyerInvoice != "" {
		s.payout.PayToBuyer(ctx, o)
	}
	return applied(o)
}

// AssignSolver puts solverID in charge of the order's open dispute.
func (s *Service) AssignSolver(ctx context.Context, orderID, solverID string) (out Outcome) {
	const op = "assign_solver"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	if o.Status != trade.StatusDispute {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}
	if r := s.authorizeSolver(ctx, o, solverID, false); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}
	d := s.dispute(ctx, o.ID)
	if d == nil || d.Status != trade.DisputeWaitingForSolver {
		return s.reject(ctx, op, o.ID, o.Status, ReasonAlreadyUpdated)
	}
	d.SolverID = solverID
	d.Status = trade.DisputeInProgress
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		s.log(ctx).Error("assign solver failed", "error", err)
		return s.reject(ctx, op, o.ID, o.Status, ReasonStoreError)
	}
	s.log(ctx).Info("solver assigned", "solver_id", solverID)
	s.notify(ctx, o.BuyerID, notify.KindDisputeStarted, o, map[string]any{"solver": solverID})
	s.notify(ctx, o.SellerID, notify.KindDisputeStarted, o, map[string]any{"solver": solverID})
	return Outcome{OrderID: o.ID, Applied: true, Status: o.Status}
}

func (s *Service) notifyAdminAction(ctx context.Context, o *trade.Order, adminID string, kind notify.Kind) {
	s.notify(ctx, adminID, kind, o, nil)
	s.notify(ctx, o.BuyerID, kind, o, nil)
	s.notify(ctx, o.SellerID, kind, o, nil)
}
