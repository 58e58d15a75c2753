package lifecycle

import (
	"context"

	"github.com/mbd888/tradebot/internal/notify"
	"github.com/mbd888/tradebot/internal/trade"
)

// OpenDispute escalates a live trade on behalf of one of its parties.
func (s *Service) OpenDispute(ctx context.Context, orderID, userID string) (out Outcome) {
	const op = "open_dispute"
	ctx, span := s.begin(ctx, op, orderID)
	defer func() { s.finish(span, op, out) }()

	o, out, ok := s.loadOrder(ctx, op, orderID)
	if !ok {
		return out
	}
	party := o.Party(userID)
	if party == "" {
		return s.reject(ctx, op, o.ID, o.Status, ReasonNotAuthorized)
	}
	if _, r := s.activeUser(ctx, userID); r != ReasonNone {
		return s.reject(ctx, op, o.ID, o.Status, r)
	}
	return s.openDispute(ctx, op, o, party)
}

// OpenDisputeByHold escalates the order behind a hold the rail reports as
// disputed. The rail does not say who complained, so the buyer is taken
// as initiator.
func (s *Service) OpenDisputeByHold(ctx context.Context, holdID string) (out Outcome) {
	const op = "open_dispute"
	o, out, ok := s.loadByHold(ctx, op, holdID)
	if !ok {
		return out
	}
	ctx, span := s.begin(ctx, op, o.ID)
	defer func() { s.finish(span, op, out) }()
	return s.openDispute(ctx, op, o, trade.PartyBuyer)
}

func (s *Service) openDispute(ctx context.Context, op string, o *trade.Order, initiator trade.Party) Outcome {
	if !o.Status.In(trade.StatusActive, trade.StatusFiatSent) {
		return s.reject(ctx, op, o.ID, o.Status, ReasonInvalidStatus)
	}

	from := o.Status
	if initiator == trade.PartyBuyer {
		o.BuyerDispute = true
	} else {
		o.SellerDispute = true
	}
	o.Status = trade.StatusDispute
	if err := s.save(ctx, o, from); err != nil {
		return s.reject(ctx, op, o.ID, from, ReasonStoreError)
	}

	if s.dispute(ctx, o.ID) == nil {
		now := s.now()
		d := &trade.Dispute{
			ID:          trade.NewID(),
			OrderID:     o.ID,
			BuyerID:     o.BuyerID,
			SellerID:    o.SellerID,
			Initiator:   initiator,
			Status:      trade.DisputeWaitingForSolver,
			CommunityID: o.CommunityID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateDispute(ctx, d); err != nil {
			s.log(ctx).Error("create dispute failed", "error", err)
		}
	}

	if o.CommunityID == "" || s.cfg.DisputeCountCommunityOrders {
		s.countDispute(ctx, o, o.BuyerID)
		s.countDispute(ctx, o, o.SellerID)
	}

	s.notify(ctx, o.BuyerID, notify.KindDisputeStarted, o, map[string]any{"initiator": string(initiator)})
	s.notify(ctx, o.SellerID, notify.KindDisputeStarted, o, map[string]any{"initiator": string(initiator)})
	s.notify(ctx, notify.AdminChannel, notify.KindDisputeNeedsSolver, o, map[string]any{
		"initiator": string(initiator),
		"community": o.CommunityID,
	})
	return applied(o)
}

// countDispute bumps a participant's dispute count and bans them at the
// configured limit.
func (s *Service) countDispute(ctx context.Context, o *trade.Order, userID string) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		s.log(ctx).Warn("dispute participant missing", "user_id", userID, "error", err)
		return
	}
	u.Disputes++
	banned := !u.Banned && u.Disputes >= s.cfg.MaxDisputes
	if banned {
		u.Banned = true
	}
	if err := s.store.UpdateUser(ctx, u); err != nil {
		s.log(ctx).Error("update dispute count failed", "user_id", userID, "error", err)
		return
	}
	if banned {
		s.log(ctx).Warn("user banned for disputes", "user_id", userID, "disputes", u.Disputes)
		s.notify(ctx, userID, notify.KindUserBanned, o, map[string]any{"disputes": u.Disputes})
	}
}
