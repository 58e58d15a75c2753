package trade

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the trade model in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, range_parent_id, creator_id, buyer_id, seller_id, type,
		amount, fee, bot_fee_rate, community_fee_rate,
		fiat_code, fiat_amount, min_amount, max_amount, payment_method, price_margin, price_from_api,
		hash, secret, buyer_invoice, invoice_held_at,
		buyer_cooperative_cancel, seller_cooperative_cancel, buyer_dispute, seller_dispute,
		status, taken_at, canceled_by, action_by, is_frozen,
		paid_hold_buyer_invoice_updated, routing_fee,
		community_id, description, channel_id, channel_message_id,
		created_at, updated_at`

func orderArgs(o *Order) []interface{} {
	return []interface{}{
		o.ID, nullString(o.RangeParentID), o.CreatorID, nullString(o.BuyerID), nullString(o.SellerID), string(o.Type),
		o.Amount, o.Fee, o.BotFeeRate, o.CommunityFeeRate,
		o.FiatCode, o.FiatAmount, o.MinAmount, o.MaxAmount, o.PaymentMethod, o.PriceMargin, o.PriceFromAPI,
		nullString(o.Hash), nullString(o.Secret), nullString(o.BuyerInvoice), nullTime(o.InvoiceHeldAt),
		o.BuyerCooperativeCancel, o.SellerCooperativeCancel, o.BuyerDispute, o.SellerDispute,
		string(o.Status), nullTime(o.TakenAt), nullString(o.CanceledBy), nullString(o.ActionBy), o.IsFrozen,
		o.PaidHoldBuyerInvoiceUpdated, o.RoutingFee,
		nullString(o.CommunityID), nullString(o.Description), nullString(o.ChannelID), nullString(o.ChannelMessageID),
		o.CreatedAt, o.UpdatedAt,
	}
}

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25,
			$26, $27, $28, $29, $30,
			$31, $32,
			$33, $34, $35, $36,
			$37, $38
		)`, orderArgs(o)...)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetOrderByHash(ctx context.Context, hash string) (*Order, error) {
	if hash == "" {
		return nil, ErrOrderNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE hash = $1`, hash)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	args := orderArgs(o)
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			range_parent_id = $2, creator_id = $3, buyer_id = $4, seller_id = $5, type = $6,
			amount = $7, fee = $8, bot_fee_rate = $9, community_fee_rate = $10,
			fiat_code = $11, fiat_amount = $12, min_amount = $13, max_amount = $14,
			payment_method = $15, price_margin = $16, price_from_api = $17,
			hash = $18, secret = $19, buyer_invoice = $20, invoice_held_at = $21,
			buyer_cooperative_cancel = $22, seller_cooperative_cancel = $23,
			buyer_dispute = $24, seller_dispute = $25,
			status = $26, taken_at = $27, canceled_by = $28, action_by = $29, is_frozen = $30,
			paid_hold_buyer_invoice_updated = $31, routing_fee = $32,
			community_id = $33, description = $34, channel_id = $35, channel_message_id = $36,
			created_at = $37, updated_at = $38
		WHERE id = $1`, args...)
	if err != nil {
		return err
	}
	return expectRow(result, ErrOrderNotFound)
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND (NOT $2 OR invoice_held_at IS NOT NULL)
		  AND ($3::timestamptz IS NULL OR created_at < $3)
		  AND ($4::timestamptz IS NULL OR taken_at < $4)
		  AND ($5::timestamptz IS NULL OR (created_at, id) > ($5, $6::text))
		ORDER BY created_at, id
		LIMIT $7`,
		pq.Array(statuses), f.HeldOnly, zeroTime(f.CreatedBefore), zeroTime(f.TakenBefore),
		zeroTime(f.AfterCreatedAt), f.AfterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

const disputeColumns = `id, order_id, buyer_id, seller_id, initiator, solver_id, status, community_id, created_at, updated_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OrderID, d.BuyerID, d.SellerID, string(d.Initiator), nullString(d.SolverID),
		string(d.Status), nullString(d.CommunityID), d.CreatedAt, d.UpdatedAt)
	return err
}

func (p *PostgresStore) GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	d := &Dispute{}
	var initiator, status string
	var solver, community sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID).Scan(
		&d.ID, &d.OrderID, &d.BuyerID, &d.SellerID, &initiator, &solver, &status, &community,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Initiator = Party(initiator)
	d.Status = DisputeStatus(status)
	d.SolverID = solver.String
	d.CommunityID = community.String
	return d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET solver_id = $1, status = $2, updated_at = $3
		WHERE order_id = $4`,
		nullString(d.SolverID), string(d.Status), d.UpdatedAt, d.OrderID)
	if err != nil {
		return err
	}
	return expectRow(result, ErrDisputeNotFound)
}

const pendingColumns = `id, order_id, user_id, amount, payment_request, hash, description,
		attempts, paid, paid_at, is_invoice_expired, community_id, created_at`

func (p *PostgresStore) CreatePendingPayment(ctx context.Context, pp *PendingPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_payments (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pp.ID, nullString(pp.OrderID), pp.UserID, pp.Amount, pp.PaymentRequest, nullString(pp.Hash), pp.Description,
		pp.Attempts, pp.Paid, nullTime(pp.PaidAt), pp.IsInvoiceExpired, nullString(pp.CommunityID), pp.CreatedAt)
	return err
}

func (p *PostgresStore) GetPendingPaymentByOrder(ctx context.Context, orderID string) (*PendingPayment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE order_id = $1 AND community_id IS NULL
		ORDER BY created_at DESC LIMIT 1`, orderID)
	pp, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPendingNotFound
	}
	return pp, err
}

func (p *PostgresStore) UpdatePendingPayment(ctx context.Context, pp *PendingPayment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_payments SET
			payment_request = $1, attempts = $2, paid = $3, paid_at = $4, is_invoice_expired = $5
		WHERE id = $6`,
		pp.PaymentRequest, pp.Attempts, pp.Paid, nullTime(pp.PaidAt), pp.IsInvoiceExpired, pp.ID)
	if err != nil {
		return err
	}
	return expectRow(result, ErrPendingNotFound)
}

func (p *PostgresStore) ListPendingPayments(ctx context.Context, f PendingFilter) ([]*PendingPayment, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_payments
		WHERE paid = FALSE AND is_invoice_expired = FALSE
		  AND ($1 = 0 OR attempts < $1)
		  AND ((community_id IS NOT NULL) = $2)
		ORDER BY created_at
		LIMIT $3`, f.MaxAttempts, f.Community, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingPayment
	for rows.Next() {
		pp, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pp)
	}
	return result, rows.Err()
}

const userColumns = `id, username, trades_completed, volume_traded, disputes, banned, admin,
		default_community_id, payout_address, created_at`

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.Username, u.TradesCompleted, u.VolumeTraded, u.Disputes, u.Banned, u.Admin,
		nullString(u.DefaultCommunityID), nullString(u.PayoutAddress), u.CreatedAt)
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var community, payout sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).Scan(
		&u.ID, &u.Username, &u.TradesCompleted, &u.VolumeTraded, &u.Disputes, &u.Banned, &u.Admin,
		&community, &payout, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.DefaultCommunityID = community.String
	u.PayoutAddress = payout.String
	return u, nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			username = $1, trades_completed = $2, volume_traded = $3, disputes = $4,
			banned = $5, admin = $6, default_community_id = $7, payout_address = $8
		WHERE id = $9`,
		u.Username, u.TradesCompleted, u.VolumeTraded, u.Disputes,
		u.Banned, u.Admin, nullString(u.DefaultCommunityID), nullString(u.PayoutAddress), u.ID)
	if err != nil {
		return err
	}
	return expectRow(result, ErrUserNotFound)
}

func (p *PostgresStore) CreateCommunity(ctx context.Context, c *Community) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO communities (id, name, fee_percent, earnings, orders_to_redeem, solver_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Name, c.FeePercent, c.Earnings, c.OrdersToRedeem, pq.Array(c.SolverIDs), c.CreatedAt)
	return err
}

func (p *PostgresStore) GetCommunity(ctx context.Context, id string) (*Community, error) {
	c := &Community{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, fee_percent, earnings, orders_to_redeem, solver_ids, created_at
		FROM communities WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.FeePercent, &c.Earnings, &c.OrdersToRedeem, pq.Array(&c.SolverIDs), &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommunityNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) UpdateCommunity(ctx context.Context, c *Community) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE communities SET name = $1, fee_percent = $2, earnings = $3, orders_to_redeem = $4, solver_ids = $5
		WHERE id = $6`,
		c.Name, c.FeePercent, c.Earnings, c.OrdersToRedeem, pq.Array(c.SolverIDs), c.ID)
	if err != nil {
		return err
	}
	return expectRow(result, ErrCommunityNotFound)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		typ, status                                      string
		rangeParent, buyer, seller                       sql.NullString
		hash, secret, invoice, canceledBy, actionBy      sql.NullString
		community, description, channel, channelMessage sql.NullString
		heldAt, takenAt                                  sql.NullTime
	)
	err := s.Scan(
		&o.ID, &rangeParent, &o.CreatorID, &buyer, &seller, &typ,
		&o.Amount, &o.Fee, &o.BotFeeRate, &o.CommunityFeeRate,
		&o.FiatCode, &o.FiatAmount, &o.MinAmount, &o.MaxAmount, &o.PaymentMethod, &o.PriceMargin, &o.PriceFromAPI,
		&hash, &secret, &invoice, &heldAt,
		&o.BuyerCooperativeCancel, &o.SellerCooperativeCancel, &o.BuyerDispute, &o.SellerDispute,
		&status, &takenAt, &canceledBy, &actionBy, &o.IsFrozen,
		&o.PaidHoldBuyerInvoiceUpdated, &o.RoutingFee,
		&community, &description, &channel, &channelMessage,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = OrderType(typ)
	o.Status = Status(status)
	o.RangeParentID = rangeParent.String
	o.BuyerID = buyer.String
	o.SellerID = seller.String
	o.Hash = hash.String
	o.Secret = secret.String
	o.BuyerInvoice = invoice.String
	o.CanceledBy = canceledBy.String
	o.ActionBy = actionBy.String
	o.CommunityID = community.String
	o.Description = description.String
	o.ChannelID = channel.String
	o.ChannelMessageID = channelMessage.String
	if heldAt.Valid {
		o.InvoiceHeldAt = &heldAt.Time
	}
	if takenAt.Valid {
		o.TakenAt = &takenAt.Time
	}
	return o, nil
}

func scanPending(s scanner) (*PendingPayment, error) {
	pp := &PendingPayment{}
	var orderID, hash, community sql.NullString
	var paidAt sql.NullTime
	err := s.Scan(
		&pp.ID, &orderID, &pp.UserID, &pp.Amount, &pp.PaymentRequest, &hash, &pp.Description,
		&pp.Attempts, &pp.Paid, &paidAt, &pp.IsInvoiceExpired, &community, &pp.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	pp.OrderID = orderID.String
	pp.Hash = hash.String
	pp.CommunityID = community.String
	if paidAt.Valid {
		pp.PaidAt = &paidAt.Time
	}
	return pp, nil
}

func expectRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func zeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
