// Package trade holds the marketplace data model: orders, disputes,
// pending payouts, users and communities, plus the store they live in.
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/idgen"
)

var (
	ErrOrderNotFound     = errors.New("trade: order not found")
	ErrDisputeNotFound   = errors.New("trade: dispute not found")
	ErrPendingNotFound   = errors.New("trade: pending payment not found")
	ErrUserNotFound      = errors.New("trade: user not found")
	ErrCommunityNotFound = errors.New("trade: community not found")
	ErrInvariant         = errors.New("trade: invariant violated")
)

// Status is an order's lifecycle state.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusWaitingBuyerInvoice Status = "WAITING_BUYER_INVOICE"
	StatusWaitingPayment      Status = "WAITING_PAYMENT"
	StatusActive              Status = "ACTIVE"
	StatusFiatSent            Status = "FIAT_SENT"
	StatusDispute             Status = "DISPUTE"
	StatusPaidHoldInvoice     Status = "PAID_HOLD_INVOICE"
	StatusSuccess             Status = "SUCCESS"
	StatusCanceled            Status = "CANCELED"
	StatusCanceledByAdmin     Status = "CANCELED_BY_ADMIN"
	StatusCompletedByAdmin    Status = "COMPLETED_BY_ADMIN"
	StatusFrozen              Status = "FROZEN"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusCanceledByAdmin, StatusSuccess, StatusCompletedByAdmin:
		return true
	}
	return false
}

// In reports whether s is one of the given statuses.
func (s Status) In(statuses ...Status) bool {
	for _, c := range statuses {
		if s == c {
			return true
		}
	}
	return false
}

// OrderType is the creator's side of the trade.
type OrderType string

const (
	TypeBuy  OrderType = "buy"
	TypeSell OrderType = "sell"
)

// Order is a single buy or sell offer and its trade state.
type Order struct {
	ID            string    `json:"id"`
	RangeParentID string    `json:"rangeParentId,omitempty"`
	CreatorID     string    `json:"creatorId"`
	BuyerID       string    `json:"buyerId,omitempty"`
	SellerID      string    `json:"sellerId,omitempty"`
	Type          OrderType `json:"type"`

	// Amount and Fee are token smallest units. Fee is locked at quote time.
	Amount           int64           `json:"amount"`
	Fee              int64           `json:"fee"`
	BotFeeRate       decimal.Decimal `json:"botFeeRate"`
	CommunityFeeRate decimal.Decimal `json:"communityFeeRate"`

	FiatCode      string              `json:"fiatCode"`
	FiatAmount    decimal.NullDecimal `json:"fiatAmount"`
	MinAmount     decimal.NullDecimal `json:"minAmount"`
	MaxAmount     decimal.NullDecimal `json:"maxAmount"`
	PaymentMethod string              `json:"paymentMethod"`
	PriceMargin   float64             `json:"priceMargin"`
	PriceFromAPI  bool                `json:"priceFromApi"`

	Hash          string     `json:"hash,omitempty"`
	Secret        string     `json:"-"`
	BuyerInvoice  string     `json:"buyerInvoice,omitempty"`
	InvoiceHeldAt *time.Time `json:"invoiceHeldAt,omitempty"`

	BuyerCooperativeCancel  bool `json:"buyerCooperativeCancel"`
	SellerCooperativeCancel bool `json:"sellerCooperativeCancel"`
	BuyerDispute            bool `json:"buyerDispute"`
	SellerDispute           bool `json:"sellerDispute"`

	Status     Status     `json:"status"`
	TakenAt    *time.Time `json:"takenAt,omitempty"`
	CanceledBy string     `json:"canceledBy,omitempty"`
	ActionBy   string     `json:"actionBy,omitempty"`
	IsFrozen   bool       `json:"isFrozen"`

	PaidHoldBuyerInvoiceUpdated bool  `json:"paidHoldBuyerInvoiceUpdated"`
	RoutingFee                  int64 `json:"routingFee"`

	CommunityID      string `json:"communityId,omitempty"`
	Description      string `json:"description,omitempty"`
	ChannelID        string `json:"channelId,omitempty"`
	ChannelMessageID string `json:"channelMessageId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsRange reports whether the order was published with a fiat range.
func (o *Order) IsRange() bool {
	return o.MinAmount.Valid && o.MaxAmount.Valid
}

// Total is what the seller must lock in the hold.
func (o *Order) Total() int64 {
	return o.Amount + o.Fee
}

// HasHold reports whether a hold id and secret are attached.
func (o *Order) HasHold() bool {
	return o.Hash != ""
}

// ClearHold detaches the hold id and secret together.
func (o *Order) ClearHold() {
	o.Hash = ""
	o.Secret = ""
	o.InvoiceHeldAt = nil
}

// Party returns which side userID is on, or "" when they are not a party.
func (o *Order) Party(userID string) Party {
	switch {
	case userID == "":
		return ""
	case userID == o.BuyerID:
		return PartyBuyer
	case userID == o.SellerID:
		return PartySeller
	}
	return ""
}

// Counterparty returns the user who is not the creator.
func (o *Order) Counterparty() string {
	if o.CreatorID == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// Clone returns a deep enough copy for store isolation.
func (o *Order) Clone() *Order {
	cp := *o
	if o.InvoiceHeldAt != nil {
		t := *o.InvoiceHeldAt
		cp.InvoiceHeldAt = &t
	}
	if o.TakenAt != nil {
		t := *o.TakenAt
		cp.TakenAt = &t
	}
	return &cp
}

// Party is a side of a trade.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// DisputeStatus is the resolution state of a dispute.
type DisputeStatus string

const (
	DisputeWaitingForSolver DisputeStatus = "WAITING_FOR_SOLVER"
	DisputeInProgress       DisputeStatus = "IN_PROGRESS"
	DisputeSellerRefunded   DisputeStatus = "SELLER_REFUNDED"
	DisputeReleased         DisputeStatus = "RELEASED"
	DisputeSettled          DisputeStatus = "SETTLED"
)

// Dispute records an escalated order. One per order.
type Dispute struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"orderId"`
	BuyerID     string        `json:"buyerId"`
	SellerID    string        `json:"sellerId"`
	Initiator   Party         `json:"initiator"`
	SolverID    string        `json:"solverId,omitempty"`
	Status      DisputeStatus `json:"status"`
	CommunityID string        `json:"communityId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// PendingPayment is a payout that failed inline and awaits retry.
// An empty CommunityID means a buyer payout.
type PendingPayment struct {
	ID               string     `json:"id"`
	OrderID          string     `json:"orderId,omitempty"`
	UserID           string     `json:"userId"`
	Amount           int64      `json:"amount"`
	PaymentRequest   string     `json:"paymentRequest"`
	Hash             string     `json:"hash,omitempty"`
	Description      string     `json:"description"`
	Attempts         int        `json:"attempts"`
	Paid             bool       `json:"paid"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	IsInvoiceExpired bool       `json:"isInvoiceExpired"`
	CommunityID      string     `json:"communityId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// User is a marketplace participant.
type User struct {
	ID                 string          `json:"id"`
	Username           string          `json:"username"`
	TradesCompleted    int             `json:"tradesCompleted"`
	VolumeTraded       decimal.Decimal `json:"volumeTraded"`
	Disputes           int             `json:"disputes"`
	Banned             bool            `json:"banned"`
	Admin              bool            `json:"admin"`
	DefaultCommunityID string          `json:"defaultCommunityId,omitempty"`
	PayoutAddress      string          `json:"payoutAddress,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Community is a sub-marketplace that shares in fees.
type Community struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	FeePercent     decimal.Decimal `json:"feePercent"`
	Earnings       int64           `json:"earnings"`
	OrdersToRedeem int             `json:"ordersToRedeem"`
	SolverIDs      []string        `json:"solverIds,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// HasSolver reports whether userID solves disputes for c.
func (c *Community) HasSolver(userID string) bool {
	for _, id := range c.SolverIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OrderFilter selects orders. Zero fields match anything.
type OrderFilter struct {
	Statuses       []Status
	HeldOnly       bool
	CreatedBefore  time.Time
	TakenBefore    time.Time
	// AfterCreatedAt and AfterID resume a listing strictly after that key.
	AfterCreatedAt time.Time
	AfterID        string
	Limit          int
}

// PendingFilter selects retryable pending payments.
type PendingFilter struct {
	Community   bool // community earnings when true, buyer payouts when false
	MaxAttempts int  // attempts < MaxAttempts
	Limit       int
}

// Store persists the trade model.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByHash(ctx context.Context, hash string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error

	CreatePendingPayment(ctx context.Context, p *PendingPayment) error
	GetPendingPaymentByOrder(ctx context.Context, orderID string) (*PendingPayment, error)
	UpdatePendingPayment(ctx context.Context, p *PendingPayment) error
	ListPendingPayments(ctx context.Context, f PendingFilter) ([]*PendingPayment, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	CreateCommunity(ctx context.Context, c *Community) error
	GetCommunity(ctx context.Context, id string) (*Community, error)
	UpdateCommunity(ctx context.Context, c *Community) error
}

// NewID returns a 24 hex character identifier.
func NewID() string {
	return idgen.Object()
}
