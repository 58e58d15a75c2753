package trade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*Order
	disputes    map[string]*Dispute // keyed by order id
	pending     map[string]*PendingPayment
	users       map[string]*User
	communities map[string]*Community
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*Order),
		disputes:    make(map[string]*Dispute),
		pending:     make(map[string]*PendingPayment),
		users:       make(map[string]*User),
		communities: make(map[string]*Community),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetOrderByHash(ctx context.Context, hash string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if hash == "" {
		return nil, ErrOrderNotFound
	}
	for _, o := range m.orders {
		if o.Hash == hash {
			return o.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if len(f.Statuses) > 0 && !o.Status.In(f.Statuses...) {
			continue
		}
		if f.HeldOnly && o.InvoiceHeldAt == nil {
			continue
		}
		if !f.CreatedBefore.IsZero() && !o.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		if !f.TakenBefore.IsZero() && (o.TakenAt == nil || !o.TakenAt.Before(f.TakenBefore)) {
			continue
		}
		if !f.AfterCreatedAt.IsZero() && !keyAfter(o, f.AfterCreatedAt, f.AfterID) {
			continue
		}
		result = append(result, o.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func keyAfter(o *Order, createdAt time.Time, id string) bool {
	if o.CreatedAt.Equal(createdAt) {
		return o.ID > id
	}
	return o.CreatedAt.After(createdAt)
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.OrderID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.OrderID] = &cp
	return nil
}

func (m *MemoryStore) CreatePendingPayment(ctx context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.pending[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingPaymentByOrder(ctx context.Context, orderID string) (*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *PendingPayment
	for _, p := range m.pending {
		if p.OrderID != orderID || p.CommunityID != "" {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, ErrPendingNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) UpdatePendingPayment(ctx context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[p.ID]; !ok {
		return ErrPendingNotFound
	}
	cp := *p
	m.pending[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListPendingPayments(ctx context.Context, f PendingFilter) ([]*PendingPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PendingPayment
	for _, p := range m.pending {
		if p.Paid || p.IsInvoiceExpired {
			continue
		}
		if f.MaxAttempts > 0 && p.Attempts >= f.MaxAttempts {
			continue
		}
		if f.Community != (p.CommunityID != "") {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateCommunity(ctx context.Context, c *Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communities[c.ID] = cloneCommunity(c)
	return nil
}

func (m *MemoryStore) GetCommunity(ctx context.Context, id string) (*Community, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.communities[id]
	if !ok {
		return nil, ErrCommunityNotFound
	}
	return cloneCommunity(c), nil
}

func (m *MemoryStore) UpdateCommunity(ctx context.Context, c *Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.communities[c.ID]; !ok {
		return ErrCommunityNotFound
	}
	m.communities[c.ID] = cloneCommunity(c)
	return nil
}

func cloneCommunity(c *Community) *Community {
	cp := *c
	if c.SolverIDs != nil {
		cp.SolverIDs = append([]string(nil), c.SolverIDs...)
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
