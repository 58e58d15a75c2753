package escrow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tradebot/internal/idgen"
)

type memHold struct {
	id      string
	secret  string
	amount  int64
	balance int64
	state   State
	reason  CloseReason
}

// MemoryService is an in-process escrow rail for development and tests.
// Funding, disputes and payout outcomes are driven by the caller. Events
// are delivered synchronously on the goroutine that caused them.
type MemoryService struct {
	*Monitor

	mu       sync.Mutex
	holds    map[string]*memHold
	bySecret map[string]string
	inFlight map[string]bool
	payments []PayRequest

	// OpenErr, when set, fails every OpenHold.
	OpenErr error
	// PayFunc decides payout outcomes. Nil confirms every payment.
	PayFunc func(req PayRequest) (*Payment, error)
}

// NewMemoryService creates an empty in-memory rail.
func NewMemoryService(logger *slog.Logger) *MemoryService {
	return &MemoryService{
		Monitor:  NewMonitor(logger),
		holds:    make(map[string]*memHold),
		bySecret: make(map[string]string),
		inFlight: make(map[string]bool),
	}
}

func (m *MemoryService) OpenHold(ctx context.Context, amount int64, description string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	h := &memHold{id: idgen.Hex(16), secret: idgen.Hex(32), amount: amount, state: StateOpen}
	m.holds[h.id] = h
	m.bySecret[h.secret] = h.id
	return &Hold{ID: h.id, Secret: h.secret, Request: "memory:" + h.id, Amount: amount}, nil
}

func (m *MemoryService) SettleHold(ctx context.Context, secret string) error {
	id, ok := m.lookupSecret(secret)
	if !ok {
		return ErrHoldNotFound
	}
	return m.close(ctx, id, ReasonRelease)
}

func (m *MemoryService) CancelHold(ctx context.Context, holdID string) error {
	return m.close(ctx, holdID, ReasonRefund)
}

// Close closes a hold with an arbitrary reason, as an admin or an expiry
// on the rail would.
func (m *MemoryService) Close(ctx context.Context, holdID string, reason CloseReason) error {
	return m.close(ctx, holdID, reason)
}

func (m *MemoryService) close(ctx context.Context, holdID string, reason CloseReason) error {
	m.mu.Lock()
	h, ok := m.holds[holdID]
	if !ok {
		m.mu.Unlock()
		return ErrHoldNotFound
	}
	if h.state == StateClosed {
		m.mu.Unlock()
		return ErrHoldClosed
	}
	h.state = StateClosed
	h.reason = reason
	m.mu.Unlock()

	m.Emit(ctx, Event{Kind: EventClosed, HoldID: holdID, Reason: reason, At: time.Now()})
	return nil
}

// Fund credits amount to a hold and emits a funded event with the new
// balance.
func (m *MemoryService) Fund(ctx context.Context, holdID string, amount int64) error {
	m.mu.Lock()
	h, ok := m.holds[holdID]
	if !ok {
		m.mu.Unlock()
		return ErrHoldNotFound
	}
	h.balance += amount
	balance := h.balance
	m.mu.Unlock()

	m.Emit(ctx, Event{Kind: EventFunded, HoldID: holdID, Amount: balance, At: time.Now()})
	return nil
}

// Dispute flags a hold as disputed on the rail.
func (m *MemoryService) Dispute(ctx context.Context, holdID string) error {
	m.mu.Lock()
	h, ok := m.holds[holdID]
	if !ok {
		m.mu.Unlock()
		return ErrHoldNotFound
	}
	h.state = StateDispute
	m.mu.Unlock()

	m.Emit(ctx, Event{Kind: EventDisputed, HoldID: holdID, At: time.Now()})
	return nil
}

func (m *MemoryService) Balance(ctx context.Context, holdID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return 0, ErrHoldNotFound
	}
	return h.balance, nil
}

func (m *MemoryService) State(ctx context.Context, holdID string) (State, CloseReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[holdID]
	if !ok {
		return "", ReasonNone, ErrHoldNotFound
	}
	return h.state, h.reason, nil
}

func (m *MemoryService) lookupSecret(secret string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySecret[secret]
	return id, ok
}

func (m *MemoryService) Pay(ctx context.Context, req PayRequest) (*Payment, error) {
	m.mu.Lock()
	m.payments = append(m.payments, req)
	fn := m.PayFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	return &Payment{ID: idgen.Hex(16), Confirmed: true, At: time.Now()}, nil
}

// Payments returns every payout requested so far.
func (m *MemoryService) Payments() []PayRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PayRequest(nil), m.payments...)
}

// SetInFlight marks destination as having an unresolved payment.
func (m *MemoryService) SetInFlight(destination string, inFlight bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[destination] = inFlight
}

func (m *MemoryService) InFlight(ctx context.Context, destination string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[destination], nil
}

func (m *MemoryService) ValidateDestination(destination string) error {
	if destination == "" || strings.ContainsAny(destination, " \t\n") {
		return ErrInvalidDestination
	}
	return nil
}

var (
	_ Service = (*MemoryService)(nil)
	_ Payer   = (*MemoryService)(nil)
)
