// Package events is the process-wide observer for order and community
// changes. The composition root owns the Bus and wires subscribers (the
// live feed, channel publishers) to it explicitly.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/trade"
)

// Event is one of the concrete event types below.
type Event interface {
	Name() string
}

// OrderView is the public projection of an order carried by events.
// It never includes the hold secret or hold id.
type OrderView struct {
	ID            string              `json:"id"`
	Type          trade.OrderType     `json:"type"`
	Status        trade.Status        `json:"status"`
	Amount        int64               `json:"amount"`
	Fee           int64               `json:"fee"`
	FiatCode      string              `json:"fiatCode"`
	FiatAmount    decimal.NullDecimal `json:"fiatAmount"`
	MinAmount     decimal.NullDecimal `json:"minAmount"`
	MaxAmount     decimal.NullDecimal `json:"maxAmount"`
	PaymentMethod string              `json:"paymentMethod"`
	PriceMargin   float64             `json:"priceMargin"`
	CommunityID   string              `json:"communityId,omitempty"`
	RangeParentID string              `json:"rangeParentId,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// View projects an order for publication.
func View(o *trade.Order) OrderView {
	return OrderView{
		ID:            o.ID,
		Type:          o.Type,
		Status:        o.Status,
		Amount:        o.Amount,
		Fee:           o.Fee,
		FiatCode:      o.FiatCode,
		FiatAmount:    o.FiatAmount,
		MinAmount:     o.MinAmount,
		MaxAmount:     o.MaxAmount,
		PaymentMethod: o.PaymentMethod,
		PriceMargin:   o.PriceMargin,
		CommunityID:   o.CommunityID,
		RangeParentID: o.RangeParentID,
		UpdatedAt:     o.UpdatedAt,
	}
}

type OrderCreated struct {
	Order OrderView `json:"order"`
}

type OrderTaken struct {
	Order   OrderView `json:"order"`
	TakerID string    `json:"takerId"`
}

type OrderUpdated struct {
	Order OrderView    `json:"order"`
	From  trade.Status `json:"from"`
}

type OrderCanceled struct {
	Order OrderView `json:"order"`
	By    string    `json:"by,omitempty"`
}

type CommunityUpdated struct {
	CommunityID string `json:"communityId"`
}

func (OrderCreated) Name() string     { return "order.created" }
func (OrderTaken) Name() string       { return "order.taken" }
func (OrderUpdated) Name() string     { return "order.updated" }
func (OrderCanceled) Name() string    { return "order.canceled" }
func (CommunityUpdated) Name() string { return "community.updated" }

// Publisher is what the order services need from the bus.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Bus delivers events to subscribers on per-subscriber goroutines.
// A slow subscriber loses events once its buffer is full; publishers never
// block.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	logger *slog.Logger
	buffer int
}

// NewBus creates a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]*subscriber), logger: logger, buffer: buffer}
}

// Subscribe registers fn and returns a func that removes it. fn runs on a
// dedicated goroutine, one event at a time.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.next
	b.next++
	s := &subscriber{ch: make(chan Event, b.buffer), done: make(chan struct{})}
	b.subs[id] = s

	go func() {
		defer close(s.done)
		for e := range s.ch {
			b.deliver(fn, e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
			<-s.done
		})
	}
}

func (b *Bus) deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", e.Name(), "panic", r)
		}
	}()
	fn(e)
}

// Publish hands e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("event subscriber lagging, event dropped", "event", e.Name())
		}
	}
}

// Close detaches all subscribers and waits for their goroutines to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[int]*subscriber{}
	for _, s := range subs {
		close(s.ch)
	}
	b.mu.Unlock()
	for _, s := range subs {
		<-s.done
	}
}
