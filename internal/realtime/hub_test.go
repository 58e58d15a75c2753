package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/trade"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func created(id string, typ trade.OrderType, fiat, community string) *Message {
	e := events.OrderCreated{Order: events.OrderView{ID: id, Type: typ, FiatCode: fiat, CommunityID: community}}
	return &Message{Type: e.Name(), Data: e}
}

func TestShouldSend(t *testing.T) {
	h := testHub()
	sell := created("o1", trade.TypeSell, "USD", "c1")
	update := &Message{Type: "community.updated", Data: events.CommunityUpdated{CommunityID: "c1"}}

	tests := []struct {
		name string
		sub  Subscription
		msg  *Message
		want bool
	}{
		{"empty subscription", Subscription{}, sell, true},
		{"event type match", Subscription{EventTypes: []string{"order.created"}}, sell, true},
		{"event type miss", Subscription{EventTypes: []string{"order.taken"}}, sell, false},
		{"order type miss", Subscription{OrderTypes: []trade.OrderType{trade.TypeBuy}}, sell, false},
		{"fiat match", Subscription{FiatCodes: []string{"EUR", "USD"}}, sell, true},
		{"fiat miss", Subscription{FiatCodes: []string{"VES"}}, sell, false},
		{"community match", Subscription{CommunityID: "c1"}, sell, true},
		{"community miss", Subscription{CommunityID: "c2"}, sell, false},
		{"order id miss", Subscription{OrderIDs: []string{"o2"}}, sell, false},
		{"community event unfiltered", Subscription{}, update, true},
		{"community event by community", Subscription{CommunityID: "c1"}, update, true},
		{"community event with order filter", Subscription{FiatCodes: []string{"USD"}}, update, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.shouldSend(&Client{sub: tt.sub}, tt.msg))
		})
	}
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 8), sub: Subscription{FiatCodes: []string{"USD"}}}
	h.register <- client

	h.Broadcast(created("o1", trade.TypeSell, "EUR", ""))
	h.Broadcast(created("o2", trade.TypeSell, "USD", ""))

	select {
	case raw := <-client.send:
		var got struct {
			Type string `json:"type"`
			Data struct {
				Order struct {
					ID string `json:"id"`
				} `json:"order"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "order.created", got.Type)
		assert.Equal(t, "o2", got.Data.Order.ID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
	assert.Equal(t, int64(2), h.Stats()["totalEvents"])
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketFeedFromBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	bus := events.NewBus(8, logger)
	defer bus.Close()
	detach := h.Attach(bus)
	defer detach()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(events.OrderCanceled{Order: events.OrderView{ID: "o9", Status: trade.StatusCanceled}, By: "alice"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"order.canceled"`)
	assert.Contains(t, string(raw), `"id":"o9"`)
	assert.NotContains(t, string(raw), "secret")
}

func TestHandleWebSocket_RejectsAfterShutdown(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	rec := httptest.NewRecorder()
	h.HandleWebSocket(rec, httptest.NewRequest("GET", "/ws/orders", nil))
	assert.Equal(t, 503, rec.Code)
}
