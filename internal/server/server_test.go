package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tradebot/internal/health"
	"github.com/mbd888/tradebot/internal/trade"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testServer(t *testing.T, store OrderReader, registry *health.Registry, rl RateLimitConfig) *Server {
	t.Helper()
	s := New(Config{Port: "0", RateLimit: rl}, store, nil, registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(s.limiter.Stop)
	return s
}

func addOrder(t *testing.T, store *trade.MemoryStore, typ trade.OrderType, fiat string, status trade.Status) *trade.Order {
	t.Helper()
	o := &trade.Order{
		ID:         trade.NewID(),
		Type:       typ,
		CreatorID:  "alice",
		SellerID:   "alice",
		Amount:     100000,
		Fee:        600,
		FiatCode:   fiat,
		FiatAmount: trade.Nullable(decimal.NewFromInt(50)),
		Status:     status,
		Hash:       "0xhold",
		Secret:     "s3cr3t-key",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, store.CreateOrder(context.Background(), o))
	return o
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:4000"
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetOrder(t *testing.T) {
	store := trade.NewMemoryStore()
	o := addOrder(t, store, trade.TypeSell, "USD", trade.StatusPending)
	s := testServer(t, store, nil, RateLimitConfig{})

	rec := get(s, "/api/order/"+o.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cr3t-key")
	assert.NotContains(t, rec.Body.String(), "0xhold")

	var body struct {
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Amount int64  `json:"amount"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, o.ID, body.Order.ID)
	assert.Equal(t, "PENDING", body.Order.Status)
	assert.Equal(t, int64(100000), body.Order.Amount)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestGetOrder_Errors(t *testing.T) {
	s := testServer(t, trade.NewMemoryStore(), nil, RateLimitConfig{})

	assert.Equal(t, http.StatusBadRequest, get(s, "/api/order/not-an-id").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/api/order/"+trade.NewID()).Code)
}

type failingStore struct{}

func (failingStore) GetOrder(context.Context, string) (*trade.Order, error) {
	return nil, errors.New("connection reset")
}

func (failingStore) ListOrders(context.Context, trade.OrderFilter) ([]*trade.Order, error) {
	return nil, errors.New("connection reset")
}

func TestStoreFailuresAreInternalErrors(t *testing.T) {
	s := testServer(t, failingStore{}, nil, RateLimitConfig{})
	assert.Equal(t, http.StatusInternalServerError, get(s, "/api/order/"+trade.NewID()).Code)
	assert.Equal(t, http.StatusInternalServerError, get(s, "/api/orders").Code)
}

func TestListOrders(t *testing.T) {
	store := trade.NewMemoryStore()
	addOrder(t, store, trade.TypeSell, "USD", trade.StatusPending)
	addOrder(t, store, trade.TypeSell, "EUR", trade.StatusPending)
	addOrder(t, store, trade.TypeBuy, "USD", trade.StatusPending)
	addOrder(t, store, trade.TypeSell, "USD", trade.StatusActive)
	s := testServer(t, store, nil, RateLimitConfig{RequestsPerMinute: 600, Burst: 100})

	count := func(path string) int {
		rec := get(s, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var body struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Count
	}
	assert.Equal(t, 3, count("/api/orders"))
	assert.Equal(t, 2, count("/api/orders?type=sell"))
	assert.Equal(t, 2, count("/api/orders?fiat=usd"))
	assert.Equal(t, 1, count("/api/orders?type=sell&fiat=USD"))
	assert.Equal(t, 1, count("/api/orders?limit=1"))

	assert.Equal(t, http.StatusBadRequest, get(s, "/api/orders?type=swap").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/api/orders?limit=0").Code)
}

func TestListOrders_Paging(t *testing.T) {
	store := trade.NewMemoryStore()
	for i := 0; i < 5; i++ {
		addOrder(t, store, trade.TypeSell, "USD", trade.StatusPending)
	}
	s := testServer(t, store, nil, RateLimitConfig{RequestsPerMinute: 600, Burst: 100})

	type page struct {
		Orders []struct {
			ID string `json:"id"`
		} `json:"orders"`
		NextCursor string `json:"nextCursor"`
	}
	fetch := func(path string) page {
		rec := get(s, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		var p page
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		return p
	}

	seen := map[string]bool{}
	path := "/api/orders?limit=2"
	pages := 0
	for {
		p := fetch(path)
		pages++
		for _, o := range p.Orders {
			assert.False(t, seen[o.ID], "order %s repeated", o.ID)
			seen[o.ID] = true
		}
		if p.NextCursor == "" {
			break
		}
		path = "/api/orders?limit=2&cursor=" + p.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	assert.Equal(t, http.StatusBadRequest, get(s, "/api/orders?cursor=bm9waXBl").Code)
}

func TestHealth(t *testing.T) {
	registry := health.NewRegistry(time.Second)
	registry.Register("database", func(context.Context) health.Status { return health.Status{Healthy: true} })
	s := testServer(t, trade.NewMemoryStore(), registry, RateLimitConfig{})
	assert.Equal(t, http.StatusOK, get(s, "/health").Code)

	registry.Register("chain", func(context.Context) health.Status {
		return health.Status{Healthy: false, Detail: "dial tcp: refused"}
	})
	rec := get(s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), "dial tcp: refused")

	assert.Equal(t, http.StatusOK, get(s, "/health/live").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t, trade.NewMemoryStore(), nil, RateLimitConfig{})
	rec := get(s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRateLimitedAPI(t *testing.T) {
	s := testServer(t, trade.NewMemoryStore(), nil, RateLimitConfig{RequestsPerMinute: 60, Burst: 2})
	path := "/api/order/" + trade.NewID()

	assert.Equal(t, http.StatusNotFound, get(s, path).Code)
	assert.Equal(t, http.StatusNotFound, get(s, path).Code)
	rec := get(s, path)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health is not limited.
	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
}

func TestLimiter_Refills(t *testing.T) {
	l := NewLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 3})
	defer l.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a"))
	}
	assert.False(t, l.Allow("a"))
	l.Stop()
}
