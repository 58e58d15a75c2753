package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/tradebot/internal/circuitbreaker"
)

// HTTPRates fetches rates from a JSON endpoint at {BaseURL}/{FIAT}. The
// response is an object whose Field member holds the fiat price of one
// token; an "error" member marks a currency without a rate. Repeated
// upstream failures for a currency open its circuit and later lookups fail
// fast with circuitbreaker.ErrOpen.
type HTTPRates struct {
	BaseURL string
	Field   string
	TTL     time.Duration
	Client  *http.Client
	Breaker *circuitbreaker.Breaker

	mu    sync.Mutex
	cache map[string]cachedRate
	now   func() time.Time
}

type cachedRate struct {
	rate    decimal.Decimal
	fetched time.Time
}

// NewHTTPRates creates an HTTP rate source with a response cache.
func NewHTTPRates(baseURL, field string, ttl time.Duration) *HTTPRates {
	return &HTTPRates{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Field:   field,
		TTL:     ttl,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Breaker: circuitbreaker.New(3, 30*time.Second),
		cache:   make(map[string]cachedRate),
		now:     time.Now,
	}
}

func (h *HTTPRates) Rate(ctx context.Context, fiatCode string) (decimal.Decimal, error) {
	code := strings.ToUpper(fiatCode)

	h.mu.Lock()
	if c, ok := h.cache[code]; ok && h.now().Sub(c.fetched) < h.TTL {
		h.mu.Unlock()
		return c.rate, nil
	}
	h.mu.Unlock()

	var rate decimal.Decimal
	var missing bool
	err := h.Breaker.Do(code, func() error {
		var err error
		rate, err = h.fetch(ctx, code)
		if errors.Is(err, ErrNoRate) {
			// The upstream answered; the currency just has no price.
			missing = true
			return nil
		}
		return err
	})
	if missing {
		return decimal.Zero, ErrNoRate
	}
	if err != nil {
		return decimal.Zero, err
	}

	h.mu.Lock()
	h.cache[code] = cachedRate{rate: rate, fetched: h.now()}
	h.mu.Unlock()
	return rate, nil
}

func (h *HTTPRates) fetch(ctx context.Context, code string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/"+code, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch rate %s: %w", code, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fetch rate %s: status %d", code, resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate %s: %w", code, err)
	}
	if _, failed := body["error"]; failed {
		return decimal.Zero, ErrNoRate
	}
	raw, ok := body[h.Field]
	if !ok {
		return decimal.Zero, ErrNoRate
	}
	var rate decimal.Decimal
	if err := rate.UnmarshalJSON(raw); err != nil {
		return decimal.Zero, fmt.Errorf("decode rate %s: %w", code, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, ErrNoRate
	}

	return rate, nil
}
