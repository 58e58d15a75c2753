package server

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradebot/internal/events"
	"github.com/mbd888/tradebot/internal/logging"
	"github.com/mbd888/tradebot/internal/pagination"
	"github.com/mbd888/tradebot/internal/trade"
)

const (
	defaultBookLimit = 50
	maxBookLimit     = 200
)

var orderIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

func errorResponse(c *gin.Context, code int, errCode, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": errCode, "message": message})
}

// getOrder returns the public view of one order.
func (s *Server) getOrder(c *gin.Context) {
	id := strings.ToLower(c.Param("id"))
	if !orderIDPattern.MatchString(id) {
		errorResponse(c, http.StatusBadRequest, "invalid_order_id", "order id must be 24 hex characters")
		return
	}
	o, err := s.store.GetOrder(c.Request.Context(), id)
	if errors.Is(err, trade.ErrOrderNotFound) {
		errorResponse(c, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("get order failed", "order_id", id, "error", err)
		errorResponse(c, http.StatusInternalServerError, "internal_error", "could not load order")
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": events.View(o)})
}

// listOrders returns the open order book oldest first, optionally narrowed
// by type, fiat code and community. nextCursor resumes after the last order.
func (s *Server) listOrders(c *gin.Context) {
	limit := defaultBookLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorResponse(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxBookLimit)
	}
	typ := trade.OrderType(strings.ToLower(c.Query("type")))
	if typ != "" && typ != trade.TypeBuy && typ != trade.TypeSell {
		errorResponse(c, http.StatusBadRequest, "invalid_type", "type must be buy or sell")
		return
	}
	fiat := strings.ToUpper(c.Query("fiat"))
	community := c.Query("community")
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_cursor", "cursor is malformed")
		return
	}

	filter := trade.OrderFilter{Statuses: []trade.Status{trade.StatusPending}}
	if cursor != nil {
		filter.AfterCreatedAt = cursor.CreatedAt
		filter.AfterID = cursor.ID
	}
	orders, err := s.store.ListOrders(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("list orders failed", "error", err)
		errorResponse(c, http.StatusInternalServerError, "internal_error", "could not list orders")
		return
	}

	page := make([]*trade.Order, 0, min(len(orders), limit+1))
	for _, o := range orders {
		if typ != "" && o.Type != typ {
			continue
		}
		if fiat != "" && o.FiatCode != fiat {
			continue
		}
		if community != "" && o.CommunityID != community {
			continue
		}
		page = append(page, o)
		if len(page) > limit {
			break
		}
	}
	page, next := pagination.Page(page, limit, func(o *trade.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})

	views := make([]events.OrderView, len(page))
	for i, o := range page {
		views[i] = events.View(o)
	}
	c.JSON(http.StatusOK, gin.H{"orders": views, "count": len(views), "nextCursor": next})
}
