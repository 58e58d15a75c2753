// Package server is the public read-only HTTP surface: health, metrics,
// order lookup, the open order book and the live order feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradebot/internal/health"
	"github.com/mbd888/tradebot/internal/metrics"
	"github.com/mbd888/tradebot/internal/realtime"
	"github.com/mbd888/tradebot/internal/trade"
)

// OrderReader is the part of the store the server reads.
type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*trade.Order, error)
	ListOrders(ctx context.Context, f trade.OrderFilter) ([]*trade.Order, error)
}

// Config for the HTTP server.
type Config struct {
	Port       string
	Production bool
	RateLimit  RateLimitConfig
	// ShutdownGrace is how long in-flight requests get on shutdown.
	ShutdownGrace time.Duration
}

// Server serves the HTTP API.
type Server struct {
	cfg     Config
	store   OrderReader
	hub     *realtime.Hub
	health  *health.Registry
	logger  *slog.Logger
	limiter *Limiter
	router  *gin.Engine
	httpSrv *http.Server
}

// New builds the router. hub may be nil, which disables /ws/orders.
func New(cfg Config, store OrderReader, hub *realtime.Hub, registry *health.Registry, logger *slog.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if registry == nil {
		registry = health.NewRegistry(0)
	}
	s := &Server{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		health:  registry,
		logger:  logger,
		limiter: NewLimiter(cfg.RateLimit),
		router:  gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(s.recovery())
	s.router.Use(headers())
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestID())
	s.router.Use(s.accessLog())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api", s.limiter.Middleware())
	api.GET("/order/:id", s.getOrder)
	api.GET("/orders", s.listOrders)

	if s.hub != nil {
		s.router.GET("/ws/orders", s.limiter.Middleware(), func(c *gin.Context) {
			s.hub.HandleWebSocket(c.Writer, c.Request)
		})
	}
}

type healthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, healthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.limiter.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.limiter.Stop()
	if err != nil {
		s.logger.Error("http shutdown error", "error", err)
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}
