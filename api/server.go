// Package api exposes the custody ledger and order escrow operations over
// HTTP. Handlers are thin: they parse addresses and amounts, call the
// service, and map error kinds to status codes. All invariants live in the
// services.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finbask/finbask/internal/custody"
	"github.com/finbask/finbask/internal/escrow"
	"github.com/finbask/finbask/internal/journal"
	"github.com/finbask/finbask/pkg/errors"
)

// Server represents the API server
type Server struct {
	router  *gin.Engine
	logger  *zap.Logger
	custody *custody.Service
	escrow  *escrow.Service
	journal *journal.Journal

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new API server. journal may be nil when event listing
// is not exposed.
func NewServer(logger *zap.Logger, custodySvc *custody.Service, escrowSvc *escrow.Service, j *journal.Journal, registry *prometheus.Registry) *Server {
	server := &Server{
		logger:  logger,
		custody: custodySvc,
		escrow:  escrowSvc,
		journal: j,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	server.router = router
	server.registerRoutes()
	return server
}

// Start listens on addr and serves until Shutdown is called or the listener
// fails
func (s *Server) Start(addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight requests
// until ctx expires
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the underlying gin engine; used by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/api/v1")

	c := v1.Group("/custody")
	{
		c.POST("/bundle", s.handleBundle)
		c.POST("/debundle", s.handleDebundle)
		c.POST("/burn", s.handleBurn)
		c.POST("/withdraw", s.handleWithdraw)
		c.POST("/transfer", s.handleTransfer)
		c.POST("/approve", s.handleApprove)
		c.POST("/fee-recipient", s.handleCustodyFeeRecipient)
		c.POST("/fee-rate", s.handleCustodyFeeRate)
		c.GET("/balance/:address", s.handleBalance)
		c.GET("/outstanding/:address/:token", s.handleOutstanding)
		c.GET("/supply", s.handleSupply)
	}

	e := v1.Group("/escrow")
	{
		e.POST("/orders/buy", s.handleCreateBuyOrder)
		e.POST("/orders/sell", s.handleCreateSellOrder)
		e.POST("/orders/buy/cancel", s.handleCancelBuyOrder)
		e.POST("/orders/sell/cancel", s.handleCancelSellOrder)
		e.POST("/orders/buy/fill", s.handleFillBuyOrder)
		e.POST("/orders/sell/fill", s.handleFillSellOrder)
		e.POST("/fee-recipient", s.handleEscrowFeeRecipient)
		e.POST("/fee-rate", s.handleEscrowFeeRate)
		e.GET("/orders/:index", s.handleGetOrder)
	}

	if s.journal != nil {
		v1.GET("/events", s.handleListEvents)
	}
}

// abortWithError maps an error kind to an HTTP status and writes the error body
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrNotWhitelisted), errors.Is(err, errors.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, errors.ErrInsufficientBalance), errors.Is(err, errors.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrOrderAlreadyExists), errors.Is(err, errors.ErrOrderAlreadyFilled):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrOrderExpired):
		status = http.StatusGone
	}
	var e *errors.Error
	if errors.As(err, &e) {
		c.AbortWithStatusJSON(status, e)
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"kind": "Unknown", "message": err.Error()})
}
