// Package api exposes the copy-trading operations over HTTP. Routing,
// middleware and the response envelope follow one pattern: every handler
// validates its input, calls exactly one service method and maps typed
// errors to status codes in respondError.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finvex/copytrade/internal/allocation"
	"github.com/finvex/copytrade/internal/audit"
	"github.com/finvex/copytrade/internal/copier"
	"github.com/finvex/copytrade/internal/execution"
	"github.com/finvex/copytrade/internal/leaders"
	"github.com/finvex/copytrade/internal/ledger"
	"github.com/finvex/copytrade/internal/repository"
)

// Server is the HTTP front of the copy-trading engine.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	validator   *validator.Validate
	ledger      ledger.Service
	allocations allocation.Service
	execution   execution.Service
	copier      copier.Service
	audit       audit.Ledger
	leaders     leaders.Provider
	subs        repository.SubscriptionRepository
	trades      repository.TradeRepository
	markets     repository.MarketRepository
}

// NewServer creates a new API server with injected service interfaces
func NewServer(
	logger *zap.Logger,
	ledgerSvc ledger.Service,
	allocations allocation.Service,
	executionSvc execution.Service,
	copierSvc copier.Service,
	auditSvc audit.Ledger,
	leadersSvc leaders.Provider,
	subs repository.SubscriptionRepository,
	trades repository.TradeRepository,
	markets repository.MarketRepository,
) *Server {
	server := &Server{
		logger:      logger,
		validator:   validator.New(),
		ledger:      ledgerSvc,
		allocations: allocations,
		execution:   executionSvc,
		copier:      copierSvc,
		audit:       auditSvc,
		leaders:     leadersSvc,
		subs:        subs,
		trades:      trades,
		markets:     markets,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Platform-internal ingest of leader trade events. Not exposed through
	// the public gateway; reachable only on the service network.
	s.router.POST("/internal/v1/leader-trades", s.ingestLeaderTrade)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.requireUser())
	{
		subs := v1.Group("/subscriptions")
		{
			subs.POST("", s.createSubscription)
			subs.GET("", s.listSubscriptions)
			subs.PUT("/:id/pause", s.pauseSubscription)
			subs.PUT("/:id/resume", s.resumeSubscription)
			subs.DELETE("/:id", s.stopSubscription)
			subs.GET("/:id/allocations", s.listAllocations)
		}

		allocs := v1.Group("/allocations")
		{
			allocs.POST("", s.createAllocation)
			allocs.GET("/:id", s.getAllocation)
			allocs.POST("/:id/funds", s.addFunds)
			allocs.DELETE("/:id", s.deactivateAllocation)
			allocs.GET("/:id/audit", s.listAllocationAudit)
		}

		trades := v1.Group("/trades")
		{
			trades.GET("", s.listTrades)
			trades.GET("/:id", s.getTrade)
			trades.DELETE("/:id", s.cancelTrade)
		}

		wallet := v1.Group("/wallet")
		{
			wallet.GET("/balance", s.getWalletBalance)
			wallet.GET("/transactions", s.listWalletTransactions)
		}

		v1.GET("/markets", s.listMarkets)
		v1.GET("/leaders/:id/markets", s.listLeaderMarkets)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
