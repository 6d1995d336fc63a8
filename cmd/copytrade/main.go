package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/copytrade/api"
	"github.com/finvex/copytrade/internal/allocation"
	"github.com/finvex/copytrade/internal/audit"
	"github.com/finvex/copytrade/internal/config"
	"github.com/finvex/copytrade/internal/copier"
	"github.com/finvex/copytrade/internal/database"
	"github.com/finvex/copytrade/internal/execution"
	"github.com/finvex/copytrade/internal/leaders"
	"github.com/finvex/copytrade/internal/ledger"
	"github.com/finvex/copytrade/internal/monitor"
	"github.com/finvex/copytrade/internal/repository"
	"github.com/finvex/copytrade/internal/risk"
	"github.com/finvex/copytrade/internal/venue"
	"github.com/finvex/copytrade/pkg/logger"
	"github.com/finvex/copytrade/pkg/metrics"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Schedule DB pool metrics collection every 30s
	tickerDB := time.NewTicker(30 * time.Second)
	go func() {
		for range tickerDB.C {
			if sqlDB, err := db.DB(); err == nil {
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues("postgres").Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues("postgres").Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues("postgres").Set(float64(stats.InUse))
			}
		}
	}()

	// Repositories
	subs := repository.NewSubscriptionRepository(db, zapLogger)
	trades := repository.NewTradeRepository(db, zapLogger)
	allocRepo := repository.NewAllocationRepository(db, zapLogger)
	markets := repository.NewMarketRepository(db, zapLogger)

	// Services
	ledgerSvc, err := ledger.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create ledger service", zap.Error(err))
	}
	auditSvc := audit.NewService(zapLogger, db)
	leadersSvc := leaders.NewProvider(zapLogger, db)

	allocSvc, err := allocation.NewService(zapLogger, db, ledgerSvc, auditSvc, leadersSvc, markets, subs)
	if err != nil {
		zapLogger.Fatal("Failed to create allocation service", zap.Error(err))
	}

	riskSvc, err := risk.NewService(zapLogger, decimal.NewFromFloat(cfg.Risk.MaxSlippagePercent))
	if err != nil {
		zapLogger.Fatal("Failed to create risk service", zap.Error(err))
	}

	venueClient := venue.NewHTTPClient(cfg.Venue.BaseURL, cfg.Venue.APIKey, cfg.Venue.RequestTimeout, zapLogger)

	execSvc, err := execution.NewService(
		zapLogger, ledgerSvc, allocSvc, riskSvc, venueClient,
		trades, markets, subs, allocRepo, cfg.Monitor.VenueTimeout,
	)
	if err != nil {
		zapLogger.Fatal("Failed to create execution service", zap.Error(err))
	}

	copierSvc, err := copier.NewService(zapLogger, subs, allocRepo, execSvc)
	if err != nil {
		zapLogger.Fatal("Failed to create copier service", zap.Error(err))
	}

	// Trade monitor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tradeMonitor := monitor.NewMonitor(
		zapLogger, trades, riskSvc, venueClient, execSvc, auditSvc,
		cfg.Monitor.Interval, cfg.Monitor.MaxOpenTrades,
	)
	tradeMonitor.Start(ctx)

	// API server
	apiServer := api.NewServer(zapLogger, ledgerSvc, allocSvc, execSvc, copierSvc, auditSvc, leadersSvc, subs, trades, markets)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := apiServer.Start(addr); err != nil {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down...")
	tradeMonitor.Stop()
	tickerDB.Stop()
	cancel()
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zapLogger.Info("Shutdown complete")
}
