// Package monitor implements the recurring scan over open copied positions.
// Each tick it loads the open trades that carry protective levels, reads the
// current exit price from the venue and closes the ones whose stop-loss or
// take-profit fired. One failing trade never stops the scan, and a trade
// closed by an earlier tick simply drops out of the open query, so repeated
// scans over the same state are harmless.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/copytrade/internal/audit"
	"github.com/finvex/copytrade/internal/repository"
	"github.com/finvex/copytrade/internal/risk"
	"github.com/finvex/copytrade/internal/venue"
	"github.com/finvex/copytrade/pkg/metrics"
	"github.com/finvex/copytrade/pkg/models"
)

// TradeCloser exits an open position. Implemented by the execution engine;
// declared here so the monitor does not depend on it directly.
type TradeCloser interface {
	CloseTrade(ctx context.Context, tradeID uuid.UUID, exitPrice decimal.Decimal, reason string) error
}

// ScanResult summarizes one pass over the open trades.
type ScanResult struct {
	Processed int
	Triggered int
	Failed    int
}

// Monitor runs the periodic stop-level scan.
type Monitor struct {
	logger        *zap.Logger
	trades        repository.TradeRepository
	risk          risk.Service
	venue         venue.Client
	closer        TradeCloser
	audit         audit.Ledger
	interval      time.Duration
	maxOpenTrades int

	running  int32
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a new trade monitor
func NewMonitor(
	logger *zap.Logger,
	trades repository.TradeRepository,
	riskSvc risk.Service,
	venueClient venue.Client,
	closer TradeCloser,
	auditSvc audit.Ledger,
	interval time.Duration,
	maxOpenTrades int,
) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxOpenTrades <= 0 {
		maxOpenTrades = 500
	}
	return &Monitor{
		logger:        logger,
		trades:        trades,
		risk:          riskSvc,
		venue:         venueClient,
		closer:        closer,
		audit:         auditSvc,
		interval:      interval,
		maxOpenTrades: maxOpenTrades,
		stopChan:      make(chan struct{}),
	}
}

// Start launches the scan loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}
	m.stopChan = make(chan struct{})
	m.logger.Info("trade monitor started", zap.Duration("interval", m.interval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runScan(ctx)
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("trade monitor stopped")
}

func (m *Monitor) runScan(ctx context.Context) {
	start := time.Now()
	result, err := m.Scan(ctx)
	metrics.MonitorScanLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.logger.Error("monitor scan failed", zap.Error(err))
		return
	}
	if result.Processed > 0 {
		m.logger.Info("monitor scan complete",
			zap.Int("processed", result.Processed),
			zap.Int("triggered", result.Triggered),
			zap.Int("failed", result.Failed),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Scan runs one pass: load open trades with stop levels, evaluate each
// against the current exit price and close the triggered ones. Per-trade
// failures are counted and logged, never propagated.
func (m *Monitor) Scan(ctx context.Context) (*ScanResult, error) {
	metrics.MonitorScansTotal.Inc()

	trades, err := m.trades.ListOpenWithStops(ctx, m.maxOpenTrades)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{}
	// One book fetch per symbol per scan.
	books := make(map[string]*models.OrderBookSnapshot)

	for _, trade := range trades {
		result.Processed++
		metrics.MonitorTradesProcessed.Inc()

		book, ok := books[trade.Symbol]
		if !ok {
			book, err = m.venue.FetchOrderBook(ctx, trade.Symbol)
			if err != nil {
				m.logger.Warn("failed to fetch order book",
					zap.String("symbol", trade.Symbol), zap.Error(err))
				result.Failed++
				metrics.MonitorTradeFailures.Inc()
				continue
			}
			books[trade.Symbol] = book
		}

		price := m.exitPrice(trade, book)
		if !price.IsPositive() {
			result.Failed++
			metrics.MonitorTradeFailures.Inc()
			continue
		}

		decision := m.risk.EvaluateStops(trade, price)
		if !decision.Triggered {
			continue
		}

		if err := m.closer.CloseTrade(ctx, trade.ID, price, decision.Reason); err != nil {
			m.logger.Error("failed to close triggered trade",
				zap.String("trade_id", trade.ID.String()),
				zap.String("reason", decision.Reason),
				zap.Error(err))
			result.Failed++
			metrics.MonitorTradeFailures.Inc()
			continue
		}

		result.Triggered++
		metrics.MonitorTradesTriggered.WithLabelValues(decision.Reason).Inc()

		action := audit.ActionStopLossTriggered
		if decision.Reason == risk.ReasonTakeProfit {
			action = audit.ActionTakeProfitTriggered
		}
		m.audit.RecordBestEffort(ctx, audit.Entry{
			EntityType: "trade",
			EntityID:   trade.ID,
			Action:     action,
			NewValue: map[string]string{
				"exit_price": price.String(),
				"level":      decision.Level.String(),
			},
			Reason: decision.Reason,
		})
	}

	return result, nil
}

// exitPrice is the price the position would exit at right now: the best bid
// for a long (it sells to close), the best ask for a short.
func (m *Monitor) exitPrice(trade *models.Trade, book *models.OrderBookSnapshot) decimal.Decimal {
	if trade.Side == models.SideBuy {
		return book.BestBid()
	}
	return book.BestAsk()
}
