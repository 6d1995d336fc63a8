// Package execution implements the order execution engine: pre-trade
// validation, venue submission and the wallet/allocation settlement that
// follows. The paying wallet is debited strictly after venue acceptance so a
// rejected or timed-out order never costs the follower funds.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/copytrade/internal/allocation"
	"github.com/finvex/copytrade/internal/ledger"
	"github.com/finvex/copytrade/internal/repository"
	"github.com/finvex/copytrade/internal/risk"
	"github.com/finvex/copytrade/internal/venue"
	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/metrics"
	"github.com/finvex/copytrade/pkg/models"
)

// ExecuteRequest describes one copy order to place.
type ExecuteRequest struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	LeaderID       uuid.UUID
	LeaderTradeID  *uuid.UUID
	Symbol         string
	Side           string
	Type           string
	Amount         decimal.Decimal
	Price          decimal.Decimal
}

// ExecuteResult reports the outcome of one execution attempt. Business
// rejections (validation, funds, venue refusal) come back with Success false
// and Err set so looped callers can keep going; only invariant violations and
// storage failures surface as a second return value.
type ExecuteResult struct {
	Success        bool
	Trade          *models.Trade
	OrderID        string
	ExecutedAmount decimal.Decimal
	ExecutedPrice  decimal.Decimal
	Fee            decimal.Decimal
	Err            error
}

// Service defines the execution engine operations.
type Service interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	Cancel(ctx context.Context, userID, tradeID uuid.UUID) (*ExecuteResult, error)
	CloseTrade(ctx context.Context, tradeID uuid.UUID, exitPrice decimal.Decimal, reason string) error
}

type service struct {
	logger       *zap.Logger
	ledger       ledger.Service
	allocations  allocation.Service
	risk         risk.Service
	venue        venue.Client
	trades       repository.TradeRepository
	markets      repository.MarketRepository
	subs         repository.SubscriptionRepository
	allocRepo    repository.AllocationRepository
	venueTimeout time.Duration
}

// NewService creates a new execution service
func NewService(
	logger *zap.Logger,
	ledgerSvc ledger.Service,
	allocations allocation.Service,
	riskSvc risk.Service,
	venueClient venue.Client,
	trades repository.TradeRepository,
	markets repository.MarketRepository,
	subs repository.SubscriptionRepository,
	allocRepo repository.AllocationRepository,
	venueTimeout time.Duration,
) (Service, error) {
	if venueTimeout <= 0 {
		venueTimeout = 10 * time.Second
	}
	return &service{
		logger:       logger,
		ledger:       ledgerSvc,
		allocations:  allocations,
		risk:         riskSvc,
		venue:        venueClient,
		trades:       trades,
		markets:      markets,
		subs:         subs,
		allocRepo:    allocRepo,
		venueTimeout: venueTimeout,
	}, nil
}

func rejected(err error) *ExecuteResult {
	return &ExecuteResult{Success: false, Err: err}
}

// Execute validates, funds-checks and submits one order. Checks run in a
// fixed order: market limits, price resolution, fee and cost, allocation and
// wallet funds. Nothing is reserved or debited until all checks pass, and
// the debit happens only after the venue accepts the order.
func (s *service) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return rejected(pkgerrors.NewValidation("side", "must be BUY or SELL, got %q", req.Side)), nil
	}
	if req.Type != models.OrderTypeMarket && req.Type != models.OrderTypeLimit {
		return rejected(pkgerrors.NewValidation("type", "must be MARKET or LIMIT, got %q", req.Type)), nil
	}
	if !req.Amount.IsPositive() {
		return rejected(pkgerrors.NewValidation("amount", "must be positive, got %s", req.Amount)), nil
	}

	market, err := s.markets.GetBySymbol(ctx, req.Symbol)
	if err != nil {
		return rejected(err), nil
	}
	if market.Status != models.MarketActive {
		return rejected(pkgerrors.NewValidation("symbol", "market %s is not tradable", req.Symbol)), nil
	}
	sub, err := s.subs.GetByID(ctx, req.SubscriptionID)
	if err != nil {
		return rejected(err), nil
	}

	alloc, err := s.allocRepo.GetBySubscriptionAndSymbol(ctx, req.SubscriptionID, req.Symbol)
	if err != nil {
		return rejected(err), nil
	}
	if !alloc.Active {
		return rejected(pkgerrors.NewValidation("allocation", "is deactivated")), nil
	}

	price, err := s.resolvePrice(ctx, market, req.Side, req.Type, req.Price, req.Amount)
	if err != nil {
		return rejected(err), nil
	}

	amount := s.risk.CheckPositionSize(sub, alloc, req.Side, req.Amount, price)
	if !amount.IsPositive() {
		return rejected(pkgerrors.NewValidation("amount",
			"allocation has no available funds for %s", req.Symbol)), nil
	}
	if market.MinAmount.IsPositive() && amount.LessThan(market.MinAmount) {
		return rejected(pkgerrors.NewValidation("amount",
			"%s is below the market minimum %s", amount, market.MinAmount)), nil
	}
	if market.MaxAmount.IsPositive() && amount.GreaterThan(market.MaxAmount) {
		return rejected(pkgerrors.NewValidation("amount",
			"%s exceeds the market maximum %s", amount, market.MaxAmount)), nil
	}

	fee := amount.Mul(price).Mul(market.TakerFeeRate)
	cost := amount.Mul(price)
	if req.Side == models.SideBuy {
		cost = cost.Add(fee)
	}
	if market.MinCost.IsPositive() && amount.Mul(price).LessThan(market.MinCost) {
		return rejected(pkgerrors.NewValidation("cost",
			"%s is below the market minimum cost %s", amount.Mul(price), market.MinCost)), nil
	}

	// BUY pays quote, SELL pays base.
	payLeg, payCurrency := models.LegQuote, market.QuoteCurrency
	payAmount := cost
	if req.Side == models.SideSell {
		payLeg, payCurrency = models.LegBase, market.BaseCurrency
		payAmount = amount
	}

	available := alloc.Committed(payLeg).Sub(alloc.Used(payLeg))
	if available.LessThan(payAmount) {
		return rejected(&pkgerrors.InsufficientFundsError{
			Currency:   payCurrency,
			WalletType: models.WalletTypeCopy,
			Requested:  payAmount.String(),
			Available:  available.String(),
		}), nil
	}
	wallet, err := s.ledger.GetWallet(ctx, req.UserID, payCurrency, models.WalletTypeCopy)
	if err != nil {
		return rejected(err), nil
	}
	if wallet.Available().LessThan(payAmount) {
		return rejected(&pkgerrors.InsufficientFundsError{
			Currency:   payCurrency,
			WalletType: models.WalletTypeCopy,
			Requested:  payAmount.String(),
			Available:  wallet.Available().String(),
		}), nil
	}

	stopLoss, takeProfit := s.risk.StopLevels(sub, req.Side, price)
	now := time.Now()
	trade := &models.Trade{
		ID:              uuid.New(),
		SubscriptionID:  req.SubscriptionID,
		UserID:          req.UserID,
		LeaderID:        req.LeaderID,
		LeaderTradeID:   req.LeaderTradeID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Amount:          amount,
		Price:           price,
		Fee:             fee,
		Cost:            cost,
		Status:          models.TradeStatusPending,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.trades.Create(ctx, trade); err != nil {
		return nil, err
	}

	if err := s.allocations.Reserve(ctx, alloc.ID, payLeg, payAmount); err != nil {
		if pkgerrors.IsInvariant(err) {
			return nil, err
		}
		s.failTrade(ctx, trade, err)
		return rejected(err), nil
	}

	// Hold the paying funds for the venue round trip so a concurrent order
	// cannot spend them while this one is in flight.
	if err := s.ledger.ReserveInOrder(ctx, req.UserID, payCurrency, models.WalletTypeCopy, payAmount); err != nil {
		if relErr := s.allocations.Release(ctx, alloc.ID, payLeg, payAmount); relErr != nil {
			s.logger.Error("failed to release reservation",
				zap.String("trade_id", trade.ID.String()), zap.Error(relErr))
		}
		s.failTrade(ctx, trade, err)
		return rejected(err), nil
	}

	venueCtx, cancel := context.WithTimeout(ctx, s.venueTimeout)
	defer cancel()
	orderID, err := s.venue.SubmitOrder(venueCtx, venue.OrderRequest{
		UserID: req.UserID.String(),
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Amount: amount,
		Price:  price,
	})
	if err != nil {
		// The venue refused or timed out. Nothing was debited; undo both
		// reservations and record the failure.
		s.undoReservations(ctx, trade, alloc.ID, payLeg, payCurrency, req.UserID, payAmount)
		s.failTrade(ctx, trade, err)
		return rejected(err), nil
	}

	// Venue accepted: settle the wallets. BUY pays quote and receives base,
	// SELL pays base and receives quote net of fee. The in-order hold comes
	// off first so the debit's available check sees the full balance.
	if err := s.ledger.ReleaseInOrder(ctx, req.UserID, payCurrency, models.WalletTypeCopy, payAmount); err != nil {
		return nil, fmt.Errorf("order %s accepted but hold release failed: %w", orderID, err)
	}
	if err := s.ledger.Debit(ctx, req.UserID, payCurrency, models.WalletTypeCopy, payAmount, trade.ID.String()); err != nil {
		return nil, fmt.Errorf("order %s accepted but debit failed: %w", orderID, err)
	}
	if req.Side == models.SideBuy {
		if err := s.ledger.Credit(ctx, req.UserID, market.BaseCurrency, models.WalletTypeCopy, amount, trade.ID.String()); err != nil {
			return nil, fmt.Errorf("order %s accepted but credit failed: %w", orderID, err)
		}
	} else {
		proceeds := amount.Mul(price).Sub(fee)
		if err := s.ledger.Credit(ctx, req.UserID, market.QuoteCurrency, models.WalletTypeCopy, proceeds, trade.ID.String()); err != nil {
			return nil, fmt.Errorf("order %s accepted but credit failed: %w", orderID, err)
		}
	}

	trade.Status = models.TradeStatusExecuted
	trade.VenueOrderID = orderID
	trade.ExecutedAmount = amount
	trade.ExecutedPrice = price
	if err := s.trades.Update(ctx, trade); err != nil {
		return nil, err
	}
	metrics.OrdersExecuted.WithLabelValues(req.Side).Inc()

	s.logger.Info("order executed",
		zap.String("trade_id", trade.ID.String()),
		zap.String("venue_order_id", orderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side),
		zap.String("amount", amount.String()),
		zap.String("price", price.String()))

	return &ExecuteResult{
		Success:        true,
		Trade:          trade,
		OrderID:        orderID,
		ExecutedAmount: amount,
		ExecutedPrice:  price,
		Fee:            fee,
	}, nil
}

// Cancel voids a trade stuck in PENDING. Fills settle synchronously inside
// Execute, so a trade still PENDING was interrupted before its venue
// submission completed and carries no venue order to cancel. Failures come
// back in the result, not as an error, so callers can decide whether to retry.
func (s *service) Cancel(ctx context.Context, userID, tradeID uuid.UUID) (*ExecuteResult, error) {
	trade, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return rejected(err), nil
	}
	if trade.UserID != userID {
		return rejected(pkgerrors.ErrTradeNotFound), nil
	}
	if trade.Status != models.TradeStatusPending {
		return rejected(pkgerrors.NewValidation("status", "only PENDING trades can be cancelled, got %s", trade.Status)), nil
	}

	trade.Status = models.TradeStatusCancelled
	if err := s.trades.Update(ctx, trade); err != nil {
		return nil, err
	}
	return &ExecuteResult{Success: true, Trade: trade}, nil
}

// CloseTrade exits an open position with an opposite-side market order,
// settles the wallets, releases the allocation reservation and folds the
// realized profit into the allocation stats. Closing an already-closed trade
// is a no-op.
func (s *service) CloseTrade(ctx context.Context, tradeID uuid.UUID, exitPrice decimal.Decimal, reason string) error {
	trade, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		return err
	}
	if !trade.IsOpen() {
		return nil
	}
	if !exitPrice.IsPositive() {
		return pkgerrors.NewValidation("exit_price", "must be positive, got %s", exitPrice)
	}

	market, err := s.markets.GetBySymbol(ctx, trade.Symbol)
	if err != nil {
		return err
	}
	alloc, err := s.allocRepo.GetBySubscriptionAndSymbol(ctx, trade.SubscriptionID, trade.Symbol)
	if err != nil {
		return err
	}

	closeSide := models.SideSell
	if trade.Side == models.SideSell {
		closeSide = models.SideBuy
	}

	venueCtx, cancel := context.WithTimeout(ctx, s.venueTimeout)
	defer cancel()
	orderID, err := s.venue.SubmitOrder(venueCtx, venue.OrderRequest{
		UserID: trade.UserID.String(),
		Symbol: trade.Symbol,
		Side:   closeSide,
		Type:   models.OrderTypeMarket,
		Amount: trade.ExecutedAmount,
		Price:  exitPrice,
	})
	if err != nil {
		return err
	}

	closeFee := trade.ExecutedAmount.Mul(exitPrice).Mul(market.TakerFeeRate)
	var profit decimal.Decimal
	if trade.Side == models.SideBuy {
		// Long exit: sell the base, receive quote net of fee.
		proceeds := trade.ExecutedAmount.Mul(exitPrice).Sub(closeFee)
		if err := s.ledger.Debit(ctx, trade.UserID, market.BaseCurrency, models.WalletTypeCopy, trade.ExecutedAmount, trade.ID.String()); err != nil {
			return fmt.Errorf("close order %s accepted but debit failed: %w", orderID, err)
		}
		if err := s.ledger.Credit(ctx, trade.UserID, market.QuoteCurrency, models.WalletTypeCopy, proceeds, trade.ID.String()); err != nil {
			return fmt.Errorf("close order %s accepted but credit failed: %w", orderID, err)
		}
		profit = exitPrice.Sub(trade.ExecutedPrice).Mul(trade.ExecutedAmount).Sub(closeFee)
	} else {
		// Short exit: buy the base back, pay quote plus fee.
		outlay := trade.ExecutedAmount.Mul(exitPrice).Add(closeFee)
		if err := s.ledger.Debit(ctx, trade.UserID, market.QuoteCurrency, models.WalletTypeCopy, outlay, trade.ID.String()); err != nil {
			return fmt.Errorf("close order %s accepted but debit failed: %w", orderID, err)
		}
		if err := s.ledger.Credit(ctx, trade.UserID, market.BaseCurrency, models.WalletTypeCopy, trade.ExecutedAmount, trade.ID.String()); err != nil {
			return fmt.Errorf("close order %s accepted but credit failed: %w", orderID, err)
		}
		profit = trade.ExecutedPrice.Sub(exitPrice).Mul(trade.ExecutedAmount).Sub(closeFee)
	}

	releaseLeg, releaseAmount := models.LegQuote, trade.Cost
	if trade.Side == models.SideSell {
		releaseLeg, releaseAmount = models.LegBase, trade.ExecutedAmount
	}
	if err := s.allocations.Release(ctx, alloc.ID, releaseLeg, releaseAmount); err != nil {
		if pkgerrors.IsInvariant(err) {
			return err
		}
		s.logger.Error("failed to release reservation on close",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
	if err := s.allocations.RecordTradeResult(ctx, alloc.ID, profit); err != nil {
		s.logger.Error("failed to record trade result",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}

	now := time.Now()
	trade.Status = models.TradeStatusClosed
	trade.ClosedPrice = &exitPrice
	trade.CloseReason = reason
	trade.ClosedAt = &now
	trade.Profit = profit
	if err := s.trades.Update(ctx, trade); err != nil {
		return err
	}

	s.logger.Info("trade closed",
		zap.String("trade_id", trade.ID.String()),
		zap.String("reason", reason),
		zap.String("exit_price", exitPrice.String()),
		zap.String("profit", profit.String()))
	return nil
}

// resolvePrice picks the effective price for an order. Limit orders use the
// requested price checked against the market's bounds. Market orders take
// the current best opposite-side quote, with an advisory slippage estimate
// against the visible depth.
func (s *service) resolvePrice(ctx context.Context, market *models.Market, side, orderType string, requested, amount decimal.Decimal) (decimal.Decimal, error) {
	if orderType == models.OrderTypeLimit {
		if !requested.IsPositive() {
			return decimal.Zero, pkgerrors.NewValidation("price", "must be positive for limit orders")
		}
		if market.MinPrice.IsPositive() && requested.LessThan(market.MinPrice) {
			return decimal.Zero, pkgerrors.NewValidation("price",
				"%s is below the market minimum %s", requested, market.MinPrice)
		}
		if market.MaxPrice.IsPositive() && requested.GreaterThan(market.MaxPrice) {
			return decimal.Zero, pkgerrors.NewValidation("price",
				"%s exceeds the market maximum %s", requested, market.MaxPrice)
		}
		return requested, nil
	}

	venueCtx, cancel := context.WithTimeout(ctx, s.venueTimeout)
	defer cancel()
	book, err := s.venue.FetchOrderBook(venueCtx, market.Symbol)
	if err != nil {
		return decimal.Zero, err
	}

	price := book.BestAsk()
	if side == models.SideSell {
		price = book.BestBid()
	}
	if !price.IsPositive() {
		return decimal.Zero, pkgerrors.NewValidation("order_book", "no %s depth for %s", side, market.Symbol)
	}

	if est, estErr := s.risk.ExpectedSlippage(book, side, amount, price); estErr == nil {
		s.risk.CheckSlippageLimit(est)
	}
	return price, nil
}

func (s *service) undoReservations(ctx context.Context, trade *models.Trade, allocID uuid.UUID, payLeg, payCurrency string, userID uuid.UUID, payAmount decimal.Decimal) {
	if err := s.ledger.ReleaseInOrder(ctx, userID, payCurrency, models.WalletTypeCopy, payAmount); err != nil {
		s.logger.Error("failed to release wallet hold",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
	if err := s.allocations.Release(ctx, allocID, payLeg, payAmount); err != nil {
		s.logger.Error("failed to release allocation reservation",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
}

func (s *service) failTrade(ctx context.Context, trade *models.Trade, cause error) {
	trade.Status = models.TradeStatusFailed
	trade.CloseReason = cause.Error()
	if err := s.trades.Update(ctx, trade); err != nil {
		s.logger.Error("failed to mark trade failed",
			zap.String("trade_id", trade.ID.String()), zap.Error(err))
	}
}
