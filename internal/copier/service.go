// Package copier derives follower orders from leader trades and fans them
// out through the execution engine. One subscription's failure never blocks
// the others; each outcome is logged and the failures are counted.
package copier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finvex/copytrade/internal/execution"
	"github.com/finvex/copytrade/internal/repository"
	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

// LeaderTrade is the event the copier consumes: a leader's just-executed
// order as reported by the platform.
type LeaderTrade struct {
	TradeID      uuid.UUID
	LeaderID     uuid.UUID
	Symbol       string
	Side         string
	Amount       decimal.Decimal
	Price        decimal.Decimal
	PositionSize decimal.Decimal
	ExecutedAt   time.Time
}

// FanOutResult reports one fan-out pass over a leader's subscriptions.
type FanOutResult struct {
	Subscriptions int `json:"subscriptions"`
	Copied        int `json:"copied"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
}

// Service derives and places copy orders.
type Service interface {
	OnLeaderTrade(ctx context.Context, lt LeaderTrade) (*FanOutResult, error)
}

type service struct {
	logger    *zap.Logger
	subs      repository.SubscriptionRepository
	allocRepo repository.AllocationRepository
	exec      execution.Service
}

// NewService creates a new copier service
func NewService(
	logger *zap.Logger,
	subs repository.SubscriptionRepository,
	allocRepo repository.AllocationRepository,
	exec execution.Service,
) (Service, error) {
	return &service{logger: logger, subs: subs, allocRepo: allocRepo, exec: exec}, nil
}

// OnLeaderTrade places one copy order per active subscription of the leader
// that holds an active allocation for the traded symbol.
func (s *service) OnLeaderTrade(ctx context.Context, lt LeaderTrade) (*FanOutResult, error) {
	if !lt.Amount.IsPositive() || !lt.Price.IsPositive() {
		return nil, pkgerrors.NewValidation("leader_trade", "amount and price must be positive")
	}

	subs, err := s.subs.ListActiveByLeader(ctx, lt.LeaderID)
	if err != nil {
		return nil, err
	}

	result := &FanOutResult{Subscriptions: len(subs)}
	for _, sub := range subs {
		alloc, err := s.allocRepo.GetBySubscriptionAndSymbol(ctx, sub.ID, lt.Symbol)
		if err != nil {
			// No allocation for this symbol means the follower opted out of
			// this market; not a failure.
			if pkgerrors.IsNotFound(err) {
				result.Skipped++
				continue
			}
			result.Failed++
			s.logger.Error("failed to load allocation",
				zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			continue
		}
		if !alloc.Active {
			result.Skipped++
			continue
		}

		amount := s.deriveAmount(sub, alloc, lt)
		if !amount.IsPositive() {
			result.Skipped++
			continue
		}

		res, err := s.exec.Execute(ctx, execution.ExecuteRequest{
			SubscriptionID: sub.ID,
			UserID:         sub.UserID,
			LeaderID:       lt.LeaderID,
			LeaderTradeID:  &lt.TradeID,
			Symbol:         lt.Symbol,
			Side:           lt.Side,
			Type:           models.OrderTypeMarket,
			Amount:         amount,
		})
		if err != nil {
			result.Failed++
			s.logger.Error("copy execution failed",
				zap.String("subscription_id", sub.ID.String()), zap.Error(err))
			continue
		}
		if !res.Success {
			result.Failed++
			s.logger.Warn("copy order rejected",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("symbol", lt.Symbol),
				zap.Error(res.Err))
			continue
		}
		result.Copied++
	}

	s.logger.Info("leader trade fanned out",
		zap.String("leader_id", lt.LeaderID.String()),
		zap.String("symbol", lt.Symbol),
		zap.Int("subscriptions", result.Subscriptions),
		zap.Int("copied", result.Copied),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

// deriveAmount computes the follower's order size for one leader trade.
//
//	PROPORTIONAL: leader amount scaled by the ratio of the follower's
//	  committed quote funds to the leader's position size, then by the
//	  subscription's copy parameter.
//	FIXED_AMOUNT: the copy parameter is a quote budget converted at the
//	  leader's price.
//	FIXED_RATIO: the copy parameter multiplies the leader amount directly.
func (s *service) deriveAmount(sub *models.Subscription, alloc *models.Allocation, lt LeaderTrade) decimal.Decimal {
	switch sub.CopyMode {
	case models.CopyModeProportional:
		if !lt.PositionSize.IsPositive() {
			return decimal.Zero
		}
		ratio := alloc.QuoteCommitted.Div(lt.PositionSize)
		param := sub.CopyParam
		if !param.IsPositive() {
			param = decimal.NewFromInt(1)
		}
		return lt.Amount.Mul(ratio).Mul(param)
	case models.CopyModeFixedAmount:
		if !sub.CopyParam.IsPositive() {
			return decimal.Zero
		}
		return sub.CopyParam.Div(lt.Price)
	case models.CopyModeFixedRatio:
		if !sub.CopyParam.IsPositive() {
			return decimal.Zero
		}
		return lt.Amount.Mul(sub.CopyParam)
	default:
		return decimal.Zero
	}
}
