// Package risk implements the pre-trade and in-trade risk checks: position
// sizing caps, stop-loss and take-profit evaluation, and order book slippage
// estimation. All checks are pure calculations over inputs the caller
// supplies; the service holds no trading state.
package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

var hundred = decimal.NewFromInt(100)

// StopDecision is the outcome of evaluating a trade's protective levels
// against a current price.
type StopDecision struct {
	Triggered bool
	Reason    string
	// Level is the price at which the triggered protection was set.
	Level decimal.Decimal
}

// Stop trigger reasons
const (
	ReasonStopLoss   = "STOP_LOSS"
	ReasonTakeProfit = "TAKE_PROFIT"
)

// SlippageEstimate is the result of walking the order book for an intended
// order size.
type SlippageEstimate struct {
	// EffectivePrice is the volume-weighted fill price over the levels the
	// order would consume.
	EffectivePrice decimal.Decimal
	// SlippagePercent is the relative distance from the reference price,
	// positive when the fill is worse than the reference.
	SlippagePercent decimal.Decimal
	// FillableAmount is how much of the requested amount the visible book
	// can absorb.
	FillableAmount decimal.Decimal
}

// Service defines the risk checks.
type Service interface {
	CheckPositionSize(sub *models.Subscription, alloc *models.Allocation, side string, amount, price decimal.Decimal) decimal.Decimal
	StopLevels(sub *models.Subscription, side string, entryPrice decimal.Decimal) (stopLoss, takeProfit *decimal.Decimal)
	EvaluateStops(trade *models.Trade, currentPrice decimal.Decimal) StopDecision
	ExpectedSlippage(book *models.OrderBookSnapshot, side string, amount, referencePrice decimal.Decimal) (*SlippageEstimate, error)
	CheckSlippageLimit(estimate *SlippageEstimate) bool
}

type service struct {
	logger             *zap.Logger
	maxSlippagePercent decimal.Decimal
}

// NewService creates a new risk service
func NewService(logger *zap.Logger, maxSlippagePercent decimal.Decimal) (Service, error) {
	if maxSlippagePercent.IsZero() {
		maxSlippagePercent = decimal.NewFromInt(2)
	}
	return &service{logger: logger, maxSlippagePercent: maxSlippagePercent}, nil
}

// CheckPositionSize caps amount at the subscription's max position size and
// then at what the allocation's unreserved funds can pay for. Oversized
// copies are scaled down rather than rejected so the follower stays in the
// leader's trade at reduced exposure; a zero result means the allocation has
// nothing left and the caller skips the trade.
func (s *service) CheckPositionSize(sub *models.Subscription, alloc *models.Allocation, side string, amount, price decimal.Decimal) decimal.Decimal {
	capped := amount
	if !sub.MaxPositionSize.IsZero() && capped.GreaterThan(sub.MaxPositionSize) {
		capped = sub.MaxPositionSize
	}
	if alloc != nil {
		if side == models.SideBuy {
			if price.IsPositive() {
				affordable := alloc.AvailableQuote().Div(price)
				if capped.GreaterThan(affordable) {
					capped = affordable
				}
			}
		} else {
			availableBase := alloc.BaseCommitted.Sub(alloc.BaseUsed)
			if capped.GreaterThan(availableBase) {
				capped = availableBase
			}
		}
	}
	if capped.IsNegative() {
		capped = decimal.Zero
	}
	if !capped.Equal(amount) {
		s.logger.Debug("position size capped",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("requested", amount.String()),
			zap.String("capped", capped.String()))
	}
	return capped
}

// StopLevels derives the absolute stop-loss and take-profit prices from the
// subscription's percentage settings and the entry price. Direction matters:
// a long position stops below entry and takes profit above, a short position
// the other way around.
func (s *service) StopLevels(sub *models.Subscription, side string, entryPrice decimal.Decimal) (*decimal.Decimal, *decimal.Decimal) {
	var stopLoss, takeProfit *decimal.Decimal
	if sub.StopLossPct != nil && sub.StopLossPct.IsPositive() {
		delta := entryPrice.Mul(sub.StopLossPct.Div(hundred))
		var level decimal.Decimal
		if side == models.SideBuy {
			level = entryPrice.Sub(delta)
		} else {
			level = entryPrice.Add(delta)
		}
		stopLoss = &level
	}
	if sub.TakeProfitPct != nil && sub.TakeProfitPct.IsPositive() {
		delta := entryPrice.Mul(sub.TakeProfitPct.Div(hundred))
		var level decimal.Decimal
		if side == models.SideBuy {
			level = entryPrice.Add(delta)
		} else {
			level = entryPrice.Sub(delta)
		}
		takeProfit = &level
	}
	return stopLoss, takeProfit
}

// EvaluateStops decides whether a trade's protective levels fire at the
// current price. Stop-loss wins when both would fire on the same tick.
func (s *service) EvaluateStops(trade *models.Trade, currentPrice decimal.Decimal) StopDecision {
	long := trade.Side == models.SideBuy

	if trade.StopLossPrice != nil {
		sl := *trade.StopLossPrice
		if (long && currentPrice.LessThanOrEqual(sl)) || (!long && currentPrice.GreaterThanOrEqual(sl)) {
			return StopDecision{Triggered: true, Reason: ReasonStopLoss, Level: sl}
		}
	}
	if trade.TakeProfitPrice != nil {
		tp := *trade.TakeProfitPrice
		if (long && currentPrice.GreaterThanOrEqual(tp)) || (!long && currentPrice.LessThanOrEqual(tp)) {
			return StopDecision{Triggered: true, Reason: ReasonTakeProfit, Level: tp}
		}
	}
	return StopDecision{}
}

// ExpectedSlippage walks the book on the side the order would consume
// (asks for a BUY, bids for a SELL) and returns the volume-weighted
// effective price against the reference price.
func (s *service) ExpectedSlippage(book *models.OrderBookSnapshot, side string, amount, referencePrice decimal.Decimal) (*SlippageEstimate, error) {
	if !amount.IsPositive() {
		return nil, pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}
	if !referencePrice.IsPositive() {
		return nil, pkgerrors.NewValidation("reference_price", "must be positive, got %s", referencePrice)
	}

	levels := book.Asks
	if side == models.SideSell {
		levels = book.Bids
	}

	remaining := amount
	cost := decimal.Zero
	filled := decimal.Zero
	for _, level := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, level.Amount)
		cost = cost.Add(take.Mul(level.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if filled.IsZero() {
		return nil, pkgerrors.NewValidation("order_book", "no depth on %s side for %s", side, book.Symbol)
	}

	// Absolute deviation: a fill on the favorable side of the reference
	// still counts against the tolerance.
	effective := cost.Div(filled)
	diff := effective.Sub(referencePrice).Abs()
	slippage := diff.Div(referencePrice).Mul(hundred)

	return &SlippageEstimate{
		EffectivePrice:  effective,
		SlippagePercent: slippage,
		FillableAmount:  filled,
	}, nil
}

// CheckSlippageLimit reports whether the estimate stays within the
// configured tolerance. Advisory: callers log and decide, the check never
// blocks on its own.
func (s *service) CheckSlippageLimit(estimate *SlippageEstimate) bool {
	ok := estimate.SlippagePercent.LessThanOrEqual(s.maxSlippagePercent)
	if !ok {
		s.logger.Warn("expected slippage above tolerance",
			zap.String("slippage_percent", estimate.SlippagePercent.String()),
			zap.String("max_percent", s.maxSlippagePercent.String()))
	}
	return ok
}
