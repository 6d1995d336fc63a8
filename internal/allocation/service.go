// Package allocation implements the per (subscription, market) fund pools
// committed to copying a leader. Funding moves SPOT -> COPY through the
// ledger inside the same database transaction as the allocation mutation,
// and every mutation produces one audit entry.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/finvex/copytrade/internal/audit"
	"github.com/finvex/copytrade/internal/leaders"
	"github.com/finvex/copytrade/internal/ledger"
	"github.com/finvex/copytrade/internal/repository"
	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

// Snapshot captures the committed/used amounts for audit old/new values.
type Snapshot struct {
	BaseCommitted  decimal.Decimal `json:"base_committed"`
	QuoteCommitted decimal.Decimal `json:"quote_committed"`
	BaseUsed       decimal.Decimal `json:"base_used"`
	QuoteUsed      decimal.Decimal `json:"quote_used"`
}

func snapshotOf(a *models.Allocation) Snapshot {
	return Snapshot{
		BaseCommitted:  a.BaseCommitted,
		QuoteCommitted: a.QuoteCommitted,
		BaseUsed:       a.BaseUsed,
		QuoteUsed:      a.QuoteUsed,
	}
}

// Service defines the allocation store operations.
type Service interface {
	CreateAllocation(ctx context.Context, subscriptionID uuid.UUID, symbol string, baseAmount, quoteAmount decimal.Decimal) (*models.Allocation, error)
	AddFunds(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) (*models.Allocation, error)
	Reserve(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) error
	Release(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) error
	RecordTradeResult(ctx context.Context, allocationID uuid.UUID, profit decimal.Decimal) error
	Deactivate(ctx context.Context, allocationID uuid.UUID, actorID uuid.UUID) error
	Get(ctx context.Context, allocationID uuid.UUID) (*models.Allocation, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*models.Allocation, error)
}

type service struct {
	logger  *zap.Logger
	db      *gorm.DB
	ledger  ledger.Service
	audit   audit.Ledger
	leaders leaders.Provider
	markets repository.MarketRepository
	subs    repository.SubscriptionRepository
}

// NewService creates a new allocation service
func NewService(
	logger *zap.Logger,
	db *gorm.DB,
	ledgerSvc ledger.Service,
	auditSvc audit.Ledger,
	leadersSvc leaders.Provider,
	markets repository.MarketRepository,
	subs repository.SubscriptionRepository,
) (Service, error) {
	return &service{
		logger:  logger,
		db:      db,
		ledger:  ledgerSvc,
		audit:   auditSvc,
		leaders: leadersSvc,
		markets: markets,
		subs:    subs,
	}, nil
}

// CreateAllocation creates and funds the pool for one (subscription, symbol)
// pair. The wallet transfer and the allocation row commit atomically; if the
// transfer fails the allocation is not touched.
func (s *service) CreateAllocation(ctx context.Context, subscriptionID uuid.UUID, symbol string, baseAmount, quoteAmount decimal.Decimal) (*models.Allocation, error) {
	if baseAmount.IsNegative() || quoteAmount.IsNegative() {
		return nil, pkgerrors.NewValidation("amount", "must not be negative")
	}
	if baseAmount.IsZero() && quoteAmount.IsZero() {
		return nil, pkgerrors.NewValidation("amount", "at least one of base or quote amount must be positive")
	}

	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubscriptionActive {
		return nil, pkgerrors.NewValidation("subscription", "is %s, only active subscriptions can allocate funds", sub.Status)
	}

	market, err := s.markets.GetBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	declaration, err := s.leaders.GetLeaderMarket(ctx, sub.LeaderID, symbol)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrMarketNotFound) {
			return nil, pkgerrors.NewValidation("symbol", "%s is not declared by the leader", symbol)
		}
		return nil, err
	}
	if !declaration.IsActive {
		return nil, pkgerrors.NewValidation("symbol", "%s is not active for this leader", symbol)
	}

	if err := checkLeaderMinimum(declaration, baseAmount, quoteAmount); err != nil {
		return nil, err
	}

	if _, err := s.allocationBySubSymbol(ctx, subscriptionID, symbol); err == nil {
		return nil, pkgerrors.NewValidation("allocation", "already exists for %s, use add-funds", symbol)
	} else if !errors.Is(err, pkgerrors.ErrAllocationNotFound) {
		return nil, err
	}

	now := time.Now()
	alloc := &models.Allocation{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		Symbol:         symbol,
		BaseCurrency:   market.BaseCurrency,
		QuoteCurrency:  market.QuoteCurrency,
		BaseCommitted:  baseAmount,
		QuoteCommitted: quoteAmount,
		BaseUsed:       decimal.Zero,
		QuoteUsed:      decimal.Zero,
		Profit:         decimal.Zero,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Ring-fence the funds first: general wallet -> copy wallet. A failed
		// transfer aborts the whole transaction.
		if baseAmount.IsPositive() {
			if _, err := s.ledger.TransferTx(tx, ledger.TransferRequest{
				UserID:      sub.UserID,
				FromType:    models.WalletTypeSpot,
				ToType:      models.WalletTypeCopy,
				Currency:    market.BaseCurrency,
				Amount:      baseAmount,
				Reference:   alloc.ID.String(),
				Description: fmt.Sprintf("allocation funding %s", symbol),
			}); err != nil {
				return err
			}
		}
		if quoteAmount.IsPositive() {
			if _, err := s.ledger.TransferTx(tx, ledger.TransferRequest{
				UserID:      sub.UserID,
				FromType:    models.WalletTypeSpot,
				ToType:      models.WalletTypeCopy,
				Currency:    market.QuoteCurrency,
				Amount:      quoteAmount,
				Reference:   alloc.ID.String(),
				Description: fmt.Sprintf("allocation funding %s", symbol),
			}); err != nil {
				return err
			}
		}

		if err := tx.Create(alloc).Error; err != nil {
			return fmt.Errorf("failed to create allocation: %w", err)
		}

		return s.audit.Record(ctx, tx, audit.Entry{
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     audit.ActionAllocationCreated,
			NewValue:   snapshotOf(alloc),
			ActorID:    sub.UserID,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("allocation created",
		zap.String("allocation_id", alloc.ID.String()),
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("symbol", symbol),
		zap.String("base", baseAmount.String()),
		zap.String("quote", quoteAmount.String()))

	return alloc, nil
}

// AddFunds commits additional funds to one leg of an existing allocation.
func (s *service) AddFunds(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) (*models.Allocation, error) {
	if err := validateLeg(leg); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}

	var updated *models.Allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		alloc, err := lockAllocation(tx, allocationID)
		if err != nil {
			return err
		}
		if !alloc.Active {
			return pkgerrors.NewValidation("allocation", "is deactivated")
		}

		// Both lookups stay on tx so they share the connection holding the
		// allocation row lock.
		sub, err := subscriptionInTx(tx, alloc.SubscriptionID)
		if err != nil {
			return err
		}

		declaration, err := leaderMarketInTx(tx, sub.LeaderID, alloc.Symbol)
		if err != nil {
			return err
		}

		before := snapshotOf(alloc)
		currency := alloc.QuoteCurrency
		if leg == models.LegBase {
			currency = alloc.BaseCurrency
			alloc.BaseCommitted = alloc.BaseCommitted.Add(amount)
			if alloc.BaseCommitted.LessThan(declaration.MinBase) {
				return pkgerrors.NewValidation("base_amount",
					"committed %s is below the leader minimum %s", alloc.BaseCommitted, declaration.MinBase)
			}
		} else {
			alloc.QuoteCommitted = alloc.QuoteCommitted.Add(amount)
			if alloc.QuoteCommitted.LessThan(declaration.MinQuote) {
				return pkgerrors.NewValidation("quote_amount",
					"committed %s is below the leader minimum %s", alloc.QuoteCommitted, declaration.MinQuote)
			}
		}

		// Transfer before the committed-amount write, same transaction.
		if _, err := s.ledger.TransferTx(tx, ledger.TransferRequest{
			UserID:      sub.UserID,
			FromType:    models.WalletTypeSpot,
			ToType:      models.WalletTypeCopy,
			Currency:    currency,
			Amount:      amount,
			Reference:   alloc.ID.String(),
			Description: fmt.Sprintf("add funds %s", alloc.Symbol),
		}); err != nil {
			return err
		}

		if err := saveAllocation(tx, alloc); err != nil {
			return err
		}
		updated = alloc

		return s.audit.Record(ctx, tx, audit.Entry{
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     audit.ActionFundsAdded,
			OldValue:   before,
			NewValue:   snapshotOf(alloc),
			ActorID:    sub.UserID,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Reserve marks funds of one leg as used by an opening trade.
func (s *service) Reserve(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) error {
	return s.adjustUsed(ctx, allocationID, leg, amount, audit.ActionFundsReserved)
}

// Release returns reserved funds of one leg when a trade closes.
func (s *service) Release(ctx context.Context, allocationID uuid.UUID, leg string, amount decimal.Decimal) error {
	return s.adjustUsed(ctx, allocationID, leg, amount.Neg(), audit.ActionFundsReleased)
}

func (s *service) adjustUsed(ctx context.Context, allocationID uuid.UUID, leg string, delta decimal.Decimal, action string) error {
	if err := validateLeg(leg); err != nil {
		return err
	}
	if delta.IsZero() {
		return pkgerrors.NewValidation("amount", "must be positive")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		alloc, err := lockAllocation(tx, allocationID)
		if err != nil {
			return err
		}
		before := snapshotOf(alloc)

		if leg == models.LegBase {
			alloc.BaseUsed = alloc.BaseUsed.Add(delta)
		} else {
			alloc.QuoteUsed = alloc.QuoteUsed.Add(delta)
		}

		// used must stay within [0, committed]. A violation here means the
		// execution engine skipped its available-funds check; it is a logic
		// bug, not a recoverable condition.
		if err := checkUsedInvariant(alloc); err != nil {
			s.logger.Error("allocation invariant violated",
				zap.String("allocation_id", alloc.ID.String()),
				zap.Error(err))
			return err
		}

		if err := saveAllocation(tx, alloc); err != nil {
			return err
		}

		return s.audit.Record(ctx, tx, audit.Entry{
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     action,
			OldValue:   before,
			NewValue:   snapshotOf(alloc),
		})
	})
}

// RecordTradeResult folds a closed trade's profit into the allocation stats.
func (s *service) RecordTradeResult(ctx context.Context, allocationID uuid.UUID, profit decimal.Decimal) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		alloc, err := lockAllocation(tx, allocationID)
		if err != nil {
			return err
		}
		before := snapshotOf(alloc)

		alloc.Profit = alloc.Profit.Add(profit)
		alloc.TradeCount++
		if profit.IsPositive() {
			alloc.WinCount++
		}

		if err := saveAllocation(tx, alloc); err != nil {
			return err
		}

		return s.audit.Record(ctx, tx, audit.Entry{
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     audit.ActionAllocationStats,
			OldValue:   before,
			NewValue:   snapshotOf(alloc),
			Reason:     fmt.Sprintf("trade closed, profit %s", profit),
		})
	})
}

// Deactivate soft-deactivates an allocation, preserving its history.
func (s *service) Deactivate(ctx context.Context, allocationID uuid.UUID, actorID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		alloc, err := lockAllocation(tx, allocationID)
		if err != nil {
			return err
		}
		if !alloc.BaseUsed.IsZero() || !alloc.QuoteUsed.IsZero() {
			return pkgerrors.NewValidation("allocation", "has funds reserved in open trades")
		}
		if !alloc.Active {
			return nil
		}
		alloc.Active = false
		if err := saveAllocation(tx, alloc); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.Entry{
			EntityType: "allocation",
			EntityID:   alloc.ID,
			Action:     audit.ActionAllocationDeactivated,
			NewValue:   snapshotOf(alloc),
			ActorID:    actorID,
		})
	})
}

// Get returns one allocation.
func (s *service) Get(ctx context.Context, allocationID uuid.UUID) (*models.Allocation, error) {
	var alloc models.Allocation
	err := s.db.WithContext(ctx).Where("id = ?", allocationID).First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrAllocationNotFound
		}
		return nil, fmt.Errorf("failed to find allocation: %w", err)
	}
	return &alloc, nil
}

// ListBySubscription returns all allocations of one subscription.
func (s *service) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*models.Allocation, error) {
	var allocs []*models.Allocation
	err := s.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Find(&allocs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocs, nil
}

func (s *service) allocationBySubSymbol(ctx context.Context, subscriptionID uuid.UUID, symbol string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND symbol = ?", subscriptionID, symbol).
		First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrAllocationNotFound
		}
		return nil, fmt.Errorf("failed to find allocation: %w", err)
	}
	return &alloc, nil
}

func checkLeaderMinimum(declaration *models.LeaderMarket, baseAmount, quoteAmount decimal.Decimal) error {
	if baseAmount.IsPositive() && baseAmount.LessThan(declaration.MinBase) {
		return pkgerrors.NewValidation("base_amount",
			"%s is below the leader minimum %s", baseAmount, declaration.MinBase)
	}
	if quoteAmount.IsPositive() && quoteAmount.LessThan(declaration.MinQuote) {
		return pkgerrors.NewValidation("quote_amount",
			"%s is below the leader minimum %s", quoteAmount, declaration.MinQuote)
	}
	return nil
}

func checkUsedInvariant(alloc *models.Allocation) error {
	if alloc.BaseUsed.IsNegative() || alloc.BaseUsed.GreaterThan(alloc.BaseCommitted) {
		return pkgerrors.NewInvariant("used_within_committed",
			"base used %s outside [0, %s] for allocation %s", alloc.BaseUsed, alloc.BaseCommitted, alloc.ID)
	}
	if alloc.QuoteUsed.IsNegative() || alloc.QuoteUsed.GreaterThan(alloc.QuoteCommitted) {
		return pkgerrors.NewInvariant("used_within_committed",
			"quote used %s outside [0, %s] for allocation %s", alloc.QuoteUsed, alloc.QuoteCommitted, alloc.ID)
	}
	return nil
}

func validateLeg(leg string) error {
	if leg != models.LegBase && leg != models.LegQuote {
		return pkgerrors.NewValidation("leg", "must be BASE or QUOTE, got %q", leg)
	}
	return nil
}

func saveAllocation(tx *gorm.DB, alloc *models.Allocation) error {
	alloc.UpdatedAt = time.Now()
	if err := tx.Save(alloc).Error; err != nil {
		return fmt.Errorf("failed to save allocation: %w", err)
	}
	return nil
}

func subscriptionInTx(tx *gorm.DB, subscriptionID uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("id = ?", subscriptionID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return &sub, nil
}

func leaderMarketInTx(tx *gorm.DB, leaderID uuid.UUID, symbol string) (*models.LeaderMarket, error) {
	var declaration models.LeaderMarket
	err := tx.Where("leader_id = ? AND symbol = ?", leaderID, symbol).First(&declaration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrMarketNotFound
		}
		return nil, fmt.Errorf("failed to find leader market: %w", err)
	}
	return &declaration, nil
}

func lockAllocation(tx *gorm.DB, allocationID uuid.UUID) (*models.Allocation, error) {
	q := tx
	// sqlite rejects FOR UPDATE and serializes writers on its own.
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var alloc models.Allocation
	err := q.Where("id = ?", allocationID).First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrAllocationNotFound
		}
		return nil, fmt.Errorf("failed to lock allocation: %w", err)
	}
	return &alloc, nil
}
