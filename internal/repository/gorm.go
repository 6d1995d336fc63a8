package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

// GormSubscriptionRepository implements SubscriptionRepository using GORM
type GormSubscriptionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSubscriptionRepository creates a GORM-based subscription repository
func NewSubscriptionRepository(db *gorm.DB, logger *zap.Logger) SubscriptionRepository {
	return &GormSubscriptionRepository{db: db, logger: logger}
}

func (r *GormSubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *GormSubscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	return &sub, nil
}

func (r *GormSubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

func (r *GormSubscriptionRepository) ListActiveByLeader(ctx context.Context, leaderID uuid.UUID) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := r.db.WithContext(ctx).
		Where("leader_id = ? AND status = ? AND deleted_at IS NULL", leaderID, models.SubscriptionActive).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (r *GormSubscriptionRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// GormAllocationRepository implements AllocationRepository using GORM
type GormAllocationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewAllocationRepository creates a GORM-based allocation repository
func NewAllocationRepository(db *gorm.DB, logger *zap.Logger) AllocationRepository {
	return &GormAllocationRepository{db: db, logger: logger}
}

func (r *GormAllocationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Allocation, error) {
	var alloc models.Allocation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrAllocationNotFound
		}
		return nil, fmt.Errorf("failed to find allocation: %w", err)
	}
	return &alloc, nil
}

func (r *GormAllocationRepository) GetBySubscriptionAndSymbol(ctx context.Context, subscriptionID uuid.UUID, symbol string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := r.db.WithContext(ctx).
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

func (r *GormAllocationRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*models.Allocation, error) {
	var allocs []*models.Allocation
	err := r.db.WithContext(ctx).Where("subscription_id = ?", subscriptionID).Find(&allocs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	return allocs, nil
}

// GormTradeRepository implements TradeRepository using GORM
type GormTradeRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewTradeRepository creates a GORM-based trade repository
func NewTradeRepository(db *gorm.DB, logger *zap.Logger) TradeRepository {
	return &GormTradeRepository{db: db, logger: logger}
}

func (r *GormTradeRepository) Create(ctx context.Context, trade *models.Trade) error {
	if err := r.db.WithContext(ctx).Create(trade).Error; err != nil {
		r.logger.Error("failed to create trade", zap.Error(err), zap.String("trade_id", trade.ID.String()))
		return fmt.Errorf("failed to create trade: %w", err)
	}
	return nil
}

func (r *GormTradeRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error) {
	var trade models.Trade
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrTradeNotFound
		}
		return nil, fmt.Errorf("failed to find trade: %w", err)
	}
	return &trade, nil
}

func (r *GormTradeRepository) Update(ctx context.Context, trade *models.Trade) error {
	trade.UpdatedAt = time.Now()
	if err := r.db.WithContext(ctx).Save(trade).Error; err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	return nil
}

func (r *GormTradeRepository) ListOpenWithStops(ctx context.Context, limit int) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{models.TradeStatusExecuted, models.TradeStatusPartial}).
		Where("stop_loss_price IS NOT NULL OR take_profit_price IS NOT NULL").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open trades: %w", err)
	}
	return trades, nil
}

func (r *GormTradeRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*models.Trade, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Trade{}).Where("subscription_id = ?", subscriptionID)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	var trades []*models.Trade
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&trades).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, count, nil
}

func (r *GormTradeRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Trade, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Trade{}).Where("user_id = ?", userID)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	var trades []*models.Trade
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&trades).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, count, nil
}

// GormMarketRepository implements MarketRepository using GORM
type GormMarketRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewMarketRepository creates a GORM-based market repository
func NewMarketRepository(db *gorm.DB, logger *zap.Logger) MarketRepository {
	return &GormMarketRepository{db: db, logger: logger}
}

func (r *GormMarketRepository) GetBySymbol(ctx context.Context, symbol string) (*models.Market, error) {
	var market models.Market
	err := r.db.WithContext(ctx).Where("symbol = ?", symbol).First(&market).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrMarketNotFound
		}
		return nil, fmt.Errorf("failed to find market: %w", err)
	}
	return &market, nil
}

func (r *GormMarketRepository) List(ctx context.Context) ([]*models.Market, error) {
	var markets []*models.Market
	if err := r.db.WithContext(ctx).Where("status = ?", models.MarketActive).Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	return markets, nil
}
