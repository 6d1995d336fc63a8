// Package leaders reads leader per-market declarations. The declarations are
// owned by the leader-management subsystem; this package is a read-only view
// consumed by the allocation store.
package leaders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

// Provider lists the markets a leader has declared tradable.
type Provider interface {
	ListLeaderMarkets(ctx context.Context, leaderID uuid.UUID) ([]*models.LeaderMarket, error)
	GetLeaderMarket(ctx context.Context, leaderID uuid.UUID, symbol string) (*models.LeaderMarket, error)
}

type gormProvider struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewProvider creates a gorm-backed Provider
func NewProvider(logger *zap.Logger, db *gorm.DB) Provider {
	return &gormProvider{logger: logger, db: db}
}

func (p *gormProvider) ListLeaderMarkets(ctx context.Context, leaderID uuid.UUID) ([]*models.LeaderMarket, error) {
	var markets []*models.LeaderMarket
	if err := p.db.WithContext(ctx).Where("leader_id = ?", leaderID).Find(&markets).Error; err != nil {
		return nil, fmt.Errorf("failed to list leader markets: %w", err)
	}
	return markets, nil
}

func (p *gormProvider) GetLeaderMarket(ctx context.Context, leaderID uuid.UUID, symbol string) (*models.LeaderMarket, error) {
	var market models.LeaderMarket
	err := p.db.WithContext(ctx).
		Where("leader_id = ? AND symbol = ?", leaderID, symbol).
		First(&market).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrMarketNotFound
		}
		return nil, fmt.Errorf("failed to find leader market: %w", err)
	}
	return &market, nil
}
