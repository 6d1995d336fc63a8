// Package repository defines the data-access interfaces for the engine's
// entities and their gorm implementations. Services depend on these
// interfaces and receive plain value structs, keeping the core decoupled
// from the storage technology.
package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/finvex/copytrade/pkg/models"
)

// SubscriptionRepository accesses follower subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *models.Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	Update(ctx context.Context, sub *models.Subscription) error
	ListActiveByLeader(ctx context.Context, leaderID uuid.UUID) ([]*models.Subscription, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Subscription, error)
}

// AllocationRepository accesses per (subscription, symbol) fund pools.
// Mutations of committed/used amounts go through the allocation service,
// not through this interface.
type AllocationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Allocation, error)
	GetBySubscriptionAndSymbol(ctx context.Context, subscriptionID uuid.UUID, symbol string) (*models.Allocation, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*models.Allocation, error)
}

// TradeRepository accesses copy-trade lifecycle rows.
type TradeRepository interface {
	Create(ctx context.Context, trade *models.Trade) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Trade, error)
	Update(ctx context.Context, trade *models.Trade) error
	// ListOpenWithStops returns open trades carrying a stop-loss or
	// take-profit price. Closed trades fall out of this query, which is
	// what makes monitor re-scans idempotent.
	ListOpenWithStops(ctx context.Context, limit int) ([]*models.Trade, error)
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit, offset int) ([]*models.Trade, int64, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Trade, int64, error)
}

// MarketRepository accesses venue market configuration.
type MarketRepository interface {
	GetBySymbol(ctx context.Context, symbol string) (*models.Market, error)
	List(ctx context.Context) ([]*models.Market, error)
}
