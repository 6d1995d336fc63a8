package copier

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finvex/copytrade/internal/execution"
	"github.com/finvex/copytrade/internal/repository"
	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/logger"
	"github.com/finvex/copytrade/pkg/models"
)

// fakeExec records requests and rejects the users listed in rejectUsers.
type fakeExec struct {
	requests    []execution.ExecuteRequest
	rejectUsers map[uuid.UUID]bool
}

func (f *fakeExec) Execute(ctx context.Context, req execution.ExecuteRequest) (*execution.ExecuteResult, error) {
	f.requests = append(f.requests, req)
	if f.rejectUsers[req.UserID] {
		return &execution.ExecuteResult{Success: false, Err: &pkgerrors.InsufficientFundsError{
			Currency: "USDT", WalletType: models.WalletTypeCopy, Requested: "1", Available: "0",
		}}, nil
	}
	return &execution.ExecuteResult{
		Success:        true,
		Trade:          &models.Trade{ID: uuid.New()},
		ExecutedAmount: req.Amount,
	}, nil
}

func (f *fakeExec) Cancel(ctx context.Context, userID, tradeID uuid.UUID) (*execution.ExecuteResult, error) {
	return &execution.ExecuteResult{Success: true}, nil
}

func (f *fakeExec) CloseTrade(ctx context.Context, tradeID uuid.UUID, exitPrice decimal.Decimal, reason string) error {
	return nil
}

type copierEnv struct {
	db     *gorm.DB
	svc    Service
	exec   *fakeExec
	leader uuid.UUID
}

func setupCopierEnv(t *testing.T) *copierEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Subscription{}, &models.Allocation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log := logger.NewNop()
	subs := repository.NewSubscriptionRepository(db, log)
	allocRepo := repository.NewAllocationRepository(db, log)
	exec := &fakeExec{rejectUsers: map[uuid.UUID]bool{}}

	svc, err := NewService(log, subs, allocRepo, exec)
	if err != nil {
		t.Fatalf("copier service: %v", err)
	}
	return &copierEnv{db: db, svc: svc, exec: exec, leader: uuid.New()}
}

func (e *copierEnv) seedFollower(t *testing.T, status, mode, param, quoteCommitted string) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		LeaderID:  e.leader,
		Status:    status,
		CopyMode:  mode,
		CopyParam: decimal.RequireFromString(param),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.db.Create(sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	if quoteCommitted != "" {
		alloc := &models.Allocation{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			Symbol:         "BTC-USDT",
			BaseCurrency:   "BTC",
			QuoteCurrency:  "USDT",
			QuoteCommitted: decimal.RequireFromString(quoteCommitted),
			Active:         true,
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		if err := e.db.Create(alloc).Error; err != nil {
			t.Fatalf("seed allocation: %v", err)
		}
	}
	return sub
}

func leaderTrade(amount, price, position string) LeaderTrade {
	return LeaderTrade{
		TradeID:      uuid.New(),
		Symbol:       "BTC-USDT",
		Side:         models.SideBuy,
		Amount:       decimal.RequireFromString(amount),
		Price:        decimal.RequireFromString(price),
		PositionSize: decimal.RequireFromString(position),
		ExecutedAt:   time.Now(),
	}
}

func TestFanOutCopyModes(t *testing.T) {
	e := setupCopierEnv(t)
	ctx := context.Background()

	// Leader trades 2 BTC at 100 out of a 10000 USDT position.
	lt := leaderTrade("2", "100", "10000")
	lt.LeaderID = e.leader

	prop := e.seedFollower(t, models.SubscriptionActive, models.CopyModeProportional, "1", "1000")
	fixedAmt := e.seedFollower(t, models.SubscriptionActive, models.CopyModeFixedAmount, "50", "1000")
	fixedRatio := e.seedFollower(t, models.SubscriptionActive, models.CopyModeFixedRatio, "0.5", "1000")

	result, err := e.svc.OnLeaderTrade(ctx, lt)
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if result.Copied != 3 || result.Failed != 0 {
		t.Fatalf("result: got %+v, want copied=3", result)
	}

	byUser := map[uuid.UUID]execution.ExecuteRequest{}
	for _, req := range e.exec.requests {
		byUser[req.UserID] = req
	}

	// Proportional: 2 * (1000/10000) * 1 = 0.2
	if got := byUser[prop.UserID].Amount; !got.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("proportional amount: got %s, want 0.2", got)
	}
	// Fixed amount: 50 USDT / 100 = 0.5
	if got := byUser[fixedAmt.UserID].Amount; !got.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("fixed amount: got %s, want 0.5", got)
	}
	// Fixed ratio: 2 * 0.5 = 1
	if got := byUser[fixedRatio.UserID].Amount; !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fixed ratio: got %s, want 1", got)
	}

	for _, req := range e.exec.requests {
		if req.LeaderTradeID == nil || *req.LeaderTradeID != lt.TradeID {
			t.Errorf("leader trade link missing on request for %s", req.UserID)
		}
	}
}

func TestFanOutSkipsInactive(t *testing.T) {
	e := setupCopierEnv(t)
	lt := leaderTrade("2", "100", "10000")
	lt.LeaderID = e.leader

	e.seedFollower(t, models.SubscriptionPaused, models.CopyModeFixedRatio, "1", "1000")
	e.seedFollower(t, models.SubscriptionStopped, models.CopyModeFixedRatio, "1", "1000")
	e.seedFollower(t, models.SubscriptionActive, models.CopyModeFixedRatio, "1", "") // no allocation

	result, err := e.svc.OnLeaderTrade(context.Background(), lt)
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if result.Copied != 0 {
		t.Errorf("copied: got %d, want 0", result.Copied)
	}
	if result.Subscriptions != 1 || result.Skipped != 1 {
		t.Errorf("result: got %+v, want subscriptions=1 skipped=1", result)
	}
	if len(e.exec.requests) != 0 {
		t.Errorf("execute calls: got %d, want 0", len(e.exec.requests))
	}
}

func TestFanOutToleratesPerSubscriptionFailure(t *testing.T) {
	e := setupCopierEnv(t)
	lt := leaderTrade("2", "100", "10000")
	lt.LeaderID = e.leader

	broke := e.seedFollower(t, models.SubscriptionActive, models.CopyModeFixedRatio, "1", "1000")
	e.seedFollower(t, models.SubscriptionActive, models.CopyModeFixedRatio, "1", "1000")
	e.exec.rejectUsers[broke.UserID] = true

	result, err := e.svc.OnLeaderTrade(context.Background(), lt)
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if result.Copied != 1 || result.Failed != 1 {
		t.Errorf("result: got %+v, want copied=1 failed=1", result)
	}
}
