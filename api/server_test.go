package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/finvex/copytrade/internal/allocation"
	"github.com/finvex/copytrade/internal/audit"
	"github.com/finvex/copytrade/internal/copier"
	"github.com/finvex/copytrade/internal/execution"
	"github.com/finvex/copytrade/internal/leaders"
	"github.com/finvex/copytrade/internal/ledger"
	"github.com/finvex/copytrade/internal/repository"
	"github.com/finvex/copytrade/internal/risk"
	"github.com/finvex/copytrade/internal/venue"
	"github.com/finvex/copytrade/pkg/logger"
	"github.com/finvex/copytrade/pkg/models"
)

type nullVenue struct{}

func (nullVenue) FetchOrderBook(ctx context.Context, symbol string) (*models.OrderBookSnapshot, error) {
	return &models.OrderBookSnapshot{
		Symbol:     symbol,
		Bids:       []models.OrderBookLevel{{Price: decimal.NewFromInt(99), Amount: decimal.NewFromInt(100)}},
		Asks:       []models.OrderBookLevel{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(100)}},
		UpdateTime: time.Now(),
	}, nil
}
func (nullVenue) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	return uuid.New().String(), nil
}
func (nullVenue) CancelOrder(ctx context.Context, orderID, symbol string) error { return nil }
func (nullVenue) FetchOrder(ctx context.Context, orderID, symbol string) (*venue.OrderStatus, error) {
	return &venue.OrderStatus{OrderID: orderID}, nil
}

type apiEnv struct {
	db     *gorm.DB
	server *Server
	ledger ledger.Service
	user   uuid.UUID
	leader uuid.UUID
}

func setupAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Wallet{}, &models.Transaction{}, &models.Subscription{},
		&models.LeaderMarket{}, &models.Allocation{}, &models.Trade{},
		&models.Market{}, &models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	log := logger.NewNop()
	ledgerSvc, err := ledger.NewService(log, db)
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	auditSvc := audit.NewService(log, db)
	leadersSvc := leaders.NewProvider(log, db)
	markets := repository.NewMarketRepository(db, log)
	subs := repository.NewSubscriptionRepository(db, log)
	trades := repository.NewTradeRepository(db, log)
	allocRepo := repository.NewAllocationRepository(db, log)

	allocSvc, err := allocation.NewService(log, db, ledgerSvc, auditSvc, leadersSvc, markets, subs)
	if err != nil {
		t.Fatalf("allocation service: %v", err)
	}
	riskSvc, err := risk.NewService(log, decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("risk service: %v", err)
	}
	execSvc, err := execution.NewService(log, ledgerSvc, allocSvc, riskSvc, nullVenue{}, trades, markets, subs, allocRepo, time.Second)
	if err != nil {
		t.Fatalf("execution service: %v", err)
	}

	copierSvc, err := copier.NewService(log, subs, allocRepo, execSvc)
	if err != nil {
		t.Fatalf("copier service: %v", err)
	}

	server := NewServer(log, ledgerSvc, allocSvc, execSvc, copierSvc, auditSvc, leadersSvc, subs, trades, markets)

	user := uuid.New()
	leader := uuid.New()
	if err := db.Create(&models.Market{
		ID:            uuid.New(),
		Symbol:        "BTC-USDT",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USDT",
		Status:        "active",
	}).Error; err != nil {
		t.Fatalf("seed market: %v", err)
	}
	if err := db.Create(&models.LeaderMarket{
		ID:       uuid.New(),
		LeaderID: leader,
		Symbol:   "BTC-USDT",
		MinQuote: decimal.NewFromInt(10),
		IsActive: true,
	}).Error; err != nil {
		t.Fatalf("seed leader market: %v", err)
	}

	ctx := context.Background()
	w, err := ledgerSvc.GetOrCreateWallet(ctx, user, "USDT", models.WalletTypeSpot)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if err := db.Model(&models.Wallet{}).Where("id = ?", w.ID).
		Update("balance", decimal.NewFromInt(1000)).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	return &apiEnv{db: db, server: server, ledger: ledgerSvc, user: user, leader: leader}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", e.user.String())
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
		Error   string                 `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	if !envelope.Success {
		t.Fatalf("request failed: %s", envelope.Error)
	}
	return envelope.Data
}

func TestHealthAndAuth(t *testing.T) {
	e := setupAPIEnv(t)

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health: got %d, want 200", rec.Code)
	}

	// No X-User-ID header.
	rec = httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/subscriptions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing user header: got %d, want 401", rec.Code)
	}
}

func TestAllocationLifecycleOverHTTP(t *testing.T) {
	e := setupAPIEnv(t)

	rec := e.do(t, "POST", "/api/v1/subscriptions", gin.H{
		"leader_id":  e.leader.String(),
		"copy_mode":  "PROPORTIONAL",
		"copy_param": "1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription: got %d, body %s", rec.Code, rec.Body.String())
	}
	subID := decodeData(t, rec)["id"].(string)

	rec = e.do(t, "POST", "/api/v1/allocations", gin.H{
		"subscription_id": subID,
		"symbol":          "BTC-USDT",
		"quote_amount":    "600",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create allocation: got %d, body %s", rec.Code, rec.Body.String())
	}
	allocID := decodeData(t, rec)["id"].(string)

	rec = e.do(t, "POST", "/api/v1/allocations/"+allocID+"/funds", gin.H{
		"leg":    "QUOTE",
		"amount": "100",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add funds: got %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeData(t, rec)["quote_committed"]; got != "700" {
		t.Errorf("quote committed: got %v, want 700", got)
	}

	rec = e.do(t, "GET", "/api/v1/wallet/balance?currency=USDT&type=COPY", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("wallet balance: got %d", rec.Code)
	}
	if got := decodeData(t, rec)["balance"]; got != "700" {
		t.Errorf("copy balance: got %v, want 700", got)
	}

	rec = e.do(t, "GET", "/api/v1/allocations/"+allocID+"/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit list: got %d", rec.Code)
	}
}

func TestLeaderTradeFanOutOverHTTP(t *testing.T) {
	e := setupAPIEnv(t)

	rec := e.do(t, "POST", "/api/v1/subscriptions", gin.H{
		"leader_id":  e.leader.String(),
		"copy_mode":  "FIXED_AMOUNT",
		"copy_param": "200",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create subscription: got %d, body %s", rec.Code, rec.Body.String())
	}
	subID := decodeData(t, rec)["id"].(string)

	rec = e.do(t, "POST", "/api/v1/allocations", gin.H{
		"subscription_id": subID,
		"symbol":          "BTC-USDT",
		"quote_amount":    "600",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create allocation: got %d, body %s", rec.Code, rec.Body.String())
	}

	rec = e.do(t, "POST", "/internal/v1/leader-trades", gin.H{
		"trade_id":  uuid.New().String(),
		"leader_id": e.leader.String(),
		"symbol":    "BTC-USDT",
		"side":      "BUY",
		"amount":    "1",
		"price":     "100",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ingest leader trade: got %d, body %s", rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	if got := data["copied"]; got != float64(1) {
		t.Errorf("copied: got %v, want 1", got)
	}
	if got := data["failed"]; got != float64(0) {
		t.Errorf("failed: got %v, want 0", got)
	}

	// A 200 USDT budget at price 100 buys 2 BTC through the ask.
	var trade models.Trade
	if err := e.db.Where("user_id = ?", e.user).First(&trade).Error; err != nil {
		t.Fatalf("load copied trade: %v", err)
	}
	if trade.Status != models.TradeStatusExecuted {
		t.Errorf("trade status: got %s, want %s", trade.Status, models.TradeStatusExecuted)
	}
	if !trade.ExecutedAmount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("executed amount: got %s, want 2", trade.ExecutedAmount)
	}
}

func TestErrorMapping(t *testing.T) {
	e := setupAPIEnv(t)

	rec := e.do(t, "POST", "/api/v1/subscriptions", gin.H{
		"leader_id":  e.leader.String(),
		"copy_mode":  "PROPORTIONAL",
		"copy_param": "1",
	})
	subID := decodeData(t, rec)["id"].(string)

	// Insufficient spot funds maps to 422.
	rec = e.do(t, "POST", "/api/v1/allocations", gin.H{
		"subscription_id": subID,
		"symbol":          "BTC-USDT",
		"quote_amount":    "5000",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("insufficient funds: got %d, want 422 (%s)", rec.Code, rec.Body.String())
	}

	// Below the leader minimum maps to 400.
	rec = e.do(t, "POST", "/api/v1/allocations", gin.H{
		"subscription_id": subID,
		"symbol":          "BTC-USDT",
		"quote_amount":    "5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("below minimum: got %d, want 400 (%s)", rec.Code, rec.Body.String())
	}

	// Unknown allocation maps to 404.
	rec = e.do(t, "GET", "/api/v1/allocations/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown allocation: got %d, want 404", rec.Code)
	}

	// Malformed UUID maps to 400.
	rec = e.do(t, "GET", "/api/v1/allocations/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id: got %d, want 400", rec.Code)
	}
}
