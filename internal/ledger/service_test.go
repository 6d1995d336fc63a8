// Concurrency and correctness tests for the ledger service.
//
// Scenarios:
// 1. Transfer arithmetic: source loses exactly amount, destination gains it,
//    and the paired transaction rows are additive inverses.
// 2. Destination wallet created on demand.
// 3. InsufficientFunds / WalletNotFound / InvalidAmount error paths mutate nothing.
// 4. Concurrent transfers over the same wallet pair never lose an update.

package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/logger"
	"github.com/finvex/copytrade/pkg/models"
)

func setupTestService(t *testing.T) *service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Wallet{}, &models.Transaction{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return &service{logger: logger.NewNop(), db: db}
}

func seedWallet(t *testing.T, s *service, userID uuid.UUID, currency, walletType, balance string) *models.Wallet {
	t.Helper()
	w, err := s.GetOrCreateWallet(context.Background(), userID, currency, walletType)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	amount := decimal.RequireFromString(balance)
	if err := s.db.Model(&models.Wallet{}).Where("id = ?", w.ID).Update("balance", amount).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	w.Balance = amount
	return w
}

func TestTransferArithmetic(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeSpot, "100")

	res, err := s.Transfer(ctx, TransferRequest{
		UserID:   user,
		FromType: models.WalletTypeSpot,
		ToType:   models.WalletTypeCopy,
		Currency: "USDT",
		Amount:   decimal.RequireFromString("60"),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if !res.FromBalanceAfter.Equal(decimal.RequireFromString("40")) {
		t.Errorf("source balance: got %s, want 40", res.FromBalanceAfter)
	}
	if !res.ToBalanceAfter.Equal(decimal.RequireFromString("60")) {
		t.Errorf("destination balance: got %s, want 60", res.ToBalanceAfter)
	}

	var entries []models.Transaction
	if err := s.db.Order("amount ASC").Find(&entries).Error; err != nil {
		t.Fatalf("load transactions: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 transaction rows, got %d", len(entries))
	}
	if !entries[0].Amount.Add(entries[1].Amount).IsZero() {
		t.Errorf("transaction amounts are not additive inverses: %s, %s", entries[0].Amount, entries[1].Amount)
	}
	debit := entries[0]
	if !debit.BalanceBefore.Equal(decimal.RequireFromString("100")) || !debit.BalanceAfter.Equal(decimal.RequireFromString("40")) {
		t.Errorf("debit before/after wrong: %s -> %s", debit.BalanceBefore, debit.BalanceAfter)
	}
}

func TestTransferCreatesDestinationWallet(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "BTC", models.WalletTypeSpot, "1")

	if _, err := s.Transfer(ctx, TransferRequest{
		UserID:   user,
		FromType: models.WalletTypeSpot,
		ToType:   models.WalletTypeCopy,
		Currency: "BTC",
		Amount:   decimal.RequireFromString("0.5"),
	}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	copyWallet, err := s.GetWallet(ctx, user, "BTC", models.WalletTypeCopy)
	if err != nil {
		t.Fatalf("copy wallet not created: %v", err)
	}
	if !copyWallet.Balance.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("copy wallet balance: got %s, want 0.5", copyWallet.Balance)
	}
}

func TestTransferInsufficientFunds(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeSpot, "10")

	_, err := s.Transfer(ctx, TransferRequest{
		UserID:   user,
		FromType: models.WalletTypeSpot,
		ToType:   models.WalletTypeCopy,
		Currency: "USDT",
		Amount:   decimal.RequireFromString("10.01"),
	})
	if !pkgerrors.IsInsufficientFunds(err) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}

	// Nothing moved, nothing recorded.
	w, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeSpot)
	if !w.Balance.Equal(decimal.RequireFromString("10")) {
		t.Errorf("source balance mutated: %s", w.Balance)
	}
	var count int64
	s.db.Model(&models.Transaction{}).Count(&count)
	if count != 0 {
		t.Errorf("expected 0 transaction rows, got %d", count)
	}
}

func TestTransferSourceMissing(t *testing.T) {
	s := setupTestService(t)
	_, err := s.Transfer(context.Background(), TransferRequest{
		UserID:   uuid.New(),
		FromType: models.WalletTypeSpot,
		ToType:   models.WalletTypeCopy,
		Currency: "USDT",
		Amount:   decimal.RequireFromString("1"),
	})
	if err == nil || !pkgerrors.IsNotFound(err) {
		t.Fatalf("expected WalletNotFound, got %v", err)
	}
}

func TestTransferInvalidAmount(t *testing.T) {
	s := setupTestService(t)
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeSpot, "10")

	for _, amount := range []string{"0", "-5"} {
		_, err := s.Transfer(context.Background(), TransferRequest{
			UserID:   user,
			FromType: models.WalletTypeSpot,
			ToType:   models.WalletTypeCopy,
			Currency: "USDT",
			Amount:   decimal.RequireFromString(amount),
		})
		if !pkgerrors.IsValidation(err) {
			t.Errorf("amount %s: expected ValidationError, got %v", amount, err)
		}
	}
}

func TestTransferRoundTrip(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeSpot, "100")

	amount := decimal.RequireFromString("10")
	forward := TransferRequest{
		UserID: user, FromType: models.WalletTypeSpot, ToType: models.WalletTypeCopy,
		Currency: "USDT", Amount: amount,
	}
	back := TransferRequest{
		UserID: user, FromType: models.WalletTypeCopy, ToType: models.WalletTypeSpot,
		Currency: "USDT", Amount: amount,
	}
	if _, err := s.Transfer(ctx, forward); err != nil {
		t.Fatalf("forward transfer: %v", err)
	}
	if _, err := s.Transfer(ctx, back); err != nil {
		t.Fatalf("return transfer: %v", err)
	}

	spot, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeSpot)
	cp, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeCopy)
	if !spot.Balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("spot balance not restored: %s", spot.Balance)
	}
	if !cp.Balance.IsZero() {
		t.Errorf("copy balance not restored: %s", cp.Balance)
	}
}

func TestDebitCredit(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeCopy, "50")

	if err := s.Debit(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("20"), "order-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := s.Credit(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("5"), "order-1"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	w, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeCopy)
	if !w.Balance.Equal(decimal.RequireFromString("35")) {
		t.Errorf("balance: got %s, want 35", w.Balance)
	}

	err := s.Debit(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("100"), "order-2")
	if !pkgerrors.IsInsufficientFunds(err) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
}

func TestInOrderHold(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeCopy, "50")

	if err := s.ReserveInOrder(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("30")); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Held funds stay on the balance but are not spendable.
	w, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeCopy)
	if !w.Balance.Equal(decimal.RequireFromString("50")) {
		t.Errorf("balance: got %s, want 50", w.Balance)
	}
	if !w.Available().Equal(decimal.RequireFromString("20")) {
		t.Errorf("available: got %s, want 20", w.Available())
	}
	err := s.Debit(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("25"), "order-1")
	if !pkgerrors.IsInsufficientFunds(err) {
		t.Fatalf("debit over the hold: expected InsufficientFundsError, got %v", err)
	}

	if err := s.ReleaseInOrder(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("30")); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.Debit(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("25"), "order-1"); err != nil {
		t.Fatalf("debit after release: %v", err)
	}

	// Releasing more than is held is a bookkeeping bug, not a shortfall.
	err = s.ReleaseInOrder(ctx, user, "USDT", models.WalletTypeCopy, decimal.RequireFromString("1"))
	if !pkgerrors.IsInvariant(err) {
		t.Fatalf("over-release: expected InvariantViolation, got %v", err)
	}
}

func TestConcurrentTransfers(t *testing.T) {
	s := setupTestService(t)
	ctx := context.Background()
	user := uuid.New()
	seedWallet(t, s, user, "USDT", models.WalletTypeSpot, "10000")

	wg := sync.WaitGroup{}
	n := 100
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transfer(ctx, TransferRequest{
				UserID:   user,
				FromType: models.WalletTypeSpot,
				ToType:   models.WalletTypeCopy,
				Currency: "USDT",
				Amount:   decimal.RequireFromString("10"),
			})
			if err != nil {
				t.Errorf("transfer failed: %v", err)
			}
		}()
	}
	wg.Wait()

	spot, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeSpot)
	cp, _ := s.GetWallet(ctx, user, "USDT", models.WalletTypeCopy)
	if !spot.Balance.Equal(decimal.RequireFromString("9000")) {
		t.Errorf("spot balance wrong: got %s", spot.Balance)
	}
	if !cp.Balance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("copy balance wrong: got %s", cp.Balance)
	}
	var count int64
	s.db.Model(&models.Transaction{}).Count(&count)
	if count != int64(2*n) {
		t.Errorf("expected %d transaction rows, got %d", 2*n, count)
	}
}
