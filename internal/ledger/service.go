// Package ledger implements atomic, lock-protected movement of funds between
// a user's typed sub-wallets, paired with immutable double-entry transaction
// records. All wallet balance writes in the system go through this service;
// direct writes are disallowed.
package ledger

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

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/metrics"
	"github.com/finvex/copytrade/pkg/models"
)

// TransferRequest describes one internal transfer between two sub-wallets of
// the same user and currency.
type TransferRequest struct {
	UserID      uuid.UUID
	FromType    string
	ToType      string
	Currency    string
	Amount      decimal.Decimal
	Reference   string
	Description string
}

// TransferResult carries the post-transfer balances for both wallets.
type TransferResult struct {
	FromWalletID     uuid.UUID
	ToWalletID       uuid.UUID
	FromBalanceAfter decimal.Decimal
	ToBalanceAfter   decimal.Decimal
}

// Service defines the ledger operations.
type Service interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	TransferTx(tx *gorm.DB, req TransferRequest) (*TransferResult, error)
	GetWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error)
	GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error)
	Debit(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal, reference string) error
	Credit(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal, reference string) error
	ReserveInOrder(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal) error
	ReleaseInOrder(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal) error
	GetTransactions(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.Transaction, int64, error)
}

// service implements Service on gorm.
type service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new ledger service
func NewService(logger *zap.Logger, db *gorm.DB) (Service, error) {
	return &service{logger: logger, db: db}, nil
}

// Transfer moves funds between two sub-wallets atomically. Both balance
// mutations and both transaction records commit together or not at all.
func (s *service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var result *TransferResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = s.TransferTx(tx, req)
		return txErr
	})
	if err != nil {
		metrics.TransfersTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.TransfersTotal.WithLabelValues("success").Inc()
	return result, nil
}

// TransferTx performs the transfer on the caller's transaction so it can be
// combined with other mutations (e.g. an allocation update) atomically.
func (s *service) TransferTx(tx *gorm.DB, req TransferRequest) (*TransferResult, error) {
	if err := validateTransfer(req); err != nil {
		return nil, err
	}

	// Row locks are acquired in a fixed order (lexicographic by wallet key)
	// so two concurrent transfers over the same pair in opposite directions
	// cannot deadlock.
	fromKey := walletKey(req.UserID, req.Currency, req.FromType)
	toKey := walletKey(req.UserID, req.Currency, req.ToType)

	var from, to *models.Wallet
	var err error
	if fromKey < toKey {
		from, err = lockWallet(tx, req.UserID, req.Currency, req.FromType, false)
		if err != nil {
			return nil, err
		}
		to, err = lockWallet(tx, req.UserID, req.Currency, req.ToType, true)
		if err != nil {
			return nil, err
		}
	} else {
		to, err = lockWallet(tx, req.UserID, req.Currency, req.ToType, true)
		if err != nil {
			return nil, err
		}
		from, err = lockWallet(tx, req.UserID, req.Currency, req.FromType, false)
		if err != nil {
			return nil, err
		}
	}

	// Balance reads feeding the sufficient-funds check happen after the lock
	// is held, never before.
	if from.Available().LessThan(req.Amount) {
		return nil, &pkgerrors.InsufficientFundsError{
			Currency:   req.Currency,
			WalletType: req.FromType,
			Requested:  req.Amount.String(),
			Available:  from.Available().String(),
		}
	}

	now := time.Now()
	fromBefore := from.Balance
	toBefore := to.Balance
	from.Balance = from.Balance.Sub(req.Amount)
	to.Balance = to.Balance.Add(req.Amount)

	if from.Balance.IsNegative() {
		return nil, pkgerrors.NewInvariant("non_negative_balance",
			"wallet %s would go negative: %s", from.ID, from.Balance)
	}

	if err := tx.Model(&models.Wallet{}).Where("id = ?", from.ID).
		Updates(map[string]interface{}{"balance": from.Balance, "updated_at": now}).Error; err != nil {
		return nil, fmt.Errorf("failed to update source wallet: %w", err)
	}
	if err := tx.Model(&models.Wallet{}).Where("id = ?", to.ID).
		Updates(map[string]interface{}{"balance": to.Balance, "updated_at": now}).Error; err != nil {
		return nil, fmt.Errorf("failed to update destination wallet: %w", err)
	}

	// Paired ledger entries: source debit and destination credit are additive
	// inverses, each carrying before/after balances for reconciliation.
	debit := &models.Transaction{
		ID:            uuid.New(),
		WalletID:      from.ID,
		UserID:        req.UserID,
		Type:          models.TransactionTransferOut,
		Currency:      req.Currency,
		Amount:        req.Amount.Neg(),
		BalanceBefore: fromBefore,
		BalanceAfter:  from.Balance,
		Reference:     req.Reference,
		Description:   req.Description,
		CreatedAt:     now,
	}
	credit := &models.Transaction{
		ID:            uuid.New(),
		WalletID:      to.ID,
		UserID:        req.UserID,
		Type:          models.TransactionTransferIn,
		Currency:      req.Currency,
		Amount:        req.Amount,
		BalanceBefore: toBefore,
		BalanceAfter:  to.Balance,
		Reference:     req.Reference,
		Description:   req.Description,
		CreatedAt:     now,
	}
	if err := tx.Create(debit).Error; err != nil {
		return nil, fmt.Errorf("failed to create debit transaction: %w", err)
	}
	if err := tx.Create(credit).Error; err != nil {
		return nil, fmt.Errorf("failed to create credit transaction: %w", err)
	}

	s.logger.Debug("transfer completed",
		zap.String("user_id", req.UserID.String()),
		zap.String("currency", req.Currency),
		zap.String("from", req.FromType),
		zap.String("to", req.ToType),
		zap.String("amount", req.Amount.String()))

	return &TransferResult{
		FromWalletID:     from.ID,
		ToWalletID:       to.ID,
		FromBalanceAfter: from.Balance,
		ToBalanceAfter:   to.Balance,
	}, nil
}

// GetWallet returns one sub-wallet.
func (s *service) GetWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency = ? AND type = ?", userID, currency, walletType).
		First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &wallet, nil
}

// GetOrCreateWallet returns the sub-wallet, creating it with zero balance if absent.
func (s *service) GetOrCreateWallet(ctx context.Context, userID uuid.UUID, currency, walletType string) (*models.Wallet, error) {
	wallet, err := s.GetWallet(ctx, userID, currency, walletType)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, pkgerrors.ErrWalletNotFound) {
		return nil, err
	}
	created := newWallet(userID, currency, walletType)
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return created, nil
}

// Debit removes funds from a wallet after venue acceptance of an order. The
// whole operation runs under a row lock inside one transaction.
func (s *service) Debit(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, userID, currency, walletType, false)
		if err != nil {
			return err
		}
		if wallet.Available().LessThan(amount) {
			return &pkgerrors.InsufficientFundsError{
				Currency:   currency,
				WalletType: walletType,
				Requested:  amount.String(),
				Available:  wallet.Available().String(),
			}
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Sub(amount)
		if err := tx.Model(&models.Wallet{}).Where("id = ?", wallet.ID).
			Updates(map[string]interface{}{"balance": wallet.Balance, "updated_at": time.Now()}).Error; err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}
		entry := &models.Transaction{
			ID:            uuid.New(),
			WalletID:      wallet.ID,
			UserID:        userID,
			Type:          models.TransactionOrderDebit,
			Currency:      currency,
			Amount:        amount.Neg(),
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Reference:     reference,
			CreatedAt:     time.Now(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create debit transaction: %w", err)
		}
		return nil
	})
}

// Credit adds funds to a wallet (e.g. proceeds of a closed position),
// creating the wallet on demand.
func (s *service) Credit(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal, reference string) error {
	if !amount.IsPositive() {
		return pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, userID, currency, walletType, true)
		if err != nil {
			return err
		}
		before := wallet.Balance
		wallet.Balance = wallet.Balance.Add(amount)
		if err := tx.Model(&models.Wallet{}).Where("id = ?", wallet.ID).
			Updates(map[string]interface{}{"balance": wallet.Balance, "updated_at": time.Now()}).Error; err != nil {
			return fmt.Errorf("failed to credit wallet: %w", err)
		}
		entry := &models.Transaction{
			ID:            uuid.New(),
			WalletID:      wallet.ID,
			UserID:        userID,
			Type:          models.TransactionOrderCredit,
			Currency:      currency,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  wallet.Balance,
			Reference:     reference,
			CreatedAt:     time.Now(),
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("failed to create credit transaction: %w", err)
		}
		return nil
	})
}

// ReserveInOrder marks funds as held by an in-flight order. Reserved funds
// stay on the balance but no longer count as available.
func (s *service) ReserveInOrder(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, userID, currency, walletType, false)
		if err != nil {
			return err
		}
		if wallet.Available().LessThan(amount) {
			return &pkgerrors.InsufficientFundsError{
				Currency:   currency,
				WalletType: walletType,
				Requested:  amount.String(),
				Available:  wallet.Available().String(),
			}
		}
		return tx.Model(&models.Wallet{}).Where("id = ?", wallet.ID).
			Updates(map[string]interface{}{
				"amount_in_order": wallet.AmountInOrder.Add(amount),
				"updated_at":      time.Now(),
			}).Error
	})
}

// ReleaseInOrder undoes a reservation once the order settles or fails.
func (s *service) ReleaseInOrder(ctx context.Context, userID uuid.UUID, currency, walletType string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return pkgerrors.NewValidation("amount", "must be positive, got %s", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := lockWallet(tx, userID, currency, walletType, false)
		if err != nil {
			return err
		}
		remaining := wallet.AmountInOrder.Sub(amount)
		if remaining.IsNegative() {
			return pkgerrors.NewInvariant("non_negative_in_order",
				"wallet %s holds %s in orders, release of %s requested",
				wallet.ID, wallet.AmountInOrder, amount)
		}
		return tx.Model(&models.Wallet{}).Where("id = ?", wallet.ID).
			Updates(map[string]interface{}{
				"amount_in_order": remaining,
				"updated_at":      time.Now(),
			}).Error
	})
}

// GetTransactions returns ledger entries for a user and currency, newest first.
func (s *service) GetTransactions(ctx context.Context, userID uuid.UUID, currency string, limit, offset int) ([]*models.Transaction, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("user_id = ? AND currency = ?", userID, currency)

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	var transactions []*models.Transaction
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&transactions).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find transactions: %w", err)
	}
	return transactions, count, nil
}

func validateTransfer(req TransferRequest) error {
	if !req.Amount.IsPositive() {
		return pkgerrors.NewValidation("amount", "must be positive, got %s", req.Amount)
	}
	if req.FromType == req.ToType {
		return pkgerrors.NewValidation("wallet_type", "source and destination wallet types are identical")
	}
	if req.Currency == "" {
		return pkgerrors.NewValidation("currency", "is required")
	}
	return nil
}

// walletKey is the deterministic identity used for lock ordering.
func walletKey(userID uuid.UUID, currency, walletType string) string {
	return userID.String() + "|" + currency + "|" + walletType
}

// lockWallet reads a wallet row FOR UPDATE inside tx. When createIfMissing is
// set a missing wallet is created with zero balance; the fresh row is held by
// the surrounding transaction.
func lockWallet(tx *gorm.DB, userID uuid.UUID, currency, walletType string, createIfMissing bool) (*models.Wallet, error) {
	q := tx
	// sqlite rejects FOR UPDATE and serializes writers on its own.
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var wallet models.Wallet
	err := q.
		Where("user_id = ? AND currency = ? AND type = ?", userID, currency, walletType).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	if !createIfMissing {
		return nil, pkgerrors.ErrWalletNotFound
	}
	created := newWallet(userID, currency, walletType)
	if err := tx.Create(created).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return created, nil
}

func newWallet(userID uuid.UUID, currency, walletType string) *models.Wallet {
	now := time.Now()
	return &models.Wallet{
		ID:            uuid.New(),
		UserID:        userID,
		Currency:      currency,
		Type:          walletType,
		Balance:       decimal.Zero,
		AmountInOrder: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
