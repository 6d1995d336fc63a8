package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet types. Every user holds typed sub-wallets per currency: the general
// spot wallet and the ring-fenced copy-trading wallet.
const (
	WalletTypeSpot = "SPOT"
	WalletTypeCopy = "COPY"
)

// Transaction types
const (
	TransactionTransferOut = "TRANSFER_OUT"
	TransactionTransferIn  = "TRANSFER_IN"
	TransactionOrderDebit  = "ORDER_DEBIT"
	TransactionOrderCredit = "ORDER_CREDIT"
)

// Subscription lifecycle statuses
const (
	SubscriptionActive  = "ACTIVE"
	SubscriptionPaused  = "PAUSED"
	SubscriptionStopped = "STOPPED"
)

// Market statuses
const (
	MarketActive   = "active"
	MarketInactive = "inactive"
)

// Copy modes
const (
	CopyModeProportional = "PROPORTIONAL"
	CopyModeFixedAmount  = "FIXED_AMOUNT"
	CopyModeFixedRatio   = "FIXED_RATIO"
)

// Order sides and types
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Trade lifecycle statuses. CLOSED, CANCELLED and FAILED are terminal.
const (
	TradeStatusPending   = "PENDING"
	TradeStatusExecuted  = "EXECUTED"
	TradeStatusPartial   = "PARTIAL"
	TradeStatusClosed    = "CLOSED"
	TradeStatusCancelled = "CANCELLED"
	TradeStatusFailed    = "FAILED"
)

// Allocation currency legs
const (
	LegBase  = "BASE"
	LegQuote = "QUOTE"
)

// Wallet represents a typed sub-wallet for one user and currency.
// Balance is never negative; any debit is preceded by a balance check under
// a row lock. AmountInOrder tracks funds reserved by open orders.
type Wallet struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_wallet_owner,unique" validate:"required,uuid"`
	Currency      string          `json:"currency" gorm:"index:idx_wallet_owner,unique" validate:"required,uppercase"`
	Type          string          `json:"type" gorm:"index:idx_wallet_owner,unique" validate:"required,oneof=SPOT COPY"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(36,18)"`
	AmountInOrder decimal.Decimal `json:"amount_in_order" gorm:"type:decimal(36,18)"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Available returns the spendable balance (balance minus funds reserved in orders).
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.AmountInOrder)
}

// Transaction is an immutable record of one wallet balance delta. Internal
// transfers always create them in pairs (source debit, destination credit),
// each carrying before/after balances for reconciliation.
type Transaction struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	WalletID      uuid.UUID       `json:"wallet_id" gorm:"type:uuid;index" validate:"required,uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Type          string          `json:"type" validate:"required,oneof=TRANSFER_OUT TRANSFER_IN ORDER_DEBIT ORDER_CREDIT"`
	Currency      string          `json:"currency" validate:"required,uppercase"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(36,18)"`
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"type:decimal(36,18)"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:decimal(36,18)"`
	Reference     string          `json:"reference" validate:"omitempty,max=255"`
	Description   string          `json:"description" validate:"omitempty,max=500"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Subscription is a user's opt-in to copy one leader.
type Subscription struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	UserID          uuid.UUID        `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	LeaderID        uuid.UUID        `json:"leader_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Status          string           `json:"status" validate:"required,oneof=ACTIVE PAUSED STOPPED"`
	CopyMode        string           `json:"copy_mode" validate:"required,oneof=PROPORTIONAL FIXED_AMOUNT FIXED_RATIO"`
	CopyParam       decimal.Decimal  `json:"copy_param" gorm:"type:decimal(36,18)"`
	MaxPositionSize decimal.Decimal  `json:"max_position_size" gorm:"type:decimal(36,18)"`
	StopLossPct     *decimal.Decimal `json:"stop_loss_pct,omitempty" gorm:"type:decimal(12,6)"`
	TakeProfitPct   *decimal.Decimal `json:"take_profit_pct,omitempty" gorm:"type:decimal(12,6)"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	DeletedAt       *time.Time       `json:"deleted_at,omitempty" gorm:"index"`
}

// LeaderMarket is a leader's per-market declaration: the tradable symbol,
// optional minimum base/quote allocations and an activity flag. Owned by the
// leader-management subsystem; read-only input to the allocation store.
type LeaderMarket struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	LeaderID  uuid.UUID       `json:"leader_id" gorm:"type:uuid;index:idx_leader_symbol,unique" validate:"required,uuid"`
	Symbol    string          `json:"symbol" gorm:"index:idx_leader_symbol,unique" validate:"required"`
	MinBase   decimal.Decimal `json:"min_base" gorm:"type:decimal(36,18)"`
	MinQuote  decimal.Decimal `json:"min_quote" gorm:"type:decimal(36,18)"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Allocation is the ring-fenced fund pool for one (subscription, symbol) pair.
// Invariants: committed >= leader minimum or committed == 0 per leg, and
// 0 <= used <= committed at all times.
type Allocation struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SubscriptionID uuid.UUID       `json:"subscription_id" gorm:"type:uuid;index:idx_alloc_sub_symbol,unique" validate:"required,uuid"`
	Symbol         string          `json:"symbol" gorm:"index:idx_alloc_sub_symbol,unique" validate:"required"`
	BaseCurrency   string          `json:"base_currency" validate:"required,uppercase"`
	QuoteCurrency  string          `json:"quote_currency" validate:"required,uppercase"`
	BaseCommitted  decimal.Decimal `json:"base_committed" gorm:"type:decimal(36,18)"`
	QuoteCommitted decimal.Decimal `json:"quote_committed" gorm:"type:decimal(36,18)"`
	BaseUsed       decimal.Decimal `json:"base_used" gorm:"type:decimal(36,18)"`
	QuoteUsed      decimal.Decimal `json:"quote_used" gorm:"type:decimal(36,18)"`
	Profit         decimal.Decimal `json:"profit" gorm:"type:decimal(36,18)"`
	TradeCount     int             `json:"trade_count"`
	WinCount       int             `json:"win_count"`
	Active         bool            `json:"active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Committed returns the committed amount for a currency leg.
func (a *Allocation) Committed(leg string) decimal.Decimal {
	if leg == LegBase {
		return a.BaseCommitted
	}
	return a.QuoteCommitted
}

// Used returns the used amount for a currency leg.
func (a *Allocation) Used(leg string) decimal.Decimal {
	if leg == LegBase {
		return a.BaseUsed
	}
	return a.QuoteUsed
}

// AvailableQuote returns quote funds not reserved by open trades.
func (a *Allocation) AvailableQuote() decimal.Decimal {
	return a.QuoteCommitted.Sub(a.QuoteUsed)
}

// WinRate returns the fraction of closed trades that realized a profit.
func (a *Allocation) WinRate() decimal.Decimal {
	if a.TradeCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(a.WinCount)).Div(decimal.NewFromInt(int64(a.TradeCount)))
}

// Trade is one copied (or leader) order lifecycle instance.
type Trade struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SubscriptionID  uuid.UUID        `json:"subscription_id" gorm:"type:uuid;index" validate:"required,uuid"`
	UserID          uuid.UUID        `json:"user_id" gorm:"type:uuid;index" validate:"required,uuid"`
	LeaderID        uuid.UUID        `json:"leader_id" gorm:"type:uuid;index" validate:"required,uuid"`
	LeaderTradeID   *uuid.UUID       `json:"leader_trade_id,omitempty" gorm:"type:uuid;index"`
	Symbol          string           `json:"symbol" gorm:"index" validate:"required"`
	Side            string           `json:"side" validate:"required,oneof=BUY SELL"`
	Type            string           `json:"type" validate:"required,oneof=MARKET LIMIT"`
	Amount          decimal.Decimal  `json:"amount" gorm:"type:decimal(36,18)"`
	Price           decimal.Decimal  `json:"price" gorm:"type:decimal(36,18)"`
	ExecutedAmount  decimal.Decimal  `json:"executed_amount" gorm:"type:decimal(36,18)"`
	ExecutedPrice   decimal.Decimal  `json:"executed_price" gorm:"type:decimal(36,18)"`
	Fee             decimal.Decimal  `json:"fee" gorm:"type:decimal(36,18)"`
	Cost            decimal.Decimal  `json:"cost" gorm:"type:decimal(36,18)"`
	Profit          decimal.Decimal  `json:"profit" gorm:"type:decimal(36,18)"`
	Status          string           `json:"status" gorm:"index" validate:"required,oneof=PENDING EXECUTED PARTIAL CLOSED CANCELLED FAILED"`
	VenueOrderID    string           `json:"venue_order_id" validate:"omitempty,max=64"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty" gorm:"type:decimal(36,18)"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty" gorm:"type:decimal(36,18)"`
	ClosedPrice     *decimal.Decimal `json:"closed_price,omitempty" gorm:"type:decimal(36,18)"`
	CloseReason     string           `json:"close_reason" validate:"omitempty,max=64"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
}

// IsOpen reports whether the trade still holds a position the monitor must watch.
func (t *Trade) IsOpen() bool {
	return t.Status == TradeStatusExecuted || t.Status == TradeStatusPartial
}

// Market holds the venue-side configuration for one trading pair: lot and
// price limits plus the fee schedule used by the execution engine.
type Market struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	Symbol        string          `json:"symbol" gorm:"uniqueIndex" validate:"required"`
	BaseCurrency  string          `json:"base_currency" validate:"required,uppercase"`
	QuoteCurrency string          `json:"quote_currency" validate:"required,uppercase"`
	MinAmount     decimal.Decimal `json:"min_amount" gorm:"type:decimal(36,18)"`
	MaxAmount     decimal.Decimal `json:"max_amount" gorm:"type:decimal(36,18)"`
	MinPrice      decimal.Decimal `json:"min_price" gorm:"type:decimal(36,18)"`
	MaxPrice      decimal.Decimal `json:"max_price" gorm:"type:decimal(36,18)"`
	MinCost       decimal.Decimal `json:"min_cost" gorm:"type:decimal(36,18)"`
	MakerFeeRate  decimal.Decimal `json:"maker_fee_rate" gorm:"type:decimal(12,6)"`
	TakerFeeRate  decimal.Decimal `json:"taker_fee_rate" gorm:"type:decimal(12,6)"`
	Status        string          `json:"status" validate:"required,oneof=active inactive"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AuditLog is an immutable record of one entity mutation or risk-triggered
// action: entity, action, old/new value snapshots, actor and timestamp.
type AuditLog struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	EntityType string    `json:"entity_type" gorm:"index" validate:"required,max=64"`
	EntityID   uuid.UUID `json:"entity_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Action     string    `json:"action" gorm:"index" validate:"required,max=64"`
	OldValue   string    `json:"old_value" gorm:"type:text" validate:"omitempty,json"`
	NewValue   string    `json:"new_value" gorm:"type:text" validate:"omitempty,json"`
	ActorID    uuid.UUID `json:"actor_id" gorm:"type:uuid;index"`
	Reason     string    `json:"reason" validate:"omitempty,max=500"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrderBookLevel represents a level in the order book
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBookSnapshot represents a snapshot of the venue order book
type OrderBookSnapshot struct {
	Symbol     string           `json:"symbol" validate:"required"`
	Bids       []OrderBookLevel `json:"bids" validate:"dive"`
	Asks       []OrderBookLevel `json:"asks" validate:"dive"`
	UpdateTime time.Time        `json:"update_time" validate:"required"`
}

// BestBid returns the highest bid, or zero when the book is empty.
func (s *OrderBookSnapshot) BestBid() decimal.Decimal {
	if len(s.Bids) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero when the book is empty.
func (s *OrderBookSnapshot) BestAsk() decimal.Decimal {
	if len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Asks[0].Price
}
