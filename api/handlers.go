package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finvex/copytrade/internal/copier"
	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/models"
)

// --- subscriptions ---

type createSubscriptionRequest struct {
	LeaderID        string `json:"leader_id" validate:"required,uuid"`
	CopyMode        string `json:"copy_mode" validate:"required,oneof=PROPORTIONAL FIXED_AMOUNT FIXED_RATIO"`
	CopyParam       string `json:"copy_param" validate:"required"`
	MaxPositionSize string `json:"max_position_size" validate:"omitempty"`
	StopLossPct     string `json:"stop_loss_pct" validate:"omitempty"`
	TakeProfitPct   string `json:"take_profit_pct" validate:"omitempty"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "malformed JSON"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "%s", err.Error()))
		return
	}

	leaderID, err := uuid.Parse(req.LeaderID)
	if err != nil {
		respondError(c, pkgerrors.NewValidation("leader_id", "must be a valid UUID"))
		return
	}
	copyParam, ok := parseDecimal(c, "copy_param", req.CopyParam, true)
	if !ok {
		return
	}

	now := time.Now()
	sub := &models.Subscription{
		ID:        uuid.New(),
		UserID:    currentUser(c),
		LeaderID:  leaderID,
		Status:    models.SubscriptionActive,
		CopyMode:  req.CopyMode,
		CopyParam: copyParam,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.MaxPositionSize != "" {
		v, ok := parseDecimal(c, "max_position_size", req.MaxPositionSize, true)
		if !ok {
			return
		}
		sub.MaxPositionSize = v
	}
	if req.StopLossPct != "" {
		v, ok := parseDecimal(c, "stop_loss_pct", req.StopLossPct, true)
		if !ok {
			return
		}
		sub.StopLossPct = &v
	}
	if req.TakeProfitPct != "" {
		v, ok := parseDecimal(c, "take_profit_pct", req.TakeProfitPct, true)
		if !ok {
			return
		}
		sub.TakeProfitPct = &v
	}

	if err := s.subs.Create(c.Request.Context(), sub); err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, sub)
}

func (s *Server) listSubscriptions(c *gin.Context) {
	subs, err := s.subs.ListByUser(c.Request.Context(), currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, subs)
}

func (s *Server) pauseSubscription(c *gin.Context) {
	s.setSubscriptionStatus(c, models.SubscriptionPaused)
}

func (s *Server) resumeSubscription(c *gin.Context) {
	s.setSubscriptionStatus(c, models.SubscriptionActive)
}

func (s *Server) stopSubscription(c *gin.Context) {
	s.setSubscriptionStatus(c, models.SubscriptionStopped)
}

func (s *Server) setSubscriptionStatus(c *gin.Context, status string) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	sub, err := s.subs.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub.UserID != currentUser(c) {
		respondError(c, pkgerrors.ErrSubscriptionNotFound)
		return
	}
	if sub.Status == models.SubscriptionStopped {
		respondError(c, pkgerrors.NewValidation("status", "subscription is stopped"))
		return
	}
	sub.Status = status
	sub.UpdatedAt = time.Now()
	if err := s.subs.Update(c.Request.Context(), sub); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, sub)
}

// --- allocations ---

type createAllocationRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required,uuid"`
	Symbol         string `json:"symbol" validate:"required"`
	BaseAmount     string `json:"base_amount" validate:"omitempty"`
	QuoteAmount    string `json:"quote_amount" validate:"omitempty"`
}

func (s *Server) createAllocation(c *gin.Context) {
	var req createAllocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "malformed JSON"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "%s", err.Error()))
		return
	}

	subID, err := uuid.Parse(req.SubscriptionID)
	if err != nil {
		respondError(c, pkgerrors.NewValidation("subscription_id", "must be a valid UUID"))
		return
	}
	sub, err := s.subs.GetByID(c.Request.Context(), subID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub.UserID != currentUser(c) {
		respondError(c, pkgerrors.ErrSubscriptionNotFound)
		return
	}

	baseAmount := decimal.Zero
	if req.BaseAmount != "" {
		v, ok := parseDecimal(c, "base_amount", req.BaseAmount, false)
		if !ok {
			return
		}
		baseAmount = v
	}
	quoteAmount := decimal.Zero
	if req.QuoteAmount != "" {
		v, ok := parseDecimal(c, "quote_amount", req.QuoteAmount, false)
		if !ok {
			return
		}
		quoteAmount = v
	}

	alloc, err := s.allocations.CreateAllocation(c.Request.Context(), subID, req.Symbol, baseAmount, quoteAmount)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, alloc)
}

func (s *Server) getAllocation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	alloc, err := s.ownAllocation(c, id)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, alloc)
}

type addFundsRequest struct {
	Leg    string `json:"leg" validate:"required,oneof=BASE QUOTE"`
	Amount string `json:"amount" validate:"required"`
}

func (s *Server) addFunds(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var req addFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "malformed JSON"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "%s", err.Error()))
		return
	}
	amount, ok := parseDecimal(c, "amount", req.Amount, true)
	if !ok {
		return
	}
	if _, err := s.ownAllocation(c, id); err != nil {
		respondError(c, err)
		return
	}

	alloc, err := s.allocations.AddFunds(c.Request.Context(), id, req.Leg, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, alloc)
}

func (s *Server) deactivateAllocation(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, err := s.ownAllocation(c, id); err != nil {
		respondError(c, err)
		return
	}
	if err := s.allocations.Deactivate(c.Request.Context(), id, currentUser(c)); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"deactivated": id})
}

func (s *Server) listAllocations(c *gin.Context) {
	subID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	sub, err := s.subs.GetByID(c.Request.Context(), subID)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub.UserID != currentUser(c) {
		respondError(c, pkgerrors.ErrSubscriptionNotFound)
		return
	}
	allocs, err := s.allocations.ListBySubscription(c.Request.Context(), subID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, allocs)
}

func (s *Server) listAllocationAudit(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if _, err := s.ownAllocation(c, id); err != nil {
		respondError(c, err)
		return
	}
	limit, offset := pageParams(c)
	logs, err := s.audit.List(c.Request.Context(), "allocation", id, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, logs)
}

// ownAllocation loads an allocation and checks it belongs to the caller via
// its subscription.
func (s *Server) ownAllocation(c *gin.Context, id uuid.UUID) (*models.Allocation, error) {
	alloc, err := s.allocations.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.GetByID(c.Request.Context(), alloc.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != currentUser(c) {
		return nil, pkgerrors.ErrAllocationNotFound
	}
	return alloc, nil
}

// --- trades ---

func (s *Server) listTrades(c *gin.Context) {
	limit, offset := pageParams(c)
	trades, total, err := s.trades.ListByUser(c.Request.Context(), currentUser(c), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, trades, pagination{Limit: limit, Offset: offset, Total: total})
}

func (s *Server) getTrade(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	trade, err := s.trades.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if trade.UserID != currentUser(c) {
		respondError(c, pkgerrors.ErrTradeNotFound)
		return
	}
	respondOK(c, trade)
}

func (s *Server) cancelTrade(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	res, err := s.execution.Cancel(c.Request.Context(), currentUser(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Success {
		respondError(c, res.Err)
		return
	}
	respondOK(c, res.Trade)
}

// --- wallet ---

func (s *Server) getWalletBalance(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		respondError(c, pkgerrors.NewValidation("currency", "query parameter is required"))
		return
	}
	walletType := c.DefaultQuery("type", models.WalletTypeSpot)
	if walletType != models.WalletTypeSpot && walletType != models.WalletTypeCopy {
		respondError(c, pkgerrors.NewValidation("type", "must be SPOT or COPY"))
		return
	}
	wallet, err := s.ledger.GetWallet(c.Request.Context(), currentUser(c), currency, walletType)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{
		"currency":        wallet.Currency,
		"type":            wallet.Type,
		"balance":         wallet.Balance,
		"amount_in_order": wallet.AmountInOrder,
		"available":       wallet.Available(),
	})
}

func (s *Server) listWalletTransactions(c *gin.Context) {
	currency := c.Query("currency")
	limit, offset := pageParams(c)
	txs, total, err := s.ledger.GetTransactions(c.Request.Context(), currentUser(c), currency, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	respondList(c, txs, pagination{Limit: limit, Offset: offset, Total: total})
}

// --- leader trade ingest ---

type leaderTradeRequest struct {
	TradeID      string `json:"trade_id" validate:"required,uuid"`
	LeaderID     string `json:"leader_id" validate:"required,uuid"`
	Symbol       string `json:"symbol" validate:"required"`
	Side         string `json:"side" validate:"required,oneof=BUY SELL"`
	Amount       string `json:"amount" validate:"required"`
	Price        string `json:"price" validate:"required"`
	PositionSize string `json:"position_size" validate:"omitempty"`
	ExecutedAt   string `json:"executed_at" validate:"omitempty"`
}

func (s *Server) ingestLeaderTrade(c *gin.Context) {
	var req leaderTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "malformed JSON"))
		return
	}
	if err := s.validator.Struct(req); err != nil {
		respondError(c, pkgerrors.NewValidation("body", "%s", err.Error()))
		return
	}

	tradeID, err := uuid.Parse(req.TradeID)
	if err != nil {
		respondError(c, pkgerrors.NewValidation("trade_id", "must be a valid UUID"))
		return
	}
	leaderID, err := uuid.Parse(req.LeaderID)
	if err != nil {
		respondError(c, pkgerrors.NewValidation("leader_id", "must be a valid UUID"))
		return
	}
	amount, ok := parseDecimal(c, "amount", req.Amount, true)
	if !ok {
		return
	}
	price, ok := parseDecimal(c, "price", req.Price, true)
	if !ok {
		return
	}
	positionSize := decimal.Zero
	if req.PositionSize != "" {
		v, ok := parseDecimal(c, "position_size", req.PositionSize, true)
		if !ok {
			return
		}
		positionSize = v
	}
	executedAt := time.Now()
	if req.ExecutedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExecutedAt)
		if err != nil {
			respondError(c, pkgerrors.NewValidation("executed_at", "must be RFC3339"))
			return
		}
		executedAt = t
	}

	result, err := s.copier.OnLeaderTrade(c.Request.Context(), copier.LeaderTrade{
		TradeID:      tradeID,
		LeaderID:     leaderID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Amount:       amount,
		Price:        price,
		PositionSize: positionSize,
		ExecutedAt:   executedAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

// --- markets and leaders ---

func (s *Server) listMarkets(c *gin.Context) {
	markets, err := s.markets.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, markets)
}

func (s *Server) listLeaderMarkets(c *gin.Context) {
	leaderID, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	declarations, err := s.leaders.ListLeaderMarkets(c.Request.Context(), leaderID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, declarations)
}

// --- helpers ---

func parseDecimal(c *gin.Context, field, raw string, mustBePositive bool) (decimal.Decimal, bool) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		respondError(c, pkgerrors.NewValidation(field, "must be a decimal number"))
		return decimal.Zero, false
	}
	if mustBePositive && !v.IsPositive() {
		respondError(c, pkgerrors.NewValidation(field, "must be positive"))
		return decimal.Zero, false
	}
	if !mustBePositive && v.IsNegative() {
		respondError(c, pkgerrors.NewValidation(field, "must not be negative"))
		return decimal.Zero, false
	}
	return v, true
}

func pageParams(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
