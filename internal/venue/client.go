// Package venue exposes the external matching engine as a narrow client
// interface. The venue is a black box: an order book plus order
// submission/cancellation endpoints. All calls carry the caller's context so
// timeouts propagate; a timed-out call is treated as not committed.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/finvex/copytrade/pkg/models"
)

// OrderRequest describes an order to submit to the venue.
type OrderRequest struct {
	UserID string          `json:"user_id"`
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
}

// OrderStatus is the venue's view of a submitted order.
type OrderStatus struct {
	OrderID      string          `json:"order_id"`
	Status       string          `json:"status"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

// Client is the venue API consumed by the execution engine and monitor loop.
type Client interface {
	FetchOrderBook(ctx context.Context, symbol string) (*models.OrderBookSnapshot, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (*OrderStatus, error)
}
