package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/metrics"
	"github.com/finvex/copytrade/pkg/models"
)

// HTTPClient talks to the venue's REST API. It owns its http.Client and
// request timeout; construct one per process and inject it where needed.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a venue client with an explicit request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// FetchOrderBook retrieves the current order book snapshot for a symbol.
func (c *HTTPClient) FetchOrderBook(ctx context.Context, symbol string) (*models.OrderBookSnapshot, error) {
	var book models.OrderBookSnapshot
	path := fmt.Sprintf("/api/v1/orderbook?symbol=%s", url.QueryEscape(symbol))
	if err := c.do(ctx, http.MethodGet, path, nil, &book); err != nil {
		metrics.VenueErrors.WithLabelValues("fetch_order_book").Inc()
		return nil, pkgerrors.NewVenue("fetch_order_book", err)
	}
	return &book, nil
}

// SubmitOrder submits an order and returns the venue order id. The wallet is
// debited by the caller only after this returns successfully.
func (c *HTTPClient) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", req, &resp); err != nil {
		metrics.VenueErrors.WithLabelValues("submit_order").Inc()
		return "", pkgerrors.NewVenue("submit_order", err)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels an order on the venue.
func (c *HTTPClient) CancelOrder(ctx context.Context, orderID, symbol string) error {
	path := fmt.Sprintf("/api/v1/orders/%s?symbol=%s", url.PathEscape(orderID), url.QueryEscape(symbol))
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		metrics.VenueErrors.WithLabelValues("cancel_order").Inc()
		return pkgerrors.NewVenue("cancel_order", err)
	}
	return nil
}

// FetchOrder retrieves the venue's view of a submitted order.
func (c *HTTPClient) FetchOrder(ctx context.Context, orderID, symbol string) (*OrderStatus, error) {
	var status OrderStatus
	path := fmt.Sprintf("/api/v1/orders/%s?symbol=%s", url.PathEscape(orderID), url.QueryEscape(symbol))
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		metrics.VenueErrors.WithLabelValues("fetch_order").Inc()
		return nil, pkgerrors.NewVenue("fetch_order", err)
	}
	return &status, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("venue rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data))
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
