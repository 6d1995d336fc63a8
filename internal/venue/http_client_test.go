package venue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/finvex/copytrade/pkg/errors"
	"github.com/finvex/copytrade/pkg/logger"
	"github.com/finvex/copytrade/pkg/models"
)

func TestSubmitOrderSendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/orders" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"order_id": "ord-123"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret", time.Second, logger.NewNop())
	orderID, err := c.SubmitOrder(context.Background(), OrderRequest{
		Symbol: "BTC-USDT",
		Side:   models.SideBuy,
		Type:   models.OrderTypeMarket,
		Amount: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if orderID != "ord-123" {
		t.Errorf("order id: got %s, want ord-123", orderID)
	}
	if gotKey != "secret" {
		t.Errorf("api key header: got %q, want secret", gotKey)
	}
}

func TestSubmitOrderRejectionIsVenueError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient margin", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, logger.NewNop())
	_, err := c.SubmitOrder(context.Background(), OrderRequest{Symbol: "BTC-USDT"})
	if !pkgerrors.IsVenue(err) {
		t.Fatalf("expected venue error, got %v", err)
	}
}

func TestFetchOrderBookTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchOrderBook(ctx, "BTC-USDT")
	if !pkgerrors.IsVenue(err) {
		t.Fatalf("expected venue error on timeout, got %v", err)
	}
}

func TestFetchOrderBookDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol query: got %q", got)
		}
		json.NewEncoder(w).Encode(models.OrderBookSnapshot{
			Symbol: "BTC-USDT",
			Bids:   []models.OrderBookLevel{{Price: decimal.NewFromInt(99), Amount: decimal.NewFromInt(1)}},
			Asks:   []models.OrderBookLevel{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(2)}},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second, logger.NewNop())
	book, err := c.FetchOrderBook(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !book.BestBid().Equal(decimal.NewFromInt(99)) || !book.BestAsk().Equal(decimal.NewFromInt(100)) {
		t.Errorf("book: bid %s ask %s", book.BestBid(), book.BestAsk())
	}
}
