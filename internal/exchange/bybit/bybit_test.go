package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/logging"
)

func newTestExchange(t *testing.T, serverURL string) *BybitExchange {
	t.Helper()
	logger, _ := logging.NewZapLogger("INFO")
	return NewBybitExchange(&core.ExchangeConfig{ID: "bybit", RestURL: serverURL}, logger)
}

func testCreds() *core.Credentials {
	return &core.Credentials{APIKey: "test_key", APISecret: "test_secret"}
}

func TestBybitPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/create" {
			t.Errorf("Expected path /v5/order/create, got %s", r.URL.Path)
		}
		if r.Header.Get("X-BAPI-API-KEY") != "test_key" {
			t.Errorf("Missing api key header")
		}
		if r.Header.Get("X-BAPI-SIGN") == "" {
			t.Error("Missing signature header")
		}
		if r.Header.Get("X-BAPI-RECV-WINDOW") != "5000" {
			t.Errorf("Expected recv window 5000, got %s", r.Header.Get("X-BAPI-RECV-WINDOW"))
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if payload["category"] != "linear" {
			t.Errorf("Expected category linear, got %v", payload["category"])
		}
		if payload["side"] != "Buy" {
			t.Errorf("Expected side Buy, got %v", payload["side"])
		}
		if payload["orderLinkId"] != "cs_abcdefab12345678" {
			t.Errorf("Unexpected orderLinkId %v", payload["orderLinkId"])
		}

		w.Write([]byte(`{
			"retCode": 0,
			"retMsg": "OK",
			"result": {"orderId": "1321003749386327552", "orderLinkId": "cs_abcdefab12345678"}
		}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)

	order, err := exchange.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abcdefab12345678",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	if order.ExchangeOrderID != "1321003749386327552" {
		t.Errorf("Unexpected order id %s", order.ExchangeOrderID)
	}
	if order.Status != core.StatusOpen {
		t.Errorf("Expected open, got %s", order.Status)
	}
	if !order.FilledQuantity.IsZero() {
		t.Errorf("Expected zero fills at placement, got %s", order.FilledQuantity)
	}
}

func TestBybitPlaceOrderVenueError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode": 110007, "retMsg": "insufficient available balance", "result": {}}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)

	_, err := exchange.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abcdefab12345678",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.NewFromInt(1),
	})
	if err == nil {
		t.Fatal("Expected error on venue rejection")
	}
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBybitCancelOrderSyntheticFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/cancel" {
			t.Errorf("Expected path /v5/order/cancel, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode": 0, "retMsg": "OK", "result": {"orderId": "123456", "orderLinkId": "cs_abcdefab12345678"}}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	order, err := exchange.CancelOrder(context.Background(), testCreds(), "BTCUSDT", "123456")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if order.Status != core.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", order.Status)
	}
	if order.ExchangeOrderID != "123456" {
		t.Errorf("Unexpected order id %s", order.ExchangeOrderID)
	}
}

func TestBybitGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/order/realtime" {
			t.Errorf("Expected path /v5/order/realtime, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("category") != "linear" {
			t.Errorf("Expected category=linear")
		}
		w.Write([]byte(`{
			"retCode": 0, "retMsg": "OK",
			"result": {"list": [{
				"orderId": "123456", "orderLinkId": "cs_abcdefab12345678", "symbol": "BTCUSDT",
				"side": "Buy", "orderType": "Limit", "price": "50000", "qty": "0.5",
				"cumExecQty": "0.2", "avgPrice": "49999.5", "orderStatus": "PartiallyFilled",
				"updatedTime": "1700000000123"
			}]}
		}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	order, err := exchange.GetOrder(context.Background(), testCreds(), "BTCUSDT", "123456")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.Status != core.StatusPartial {
		t.Errorf("Expected partial, got %s", order.Status)
	}
	if !order.FilledQuantity.Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("Unexpected fills %s", order.FilledQuantity)
	}
	if order.Timestamp != 1700000000123 {
		t.Errorf("Unexpected timestamp %d", order.Timestamp)
	}
}

func TestBybitGetOrderNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode": 0, "retMsg": "OK", "result": {"list": []}}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	_, err := exchange.GetOrder(context.Background(), testCreds(), "BTCUSDT", "missing")
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestBybitGetBestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("Expected tickers path, got %s", r.URL.Path)
		}
		w.Write([]byte(`{"retCode": 0, "retMsg": "OK", "result": {"list": [{"bid1Price": "49999.9", "ask1Price": "50000.1"}]}}`))
	}))
	defer server.Close()

	exchange := newTestExchange(t, server.URL)
	bid, ask, err := exchange.GetBestPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetBestPrice failed: %v", err)
	}
	if !bid.Equal(decimal.RequireFromString("49999.9")) || !ask.Equal(decimal.RequireFromString("50000.1")) {
		t.Errorf("Unexpected prices bid=%s ask=%s", bid, ask)
	}
}

func TestBybitMapOrderStatus(t *testing.T) {
	exchange := newTestExchange(t, "http://localhost")

	cases := map[string]core.OrderStatus{
		"New":             core.StatusOpen,
		"PartiallyFilled": core.StatusPartial,
		"Filled":          core.StatusFilled,
		"Cancelled":       core.StatusCancelled,
		"Rejected":        core.StatusRejected,
		"Deactivated":     core.StatusPending,
	}
	for raw, want := range cases {
		if got := exchange.SafeMapOrderStatus(raw); got != want {
			t.Errorf("status %q: expected %s, got %s", raw, want, got)
		}
	}
}
