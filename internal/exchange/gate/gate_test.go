package gate

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

func newTestExchange(t *testing.T, serverURL string) *GateExchange {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	cfg := &core.ExchangeConfig{ID: "gateio", RestURL: serverURL}
	return NewGateExchange(cfg, logger)
}

func testCreds() *core.Credentials {
	return &core.Credentials{APIKey: "test-key", APISecret: "test-secret"}
}

func TestGatePlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/futures/usdt/orders" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("KEY") != "test-key" {
			t.Errorf("missing KEY header")
		}
		if r.Header.Get("SIGN") == "" {
			t.Errorf("missing SIGN header")
		}
		if r.Header.Get("Timestamp") == "" {
			t.Errorf("missing Timestamp header")
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if payload["contract"] != "BTC_USDT" {
			t.Errorf("unexpected contract: %v", payload["contract"])
		}
		if payload["size"].(float64) != -10 {
			t.Errorf("expected negative size for sell, got %v", payload["size"])
		}
		if payload["tif"] != "gtc" {
			t.Errorf("unexpected tif: %v", payload["tif"])
		}
		if payload["text"] != "cs_abc123" {
			t.Errorf("unexpected text: %v", payload["text"])
		}

		w.Write([]byte(`{"id":74046514,"contract":"BTC_USDT","size":-10,"price":"50000","tif":"gtc","fill_price":"0","left":-10,"status":"open","create_time":1700000000.123,"text":"cs_abc123"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)
	resp, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTC_USDT",
		Side:          core.SideSell,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if resp.ExchangeOrderID != "74046514" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
	if resp.Side != core.SideSell {
		t.Errorf("unexpected side: %s", resp.Side)
	}
	if resp.Status != core.StatusOpen {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected quantity: %s", resp.Quantity)
	}
}

func TestGateCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/futures/usdt/orders/74046514" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Write([]byte(`{"id":74046514,"contract":"BTC_USDT","size":10,"price":"50000","tif":"gtc","fill_price":"49999","left":6,"status":"finished","create_time":1700000000.0,"text":"cs_abc123"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.CancelOrder(context.Background(), testCreds(), "BTC_USDT", "74046514")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if resp.Status != core.StatusCancelled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.FilledQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("unexpected filled quantity: %s", resp.FilledQuantity)
	}
}

func TestGateGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/futures/usdt/orders/74046514" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":74046514,"contract":"BTC_USDT","size":10,"price":"50000","tif":"gtc","fill_price":"49999.5","left":0,"status":"finished","create_time":1700000000.0,"text":"cs_abc123"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.GetOrder(context.Background(), testCreds(), "BTC_USDT", "74046514")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if resp.Status != core.StatusFilled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected filled quantity: %s", resp.FilledQuantity)
	}
	if resp.AvgFillPrice == nil || !resp.AvgFillPrice.Equal(decimal.NewFromFloat(49999.5)) {
		t.Errorf("unexpected avg fill price: %v", resp.AvgFillPrice)
	}
}

func TestGateGetBestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/futures/usdt/tickers" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("contract") != "BTC_USDT" {
			t.Errorf("unexpected contract: %s", r.URL.Query().Get("contract"))
		}
		w.Write([]byte(`[{"highest_bid":"50000.1","lowest_ask":"50000.9"}]`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	bid, ask, err := e.GetBestPrice(context.Background(), "BTC_USDT")
	if err != nil {
		t.Fatalf("GetBestPrice failed: %v", err)
	}
	if !bid.Equal(decimal.NewFromFloat(50000.1)) {
		t.Errorf("unexpected bid: %s", bid)
	}
	if !ask.Equal(decimal.NewFromFloat(50000.9)) {
		t.Errorf("unexpected ask: %s", ask)
	}
}

func TestGateErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"label":"BALANCE_NOT_ENOUGH","message":"not enough balance"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	_, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTC_USDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	})
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestGateOrderStatusMapping(t *testing.T) {
	e := newTestExchange(t, "http://localhost")
	cases := []struct {
		raw  string
		want core.OrderStatus
	}{
		{"open", core.StatusOpen},
		{"finished", core.StatusFilled},
		{"cancelled", core.StatusCancelled},
		{"unknown-state", core.StatusPending},
	}
	for _, tc := range cases {
		if got := e.SafeMapOrderStatus(tc.raw); got != tc.want {
			t.Errorf("status %q: got %s, want %s", tc.raw, got, tc.want)
		}
	}
}
