package htx

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

func newTestExchange(t *testing.T, serverURL string) *HtxExchange {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	cfg := &core.ExchangeConfig{ID: "htx", RestURL: serverURL}
	return NewHtxExchange(cfg, logger)
}

func testCreds() *core.Credentials {
	return &core.Credentials{APIKey: "test-key", APISecret: "test-secret"}
}

func TestHtxPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/linear-swap-api/v1/swap_cross_order" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		q := r.URL.Query()
		if q.Get("AccessKeyId") != "test-key" {
			t.Errorf("unexpected AccessKeyId: %s", q.Get("AccessKeyId"))
		}
		if q.Get("SignatureMethod") != "HmacSHA256" {
			t.Errorf("unexpected SignatureMethod: %s", q.Get("SignatureMethod"))
		}
		if q.Get("SignatureVersion") != "2" {
			t.Errorf("unexpected SignatureVersion: %s", q.Get("SignatureVersion"))
		}
		if q.Get("Timestamp") == "" {
			t.Errorf("missing Timestamp")
		}
		if q.Get("Signature") == "" {
			t.Errorf("missing Signature")
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if payload["contract_code"] != "BTC-USDT" {
			t.Errorf("unexpected contract_code: %v", payload["contract_code"])
		}
		if payload["direction"] != "buy" {
			t.Errorf("unexpected direction: %v", payload["direction"])
		}
		if payload["order_price_type"] != "limit" {
			t.Errorf("unexpected order_price_type: %v", payload["order_price_type"])
		}
		if payload["volume"].(float64) != 10 {
			t.Errorf("unexpected volume: %v", payload["volume"])
		}
		if payload["lever_rate"].(float64) != 5 {
			t.Errorf("unexpected lever_rate: %v", payload["lever_rate"])
		}

		w.Write([]byte(`{"status":"ok","data":{"order_id":784017187857760256,"order_id_str":"784017187857760256"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)
	resp, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTC-USDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if resp.ExchangeOrderID != "784017187857760256" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
	if resp.Status != core.StatusPending {
		t.Errorf("unexpected status: %s", resp.Status)
	}
}

func TestHtxCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/linear-swap-api/v1/swap_cross_cancel" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if payload["order_id"] != "784017187857760256" {
			t.Errorf("unexpected order_id: %v", payload["order_id"])
		}
		w.Write([]byte(`{"status":"ok","data":{"successes":"784017187857760256"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.CancelOrder(context.Background(), testCreds(), "BTC-USDT", "784017187857760256")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if resp.Status != core.StatusCancelled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if resp.ExchangeOrderID != "784017187857760256" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
}

func TestHtxGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/linear-swap-api/v1/swap_cross_order_info" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","data":[{"order_id":784017187857760256,"order_id_str":"784017187857760256","symbol":"BTC","contract_code":"BTC-USDT","direction":"buy","offset":"open","price":50000,"volume":10,"trade_volume":10,"trade_avg_price":49998.5,"status":7,"created_at":1700000000000,"client_order_id":12345}]}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.GetOrder(context.Background(), testCreds(), "BTC-USDT", "784017187857760256")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if resp.Status != core.StatusFilled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.FilledQuantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("unexpected filled quantity: %s", resp.FilledQuantity)
	}
	if resp.AvgFillPrice == nil || !resp.AvgFillPrice.Equal(decimal.NewFromFloat(49998.5)) {
		t.Errorf("unexpected avg fill price: %v", resp.AvgFillPrice)
	}
	if resp.ClientOrderID != "12345" {
		t.Errorf("unexpected client order id: %s", resp.ClientOrderID)
	}
}

func TestHtxGetOrderNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","data":[]}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	_, err := e.GetOrder(context.Background(), testCreds(), "BTC-USDT", "999")
	if !errors.Is(err, apperrors.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestHtxGetBestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/linear-swap-ex/market/depth" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("contract_code") != "BTC-USDT" {
			t.Errorf("unexpected contract_code: %s", q.Get("contract_code"))
		}
		if q.Get("type") != "step0" {
			t.Errorf("unexpected type: %s", q.Get("type"))
		}
		w.Write([]byte(`{"status":"ok","tick":{"bids":[[50000.1,2.5]],"asks":[[50000.9,1.2]]}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	bid, ask, err := e.GetBestPrice(context.Background(), "BTC-USDT")
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

func TestHtxErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","err_code":"1047","err_msg":"Insufficient margin available"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	_, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTC-USDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	})
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestHtxOrderStatusMapping(t *testing.T) {
	cases := []struct {
		state int
		want  core.OrderStatus
	}{
		{1, core.StatusPending},
		{2, core.StatusPending},
		{3, core.StatusOpen},
		{4, core.StatusPartial},
		{5, core.StatusCancelled},
		{6, core.StatusCancelled},
		{7, core.StatusFilled},
		{42, core.StatusPending},
	}
	for _, tc := range cases {
		if got := mapState(tc.state); got != tc.want {
			t.Errorf("state %d: got %s, want %s", tc.state, got, tc.want)
		}
	}
}
