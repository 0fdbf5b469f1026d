package kucoin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

func newTestExchange(t *testing.T, serverURL string) *KucoinExchange {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	cfg := &core.ExchangeConfig{ID: "kucoin", RestURL: serverURL}
	return NewKucoinExchange(cfg, logger)
}

func testCreds() *core.Credentials {
	return &core.Credentials{APIKey: "test-key", APISecret: "test-secret", Passphrase: "test-pass"}
}

func TestKucoinPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("KC-API-KEY") != "test-key" {
			t.Errorf("missing KC-API-KEY header")
		}
		if r.Header.Get("KC-API-SIGN") == "" {
			t.Errorf("missing KC-API-SIGN header")
		}
		if r.Header.Get("KC-API-KEY-VERSION") != "2" {
			t.Errorf("missing KC-API-KEY-VERSION header")
		}

		// The passphrase header must be HMAC-signed, not plaintext
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte("test-pass"))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("KC-API-PASSPHRASE"); got != want {
			t.Errorf("unexpected KC-API-PASSPHRASE: %s", got)
		}

		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if payload["symbol"] != "XBTUSDTM" {
			t.Errorf("unexpected symbol: %v", payload["symbol"])
		}
		if payload["side"] != "buy" {
			t.Errorf("unexpected side: %v", payload["side"])
		}
		if payload["leverage"] != "5" {
			t.Errorf("unexpected leverage: %v", payload["leverage"])
		}
		if payload["price"] != "50000" {
			t.Errorf("unexpected price: %v", payload["price"])
		}

		w.Write([]byte(`{"code":"200000","data":{"orderId":"5bd6e9286d99522a52e458de"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)
	resp, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "XBTUSDTM",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if resp.ExchangeOrderID != "5bd6e9286d99522a52e458de" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
	if resp.Status != core.StatusPending {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if resp.ClientOrderID != "cs_abc123" {
		t.Errorf("unexpected client order id: %s", resp.ClientOrderID)
	}
}

func TestKucoinCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/5bd6e9286d99522a52e458de" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Write([]byte(`{"code":"200000","data":{"cancelledOrderIds":["5bd6e9286d99522a52e458de"]}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.CancelOrder(context.Background(), testCreds(), "XBTUSDTM", "5bd6e9286d99522a52e458de")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if resp.Status != core.StatusCancelled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if resp.ExchangeOrderID != "5bd6e9286d99522a52e458de" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
}

func TestKucoinGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orders/5bd6e9286d99522a52e458de" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodGet {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Write([]byte(`{"code":"200000","data":{"id":"5bd6e9286d99522a52e458de","symbol":"XBTUSDTM","clientOid":"cs_abc123","side":"buy","type":"limit","price":"50000","size":"10","filledSize":"4","dealFunds":"49999.5","status":"match","createdAt":1700000000000}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.GetOrder(context.Background(), testCreds(), "XBTUSDTM", "5bd6e9286d99522a52e458de")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if resp.Status != core.StatusPartial {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.FilledQuantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("unexpected filled quantity: %s", resp.FilledQuantity)
	}
	if resp.AvgFillPrice == nil || !resp.AvgFillPrice.Equal(decimal.NewFromFloat(49999.5)) {
		t.Errorf("unexpected avg fill price: %v", resp.AvgFillPrice)
	}
}

func TestKucoinGetBestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ticker" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "XBTUSDTM" {
			t.Errorf("unexpected symbol: %s", r.URL.Query().Get("symbol"))
		}
		if r.Header.Get("KC-API-KEY") != "" {
			t.Errorf("public endpoint should not be signed")
		}
		w.Write([]byte(`{"code":"200000","data":{"bestBidPrice":"50000.1","bestAskPrice":"50000.9"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	bid, ask, err := e.GetBestPrice(context.Background(), "XBTUSDTM")
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

func TestKucoinErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"400005","msg":"Invalid KC-API-SIGN"}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	_, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "XBTUSDTM",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	})
	if !errors.Is(err, apperrors.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestKucoinOrderStatusMapping(t *testing.T) {
	e := newTestExchange(t, "http://localhost")
	cases := []struct {
		raw  string
		want core.OrderStatus
	}{
		{"open", core.StatusOpen},
		{"new", core.StatusOpen},
		{"match", core.StatusPartial},
		{"partial", core.StatusPartial},
		{"done", core.StatusFilled},
		{"filled", core.StatusFilled},
		{"canceled", core.StatusCancelled},
		{"cancelled", core.StatusCancelled},
		{"weird", core.StatusPending},
	}
	for _, tc := range cases {
		if got := e.SafeMapOrderStatus(tc.raw); got != tc.want {
			t.Errorf("status %q: got %s, want %s", tc.raw, got, tc.want)
		}
	}
}
