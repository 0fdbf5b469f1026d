package lbank

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/logging"
)

func newTestExchange(t *testing.T, serverURL string) *LbankExchange {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	cfg := &core.ExchangeConfig{ID: "lbank", RestURL: serverURL}
	return NewLbankExchange(cfg, logger)
}

func testCreds() *core.Credentials {
	return &core.Credentials{APIKey: "test-key", APISecret: "test-secret"}
}

func TestLbankPlaceOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cfd/openApi/v1/order/create" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type: %s", ct)
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		body := string(raw)

		params, err := url.ParseQuery(body)
		if err != nil {
			t.Fatalf("failed to parse form body: %v", err)
		}
		if params.Get("api_key") != "test-key" {
			t.Errorf("unexpected api_key: %s", params.Get("api_key"))
		}
		if params.Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol: %s", params.Get("symbol"))
		}
		if params.Get("direction") != "buy" {
			t.Errorf("unexpected direction: %s", params.Get("direction"))
		}
		if params.Get("offset") != "open" {
			t.Errorf("unexpected offset: %s", params.Get("offset"))
		}
		if params.Get("type") != "1" {
			t.Errorf("unexpected type: %s", params.Get("type"))
		}

		// signature covers the sorted params preceding &sign=
		idx := strings.LastIndex(body, "&sign=")
		if idx < 0 {
			t.Fatalf("sign missing from body: %s", body)
		}
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(body[:idx]))
		if want := hex.EncodeToString(mac.Sum(nil)); body[idx+len("&sign="):] != want {
			t.Errorf("signature mismatch")
		}

		w.Write([]byte(`{"result":true,"data":{"order_id":"98765","symbol":"BTCUSDT","direction":"buy","offset":"open","price":"50000","volume":"0.5","traded_volume":"0","avg_price":"0","status":1,"create_time":1700000000000,"client_order_id":"cs_abc123"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	price := decimal.NewFromInt(50000)
	resp, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if resp.ExchangeOrderID != "98765" {
		t.Errorf("unexpected order id: %s", resp.ExchangeOrderID)
	}
	if resp.Status != core.StatusOpen {
		t.Errorf("unexpected status: %s", resp.Status)
	}
}

func TestLbankCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cfd/openApi/v1/order/cancel" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"result":true,"data":{"order_id":"98765","symbol":"BTCUSDT","direction":"buy","offset":"open","price":"50000","volume":"0.5","traded_volume":"0.2","avg_price":"49999","status":2,"create_time":1700000000000,"client_order_id":"cs_abc123"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.CancelOrder(context.Background(), testCreds(), "BTCUSDT", "98765")
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if resp.Status != core.StatusCancelled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if !resp.FilledQuantity.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("unexpected filled quantity: %s", resp.FilledQuantity)
	}
}

func TestLbankGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cfd/openApi/v1/order/detail" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("api_key") != "test-key" {
			t.Errorf("unexpected api_key: %s", q.Get("api_key"))
		}
		if q.Get("sign") == "" {
			t.Errorf("missing sign parameter")
		}
		w.Write([]byte(`{"result":true,"data":{"order_id":"98765","symbol":"BTCUSDT","direction":"sell","offset":"open","price":"50000","volume":"0.5","traded_volume":"0.5","avg_price":"49998.5","status":3,"create_time":1700000000000,"client_order_id":"cs_abc123"}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	resp, err := e.GetOrder(context.Background(), testCreds(), "BTCUSDT", "98765")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if resp.Status != core.StatusFilled {
		t.Errorf("unexpected status: %s", resp.Status)
	}
	if resp.Side != core.SideSell {
		t.Errorf("unexpected side: %s", resp.Side)
	}
	if resp.AvgFillPrice == nil || !resp.AvgFillPrice.Equal(decimal.NewFromFloat(49998.5)) {
		t.Errorf("unexpected avg fill price: %v", resp.AvgFillPrice)
	}
}

func TestLbankGetBestPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cfd/openApi/v1/pub/depth" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected symbol: %s", q.Get("symbol"))
		}
		if q.Get("size") != "1" {
			t.Errorf("unexpected size: %s", q.Get("size"))
		}
		w.Write([]byte(`{"result":true,"data":{"bids":[["50000.1","2.5"]],"asks":[["50000.9","1.2"]]}}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	bid, ask, err := e.GetBestPrice(context.Background(), "BTCUSDT")
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

func TestLbankErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":false,"error_code":10016}`))
	}))
	defer server.Close()

	e := newTestExchange(t, server.URL)
	_, err := e.PlaceOrder(context.Background(), testCreds(), &core.OrderRequest{
		ClientOrderID: "cs_abc123",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
	})
	if !errors.Is(err, apperrors.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestLbankOrderStatusMapping(t *testing.T) {
	cases := []struct {
		state int
		want  core.OrderStatus
	}{
		{0, core.StatusPending},
		{1, core.StatusOpen},
		{2, core.StatusPartial},
		{3, core.StatusFilled},
		{4, core.StatusCancelled},
		{5, core.StatusCancelled},
		{99, core.StatusPending},
	}
	for _, tc := range cases {
		if got := mapState(tc.state); got != tc.want {
			t.Errorf("state %d: got %s, want %s", tc.state, got, tc.want)
		}
	}
}
