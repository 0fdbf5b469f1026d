// Package bingx provides the BingX perpetual swap adapter
package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	"exec_gateway/internal/exchange/base"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/retry"
)

// BingxExchange implements core.Exchange for BingX USDT-M perpetual swaps
type BingxExchange struct {
	*base.Adapter
}

// NewBingxExchange creates a new BingX exchange instance
func NewBingxExchange(cfg *core.ExchangeConfig, logger core.ILogger) *BingxExchange {
	b := base.NewAdapter("bingx", cfg, logger)
	e := &BingxExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs the query string with HMAC-SHA256 (hex) and appends
// it as the signature parameter
func (e *BingxExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(req.URL.RawQuery))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery += "&signature=" + signature
	req.Header.Set("X-BX-APIKEY", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *BingxExchange) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bingx error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case 0:
		return nil
	case 100413, 100419, 100001:
		return apperrors.ErrAuthenticationFailed
	case 100410, 80014:
		return apperrors.ErrRateLimitExceeded
	case 80001, 101204:
		return apperrors.ErrInsufficientFunds
	case 80016, 109414:
		return apperrors.ErrOrderNotFound
	case 80012, 100400:
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("bingx error %d: %s", errResp.Code, errResp.Msg)
}

func (e *BingxExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "NEW", "PENDING":
		return core.StatusOpen
	case "PARTIALLY_FILLED":
		return core.StatusPartial
	case "FILLED":
		return core.StatusFilled
	case "CANCELED", "CANCELLED":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *BingxExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type bingxOrder struct {
	OrderID       string  `json:"orderId"`
	Symbol        string  `json:"symbol"`
	ClientOrderID string  `json:"clientOrderId"`
	Side          string  `json:"side"`
	OrderType     string  `json:"type"`
	Price         *string `json:"price"`
	OrigQty       string  `json:"origQty"`
	ExecutedQty   string  `json:"executedQty"`
	AvgPrice      *string `json:"avgPrice"`
	Status        string  `json:"status"`
	Time          int64   `json:"time"`
}

func (e *BingxExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != 0 {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("bingx response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *BingxExchange) toOrderResponse(o *bingxOrder, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Side == "BUY" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == "LIMIT" {
		orderType = core.OrderTypeLimit
	}

	status := e.SafeMapOrderStatus(o.Status)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.OrigQty),
		FilledQuantity:  e.ParseDecimal(o.ExecutedQty),
		Status:          status,
		Timestamp:       o.Time,
	}
	if o.Price != nil {
		if price, err := decimal.NewFromString(*o.Price); err == nil && !price.IsZero() {
			resp.Price = &price
		}
	}
	if o.AvgPrice != nil {
		if avg, err := decimal.NewFromString(*o.AvgPrice); err == nil && !avg.IsZero() {
			resp.AvgFillPrice = &avg
		}
	}
	return resp
}

// PlaceOrder submits an order to /openApi/swap/v2/trade/order with all
// parameters in the query string, alphabetically ordered for signing
func (e *BingxExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *BingxExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "BUY"
	if req.Side == core.SideSell {
		side = "SELL"
	}
	orderType := "LIMIT"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "MARKET"
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", req.Quantity.String())
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if req.Price != nil {
		params.Set("price", req.Price.String())
	}
	if req.ClientOrderID != "" {
		params.Set("clientOrderId", req.ClientOrderID)
	}

	body, err := e.Execute(ctx, http.MethodPost,
		e.Config.RestURL+"/openApi/swap/v2/trade/order?"+params.Encode(), creds, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Order bingxOrder `json:"order"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&data.Order, nil), nil
}

// CancelOrder cancels via DELETE /openApi/swap/v2/trade/order
func (e *BingxExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	params.Set("symbol", symbol)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	body, err := e.Execute(ctx, http.MethodDelete,
		e.Config.RestURL+"/openApi/swap/v2/trade/order?"+params.Encode(), creds, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Order bingxOrder `json:"order"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}

	cancelled := core.StatusCancelled
	return e.toOrderResponse(&data.Order, &cancelled), nil
}

// GetOrder queries GET /openApi/swap/v2/trade/order
func (e *BingxExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	params.Set("symbol", symbol)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))

	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/openApi/swap/v2/trade/order?"+params.Encode(), creds, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Order bingxOrder `json:"order"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&data.Order, nil), nil
}

// GetBestPrice returns best bid/ask from /openApi/swap/v2/quote/ticker
func (e *BingxExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/openApi/swap/v2/quote/ticker?symbol="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var ticker struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := e.unwrap(body, &ticker); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	bid, err := e.ParsePrice(ticker.BidPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bingx bid: %w", err)
	}
	ask, err := e.ParsePrice(ticker.AskPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bingx ask: %w", err)
	}
	return bid, ask, nil
}
