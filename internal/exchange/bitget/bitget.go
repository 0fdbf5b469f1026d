// Package bitget provides the Bitget USDT-FUTURES adapter
package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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

// BitgetExchange implements core.Exchange for Bitget USDT-M futures
type BitgetExchange struct {
	*base.Adapter
}

// NewBitgetExchange creates a new Bitget exchange instance
func NewBitgetExchange(cfg *core.ExchangeConfig, logger core.ILogger) *BitgetExchange {
	b := base.NewAdapter("bitget", cfg, logger)
	e := &BitgetExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs tsMs + METHOD + path(+query) + body with HMAC-SHA256,
// base64 encoded. Bitget requires the passphrase header.
func (e *BitgetExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(timestamp + req.Method + path + string(body)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", creds.APIKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("ACCESS-PASSPHRASE", creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *BitgetExchange) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bitget error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case "00000":
		return nil
	case "40001", "40002", "40003", "40006", "40037":
		return apperrors.ErrAuthenticationFailed
	case "429", "40429":
		return apperrors.ErrRateLimitExceeded
	case "40754", "43012":
		return apperrors.ErrInsufficientFunds
	case "40034", "40768":
		return apperrors.ErrOrderNotFound
	case "40808", "40809":
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("bitget error %s: %s", errResp.Code, errResp.Msg)
}

func (e *BitgetExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "new", "init", "live":
		return core.StatusOpen
	case "partial-fill", "partially_filled":
		return core.StatusPartial
	case "full-fill", "filled":
		return core.StatusFilled
	case "cancelled", "canceled":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *BitgetExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type bitgetOrderData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	FilledQty string `json:"filledQty"`
	PriceAvg  string `json:"priceAvg"`
	State     string `json:"state"`
	CTime     string `json:"cTime"`
}

func (e *BitgetExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != "00000" {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("bitget response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *BitgetExchange) toOrderResponse(o *bitgetOrderData, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Side == "buy" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == "limit" {
		orderType = core.OrderTypeLimit
	}
	created, _ := strconv.ParseInt(o.CTime, 10, 64)

	status := e.SafeMapOrderStatus(o.State)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOid,
		Symbol:          o.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Size),
		FilledQuantity:  e.ParseDecimal(o.FilledQty),
		Status:          status,
		Timestamp:       created,
	}
	if price, err := decimal.NewFromString(o.Price); err == nil {
		resp.Price = &price
	}
	if avg, err := decimal.NewFromString(o.PriceAvg); err == nil && !avg.IsZero() {
		resp.AvgFillPrice = &avg
	}
	return resp
}

// PlaceOrder submits an order to /api/v2/mix/order/place-order with
// crossed margin on USDT-FUTURES
func (e *BitgetExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *BitgetExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "buy"
	if req.Side == core.SideSell {
		side = "sell"
	}
	orderType := "limit"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "market"
	}

	payload := map[string]interface{}{
		"symbol":      req.Symbol,
		"productType": "USDT-FUTURES",
		"marginMode":  "crossed",
		"marginCoin":  "USDT",
		"side":        side,
		"tradeSide":   "open",
		"orderType":   orderType,
		"size":        req.Quantity.String(),
		"clientOid":   req.ClientOrderID,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v2/mix/order/place-order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var order bitgetOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	resp := e.toOrderResponse(&order, nil)
	// The placement ack carries only ids; echo the request for the rest
	if resp.Symbol == "" {
		resp.Symbol = req.Symbol
		resp.Side = req.Side
		resp.OrderType = req.OrderType
		resp.Price = req.Price
		resp.Quantity = req.Quantity
		resp.Status = core.StatusOpen
	}
	return resp, nil
}

// CancelOrder cancels via /api/v2/mix/order/cancel-order
func (e *BitgetExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := map[string]interface{}{
		"symbol":      symbol,
		"productType": "USDT-FUTURES",
		"orderId":     orderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v2/mix/order/cancel-order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var order bitgetOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	cancelled := core.StatusCancelled
	resp := e.toOrderResponse(&order, &cancelled)
	if resp.Symbol == "" {
		resp.Symbol = symbol
		resp.ExchangeOrderID = orderID
	}
	return resp, nil
}

// GetOrder queries /api/v2/mix/order/detail
func (e *BitgetExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := "symbol=" + url.QueryEscape(symbol) + "&productType=USDT-FUTURES&orderId=" + url.QueryEscape(orderID)

	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/api/v2/mix/order/detail?"+query, creds, nil)
	if err != nil {
		return nil, err
	}

	var order bitgetOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, nil), nil
}

// GetBestPrice returns best bid/ask from /api/v2/mix/market/ticker
func (e *BitgetExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/api/v2/mix/market/ticker?symbol="+url.QueryEscape(symbol)+"&productType=USDT-FUTURES", nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var tickers []struct {
		BestBid string `json:"bestBid"`
		BestAsk string `json:"bestAsk"`
	}
	if err := e.unwrap(body, &tickers); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(tickers) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bitget ticker data empty for %s", symbol)
	}

	bid, err := e.ParsePrice(tickers[0].BestBid)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bitget bid: %w", err)
	}
	ask, err := e.ParsePrice(tickers[0].BestAsk)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bitget ask: %w", err)
	}
	return bid, ask, nil
}
