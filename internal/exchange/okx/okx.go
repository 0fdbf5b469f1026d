// Package okx provides the OKX swap adapter
package okx

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

// OkxExchange implements core.Exchange for OKX perpetual swaps
type OkxExchange struct {
	*base.Adapter
}

// NewOkxExchange creates a new OKX exchange instance
func NewOkxExchange(cfg *core.ExchangeConfig, logger core.ILogger) *OkxExchange {
	b := base.NewAdapter("okx", cfg, logger)
	e := &OkxExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs tsISO + METHOD + path(+query) + body with HMAC-SHA256,
// base64 encoded. OKX requires the passphrase header on every private call.
func (e *OkxExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(timestamp + req.Method + path + string(body)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", creds.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", creds.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *OkxExchange) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("okx error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case "0":
		return nil
	case "50011":
		return apperrors.ErrRateLimitExceeded
	case "50102", "50103", "50104", "50105", "50111", "50113":
		return apperrors.ErrAuthenticationFailed
	case "51008":
		return apperrors.ErrInsufficientFunds
	case "51000", "51002":
		return apperrors.ErrInvalidOrderParameter
	case "51003", "51603":
		return apperrors.ErrOrderNotFound
	case "51016":
		return apperrors.ErrDuplicateOrder
	}

	return fmt.Errorf("okx error %s: %s", errResp.Code, errResp.Msg)
}

func (e *OkxExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "live":
		return core.StatusOpen
	case "partially_filled":
		return core.StatusPartial
	case "filled":
		return core.StatusFilled
	case "canceled", "cancelled":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *OkxExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type okxOrderData struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	FillSz  string `json:"fillSz"`
	AvgPx   string `json:"avgPx"`
	State   string `json:"state"`
	UTime   string `json:"uTime"`
}

func (e *OkxExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != "0" {
		return e.parseError(body)
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *OkxExchange) toOrderResponse(o *okxOrderData, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Side == "buy" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrdType == "limit" {
		orderType = core.OrderTypeLimit
	}
	updated, _ := strconv.ParseInt(o.UTime, 10, 64)

	status := e.SafeMapOrderStatus(o.State)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrdID,
		ClientOrderID:   o.ClOrdID,
		Symbol:          o.InstID,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Sz),
		FilledQuantity:  e.ParseDecimal(o.FillSz),
		Status:          status,
		Timestamp:       updated,
	}
	if price, err := decimal.NewFromString(o.Px); err == nil {
		resp.Price = &price
	}
	if avg, err := decimal.NewFromString(o.AvgPx); err == nil && !avg.IsZero() {
		resp.AvgFillPrice = &avg
	}
	return resp
}

// PlaceOrder submits an order to /api/v5/trade/order with cross margin
func (e *OkxExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *OkxExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "buy"
	if req.Side == core.SideSell {
		side = "sell"
	}
	ordType := "limit"
	if req.OrderType == core.OrderTypeMarket {
		ordType = "market"
	}

	payload := map[string]interface{}{
		"instId":     req.Symbol,
		"tdMode":     "cross",
		"side":       side,
		"ordType":    ordType,
		"sz":         req.Quantity.String(),
		"clOrdId":    req.ClientOrderID,
		"reduceOnly": req.ReduceOnly,
	}
	if req.Price != nil {
		payload["px"] = req.Price.String()
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v5/trade/order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var data []okxOrderData
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx response has no order data")
	}

	// The placement ack carries only ids; echo the request for the rest
	resp := e.toOrderResponse(&data[0], nil)
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

// CancelOrder cancels via /api/v5/trade/cancel-order
func (e *OkxExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := map[string]interface{}{
		"instId": symbol,
		"ordId":  orderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v5/trade/cancel-order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var data []okxOrderData
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("okx response has no order data")
	}

	cancelled := core.StatusCancelled
	resp := e.toOrderResponse(&data[0], &cancelled)
	if resp.Symbol == "" {
		resp.Symbol = symbol
		resp.ExchangeOrderID = orderID
	}
	return resp, nil
}

// GetOrder queries /api/v5/trade/order
func (e *OkxExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := "instId=" + url.QueryEscape(symbol) + "&ordId=" + url.QueryEscape(orderID)

	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/api/v5/trade/order?"+query, creds, nil)
	if err != nil {
		return nil, err
	}

	var data []okxOrderData
	if err := e.unwrap(body, &data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	return e.toOrderResponse(&data[0], nil), nil
}

// GetBestPrice returns best bid/ask from /api/v5/market/ticker
func (e *OkxExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/api/v5/market/ticker?instId="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var data []struct {
		BidPx string `json:"bidPx"`
		AskPx string `json:"askPx"`
	}
	if err := e.unwrap(body, &data); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(data) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("okx ticker data empty for %s", symbol)
	}

	bid, err := e.ParsePrice(data[0].BidPx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("okx bid: %w", err)
	}
	ask, err := e.ParsePrice(data[0].AskPx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("okx ask: %w", err)
	}
	return bid, ask, nil
}
