// Package kucoin provides the KuCoin Futures adapter
package kucoin

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

// defaultLeverage is applied to every futures order.
const defaultLeverage = "5"

// KucoinExchange implements core.Exchange for KuCoin Futures
type KucoinExchange struct {
	*base.Adapter
}

// NewKucoinExchange creates a new KuCoin exchange instance
func NewKucoinExchange(cfg *core.ExchangeConfig, logger core.ILogger) *KucoinExchange {
	b := base.NewAdapter("kucoin", cfg, logger)
	e := &KucoinExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

func hmacBase64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signRequest signs tsMs + METHOD + path(+query) + body with HMAC-SHA256,
// base64 encoded. Key version 2 requires the passphrase itself to be
// HMAC-signed with the API secret.
func (e *KucoinExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	req.Header.Set("KC-API-KEY", creds.APIKey)
	req.Header.Set("KC-API-SIGN", hmacBase64(creds.APISecret, timestamp+req.Method+path+string(body)))
	req.Header.Set("KC-API-TIMESTAMP", timestamp)
	req.Header.Set("KC-API-PASSPHRASE", hmacBase64(creds.APISecret, creds.Passphrase))
	req.Header.Set("KC-API-KEY-VERSION", "2")
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *KucoinExchange) parseError(body []byte) error {
	var errResp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("kucoin error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case "200000":
		return nil
	case "400001", "400002", "400003", "400004", "400005", "400006", "411100":
		return apperrors.ErrAuthenticationFailed
	case "429000", "1015":
		return apperrors.ErrRateLimitExceeded
	case "200004", "300000":
		return apperrors.ErrInsufficientFunds
	case "404000", "100004":
		return apperrors.ErrOrderNotFound
	case "100001", "300008":
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("kucoin error %s: %s", errResp.Code, errResp.Msg)
}

func (e *KucoinExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "open", "new":
		return core.StatusOpen
	case "match", "partial":
		return core.StatusPartial
	case "done", "filled":
		return core.StatusFilled
	case "canceled", "cancelled":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *KucoinExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

func (e *KucoinExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != "200000" {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("kucoin response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

// PlaceOrder submits an order to /api/v1/orders. The placement ack
// contains only the order id, so the response echoes the request with
// a pending status until the first GetOrder poll.
func (e *KucoinExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *KucoinExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "buy"
	if req.Side == core.SideSell {
		side = "sell"
	}
	orderType := "limit"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "market"
	}

	payload := map[string]interface{}{
		"symbol":     req.Symbol,
		"side":       side,
		"type":       orderType,
		"leverage":   defaultLeverage,
		"size":       req.Quantity.String(),
		"clientOid":  req.ClientOrderID,
		"reduceOnly": req.ReduceOnly,
	}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v1/orders", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var ack struct {
		OrderID string `json:"orderId"`
	}
	if err := e.unwrap(body, &ack); err != nil {
		return nil, err
	}

	return &core.OrderResponse{
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Price:           req.Price,
		Quantity:        req.Quantity,
		FilledQuantity:  decimal.Zero,
		Status:          core.StatusPending,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

// CancelOrder cancels via DELETE /api/v1/orders/{orderID}. The venue
// only acks the cancellation, so a synthetic cancelled response is
// returned.
func (e *KucoinExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	body, err := e.Execute(ctx, http.MethodDelete, e.Config.RestURL+"/api/v1/orders/"+url.PathEscape(orderID), creds, nil)
	if err != nil {
		return nil, err
	}

	var ack struct {
		CancelledOrderIDs []string `json:"cancelledOrderIds"`
	}
	if err := e.unwrap(body, &ack); err != nil {
		return nil, err
	}

	return &core.OrderResponse{
		ExchangeOrderID: orderID,
		Symbol:          symbol,
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Quantity:        decimal.Zero,
		FilledQuantity:  decimal.Zero,
		Status:          core.StatusCancelled,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

type kucoinOrderDetail struct {
	ID         string  `json:"id"`
	Symbol     string  `json:"symbol"`
	ClientOid  string  `json:"clientOid"`
	Side       string  `json:"side"`
	OrderType  string  `json:"type"`
	Price      *string `json:"price"`
	Size       string  `json:"size"`
	FilledSize string  `json:"filledSize"`
	DealFunds  *string `json:"dealFunds"`
	Status     string  `json:"status"`
	CreatedAt  int64   `json:"createdAt"`
}

// GetOrder queries GET /api/v1/orders/{orderID}
func (e *KucoinExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/api/v1/orders/"+url.PathEscape(orderID), creds, nil)
	if err != nil {
		return nil, err
	}

	var order kucoinOrderDetail
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	side := core.SideSell
	if order.Side == "buy" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if order.OrderType == "limit" {
		orderType = core.OrderTypeLimit
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: order.ID,
		ClientOrderID:   order.ClientOid,
		Symbol:          order.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(order.Size),
		FilledQuantity:  e.ParseDecimal(order.FilledSize),
		Status:          e.SafeMapOrderStatus(order.Status),
		Timestamp:       order.CreatedAt,
	}
	if order.Price != nil {
		if price, err := decimal.NewFromString(*order.Price); err == nil {
			resp.Price = &price
		}
	}
	if order.DealFunds != nil {
		if avg, err := decimal.NewFromString(*order.DealFunds); err == nil && !avg.IsZero() {
			resp.AvgFillPrice = &avg
		}
	}
	return resp, nil
}

// GetBestPrice returns best bid/ask from /api/v1/ticker
func (e *KucoinExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/api/v1/ticker?symbol="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var ticker struct {
		BestBidPrice string `json:"bestBidPrice"`
		BestAskPrice string `json:"bestAskPrice"`
	}
	if err := e.unwrap(body, &ticker); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	bid, err := e.ParsePrice(ticker.BestBidPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("kucoin bid: %w", err)
	}
	ask, err := e.ParsePrice(ticker.BestAskPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("kucoin ask: %w", err)
	}
	return bid, ask, nil
}
