// Package coinex provides the CoinEx futures adapter
package coinex

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
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	"exec_gateway/internal/exchange/base"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/retry"
)

// CoinexExchange implements core.Exchange for CoinEx futures. Side and
// order type are encoded as integers on the wire (1=buy/limit, 2=sell/market).
type CoinexExchange struct {
	*base.Adapter
}

// NewCoinexExchange creates a new CoinEx exchange instance
func NewCoinexExchange(cfg *core.ExchangeConfig, logger core.ILogger) *CoinexExchange {
	b := base.NewAdapter("coinex", cfg, logger)
	e := &CoinexExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs METHOD + path(+query) + body + tsMs with HMAC-SHA256,
// lowercase hex encoded
func (e *CoinexExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(req.Method + path + string(body) + timestamp))
	signature := strings.ToLower(hex.EncodeToString(mac.Sum(nil)))

	req.Header.Set("X-COINEX-KEY", creds.APIKey)
	req.Header.Set("X-COINEX-SIGN", signature)
	req.Header.Set("X-COINEX-TIMESTAMP", timestamp)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *CoinexExchange) parseError(body []byte) error {
	var errResp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("coinex error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case 0:
		return nil
	case 4001, 4003, 4004, 4005:
		return apperrors.ErrAuthenticationFailed
	case 4213, 3008:
		return apperrors.ErrRateLimitExceeded
	case 3109, 3127:
		return apperrors.ErrInsufficientFunds
	case 3600, 3620:
		return apperrors.ErrOrderNotFound
	case 3003, 3004:
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("coinex error %d: %s", errResp.Code, errResp.Message)
}

func (e *CoinexExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "open", "not_deal":
		return core.StatusOpen
	case "part_deal":
		return core.StatusPartial
	case "done", "filled":
		return core.StatusFilled
	case "cancel", "canceled":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *CoinexExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type coinexOrder struct {
	OrderID    int64   `json:"order_id"`
	Market     string  `json:"market"`
	Side       int     `json:"side"`
	OrderType  int     `json:"type"`
	Amount     string  `json:"amount"`
	Price      string  `json:"price"`
	DealAmount *string `json:"deal_amount"`
	AvgPrice   *string `json:"avg_price"`
	Status     string  `json:"status"`
	CreatedAt  int64   `json:"created_at"`
	ClientID   string  `json:"client_id"`
}

func (e *CoinexExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Code != 0 {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("coinex response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *CoinexExchange) toOrderResponse(o *coinexOrder, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Side == 1 {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == 1 {
		orderType = core.OrderTypeLimit
	}

	status := e.SafeMapOrderStatus(o.Status)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientID,
		Symbol:          o.Market,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Amount),
		Status:          status,
		Timestamp:       o.CreatedAt,
	}
	if price, err := decimal.NewFromString(o.Price); err == nil && !price.IsZero() {
		resp.Price = &price
	}
	if o.DealAmount != nil {
		resp.FilledQuantity = e.ParseDecimal(*o.DealAmount)
	} else {
		resp.FilledQuantity = decimal.Zero
	}
	if o.AvgPrice != nil {
		if avg, err := decimal.NewFromString(*o.AvgPrice); err == nil && !avg.IsZero() {
			resp.AvgFillPrice = &avg
		}
	}
	return resp
}

// PlaceOrder submits an order to /v2/futures/order
func (e *CoinexExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *CoinexExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := 1
	if req.Side == core.SideSell {
		side = 2
	}
	orderType := 1
	if req.OrderType == core.OrderTypeMarket {
		orderType = 2
	}

	payload := map[string]interface{}{
		"market":    req.Symbol,
		"side":      side,
		"type":      orderType,
		"amount":    req.Quantity.String(),
		"client_id": req.ClientOrderID,
	}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/v2/futures/order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var order coinexOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, nil), nil
}

// CancelOrder cancels via DELETE /v2/futures/order with a JSON body
func (e *CoinexExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	id, _ := strconv.ParseInt(orderID, 10, 64)
	payload := map[string]interface{}{
		"market":   symbol,
		"order_id": id,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodDelete, e.Config.RestURL+"/v2/futures/order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var order coinexOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	cancelled := core.StatusCancelled
	return e.toOrderResponse(&order, &cancelled), nil
}

// GetOrder queries GET /v2/futures/order?market=&order_id=
func (e *CoinexExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := "market=" + url.QueryEscape(symbol) + "&order_id=" + url.QueryEscape(orderID)

	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/v2/futures/order?"+query, creds, nil)
	if err != nil {
		return nil, err
	}

	var order coinexOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, nil), nil
}

// GetBestPrice returns best bid/ask from /v2/futures/ticker
func (e *CoinexExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/v2/futures/ticker?market="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var ticker struct {
		BestBidPrice string `json:"best_bid_price"`
		BestAskPrice string `json:"best_ask_price"`
	}
	if err := e.unwrap(body, &ticker); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	bid, err := e.ParsePrice(ticker.BestBidPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("coinex bid: %w", err)
	}
	ask, err := e.ParsePrice(ticker.BestAskPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("coinex ask: %w", err)
	}
	return bid, ask, nil
}
