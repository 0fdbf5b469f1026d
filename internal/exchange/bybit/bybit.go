// Package bybit provides the Bybit V5 linear futures adapter
package bybit

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

const recvWindow = "5000"

// BybitExchange implements core.Exchange for Bybit V5 linear contracts
type BybitExchange struct {
	*base.Adapter
}

// NewBybitExchange creates a new Bybit exchange instance
func NewBybitExchange(cfg *core.ExchangeConfig, logger core.ILogger) *BybitExchange {
	b := base.NewAdapter("bybit", cfg, logger)
	e := &BybitExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs timestamp + key + recv_window + payload where the
// payload is the JSON body for POSTs and the raw query for GETs.
func (e *BybitExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := string(body)
	if payload == "" {
		payload = req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(timestamp + creds.APIKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", creds.APIKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *BybitExchange) parseError(body []byte) error {
	var errResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("bybit error (unmarshal failed): %s", string(body))
	}

	// https://bybit-exchange.github.io/docs/v5/error
	switch errResp.RetCode {
	case 0:
		return nil
	case 10001, 10002:
		return apperrors.ErrInvalidOrderParameter
	case 10003, 10004:
		return apperrors.ErrAuthenticationFailed
	case 10006:
		return apperrors.ErrRateLimitExceeded
	case 110001:
		return apperrors.ErrOrderNotFound
	case 110007:
		return apperrors.ErrInsufficientFunds
	case 110072:
		return apperrors.ErrDuplicateOrder
	case 130006:
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("bybit error: %s (%d)", errResp.RetMsg, errResp.RetCode)
}

func (e *BybitExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "New", "Created", "Untriggered":
		return core.StatusOpen
	case "PartiallyFilled":
		return core.StatusPartial
	case "Filled":
		return core.StatusFilled
	case "Cancelled":
		return core.StatusCancelled
	case "Rejected":
		return core.StatusRejected
	default:
		return core.StatusPending
	}
}

func (e *BybitExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type bybitResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (e *BybitExchange) unwrap(body []byte, result interface{}) error {
	var resp bybitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.RetCode != 0 {
		return e.parseError(body)
	}
	if resp.Result == nil {
		return fmt.Errorf("bybit response has no result")
	}
	return json.Unmarshal(resp.Result, result)
}

// PlaceOrder submits an order to /v5/order/create. Bybit only echoes the
// ids at placement, so the response reflects the request with zero fills.
func (e *BybitExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *BybitExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "Buy"
	if req.Side == core.SideSell {
		side = "Sell"
	}
	orderType := "Limit"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "Market"
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   orderType,
		"qty":         req.Quantity.String(),
		"timeInForce": "GTC",
		"orderLinkId": req.ClientOrderID,
		"reduceOnly":  req.ReduceOnly,
	}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/v5/order/create", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := e.unwrap(body, &result); err != nil {
		return nil, err
	}

	return &core.OrderResponse{
		ExchangeOrderID: result.OrderID,
		ClientOrderID:   result.OrderLinkID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		OrderType:       req.OrderType,
		Price:           req.Price,
		Quantity:        req.Quantity,
		FilledQuantity:  decimal.Zero,
		Status:          core.StatusOpen,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

// CancelOrder cancels via /v5/order/cancel. Bybit echoes only the ids, so
// side, quantity and price in the response are synthetic.
func (e *BybitExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/v5/order/cancel", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := e.unwrap(body, &result); err != nil {
		return nil, err
	}

	return &core.OrderResponse{
		ExchangeOrderID: result.OrderID,
		ClientOrderID:   result.OrderLinkID,
		Symbol:          symbol,
		Side:            core.SideBuy,
		OrderType:       core.OrderTypeLimit,
		Quantity:        decimal.Zero,
		FilledQuantity:  decimal.Zero,
		Status:          core.StatusCancelled,
		Timestamp:       time.Now().UnixMilli(),
	}, nil
}

// GetOrder queries /v5/order/realtime
func (e *BybitExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := "category=linear&symbol=" + url.QueryEscape(symbol) + "&orderId=" + url.QueryEscape(orderID)

	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/v5/order/realtime?"+query, creds, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			OrderType   string `json:"orderType"`
			Price       string `json:"price"`
			Qty         string `json:"qty"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			OrderStatus string `json:"orderStatus"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, apperrors.ErrOrderNotFound
	}
	o := result.List[0]

	side := core.SideSell
	if o.Side == "Buy" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == "Limit" {
		orderType = core.OrderTypeLimit
	}
	updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.OrderLinkID,
		Symbol:          o.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Qty),
		FilledQuantity:  e.ParseDecimal(o.CumExecQty),
		Status:          e.SafeMapOrderStatus(o.OrderStatus),
		Timestamp:       updated,
	}
	if price, err := decimal.NewFromString(o.Price); err == nil {
		resp.Price = &price
	}
	if avg, err := decimal.NewFromString(o.AvgPrice); err == nil && !avg.IsZero() {
		resp.AvgFillPrice = &avg
	}
	return resp, nil
}

// GetBestPrice returns best bid/ask from /v5/market/tickers
func (e *BybitExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/v5/market/tickers?category=linear&symbol="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var result struct {
		List []struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := e.unwrap(body, &result); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bybit ticker list empty for %s", symbol)
	}

	bid, err := e.ParsePrice(result.List[0].Bid1Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bybit bid: %w", err)
	}
	ask, err := e.ParsePrice(result.List[0].Ask1Price)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("bybit ask: %w", err)
	}
	return bid, ask, nil
}
