// Package mexc provides the MEXC contract (futures) adapter
package mexc

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

// MexcExchange implements core.Exchange for MEXC USDT-M contracts.
// Side is numeric on the wire: 1=open long, 2=close short, 3=open short,
// 4=close long; state is numeric too: 1=pending, 2=filled, 3=partial,
// 4=cancelled.
type MexcExchange struct {
	*base.Adapter
}

// NewMexcExchange creates a new MEXC exchange instance
func NewMexcExchange(cfg *core.ExchangeConfig, logger core.ILogger) *MexcExchange {
	b := base.NewAdapter("mexc", cfg, logger)
	e := &MexcExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs the parameter string (body for POSTs, query for GETs)
// with HMAC-SHA256 hex. Request-Time must match the embedded timestamp.
func (e *MexcExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	payload := string(body)
	if payload == "" {
		payload = req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	requestTime := extractParam(payload, "timestamp")
	if requestTime == "" {
		requestTime = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}

	req.Header.Set("ApiKey", creds.APIKey)
	req.Header.Set("Request-Time", requestTime)
	req.Header.Set("Signature", signature)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func extractParam(query, key string) string {
	for _, pair := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(pair, key+"="); ok {
			return v
		}
	}
	return ""
}

func (e *MexcExchange) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("mexc error (unmarshal failed): %s", string(body))
	}

	switch errResp.Code {
	case 0:
		return nil
	case 602, 603:
		return apperrors.ErrAuthenticationFailed
	case 510:
		return apperrors.ErrRateLimitExceeded
	case 2005:
		return apperrors.ErrInsufficientFunds
	case 2001, 2003:
		return apperrors.ErrInvalidOrderParameter
	case 2004:
		return apperrors.ErrOrderNotFound
	}

	return fmt.Errorf("mexc error %d: %s", errResp.Code, errResp.Msg)
}

func (e *MexcExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	state, err := strconv.Atoi(rawStatus)
	if err != nil {
		return core.StatusPending
	}
	return mapState(state)
}

func mapState(state int) core.OrderStatus {
	switch state {
	case 1:
		return core.StatusPending
	case 2:
		return core.StatusFilled
	case 3:
		return core.StatusPartial
	case 4:
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *MexcExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type mexcOrderData struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          int    `json:"side"`
	OrderType     int    `json:"orderType"`
	Price         string `json:"price"`
	Vol           string `json:"vol"`
	DealVol       string `json:"dealVol"`
	DealAvgPrice  string `json:"dealAvgPrice"`
	State         int    `json:"state"`
	CreateTime    int64  `json:"createTime"`
}

func (e *MexcExchange) unwrap(body []byte, data interface{}) error {
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
		return fmt.Errorf("mexc response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *MexcExchange) toOrderResponse(o *mexcOrderData, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Side == 1 || o.Side == 2 {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if o.OrderType == 1 {
		orderType = core.OrderTypeLimit
	}

	status := mapState(o.State)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Vol),
		FilledQuantity:  e.ParseDecimal(o.DealVol),
		Status:          status,
		Timestamp:       o.CreateTime,
	}
	if price, err := decimal.NewFromString(o.Price); err == nil {
		resp.Price = &price
	}
	if avg, err := decimal.NewFromString(o.DealAvgPrice); err == nil && !avg.IsZero() {
		resp.AvgFillPrice = &avg
	}
	return resp
}

// PlaceOrder submits an order to /api/v1/private/order/submit. The body is
// a k=v&… parameter string in insertion order, which is also the signing
// payload.
func (e *MexcExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *MexcExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	// 1 = open long, 3 = open short
	side := 1
	if req.Side == core.SideSell {
		side = 3
	}
	// 1 = limit, 5 = market
	orderType := 1
	if req.OrderType == core.OrderTypeMarket {
		orderType = 5
	}

	params := []string{
		"symbol=" + req.Symbol,
		"side=" + strconv.Itoa(side),
		"openType=2",
		"type=" + strconv.Itoa(orderType),
		"vol=" + req.Quantity.String(),
		"timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if req.Price != nil {
		params = append(params, "price="+req.Price.String())
	}
	if req.ClientOrderID != "" {
		params = append(params, "externalOid="+req.ClientOrderID)
	}
	payload := strings.Join(params, "&")

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v1/private/order/submit", creds, []byte(payload))
	if err != nil {
		return nil, err
	}

	var order mexcOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	resp := e.toOrderResponse(&order, nil)
	if resp.ClientOrderID == "" {
		resp.ClientOrderID = req.ClientOrderID
	}
	return resp, nil
}

// CancelOrder cancels via /api/v1/private/order/cancel. The response is
// forced to Cancelled; MEXC's echo is not authoritative here.
func (e *MexcExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := fmt.Sprintf("symbol=%s&orderId=%s&timestamp=%d", symbol, orderID, time.Now().UnixMilli())

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v1/private/order/cancel", creds, []byte(payload))
	if err != nil {
		return nil, err
	}

	var order mexcOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	cancelled := core.StatusCancelled
	return e.toOrderResponse(&order, &cancelled), nil
}

// GetOrder queries /api/v1/private/order/get/{orderID}
func (e *MexcExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := fmt.Sprintf("symbol=%s&order_id=%s&timestamp=%d",
		url.QueryEscape(symbol), url.QueryEscape(orderID), time.Now().UnixMilli())

	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/api/v1/private/order/get/"+url.PathEscape(orderID)+"?"+query, creds, nil)
	if err != nil {
		return nil, err
	}

	var order mexcOrderData
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, nil), nil
}

// GetBestPrice returns best bid/ask from /api/v1/contract/ticker
func (e *MexcExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/api/v1/contract/ticker?symbol="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var ticker struct {
		Bid1 json.Number `json:"bid1"`
		Ask1 json.Number `json:"ask1"`
	}
	if err := e.unwrap(body, &ticker); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	bid, err := e.ParsePrice(ticker.Bid1.String())
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("mexc bid: %w", err)
	}
	ask, err := e.ParsePrice(ticker.Ask1.String())
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("mexc ask: %w", err)
	}
	return bid, ask, nil
}
