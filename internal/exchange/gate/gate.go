// Package gate provides the Gate.io USDT futures adapter
package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
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

// GateExchange implements core.Exchange for Gate.io USDT-settled futures.
// Order sizes are integer contract counts; the sign of the size encodes
// the side.
type GateExchange struct {
	*base.Adapter
}

// NewGateExchange creates a new Gate.io exchange instance
func NewGateExchange(cfg *core.ExchangeConfig, logger core.ILogger) *GateExchange {
	b := base.NewAdapter("gateio", cfg, logger)
	e := &GateExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest signs METHOD\npath\nquery\nsha512hex(body)\ntsSec with
// HMAC-SHA512, hex encoded. The timestamp is in whole seconds.
func (e *GateExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	bodyHash := sha512.Sum512(body)

	payload := req.Method + "\n" + req.URL.Path + "\n" + req.URL.RawQuery + "\n" +
		hex.EncodeToString(bodyHash[:]) + "\n" + timestamp

	mac := hmac.New(sha512.New, []byte(creds.APISecret))
	mac.Write([]byte(payload))

	req.Header.Set("KEY", creds.APIKey)
	req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *GateExchange) parseError(body []byte) error {
	var errResp struct {
		Label   string `json:"label"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Label == "" {
		return fmt.Errorf("gateio error: %s", string(body))
	}

	switch errResp.Label {
	case "INVALID_KEY", "INVALID_SIGNATURE", "FORBIDDEN", "MISSING_REQUIRED_HEADER":
		return apperrors.ErrAuthenticationFailed
	case "TOO_MANY_REQUESTS":
		return apperrors.ErrRateLimitExceeded
	case "BALANCE_NOT_ENOUGH", "INSUFFICIENT_AVAILABLE", "MARGIN_BALANCE_NOT_ENOUGH":
		return apperrors.ErrInsufficientFunds
	case "ORDER_NOT_FOUND":
		return apperrors.ErrOrderNotFound
	case "INVALID_PARAM_VALUE", "INVALID_PROTOCOL", "CONTRACT_NOT_FOUND":
		return apperrors.ErrInvalidOrderParameter
	case "REQUEST_EXPIRED":
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("gateio error %s: %s", errResp.Label, errResp.Message)
}

func (e *GateExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "open":
		return core.StatusOpen
	case "finished":
		return core.StatusFilled
	case "cancelled":
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *GateExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type gateOrder struct {
	ID          int64   `json:"id"`
	Contract    string  `json:"contract"`
	Size        int64   `json:"size"`
	Price       string  `json:"price"`
	TimeInForce string  `json:"tif"`
	FillPrice   *string `json:"fill_price"`
	Left        int64   `json:"left"`
	Status      string  `json:"status"`
	CreateTime  float64 `json:"create_time"`
	Text        string  `json:"text"`
}

func (e *GateExchange) toOrderResponse(o *gateOrder, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	size := o.Size
	if size > 0 {
		side = core.SideBuy
	} else {
		size = -size
	}
	orderType := core.OrderTypeLimit
	if o.TimeInForce == "ioc" {
		orderType = core.OrderTypeMarket
	}

	status := e.SafeMapOrderStatus(o.Status)
	if statusOverride != nil {
		status = *statusOverride
	}

	filled := size - o.Left
	if filled < 0 {
		filled = -filled
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		ClientOrderID:   o.Text,
		Symbol:          o.Contract,
		Side:            side,
		OrderType:       orderType,
		Quantity:        decimal.NewFromInt(size),
		FilledQuantity:  decimal.NewFromInt(filled),
		Status:          status,
		Timestamp:       int64(o.CreateTime * 1000),
	}
	if price, err := decimal.NewFromString(o.Price); err == nil && !price.IsZero() {
		resp.Price = &price
	}
	if o.FillPrice != nil {
		if avg, err := decimal.NewFromString(*o.FillPrice); err == nil && !avg.IsZero() {
			resp.AvgFillPrice = &avg
		}
	}
	return resp
}

// PlaceOrder submits an order to /api/v4/futures/usdt/orders. Size is
// negative for sells; market orders are expressed as price 0 with ioc.
func (e *GateExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *GateExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	size := req.Quantity.IntPart()
	if size == 0 {
		size = 1
	}
	if req.Side == core.SideSell {
		size = -size
	}

	price := "0"
	if req.Price != nil {
		price = req.Price.String()
	}
	tif := "gtc"
	if req.OrderType == core.OrderTypeMarket {
		tif = "ioc"
	}

	payload := map[string]interface{}{
		"contract":    req.Symbol,
		"size":        size,
		"price":       price,
		"tif":         tif,
		"reduce_only": req.ReduceOnly,
		"text":        req.ClientOrderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/api/v4/futures/usdt/orders", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var order gateOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return e.toOrderResponse(&order, nil), nil
}

// CancelOrder cancels via DELETE /api/v4/futures/usdt/orders/{orderID}
func (e *GateExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	body, err := e.Execute(ctx, http.MethodDelete, e.Config.RestURL+"/api/v4/futures/usdt/orders/"+url.PathEscape(orderID), creds, nil)
	if err != nil {
		return nil, err
	}

	var order gateOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse cancel response: %w", err)
	}

	cancelled := core.StatusCancelled
	return e.toOrderResponse(&order, &cancelled), nil
}

// GetOrder queries GET /api/v4/futures/usdt/orders/{orderID}
func (e *GateExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/api/v4/futures/usdt/orders/"+url.PathEscape(orderID), creds, nil)
	if err != nil {
		return nil, err
	}

	var order gateOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}
	return e.toOrderResponse(&order, nil), nil
}

// GetBestPrice returns best bid/ask from /api/v4/futures/usdt/tickers
func (e *GateExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/api/v4/futures/usdt/tickers?contract="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var tickers []struct {
		HighestBid string `json:"highest_bid"`
		LowestAsk  string `json:"lowest_ask"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse ticker response: %w", err)
	}
	if len(tickers) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("gateio ticker data empty for %s", symbol)
	}

	bid, err := e.ParsePrice(tickers[0].HighestBid)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("gateio bid: %w", err)
	}
	ask, err := e.ParsePrice(tickers[0].LowestAsk)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("gateio ask: %w", err)
	}
	return bid, ask, nil
}
