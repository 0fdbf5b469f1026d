// Package htx provides the HTX (Huobi) linear swap adapter
package htx

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

// HtxExchange implements core.Exchange for HTX cross-margin linear swaps.
// Authentication parameters travel in the query string; every private
// endpoint is a POST.
type HtxExchange struct {
	*base.Adapter
}

// NewHtxExchange creates a new HTX exchange instance
func NewHtxExchange(cfg *core.ExchangeConfig, logger core.ILogger) *HtxExchange {
	b := base.NewAdapter("htx", cfg, logger)
	e := &HtxExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest builds the auth query parameters and signs
// METHOD\nhost\npath\nparams with HMAC-SHA256, base64 encoded. The
// signature is appended to the query string.
func (e *HtxExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}

	params := url.Values{}
	params.Set("AccessKeyId", creds.APIKey)
	params.Set("SignatureMethod", "HmacSHA256")
	params.Set("SignatureVersion", "2")
	params.Set("Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))
	encoded := params.Encode()

	payload := req.Method + "\n" + req.URL.Host + "\n" + req.URL.Path + "\n" + encoded

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery = encoded + "&Signature=" + url.QueryEscape(signature)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (e *HtxExchange) parseError(body []byte) error {
	var errResp struct {
		Status  string `json:"status"`
		ErrCode string `json:"err_code"`
		ErrMsg  string `json:"err_msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("htx error (unmarshal failed): %s", string(body))
	}
	if errResp.Status == "ok" {
		return nil
	}

	switch errResp.ErrCode {
	case "403", "1003", "1004", "1010":
		return apperrors.ErrAuthenticationFailed
	case "1032", "1033":
		return apperrors.ErrRateLimitExceeded
	case "1047", "1048":
		return apperrors.ErrInsufficientFunds
	case "1061", "1071":
		return apperrors.ErrOrderNotFound
	case "1030", "1066", "1067":
		return apperrors.ErrInvalidOrderParameter
	}

	return fmt.Errorf("htx error %s: %s", errResp.ErrCode, errResp.ErrMsg)
}

// mapOrderStatus parses HTX's numeric order state
func (e *HtxExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	state, err := strconv.Atoi(rawStatus)
	if err != nil {
		return core.StatusPending
	}
	return mapState(state)
}

func mapState(state int) core.OrderStatus {
	switch state {
	case 3:
		return core.StatusOpen
	case 4:
		return core.StatusPartial
	case 5, 6:
		return core.StatusCancelled
	case 7:
		return core.StatusFilled
	default:
		return core.StatusPending
	}
}

func (e *HtxExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

func (e *HtxExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Status != "ok" {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("htx response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

// PlaceOrder submits an order to /linear-swap-api/v1/swap_cross_order.
// HTX acks with only the order id, so the response echoes the request
// with a pending status. Market orders use the optimal_20 price type
// and volume is an integer contract count.
func (e *HtxExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *HtxExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	direction := "buy"
	if req.Side == core.SideSell {
		direction = "sell"
	}
	priceType := "limit"
	if req.OrderType == core.OrderTypeMarket {
		priceType = "optimal_20"
	}
	volume := req.Quantity.IntPart()
	if volume == 0 {
		volume = 1
	}
	reduceOnly := 0
	if req.ReduceOnly {
		reduceOnly = 1
	}

	payload := map[string]interface{}{
		"contract_code":    req.Symbol,
		"direction":        direction,
		"offset":           "open",
		"order_price_type": priceType,
		"volume":           volume,
		"lever_rate":       5,
		"reduce_only":      reduceOnly,
	}
	if req.Price != nil {
		f, _ := req.Price.Float64()
		payload["price"] = f
	}

	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/linear-swap-api/v1/swap_cross_order", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var ack struct {
		OrderIDStr string `json:"order_id_str"`
	}
	if err := e.unwrap(body, &ack); err != nil {
		return nil, err
	}

	return &core.OrderResponse{
		ExchangeOrderID: ack.OrderIDStr,
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

// CancelOrder cancels via /linear-swap-api/v1/swap_cross_cancel and
// returns a synthetic cancelled response
func (e *HtxExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := map[string]interface{}{
		"contract_code": symbol,
		"order_id":      orderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if _, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/linear-swap-api/v1/swap_cross_cancel", creds, jsonBody); err != nil {
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

type htxOrderDetail struct {
	OrderIDStr    string   `json:"order_id_str"`
	ContractCode  string   `json:"contract_code"`
	Direction     string   `json:"direction"`
	Price         float64  `json:"price"`
	Volume        int64    `json:"volume"`
	TradeVolume   int64    `json:"trade_volume"`
	TradeAvgPrice *float64 `json:"trade_avg_price"`
	Status        int      `json:"status"`
	CreatedAt     int64    `json:"created_at"`
	ClientOrderID *int64   `json:"client_order_id"`
}

// GetOrder queries /linear-swap-api/v1/swap_cross_order_info, which
// responds with an array of matching orders
func (e *HtxExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	payload := map[string]interface{}{
		"contract_code": symbol,
		"order_id":      orderID,
	}
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/linear-swap-api/v1/swap_cross_order_info", creds, jsonBody)
	if err != nil {
		return nil, err
	}

	var orders []htxOrderDetail
	if err := e.unwrap(body, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	o := orders[0]

	side := core.SideSell
	if o.Direction == "buy" {
		side = core.SideBuy
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderIDStr,
		Symbol:          o.ContractCode,
		Side:            side,
		OrderType:       core.OrderTypeLimit,
		Quantity:        decimal.NewFromInt(o.Volume),
		FilledQuantity:  decimal.NewFromInt(o.TradeVolume),
		Status:          mapState(o.Status),
		Timestamp:       o.CreatedAt,
	}
	if o.ClientOrderID != nil {
		resp.ClientOrderID = strconv.FormatInt(*o.ClientOrderID, 10)
	}
	if o.Price != 0 {
		price := decimal.NewFromFloat(o.Price)
		resp.Price = &price
	}
	if o.TradeAvgPrice != nil && *o.TradeAvgPrice != 0 {
		avg := decimal.NewFromFloat(*o.TradeAvgPrice)
		resp.AvgFillPrice = &avg
	}
	return resp, nil
}

// GetBestPrice returns the top of book from /linear-swap-ex/market/depth
func (e *HtxExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/linear-swap-ex/market/depth?contract_code="+url.QueryEscape(symbol)+"&type=step0", nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var resp struct {
		Tick struct {
			Bids [][]float64 `json:"bids"`
			Asks [][]float64 `json:"asks"`
		} `json:"tick"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse depth response: %w", err)
	}
	if len(resp.Tick.Bids) == 0 || len(resp.Tick.Bids[0]) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("htx depth has no bids for %s", symbol)
	}
	if len(resp.Tick.Asks) == 0 || len(resp.Tick.Asks[0]) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("htx depth has no asks for %s", symbol)
	}

	return decimal.NewFromFloat(resp.Tick.Bids[0][0]), decimal.NewFromFloat(resp.Tick.Asks[0][0]), nil
}
