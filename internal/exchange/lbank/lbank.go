// Package lbank provides the LBank perpetual (CFD) adapter
package lbank

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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	"exec_gateway/internal/exchange/base"
	apperrors "exec_gateway/pkg/errors"
	"exec_gateway/pkg/retry"
)

// LbankExchange implements core.Exchange for LBank perpetual futures.
// LBank signs the form parameters themselves rather than headers, so
// the signature is embedded in the request payload and the generic
// signing hook only sets the content type.
type LbankExchange struct {
	*base.Adapter
}

// NewLbankExchange creates a new LBank exchange instance
func NewLbankExchange(cfg *core.ExchangeConfig, logger core.ILogger) *LbankExchange {
	b := base.NewAdapter("lbank", cfg, logger)
	e := &LbankExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

func (e *LbankExchange) signRequest(req *http.Request, creds *core.Credentials, body []byte) error {
	if creds == nil {
		return nil
	}
	if req.Method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return nil
}

// signParams sorts the parameters, joins them as k=v pairs, signs the
// joined string with HMAC-SHA256 (hex) and appends the sign parameter.
func signParams(creds *core.Credentials, params map[string]string) string {
	params["api_key"] = creds.APIKey

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	joined := strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(joined))
	return joined + "&sign=" + hex.EncodeToString(mac.Sum(nil))
}

func (e *LbankExchange) parseError(body []byte) error {
	var errResp struct {
		Result    bool `json:"result"`
		ErrorCode int  `json:"error_code"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("lbank error (unmarshal failed): %s", string(body))
	}
	if errResp.Result {
		return nil
	}

	switch errResp.ErrorCode {
	case 10002, 10003, 10005, 10007:
		return apperrors.ErrAuthenticationFailed
	case 10013, 10023:
		return apperrors.ErrRateLimitExceeded
	case 10016, 10017:
		return apperrors.ErrInsufficientFunds
	case 10025:
		return apperrors.ErrOrderNotFound
	case 10014, 10015:
		return apperrors.ErrInvalidOrderParameter
	case 10006:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("lbank error %d", errResp.ErrorCode)
}

// mapOrderStatus parses LBank's numeric order state
func (e *LbankExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	state, err := strconv.Atoi(rawStatus)
	if err != nil {
		return core.StatusPending
	}
	return mapState(state)
}

func mapState(state int) core.OrderStatus {
	switch state {
	case 1:
		return core.StatusOpen
	case 2:
		return core.StatusPartial
	case 3:
		return core.StatusFilled
	case 4, 5:
		return core.StatusCancelled
	default:
		return core.StatusPending
	}
}

func (e *LbankExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

type lbankOrder struct {
	OrderID       string  `json:"order_id"`
	Symbol        string  `json:"symbol"`
	Direction     string  `json:"direction"`
	Offset        string  `json:"offset"`
	Price         string  `json:"price"`
	Volume        string  `json:"volume"`
	TradedVolume  *string `json:"traded_volume"`
	AvgPrice      *string `json:"avg_price"`
	Status        int     `json:"status"`
	CreateTime    int64   `json:"create_time"`
	ClientOrderID string  `json:"client_order_id"`
}

func (e *LbankExchange) unwrap(body []byte, data interface{}) error {
	var resp struct {
		Result    bool            `json:"result"`
		ErrorCode int             `json:"error_code"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if !resp.Result {
		return e.parseError(body)
	}
	if resp.Data == nil {
		return fmt.Errorf("lbank response has no data")
	}
	return json.Unmarshal(resp.Data, data)
}

func (e *LbankExchange) toOrderResponse(o *lbankOrder, orderType core.OrderType, statusOverride *core.OrderStatus) *core.OrderResponse {
	side := core.SideSell
	if o.Direction == "buy" {
		side = core.SideBuy
	}

	status := mapState(o.Status)
	if statusOverride != nil {
		status = *statusOverride
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: o.OrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(o.Volume),
		FilledQuantity:  decimal.Zero,
		Status:          status,
		Timestamp:       o.CreateTime,
	}
	if price, err := decimal.NewFromString(o.Price); err == nil && !price.IsZero() {
		resp.Price = &price
	}
	if o.TradedVolume != nil {
		resp.FilledQuantity = e.ParseDecimal(*o.TradedVolume)
	}
	if o.AvgPrice != nil {
		if avg, err := decimal.NewFromString(*o.AvgPrice); err == nil && !avg.IsZero() {
			resp.AvgFillPrice = &avg
		}
	}
	return resp
}

// PlaceOrder submits an order to /cfd/openApi/v1/order/create as a
// signed form body
func (e *LbankExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *LbankExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	direction := "buy"
	if req.Side == core.SideSell {
		direction = "sell"
	}
	orderType := "1"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "2"
	}

	params := map[string]string{
		"symbol":    req.Symbol,
		"direction": direction,
		"offset":    "open",
		"type":      orderType,
		"volume":    req.Quantity.String(),
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if req.Price != nil {
		params["price"] = req.Price.String()
	}
	if req.ClientOrderID != "" {
		params["client_order_id"] = req.ClientOrderID
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/cfd/openApi/v1/order/create",
		creds, []byte(signParams(creds, params)))
	if err != nil {
		return nil, err
	}

	var order lbankOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, req.OrderType, nil), nil
}

// CancelOrder cancels via /cfd/openApi/v1/order/cancel
func (e *LbankExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	params := map[string]string{
		"symbol":    symbol,
		"order_id":  orderID,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/cfd/openApi/v1/order/cancel",
		creds, []byte(signParams(creds, params)))
	if err != nil {
		return nil, err
	}

	var order lbankOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}

	cancelled := core.StatusCancelled
	return e.toOrderResponse(&order, core.OrderTypeLimit, &cancelled), nil
}

// GetOrder queries /cfd/openApi/v1/order/detail with the signed
// parameters in the query string
func (e *LbankExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	params := map[string]string{
		"symbol":    symbol,
		"order_id":  orderID,
		"timestamp": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/cfd/openApi/v1/order/detail?"+signParams(creds, params), creds, nil)
	if err != nil {
		return nil, err
	}

	var order lbankOrder
	if err := e.unwrap(body, &order); err != nil {
		return nil, err
	}
	return e.toOrderResponse(&order, core.OrderTypeLimit, nil), nil
}

// GetBestPrice returns the top of book from /cfd/openApi/v1/pub/depth
func (e *LbankExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/cfd/openApi/v1/pub/depth?symbol="+url.QueryEscape(symbol)+"&size=1", nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var depth struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := e.unwrap(body, &depth); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(depth.Bids) == 0 || len(depth.Bids[0]) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lbank depth has no bids for %s", symbol)
	}
	if len(depth.Asks) == 0 || len(depth.Asks[0]) == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lbank depth has no asks for %s", symbol)
	}

	bid, err := e.ParsePrice(depth.Bids[0][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lbank bid: %w", err)
	}
	ask, err := e.ParsePrice(depth.Asks[0][0])
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lbank ask: %w", err)
	}
	return bid, ask, nil
}
