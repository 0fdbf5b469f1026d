// Package binance provides the Binance USDT-M futures adapter
package binance

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

// BinanceExchange implements core.Exchange for Binance USDT-M futures
type BinanceExchange struct {
	*base.Adapter
}

// NewBinanceExchange creates a new Binance exchange instance
func NewBinanceExchange(cfg *core.ExchangeConfig, logger core.ILogger) *BinanceExchange {
	b := base.NewAdapter("binance", cfg, logger)
	e := &BinanceExchange{Adapter: b}

	b.SetSignRequest(e.signRequest)
	b.SetParseError(e.parseError)
	b.SetMapOrderStatus(e.mapOrderStatus)

	return e
}

// signRequest appends the HMAC-SHA256 signature of the query string and
// sets the api key header. Unsigned calls pass nil credentials.
func (e *BinanceExchange) signRequest(req *http.Request, creds *core.Credentials, _ []byte) error {
	if creds == nil {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(req.URL.RawQuery))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.URL.RawQuery += "&signature=" + signature
	req.Header.Set("X-MBX-APIKEY", creds.APIKey)
	return nil
}

func (e *BinanceExchange) parseError(body []byte) error {
	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("binance error (unmarshal failed): %s", string(body))
	}

	// Map Binance error codes to standard errors
	switch errResp.Code {
	case -2014, -2015:
		return apperrors.ErrAuthenticationFailed
	case -2010, -2019:
		return apperrors.ErrInsufficientFunds
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2012:
		return apperrors.ErrDuplicateOrder
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	}

	return fmt.Errorf("binance error %d: %s", errResp.Code, errResp.Msg)
}

func (e *BinanceExchange) mapOrderStatus(rawStatus string) core.OrderStatus {
	switch rawStatus {
	case "NEW":
		return core.StatusOpen
	case "PARTIALLY_FILLED":
		return core.StatusPartial
	case "FILLED":
		return core.StatusFilled
	case "CANCELED":
		return core.StatusCancelled
	case "REJECTED":
		return core.StatusRejected
	case "EXPIRED":
		return core.StatusExpired
	default:
		return core.StatusPending
	}
}

func (e *BinanceExchange) isTransientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrSystemOverload)
}

// PlaceOrder submits an order to /fapi/v1/order
func (e *BinanceExchange) PlaceOrder(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	var order *core.OrderResponse
	err := retry.Do(ctx, retry.DefaultPolicy, e.isTransientError, func() error {
		var err error
		order, err = e.placeOrderInternal(ctx, creds, req)
		return err
	})
	return order, err
}

func (e *BinanceExchange) placeOrderInternal(ctx context.Context, creds *core.Credentials, req *core.OrderRequest) (*core.OrderResponse, error) {
	side := "BUY"
	if req.Side == core.SideSell {
		side = "SELL"
	}
	orderType := "LIMIT"
	if req.OrderType == core.OrderTypeMarket {
		orderType = "MARKET"
	}

	// Binance signs the raw query string, so parameter order is fixed here
	query := "symbol=" + url.QueryEscape(req.Symbol) +
		"&side=" + side +
		"&type=" + orderType +
		"&quantity=" + req.Quantity.String() +
		"&newClientOrderId=" + url.QueryEscape(req.ClientOrderID) +
		"&timestamp=" + strconv.FormatInt(time.Now().UnixMilli(), 10)

	if req.OrderType == core.OrderTypeLimit && req.Price != nil {
		query += "&price=" + req.Price.String() + "&timeInForce=GTC"
	}
	if req.ReduceOnly {
		query += "&reduceOnly=true"
	}

	body, err := e.Execute(ctx, http.MethodPost, e.Config.RestURL+"/fapi/v1/order?"+query, creds, nil)
	if err != nil {
		return nil, err
	}
	return e.parseOrderResponse(body)
}

// CancelOrder cancels by exchange order id
func (e *BinanceExchange) CancelOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := fmt.Sprintf("symbol=%s&orderId=%s&timestamp=%d",
		url.QueryEscape(symbol), url.QueryEscape(orderID), time.Now().UnixMilli())

	body, err := e.Execute(ctx, http.MethodDelete, e.Config.RestURL+"/fapi/v1/order?"+query, creds, nil)
	if err != nil {
		return nil, err
	}
	return e.parseOrderResponse(body)
}

// GetOrder refreshes the order's state
func (e *BinanceExchange) GetOrder(ctx context.Context, creds *core.Credentials, symbol, orderID string) (*core.OrderResponse, error) {
	query := fmt.Sprintf("symbol=%s&orderId=%s&timestamp=%d",
		url.QueryEscape(symbol), url.QueryEscape(orderID), time.Now().UnixMilli())

	body, err := e.Execute(ctx, http.MethodGet, e.Config.RestURL+"/fapi/v1/order?"+query, creds, nil)
	if err != nil {
		return nil, err
	}
	return e.parseOrderResponse(body)
}

// GetBestPrice returns best bid/ask from the book ticker
func (e *BinanceExchange) GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	body, err := e.Execute(ctx, http.MethodGet,
		e.Config.RestURL+"/fapi/v1/ticker/bookTicker?symbol="+url.QueryEscape(symbol), nil, nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var ticker struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse book ticker: %w", err)
	}

	bid, err := e.ParsePrice(ticker.BidPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("binance bid: %w", err)
	}
	ask, err := e.ParsePrice(ticker.AskPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("binance ask: %w", err)
	}
	return bid, ask, nil
}

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	UpdateTime    int64  `json:"updateTime"`
}

func (e *BinanceExchange) parseOrderResponse(body []byte) (*core.OrderResponse, error) {
	var order binanceOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	side := core.SideSell
	if order.Side == "BUY" {
		side = core.SideBuy
	}
	orderType := core.OrderTypeMarket
	if order.Type == "LIMIT" {
		orderType = core.OrderTypeLimit
	}

	resp := &core.OrderResponse{
		ExchangeOrderID: strconv.FormatInt(order.OrderID, 10),
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            side,
		OrderType:       orderType,
		Quantity:        e.ParseDecimal(order.OrigQty),
		FilledQuantity:  e.ParseDecimal(order.ExecutedQty),
		Status:          e.SafeMapOrderStatus(order.Status),
		Timestamp:       order.UpdateTime,
	}
	if price, err := decimal.NewFromString(order.Price); err == nil {
		resp.Price = &price
	}
	if avg, err := decimal.NewFromString(order.AvgPrice); err == nil && !avg.IsZero() {
		resp.AvgFillPrice = &avg
	}
	return resp, nil
}
