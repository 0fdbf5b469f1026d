// Package core defines the normalized domain types and interfaces of the
// execution gateway. Every venue adapter projects its wire vocabulary onto
// these types.
package core

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the normalized order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the reverse side, used when unwinding a leg.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the normalized order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the normalized order lifecycle vocabulary. Every adapter
// owns a translation from its venue's states into this set; anything the
// translation does not recognize MUST map to StatusPending, never to a
// terminal state.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusRejected  OrderStatus = "rejected"
	StatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether the status can no longer transition.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is a normalized order to be placed on a venue.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	OrderType     OrderType        `json:"order_type"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	ReduceOnly    bool             `json:"reduce_only"`
}

// Validate checks the request against the contract every adapter assumes.
func (r *OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return fmt.Errorf("client_order_id must not be empty")
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if !r.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive, got %s", r.Quantity)
	}
	if r.OrderType == OrderTypeLimit && r.Price == nil {
		return fmt.Errorf("limit order requires a price")
	}
	return nil
}

// OrderResponse is the normalized view of an order as the venue last
// reported it. It is born at PlaceOrder return and only refreshed by a
// subsequent GetOrder; adapters never mutate one after handing it out.
type OrderResponse struct {
	ExchangeOrderID string           `json:"exchange_order_id"`
	ClientOrderID   string           `json:"client_order_id"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	OrderType       OrderType        `json:"order_type"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Status          OrderStatus      `json:"status"`
	Timestamp       int64            `json:"timestamp"` // milliseconds
}

// Credentials is an immutable API key triple. Passphrase is required by
// OKX, KuCoin and Bitget and absent elsewhere.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// ExchangeConfig selects and parameterizes one venue adapter.
type ExchangeConfig struct {
	ID      string `yaml:"id"`
	RestURL string `yaml:"rest_url"`
	WsURL   string `yaml:"ws_url"`
	Testnet bool   `yaml:"testnet"`
}

// SlicingConfig parameterizes the order slicer.
type SlicingConfig struct {
	SlicePercent      float64 `yaml:"slice_percent"`       // fraction of total per slice, (0,1]
	IntervalMs        uint64  `yaml:"interval_ms"`         // delay between slices
	MaxParallel       int     `yaml:"max_parallel"`        // reserved; current core runs sequentially
	PriceToleranceBps float64 `yaml:"price_tolerance_bps"` // offset from the touch
	SliceTimeoutSecs  uint64  `yaml:"slice_timeout_secs"`  // per-slice placement ceiling
	PollFills         bool    `yaml:"poll_fills"`          // refresh fills via GetOrder after placement
	PollIntervalMs    uint64  `yaml:"poll_interval_ms"`
}

// DefaultSlicingConfig mirrors the defaults the backend assumes when a
// request carries no slicing overrides.
func DefaultSlicingConfig() SlicingConfig {
	return SlicingConfig{
		SlicePercent:      0.05,
		IntervalMs:        100,
		MaxParallel:       1,
		PriceToleranceBps: 5.0,
		SliceTimeoutSecs:  30,
		PollIntervalMs:    500,
	}
}

// SliceResult records one child order. Append-only once its placement
// terminates.
type SliceResult struct {
	Index           int              `json:"index"`
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Price           decimal.Decimal  `json:"price"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Status          OrderStatus      `json:"status"`
}

// SlicedOrderResult aggregates one leg's sliced execution.
type SlicedOrderResult struct {
	TotalQuantity  decimal.Decimal `json:"total_quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Slices         []SliceResult   `json:"slices"`
	TotalFees      decimal.Decimal `json:"total_fees"`
	IsComplete     bool            `json:"is_complete"`
}

// ExecutionMode selects live placement or a simulation short circuit.
type ExecutionMode string

const (
	ModeLive ExecutionMode = "live"
	ModeSim  ExecutionMode = "sim"
)

// SlicingParams are the per-request slicing overrides carried on an entry
// request.
type SlicingParams struct {
	SliceSizeCoins  *decimal.Decimal `json:"slice_size_coins,omitempty"`
	SliceIntervalMs *uint64          `json:"slice_interval_ms,omitempty"`
}

// TradeEntryRequest opens a paired position: a long leg and a short leg on
// two different venues.
type TradeEntryRequest struct {
	TradeID     uuid.UUID       `json:"trade_id"`
	UserID      uuid.UUID       `json:"user_id"`
	SpreadID    uuid.UUID       `json:"spread_id"`
	SizeInCoins decimal.Decimal `json:"size_in_coins"`
	Slicing     SlicingParams   `json:"slicing"`
	Mode        ExecutionMode   `json:"mode"`

	LongExchangeID string    `json:"long_exchange_id"`
	LongSymbol     string    `json:"long_symbol"`
	LongAPIKeyID   uuid.UUID `json:"long_api_key_id"`

	ShortExchangeID string    `json:"short_exchange_id"`
	ShortSymbol     string    `json:"short_symbol"`
	ShortAPIKeyID   uuid.UUID `json:"short_api_key_id"`
}

// TradeExitRequest unwinds a paired position. The long leg sells and the
// short leg buys, always reduce-only.
type TradeExitRequest struct {
	TradeID     uuid.UUID `json:"trade_id"`
	PositionID  uuid.UUID `json:"position_id"`
	IsEmergency bool      `json:"is_emergency"`

	LongExchangeID string          `json:"long_exchange_id"`
	LongSymbol     string          `json:"long_symbol"`
	LongQuantity   decimal.Decimal `json:"long_quantity"`
	LongAPIKeyID   uuid.UUID       `json:"long_api_key_id"`

	ShortExchangeID string          `json:"short_exchange_id"`
	ShortSymbol     string          `json:"short_symbol"`
	ShortQuantity   decimal.Decimal `json:"short_quantity"`
	ShortAPIKeyID   uuid.UUID       `json:"short_api_key_id"`
}

// ExecutionResult is the consolidated outcome published back to the
// backend. Venue-level error text never appears in Error; only gateway
// classifications do.
type ExecutionResult struct {
	TradeID       uuid.UUID       `json:"trade_id"`
	Success       bool            `json:"success"`
	LongFilled    decimal.Decimal `json:"long_filled"`
	LongAvgPrice  decimal.Decimal `json:"long_avg_price"`
	ShortFilled   decimal.Decimal `json:"short_filled"`
	ShortAvgPrice decimal.Decimal `json:"short_avg_price"`
	Error         *string         `json:"error"`
}

// NewClientOrderID generates the idempotency key honored by every venue:
// "cs_" followed by the first 16 hex chars of a dashless UUID-v4.
func NewClientOrderID() string {
	return "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
