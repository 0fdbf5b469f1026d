package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the uniform adapter contract. Credentials are passed per
// call because keys belong to users, not to the process; adapters hold no
// mutable state after construction and are safe to share.
type Exchange interface {
	// ID returns the stable venue key used in config and requests.
	ID() string

	// PlaceOrder submits an order and returns the venue's normalized view
	// of it at placement time.
	PlaceOrder(ctx context.Context, creds *Credentials, req *OrderRequest) (*OrderResponse, error)

	// CancelOrder cancels by exchange order id. Some venues do not echo
	// the order on cancel; those adapters return synthetic echo fields
	// that consumers must not rely on.
	CancelOrder(ctx context.Context, creds *Credentials, symbol, orderID string) (*OrderResponse, error)

	// GetOrder refreshes the normalized view of an order.
	GetOrder(ctx context.Context, creds *Credentials, symbol, orderID string) (*OrderResponse, error)

	// GetBestPrice returns (best bid, best ask) for a symbol. A ticker
	// missing either side is a parse error, never a zero fallback.
	GetBestPrice(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error)

	// IsConnected is advisory; REST-only adapters report true.
	IsConnected() bool
}

// CredentialSource resolves an api key id to a decrypted credential triple.
type CredentialSource interface {
	Get(ctx context.Context, apiKeyID string) (*Credentials, error)
}

// IHealthMonitor aggregates component liveness checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
