// Package base provides common functionality for exchange adapters
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"exec_gateway/internal/core"
	"exec_gateway/pkg/telemetry"
)

// APIError represents a venue error response that no parser recognized
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: status=%d body=%s", e.StatusCode, string(e.Body))
}

// SignRequestFunc is a function type for exchange-specific request signing.
// Credentials arrive per call; the adapter itself holds none.
type SignRequestFunc func(req *http.Request, creds *core.Credentials, body []byte) error

// ParseErrorFunc is a function type for exchange-specific error parsing
type ParseErrorFunc func(body []byte) error

// MapOrderStatusFunc is a function type for exchange-specific order status mapping
type MapOrderStatusFunc func(rawStatus string) core.OrderStatus

// Adapter provides common functionality for all exchange adapters
type Adapter struct {
	Name       string
	Config     *core.ExchangeConfig
	Logger     core.ILogger
	HTTPClient *http.Client

	// Exchange-specific functions to be set by concrete implementations
	SignRequest    SignRequestFunc
	ParseError     ParseErrorFunc
	MapOrderStatus MapOrderStatusFunc

	pipeline failsafe.Executor[*http.Response]
	limiter  *rate.Limiter

	tracer     trace.Tracer
	reqCounter metric.Int64Counter
	errCounter metric.Int64Counter
}

// NewAdapter creates a new base adapter with common configuration
func NewAdapter(name string, cfg *core.ExchangeConfig, logger core.ILogger) *Adapter {
	// Retry on network errors, 5xx, and 429
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == 429
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	// Open circuit on consecutive 5xx errors
	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	meter := telemetry.GetMeter("exchange-adapter")
	reqCounter, _ := meter.Int64Counter("exchange_requests_total",
		metric.WithDescription("Total number of venue REST requests"))
	errCounter, _ := meter.Int64Counter("exchange_errors_total",
		metric.WithDescription("Total number of venue REST errors"))

	return &Adapter{
		Name:   name,
		Config: cfg,
		Logger: logger.WithField("exchange", name),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   false,
			},
		},
		pipeline:   failsafe.With[*http.Response](retryPolicy, breaker),
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		tracer:     telemetry.GetTracer("exchange-adapter"),
		reqCounter: reqCounter,
		errCounter: errCounter,
	}
}

// ID returns the venue id
func (b *Adapter) ID() string {
	return b.Name
}

// IsConnected reports REST reachability; adapters are REST-only so the
// answer is advisory.
func (b *Adapter) IsConnected() bool {
	return true
}

// SetSignRequest sets the exchange-specific request signing function
func (b *Adapter) SetSignRequest(fn SignRequestFunc) {
	b.SignRequest = fn
}

// SetParseError sets the exchange-specific error parsing function
func (b *Adapter) SetParseError(fn ParseErrorFunc) {
	b.ParseError = fn
}

// SetMapOrderStatus sets the exchange-specific order status mapping function
func (b *Adapter) SetMapOrderStatus(fn MapOrderStatusFunc) {
	b.MapOrderStatus = fn
}

// Execute runs one signed venue call through the rate limiter and the
// resilience pipeline, returning the raw body on 2xx and a parsed error
// otherwise.
func (b *Adapter) Execute(ctx context.Context, method, url string, creds *core.Credentials, body []byte) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("%s %s", method, req.URL.Path),
		trace.WithAttributes(
			attribute.String("exchange", b.Name),
			attribute.String("http.method", method),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if b.SignRequest != nil {
		if err := b.SignRequest(req, creds, body); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	start := time.Now()
	resp, err := b.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		// The body reader must be rewound between attempts
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		return b.HTTPClient.Do(req)
	})

	elapsed := float64(time.Since(start).Milliseconds())
	attrs := metric.WithAttributes(
		attribute.String("exchange", b.Name),
		attribute.String("path", req.URL.Path),
	)
	b.reqCounter.Add(ctx, 1, attrs)
	if h := telemetry.GetGlobalMetrics().VenueLatency; h != nil {
		h.Record(ctx, elapsed, attrs)
	}

	if err != nil {
		span.RecordError(err)
		b.errCounter.Add(ctx, 1, attrs)
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		b.errCounter.Add(ctx, 1, attrs)
		if b.ParseError != nil {
			if parseErr := b.ParseError(respBody); parseErr != nil {
				return nil, parseErr
			}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return respBody, nil
}

// SafeMapOrderStatus translates a raw venue status. Unknown vocabulary
// maps to StatusPending; a terminal guess here could strand real inventory.
func (b *Adapter) SafeMapOrderStatus(rawStatus string) core.OrderStatus {
	if b.MapOrderStatus != nil {
		return b.MapOrderStatus(rawStatus)
	}
	return core.StatusPending
}

// ParseDecimal safely parses a string to decimal, zero on failure
func (b *Adapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParsePrice parses a price string strictly. Ticker prices must never
// silently collapse to zero.
func (b *Adapter) ParsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty price")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %q", s)
	}
	return d, nil
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (b *Adapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
