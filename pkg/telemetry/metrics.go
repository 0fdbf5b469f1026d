package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricRequestsConsumedTotal = "exec_gateway_requests_consumed_total"
	MetricResultsPublishedTotal = "exec_gateway_results_published_total"
	MetricOrdersPlacedTotal     = "exec_gateway_orders_placed_total"
	MetricOrdersFilledTotal     = "exec_gateway_orders_filled_total"
	MetricSliceLatency          = "exec_gateway_slice_latency_ms"
	MetricVenueLatency          = "exec_gateway_venue_latency_ms"
	MetricCredentialCacheHits   = "exec_gateway_credential_cache_hits_total"
	MetricCredentialCacheMisses = "exec_gateway_credential_cache_misses_total"
	MetricRequestsInFlight      = "exec_gateway_requests_in_flight"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	RequestsConsumedTotal metric.Int64Counter
	ResultsPublishedTotal metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersFilledTotal     metric.Int64Counter
	SliceLatency          metric.Float64Histogram
	VenueLatency          metric.Float64Histogram
	CredentialCacheHits   metric.Int64Counter
	CredentialCacheMisses metric.Int64Counter
	RequestsInFlight      metric.Int64ObservableGauge

	// State for observable gauges
	mu          sync.RWMutex
	inFlightMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			inFlightMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RequestsConsumedTotal, err = meter.Int64Counter(MetricRequestsConsumedTotal, metric.WithDescription("Stream entries consumed from execution:requests"))
	if err != nil {
		return err
	}

	m.ResultsPublishedTotal, err = meter.Int64Counter(MetricResultsPublishedTotal, metric.WithDescription("Results published to execution:results"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Child orders placed across all venues"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Child orders reported filled at placement"))
	if err != nil {
		return err
	}

	m.SliceLatency, err = meter.Float64Histogram(MetricSliceLatency, metric.WithDescription("Duration of one slice placement including price refresh"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.VenueLatency, err = meter.Float64Histogram(MetricVenueLatency, metric.WithDescription("Latency of venue REST calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.CredentialCacheHits, err = meter.Int64Counter(MetricCredentialCacheHits, metric.WithDescription("Credential cache lookups served without decryption"))
	if err != nil {
		return err
	}

	m.CredentialCacheMisses, err = meter.Int64Counter(MetricCredentialCacheMisses, metric.WithDescription("Credential cache lookups requiring a decrypt"))
	if err != nil {
		return err
	}

	m.RequestsInFlight, err = meter.Int64ObservableGauge(MetricRequestsInFlight, metric.WithDescription("Requests currently being executed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, val := range m.inFlightMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetInFlight records the number of in-flight requests of a kind
// ("entry", "exit") for the observable gauge.
func (m *MetricsHolder) SetInFlight(kind string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightMap[kind] = n
}

// AddInFlight adjusts the in-flight count for a kind by delta.
func (m *MetricsHolder) AddInFlight(kind string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlightMap[kind] += delta
}
