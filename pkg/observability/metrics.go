package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics instruments the request path.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	upstreamRetries metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	requestsTotal, err := meter.Int64Counter("relay_requests_total",
		metric.WithDescription("Requests by surface and outcome."))
	if err != nil {
		return nil, err
	}
	requestDuration, err := meter.Float64Histogram("relay_request_duration_seconds",
		metric.WithDescription("End-to-end request latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	upstreamRetries, err := meter.Int64Counter("relay_upstream_retries_total",
		metric.WithDescription("Same-category fallback retries."))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		upstreamRetries: upstreamRetries,
	}, nil
}

// RecordRequest records one finished request.
func (m *Metrics) RecordRequest(ctx context.Context, surface, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("surface", surface),
		attribute.String("outcome", outcome),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetries records fallback retries for one request.
func (m *Metrics) RecordRetries(ctx context.Context, category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.upstreamRetries.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("category", category)))
}
