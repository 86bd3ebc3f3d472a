// Package observability wires OpenTelemetry tracing and metrics for the
// gateway. Tracing exports over OTLP gRPC when a collector endpoint is
// configured; metrics bridge into the Prometheus registry served at
// /metrics.
package observability

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/modelrelay/relay/pkg/config"
)

// Manager owns the tracer and meter providers for the process lifetime.
type Manager struct {
	mu             sync.RWMutex
	cfg            config.ObservabilityConfig
	tracerProvider trace.TracerProvider
	meterProvider  *metric.MeterProvider
	metrics        *Metrics
}

// NewManager builds an uninitialized manager.
func NewManager(cfg config.ObservabilityConfig) *Manager {
	return &Manager{cfg: cfg, tracerProvider: noop.NewTracerProvider()}
}

// Initialize starts the exporters. reg receives the bridged metrics; pass
// the same registry the /metrics endpoint serves.
func (m *Manager) Initialize(ctx context.Context, reg *prometheus.Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.Enabled {
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(m.cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.cfg.TraceEndpoint != "" {
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(m.cfg.TraceEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(m.cfg.SamplingRate)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		m.tracerProvider = tp
	}

	promExporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	m.meterProvider = metric.NewMeterProvider(
		metric.WithReader(promExporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(m.meterProvider)

	metrics, err := newMetrics(m.meterProvider.Meter("relay"))
	if err != nil {
		return err
	}
	m.metrics = metrics

	return nil
}

// Tracer returns a named tracer, no-op until Initialize enables export.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// RequestMetrics returns the request instrumentation, nil when disabled.
func (m *Manager) RequestMetrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
	}
	if m.meterProvider != nil {
		return m.meterProvider.Shutdown(ctx)
	}
	return nil
}
