// Package observability provides OpenTelemetry metrics for the sync
// engine. Telemetry is off by default; when disabled every instrument
// is a no-op and callers never check.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	ExportInterval time.Duration
}

// Metrics is the instrument set the sync engine reports through.
type Metrics struct {
	operationsApplied  metric.Int64Counter
	operationsRejected metric.Int64Counter
	broadcasts         metric.Int64Counter
	activeConnections  metric.Int64UpDownCounter
}

// Provider owns the meter provider lifecycle.
type Provider struct {
	mp      *sdkmetric.MeterProvider
	Metrics *Metrics
}

// New builds the provider. With cfg.Enabled false no exporter is
// created and the returned Metrics are no-ops.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		m, err := newMetrics(noop.NewMeterProvider().Meter("worktree"))
		if err != nil {
			return nil, err
		}
		return &Provider{Metrics: m}, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
	)
	m, err := newMetrics(mp.Meter("worktree"))
	if err != nil {
		return nil, err
	}
	return &Provider{mp: mp, Metrics: m}, nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.operationsApplied, err = meter.Int64Counter("worktree.operations.applied",
		metric.WithDescription("Operations committed to the history chain")); err != nil {
		return nil, err
	}
	if m.operationsRejected, err = meter.Int64Counter("worktree.operations.rejected",
		metric.WithDescription("Operations rejected by the tree engine")); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter("worktree.broadcasts",
		metric.WithDescription("Room broadcasts of committed operations")); err != nil {
		return nil, err
	}
	if m.activeConnections, err = meter.Int64UpDownCounter("worktree.connections.active",
		metric.WithDescription("Live websocket connections")); err != nil {
		return nil, err
	}
	return &m, nil
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}

// OperationApplied counts one committed operation of the given kind.
func (m *Metrics) OperationApplied(ctx context.Context, opType string) {
	m.operationsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("op_type", opType)))
}

// OperationRejected counts one tree-engine rejection.
func (m *Metrics) OperationRejected(ctx context.Context) {
	m.operationsRejected.Add(ctx, 1)
}

// Broadcast counts one room broadcast.
func (m *Metrics) Broadcast(ctx context.Context) {
	m.broadcasts.Add(ctx, 1)
}

// ConnectionOpened / ConnectionClosed track live connections.
func (m *Metrics) ConnectionOpened(ctx context.Context) { m.activeConnections.Add(ctx, 1) }
func (m *Metrics) ConnectionClosed(ctx context.Context) { m.activeConnections.Add(ctx, -1) }

// NopMetrics returns metrics bound to a no-op meter, for tests.
func NopMetrics() *Metrics {
	m, err := newMetrics(noop.NewMeterProvider().Meter("worktree"))
	if err != nil {
		panic(err)
	}
	return m
}
