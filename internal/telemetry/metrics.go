package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/vnmchuo/inference-router/config"
)

// InitMeter initializes the OpenTelemetry meter provider and returns a
// shutdown function. With the stdout exporter type, instruments record
// but nothing is pushed; OTLP wires a periodic gRPC exporter.
func InitMeter(cfg *config.Config) (func(), error) {
	var opts []sdkmetric.Option

	if cfg.OTELExporterType == "otlp" {
		exporter, err := otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(cfg.OTELExporterEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(ctx); err != nil {
			fmt.Printf("failed to shutdown MeterProvider: %v\n", err)
		}
	}
	return shutdown, nil
}

// Metrics bundles the router's instruments. A nil *Metrics is a valid
// no-op receiver, so tests and tools can skip instrumentation.
type Metrics struct {
	requests           metric.Int64Counter
	errors             metric.Int64Counter
	attemptLatency     metric.Float64Histogram
	circuitTransitions metric.Int64Counter
	batchCompletion    metric.Float64Histogram
	cost               metric.Float64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requests, err = meter.Int64Counter("router.requests",
		metric.WithDescription("Routed request attempts per backend"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("router.errors",
		metric.WithDescription("Failed request attempts per backend"),
	); err != nil {
		return nil, err
	}
	if m.attemptLatency, err = meter.Float64Histogram("router.attempt.latency",
		metric.WithDescription("Per-attempt latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.circuitTransitions, err = meter.Int64Counter("router.circuit.transitions",
		metric.WithDescription("Circuit breaker state transitions per backend"),
	); err != nil {
		return nil, err
	}
	if m.batchCompletion, err = meter.Float64Histogram("batch.job.completion",
		metric.WithDescription("Batch job wall time from submission to terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.cost, err = meter.Float64Counter("router.cost",
		metric.WithDescription("Estimated spend per backend"),
		metric.WithUnit("USD"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordAttempt(ctx context.Context, backend string, success bool, latencyMs int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("backend", backend))
	m.requests.Add(ctx, 1, attrs)
	if !success {
		m.errors.Add(ctx, 1, attrs)
	}
	m.attemptLatency.Record(ctx, float64(latencyMs), attrs)
}

func (m *Metrics) RecordCircuitTransition(ctx context.Context, backend, from, to string) {
	if m == nil {
		return
	}
	m.circuitTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordBatchCompletion(ctx context.Context, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchCompletion.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordCost(ctx context.Context, backend, tenantID string, usd float64) {
	if m == nil {
		return
	}
	m.cost.Add(ctx, usd, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("tenant", tenantID),
	))
}
