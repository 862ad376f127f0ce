package rules

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saved query evaluations.
// Use NewMetricsRecorder for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordEvaluation records one saved query evaluation with its outcome.
	RecordEvaluation(ctx context.Context, queryID string, matched bool, duration time.Duration, err error)
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordEvaluation does nothing.
func (NoopMetrics) RecordEvaluation(_ context.Context, _ string, _ bool, _ time.Duration, _ error) {}

type otelMetrics struct {
	evaluations metric.Int64Counter
	matches     metric.Int64Counter
	errors      metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewMetricsRecorder returns an OpenTelemetry recorder built on provider, or on the
// global meter provider when provider is nil. Falls back to NoopMetrics if the
// instruments cannot be created.
func NewMetricsRecorder(provider metric.MeterProvider) MetricsRecorder {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	m, err := newOtelMetrics(provider.Meter("querytree"))
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func newOtelMetrics(meter metric.Meter) (*otelMetrics, error) {
	evaluations, err := meter.Int64Counter("querytree.query.evaluations",
		metric.WithDescription("Number of saved query evaluations"),
	)
	if err != nil {
		return nil, err
	}

	matches, err := meter.Int64Counter("querytree.query.matches",
		metric.WithDescription("Number of saved query evaluations that matched"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter("querytree.query.errors",
		metric.WithDescription("Number of saved query evaluations that failed"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("querytree.query.latency_ms",
		metric.WithDescription("Saved query evaluation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		evaluations: evaluations,
		matches:     matches,
		errors:      errs,
		latency:     latency,
	}, nil
}

// RecordEvaluation records a saved query evaluation.
func (m *otelMetrics) RecordEvaluation(ctx context.Context, queryID string, matched bool, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("query_id", queryID))

	m.evaluations.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	if err != nil {
		m.errors.Add(ctx, 1, attrs)
		return
	}
	if matched {
		m.matches.Add(ctx, 1, attrs)
	}
}
