// Package telemetry installs OpenTelemetry trace and metric providers when
// OTEL_ENABLED is set. The exporters read the standard OTEL_EXPORTER_OTLP_*
// variables for their endpoint.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when OTEL_SERVICE_NAME is unset
const DefaultServiceName = "querytree"

// Enabled reports whether OTEL_ENABLED is "true"
func Enabled() bool {
	return strings.ToLower(os.Getenv("OTEL_ENABLED")) == "true"
}

// ServiceName returns OTEL_SERVICE_NAME, or DefaultServiceName
func ServiceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return DefaultServiceName
}

// NewResource identifies the service on every exported signal
func NewResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// Providers holds the installed SDK providers
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Shutdown flushes and stops both providers
func (p *Providers) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := p.Tracer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.Meter.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("meter provider: %w", err))
	}
	return result.ErrorOrNil()
}

// Setup exports spans and metrics over OTLP gRPC and installs the providers globally
func Setup(ctx context.Context, serviceName string) (*Providers, error) {
	traceExporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	return Install(ctx, serviceName,
		sdktrace.WithBatcher(traceExporter),
		sdkmetric.NewPeriodicReader(metricExporter),
	)
}

// Install builds providers around a span processor option and a metric reader
// and makes them the otel globals
func Install(ctx context.Context, serviceName string, spans sdktrace.TracerProviderOption, reader sdkmetric.Reader) (*Providers, error) {
	res, err := NewResource(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	p := &Providers{
		Tracer: sdktrace.NewTracerProvider(sdktrace.WithResource(res), spans),
		Meter:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
	}

	otel.SetTracerProvider(p.Tracer)
	otel.SetMeterProvider(p.Meter)
	return p, nil
}
