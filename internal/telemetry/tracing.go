package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const DefaultServiceName = "kworker"

type TracingOptions struct {
	ServiceName string
	// SampleRatio applies to root spans; children follow their parent.
	// Zero means sample everything.
	SampleRatio float64
}

// InitTracing installs the global TracerProvider and the W3C propagator
// that carries span context through record headers. The returned func
// flushes and stops the provider.
func InitTracing(opts TracingOptions) func(context.Context) error {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		opts.SampleRatio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", opts.ServiceName),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}
