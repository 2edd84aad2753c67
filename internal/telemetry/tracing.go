package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerScope = "github.com/shaiso/flowengine"

// Tracer is the process-wide tracer the bus uses to span each event
// dispatch, grounded on the OTLP-over-HTTP wiring nevindra-oasis and
// tombee-conductor both use around their own execution pipelines.
var Tracer = otel.Tracer(tracerScope)

// SetupTracing installs a TracerProvider exporting via OTLP/HTTP.
// Configuration is read from the standard OTEL_EXPORTER_OTLP_* env
// vars; with none set, otlptracehttp defaults to localhost:4318. The
// returned shutdown func flushes and closes the exporter and must be
// called on process exit.
func SetupTracing(ctx context.Context) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartSpan starts a child span named name under ctx's current span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, opts...)
}
