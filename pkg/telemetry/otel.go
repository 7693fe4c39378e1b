package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all spans this module exports.
const tracerName = "github.com/chriscow/voice-agents-go"

// Tracer returns the module tracer from the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ProviderConfig configures the OpenTelemetry SDK provider.
type ProviderConfig struct {
	// ServiceName reported in spans. Default: "voice-agents-go".
	ServiceName string

	// ServiceVersion reported in spans.
	ServiceVersion string

	// TraceExporter is optional. When nil, spans are recorded but not
	// exported, which suits tests and metrics-free deployments.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider registers a global tracer provider built from cfg. Returns a
// shutdown function to call from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voice-agents-go"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// ExportSpanTree replays a finished session span tree through the global
// tracer with the original timestamps. Pass it to WithSpanExporter (or the
// realtime equivalent) to mirror session traces into OTel.
func ExportSpanTree(ctx context.Context, root *Span) {
	if root == nil {
		return
	}
	exportSpan(ctx, Tracer(), root)
}

func exportSpan(ctx context.Context, tracer trace.Tracer, s *Span) {
	opts := []trace.SpanStartOption{}
	if !s.Start.IsZero() {
		opts = append(opts, trace.WithTimestamp(s.Start))
	}
	if attrs := otelAttrs(s.Attrs); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}

	spanCtx, span := tracer.Start(ctx, s.Name, opts...)
	for _, child := range s.Children {
		exportSpan(spanCtx, tracer, child)
	}

	endOpts := []trace.SpanEndOption{}
	if !s.End.IsZero() {
		endOpts = append(endOpts, trace.WithTimestamp(s.End))
	}
	span.End(endOpts...)
}

func otelAttrs(attrs map[string]any) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return kvs
}
