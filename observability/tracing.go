// Package observability provides OpenTelemetry integration for genekit.
//
// Includes distributed tracing of objective evaluations, metrics export,
// trace-correlated logging and a run audit log.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"github.com/scttfrdmn/genekit/genekit-go/middleware"
)

const instrumentationName = "genekit.observability"

// TracerProvider global instance
var globalTracerProvider *sdktrace.TracerProvider

// TracingConfig configures trace export.
type TracingConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	// Default: "genekit"
	ServiceName string

	// OTLPEndpoint is the host:port of an OTLP gRPC collector. Empty disables
	// OTLP export.
	OTLPEndpoint string

	// Insecure dials the collector without TLS.
	Insecure bool

	// ConsoleExport writes spans as JSON to ConsoleWriter.
	ConsoleExport bool

	// ConsoleWriter receives console spans. Default: os.Stdout
	ConsoleWriter io.Writer

	// SampleRatio is the fraction of root traces sampled.
	// Default: 1.0
	SampleRatio float64
}

// DefaultTracingConfig returns a tracing config with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "genekit",
		Insecure:    true,
		SampleRatio: 1.0,
	}
}

// Validate validates the tracing configuration.
func (c *TracingConfig) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be in [0, 1], got %v", c.SampleRatio)
	}
	return nil
}

// InitTracing initializes OpenTelemetry tracing and installs the provider
// and the W3C propagators globally.
func InitTracing(ctx context.Context, config TracingConfig) (*sdktrace.TracerProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
	}

	if config.OTLPEndpoint != "" {
		exporterOpts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.OTLPEndpoint),
		}
		if config.Insecure {
			exporterOpts = append(exporterOpts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	if config.ConsoleExport {
		writer := config.ConsoleWriter
		if writer == nil {
			writer = os.Stdout
		}
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(writer),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracerProvider = tp
	return tp, nil
}

// GetTracer returns a tracer from the current global tracer provider.
func GetTracer(name string) trace.Tracer {
	// Looked up on each call so tests can install their own provider.
	return otel.Tracer(name)
}

// ExtractTraceContext returns ctx with the remote span stored under
// metadata["trace_context"], if any.
func ExtractTraceContext(ctx context.Context, metadata map[string]any) context.Context {
	if metadata == nil {
		return ctx
	}

	carrier := make(propagation.MapCarrier)
	switch traceMap := metadata["trace_context"].(type) {
	case map[string]any:
		for k, v := range traceMap {
			if str, ok := v.(string); ok {
				carrier[k] = str
			}
		}
	case map[string]string:
		for k, v := range traceMap {
			carrier[k] = v
		}
	default:
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectTraceContext stores the span of ctx under metadata["trace_context"]
// and returns metadata, allocating it when nil.
func InjectTraceContext(ctx context.Context, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	carrier := make(propagation.MapCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	if len(carrier) > 0 {
		traceCtx := make(map[string]any, len(carrier))
		for k, v := range carrier {
			traceCtx[k] = v
		}
		metadata["trace_context"] = traceCtx
	}
	return metadata
}

// argAttributes flattens args into span attributes keyed gene.<path>.
// Nested gate maps extend the path with a dot.
func argAttributes(prefix string, args gene.Args) []attribute.KeyValue {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var attrs []attribute.KeyValue
	for _, k := range keys {
		key := prefix + k
		switch v := args[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(key, v))
		case int:
			attrs = append(attrs, attribute.Int(key, v))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case float64:
			attrs = append(attrs, attribute.Float64(key, v))
		case bool:
			attrs = append(attrs, attribute.Bool(key, v))
		case map[string]any:
			attrs = append(attrs, argAttributes(key+".", v)...)
		}
	}
	return attrs
}

// TracingDecorator records one span per objective call.
type TracingDecorator struct {
	objective evaluation.ObjectiveFunc
	spanName  string
	tracer    trace.Tracer
}

// NewTracingDecorator creates a new tracing decorator. An empty spanName
// defaults to "objective.evaluate".
func NewTracingDecorator(objective evaluation.ObjectiveFunc, spanName string) *TracingDecorator {
	if spanName == "" {
		spanName = "objective.evaluate"
	}
	return &TracingDecorator{
		objective: objective,
		spanName:  spanName,
		tracer:    GetTracer(instrumentationName),
	}
}

// Tracing returns a Middleware that wraps the objective in a TracingDecorator.
func Tracing(spanName string) middleware.Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return NewTracingDecorator(next, spanName).Evaluate
	}
}

// Evaluate calls the objective inside a span carrying the decoded
// configuration and the score.
func (t *TracingDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	ctx, span := t.tracer.Start(ctx, t.spanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(argAttributes("gene.", args)...)

	score, err := t.objective(ctx, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(attribute.Float64("objective.score", score))
	span.SetStatus(codes.Ok, "")
	return score, nil
}

// Shutdown flushes and stops the tracer provider installed by InitTracing.
func Shutdown(ctx context.Context) error {
	if globalTracerProvider != nil {
		return globalTracerProvider.Shutdown(ctx)
	}
	return nil
}
