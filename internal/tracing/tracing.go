// Package tracing wraps OpenTelemetry span creation for the daemon's three
// cross-cutting call paths: chat turns, tool calls, and workflow steps.
// Grounded on a promauto-style config/constructor split this module already
// uses for internal/metrics, applied here to distributed tracing instead of
// Prometheus counters.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls exporter setup. An empty Endpoint yields a Tracer backed
// by the global no-op provider: every Start call still returns a valid,
// non-recording span, so instrumented call sites never need to check
// whether tracing is enabled.
type Config struct {
	Endpoint       string
	ServiceName    string
	Environment    string
	SamplingRate   float64
	EnableInsecure bool
}

// Tracer starts spans for the daemon's instrumented operations and ships
// them to an OTLP/gRPC collector.
type Tracer struct {
	tracer trace.Tracer
}

// New builds a Tracer from cfg and returns a shutdown func that flushes and
// closes the exporter; shutdown is a no-op when tracing is disabled or the
// exporter fails to dial, in which case spans are still created but
// discarded.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "relayd"
	}
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.EnableInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	sampler := sdktrace.AlwaysSample()
	switch {
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	case cfg.SamplingRate < 1:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown
}

// RecordError marks span as failed if err is non-nil; a no-op otherwise.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartChatTurn opens a span around one LLM chat completion request.
func (t *Tracer) StartChatTurn(ctx context.Context, model string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "chat.turn", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("llm.model", model)))
}

// StartToolCall opens a span around one MCP tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("tool.%s", toolName), trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tool.name", toolName)))
}

// StartWorkflowStep opens a span around one workflow step's tool dispatch.
func (t *Tracer) StartWorkflowStep(ctx context.Context, workflowID, stepID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "workflow.step", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("workflow.step_id", stepID),
		))
}
