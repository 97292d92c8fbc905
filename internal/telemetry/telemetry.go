// Package telemetry wires an optional, nil-safe tracing provider into the
// store, scheduler and execution engine; the resolver and hook manager open
// no spans. It is
// deliberately thin: the full metrics/cardinality/rate-limiting
// observability collector the teacher's telemetry module implements is the
// "metrics/observability collector" the design spec marks peripheral and
// out of the core; ATMS carries only ambient span instrumentation.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is the minimal span handle components use; mirrors core.Span in the
// teacher (End / SetAttribute / RecordError) so call sites read the same way
// regardless of whether tracing is active.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Provider starts spans for named operations. NoOpProvider{} is the safe
// default; cmd/atmsd wires in an OTelProvider when ATMS_OTLP_ENDPOINT is
// set.
type Provider interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	Shutdown(ctx context.Context) error
}

// NoOpProvider discards all spans. Matches core.NoOpTelemetry.
type NoOpProvider struct{}

func (NoOpProvider) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (NoOpProvider) Shutdown(context.Context) error { return nil }

type noopSpan struct{}

func (noopSpan) End()                             {}
func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)                {}

// OTelProvider implements Provider with a real OpenTelemetry TracerProvider,
// grounded on the teacher's telemetry.NewOTelProvider — trimmed to tracing
// only (no metrics pipeline; see package doc).
type OTelProvider struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
}

// Config selects how spans are exported.
type Config struct {
	ServiceName string
	// Endpoint is an OTLP/gRPC collector address (e.g. "localhost:4317").
	// Empty means export to stdout instead — useful for local runs where no
	// collector is present.
	Endpoint string
}

// NewOTelProvider builds a tracer provider per cfg and installs it as the
// process-wide default so any library using otel.Tracer() picks it up too.
func NewOTelProvider(ctx context.Context, cfg Config) (*OTelProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "atms"
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
	)
	otel.SetTracerProvider(tp)

	return &OTelProvider{tracer: tp.Tracer(cfg.ServiceName), tp: tp}, nil
}

func (p *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, otelSpan{span}
}

func (p *OTelProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

type otelSpan struct{ trace.Span }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	s.Span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}
func (s otelSpan) RecordError(err error) {
	if err != nil {
		s.Span.RecordError(err)
	}
}
