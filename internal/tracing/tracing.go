// Package tracing wires OpenTelemetry spans around runs, phases and control
// actions.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.12.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"chaos-orchestrator/internal/config"
)

const instrumentationName = "chaos-orchestrator"

// TracingService manages OpenTelemetry tracing
type TracingService struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// NewTracingService builds the exporter named by cfg.ExporterType and
// installs the provider globally. A disabled config yields a no-op tracer.
func NewTracingService(cfg config.TracingConfig) (*TracingService, error) {
	if !cfg.Enabled {
		return &TracingService{
			config: cfg,
			tracer: noop.NewTracerProvider().Tracer(instrumentationName),
		}, nil
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}
	return newService(cfg, trace.WithBatcher(exporter))
}

// NewTracingServiceWithExporter exports synchronously to exporter.
func NewTracingServiceWithExporter(cfg config.TracingConfig, exporter trace.SpanExporter) (*TracingService, error) {
	return newService(cfg, trace.WithSyncer(exporter))
}

func newExporter(cfg config.TracingConfig) (trace.SpanExporter, error) {
	switch cfg.ExporterType {
	case "jaeger":
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exporter, nil
	case "otlp":
		opts := []otlptracehttp.Option{otlptracehttp.WithHeaders(cfg.OTLPHeaders)}
		if strings.Contains(cfg.OTLPEndpoint, "://") {
			opts = append(opts, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		} else {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		}
		exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exporter, nil
	case "console", "":
		return NewConsoleExporter(nil), nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

func newService(cfg config.TracingConfig, export trace.TracerProviderOption) (*TracingService, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	samplingRatio := cfg.SamplingRatio
	if samplingRatio <= 0 {
		samplingRatio = 1.0
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		export,
		trace.WithSampler(trace.TraceIDRatioBased(samplingRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		config:   cfg,
		tracer:   tp.Tracer(instrumentationName),
		provider: tp,
	}, nil
}

// StartSpan starts a new span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, name, opts...)
}

// RecordError records an error in the current span
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Finish ends span, marking it failed when err is non-nil.
func (ts *TracingService) Finish(span oteltrace.Span, err error) {
	if err != nil {
		ts.RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Close flushes pending spans and shuts the provider down.
func (ts *TracingService) Close(ctx context.Context) error {
	if ts.provider != nil {
		return ts.provider.Shutdown(ctx)
	}
	return nil
}

// StartRun opens the root span of a scenario run.
func (ts *TracingService) StartRun(ctx context.Context, runID, mode, scenario string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "run "+scenario,
		oteltrace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.mode", mode),
			attribute.String("run.scenario", scenario),
		),
	)
}

// StartPhase opens a child span for one phase.
func (ts *TracingService) StartPhase(ctx context.Context, index int, kind, target string, planned time.Duration) (context.Context, oteltrace.Span) {
	attrs := []attribute.KeyValue{
		attribute.Int("phase.index", index),
		attribute.String("phase.kind", kind),
		attribute.Float64("phase.planned_sec", planned.Seconds()),
	}
	if target != "" {
		attrs = append(attrs, attribute.String("phase.target", target))
	}
	return ts.StartSpan(ctx, fmt.Sprintf("phase.%s", kind), oteltrace.WithAttributes(attrs...))
}

// StartControlAction opens a span around a lifecycle call.
func (ts *TracingService) StartControlAction(ctx context.Context, action, nodeID string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, fmt.Sprintf("control.%s", action),
		oteltrace.WithAttributes(
			attribute.String("control.action", action),
			attribute.String("control.node", nodeID),
		),
	)
}
