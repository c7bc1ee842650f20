// Package tracing wires OTLP span export for the deliberation service.
// When disabled it still installs a tracer handle so span helpers are
// always safe to call.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "cosilium"

var tracer oteltrace.Tracer = otel.Tracer(defaultServiceName)

// Config selects the exporter endpoint and the sampling rate.
type Config struct {
	Enabled      bool
	Endpoint     string
	ServiceName  string
	SamplingRate float64
}

// Shutdown flushes pending spans. It is a no-op when tracing is disabled.
type Shutdown func(ctx context.Context) error

// Initialize installs the global tracer provider.
func Initialize(ctx context.Context, cfg Config, logger *zap.Logger) (Shutdown, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SamplingRate <= 0 || cfg.SamplingRate > 1 {
		cfg.SamplingRate = 1
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sampling_rate", cfg.SamplingRate))
	return tp.Shutdown, nil
}

// StartSpan opens a span under the service tracer.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return tracer.Start(ctx, name)
}

// StartAgentSpan opens a span for one agent call with its identifying
// attributes.
func StartAgentSpan(ctx context.Context, phase, agentID, model string) (context.Context, oteltrace.Span) {
	ctx, span := tracer.Start(ctx, "agent."+phase)
	span.SetAttributes(
		attribute.String("cosilium.agent_id", agentID),
		attribute.String("cosilium.phase", phase),
		attribute.String("cosilium.model", model),
	)
	return ctx, span
}
