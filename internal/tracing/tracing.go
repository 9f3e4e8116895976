// Package tracing wires OpenTelemetry spans around the orchestrator's
// three externally-observable phases — dependency resolution
// (find_ready), batch execution (execute_batch), and durable
// checkpointing — so an operator with an OTLP collector can see where a
// stalled run is actually spending its time.
package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sdlcflow/sdlcflow/internal/config"
)

const scopeName = "github.com/sdlcflow/sdlcflow/internal/orchestrator"

// Shutdown flushes and stops the tracer provider installed by Init.
type Shutdown func(context.Context) error

var noopShutdown Shutdown = func(context.Context) error { return nil }

// Init installs a global TracerProvider per cfg.Tracing. When tracing is
// disabled, the global no-op provider stays in place and Tracer() calls
// below become free no-ops — callers never need to branch on whether
// tracing is turned on.
func Init(ctx context.Context, cfg *config.Config) (Shutdown, error) {
	if !cfg.Tracing.Enabled {
		return noopShutdown, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName(cfg)),
	))
	if err != nil {
		return nil, err
	}

	var opts []otlptracehttp.Option
	if cfg.Tracing.OTLPTarget != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Tracing.OTLPTarget))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		return errors.Join(tp.ForceFlush(shutdownCtx), tp.Shutdown(shutdownCtx))
	}, nil
}

func serviceName(cfg *config.Config) string {
	if cfg.Tracing.ServiceName != "" {
		return cfg.Tracing.ServiceName
	}
	return "sdlcflow"
}

// Tracer returns the orchestrator's tracer against whatever
// TracerProvider is currently installed globally (real or no-op).
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan is a thin convenience wrapper so call sites in the
// orchestrator read as a single line rather than repeating Tracer().Start.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}
