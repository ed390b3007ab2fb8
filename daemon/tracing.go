package daemon

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupTracing installs a process-wide tracer provider whose spans are
// logged at debug level. The otelgrpc stats handler on the RPC server
// records per-call spans through it.
func setupTracing(log *slog.Logger) func(context.Context) error {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&logSpanProcessor{log: log}),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

// logSpanProcessor emits one debug line per finished span.
type logSpanProcessor struct {
	log *slog.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	p.log.Debug("span finished",
		"name", span.Name(),
		"duration", span.EndTime().Sub(span.StartTime()),
		"status", span.Status().Code.String())
}

func (p *logSpanProcessor) Shutdown(context.Context) error   { return nil }
func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
