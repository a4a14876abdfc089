package observability

import (
	"context"
	"log/slog"

	"github.com/honeynil/creditledger/internal/infrastructure/observability"
)

// Setup initializes logging, metrics and tracing and returns the tracer
// shutdown func. A tracing failure is logged and leaves tracing disabled.
func Setup(ctx context.Context, serviceName, logLevel, otlpEndpoint string) func(context.Context) error {
	observability.InitLogger(observability.ParseLevel(logLevel))
	observability.InitMetrics()

	shutdown, err := observability.InitTracing(ctx, serviceName, otlpEndpoint)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		return func(context.Context) error { return nil }
	}
	return shutdown
}
