// Package observability wires OpenTelemetry trace export.
//
// Traces flow through Genkit's TracerProvider, which already spans every
// model call and flow step. Setup attaches an OTLP HTTP exporter to that
// provider so agent invocations, retrieval legs, and task handlers show
// up in whatever backend the collector forwards to (Jaeger, Datadog,
// Grafana Tempo).
//
// Tracing is opt-in: an empty endpoint leaves the provider unexported
// and Setup returns a no-op shutdown. Export failures degrade the same
// way; the service never refuses to start because a collector is down.
package observability

import (
	"context"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ensembleworks/ensemble/internal/log"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint (host:port).
	// Empty disables tracing.
	Endpoint string
	// Environment tags exported spans (dev, staging, prod).
	Environment string
	// ServiceName is the name spans are grouped under.
	ServiceName string
}

// Setup attaches an OTLP exporter to Genkit's TracerProvider. Returns a
// shutdown function that flushes pending spans.
func Setup(ctx context.Context, cfg Config, logger log.Logger) (shutdown func(context.Context) error, err error) {
	if logger == nil {
		logger = log.NewNop()
	}
	noop := func(context.Context) error { return nil }

	if cfg.Endpoint == "" {
		logger.Debug("tracing disabled, no collector endpoint configured")
		return noop, nil
	}

	// Genkit's TracerProvider reads service identity from the standard
	// OTEL environment variables.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(), // collector runs next to the service
	)
	if err != nil {
		logger.Warn("creating OTLP exporter failed, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
