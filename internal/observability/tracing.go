// Package observability registers an OTLP trace exporter with Genkit's
// tracer provider so retrieval and generation spans land in whatever
// backend sits behind the configured collector endpoint.
//
// The exporter speaks OTLP over HTTP to a local collector (or agent),
// which handles authentication and forwarding. An empty endpoint
// disables export entirely; the service then runs with the no-op
// provider Genkit installs by default.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for OTLP trace export.
type Config struct {
	// Endpoint is the collector's OTLP HTTP endpoint, host:port.
	Endpoint string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
	// ServiceName identifies this service in the tracing backend.
	ServiceName string
}

// DefaultEndpoint is the conventional local collector OTLP HTTP endpoint.
const DefaultEndpoint = "localhost:4318"

// Setup wires an OTLP HTTP exporter into Genkit's TracerProvider and
// returns a shutdown function that flushes pending spans.
//
// Exporter construction failures degrade gracefully: the error is
// logged and a no-op shutdown is returned, so tracing trouble never
// blocks startup.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Genkit's TracerProvider reads the service identity from the
	// standard OTEL environment variables.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		slog.Warn("failed to create OTLP exporter, tracing disabled", "error", err)
		return func(context.Context) error { return nil }, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	slog.Debug("trace export enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tracing.TracerProvider().Shutdown, nil
}
