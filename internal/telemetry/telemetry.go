// Package telemetry configures OpenTelemetry tracing for the assistant.
//
// Spans are opened by the orchestrator (plan, step) and the resilience guard
// (one per guarded call). Outbound HTTP from handlers is traced through the
// otelhttp transport returned by HTTPClient.
package telemetry

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
)

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

type options struct {
	writer io.Writer
}

type Option func(*options)

// WithWriter sends stdout spans to w instead of os.Stdout.
func WithWriter(w io.Writer) Option { return func(o *options) { o.writer = w } }

// Init installs a global tracer provider. With tracing disabled it leaves
// the no-op provider in place.
func Init(ctx context.Context, cfg config.TracingConfig, opts ...Option) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	o := options{writer: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "maga-orchestrator"
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithProcess(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(os.Getenv("ASSISTANT_VERSION")),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		return nil, err
	}

	var tp *sdktrace.TracerProvider
	if cfg.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(o.writer), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp,
				sdktrace.WithMaxExportBatchSize(512),
				sdktrace.WithBatchTimeout(200*time.Millisecond),
			),
			sdktrace.WithResource(res),
		)
	} else {
		// Spans are sampled and propagated but not exported.
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	}

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// HTTPClient returns a client whose requests carry trace context and are
// recorded as client spans.
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
