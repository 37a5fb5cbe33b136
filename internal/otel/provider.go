// Package otel provides OpenTelemetry tracer provider initialization and management.
package otel

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/mrzor/branch-tracer/internal/config"
)

// logProxy records the proxy the HTTP exporter will go through.
func logProxy(logger *zap.Logger) {
	httpProxy := os.Getenv("HTTP_PROXY")
	if httpProxy == "" {
		httpProxy = os.Getenv("http_proxy")
	}
	httpsProxy := os.Getenv("HTTPS_PROXY")
	if httpsProxy == "" {
		httpsProxy = os.Getenv("https_proxy")
	}
	if httpProxy != "" || httpsProxy != "" {
		logger.Info("Proxy configuration", zap.String("http_proxy", httpProxy), zap.String("https_proxy", httpsProxy))
	}
}

func exporterOptions(dest config.Exporter) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(dest.Endpoint),
		otlptracehttp.WithTimeout(dest.Timeout),
	}
	if dest.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if dest.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(dest.URLPath))
	}
	if len(dest.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(dest.Headers))
	}
	return opts
}

// InitProvider creates a tracer provider exporting over OTLP/HTTP with a
// batch span processor.
//
// The HTTP client honors HTTP_PROXY, HTTPS_PROXY and NO_PROXY through the
// standard net/http transport. The exporter connects lazily, so an
// unreachable collector shows up as export errors, not here.
func InitProvider(ctx context.Context, logger *zap.Logger, cfg *config.OTELConfig, serviceVersion string) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dest, err := cfg.Exporter()
	if err != nil {
		return nil, err
	}
	logger.Info("OTEL configuration",
		zap.String("service_name", cfg.ServiceName),
		zap.String("endpoint", dest.Endpoint),
		zap.Bool("insecure", dest.Insecure),
		zap.Int("headers", len(dest.Headers)),
		zap.String("resource_attributes", cfg.ResourceAttributes),
	)
	logProxy(logger)

	exporter, err := otlptracehttp.New(ctx, exporterOptions(dest)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	resourceAttrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	}
	if customAttrs := cfg.ParseResourceAttributes(); len(customAttrs) > 0 {
		resourceAttrs = append(resourceAttrs, resource.WithAttributes(customAttrs...))
	}

	res, err := resource.New(ctx, resourceAttrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// ShutdownProvider gracefully shuts down the tracer provider, flushing any remaining spans.
func ShutdownProvider(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
