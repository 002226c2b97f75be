package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/market-collector/internal/config"
)

const (
	// Service information
	ServiceName    = "github.com/irfndi/market-collector"
	ServiceVersion = "1.0.0"

	tracesPath = "/v1/traces"
)

// Provider holds the tracer provider shutdown hook.
type Provider struct {
	Shutdown func(context.Context) error
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled:        false,
		Exporter:       "stdout",
		OTLPEndpoint:   "http://localhost:4318",
		ServiceName:    "market-collector",
		ServiceVersion: ServiceVersion,
		SampleRate:     1.0,
	}
}

// Init installs the global tracer provider and propagator. A disabled
// config leaves the no-op provider in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, environment string) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{Shutdown: func(context.Context) error { return nil }}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{Shutdown: tp.Shutdown}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		hostport, path, insecure, _, err := normalizeOTLPEndpoint(cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(hostport),
			otlptracehttp.WithURLPath(path),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// normalizeOTLPEndpoint splits a collector URL into the pieces the OTLP
// HTTP exporter expects and appends the traces path when missing.
func normalizeOTLPEndpoint(raw string) (hostport, urlPath string, insecure bool, resolved string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false, "", fmt.Errorf("invalid OTLP endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, "", errors.New("OTLP endpoint must start with http:// or https://")
	}
	if u.Host == "" {
		return "", "", false, "", fmt.Errorf("OTLP endpoint %q has no host", raw)
	}

	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, tracesPath) {
		path += tracesPath
	}

	resolved = fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, path)
	return u.Host, path, u.Scheme == "http", resolved, nil
}

// Tracer returns a named tracer for one component of the collector.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(ServiceName + "/" + component)
}

// RecordError marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
