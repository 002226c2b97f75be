package logging

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OTLPConfig holds configuration for OpenTelemetry log export
type OTLPConfig struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// OTLPHook forwards logrus entries to an OpenTelemetry logger.
type OTLPHook struct {
	logger   otellog.Logger
	levels   []logrus.Level
	shutdown func(context.Context) error
}

// NewOTLPHook creates a hook exporting over OTLP/HTTP. Endpoint is a
// host:port pair, the /v1/logs path is appended by the exporter.
func NewOTLPHook(ctx context.Context, config OTLPConfig) (*OTLPHook, error) {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlploghttp.New(ctx,
		otlploghttp.WithEndpoint(endpoint),
		otlploghttp.WithURLPath("/v1/logs"),
		otlploghttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter)),
		log.WithResource(res),
	)

	hook := NewOTLPHookWithLogger(provider.Logger(config.ServiceName))
	hook.shutdown = provider.Shutdown
	return hook, nil
}

// NewOTLPHookWithLogger wraps an existing OpenTelemetry logger.
func NewOTLPHookWithLogger(logger otellog.Logger) *OTLPHook {
	return &OTLPHook{
		logger: logger,
		levels: logrus.AllLevels,
		shutdown: func(context.Context) error {
			return nil
		},
	}
}

// Levels implements logrus.Hook.
func (h *OTLPHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook.
func (h *OTLPHook) Fire(entry *logrus.Entry) error {
	attrs := make([]otellog.KeyValue, 0, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			attrs = append(attrs, otellog.String(k, err.Error()))
			continue
		}
		attrs = append(attrs, otellog.String(k, fmt.Sprint(v)))
	}

	var record otellog.Record
	record.SetTimestamp(entry.Time)
	record.SetObservedTimestamp(time.Now())
	record.SetSeverity(convertLogrusLevel(entry.Level))
	record.SetSeverityText(entry.Level.String())
	record.SetBody(otellog.StringValue(entry.Message))
	record.AddAttributes(attrs...)

	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	h.logger.Emit(ctx, record)
	return nil
}

// Shutdown flushes pending records.
func (h *OTLPHook) Shutdown(ctx context.Context) error {
	return h.shutdown(ctx)
}

func convertLogrusLevel(level logrus.Level) otellog.Severity {
	switch level {
	case logrus.TraceLevel:
		return otellog.SeverityTrace
	case logrus.DebugLevel:
		return otellog.SeverityDebug
	case logrus.InfoLevel:
		return otellog.SeverityInfo
	case logrus.WarnLevel:
		return otellog.SeverityWarn
	case logrus.ErrorLevel:
		return otellog.SeverityError
	case logrus.FatalLevel:
		return otellog.SeverityFatal
	case logrus.PanicLevel:
		return otellog.SeverityFatal4
	default:
		return otellog.SeverityInfo
	}
}
