package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sgu731/studycap/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// setupTelemetry installs the global tracer and meter providers and returns
// their shutdown hook plus the Prometheus scrape handler (nil when the
// exporter could not be created).
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// resourceAttributes describes the deployment: which capture, recognition and
// translation backends this daemon runs with and its default languages.
func resourceAttributes(cfg config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("studycap.capture.mode", cfg.Capture.Mode),
		attribute.Int("studycap.capture.sample_rate", cfg.Capture.SampleRate),
		attribute.String("studycap.recognition.mode", cfg.Recognition.Mode),
		attribute.String("studycap.session.recognition_language", cfg.Session.RecognitionLanguage),
		attribute.Bool("studycap.translation.enabled", cfg.Translation.Enabled),
		attribute.Bool("studycap.bus.embedded", cfg.Bus.Embedded),
	}
	if cfg.Capture.Mode == "bus" {
		attrs = append(attrs, attribute.String("studycap.capture.device_id", cfg.Capture.DeviceID))
	}
	if cfg.Translation.Enabled {
		attrs = append(attrs, attribute.String("studycap.translation.mode", cfg.Translation.Mode))
		if lang := cfg.Session.TranslationLanguage; lang != "" {
			attrs = append(attrs, attribute.String("studycap.session.translation_language", lang))
		}
	}
	return attrs
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	exporter, name, err := traceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	logger.Info("telemetry initialized", slog.String("exporter", name), slog.String("endpoint", cfg.OTLPEndpoint))
	return sdktrace.NewTracerProvider(opts...), nil
}

// traceExporter picks the span exporter. An empty choice means OTLP when an
// endpoint is configured and stdout otherwise; "none" records no spans.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	choice := cfg.TraceExporter
	if choice == "" {
		choice = "stdout"
		if endpoint != "" {
			choice = "otlp"
		}
	}
	switch choice {
	case "none":
		return nil, choice, nil
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		return exporter, choice, err
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exporter, choice, err
	default:
		return nil, "", fmt.Errorf("unknown trace exporter %q", choice)
	}
}

// initMetrics backs the meter provider with a private Prometheus registry that
// also carries the Go runtime and process collectors.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.HandlerFor(registry, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn)})
}
