package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewPrometheusProvider creates an OpenTelemetry provider whose metrics are
// scraped rather than pushed: a singleton registry process is a natural
// Prometheus target, and this avoids requiring an OTLP collector just to see
// gauges for catalog size or gossip lag. Tracing still goes out over
// OTLP/HTTP to traceEndpoint, same as NewOTelProvider.
func NewPrometheusProvider(serviceName string, traceEndpoint string) (*OTelProvider, error) {
	logger := GetLogger()

	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if traceEndpoint == "" {
		traceEndpoint = "localhost:4318"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1.0.0"),
	)
	ctx := context.Background()

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(traceEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter for endpoint %s: %w", traceEndpoint, err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	reg := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(reg))
	if err != nil {
		if shutdownErr := tp.Shutdown(ctx); shutdownErr != nil {
			logger.Debug("failed to clean up trace provider after prometheus exporter failure", map[string]interface{}{"error": shutdownErr.Error()})
		}
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	logger.Info("Prometheus-backed telemetry provider created", map[string]interface{}{
		"service_name":    serviceName,
		"trace_endpoint":  traceEndpoint,
		"metric_exporter": "prometheus (pull)",
	})

	return &OTelProvider{
		tracer:         tp.Tracer("registry-telemetry"),
		meter:          mp.Meter("registry-telemetry"),
		traceProvider:  tp,
		metricProvider: mp,
		metrics:        NewMetricInstruments("registry-telemetry"),
		metricsHandler: handler,
	}, nil
}
