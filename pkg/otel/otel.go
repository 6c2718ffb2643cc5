package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used by profitcast spans.
const TracerName = "github.com/fractal-lba/profitcast"

// Config holds OpenTelemetry configuration
type Config struct {
	Enabled              bool    `mapstructure:"enabled"`
	ServiceName          string  `mapstructure:"service_name"`
	ServiceVersion       string  `mapstructure:"service_version"`
	Environment          string  `mapstructure:"environment"`
	CollectorEndpoint    string  `mapstructure:"collector_endpoint"`
	CollectorInsecure    bool    `mapstructure:"collector_insecure"`
	SamplingRate         float64 `mapstructure:"sampling_rate"` // 0.0 to 1.0
	MaxEventsPerSpan     int     `mapstructure:"max_events_per_span"`
	MaxAttributesPerSpan int     `mapstructure:"max_attributes_per_span"`
}

// DefaultConfig returns production defaults with tracing disabled
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.1.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true,
		SamplingRate:         1.0,
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("profitcast")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.CollectorEndpoint)}
	if config.CollectorInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
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

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown flushes and stops the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the global provider (a no-op until InitTracer runs)
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	// Model attributes
	AttrModelVersion   = attribute.Key("model.version")
	AttrModelAlgorithm = attribute.Key("model.algorithm")
	AttrModelSlot      = attribute.Key("model.slot")

	// Training attributes
	AttrTrainRawRows   = attribute.Key("training.raw_rows")
	AttrTrainSamples   = attribute.Key("training.samples")
	AttrTrainSynthetic = attribute.Key("training.synthetic")
	AttrTrainMAE       = attribute.Key("training.mae")
	AttrTrainR2        = attribute.Key("training.r2")

	// Forecast attributes
	AttrForecastDays  = attribute.Key("forecast.days")
	AttrForecastTotal = attribute.Key("forecast.total_profit")
	AttrForecastRows  = attribute.Key("forecast.history_rows")

	// Store attributes
	AttrStoreBackend   = attribute.Key("store.backend")
	AttrStoreOperation = attribute.Key("store.operation")
)

// ModelAttributes describes the artifact a span works against
func ModelAttributes(version string, algorithm string, slot string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrModelAlgorithm.String(algorithm),
	}
	if version != "" {
		attrs = append(attrs, AttrModelVersion.String(version))
	}
	if slot != "" {
		attrs = append(attrs, AttrModelSlot.String(slot))
	}
	return attrs
}

// TrainingAttributes summarizes a training run. Undefined metrics are omitted.
func TrainingAttributes(rawRows, samples int, synthetic bool, mae, r2 *float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTrainRawRows.Int(rawRows),
		AttrTrainSamples.Int(samples),
		AttrTrainSynthetic.Bool(synthetic),
	}
	if mae != nil {
		attrs = append(attrs, AttrTrainMAE.Float64(*mae))
	}
	if r2 != nil {
		attrs = append(attrs, AttrTrainR2.Float64(*r2))
	}
	return attrs
}

// ForecastAttributes summarizes a forecast request
func ForecastAttributes(days, historyRows int, totalProfit float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrForecastDays.Int(days),
		AttrForecastRows.Int(historyRows),
		AttrForecastTotal.Float64(totalProfit),
	}
}

// StoreAttributes describes an artifact store call
func StoreAttributes(backend, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrStoreBackend.String(backend),
		AttrStoreOperation.String(operation),
	}
}
