package observability

import (
	"context"
	"time"

	"lessongen/internal/config"
	contextutils "lessongen/internal/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes an OpenTelemetry MeterProvider with an OTLP exporter
func InitMetrics(cfg *config.OpenTelemetryConfig) (result0 *metric.MeterProvider, err error) {
	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var exporter metric.Exporter
	switch cfg.Protocol {
	case "grpc", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp grpc metric exporter: %w", err)
		}
	case "http":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to create otlp http metric exporter: %w", err)
		}
	default:
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "unsupported otel protocol: %s", cfg.Protocol)
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter)),
		metric.WithResource(res),
	)
	return mp, nil
}

// Metrics holds the instruments recorded by the generation pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	admissions       otelmetric.Int64Counter
	providerAttempts otelmetric.Int64Counter
	validations      otelmetric.Int64Counter
	generations      otelmetric.Int64Counter
	generationTime   otelmetric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on the global meter provider
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(tracerName)
	m := &Metrics{}
	var err error

	if m.admissions, err = meter.Int64Counter("lessongen.admissions",
		otelmetric.WithDescription("Admission decisions by outcome")); err != nil {
		return nil, err
	}
	if m.providerAttempts, err = meter.Int64Counter("lessongen.provider.attempts",
		otelmetric.WithDescription("Provider calls by provider and outcome")); err != nil {
		return nil, err
	}
	if m.validations, err = meter.Int64Counter("lessongen.validations",
		otelmetric.WithDescription("Batch validation outcomes")); err != nil {
		return nil, err
	}
	if m.generations, err = meter.Int64Counter("lessongen.generations",
		otelmetric.WithDescription("Generation requests by terminal state")); err != nil {
		return nil, err
	}
	if m.generationTime, err = meter.Float64Histogram("lessongen.generation.duration",
		otelmetric.WithDescription("End to end generation time"), otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAdmission counts an admission decision ("admitted" or an error code)
func (m *Metrics) RecordAdmission(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordProviderAttempt counts one provider call
func (m *Metrics) RecordProviderAttempt(ctx context.Context, provider string, success bool) {
	if m == nil {
		return
	}
	m.providerAttempts.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("success", success),
	))
}

// RecordValidation counts a validation outcome ("valid", "repaired", "rejected")
func (m *Metrics) RecordValidation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordGeneration counts a finished generation and its duration
func (m *Metrics) RecordGeneration(ctx context.Context, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("state", state))
	m.generations.Add(ctx, 1, attrs)
	m.generationTime.Record(ctx, elapsed.Seconds(), attrs)
}
