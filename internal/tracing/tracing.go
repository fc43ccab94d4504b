// Package tracing exports the spans of a helios job over OTLP/HTTP.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// shutdownTimeout bounds the final flush of a job's spans
const shutdownTimeout = 10 * time.Second

// Config describes where spans go and how the job is labelled in them.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is host:port, or a full URL when it has a scheme
	Endpoint    string
	SampleRatio float64

	// ProcessName is the `process` value of the job configuration
	ProcessName string
	// WorkerIndex is the worker number in a multi-process job, -1 otherwise
	WorkerIndex int
}

// DefaultConfig returns a configuration exporting every span to a local
// collector
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "127.0.0.1:4318",
		SampleRatio:    1.0,
		WorkerIndex:    -1,
	}
}

func (c Config) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.DeploymentEnvironment(c.Environment),
	}
	if c.ProcessName != "" {
		attrs = append(attrs, attribute.String("helios.process", c.ProcessName))
	}
	if c.WorkerIndex >= 0 {
		attrs = append(attrs, attribute.Int("helios.worker_index", c.WorkerIndex))
	}
	return attrs
}

func (c Config) endpointOption() otlptracehttp.Option {
	if strings.Contains(c.Endpoint, "://") {
		return otlptracehttp.WithEndpointURL(c.Endpoint)
	}
	return otlptracehttp.WithEndpoint(c.Endpoint)
}

// Provider owns the tracer provider installed for the job.
type Provider struct {
	tp     *sdktrace.TracerProvider
	logger *zap.Logger
}

// Setup installs a global tracer provider for the job. Spans are batched and
// sampled by ratio unless the parent decided.
func Setup(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("trace sample ratio must be within [0, 1], got %g", cfg.SampleRatio)
	}

	opts := []otlptracehttp.Option{cfg.endpointOption()}
	if !strings.HasPrefix(cfg.Endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(cfg.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("Tracing enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("process", cfg.ProcessName),
		zap.Float64("sample_ratio", cfg.SampleRatio))
	return &Provider{tp: tp, logger: logger}, nil
}

// Shutdown flushes the remaining spans, waiting at most shutdownTimeout
func (p *Provider) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.tp.Shutdown(ctx); err != nil {
		p.logger.Error("Failed to flush spans", zap.Error(err))
		return err
	}
	return nil
}
