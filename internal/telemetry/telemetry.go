// Package telemetry initializes OpenTelemetry tracing for the pipeline.
//
// The OTLP exporter is grpc by default, falling back to http, and a
// no-op tracer provider if both fail so a telemetry collector outage
// never blocks ingest or the batch driver.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var exporterFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "telemetry_pipeline_exporter_init_failures_total",
		Help: "Number of OTLP exporter initialization failures by protocol, plus no-op fallbacks by reason (no_endpoint, degraded).",
	},
	[]string{"service_name", "exporter"},
)

// Config controls telemetry initialization.
type Config struct {
	ServiceName string
	Environment string
	Endpoint    string
	Protocol    string // grpc or http
	Insecure    bool
}

// Provider wraps the tracer provider and exposes Shutdown.
type Provider struct {
	tp       *sdktrace.TracerProvider
	fallback bool
}

// Shutdown flushes the exporter, if any was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Init configures the global tracer provider. If the configured endpoint is
// empty or no exporter can be created for it, Init degrades to a no-op
// tracer rather than failing startup. Exporters connect lazily, so an
// endpoint that is merely unreachable still gets a real provider whose
// exports fail in the background.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return degradedProvider(cfg.ServiceName, "no_endpoint"), nil
	}

	provider, err := initWithProtocol(ctx, cfg, cfg.Protocol)
	if err == nil {
		return provider, nil
	}
	exporterFailures.WithLabelValues(cfg.ServiceName, cfg.Protocol).Inc()

	if cfg.Protocol == "grpc" {
		if httpProvider, httpErr := initWithProtocol(ctx, cfg, "http"); httpErr == nil {
			return httpProvider, nil
		} else {
			exporterFailures.WithLabelValues(cfg.ServiceName, "http").Inc()
			err = errors.Join(err, httpErr)
		}
	}

	return degradedProvider(cfg.ServiceName, "degraded"), nil
}

// MustInit panics if Init returns an error (it normally never does; callers
// keep this for parity with the rest of the pipeline's MustX constructors).
func MustInit(ctx context.Context, cfg Config) *Provider {
	provider, err := Init(ctx, cfg)
	if err != nil {
		panic(err)
	}
	return provider
}

func initWithProtocol(ctx context.Context, cfg Config, protocol string) (*Provider, error) {
	client, err := buildClient(cfg, protocol)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attrServiceName(cfg.ServiceName),
		attrDeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

func degradedProvider(serviceName, reason string) *Provider {
	exporterFailures.WithLabelValues(serviceName, reason).Inc()
	otel.SetTracerProvider(trace.NewNoopTracerProvider())
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{fallback: true}
}

func buildClient(cfg Config, protocol string) (otlptrace.Client, error) {
	switch protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	case "grpc", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
				Enabled:         true,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			}),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.NewClient(opts...), nil
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
