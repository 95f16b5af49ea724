package observability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/satmac-simulator/internal/config"
	"github.com/signalsfoundry/satmac-simulator/internal/logging"
)

const (
	envTracingEnabled = "DAMA_TRACING_ENABLED"
	envTracingService = "DAMA_TRACING_SERVICE_NAME"
	envTracingExport  = "DAMA_TRACING_EXPORTER"
	envTracingRatio   = "DAMA_TRACING_SAMPLE_RATIO"
	envOtlpEndpoint   = "DAMA_OTLP_ENDPOINT"

	defaultService      = "dama-sim"
	defaultOtlpEndpoint = "localhost:4317"
)

// Resource attributes identifying one simulation run.
const (
	AttrScenario = attribute.Key("dama.scenario")
	AttrRunID    = attribute.Key("dama.run_id")
)

// TracingConfig governs how a run's spans are exported.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // OTLP gRPC collector
	SampleRatio float64
	// Scenario and RunID are attached to every span of the run.
	Scenario string
	RunID    string
}

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// TracingConfigFromEnv reads the DAMA_TRACING_* variables. Unset or
// malformed values fall back to a disabled stdout exporter sampling
// everything.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv(envTracingEnabled), "true"),
		ServiceName: os.Getenv(envTracingService),
		Exporter:    strings.ToLower(os.Getenv(envTracingExport)),
		Endpoint:    os.Getenv(envOtlpEndpoint),
		SampleRatio: 1,
	}
	if raw := os.Getenv(envTracingRatio); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && validRatio(r) {
			cfg.SampleRatio = r
		}
	}
	return cfg.withDefaults()
}

// TracingConfigForRun starts from the environment, applies the scenario's
// tracing section over it and labels the run.
func TracingConfigForRun(s *config.Scenario, runID string) TracingConfig {
	cfg := TracingConfigFromEnv()
	cfg.RunID = runID
	if s == nil {
		return cfg
	}
	cfg.Scenario = s.Name
	o := s.Tracing
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	if o.ServiceName != "" {
		cfg.ServiceName = o.ServiceName
	}
	if o.Exporter != "" {
		cfg.Exporter = strings.ToLower(o.Exporter)
	}
	if o.Endpoint != "" {
		cfg.Endpoint = o.Endpoint
	}
	if o.SampleRatio != nil && validRatio(*o.SampleRatio) {
		cfg.SampleRatio = *o.SampleRatio
	}
	return cfg
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = defaultService
	}
	c.Exporter = strings.ToLower(c.Exporter)
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	return c
}

func validRatio(r float64) bool { return r >= 0 && r <= 1 }

// InitTracing installs the global tracer provider for a run. A disabled
// config installs a noop provider. The returned function flushes spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (ShutdownFunc, error) {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled", logging.String("scenario", cfg.Scenario))
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := runResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("scenario", cfg.Scenario),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// runResource describes the process emitting the spans: the service, and
// the scenario and run they belong to.
func runResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "satmac"),
	}
	if cfg.Scenario != "" {
		attrs = append(attrs, AttrScenario.String(cfg.Scenario))
	}
	if cfg.RunID != "" {
		attrs = append(attrs,
			AttrRunID.String(cfg.RunID),
			attribute.String("service.instance.id", cfg.RunID),
		)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}
	return res, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOtlpEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within five seconds. Failures are
// logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown ShutdownFunc, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
