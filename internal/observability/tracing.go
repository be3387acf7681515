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
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/intersection-simulator/internal/intersection"
	"github.com/signalsfoundry/intersection-simulator/internal/logging"
)

// TracingConfig selects the span exporter and sampling for the simulator.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp

	// RunSampleRatio decides, per trace, whether a run and everything under
	// it is recorded.
	RunSampleRatio float64
	// CarSampleRatio keeps this fraction of the per-car spans of a recorded
	// run. Long runs with many cars stay readable at a low ratio.
	CarSampleRatio float64

	Deployment Deployment
}

// Deployment describes the simulator process on every exported span.
type Deployment struct {
	InstanceID   string
	Mode         string
	Capacity     int
	Green        time.Duration
	Yellow       time.Duration
	Red          time.Duration
	CrossingTime time.Duration
	MaxWait      time.Duration
}

// DeploymentFor summarises the simulator configuration that shapes its
// traces.
func DeploymentFor(cfg intersection.Config, mode intersection.Mode, capacity int) Deployment {
	cfg = cfg.ApplyDefaults()
	return Deployment{
		InstanceID:   logging.NewID(),
		Mode:         mode.String(),
		Capacity:     capacity,
		Green:        cfg.GreenDuration,
		Yellow:       cfg.YellowDuration,
		Red:          cfg.RedDuration,
		CrossingTime: cfg.CrossingTime,
		MaxWait:      cfg.MaxWait,
	}
}

// TracingConfigFromEnv reads SIM_TRACING_ENABLED, SIM_TRACING_EXPORTER,
// SIM_TRACING_SERVICE_NAME, SIM_TRACING_SAMPLE_RATIO,
// SIM_TRACING_CAR_SAMPLE_RATIO and SIM_OTLP_ENDPOINT. Command line flags
// override what it returns.
func TracingConfigFromEnv() TracingConfig {
	exporter := strings.ToLower(os.Getenv("SIM_TRACING_EXPORTER"))
	if exporter == "" {
		exporter = "stdout"
	}
	service := os.Getenv("SIM_TRACING_SERVICE_NAME")
	if service == "" {
		service = "intersection-sim"
	}

	return TracingConfig{
		Enabled:        strings.EqualFold(os.Getenv("SIM_TRACING_ENABLED"), "true"),
		ServiceName:    service,
		Exporter:       exporter,
		Endpoint:       os.Getenv("SIM_OTLP_ENDPOINT"),
		RunSampleRatio: ratioFromEnv("SIM_TRACING_SAMPLE_RATIO"),
		CarSampleRatio: ratioFromEnv("SIM_TRACING_CAR_SAMPLE_RATIO"),
	}
}

func ratioFromEnv(key string) float64 {
	if raw := os.Getenv(key); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			return parsed
		}
	}
	return 1
}

// InitTracing installs the global tracer provider and propagators described
// by cfg. The returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Info(ctx, "tracing disabled; using noop tracer provider")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := exporterFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := simulatorResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sampler := NewSampler(cfg.RunSampleRatio, cfg.CarSampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("instance_id", cfg.Deployment.InstanceID),
		logging.String("sampler", sampler.Description()),
	)

	return tp.Shutdown, nil
}

func simulatorResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	d := cfg.Deployment
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "intersection"),
		attribute.Int("intersection.roads", len(intersection.RoadIDs)),
	}
	if d.InstanceID != "" {
		attrs = append(attrs, attribute.String("service.instance.id", d.InstanceID))
	}
	if d.Mode != "" {
		attrs = append(attrs,
			attribute.String("intersection.mode", d.Mode),
			attribute.Int("intersection.capacity", d.Capacity),
		)
	}
	if d.Green > 0 {
		attrs = append(attrs,
			attribute.String("intersection.light.green", d.Green.String()),
			attribute.String("intersection.light.yellow", d.Yellow.String()),
			attribute.String("intersection.light.red", d.Red.String()),
			attribute.String("intersection.crossing_time", d.CrossingTime.String()),
			attribute.String("intersection.max_wait", d.MaxWait.String()),
		)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// NewSampler samples runs by trace ID and then keeps carRatio of the car
// spans inside each recorded run. The car decision hashes the car id, so it
// is stable across processes and independent of the run's trace ID.
func NewSampler(runRatio, carRatio float64) sdktrace.Sampler {
	return carSampler{
		base:   sdktrace.ParentBased(sdktrace.TraceIDRatioBased(runRatio)),
		ratio:  carRatio,
		cutoff: ratioCutoff(carRatio),
	}
}

type carSampler struct {
	base   sdktrace.Sampler
	ratio  float64
	cutoff uint64
}

func ratioCutoff(ratio float64) uint64 {
	switch {
	case ratio >= 1:
		return 1 << 63
	case ratio <= 0:
		return 0
	}
	return uint64(ratio * (1 << 63))
}

func (s carSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := s.base.ShouldSample(p)
	if p.Name != intersection.CarSpanName || res.Decision != sdktrace.RecordAndSample {
		return res
	}
	for _, kv := range p.Attributes {
		if kv.Key == intersection.AttrCarID && !s.keep(kv.Value.AsInt64()) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.Drop,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
	}
	return res
}

// keep spreads consecutive ids with a multiplicative hash before comparing
// against the cutoff, the same way TraceIDRatioBased treats trace IDs.
func (s carSampler) keep(id int64) bool {
	h := uint64(id) * 0x9E3779B97F4A7C15
	return h>>1 < s.cutoff
}

func (s carSampler) Description() string {
	return fmt.Sprintf("CarSampler{cars=%g,%s}", s.ratio, s.base.Description())
}

func exporterFromConfig(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		return stdouttrace.New(
			stdouttrace.WithWriter(os.Stdout),
			stdouttrace.WithPrettyPrint(),
			stdouttrace.WithoutTimestamps(),
		)
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// ShutdownWithTimeout runs shutdown with a five second budget and logs, rather
// than returns, any failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
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
