// Package observability provides the OpenTelemetry trace and metric
// providers for the runtime, plus the instruments the engine, gates,
// and sink report through: decisions by domain, gate verdicts, trace
// drops, and step latency.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0, default 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "failcore",
		ServiceVersion: "0.2.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// instruments holds the runtime's metric instruments. All methods are
// nil-receiver safe so a disabled provider costs nothing at call sites.
type instruments struct {
	decisions    metric.Int64Counter
	gateVerdicts metric.Int64Counter
	traceDrops   metric.Int64Counter
	stepDuration metric.Float64Histogram
	activeRuns   metric.Int64UpDownCounter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		ins instruments
		err error
	)
	ins.decisions, err = meter.Int64Counter("failcore.decisions.total",
		metric.WithDescription("Validator decisions by domain, code, and action"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	ins.gateVerdicts, err = meter.Int64Counter("failcore.gate.verdicts.total",
		metric.WithDescription("Gate outcomes by gate kind and verdict"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}
	ins.traceDrops, err = meter.Int64Counter("failcore.trace.dropped.total",
		metric.WithDescription("Trace events shed by the sink, by drop class"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	ins.stepDuration, err = meter.Float64Histogram("failcore.step.duration",
		metric.WithDescription("Wall time from preflight to egress per step"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}
	ins.activeRuns, err = meter.Int64UpDownCounter("failcore.runs.active",
		metric.WithDescription("Runs started and not yet ended"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}
	return &ins, nil
}

// Provider manages the OpenTelemetry trace and metric providers.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	ins *instruments
}

// New creates the provider and registers it globally. With
// Enabled=false it returns an inert provider whose record methods are
// no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("failcore",
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter("failcore",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	p.ins, err = newInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("failcore")
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("failcore")
	}
	return p.meter
}

// StartSpan starts a span on the runtime tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordDecision counts one validator decision.
func (p *Provider) RecordDecision(ctx context.Context, domain, code, action string) {
	if p.ins == nil {
		return
	}
	p.ins.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("code", code),
		attribute.String("action", action),
	))
}

// RecordVerdict counts one gate outcome.
func (p *Provider) RecordVerdict(ctx context.Context, gateKind, verdict string) {
	if p.ins == nil {
		return
	}
	p.ins.gateVerdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate", gateKind),
		attribute.String("verdict", verdict),
	))
}

// RecordDrop counts trace events shed by the sink.
func (p *Provider) RecordDrop(ctx context.Context, class string, n int64) {
	if p.ins == nil || n == 0 {
		return
	}
	p.ins.traceDrops.Add(ctx, n, metric.WithAttributes(
		attribute.String("class", class),
	))
}

// TrackRun marks a run active and returns the function to call at run
// end. The returned closure also records total run duration as a step
// duration sample tagged run=true.
func (p *Provider) TrackRun(ctx context.Context, runID string) func() {
	if p.ins == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("run_id", runID))
	p.ins.activeRuns.Add(ctx, 1, attrs)
	return func() {
		p.ins.activeRuns.Add(ctx, -1, attrs)
	}
}

// TrackStep opens a span for one tool call and returns the closure to
// invoke after egress. A non-nil error marks the span failed.
func (p *Provider) TrackStep(ctx context.Context, tool, stepID string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("tool", tool),
		attribute.String("step_id", stepID),
	}
	ctx, span := p.StartSpan(ctx, "failcore.step",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		if p.ins != nil {
			p.ins.stepDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("tool", tool)))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
