package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer creates tick, stage and generation spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a tracer. A disabled tracer never samples.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		provider := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		return &Tracer{
			provider: provider,
			tracer:   provider.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = newOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		// Spans are sampled and recorded but go nowhere.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(TickSampler(cfg.TickSampleEvery))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

func newOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// tickSampler samples root tick spans by tick number. Root spans without a
// tick number, such as background generation, are always sampled.
type tickSampler struct {
	every uint64
}

// TickSampler returns a sampler keeping one tick in every n.
func TickSampler(n uint64) sdktrace.Sampler {
	if n == 0 {
		n = 1
	}
	return tickSampler{every: n}
}

func (s tickSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	decision := sdktrace.RecordAndSample
	for _, kv := range p.Attributes {
		if kv.Key == AttrTick && uint64(kv.Value.AsInt64())%s.every != 0 {
			decision = sdktrace.Drop
			break
		}
	}
	return sdktrace.SamplingResult{
		Decision:   decision,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
}

func (s tickSampler) Description() string {
	return fmt.Sprintf("TickSampler{every=%d}", s.every)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTickSpan starts the root span of one tick.
func (t *Tracer) StartTickSpan(ctx context.Context, tick uint64, runID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "tick",
		AttrTick.Int64(int64(tick)),
		AttrRunID.String(runID),
	)
}

// StartStageSpan starts a child span for one stage. Without stage spans, or
// outside a sampled tick, the returned span is a no-op and ctx is unchanged.
func (t *Tracer) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	if !t.config.StageSpans || !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.StartSpan(ctx, "stage."+stage, AttrStage.String(stage))
}

// StartGenerationSpan starts a span for one section generation.
func (t *Tracer) StartGenerationSpan(ctx context.Context, region string, section int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "section.generate",
		AttrRegion.String(region),
		AttrSection.Int(section),
	)
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddTickEvent adds a tick-scoped event such as an update storm to the span
// carried by ctx.
func AddTickEvent(ctx context.Context, eventType, message string) {
	trace.SpanFromContext(ctx).AddEvent(eventType, trace.WithAttributes(
		attribute.String("event.message", message),
		attribute.String("event.category", "tick"),
	))
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush exports all pending spans.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Attribute keys shared by tick spans.
var (
	AttrTick         = attribute.Key("tick.number")
	AttrRunID        = attribute.Key("tick.run_id")
	AttrStage        = attribute.Key("tick.stage")
	AttrBuckets      = attribute.Key("tick.buckets")
	AttrManagerCount = attribute.Key("tick.managers")
	AttrUpdates      = attribute.Key("tick.updates")

	AttrWorld   = attribute.Key("world.name")
	AttrRegion  = attribute.Key("region.id")
	AttrSection = attribute.Key("region.section")
)
