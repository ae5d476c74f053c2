package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/OrlandoBitencourt/pennant"

// OTelProvider implements Provider using OpenTelemetry
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	cacheHits       metric.Int64Counter
	cacheMisses     metric.Int64Counter
	evaluations     metric.Int64Counter
	evalDuration    metric.Float64Histogram
	sourceErrors    metric.Int64Counter
	refreshDuration metric.Float64Histogram
	refreshSuccess  metric.Int64Counter
	refreshFailure  metric.Int64Counter
	circuitState    metric.Int64ObservableGauge

	mu            sync.Mutex
	circuitStates map[string]int64
}

// OTelOption configures NewOTel.
type OTelOption func(*otelConfig)

type otelConfig struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) OTelOption {
	return func(c *otelConfig) { c.meterProvider = mp }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *otelConfig) { c.tracerProvider = tp }
}

// NewOTel creates a provider bound to the global OpenTelemetry providers
// unless overridden by options.
func NewOTel(opts ...OTelOption) (*OTelProvider, error) {
	cfg := otelConfig{
		meterProvider:  otel.GetMeterProvider(),
		tracerProvider: otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	provider := &OTelProvider{
		tracer:        cfg.tracerProvider.Tracer(instrumentationName),
		meter:         cfg.meterProvider.Meter(instrumentationName),
		circuitStates: make(map[string]int64),
	}

	if err := provider.initMetrics(); err != nil {
		return nil, err
	}

	return provider, nil
}

func (o *OTelProvider) initMetrics() error {
	var err error

	o.cacheHits, err = o.meter.Int64Counter(
		"pennant.cache.hits",
		metric.WithDescription("Number of lookups served from the resolution cache"),
	)
	if err != nil {
		return err
	}

	o.cacheMisses, err = o.meter.Int64Counter(
		"pennant.cache.misses",
		metric.WithDescription("Number of lookups that ran the source pipeline"),
	)
	if err != nil {
		return err
	}

	o.evaluations, err = o.meter.Int64Counter(
		"pennant.evaluations",
		metric.WithDescription("Number of flag resolutions"),
	)
	if err != nil {
		return err
	}

	o.evalDuration, err = o.meter.Float64Histogram(
		"pennant.evaluation.duration",
		metric.WithDescription("Duration of flag resolutions through the source pipeline"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.sourceErrors, err = o.meter.Int64Counter(
		"pennant.source.errors",
		metric.WithDescription("Number of failed source operations"),
	)
	if err != nil {
		return err
	}

	o.refreshDuration, err = o.meter.Float64Histogram(
		"pennant.refresh.duration",
		metric.WithDescription("Duration of per-source refresh calls"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	o.refreshSuccess, err = o.meter.Int64Counter(
		"pennant.refresh.success",
		metric.WithDescription("Number of successful source refreshes"),
	)
	if err != nil {
		return err
	}

	o.refreshFailure, err = o.meter.Int64Counter(
		"pennant.refresh.failure",
		metric.WithDescription("Number of failed source refreshes"),
	)
	if err != nil {
		return err
	}

	o.circuitState, err = o.meter.Int64ObservableGauge(
		"pennant.circuit.state",
		metric.WithDescription("Refresh circuit breaker state per source (0=closed, 1=open, 2=half-open)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			for source, state := range o.circuitStates {
				observer.Observe(state, metric.WithAttributes(attribute.String("source", source)))
			}
			return nil
		}),
	)
	return err
}

func circuitStateValue(state string) int64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	default:
		return 0
	}
}

func (o *OTelProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	config := &SpanConfig{}
	for _, opt := range opts {
		opt(config)
	}

	ctx, otelSpan := o.tracer.Start(ctx, name, trace.WithAttributes(convertAttributes(config.Attributes)...))
	return ctx, &OTelSpan{span: otelSpan}
}

func convertAttribute(attr Attribute) attribute.KeyValue {
	switch v := attr.Value.(type) {
	case string:
		return attribute.String(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case bool:
		return attribute.Bool(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	default:
		return attribute.String(attr.Key, "")
	}
}

func convertAttributes(attrs []Attribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, attr := range attrs {
		out[i] = convertAttribute(attr)
	}
	return out
}

func (o *OTelProvider) RecordCacheHit(ctx context.Context, flagKey string) {
	o.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", flagKey)))
}

func (o *OTelProvider) RecordCacheMiss(ctx context.Context, flagKey string) {
	o.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", flagKey)))
}

func (o *OTelProvider) RecordEvaluation(ctx context.Context, flagKey, source string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("source", source),
	)
	o.evaluations.Add(ctx, 1, attrs)
	o.evalDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (o *OTelProvider) RecordSourceError(ctx context.Context, source, op string) {
	o.sourceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("op", op),
	))
}

func (o *OTelProvider) RecordRefresh(ctx context.Context, source string, success bool, duration time.Duration) {
	o.refreshDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	))

	attrs := metric.WithAttributes(attribute.String("source", source))
	if success {
		o.refreshSuccess.Add(ctx, 1, attrs)
	} else {
		o.refreshFailure.Add(ctx, 1, attrs)
	}
}

func (o *OTelProvider) RecordCircuitState(ctx context.Context, source, state string) {
	o.mu.Lock()
	o.circuitStates[source] = circuitStateValue(state)
	o.mu.Unlock()
}

// Shutdown is a no-op: the meter and tracer providers belong to the caller.
func (o *OTelProvider) Shutdown(ctx context.Context) error {
	return nil
}

// OTelSpan wraps an OpenTelemetry span
type OTelSpan struct {
	span trace.Span
}

func (s *OTelSpan) End() {
	s.span.End()
}

func (s *OTelSpan) SetAttributes(attrs ...Attribute) {
	s.span.SetAttributes(convertAttributes(attrs)...)
}

// RecordError records err and marks the span as failed.
func (s *OTelSpan) RecordError(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *OTelSpan) AddEvent(name string, attrs ...Attribute) {
	s.span.AddEvent(name, trace.WithAttributes(convertAttributes(attrs)...))
}
