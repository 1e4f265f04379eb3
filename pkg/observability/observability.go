// Package observability wires OpenTelemetry tracing and metrics for the
// court daemon. With no OTLP endpoint configured every call is a no-op, so
// instrumented code never guards on whether telemetry is on.
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

const scopeName = "opencawt.courtd"

// Config configures the exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the gRPC collector address; empty disables export.
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Insecure     bool
}

// DefaultConfig samples everything and batches for five seconds.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "opencawt-courtd",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the trace and meter providers plus the court's instruments.
// The zero Provider is a valid no-op.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram

	authFailures    metric.Int64Counter
	rateLimitHits   metric.Int64Counter
	webhookAttempts metric.Int64Counter
	sealRetries     metric.Int64Counter
	tickDuration    metric.Float64Histogram
	judgeLatency    metric.Float64Histogram
}

// New builds the provider. An empty OTLPEndpoint returns a functioning
// no-op provider without touching the network.
func New(ctx context.Context, config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{config: config, logger: logger.With("component", "observability")}

	if config.OTLPEndpoint == "" {
		p.logger.Info("telemetry export disabled")
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
		return nil, fmt.Errorf("observability resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.Info("telemetry export enabled",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sampleRate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requests, err = p.meter.Int64Counter("court.requests.total",
		metric.WithDescription("Requests handled"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("court.errors.total",
		metric.WithDescription("Requests that ended in an error envelope"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("court.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.authFailures, err = p.meter.Int64Counter("court.auth.failures",
		metric.WithDescription("Rejected authentication attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if p.rateLimitHits, err = p.meter.Int64Counter("court.ratelimit.hits",
		metric.WithDescription("Requests refused by a rate limit"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.webhookAttempts, err = p.meter.Int64Counter("court.webhook.attempts",
		metric.WithDescription("Webhook delivery attempts by outcome"),
		metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if p.sealRetries, err = p.meter.Int64Counter("court.seal.retries",
		metric.WithDescription("Stale seal jobs redispatched"),
		metric.WithUnit("{job}")); err != nil {
		return err
	}
	if p.tickDuration, err = p.meter.Float64Histogram("court.session.tick.duration",
		metric.WithDescription("Session engine tick duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if p.judgeLatency, err = p.meter.Float64Histogram("court.judge.latency",
		metric.WithDescription("LLM judge call latency in seconds"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// RegisterQueueDepths registers the observable gauges for open cases and
// queued seal jobs. fn is called on every collection.
func (p *Provider) RegisterQueueDepths(fn func(ctx context.Context) (openCases, queuedSealJobs int64, err error)) error {
	if p.meter == nil {
		return nil
	}
	openGauge, err := p.meter.Int64ObservableGauge("court.cases.open",
		metric.WithDescription("Cases not yet terminal"),
		metric.WithUnit("{case}"))
	if err != nil {
		return err
	}
	queueGauge, err := p.meter.Int64ObservableGauge("court.sealjobs.queued",
		metric.WithDescription("Seal jobs awaiting the mint worker"),
		metric.WithUnit("{job}"))
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		open, queued, err := fn(ctx)
		if err != nil {
			return err
		}
		o.ObserveInt64(openGauge, open)
		o.ObserveInt64(queueGauge, queued)
		return nil
	}, openGauge, queueGauge)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("meter provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, falling back to the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// StartSpan opens a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackRequest instruments one HTTP request. The returned func records
// duration and outcome; call it exactly once.
func (p *Provider) TrackRequest(ctx context.Context, method, route string) (context.Context, func(status int)) {
	start := time.Now()
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	}
	ctx, span := p.StartSpan(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))

	if p.requests != nil {
		p.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(status int) {
		statusAttrs := append(attrs, attribute.Int("http.status_code", status))
		if p.duration != nil {
			p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(statusAttrs...))
		}
		if status >= 500 && p.errors != nil {
			p.errors.Add(ctx, 1, metric.WithAttributes(statusAttrs...))
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		span.End()
	}
}

// RecordAuthFailure counts one rejected authentication attempt.
func (p *Provider) RecordAuthFailure(ctx context.Context, reason string) {
	if p.authFailures != nil {
		p.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordRateLimitHit counts one throttled request.
func (p *Provider) RecordRateLimitHit(ctx context.Context, limiter string) {
	if p.rateLimitHits != nil {
		p.rateLimitHits.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter", limiter)))
	}
}

// RecordWebhookAttempt counts one delivery attempt by outcome.
func (p *Provider) RecordWebhookAttempt(ctx context.Context, event string, delivered bool) {
	if p.webhookAttempts != nil {
		p.webhookAttempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.Bool("delivered", delivered)))
	}
}

// RecordSealRetry counts one stale-job redispatch.
func (p *Provider) RecordSealRetry(ctx context.Context) {
	if p.sealRetries != nil {
		p.sealRetries.Add(ctx, 1)
	}
}

// RecordTick records one session engine pass.
func (p *Provider) RecordTick(ctx context.Context, d time.Duration, casesVisited int) {
	if p.tickDuration != nil {
		p.tickDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.Int("cases", casesVisited)))
	}
}

// RecordJudgeCall records one judge round trip.
func (p *Provider) RecordJudgeCall(ctx context.Context, op string, d time.Duration, err error) {
	if p.judgeLatency != nil {
		p.judgeLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("error", err != nil)))
	}
}
