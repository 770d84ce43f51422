package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harborbot/internal/task"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/harborbot"

// Span attributes shared by the gateway and the executor
const (
	DeliveryIDKey   = attribute.Key("harborbot.delivery_id")
	EventKey        = attribute.Key("harborbot.event")
	TaskTypeKey     = attribute.Key("harborbot.task_type")
	AttemptKey      = attribute.Key("harborbot.attempt")
	InstallationKey = attribute.Key("harborbot.installation_id")
	RepositoryKey   = attribute.Key("harborbot.repository")
)

// InitTracing initializes OpenTelemetry tracing for the service. Setting
// OTEL_EXPORTER_OTLP_ENDPOINT=none installs only the propagator.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	endpoint := getOTLPEndpoint()
	if endpoint == "none" {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(getVersion()),
			attribute.String("service.instance.id", getInstanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(getSampleRatio()))),
	)
	otel.SetTracerProvider(tp)

	return func() {
		_ = tp.Shutdown(context.Background())
	}, nil
}

// GetTracer returns the application tracer
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := GetTracer().Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	span.AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError records an error on the current span
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID extracts the trace ID from the context
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectHeaders returns the trace context of ctx as a header map, carried on
// task envelopes across the broker.
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// EnvelopeAttributes describes a task envelope on a span
func EnvelopeAttributes(env task.Envelope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		DeliveryIDKey.String(env.DeliveryID),
		TaskTypeKey.String(string(env.Type)),
		AttemptKey.Int(env.Attempt),
	}
	if env.Installation != 0 {
		attrs = append(attrs, InstallationKey.Int64(env.Installation))
	}
	if name := env.Repository.FullName(); name != "" {
		attrs = append(attrs, RepositoryKey.String(name))
	}
	return attrs
}

// StartTaskSpan continues the trace carried on env and starts a span for it
func StartTaskSpan(ctx context.Context, spanName string, env task.Envelope, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx = ExtractHeaders(ctx, env.TraceHeaders)
	return StartSpan(ctx, spanName, append(EnvelopeAttributes(env), attrs...)...)
}

// ExtractHeaders restores a trace context injected by InjectHeaders
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func getVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func getInstanceID() string {
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	if id := os.Getenv("POD_NAME"); id != "" {
		return id
	}
	return "unknown"
}

func getSampleRatio() float64 {
	v := os.Getenv("OTEL_SAMPLE_RATIO")
	if v == "" {
		return 1
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 1
	}
	return f
}

// getOTLPEndpoint returns host:port, since otlptracehttp.WithEndpoint takes no scheme
func getOTLPEndpoint() string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		return strings.TrimPrefix(endpoint, "https://")
	}
	return "tempo:4318"
}
