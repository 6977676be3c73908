// Package tracing sets up OpenTelemetry export to Jaeger and names the spans
// mprisctl emits.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "mprisctl"

// Version is reported as service.version.
var Version = "dev"

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "mprisctl",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider is a no-op when tracing is disabled.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs the global tracer provider and propagator.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(Version),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

var (
	PeerIDKey    = attribute.Key("mpris.peer")
	CommandKey   = attribute.Key("mpris.command")
	InterfaceKey = attribute.Key("dbus.interface")
	MemberKey    = attribute.Key("dbus.member")
	SessionKey   = attribute.Key("websocket.session")
)

func start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// Fail marks span as failed with err. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceBusCall covers one round-trip to a peer.
func TraceBusCall(ctx context.Context, peerID, iface, member string) (context.Context, trace.Span) {
	return start(ctx, "dbus."+member,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			PeerIDKey.String(peerID),
			InterfaceKey.String(iface),
			MemberKey.String(member),
		),
	)
}

// TraceCommand covers a command routed to the active peer. peerID may be
// empty when the target is not known yet.
func TraceCommand(ctx context.Context, command, peerID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{CommandKey.String(command)}
	if peerID != "" {
		attrs = append(attrs, PeerIDKey.String(peerID))
	}
	return start(ctx, "player."+command, trace.WithAttributes(attrs...))
}

func TraceWebSocketMessage(ctx context.Context, messageType, sessionID string) (context.Context, trace.Span) {
	return start(ctx, "websocket."+messageType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("websocket.message_type", messageType),
			SessionKey.String(sessionID),
		),
	)
}

// TraceRedis covers one Redis operation on key, or on a channel for publish.
func TraceRedis(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return start(ctx, "redis."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", operation),
			attribute.String("db.key", key),
		),
	)
}
