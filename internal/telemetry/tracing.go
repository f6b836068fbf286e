package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InitTracer wires a stdout span exporter as the process tracer provider.
// Swapping in an OTLP exporter later is a one-line change here; nothing
// downstream depends on the exporter kind.
func InitTracer(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns a tracer for the given instrumentation name.
func Tracer(name string) oteltrace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// TraceContext holds W3C trace context propagated alongside a gateway
// envelope so the browser and the gateway share one trace across the
// websocket boundary.
type TraceContext struct {
	TraceID    string `msgpack:"trace_id,omitempty"`
	SpanID     string `msgpack:"span_id,omitempty"`
	TraceFlags byte   `msgpack:"trace_flags,omitempty"`
	SessionID  string `msgpack:"session_id,omitempty"`
	UserID     string `msgpack:"user_id,omitempty"`
}

// InjectToTraceContext captures the current span's context plus session/user
// identifiers into a TraceContext ready for wire transport.
func InjectToTraceContext(ctx context.Context, sessionID, userID string) TraceContext {
	tc := TraceContext{SessionID: sessionID, UserID: userID}
	span := oteltrace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		sc := span.SpanContext()
		tc.TraceID = sc.TraceID().String()
		tc.SpanID = sc.SpanID().String()
		tc.TraceFlags = byte(sc.TraceFlags())
	}
	return tc
}

// ExtractFromTraceContext rebuilds a context carrying the remote span
// parent from a wire-transported TraceContext.
func ExtractFromTraceContext(ctx context.Context, tc TraceContext) context.Context {
	if tc.TraceID == "" || tc.SpanID == "" {
		return ctx
	}
	flags := "00"
	if tc.TraceFlags&0x01 != 0 {
		flags = "01"
	}
	carrier := propagation.MapCarrier{
		"traceparent": fmt.Sprintf("00-%s-%s-%s", tc.TraceID, tc.SpanID, flags),
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Attribute keys and constructors for Run/STT/TTS/Router span attributes.
// No package in this module starts spans or sets these attributes.
const (
	AttrSessionID  = "session.id"
	AttrRunID      = "run.id"
	AttrAgentName  = "agent.name"
	AttrMemMode    = "memory.mode"
	AttrThreadID   = "thread.id"
	AttrClientID   = "client.id"
	AttrSttURL     = "stt.url"
	AttrTerminal   = "run.terminal_state"
)

func SessionID(id string) attribute.KeyValue { return attribute.String(AttrSessionID, id) }
func RunIDAttr(id string) attribute.KeyValue { return attribute.String(AttrRunID, id) }
func AgentName(name string) attribute.KeyValue { return attribute.String(AttrAgentName, name) }
func MemMode(mode string) attribute.KeyValue { return attribute.String(AttrMemMode, mode) }
func ThreadID(id string) attribute.KeyValue  { return attribute.String(AttrThreadID, id) }
func ClientID(id string) attribute.KeyValue  { return attribute.String(AttrClientID, id) }
func SttURL(url string) attribute.KeyValue   { return attribute.String(AttrSttURL, url) }
func Terminal(state string) attribute.KeyValue { return attribute.String(AttrTerminal, state) }
