package kafkax

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTopicName(t *testing.T) {
	if got := TopicName("agency-sync.", "ApplicationRejected"); got != "agency-sync.ApplicationRejected" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := TopicName("", "ApplicationRejected"); got != "ApplicationRejected" {
		t.Fatalf("unexpected topic: %s", got)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092")
	if len(got) != 2 || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %#v", got)
	}
}

func TestEventMetaHeadersRoundTrip(t *testing.T) {
	meta := EventMeta{EventID: "evt-1", EventType: "ApplicationCancelled"}
	got := ExtractEventMeta(kafka.Message{Topic: "other", Headers: meta.Headers()})
	if got != meta {
		t.Fatalf("meta mismatch: %+v", got)
	}

	fallback := ExtractEventMeta(kafka.Message{Topic: "t", Key: []byte("k")})
	if fallback.EventID != "k" || fallback.EventType != "t" {
		t.Fatalf("unexpected fallback meta: %+v", fallback)
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	headers := InjectTraceHeaders(ctx, EventMeta{EventID: "evt-1"}.Headers())
	if HeaderValue(headers, "traceparent") == "" {
		t.Fatal("expected traceparent header")
	}

	extracted := ExtractTraceContext(context.Background(), kafka.Message{Headers: headers})
	if trace.SpanContextFromContext(extracted).TraceID() != traceID {
		t.Fatal("trace id not propagated through headers")
	}
}
