package otelhelper

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NatsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type NatsHeaderCarrier struct {
	Header nats.Header
}

func (c *NatsHeaderCarrier) Get(key string) string {
	return c.Header.Get(key)
}

func (c *NatsHeaderCarrier) Set(key, value string) {
	c.Header.Set(key, value)
}

func (c *NatsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

var tracer = otel.Tracer("messaging-backend")

// InjectContext writes the trace context of ctx into h, allocating h if nil.
func InjectContext(ctx context.Context, h nats.Header) nats.Header {
	if h == nil {
		h = nats.Header{}
	}
	otel.GetTextMapPropagator().Inject(ctx, &NatsHeaderCarrier{Header: h})
	return h
}

// ExtractContext extracts trace context from a NATS message header.
func ExtractContext(ctx context.Context, header nats.Header) context.Context {
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, &NatsHeaderCarrier{Header: header})
}

func messagingAttrs(subject string, size int) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("messaging.system", "nats"),
		attribute.String("messaging.destination.name", subject),
		attribute.Int("messaging.message.payload_size_bytes", size),
	)
}

// TracedPublish publishes data on subject inside a PRODUCER span. Extra
// headers in h are sent alongside the propagated trace context.
func TracedPublish(ctx context.Context, nc *nats.Conn, subject string, data []byte, h nats.Header) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		messagingAttrs(subject, len(data)),
	)
	defer span.End()

	err := nc.PublishMsg(&nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  InjectContext(ctx, h),
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// StartConsumerSpan extracts trace context from a NATS message and starts a CONSUMER span.
// Caller must call span.End().
func StartConsumerSpan(ctx context.Context, subject string, header nats.Header, size int, operationName string) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, header)
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		messagingAttrs(subject, size),
	)
}

// StartSpan starts an INTERNAL span for work that is not tied to a message,
// such as a scheduler tick.
func StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, operationName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}
