package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
)

const (
	SubjectPrefix = "chat.events."
	OriginHeader  = "Chat-Origin"
)

// Subject is the NATS subject an event kind is relayed on.
func Subject(kind events.Kind) string {
	return SubjectPrefix + string(kind)
}

// Deliverer accepts events relayed from other instances.
type Deliverer interface {
	Deliver(ctx context.Context, evt events.Event)
}

// Relay mirrors resolved events between gateway instances over NATS core
// pub/sub. Every instance receives every event and fans it out to its own
// connections.
type Relay struct {
	nc     *nats.Conn
	bus    Deliverer
	origin string
}

// NewRelay builds a relay for this instance. origin must be unique per
// process so the relay can ignore its own publications.
func NewRelay(nc *nats.Conn, bus Deliverer, origin string) *Relay {
	return &Relay{nc: nc, bus: bus, origin: origin}
}

// Forward publishes evt to the other instances.
func (r *Relay) Forward(ctx context.Context, evt events.Event) {
	evt.Origin = r.origin
	data, err := json.Marshal(evt)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode relayed event", "event", evt.Kind, "error", err)
		return
	}
	h := nats.Header{}
	h.Set(OriginHeader, r.origin)
	if err := otelhelper.TracedPublish(ctx, r.nc, Subject(evt.Kind), data, h); err != nil {
		slog.WarnContext(ctx, "Failed to relay event", "event", evt.Kind, "error", err)
	}
}

// Start subscribes to relayed events from the other instances.
func (r *Relay) Start() (*nats.Subscription, error) {
	sub, err := r.nc.Subscribe(SubjectPrefix+">", r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s>: %w", SubjectPrefix, err)
	}
	return sub, nil
}

func (r *Relay) handle(msg *nats.Msg) {
	if msg.Header.Get(OriginHeader) == r.origin {
		return
	}
	ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg.Subject, msg.Header, len(msg.Data), "relay event")
	defer span.End()

	evt, err := Decode(msg.Data)
	if err != nil {
		slog.WarnContext(ctx, "Invalid relayed event", "subject", msg.Subject, "error", err)
		return
	}
	span.SetAttributes(attribute.String("chat.event", string(evt.Kind)), attribute.String("chat.origin", evt.Origin))
	r.bus.Deliver(ctx, evt)
}

// Decode parses a relayed event.
func Decode(data []byte) (events.Event, error) {
	var evt events.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("decode event: %w", err)
	}
	if evt.Kind == "" {
		return evt, fmt.Errorf("decode event: missing kind")
	}
	return evt, nil
}
