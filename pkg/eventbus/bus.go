// Package eventbus fans domain events out to subscribed connections.
//
// Publish hands the event to a bounded queue drained by a single dispatcher
// goroutine, so events reach every connection in publish order. Each
// connection has its own bounded outbound queue and writer goroutine; a
// connection that cannot keep up is dropped from every channel.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
)

const (
	DefaultQueueSize    = 1024
	DefaultOutboundSize = 64
)

var ErrClosed = errors.New("event bus closed")

// Conn is one client connection. Send performs the actual write and is only
// called from the connection's writer goroutine.
type Conn interface {
	ID() string
	UserID() int64
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Authorizer is consulted on subscribe and again on every delivery.
// Allowed returns an error only when the answer is unknown; a denial is
// (false, nil).
type Authorizer interface {
	Authorize(ctx context.Context, userID int64, channel string) (authz.Authorization, error)
	Allowed(ctx context.Context, userID int64, channel string) (bool, error)
}

// Resolver lists the conversations a user participates in.
type Resolver interface {
	UserConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Forwarder receives every locally published event after resolution.
type Forwarder interface {
	Forward(ctx context.Context, evt events.Event)
}

// Listener is an in-process consumer of one event kind.
type Listener func(ctx context.Context, evt events.Event)

type queued struct {
	ctx    context.Context
	evt    events.Event
	remote bool
}

type channel struct {
	mu      sync.RWMutex
	members map[string]*subscriber
	dead    bool
}

type Bus struct {
	gate     Authorizer
	resolver Resolver
	clock    clock.Clock

	queue        chan queued
	outboundSize int
	done         chan struct{}
	closeOnce    sync.Once

	mu       sync.RWMutex
	channels map[string]*channel
	subs     map[string]*subscriber

	lmu       sync.RWMutex
	listeners map[events.Kind][]Listener
	forwarder Forwarder

	published  metric.Int64Counter
	deliveries metric.Int64Counter
	dropped    metric.Int64Counter
	fanoutTime metric.Float64Histogram
}

type Option func(*Bus)

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan queued, n)
		}
	}
}

// WithOutboundSize bounds each connection's pending deliveries.
func WithOutboundSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.outboundSize = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

func New(gate Authorizer, resolver Resolver, opts ...Option) *Bus {
	b := &Bus{
		gate:         gate,
		resolver:     resolver,
		clock:        clock.Real{},
		queue:        make(chan queued, DefaultQueueSize),
		outboundSize: DefaultOutboundSize,
		done:         make(chan struct{}),
		channels:     make(map[string]*channel),
		subs:         make(map[string]*subscriber),
		listeners:    make(map[events.Kind][]Listener),
	}
	for _, o := range opts {
		o(b)
	}

	meter := otel.Meter("eventbus")
	b.published, _ = meter.Int64Counter("eventbus_events_published_total",
		metric.WithDescription("Events accepted by the bus"))
	b.deliveries, _ = meter.Int64Counter("eventbus_deliveries_total",
		metric.WithDescription("Envelopes queued to connections"))
	b.dropped, _ = meter.Int64Counter("eventbus_dropped_total",
		metric.WithDescription("Dropped events and connections, by reason"))
	b.fanoutTime, _ = otelhelper.NewDurationHistogram(meter, "eventbus_fanout_duration_seconds",
		"Time to fan out a single event to all subscribers")
	connGauge, _ := meter.Int64ObservableGauge("eventbus_active_connections",
		metric.WithDescription("Connections with at least one subscription"))
	channelGauge, _ := meter.Int64ObservableGauge("eventbus_active_channels",
		metric.WithDescription("Channels with at least one subscriber"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		b.mu.RLock()
		defer b.mu.RUnlock()
		o.ObserveInt64(connGauge, int64(len(b.subs)))
		o.ObserveInt64(channelGauge, int64(len(b.channels)))
		return nil
	}, connGauge, channelGauge)
	return b
}

// SetForwarder installs the cross-instance relay. Call before Run.
func (b *Bus) SetForwarder(f Forwarder) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.forwarder = f
}

// Listen registers fn for events of kind. Listeners run on their own
// goroutine after the event has been fanned out, and only for events
// published on this instance.
func (b *Bus) Listen(kind events.Kind, fn Listener) {
	b.lmu.Lock()
	defer b.lmu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], fn)
}

// Publish queues evt for fan-out. It never blocks: when the queue is full
// or the bus is closed the event is logged and dropped.
func (b *Bus) Publish(ctx context.Context, evt events.Event) {
	b.enqueue(ctx, evt, false)
}

// Deliver queues an event that was already resolved and forwarded by
// another instance. It is fanned out locally, not forwarded again and not
// passed to listeners.
func (b *Bus) Deliver(ctx context.Context, evt events.Event) {
	b.enqueue(ctx, evt, true)
}

func (b *Bus) enqueue(ctx context.Context, evt events.Event, remote bool) {
	select {
	case <-b.done:
		b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "closed")))
		slog.WarnContext(ctx, "Event bus closed, dropping event", "event", evt.Kind, "id", evt.ID)
		return
	default:
	}
	item := queued{ctx: context.WithoutCancel(ctx), evt: evt, remote: remote}
	select {
	case b.queue <- item:
		b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(evt.Kind))))
	default:
		b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		slog.WarnContext(ctx, "Event bus queue full, dropping event", "event", evt.Kind, "id", evt.ID)
	}
}

// Run is the dispatcher loop. It returns when ctx is done, after which every
// connection writer is stopped.
func (b *Bus) Run(ctx context.Context) error {
	defer b.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-b.queue:
			b.dispatch(item)
		}
	}
}

func (b *Bus) shutdown() {
	b.closeOnce.Do(func() { close(b.done) })
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*subscriber)
	b.channels = make(map[string]*channel)
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) dispatch(item queued) {
	ctx, evt := item.ctx, item.evt
	start := time.Now()

	if len(evt.Channels) == 0 {
		evt.Channels = b.resolve(ctx, evt)
	}
	n := b.fanout(ctx, evt)

	b.fanoutTime.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("event", string(evt.Kind)),
	))
	if n > 0 {
		slog.DebugContext(ctx, "Fanned out event", "event", evt.Kind, "channels", len(evt.Channels), "deliveries", n)
	}
	if item.remote {
		return
	}

	b.lmu.RLock()
	fwd := b.forwarder
	ls := b.listeners[evt.Kind]
	b.lmu.RUnlock()
	if fwd != nil {
		fwd.Forward(ctx, evt)
	}
	for _, l := range ls {
		go l(ctx, evt)
	}
}

// resolve turns the event target into channel names, in delivery order.
func (b *Bus) resolve(ctx context.Context, evt events.Event) []string {
	t := evt.Target
	switch t.Rule {
	case events.ToConversation:
		return []string{events.ConversationChannelName(t.ConversationID)}
	case events.ToUser:
		return []string{events.UserChannelName(t.UserID)}
	case events.ToPresence:
		return []string{events.PresenceChannelName(t.ConversationID)}
	case events.ToUserConversations:
		ids, err := b.resolver.UserConversationIDs(ctx, t.UserID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to resolve user conversations", "user", t.UserID, "event", evt.Kind, "error", err)
		}
		out := make([]string, 0, len(ids)+2)
		out = append(out, events.UserChannelName(t.UserID))
		for _, id := range ids {
			out = append(out, events.ConversationChannelName(id))
		}
		return append(out, events.OnlineUsersChannelName)
	}
	slog.WarnContext(ctx, "Unknown event target", "event", evt.Kind, "rule", t.Rule)
	return nil
}

type access struct {
	user    int64
	channel string
}

type verdict int

const (
	allow verdict = iota + 1
	deny
	// unknown means the check itself failed: the delivery is skipped but
	// the subscription stays.
	unknown
)

func (b *Bus) check(ctx context.Context, key access, evt events.Event) verdict {
	ok, err := b.gate.Allowed(ctx, key.user, key.channel)
	switch {
	case err != nil:
		b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "authz_error")))
		slog.WarnContext(ctx, "Authorization check failed, skipping delivery",
			"user", key.user, "channel", key.channel, "event", evt.Kind, "error", err)
		return unknown
	case ok:
		return allow
	}
	return deny
}

// fanout queues one envelope per eligible connection and returns how many
// were queued. A connection subscribed to several target channels gets the
// event once, on the first of them.
func (b *Bus) fanout(ctx context.Context, evt events.Event) int {
	delivered := make(map[string]struct{})
	verdicts := make(map[access]verdict)
	var revoked []revocation
	var overflow []*subscriber
	n := 0

	for _, name := range evt.Channels {
		members := b.members(name)
		if len(members) == 0 {
			continue
		}
		var data []byte
		for _, s := range members {
			id := s.conn.ID()
			if id == evt.ExcludeConn {
				continue
			}
			if _, dup := delivered[id]; dup {
				continue
			}
			key := access{user: s.conn.UserID(), channel: name}
			v, seen := verdicts[key]
			if !seen {
				v = b.check(ctx, key, evt)
				verdicts[key] = v
			}
			switch v {
			case unknown:
				continue
			case deny:
				revoked = append(revoked, revocation{sub: s, channel: name})
				continue
			}
			if data == nil {
				var err error
				if data, err = json.Marshal(evt.Envelope(name)); err != nil {
					slog.ErrorContext(ctx, "Failed to encode envelope", "event", evt.Kind, "error", err)
					break
				}
			}
			delivered[id] = struct{}{}
			if !s.offer(data) {
				overflow = append(overflow, s)
				continue
			}
			n++
		}
	}

	if n > 0 {
		b.deliveries.Add(ctx, int64(n), metric.WithAttributes(attribute.String("event", string(evt.Kind))))
	}
	for _, r := range revoked {
		slog.InfoContext(ctx, "Subscriber no longer authorized, unsubscribing", "conn", r.sub.conn.ID(), "channel", r.channel)
		if !b.unsubscribe(ctx, r.sub, r.channel) {
			continue
		}
		if !r.sub.offer(b.revokedFrame(r.channel)) {
			overflow = append(overflow, r.sub)
		}
	}
	for _, s := range overflow {
		b.drop(ctx, s, "queue_full")
	}
	return n
}

// RevokedEvent is the frame a connection gets when the bus removes it from
// a channel it may no longer observe.
const RevokedEvent events.Kind = "subscription_revoked"

func (b *Bus) revokedFrame(channel string) []byte {
	data, _ := json.Marshal(events.Envelope{
		ID:         uuid.NewString(),
		Event:      RevokedEvent,
		Channel:    channel,
		Data:       json.RawMessage(`{"reason":"unauthorized"}`),
		OccurredAt: b.clock.Now().UTC(),
	})
	return data
}

type revocation struct {
	sub     *subscriber
	channel string
}

// members snapshots the subscribers of a channel.
func (b *Bus) members(name string) []*subscriber {
	b.mu.RLock()
	ch := b.channels[name]
	b.mu.RUnlock()
	if ch == nil {
		return nil
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]*subscriber, 0, len(ch.members))
	for _, s := range ch.members {
		out = append(out, s)
	}
	return out
}

// Subscribers returns the ids of the connections on a channel.
func (b *Bus) Subscribers(name string) []string {
	members := b.members(name)
	ids := make([]string, len(members))
	for i, s := range members {
		ids[i] = s.conn.ID()
	}
	return ids
}

// join adds s to a channel, creating it when needed.
func (b *Bus) join(name string, s *subscriber) {
	for {
		b.mu.RLock()
		ch := b.channels[name]
		b.mu.RUnlock()
		if ch == nil {
			b.mu.Lock()
			if ch = b.channels[name]; ch == nil {
				ch = &channel{members: make(map[string]*subscriber)}
				b.channels[name] = ch
			}
			b.mu.Unlock()
		}
		ch.mu.Lock()
		if ch.dead {
			ch.mu.Unlock()
			continue
		}
		ch.members[s.conn.ID()] = s
		ch.mu.Unlock()
		return
	}
}

// leave removes s from a channel and deletes the channel once empty. It
// reports whether s was a member.
func (b *Bus) leave(name string, s *subscriber) bool {
	b.mu.RLock()
	ch := b.channels[name]
	b.mu.RUnlock()
	if ch == nil {
		return false
	}
	ch.mu.Lock()
	_, had := ch.members[s.conn.ID()]
	delete(ch.members, s.conn.ID())
	empty := len(ch.members) == 0 && !ch.dead
	if empty {
		ch.dead = true
	}
	ch.mu.Unlock()
	if empty {
		b.mu.Lock()
		if b.channels[name] == ch {
			delete(b.channels, name)
		}
		b.mu.Unlock()
	}
	return had
}

// userPresent reports whether another connection of userID is on a
// channel.
func (b *Bus) userPresent(name string, userID int64, except string) bool {
	for _, s := range b.members(name) {
		if s.conn.UserID() == userID && s.conn.ID() != except {
			return true
		}
	}
	return false
}
