package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
)

type subscriber struct {
	conn Conn
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	channels map[string]*chat.UserSummary // presence channels carry the member
	// closed is set under mu by UnsubscribeAll and drop. Subscribe holds mu
	// from its check until the channel join, so a closed subscriber is never
	// added to a channel.
	closed bool
}

func newSubscriber(conn Conn, size int) *subscriber {
	return &subscriber{
		conn:     conn,
		out:      make(chan []byte, size),
		done:     make(chan struct{}),
		channels: make(map[string]*chat.UserSummary),
	}
}

// offer queues data without blocking. False means the queue is full.
func (s *subscriber) offer(data []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// stop reports whether this call did the stopping.
func (s *subscriber) stop() bool {
	first := false
	s.once.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (s *subscriber) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close marks the subscriber closed and returns the channels it was on.
func (s *subscriber) close() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	names := make([]string, 0, len(s.channels))
	for name := range s.channels {
		names = append(names, name)
	}
	return names
}

// writer delivers queued envelopes one at a time until the subscriber stops.
func (b *Bus) writer(s *subscriber) {
	ctx := context.Background()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.Send(ctx, data); err != nil {
				slog.WarnContext(ctx, "Failed to write to connection", "conn", s.conn.ID(), "user", s.conn.UserID(), "error", err)
				b.drop(ctx, s, "write_error")
				return
			}
		}
	}
}

// subscriberFor returns the registered subscriber of conn, starting its
// writer on first use.
func (b *Bus) subscriberFor(conn Conn) (*subscriber, error) {
	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[conn.ID()]; ok && !s.stopped() {
		return s, nil
	}
	s := newSubscriber(conn, b.outboundSize)
	b.subs[conn.ID()] = s
	go b.writer(s)
	return s, nil
}

// ErrUnsubscribed is returned by Subscribe for a connection that was
// unsubscribed from everything while the call was in flight.
var ErrUnsubscribed = errors.New("connection unsubscribed")

// Subscribe authorizes conn for a channel and registers it. A denied
// connection joins no channel, though its writer is started. Joining a presence channel announces the
// member to the others on it unless the same user is already there.
func (b *Bus) Subscribe(ctx context.Context, conn Conn, name string) (authz.Authorization, error) {
	return b.SubscribeWithAck(ctx, conn, name, nil)
}

// AckFunc builds the reply sent once a subscription is authorized.
type AckFunc func(auth authz.Authorization) ([]byte, error)

// SubscribeWithAck is Subscribe with a reply queued on the connection's
// writer before it joins the channel, so no event on the channel can reach
// the client ahead of the reply.
func (b *Bus) SubscribeWithAck(ctx context.Context, conn Conn, name string, ack AckFunc) (authz.Authorization, error) {
	// The subscriber is taken before authorizing so an UnsubscribeAll that
	// runs during the check is seen below.
	s, err := b.subscriberFor(conn)
	if err != nil {
		return authz.Authorization{}, err
	}
	auth, err := b.gate.Authorize(ctx, conn.UserID(), name)
	if err != nil {
		return auth, err
	}
	var frame []byte
	if ack != nil {
		if frame, err = ack(auth); err != nil {
			return auth, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return auth, ErrUnsubscribed
	}
	if frame != nil && !s.offer(frame) {
		s.mu.Unlock()
		b.drop(ctx, s, "queue_full")
		return auth, ErrUnsubscribed
	}
	_, already := s.channels[name]
	s.channels[name] = auth.Member
	announce := false
	if !already {
		announce = auth.Member != nil && !b.userPresent(name, conn.UserID(), conn.ID())
		b.join(name, s)
	}
	s.mu.Unlock()
	if already {
		return auth, nil
	}

	if announce {
		evt := events.NewMemberChange(events.MemberAdded, name, *auth.Member, b.clock.Now())
		b.Publish(ctx, evt.ToOthers(conn.ID()))
	}
	slog.DebugContext(ctx, "Subscribed", "conn", conn.ID(), "user", conn.UserID(), "channel", name)
	return auth, nil
}

// Reply queues data behind the connection's pending deliveries. It returns
// false when conn has no writer, in which case the caller writes directly.
func (b *Bus) Reply(ctx context.Context, conn Conn, data []byte) bool {
	b.mu.RLock()
	s := b.subs[conn.ID()]
	b.mu.RUnlock()
	if s == nil || s.stopped() {
		return false
	}
	if !s.offer(data) {
		b.drop(ctx, s, "queue_full")
	}
	return true
}

// Unsubscribe removes conn from one channel.
func (b *Bus) Unsubscribe(ctx context.Context, conn Conn, name string) {
	b.mu.RLock()
	s := b.subs[conn.ID()]
	b.mu.RUnlock()
	if s != nil {
		b.unsubscribe(ctx, s, name)
	}
}

// unsubscribe reports whether s was on the channel.
func (b *Bus) unsubscribe(ctx context.Context, s *subscriber, name string) bool {
	s.mu.Lock()
	member, ok := s.channels[name]
	delete(s.channels, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if b.leave(name, s) && member != nil && !b.userPresent(name, s.conn.UserID(), s.conn.ID()) {
		b.Publish(ctx, events.NewMemberChange(events.MemberRemoved, name, *member, b.clock.Now()))
	}
	return true
}

// UnsubscribeAll removes conn from every channel and stops its writer. The
// connection itself is left open for the caller to close.
func (b *Bus) UnsubscribeAll(ctx context.Context, conn Conn) {
	b.mu.Lock()
	s := b.subs[conn.ID()]
	if s != nil {
		delete(b.subs, conn.ID())
	}
	b.mu.Unlock()
	if s == nil {
		return
	}
	s.stop()
	for _, name := range s.close() {
		b.unsubscribe(ctx, s, name)
	}
}

// drop evicts a subscriber that cannot be written to and closes its
// connection.
func (b *Bus) drop(ctx context.Context, s *subscriber, reason string) {
	if !s.stop() {
		return
	}
	b.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	slog.WarnContext(ctx, "Dropping subscriber", "conn", s.conn.ID(), "user", s.conn.UserID(), "reason", reason)

	b.mu.Lock()
	if b.subs[s.conn.ID()] == s {
		delete(b.subs, s.conn.ID())
	}
	b.mu.Unlock()
	for _, name := range s.close() {
		b.unsubscribe(ctx, s, name)
	}
	if err := s.conn.Close(); err != nil {
		slog.DebugContext(ctx, "Close after drop", "conn", s.conn.ID(), "error", err)
	}
}
