// Package typing tracks who is composing a message in a conversation.
// Each (conversation, user) row lives for a short TTL; every row that
// leaves the registry produces exactly one TypingStop.
package typing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
)

const DefaultTTL = 30 * time.Second

// Rows is the slice of the store the registry needs.
type Rows interface {
	store.TypingRows
	GetUser(ctx context.Context, id int64) (chat.User, error)
	GetUsers(ctx context.Context, ids []int64) ([]chat.User, error)
}

type Registry struct {
	rows  Rows
	pub   events.Publisher
	clock clock.Clock
	ttl   time.Duration

	starts metric.Int64Counter
	stops  metric.Int64Counter
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

func New(rows Rows, pub events.Publisher, opts ...Option) *Registry {
	r := &Registry{rows: rows, pub: pub, clock: clock.Real{}, ttl: DefaultTTL}
	for _, o := range opts {
		o(r)
	}
	meter := otel.Meter("typing")
	r.starts, _ = meter.Int64Counter("typing_starts_total",
		metric.WithDescription("Typing sessions started"))
	r.stops, _ = meter.Int64Counter("typing_stops_total",
		metric.WithDescription("Typing sessions ended, by cause"))
	return r
}

func (r *Registry) TTL() time.Duration { return r.ttl }

// StartTyping upserts the indicator. TypingStart is published only when no
// live row existed; repeated calls while typing just extend the expiry. If
// an expired row was still waiting for the sweep, its TypingStop goes out
// first so observers never see two starts in a row.
func (r *Registry) StartTyping(ctx context.Context, userID, conversationID int64) error {
	now := r.clock.Now()
	res, err := r.rows.UpsertTyping(ctx, conversationID, userID, uuid.NewString(), now, now.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("upsert typing indicator: %w", err)
	}
	if !res.Started {
		return nil
	}
	user := r.summary(ctx, userID)
	if res.Replaced != nil {
		r.stops.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "replaced")))
		events.PublishToOthers(ctx, r.pub, events.NewTyping(user, conversationID, false, now))
	}
	r.starts.Add(ctx, 1)
	events.PublishToOthers(ctx, r.pub, events.NewTyping(user, conversationID, true, now))
	return nil
}

// StopTyping deletes the indicator and publishes TypingStop if a row was
// removed.
func (r *Registry) StopTyping(ctx context.Context, userID, conversationID int64) error {
	row, err := r.rows.DeleteTyping(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete typing indicator: %w", err)
	}
	if row == nil {
		return nil
	}
	r.stops.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "stop")))
	events.PublishToOthers(ctx, r.pub, events.NewTyping(r.summary(ctx, userID), conversationID, false, r.clock.Now()))
	return nil
}

// Heartbeat pushes the expiry of a live row forward without publishing. It
// reports false when there was no live row to extend.
func (r *Registry) Heartbeat(ctx context.Context, userID, conversationID int64) (bool, error) {
	now := r.clock.Now()
	ok, err := r.rows.ExtendTyping(ctx, conversationID, userID, now, now.Add(r.ttl))
	if err != nil {
		return false, fmt.Errorf("extend typing indicator: %w", err)
	}
	return ok, nil
}

// ListTyping returns the users with a live indicator, in start order.
// Excluding the caller is left to the caller.
func (r *Registry) ListTyping(ctx context.Context, conversationID int64) ([]chat.UserSummary, error) {
	rows, err := r.rows.ListLiveTyping(ctx, conversationID, r.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("list typing indicators: %w", err)
	}
	if len(rows) == 0 {
		return []chat.UserSummary{}, nil
	}
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.UserID
	}
	users, err := r.rows.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load typing users: %w", err)
	}
	byID := make(map[int64]chat.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]chat.UserSummary, 0, len(rows))
	for _, row := range rows {
		u := byID[row.UserID]
		out = append(out, chat.UserSummary{ID: row.UserID, Name: u.Name, Avatar: u.Avatar})
	}
	return out, nil
}

// SweepExpired claims every expired row and publishes one TypingStop per
// claimed row. Rows claimed by a concurrent sweep are not seen here.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.clock.Now()
	claimed, err := r.rows.ClaimExpiredTyping(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("claim expired typing indicators: %w", err)
	}
	for _, row := range claimed {
		r.pub.Publish(ctx, events.NewTyping(r.summary(ctx, row.UserID), row.ConversationID, false, now))
	}
	if len(claimed) > 0 {
		r.stops.Add(ctx, int64(len(claimed)), metric.WithAttributes(attribute.String("cause", "expired")))
		slog.DebugContext(ctx, "Swept expired typing indicators", "count", len(claimed))
	}
	return len(claimed), nil
}

func (r *Registry) summary(ctx context.Context, userID int64) chat.UserSummary {
	u, err := r.rows.GetUser(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load user for typing event", "user", userID, "error", err)
		return chat.UserSummary{ID: userID}
	}
	return u.Summary()
}
