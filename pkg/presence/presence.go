// Package presence tracks which users are online. A TTL cache entry per
// user is the live signal; the durable is_online/last_seen columns are the
// fallback and the record that the cleanup scheduler reconciles.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
)

const DefaultTTL = 5 * time.Minute

const lockStripes = 64

// Records is the slice of the store presence needs.
type Records interface {
	store.PresenceRecords
	GetUser(ctx context.Context, id int64) (chat.User, error)
	GetUsers(ctx context.Context, ids []int64) ([]chat.User, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error)
}

type Store struct {
	records Records
	cache   kvcache.Cache
	pub     events.Publisher
	clock   clock.Clock
	ttl     time.Duration

	locks [lockStripes]sync.Mutex

	transitions metric.Int64Counter
	reconciled  metric.Int64Counter
	cacheErrors metric.Int64Counter
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(records Records, cache kvcache.Cache, pub events.Publisher, opts ...Option) *Store {
	s := &Store{
		records: records,
		cache:   cache,
		pub:     pub,
		clock:   clock.Real{},
		ttl:     DefaultTTL,
	}
	for _, o := range opts {
		o(s)
	}
	meter := otel.Meter("presence")
	s.transitions, _ = meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Online/offline transitions"))
	s.reconciled, _ = meter.Int64Counter("presence_reconciled_total",
		metric.WithDescription("Users demoted after their presence TTL lapsed"))
	s.cacheErrors, _ = meter.Int64Counter("presence_cache_errors_total",
		metric.WithDescription("Failed presence cache operations"))
	return s
}

// TTL is the presence window.
func (s *Store) TTL() time.Duration { return s.ttl }

func cacheKey(userID int64) string {
	return "user." + strconv.FormatInt(userID, 10)
}

func (s *Store) lock(userID int64) *sync.Mutex {
	return &s.locks[uint64(userID)%lockStripes]
}

func (s *Store) cacheFailed(ctx context.Context, op string, userID int64, err error) {
	s.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	slog.WarnContext(ctx, "Presence cache operation failed", "op", op, "user", userID, "error", err)
}

// SetOnline refreshes the user's TTL and last_seen. UserOnline is published
// only when the durable record flipped from offline.
func (s *Store) SetOnline(ctx context.Context, userID int64) error {
	return s.markOnline(ctx, userID, "set_online")
}

// Heartbeat keeps the user online. On an offline user it behaves like
// SetOnline, transition included.
func (s *Store) Heartbeat(ctx context.Context, userID int64) error {
	return s.markOnline(ctx, userID, "heartbeat")
}

func (s *Store) markOnline(ctx context.Context, userID int64, source string) error {
	mu := s.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	if err := s.cache.Put(ctx, cacheKey(userID), []byte(strconv.FormatInt(now.UnixMilli(), 10))); err != nil {
		s.cacheFailed(ctx, "put", userID, err)
	}
	transitioned, err := s.records.MarkOnline(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("mark user %d online: %w", userID, err)
	}
	if !transitioned {
		return nil
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", "online"), attribute.String("source", source)))
	s.publish(ctx, userID, true, now)
	return nil
}

// SetOffline forgets the cache entry and stamps last_seen. UserOffline is
// published only when the durable record flipped from online.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	mu := s.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	if err := s.cache.Delete(ctx, cacheKey(userID)); err != nil {
		s.cacheFailed(ctx, "delete", userID, err)
	}
	transitioned, err := s.records.MarkOffline(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("mark user %d offline: %w", userID, err)
	}
	if !transitioned {
		return nil
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", "offline"), attribute.String("source", "set_offline")))
	s.publish(ctx, userID, false, now)
	return nil
}

func (s *Store) publish(ctx context.Context, userID int64, online bool, at time.Time) {
	u, err := s.records.GetUser(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load user for presence event", "user", userID, "error", err)
		u = chat.User{ID: userID}
	}
	if online {
		events.PublishToOthers(ctx, s.pub, events.NewUserOnline(u.Summary(), at))
	} else {
		events.PublishToOthers(ctx, s.pub, events.NewUserOffline(u.Summary(), at))
	}
}

// IsOnline is TTL-aware. A cache hit means online and a miss means offline;
// only when the cache is unreachable does the durable record decide.
func (s *Store) IsOnline(ctx context.Context, userID int64) bool {
	_, ok, err := s.cache.Get(ctx, cacheKey(userID))
	if err == nil {
		return ok
	}
	s.cacheFailed(ctx, "get", userID, err)
	u, err := s.records.GetUser(ctx, userID)
	if err != nil {
		return false
	}
	return s.durablyOnline(u, s.clock.Now())
}

func (s *Store) durablyOnline(u chat.User, now time.Time) bool {
	return u.IsOnline && u.LastSeen != nil && now.Sub(*u.LastSeen) < s.ttl
}

// online decides for a user row already loaded.
func (s *Store) online(ctx context.Context, u chat.User, now time.Time) bool {
	_, ok, err := s.cache.Get(ctx, cacheKey(u.ID))
	if err == nil {
		return ok
	}
	s.cacheFailed(ctx, "get", u.ID, err)
	return s.durablyOnline(u, now)
}

// ListOnline returns summaries of online users. With no ids every
// durably-online user is a candidate; each candidate is checked against
// its TTL.
func (s *Store) ListOnline(ctx context.Context, userIDs []int64) ([]chat.UserSummary, error) {
	ids := userIDs
	if len(ids) == 0 {
		var err error
		if ids, err = s.records.ListOnlineUserIDs(ctx); err != nil {
			return nil, fmt.Errorf("list online users: %w", err)
		}
	}
	users, err := s.records.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	now := s.clock.Now()
	out := make([]chat.UserSummary, 0, len(users))
	for _, u := range users {
		if !s.online(ctx, u, now) {
			continue
		}
		sum := u.Summary()
		sum.IsOnline = true
		out = append(out, sum)
	}
	return out, nil
}

// ConversationPresence returns every participant with a TTL-aware online
// flag. onlineOnly drops the offline ones.
func (s *Store) ConversationPresence(ctx context.Context, conversationID int64, onlineOnly bool) ([]chat.UserSummary, error) {
	parts, err := s.records.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]chat.UserSummary, 0, len(parts))
	for _, p := range parts {
		sum := p.User
		sum.IsOnline = s.online(ctx, chat.User{ID: p.UserID, IsOnline: p.User.IsOnline, LastSeen: p.User.LastSeen}, now)
		if onlineOnly && !sum.IsOnline {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// ReconcileExpired demotes durably-online users whose cache entry is gone
// and whose last_seen is older than the TTL. The conditional update is the
// claim: a concurrent heartbeat or another reconciler makes it a no-op.
func (s *Store) ReconcileExpired(ctx context.Context) (int, error) {
	ids, err := s.records.ListOnlineUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list online users: %w", err)
	}
	count := 0
	for _, id := range ids {
		won, err := s.reconcileOne(ctx, id)
		if err != nil {
			slog.WarnContext(ctx, "Failed to reconcile presence", "user", id, "error", err)
			continue
		}
		if won {
			count++
		}
	}
	if count > 0 {
		s.reconciled.Add(ctx, int64(count))
	}
	return count, nil
}

func (s *Store) reconcileOne(ctx context.Context, userID int64) (bool, error) {
	mu := s.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	_, live, err := s.cache.Get(ctx, cacheKey(userID))
	if err != nil {
		s.cacheFailed(ctx, "get", userID, err)
	} else if live {
		return false, nil
	}
	now := s.clock.Now()
	won, err := s.records.DemoteIfStale(ctx, userID, now.Add(-s.ttl))
	if err != nil || !won {
		return false, err
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", "offline"), attribute.String("source", "reconcile")))
	s.publish(ctx, userID, false, now)
	return true, nil
}

// LastSeenText renders a user's status for display.
func LastSeenText(online bool, lastSeen *time.Time, now time.Time) string {
	if online {
		return "Online"
	}
	if lastSeen == nil {
		return "Never seen"
	}
	d := now.Sub(*lastSeen)
	if d < 0 {
		d = 0
	}
	switch minutes := int(d / time.Minute); {
	case minutes < 5:
		return "Just now"
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", minutes)
	}
	if hours := int(d / time.Hour); hours < 24 {
		return fmt.Sprintf("%d hours ago", hours)
	}
	if days := int(d / (24 * time.Hour)); days < 7 {
		return fmt.Sprintf("%d days ago", days)
	}
	return lastSeen.Format("Jan 2, 2006")
}

// StatusText is LastSeenText for a stored user with a TTL-aware flag.
func (s *Store) StatusText(ctx context.Context, u chat.User) string {
	now := s.clock.Now()
	return LastSeenText(s.online(ctx, u, now), u.LastSeen, now)
}
