// Package memstore is an in-memory store used by tests and by
// STORE_DRIVER=memory. Every operation runs under one mutex; transactions
// work on a copy that replaces the live state on commit.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
)

type reactionKey struct {
	messageID int64
	userID    int64
	emoji     string
}

type typingKey struct {
	conversationID int64
	userID         int64
}

type state struct {
	users     map[int64]chat.User
	convs     map[int64]chat.Conversation
	parts     map[int64]map[int64]chat.Participant
	messages  map[int64]chat.Message
	reactions map[reactionKey]chat.Reaction
	typing    map[typingKey]chat.TypingIndicator
	prefs     map[int64]chat.NotificationPreferences

	nextUser, nextConv, nextMessage, nextReaction int64
}

func newState() *state {
	return &state{
		users:     make(map[int64]chat.User),
		convs:     make(map[int64]chat.Conversation),
		parts:     make(map[int64]map[int64]chat.Participant),
		messages:  make(map[int64]chat.Message),
		reactions: make(map[reactionKey]chat.Reaction),
		typing:    make(map[typingKey]chat.TypingIndicator),
		prefs:     make(map[int64]chat.NotificationPreferences),
	}
}

func (s *state) clone() *state {
	c := *s
	c.users = maps.Clone(s.users)
	c.convs = maps.Clone(s.convs)
	c.messages = maps.Clone(s.messages)
	c.reactions = maps.Clone(s.reactions)
	c.typing = maps.Clone(s.typing)
	c.prefs = maps.Clone(s.prefs)
	c.parts = make(map[int64]map[int64]chat.Participant, len(s.parts))
	for id, ps := range s.parts {
		c.parts[id] = maps.Clone(ps)
	}
	return &c
}

// Store implements store.Store in memory.
type Store struct {
	mu    sync.RWMutex
	st    *state
	clock clock.Clock
	// FailTx makes the next InTx fail after fn succeeds. Tests use it to
	// check that a failed commit leaves no trace.
	FailTx error
}

var _ store.Store = (*Store)(nil)

func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{st: newState(), clock: clk}
}

func (s *Store) Close() error { return nil }

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&tx{state: work, now: s.clock.Now}); err != nil {
		return err
	}
	if s.FailTx != nil {
		err := s.FailTx
		s.FailTx = nil
		return err
	}
	s.st = work
	return nil
}

// Users

func (s *Store) CreateUser(_ context.Context, u chat.User) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Name == "" {
		return chat.User{}, chat.Invalid("name", "is required")
	}
	if u.ID == 0 {
		s.st.nextUser++
		u.ID = s.st.nextUser
	} else if u.ID > s.st.nextUser {
		s.st.nextUser = u.ID
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock.Now()
	}
	s.st.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.st.users[id]
	if !ok {
		return chat.User{}, chat.NotFound("user", id)
	}
	return u, nil
}

func (s *Store) GetUsers(_ context.Context, ids []int64) ([]chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.User, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if u, ok := s.st.users[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetPushToken(_ context.Context, userID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return chat.NotFound("user", userID)
	}
	u.PushToken = token
	s.st.users[userID] = u
	return nil
}

func (s *Store) ClearPushToken(_ context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.st.users {
		if u.PushToken == token {
			u.PushToken = ""
			s.st.users[id] = u
			n++
		}
	}
	return n, nil
}

func (s *Store) GetNotificationPreferences(_ context.Context, userID int64) (chat.NotificationPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.st.users[userID]; !ok {
		return chat.NotificationPreferences{}, chat.NotFound("user", userID)
	}
	if p, ok := s.st.prefs[userID]; ok {
		return p, nil
	}
	return chat.DefaultNotificationPreferences(), nil
}

func (s *Store) SetNotificationPreferences(_ context.Context, userID int64, p chat.NotificationPreferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.users[userID]; !ok {
		return chat.NotFound("user", userID)
	}
	s.st.prefs[userID] = p
	return nil
}

// Presence

func (s *Store) MarkOnline(_ context.Context, userID int64, at time.Time) (bool, error) {
	return s.setOnline(userID, true, at)
}

func (s *Store) MarkOffline(_ context.Context, userID int64, at time.Time) (bool, error) {
	return s.setOnline(userID, false, at)
}

func (s *Store) setOnline(userID int64, online bool, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return false, chat.NotFound("user", userID)
	}
	changed := u.IsOnline != online
	u.IsOnline = online
	seen := at
	u.LastSeen = &seen
	s.st.users[userID] = u
	return changed, nil
}

func (s *Store) DemoteIfStale(_ context.Context, userID int64, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok || !u.IsOnline {
		return false, nil
	}
	if u.LastSeen != nil && !u.LastSeen.Before(cutoff) {
		return false, nil
	}
	u.IsOnline = false
	s.st.users[userID] = u
	return true, nil
}

func (s *Store) ListOnlineUserIDs(context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, u := range s.st.users {
		if u.IsOnline {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Typing

func (s *Store) UpsertTyping(_ context.Context, conversationID, userID int64, sessionID string, now, expiresAt time.Time) (store.TypingUpsert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := typingKey{conversationID, userID}
	old, exists := s.st.typing[k]
	if exists && !clock.Expired(old.ExpiresAt, now) {
		if expiresAt.After(old.ExpiresAt) {
			old.ExpiresAt = expiresAt
		}
		s.st.typing[k] = old
		return store.TypingUpsert{Row: old}, nil
	}
	row := chat.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       true,
		SessionID:      sessionID,
		StartedAt:      now,
		ExpiresAt:      expiresAt,
	}
	s.st.typing[k] = row
	res := store.TypingUpsert{Row: row, Started: true}
	if exists {
		res.Replaced = &old
	}
	return res, nil
}

func (s *Store) ExtendTyping(_ context.Context, conversationID, userID int64, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := typingKey{conversationID, userID}
	row, ok := s.st.typing[k]
	if !ok || clock.Expired(row.ExpiresAt, now) {
		return false, nil
	}
	if expiresAt.After(row.ExpiresAt) {
		row.ExpiresAt = expiresAt
		s.st.typing[k] = row
	}
	return true, nil
}

func (s *Store) DeleteTyping(_ context.Context, conversationID, userID int64) (*chat.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := typingKey{conversationID, userID}
	row, ok := s.st.typing[k]
	if !ok {
		return nil, nil
	}
	delete(s.st.typing, k)
	return &row, nil
}

func (s *Store) ListLiveTyping(_ context.Context, conversationID int64, now time.Time) ([]chat.TypingIndicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.TypingIndicator
	for k, row := range s.st.typing {
		if k.conversationID == conversationID && row.IsTyping && !clock.Expired(row.ExpiresAt, now) {
			out = append(out, row)
		}
	}
	sortTyping(out)
	return out, nil
}

func (s *Store) ClaimExpiredTyping(_ context.Context, now time.Time) ([]chat.TypingIndicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.TypingIndicator
	for k, row := range s.st.typing {
		if clock.Expired(row.ExpiresAt, now) {
			out = append(out, row)
			delete(s.st.typing, k)
		}
	}
	sortTyping(out)
	return out, nil
}

func sortTyping(rows []chat.TypingIndicator) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].StartedAt.Equal(rows[j].StartedAt) {
			return rows[i].StartedAt.Before(rows[j].StartedAt)
		}
		if rows[i].ConversationID != rows[j].ConversationID {
			return rows[i].ConversationID < rows[j].ConversationID
		}
		return rows[i].UserID < rows[j].UserID
	})
}

// Reader methods on the live state.

func (s *Store) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getConversation(id)
}

func (s *Store) ListParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listParticipants(conversationID)
}

func (s *Store) GetParticipant(ctx context.Context, conversationID, userID int64) (chat.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getParticipant(conversationID, userID)
}

func (s *Store) UserConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.userConversationIDs(userID), nil
}

func (s *Store) ListUserConversations(ctx context.Context, userID int64, page chat.Page) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listUserConversations(userID, page), nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getMessage(id)
}

func (s *Store) ListMessages(ctx context.Context, conversationID int64, page chat.Page) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listMessages(conversationID, page), nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.unreadCount(conversationID, userID)
}
