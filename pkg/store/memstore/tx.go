package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
)

func (s *state) summary(userID int64) *chat.UserSummary {
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	sum := u.Summary()
	return &sum
}

func (s *state) getConversation(id int64) (chat.Conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, chat.NotFound("conversation", id)
	}
	return c, nil
}

func (s *state) listParticipants(conversationID int64) ([]chat.Participant, error) {
	if _, ok := s.convs[conversationID]; !ok {
		return nil, chat.NotFound("conversation", conversationID)
	}
	out := make([]chat.Participant, 0, len(s.parts[conversationID]))
	for _, p := range s.parts[conversationID] {
		if sum := s.summary(p.UserID); sum != nil {
			p.User = *sum
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *state) getParticipant(conversationID, userID int64) (chat.Participant, error) {
	p, ok := s.parts[conversationID][userID]
	if !ok {
		return chat.Participant{}, chat.NotFound("participant", userID)
	}
	if sum := s.summary(userID); sum != nil {
		p.User = *sum
	}
	return p, nil
}

func (s *state) userConversationIDs(userID int64) []int64 {
	var ids []int64
	for convID, ps := range s.parts {
		if _, ok := ps[userID]; ok {
			ids = append(ids, convID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *state) listUserConversations(userID int64, page chat.Page) []chat.Conversation {
	var out []chat.Conversation
	for _, id := range s.userConversationIDs(userID) {
		out = append(out, s.convs[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID > out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].ID > out[j].ID
	})
	return paginate(out, page)
}

func paginate[T any](items []T, page chat.Page) []T {
	page = page.Normalize()
	off := page.Offset()
	if off >= len(items) {
		return nil
	}
	end := off + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[off:end]
}

func (s *state) hydrate(m chat.Message) chat.Message {
	m.User = s.summary(m.UserID)
	m.Reactions = nil
	for _, r := range s.reactions {
		if r.MessageID == m.ID {
			r.User = s.summary(r.UserID)
			m.Reactions = append(m.Reactions, r)
		}
	}
	sort.Slice(m.Reactions, func(i, j int) bool { return m.Reactions[i].ID < m.Reactions[j].ID })
	return m
}

func (s *state) getMessage(id int64) (chat.Message, error) {
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return chat.Message{}, chat.NotFound("message", id)
	}
	return s.hydrate(m), nil
}

// newestFirst orders surviving messages of a conversation, newest first.
func (s *state) newestFirst(conversationID int64) []chat.Message {
	var out []chat.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && !m.Deleted {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (s *state) listMessages(conversationID int64, page chat.Page) []chat.Message {
	msgs := paginate(s.newestFirst(conversationID), page)
	for i := range msgs {
		msgs[i] = s.hydrate(msgs[i])
	}
	return msgs
}

func (s *state) unreadCount(conversationID, userID int64) (int, error) {
	p, ok := s.parts[conversationID][userID]
	if !ok {
		return 0, chat.NotFound("participant", userID)
	}
	n := 0
	for _, m := range s.messages {
		if m.ConversationID != conversationID || m.Deleted || m.UserID == userID {
			continue
		}
		if p.LastReadAt == nil || m.CreatedAt.After(*p.LastReadAt) {
			n++
		}
	}
	return n, nil
}

// tx applies writes to a private copy of the state.
type tx struct {
	*state
	now func() time.Time
}

func (t *tx) GetConversation(_ context.Context, id int64) (chat.Conversation, error) {
	return t.getConversation(id)
}

func (t *tx) ListParticipants(_ context.Context, conversationID int64) ([]chat.Participant, error) {
	return t.listParticipants(conversationID)
}

func (t *tx) GetParticipant(_ context.Context, conversationID, userID int64) (chat.Participant, error) {
	return t.getParticipant(conversationID, userID)
}

func (t *tx) UserConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	return t.userConversationIDs(userID), nil
}

func (t *tx) ListUserConversations(_ context.Context, userID int64, page chat.Page) ([]chat.Conversation, error) {
	return t.listUserConversations(userID, page), nil
}

func (t *tx) GetMessage(_ context.Context, id int64) (chat.Message, error) {
	return t.getMessage(id)
}

func (t *tx) ListMessages(_ context.Context, conversationID int64, page chat.Page) ([]chat.Message, error) {
	return t.listMessages(conversationID, page), nil
}

func (t *tx) UnreadCount(_ context.Context, conversationID, userID int64) (int, error) {
	return t.unreadCount(conversationID, userID)
}

func (t *tx) CreateConversation(_ context.Context, c chat.Conversation) (chat.Conversation, error) {
	t.nextConv++
	c.ID = t.nextConv
	now := t.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	t.convs[c.ID] = c
	t.parts[c.ID] = make(map[int64]chat.Participant)
	return c, nil
}

// LockDirectPair has nothing to do: InTx already holds the store lock.
func (t *tx) LockDirectPair(context.Context, int64, int64) error { return nil }

func (t *tx) DeleteConversation(_ context.Context, id int64) (bool, error) {
	if _, ok := t.convs[id]; !ok {
		return false, nil
	}
	delete(t.convs, id)
	delete(t.parts, id)
	for mid, m := range t.messages {
		if m.ConversationID == id {
			delete(t.messages, mid)
		}
	}
	for k := range t.reactions {
		if _, ok := t.messages[k.messageID]; !ok {
			delete(t.reactions, k)
		}
	}
	for k := range t.typing {
		if k.conversationID == id {
			delete(t.typing, k)
		}
	}
	return true, nil
}

func (t *tx) UpdateConversationName(_ context.Context, id int64, name string, at time.Time) (chat.Conversation, error) {
	c, err := t.getConversation(id)
	if err != nil {
		return c, err
	}
	c.Name = name
	c.UpdatedAt = at
	t.convs[id] = c
	return c, nil
}

func (t *tx) AddParticipant(_ context.Context, p chat.Participant) (bool, error) {
	if _, ok := t.convs[p.ConversationID]; !ok {
		return false, chat.NotFound("conversation", p.ConversationID)
	}
	if _, ok := t.users[p.UserID]; !ok {
		return false, chat.NotFound("user", p.UserID)
	}
	if _, ok := t.parts[p.ConversationID][p.UserID]; ok {
		return false, nil
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = t.now()
	}
	p.User = chat.UserSummary{}
	t.parts[p.ConversationID][p.UserID] = p
	return true, nil
}

func (t *tx) RemoveParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	if _, ok := t.parts[conversationID][userID]; !ok {
		return false, nil
	}
	delete(t.parts[conversationID], userID)
	return true, nil
}

func (t *tx) InsertMessage(_ context.Context, m chat.Message) (chat.Message, error) {
	c, err := t.getConversation(m.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	t.nextMessage++
	m.ID = t.nextMessage
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.now()
	}
	m.User, m.Reactions = nil, nil
	t.messages[m.ID] = m

	id, at := m.ID, m.CreatedAt
	c.LastMessageID, c.LastMessageAt = &id, &at
	c.UpdatedAt = at
	t.convs[c.ID] = c
	return t.hydrate(m), nil
}

func (t *tx) UpdateMessageContent(_ context.Context, id int64, content string, editedAt time.Time) (chat.Message, error) {
	m, ok := t.messages[id]
	if !ok || m.Deleted {
		return chat.Message{}, chat.NotFound("message", id)
	}
	m.Content = content
	at := editedAt
	m.EditedAt = &at
	t.messages[id] = m
	return t.hydrate(m), nil
}

func (t *tx) SoftDeleteMessage(_ context.Context, id int64) error {
	m, ok := t.messages[id]
	if !ok || m.Deleted {
		return chat.NotFound("message", id)
	}
	m.Deleted = true
	t.messages[id] = m
	return nil
}

func (t *tx) RecomputeLastMessage(_ context.Context, conversationID int64) error {
	c, err := t.getConversation(conversationID)
	if err != nil {
		return err
	}
	c.LastMessageID, c.LastMessageAt = nil, nil
	if msgs := t.newestFirst(conversationID); len(msgs) > 0 {
		id, at := msgs[0].ID, msgs[0].CreatedAt
		c.LastMessageID, c.LastMessageAt = &id, &at
	}
	t.convs[conversationID] = c
	return nil
}

func (t *tx) UpsertReaction(_ context.Context, r chat.Reaction) (chat.Reaction, bool, error) {
	if m, ok := t.messages[r.MessageID]; !ok || m.Deleted {
		return chat.Reaction{}, false, chat.NotFound("message", r.MessageID)
	}
	k := reactionKey{r.MessageID, r.UserID, r.Emoji}
	if existing, ok := t.reactions[k]; ok {
		existing.User = t.summary(existing.UserID)
		return existing, false, nil
	}
	t.nextReaction++
	r.ID = t.nextReaction
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.now()
	}
	r.User = nil
	t.reactions[k] = r
	r.User = t.summary(r.UserID)
	return r, true, nil
}

func (t *tx) DeleteReaction(_ context.Context, messageID, userID int64, emoji string) (bool, error) {
	k := reactionKey{messageID, userID, emoji}
	if _, ok := t.reactions[k]; !ok {
		return false, nil
	}
	delete(t.reactions, k)
	return true, nil
}

func (t *tx) MarkRead(_ context.Context, conversationID, userID int64, at time.Time) error {
	p, ok := t.parts[conversationID][userID]
	if !ok {
		return chat.NotFound("participant", userID)
	}
	read := at
	p.LastReadAt = &read
	t.parts[conversationID][userID] = p
	return nil
}
