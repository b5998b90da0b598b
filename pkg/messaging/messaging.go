// Package messaging is the conversation and message façade. Every write runs
// in one store transaction and its event is published only after that
// transaction commits, excluding the connection that made the request.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
)

const (
	MaxContentLength = 5000
	MaxNameLength    = 255
	MaxEmojiLength   = 10
)

// Store is the storage the façade needs.
type Store interface {
	store.Reader
	GetUser(ctx context.Context, id int64) (chat.User, error)
	GetUsers(ctx context.Context, ids []int64) ([]chat.User, error)
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
}

type Service struct {
	db    Store
	pub   events.Publisher
	clock clock.Clock

	writes metric.Int64Counter
}

type Option func(*Service)

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func New(db Store, pub events.Publisher, opts ...Option) *Service {
	s := &Service{db: db, pub: pub, clock: clock.Real{}}
	for _, o := range opts {
		o(s)
	}
	s.writes, _ = otel.Meter("messaging").Int64Counter("messaging_writes_total",
		metric.WithDescription("Committed conversation and message writes, by operation"))
	return s
}

func (s *Service) committed(ctx context.Context, op string) {
	s.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ConversationView is a conversation with the data clients render in a
// conversation list.
type ConversationView struct {
	chat.Conversation
	Participants []chat.Participant `json:"participants"`
	LastMessage  *chat.Message      `json:"last_message,omitempty"`
	UnreadCount  int                `json:"unread_count"`
}

func (s *Service) view(ctx context.Context, r store.Reader, c chat.Conversation, userID int64) (ConversationView, error) {
	parts, err := r.ListParticipants(ctx, c.ID)
	if err != nil {
		return ConversationView{}, err
	}
	v := ConversationView{Conversation: c, Participants: parts}
	if c.LastMessageID != nil {
		m, err := r.GetMessage(ctx, *c.LastMessageID)
		switch {
		case err == nil:
			v.LastMessage = &m
		case !errors.Is(err, chat.ErrNotFound):
			return v, err
		}
	}
	if v.UnreadCount, err = r.UnreadCount(ctx, c.ID, userID); err != nil {
		return v, err
	}
	return v, nil
}

// participant returns the caller's row or Unauthorized. A missing
// conversation is NotFound.
func (s *Service) participant(ctx context.Context, conversationID, userID int64) (chat.Conversation, chat.Participant, error) {
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return c, chat.Participant{}, err
	}
	p, err := s.db.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, chat.ErrNotFound) {
		return c, p, chat.Unauthorized(fmt.Sprintf("access conversation %d", conversationID))
	}
	return c, p, err
}

// optionalParticipant is participant without the authorization failure.
func (s *Service) optionalParticipant(ctx context.Context, conversationID, userID int64) (*chat.Participant, error) {
	p, err := s.db.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, chat.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Conversations

type NewConversation struct {
	Type           chat.ConversationType `json:"type"`
	Name           string                `json:"name"`
	ParticipantIDs []int64               `json:"participant_ids"`
}

// CreateConversation creates a conversation with the caller as creator. A
// direct conversation that already exists between the two users is
// returned instead, with created false.
func (s *Service) CreateConversation(ctx context.Context, userID int64, in NewConversation) (ConversationView, bool, error) {
	in.Name = strings.TrimSpace(in.Name)
	others := make([]int64, 0, len(in.ParticipantIDs))
	seen := map[int64]bool{userID: true}
	for _, id := range in.ParticipantIDs {
		if !seen[id] {
			seen[id] = true
			others = append(others, id)
		}
	}

	v := &chat.ValidationError{}
	if !in.Type.Valid() {
		v.Add("type", "must be direct or group")
	}
	switch {
	case in.Type == chat.ConversationGroup && in.Name == "":
		v.Add("name", "is required for group conversations")
	case in.Type == chat.ConversationDirect && in.Name != "":
		v.Add("name", "must be empty for direct conversations")
	case utf8.RuneCountInString(in.Name) > MaxNameLength:
		v.Add("name", fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}
	if len(in.ParticipantIDs) == 0 {
		v.Add("participant_ids", "at least one participant is required")
	} else if in.Type == chat.ConversationDirect && len(others) != 1 {
		v.Add("participant_ids", "direct conversations have exactly one other participant")
	}
	if err := v.Err(); err != nil {
		return ConversationView{}, false, err
	}
	if err := s.requireUsers(ctx, others); err != nil {
		return ConversationView{}, false, err
	}

	var out ConversationView
	created := true
	now := s.clock.Now()
	err := s.db.InTx(ctx, func(tx store.Tx) error {
		if in.Type == chat.ConversationDirect {
			if err := tx.LockDirectPair(ctx, userID, others[0]); err != nil {
				return err
			}
			existing, err := findDirect(ctx, tx, userID, others[0])
			if err != nil {
				return err
			}
			if existing != nil {
				created = false
				out, err = s.view(ctx, tx, *existing, userID)
				return err
			}
		}
		c, err := tx.CreateConversation(ctx, chat.Conversation{Name: in.Name, Type: in.Type, CreatedBy: userID, CreatedAt: now})
		if err != nil {
			return err
		}
		creator := chat.Participant{ConversationID: c.ID, UserID: userID, JoinedAt: now, IsAdmin: in.Type == chat.ConversationGroup}
		if _, err := tx.AddParticipant(ctx, creator); err != nil {
			return err
		}
		for _, id := range others {
			if _, err := tx.AddParticipant(ctx, chat.Participant{ConversationID: c.ID, UserID: id, JoinedAt: now}); err != nil {
				return err
			}
		}
		out, err = s.view(ctx, tx, c, userID)
		return err
	})
	if err != nil {
		return ConversationView{}, false, fmt.Errorf("create conversation: %w", err)
	}
	if !created {
		return out, false, nil
	}
	s.committed(ctx, "create_conversation")
	slog.InfoContext(ctx, "Conversation created", "conversation", out.ID, "type", out.Type, "created_by", userID)
	return out, true, nil
}

func (s *Service) requireUsers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.db.GetUsers(ctx, ids)
	if err != nil {
		return err
	}
	if len(users) == len(ids) {
		return nil
	}
	found := make(map[int64]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
	}
	v := &chat.ValidationError{}
	for _, id := range ids {
		if !found[id] {
			v.Add("participant_ids", fmt.Sprintf("user %d does not exist", id))
		}
	}
	return v.Err()
}

// findDirect looks up the direct conversation between two users inside the
// creating transaction.
func findDirect(ctx context.Context, r store.Reader, userID, otherID int64) (*chat.Conversation, error) {
	ids, err := r.UserConversationIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c, err := r.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Type != chat.ConversationDirect {
			continue
		}
		_, err = r.GetParticipant(ctx, id, otherID)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
	return nil, nil
}

func (s *Service) GetConversation(ctx context.Context, userID, conversationID int64) (ConversationView, error) {
	c, _, err := s.participant(ctx, conversationID, userID)
	if err != nil {
		return ConversationView{}, err
	}
	return s.view(ctx, s.db, c, userID)
}

// ListConversations returns the caller's conversations, most recently
// active first.
func (s *Service) ListConversations(ctx context.Context, userID int64, page chat.Page) ([]ConversationView, error) {
	convs, err := s.db.ListUserConversations(ctx, userID, page.Normalize())
	if err != nil {
		return nil, err
	}
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		v, err := s.view(ctx, s.db, c, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateConversation renames a group conversation.
func (s *Service) UpdateConversation(ctx context.Context, userID, conversationID int64, name string) (chat.Conversation, error) {
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return c, err
	}
	p, err := s.optionalParticipant(ctx, conversationID, userID)
	if err != nil {
		return c, err
	}
	if !authz.CanUpdateConversation(c, p, userID) {
		return c, chat.Unauthorized(fmt.Sprintf("update conversation %d", conversationID))
	}

	name = strings.TrimSpace(name)
	switch {
	case c.Type == chat.ConversationDirect:
		return c, chat.Invalid("name", "direct conversations have no name")
	case name == "":
		return c, chat.Invalid("name", "is required for group conversations")
	case utf8.RuneCountInString(name) > MaxNameLength:
		return c, chat.Invalid("name", fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}

	var updated chat.Conversation
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		updated, err = tx.UpdateConversationName(ctx, conversationID, name, s.clock.Now())
		return err
	})
	if err != nil {
		return c, fmt.Errorf("update conversation: %w", err)
	}
	s.committed(ctx, "update_conversation")
	events.PublishToOthers(ctx, s.pub, events.NewConversationUpdated(updated, s.clock.Now()))
	return updated, nil
}

// DeleteConversation removes a conversation and everything in it. Only the
// creator may delete. Former participants are told on their user channel.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !authz.CanDeleteConversation(c, userID) {
		return chat.Unauthorized(fmt.Sprintf("delete conversation %d", conversationID))
	}

	var parts []chat.Participant
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		if parts, err = tx.ListParticipants(ctx, conversationID); err != nil {
			return err
		}
		deleted, err := tx.DeleteConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !deleted {
			return chat.NotFound("conversation", conversationID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.committed(ctx, "delete_conversation")
	slog.InfoContext(ctx, "Conversation deleted", "conversation", conversationID, "deleted_by", userID, "participants", len(parts))

	now := s.clock.Now()
	for _, p := range parts {
		events.PublishToOthers(ctx, s.pub, events.NewConversationDeleted(conversationID, userID, p.UserID, now))
	}
	return nil
}

// AddParticipants adds users to a group conversation. Users who already
// participate fail validation.
func (s *Service) AddParticipants(ctx context.Context, userID, conversationID int64, userIDs []int64, admin bool) (ConversationView, error) {
	c, p, err := s.participant(ctx, conversationID, userID)
	if err != nil {
		return ConversationView{}, err
	}
	if !authz.CanManageParticipants(c, &p, userID) {
		return ConversationView{}, chat.Unauthorized(fmt.Sprintf("manage participants of conversation %d", conversationID))
	}
	if c.Type == chat.ConversationDirect {
		return ConversationView{}, chat.Invalid("user_ids", "direct conversations have exactly two participants")
	}
	if len(userIDs) == 0 {
		return ConversationView{}, chat.Invalid("user_ids", "at least one user is required")
	}
	if err := s.requireUsers(ctx, userIDs); err != nil {
		return ConversationView{}, err
	}

	now := s.clock.Now()
	var added []int64
	var out ConversationView
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		v := &chat.ValidationError{}
		for _, id := range userIDs {
			ok, err := tx.AddParticipant(ctx, chat.Participant{ConversationID: conversationID, UserID: id, JoinedAt: now, IsAdmin: admin})
			if err != nil {
				return err
			}
			if !ok {
				v.Add("user_ids", fmt.Sprintf("user %d is already a participant", id))
				continue
			}
			added = append(added, id)
		}
		if err := v.Err(); err != nil {
			return err
		}
		var err error
		out, err = s.view(ctx, tx, c, userID)
		return err
	})
	if err != nil {
		return ConversationView{}, fmt.Errorf("add participants: %w", err)
	}
	s.committed(ctx, "add_participants")

	users, err := s.db.GetUsers(ctx, added)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load added participants", "conversation", conversationID, "error", err)
	}
	for _, u := range users {
		events.PublishToOthers(ctx, s.pub, events.NewParticipantChange(events.ParticipantAdded, conversationID, u.Summary(), userID, now))
	}
	return out, nil
}

// RemoveParticipant removes target from a group conversation. Users may
// always remove themselves; removing others needs creator or admin rights.
// The creator cannot be removed, and direct conversations keep both users.
func (s *Service) RemoveParticipant(ctx context.Context, userID, conversationID, targetID int64) error {
	c, err := s.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if c.Type == chat.ConversationDirect {
		return chat.Invalid("user_id", "direct conversations have exactly two participants")
	}
	if userID != targetID {
		p, err := s.optionalParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !authz.CanManageParticipants(c, p, userID) {
			return chat.Unauthorized(fmt.Sprintf("manage participants of conversation %d", conversationID))
		}
	}
	if targetID == c.CreatedBy {
		return chat.Invalid("user_id", "cannot remove the conversation creator")
	}

	var removed bool
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		removed, err = tx.RemoveParticipant(ctx, conversationID, targetID)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	if !removed {
		return chat.NotFound("participant", targetID)
	}
	s.committed(ctx, "remove_participant")

	sum := chat.UserSummary{ID: targetID}
	if u, err := s.db.GetUser(ctx, targetID); err == nil {
		sum = u.Summary()
	}
	events.PublishToOthers(ctx, s.pub, events.NewParticipantChange(events.ParticipantRemoved, conversationID, sum, userID, s.clock.Now()))
	return nil
}

// Messages

type NewMessage struct {
	Content  string           `json:"content"`
	Type     chat.MessageType `json:"type"`
	Metadata json.RawMessage  `json:"metadata,omitempty"`
}

func validateContent(v *chat.ValidationError, content string) {
	switch {
	case strings.TrimSpace(content) == "":
		v.Add("content", "is required")
	case utf8.RuneCountInString(content) > MaxContentLength:
		v.Add("content", fmt.Sprintf("must be at most %d characters", MaxContentLength))
	}
}

func (in *NewMessage) validate() error {
	if in.Type == "" {
		in.Type = chat.MessageText
	}
	v := &chat.ValidationError{}
	validateContent(v, in.Content)
	if !in.Type.Valid() {
		v.Add("type", "must be one of text, image, file, system")
	}
	if len(in.Metadata) > 0 && string(in.Metadata) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(in.Metadata, &obj); err != nil {
			v.Add("metadata", "must be a JSON object")
		}
	} else {
		in.Metadata = nil
	}
	return v.Err()
}

// SendMessage stores a message from a participant and broadcasts it.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID int64, in NewMessage) (chat.Message, error) {
	if err := in.validate(); err != nil {
		return chat.Message{}, err
	}
	if _, _, err := s.participant(ctx, conversationID, userID); err != nil {
		return chat.Message{}, err
	}

	var m chat.Message
	err := s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.InsertMessage(ctx, chat.Message{
			ConversationID: conversationID,
			UserID:         userID,
			Content:        in.Content,
			Type:           in.Type,
			Metadata:       in.Metadata,
			CreatedAt:      s.clock.Now(),
		})
		return err
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}
	s.committed(ctx, "send_message")
	events.PublishToOthers(ctx, s.pub, events.NewMessageSent(m, s.clock.Now()))
	return m, nil
}

// EditMessage replaces the content of the caller's own message. Authors who
// left the conversation can no longer edit.
func (s *Service) EditMessage(ctx context.Context, userID, messageID int64, content string) (chat.Message, error) {
	v := &chat.ValidationError{}
	validateContent(v, content)
	if err := v.Err(); err != nil {
		return chat.Message{}, err
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if _, _, err := s.participant(ctx, m.ConversationID, userID); err != nil {
		return chat.Message{}, err
	}
	if !authz.CanEditMessage(m, userID) {
		return chat.Message{}, chat.Unauthorized(fmt.Sprintf("edit message %d", messageID))
	}

	var updated chat.Message
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		updated, err = tx.UpdateMessageContent(ctx, messageID, content, s.clock.Now())
		return err
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("edit message: %w", err)
	}
	s.committed(ctx, "edit_message")
	events.PublishToOthers(ctx, s.pub, events.NewMessageUpdated(updated, s.clock.Now()))
	return updated, nil
}

// DeleteMessage soft-deletes a message and repoints the conversation at its
// newest surviving message. The caller must be a current participant.
func (s *Service) DeleteMessage(ctx context.Context, userID, messageID int64) error {
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	c, err := s.db.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	p, err := s.optionalParticipant(ctx, c.ID, userID)
	if err != nil {
		return err
	}
	if p == nil || !authz.CanDeleteMessage(m, c, p, userID) {
		return chat.Unauthorized(fmt.Sprintf("delete message %d", messageID))
	}

	err = s.db.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SoftDeleteMessage(ctx, messageID); err != nil {
			return err
		}
		return tx.RecomputeLastMessage(ctx, m.ConversationID)
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.committed(ctx, "delete_message")
	events.PublishToOthers(ctx, s.pub, events.NewMessageDeleted(m, s.clock.Now()))
	return nil
}

// ListMessages pages through a conversation, newest first.
func (s *Service) ListMessages(ctx context.Context, userID, conversationID int64, page chat.Page) ([]chat.Message, error) {
	if _, _, err := s.participant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.db.ListMessages(ctx, conversationID, page.Normalize())
}

func validateEmoji(emoji string) error {
	n := utf8.RuneCountInString(emoji)
	if strings.TrimSpace(emoji) == "" || n > MaxEmojiLength {
		return chat.Invalid("emoji", fmt.Sprintf("is required and at most %d characters", MaxEmojiLength))
	}
	return nil
}

// messageAccess loads a message the caller may react to.
func (s *Service) messageAccess(ctx context.Context, userID, messageID int64) (chat.Message, error) {
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return m, err
	}
	if _, _, err := s.participant(ctx, m.ConversationID, userID); err != nil {
		return m, err
	}
	return m, nil
}

// AddReaction is an upsert. ReactionAdded is published only when the row
// did not exist.
func (s *Service) AddReaction(ctx context.Context, userID, messageID int64, emoji string) (chat.Reaction, error) {
	if err := validateEmoji(emoji); err != nil {
		return chat.Reaction{}, err
	}
	m, err := s.messageAccess(ctx, userID, messageID)
	if err != nil {
		return chat.Reaction{}, err
	}

	var r chat.Reaction
	var created bool
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, created, err = tx.UpsertReaction(ctx, chat.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji, CreatedAt: s.clock.Now()})
		return err
	})
	if err != nil {
		return chat.Reaction{}, fmt.Errorf("add reaction: %w", err)
	}
	if created {
		s.committed(ctx, "add_reaction")
		events.PublishToOthers(ctx, s.pub, events.NewReactionAdded(m.ConversationID, r, s.clock.Now()))
	}
	return r, nil
}

// RemoveReaction deletes the reaction if present. Removing a reaction that
// does not exist is not an error and publishes nothing.
func (s *Service) RemoveReaction(ctx context.Context, userID, messageID int64, emoji string) error {
	if err := validateEmoji(emoji); err != nil {
		return err
	}
	m, err := s.messageAccess(ctx, userID, messageID)
	if err != nil {
		return err
	}

	var removed bool
	err = s.db.InTx(ctx, func(tx store.Tx) error {
		var err error
		removed, err = tx.DeleteReaction(ctx, messageID, userID, emoji)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	if removed {
		s.committed(ctx, "remove_reaction")
		events.PublishToOthers(ctx, s.pub, events.NewReactionRemoved(m.ConversationID, messageID, userID, emoji, s.clock.Now()))
	}
	return nil
}

func (s *Service) MarkAsRead(ctx context.Context, userID, conversationID int64) error {
	if _, _, err := s.participant(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.db.InTx(ctx, func(tx store.Tx) error {
		return tx.MarkRead(ctx, conversationID, userID, s.clock.Now())
	})
}

// UnreadCount counts messages from others after the caller's last read.
// Non-participants get zero.
func (s *Service) UnreadCount(ctx context.Context, userID, conversationID int64) (int, error) {
	p, err := s.optionalParticipant(ctx, conversationID, userID)
	if err != nil || p == nil {
		return 0, err
	}
	return s.db.UnreadCount(ctx, conversationID, userID)
}
