package events

import (
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
)

type MessagePayload struct {
	Message chat.Message `json:"message"`
}

type MessageDeletedPayload struct {
	MessageID      int64 `json:"message_id"`
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

type ReactionAddedPayload struct {
	Reaction chat.Reaction `json:"reaction"`
}

type ReactionRemovedPayload struct {
	MessageID      int64  `json:"message_id"`
	ConversationID int64  `json:"conversation_id"`
	UserID         int64  `json:"user_id"`
	Emoji          string `json:"emoji"`
}

type PresencePayload struct {
	User chat.UserSummary `json:"user"`
}

type TypingPayload struct {
	User           chat.UserSummary `json:"user"`
	ConversationID int64            `json:"conversation_id"`
	IsTyping       bool             `json:"is_typing"`
}

type ConversationPayload struct {
	Conversation chat.Conversation `json:"conversation"`
}

type ConversationDeletedPayload struct {
	ConversationID int64 `json:"conversation_id"`
	By             int64 `json:"by"`
}

type ParticipantPayload struct {
	ConversationID int64            `json:"conversation_id"`
	User           chat.UserSummary `json:"user"`
	By             int64            `json:"by"`
}

func NewMessageSent(m chat.Message, at time.Time) Event {
	return New(MessageSent, Conversation(m.ConversationID), MessagePayload{Message: m}, at)
}

func NewMessageUpdated(m chat.Message, at time.Time) Event {
	return New(MessageUpdated, Conversation(m.ConversationID), MessagePayload{Message: m}, at)
}

func NewMessageDeleted(m chat.Message, at time.Time) Event {
	return New(MessageDeleted, Conversation(m.ConversationID), MessageDeletedPayload{
		MessageID: m.ID, ConversationID: m.ConversationID, UserID: m.UserID,
	}, at)
}

func NewReactionAdded(conversationID int64, r chat.Reaction, at time.Time) Event {
	return New(ReactionAdded, Conversation(conversationID), ReactionAddedPayload{Reaction: r}, at)
}

func NewReactionRemoved(conversationID, messageID, userID int64, emoji string, at time.Time) Event {
	return New(ReactionRemoved, Conversation(conversationID), ReactionRemovedPayload{
		MessageID: messageID, ConversationID: conversationID, UserID: userID, Emoji: emoji,
	}, at)
}

func NewUserOnline(u chat.UserSummary, at time.Time) Event {
	u.IsOnline = true
	return New(UserOnline, UserConversations(u.ID), PresencePayload{User: u}, at)
}

func NewUserOffline(u chat.UserSummary, at time.Time) Event {
	u.IsOnline = false
	return New(UserOffline, UserConversations(u.ID), PresencePayload{User: u}, at)
}

func NewTyping(u chat.UserSummary, conversationID int64, typing bool, at time.Time) Event {
	kind := TypingStop
	if typing {
		kind = TypingStart
	}
	return New(kind, Conversation(conversationID), TypingPayload{
		User: chat.UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar}, ConversationID: conversationID, IsTyping: typing,
	}, at)
}

func NewConversationUpdated(c chat.Conversation, at time.Time) Event {
	return New(ConversationUpdated, Conversation(c.ID), ConversationPayload{Conversation: c}, at)
}

// NewConversationDeleted targets one former participant's user channel: the
// conversation channel no longer authorizes anyone once the row is gone.
func NewConversationDeleted(conversationID, by, recipient int64, at time.Time) Event {
	return New(ConversationDeleted, User(recipient), ConversationDeletedPayload{ConversationID: conversationID, By: by}, at)
}

func NewParticipantChange(kind Kind, conversationID int64, u chat.UserSummary, by int64, at time.Time) Event {
	return New(kind, Conversation(conversationID), ParticipantPayload{ConversationID: conversationID, User: u, By: by}, at)
}

type MemberPayload struct {
	Channel string           `json:"channel"`
	Member  chat.UserSummary `json:"member"`
}

// NewMemberChange builds presence.member_added/removed for one presence
// channel. The channel is preset so the bus does not resolve it again.
func NewMemberChange(kind Kind, channel string, member chat.UserSummary, at time.Time) Event {
	_, id, _ := ParseChannel(channel)
	evt := New(kind, Presence(id), MemberPayload{Channel: channel, Member: member}, at)
	evt.Channels = []string{channel}
	return evt
}
