// Package chat holds the domain model shared by the store, the real-time
// engine and the HTTP gateway.
package chat

import (
	"encoding/json"
	"time"
)

// UserSummary is the public projection of a user carried in events and
// presence responses.
type UserSummary struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Avatar   string     `json:"avatar,omitempty"`
	IsOnline bool       `json:"is_online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// User is the durable user row. IsOnline and LastSeen are owned by the
// presence store.
type User struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Avatar    string     `json:"avatar,omitempty"`
	IsOnline  bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	PushToken string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Avatar: u.Avatar, IsOnline: u.IsOnline, LastSeen: u.LastSeen}
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

func (t ConversationType) Valid() bool {
	return t == ConversationDirect || t == ConversationGroup
}

// Conversation carries a denormalized pointer to its most recent surviving
// message for list ordering.
type Conversation struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name,omitempty"`
	Type          ConversationType `json:"type"`
	CreatedBy     int64            `json:"created_by"`
	LastMessageID *int64           `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Participant is the per-edge metadata of the conversation/user pivot.
type Participant struct {
	ConversationID int64       `json:"conversation_id"`
	UserID         int64       `json:"user_id"`
	JoinedAt       time.Time   `json:"joined_at"`
	LastReadAt     *time.Time  `json:"last_read_at,omitempty"`
	IsAdmin        bool        `json:"is_admin"`
	User           UserSummary `json:"user"`
}

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	UserID         int64           `json:"user_id"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"type"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	Deleted        bool            `json:"-"`
	User           *UserSummary    `json:"user,omitempty"`
	Reactions      []Reaction      `json:"reactions,omitempty"`
}

// Reaction is unique per (message, user, emoji).
type Reaction struct {
	ID        int64        `json:"id"`
	MessageID int64        `json:"message_id"`
	UserID    int64        `json:"user_id"`
	Emoji     string       `json:"emoji"`
	CreatedAt time.Time    `json:"created_at"`
	User      *UserSummary `json:"user,omitempty"`
}

// TypingIndicator is a (conversation, user) row. A row whose ExpiresAt is not
// after now is logically absent.
type TypingIndicator struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	SessionID      string    `json:"-"`
	StartedAt      time.Time `json:"started_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Page is a 1-based pagination request.
type Page struct {
	Number int
	Limit  int
}

func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 50
	}
	return p
}

func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Limit
}

// Notification preference keys, also used as the notification type names
// checked before a push is sent.
const (
	PrefMessages      = "message_notifications"
	PrefGroupMessages = "group_message_notifications"
	PrefMentions      = "mention_notifications"
	PrefReactions     = "reaction_notifications"
	PrefTyping        = "typing_notifications"
	PrefSound         = "sound_enabled"
	PrefVibration     = "vibration_enabled"
)

// NotificationPreferences are per-user push switches. Users without a
// stored row get DefaultNotificationPreferences.
type NotificationPreferences struct {
	MessageNotifications      bool `json:"message_notifications"`
	GroupMessageNotifications bool `json:"group_message_notifications"`
	MentionNotifications      bool `json:"mention_notifications"`
	ReactionNotifications     bool `json:"reaction_notifications"`
	TypingNotifications       bool `json:"typing_notifications"`
	SoundEnabled              bool `json:"sound_enabled"`
	VibrationEnabled          bool `json:"vibration_enabled"`
}

func DefaultNotificationPreferences() NotificationPreferences {
	return NotificationPreferences{
		MessageNotifications:      true,
		GroupMessageNotifications: true,
		MentionNotifications:      true,
		TypingNotifications:       true,
		SoundEnabled:              true,
		VibrationEnabled:          true,
	}
}

// Allows reports whether the switch named key is on. Unknown keys are
// allowed.
func (p NotificationPreferences) Allows(key string) bool {
	switch key {
	case PrefMessages:
		return p.MessageNotifications
	case PrefGroupMessages:
		return p.GroupMessageNotifications
	case PrefMentions:
		return p.MentionNotifications
	case PrefReactions:
		return p.ReactionNotifications
	case PrefTyping:
		return p.TypingNotifications
	case PrefSound:
		return p.SoundEnabled
	case PrefVibration:
		return p.VibrationEnabled
	}
	return true
}

// PreferencesUpdate is a partial update. Nil fields keep their value.
type PreferencesUpdate struct {
	MessageNotifications      *bool `json:"message_notifications,omitempty"`
	GroupMessageNotifications *bool `json:"group_message_notifications,omitempty"`
	MentionNotifications      *bool `json:"mention_notifications,omitempty"`
	ReactionNotifications     *bool `json:"reaction_notifications,omitempty"`
	TypingNotifications       *bool `json:"typing_notifications,omitempty"`
	SoundEnabled              *bool `json:"sound_enabled,omitempty"`
	VibrationEnabled          *bool `json:"vibration_enabled,omitempty"`
}

func (u PreferencesUpdate) Apply(p NotificationPreferences) NotificationPreferences {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.MessageNotifications, u.MessageNotifications)
	set(&p.GroupMessageNotifications, u.GroupMessageNotifications)
	set(&p.MentionNotifications, u.MentionNotifications)
	set(&p.ReactionNotifications, u.ReactionNotifications)
	set(&p.TypingNotifications, u.TypingNotifications)
	set(&p.SoundEnabled, u.SoundEnabled)
	set(&p.VibrationEnabled, u.VibrationEnabled)
	return p
}
