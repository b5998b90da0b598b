// Package store defines the storage collaborator used by the real-time
// engine and the messaging façade. Implementations live in memstore and
// postgres.
package store

import (
	"context"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
)

// Users covers the user rows outside of presence.
type Users interface {
	CreateUser(ctx context.Context, u chat.User) (chat.User, error)
	GetUser(ctx context.Context, id int64) (chat.User, error)
	// GetUsers returns the users that exist among ids, ordered by id.
	GetUsers(ctx context.Context, ids []int64) ([]chat.User, error)
	SetPushToken(ctx context.Context, userID int64, token string) error
	// ClearPushToken removes token from every user holding it and reports
	// how many rows changed.
	ClearPushToken(ctx context.Context, token string) (int64, error)
	// GetNotificationPreferences returns the defaults for a user who never
	// saved any.
	GetNotificationPreferences(ctx context.Context, userID int64) (chat.NotificationPreferences, error)
	SetNotificationPreferences(ctx context.Context, userID int64, p chat.NotificationPreferences) error
}

// PresenceRecords are the durable is_online/last_seen columns. Every method
// is a single conditional update so concurrent callers agree on who made a
// transition.
type PresenceRecords interface {
	// MarkOnline stamps last_seen and sets is_online, reporting whether the
	// row was offline before.
	MarkOnline(ctx context.Context, userID int64, at time.Time) (bool, error)
	// MarkOffline stamps last_seen and clears is_online, reporting whether
	// the row was online before.
	MarkOffline(ctx context.Context, userID int64, at time.Time) (bool, error)
	// DemoteIfStale clears is_online only when the row is online with
	// last_seen before cutoff, leaving last_seen at the final heartbeat. The
	// winner of concurrent calls gets true.
	DemoteIfStale(ctx context.Context, userID int64, cutoff time.Time) (bool, error)
	ListOnlineUserIDs(ctx context.Context) ([]int64, error)
}

// TypingUpsert is the outcome of UpsertTyping.
type TypingUpsert struct {
	Row chat.TypingIndicator
	// Started is true when no live row existed before the call.
	Started bool
	// Replaced is the expired, unswept row overwritten by this call.
	Replaced *chat.TypingIndicator
}

// TypingRows are the (conversation, user) typing indicators.
type TypingRows interface {
	// UpsertTyping creates or refreshes the row. A live row keeps its
	// session and start time; an expired row is replaced.
	UpsertTyping(ctx context.Context, conversationID, userID int64, sessionID string, now, expiresAt time.Time) (TypingUpsert, error)
	// ExtendTyping raises expires_at of a live row, never lowering it.
	ExtendTyping(ctx context.Context, conversationID, userID int64, now, expiresAt time.Time) (bool, error)
	// DeleteTyping removes the row and returns it, or nil when absent.
	DeleteTyping(ctx context.Context, conversationID, userID int64) (*chat.TypingIndicator, error)
	ListLiveTyping(ctx context.Context, conversationID int64, now time.Time) ([]chat.TypingIndicator, error)
	// ClaimExpiredTyping deletes and returns rows with expires_at <= now.
	// Concurrent callers receive disjoint sets.
	ClaimExpiredTyping(ctx context.Context, now time.Time) ([]chat.TypingIndicator, error)
}

// Reader is the read side of conversations and messages, available both on
// the store and inside a transaction.
type Reader interface {
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error)
	GetParticipant(ctx context.Context, conversationID, userID int64) (chat.Participant, error)
	UserConversationIDs(ctx context.Context, userID int64) ([]int64, error)
	// ListUserConversations orders by last_message_at, newest first, with
	// empty conversations last.
	ListUserConversations(ctx context.Context, userID int64, page chat.Page) ([]chat.Conversation, error)
	// GetMessage returns a non-deleted message with its author and reactions.
	GetMessage(ctx context.Context, id int64) (chat.Message, error)
	// ListMessages returns surviving messages newest first.
	ListMessages(ctx context.Context, conversationID int64, page chat.Page) ([]chat.Message, error)
	UnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
}

// Tx is a unit of work. Nothing written through it is visible to others
// until the enclosing InTx returns nil.
type Tx interface {
	Reader
	CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error)
	// LockDirectPair serializes direct-conversation creation for the pair
	// until the transaction ends.
	LockDirectPair(ctx context.Context, a, b int64) error
	// DeleteConversation removes the conversation with its participants,
	// messages, reactions and typing rows.
	DeleteConversation(ctx context.Context, id int64) (bool, error)
	UpdateConversationName(ctx context.Context, id int64, name string, at time.Time) (chat.Conversation, error)
	// AddParticipant inserts the pivot row and reports false when it existed.
	AddParticipant(ctx context.Context, p chat.Participant) (bool, error)
	RemoveParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	UpdateMessageContent(ctx context.Context, id int64, content string, editedAt time.Time) (chat.Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) error
	// RecomputeLastMessage points the conversation at its newest surviving
	// message, or clears the pointer.
	RecomputeLastMessage(ctx context.Context, conversationID int64) error
	// UpsertReaction reports whether the row was created by this call.
	UpsertReaction(ctx context.Context, r chat.Reaction) (chat.Reaction, bool, error)
	DeleteReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error)
	MarkRead(ctx context.Context, conversationID, userID int64, at time.Time) error
}

type Store interface {
	Users
	PresenceRecords
	TypingRows
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
