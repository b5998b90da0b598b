// Package events defines the domain events carried by the bus, the channel
// naming scheme and the Publisher capability producers depend on.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	MessageSent         Kind = "message.sent"
	MessageUpdated      Kind = "message.updated"
	MessageDeleted      Kind = "message.deleted"
	ReactionAdded       Kind = "message.reaction.added"
	ReactionRemoved     Kind = "message.reaction.removed"
	UserOnline          Kind = "user.online"
	UserOffline         Kind = "user.offline"
	TypingStart         Kind = "user.typing.start"
	TypingStop          Kind = "user.typing.stop"
	ConversationUpdated Kind = "conversation.updated"
	ConversationDeleted Kind = "conversation.deleted"
	ParticipantAdded    Kind = "participant.added"
	ParticipantRemoved  Kind = "participant.removed"
	MemberAdded         Kind = "presence.member_added"
	MemberRemoved       Kind = "presence.member_removed"
)

// Rule selects how an event's target resolves to concrete channels.
type Rule int

const (
	// ToConversation targets conversation.<id>.
	ToConversation Rule = iota
	// ToUserConversations targets user.<id> plus every conversation the
	// user participates in at resolution time.
	ToUserConversations
	// ToUser targets user.<id>.
	ToUser
	// ToPresence targets presence-conversation.<id>.
	ToPresence
)

func (r Rule) String() string {
	switch r {
	case ToConversation:
		return "conversation"
	case ToUserConversations:
		return "user_conversations"
	case ToUser:
		return "user"
	case ToPresence:
		return "presence"
	}
	return "unknown"
}

type Target struct {
	Rule           Rule  `json:"rule"`
	ConversationID int64 `json:"conversation_id,omitempty"`
	UserID         int64 `json:"user_id,omitempty"`
}

// Event is one domain occurrence. Channels is filled by the bus during
// resolution and travels with relayed events so remote instances do not
// resolve again.
type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"event"`
	Target      Target          `json:"target"`
	Data        json.RawMessage `json:"data"`
	ExcludeConn string          `json:"exclude_conn,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Origin      string          `json:"origin,omitempty"`
	Channels    []string        `json:"channels,omitempty"`
}

// Publisher is implemented by the event bus. Publish must not block on
// subscriber I/O.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, evt Event)

func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// New builds an event with a fresh id. data is marshalled to JSON; a
// marshalling failure yields a null payload.
func New(kind Kind, target Target, data any, at time.Time) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Target:     target,
		Data:       raw,
		OccurredAt: at.UTC(),
	}
}

// ToOthers returns a copy of e that skips the given connection.
func (e Event) ToOthers(connID string) Event {
	e.ExcludeConn = connID
	return e
}

func Conversation(id int64) Target { return Target{Rule: ToConversation, ConversationID: id} }
func User(id int64) Target         { return Target{Rule: ToUser, UserID: id} }
func UserConversations(id int64) Target {
	return Target{Rule: ToUserConversations, UserID: id}
}
func Presence(conversationID int64) Target {
	return Target{Rule: ToPresence, ConversationID: conversationID}
}

// Envelope is the wire form delivered to a subscriber on one channel.
type Envelope struct {
	ID         string          `json:"id"`
	Event      Kind            `json:"event"`
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (e Event) Envelope(channel string) Envelope {
	return Envelope{ID: e.ID, Event: e.Kind, Channel: channel, Data: e.Data, OccurredAt: e.OccurredAt}
}

// ChannelKind classifies a channel name.
type ChannelKind int

const (
	ConversationChannel ChannelKind = iota + 1
	PresenceChannel
	UserChannel
	// OnlineUsersChannel is the single presence channel every
	// authenticated user may join.
	OnlineUsersChannel
)

const OnlineUsersChannelName = "presence-online-users"

const (
	conversationPrefix = "conversation."
	presencePrefix     = "presence-conversation."
	userPrefix         = "user."
)

func ConversationChannelName(id int64) string {
	return conversationPrefix + strconv.FormatInt(id, 10)
}

func PresenceChannelName(conversationID int64) string {
	return presencePrefix + strconv.FormatInt(conversationID, 10)
}

func UserChannelName(id int64) string {
	return userPrefix + strconv.FormatInt(id, 10)
}

// ParseChannel splits a channel name into its kind and numeric id.
func ParseChannel(name string) (ChannelKind, int64, error) {
	if name == OnlineUsersChannelName {
		return OnlineUsersChannel, 0, nil
	}
	var kind ChannelKind
	var rest string
	switch {
	case strings.HasPrefix(name, presencePrefix):
		kind, rest = PresenceChannel, strings.TrimPrefix(name, presencePrefix)
	case strings.HasPrefix(name, conversationPrefix):
		kind, rest = ConversationChannel, strings.TrimPrefix(name, conversationPrefix)
	case strings.HasPrefix(name, userPrefix):
		kind, rest = UserChannel, strings.TrimPrefix(name, userPrefix)
	default:
		return 0, 0, fmt.Errorf("unknown channel %q", name)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("invalid channel id in %q", name)
	}
	return kind, id, nil
}

type originConnKey struct{}

// WithOriginConn records the connection that issued the current request so
// producers can exclude it from the resulting broadcast.
func WithOriginConn(ctx context.Context, connID string) context.Context {
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, originConnKey{}, connID)
}

// OriginConn returns the connection recorded by WithOriginConn, or "".
func OriginConn(ctx context.Context) string {
	id, _ := ctx.Value(originConnKey{}).(string)
	return id
}

// PublishToOthers publishes evt excluding the connection found in ctx.
func PublishToOthers(ctx context.Context, pub Publisher, evt Event) {
	pub.Publish(ctx, evt.ToOthers(OriginConn(ctx)))
}
