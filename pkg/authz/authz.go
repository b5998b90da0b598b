// Package authz decides who may observe a channel and who may mutate a
// conversation or message. Nothing is cached: every call asks the store,
// so a participant removed between two events stops receiving the second.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
)

// Directory is the read access the gate needs.
type Directory interface {
	GetParticipant(ctx context.Context, conversationID, userID int64) (chat.Participant, error)
	GetUser(ctx context.Context, id int64) (chat.User, error)
}

// OnlineChecker supplies the TTL-aware online flag for member summaries.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID int64) bool
}

type Gate struct {
	dir    Directory
	online OnlineChecker
}

// New builds a gate. online may be nil, in which case member summaries
// carry the durable online flag.
func New(dir Directory, online OnlineChecker) *Gate {
	return &Gate{dir: dir, online: online}
}

// Authorization is the result of a channel check. Member is set for
// presence channels.
type Authorization struct {
	Channel string
	Kind    events.ChannelKind
	ID      int64
	Member  *chat.UserSummary
}

// IsParticipant reports participation; store errors other than NotFound
// are returned.
func (g *Gate) IsParticipant(ctx context.Context, userID, conversationID int64) (bool, error) {
	_, err := g.dir.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, chat.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CanAccessConversationChannel is true iff userID currently participates.
// Lookup failures deny.
func (g *Gate) CanAccessConversationChannel(ctx context.Context, userID, conversationID int64) bool {
	ok, err := g.IsParticipant(ctx, userID, conversationID)
	return err == nil && ok
}

func (g *Gate) CanAccessUserChannel(userID, targetUserID int64) bool {
	return userID != 0 && userID == targetUserID
}

// PresenceInfo returns the member summary a presence-channel join exposes.
func (g *Gate) PresenceInfo(ctx context.Context, userID, conversationID int64) (chat.UserSummary, error) {
	p, err := g.dir.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.UserSummary{}, chat.Unauthorized(fmt.Sprintf("join presence of conversation %d", conversationID))
	}
	if err != nil {
		return chat.UserSummary{}, err
	}
	return g.withOnline(ctx, p.User), nil
}

func (g *Gate) withOnline(ctx context.Context, sum chat.UserSummary) chat.UserSummary {
	if g.online != nil {
		sum.IsOnline = g.online.IsOnline(ctx, sum.ID)
	}
	return sum
}

// Authorize checks userID against a channel name. Unknown channel names are
// validation errors; denials wrap chat.ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, userID int64, channel string) (Authorization, error) {
	kind, id, err := events.ParseChannel(channel)
	if err != nil {
		return Authorization{}, chat.Invalid("channel", err.Error())
	}
	auth := Authorization{Channel: channel, Kind: kind, ID: id}
	switch kind {
	case events.ConversationChannel:
		ok, err := g.IsParticipant(ctx, userID, id)
		if err != nil {
			return auth, err
		}
		if !ok {
			return auth, chat.Unauthorized("subscribe to " + channel)
		}
	case events.PresenceChannel:
		member, err := g.PresenceInfo(ctx, userID, id)
		if err != nil {
			return auth, err
		}
		auth.Member = &member
	case events.UserChannel:
		if !g.CanAccessUserChannel(userID, id) {
			return auth, chat.Unauthorized("subscribe to " + channel)
		}
	case events.OnlineUsersChannel:
		u, err := g.dir.GetUser(ctx, userID)
		if errors.Is(err, chat.ErrNotFound) {
			return auth, chat.Unauthorized("subscribe to " + channel)
		}
		if err != nil {
			return auth, err
		}
		member := g.withOnline(ctx, u.Summary())
		auth.Member = &member
	}
	return auth, nil
}

// Allowed is Authorize for per-delivery checks. A denial is (false, nil);
// a failed lookup is returned as the error so callers can tell it apart
// from a revoked right.
func (g *Gate) Allowed(ctx context.Context, userID int64, channel string) (bool, error) {
	_, err := g.Authorize(ctx, userID, channel)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, chat.ErrUnauthorized), errors.Is(err, chat.ErrValidation):
		return false, nil
	}
	return false, err
}

func isAdmin(p *chat.Participant) bool {
	return p != nil && p.IsAdmin
}

// CanUpdateConversation allows the creator or an admin participant. p is
// the caller's participant row, nil when not a participant.
func CanUpdateConversation(c chat.Conversation, p *chat.Participant, userID int64) bool {
	return c.CreatedBy == userID || isAdmin(p)
}

func CanManageParticipants(c chat.Conversation, p *chat.Participant, userID int64) bool {
	return CanUpdateConversation(c, p, userID)
}

// CanDeleteConversation allows the creator only.
func CanDeleteConversation(c chat.Conversation, userID int64) bool {
	return c.CreatedBy == userID
}

// CanEditMessage allows the author. Callers also require that the author
// still participates.
func CanEditMessage(m chat.Message, userID int64) bool {
	return m.UserID == userID
}

// CanDeleteMessage allows the author, the conversation creator or an admin
// participant.
func CanDeleteMessage(m chat.Message, c chat.Conversation, p *chat.Participant, userID int64) bool {
	return m.UserID == userID || c.CreatedBy == userID || isAdmin(p)
}
