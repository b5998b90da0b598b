package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
)

// reader implements store.Reader over either the pool or a transaction.
type reader struct {
	q querier
}

const conversationColumns = `c.id, c.name, c.type, c.created_by, c.last_message_id, c.last_message_at, c.created_at, c.updated_at`

func scanConversation(sc interface{ Scan(...any) error }) (chat.Conversation, error) {
	var c chat.Conversation
	var name sql.NullString
	var lastID sql.NullInt64
	var lastAt sql.NullTime
	err := sc.Scan(&c.ID, &name, &c.Type, &c.CreatedBy, &lastID, &lastAt, &c.CreatedAt, &c.UpdatedAt)
	c.Name = name.String
	c.LastMessageID = int64Ptr(lastID)
	c.LastMessageAt = timePtr(lastAt)
	return c, err
}

func (r reader) GetConversation(ctx context.Context, id int64) (chat.Conversation, error) {
	c, err := scanConversation(r.q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return c, chat.NotFound("conversation", id)
	}
	return c, err
}

const participantQuery = `
	SELECT p.conversation_id, p.user_id, p.joined_at, p.last_read_at, p.is_admin,
	       u.name, u.avatar, u.is_online, u.last_seen
	FROM conversation_participants p JOIN users u ON u.id = p.user_id`

func scanParticipant(sc interface{ Scan(...any) error }) (chat.Participant, error) {
	var p chat.Participant
	var lastRead, lastSeen sql.NullTime
	var avatar sql.NullString
	err := sc.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &lastRead, &p.IsAdmin,
		&p.User.Name, &avatar, &p.User.IsOnline, &lastSeen)
	p.LastReadAt = timePtr(lastRead)
	p.User.ID = p.UserID
	p.User.Avatar = avatar.String
	p.User.LastSeen = timePtr(lastSeen)
	return p, err
}

func (r reader) ListParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error) {
	if _, err := r.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(ctx, participantQuery+` WHERE p.conversation_id = $1 ORDER BY p.user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r reader) GetParticipant(ctx context.Context, conversationID, userID int64) (chat.Participant, error) {
	p, err := scanParticipant(r.q.QueryRowContext(ctx,
		participantQuery+` WHERE p.conversation_id = $1 AND p.user_id = $2`, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, chat.NotFound("participant", userID)
	}
	return p, err
}

func (r reader) UserConversationIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT conversation_id FROM conversation_participants WHERE user_id = $1 ORDER BY conversation_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r reader) ListUserConversations(ctx context.Context, userID int64, page chat.Page) ([]chat.Conversation, error) {
	page = page.Normalize()
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.id DESC
		LIMIT $2 OFFSET $3`, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const messageQuery = `
	SELECT m.id, m.conversation_id, m.user_id, m.content, m.type, m.metadata, m.created_at, m.edited_at,
	       u.name, u.avatar
	FROM messages m JOIN users u ON u.id = m.user_id`

func scanMessage(sc interface{ Scan(...any) error }) (chat.Message, error) {
	var m chat.Message
	var metadata []byte
	var editedAt sql.NullTime
	var name string
	var avatar sql.NullString
	err := sc.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.Type, &metadata, &m.CreatedAt, &editedAt,
		&name, &avatar)
	if len(metadata) > 0 {
		m.Metadata = metadata
	}
	m.EditedAt = timePtr(editedAt)
	m.User = &chat.UserSummary{ID: m.UserID, Name: name, Avatar: avatar.String}
	return m, err
}

func (r reader) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx, messageQuery+` WHERE m.id = $1 AND m.deleted_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, chat.NotFound("message", id)
	}
	if err != nil {
		return m, err
	}
	msgs := []chat.Message{m}
	if err := r.attachReactions(ctx, msgs); err != nil {
		return m, err
	}
	return msgs[0], nil
}

func (r reader) ListMessages(ctx context.Context, conversationID int64, page chat.Page) ([]chat.Message, error) {
	page = page.Normalize()
	rows, err := r.q.QueryContext(ctx, messageQuery+`
		WHERE m.conversation_id = $1 AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`, conversationID, page.Limit, page.Offset())
	if err != nil {
		return nil, err
	}
	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachReactions(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r reader) attachReactions(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT r.id, r.message_id, r.user_id, r.emoji, r.created_at, u.name, u.avatar
		FROM message_reactions r JOIN users u ON u.id = r.user_id
		WHERE r.message_id = ANY($1) ORDER BY r.id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var re chat.Reaction
		var name string
		var avatar sql.NullString
		if err := rows.Scan(&re.ID, &re.MessageID, &re.UserID, &re.Emoji, &re.CreatedAt, &name, &avatar); err != nil {
			return err
		}
		re.User = &chat.UserSummary{ID: re.UserID, Name: name, Avatar: avatar.String}
		i := index[re.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, re)
	}
	return rows.Err()
}

func (r reader) UnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT count(m.id)
		FROM conversation_participants p
		LEFT JOIN messages m ON m.conversation_id = p.conversation_id
			AND m.deleted_at IS NULL
			AND m.user_id <> p.user_id
			AND (p.last_read_at IS NULL OR m.created_at > p.last_read_at)
		WHERE p.conversation_id = $1 AND p.user_id = $2
		GROUP BY p.user_id`, conversationID, userID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, chat.NotFound("participant", userID)
	}
	return n, err
}
