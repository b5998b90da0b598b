package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
)

type tx struct {
	reader
}

func (t *tx) CreateConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	return scanConversation(t.q.QueryRowContext(ctx, `
		INSERT INTO conversations AS c (name, type, created_by) VALUES ($1, $2, $3)
		RETURNING `+conversationColumns, nullString(c.Name), c.Type, c.CreatedBy))
}

// LockDirectPair takes a transaction-scoped advisory lock keyed on the
// unordered pair, so two creators of the same direct conversation cannot
// both miss the other's row.
func (t *tx) LockDirectPair(ctx context.Context, a, b int64) error {
	if a > b {
		a, b = b, a
	}
	_, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, int32(a), int32(b))
	return err
}

// DeleteConversation relies on ON DELETE CASCADE for the dependent rows.
func (t *tx) DeleteConversation(ctx context.Context, id int64) (bool, error) {
	res, err := t.q.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) UpdateConversationName(ctx context.Context, id int64, name string, at time.Time) (chat.Conversation, error) {
	c, err := scanConversation(t.q.QueryRowContext(ctx, `
		UPDATE conversations AS c SET name = $2, updated_at = $3 WHERE c.id = $1
		RETURNING `+conversationColumns, id, nullString(name), at))
	if errors.Is(err, sql.ErrNoRows) {
		return c, chat.NotFound("conversation", id)
	}
	return c, err
}

func (t *tx) AddParticipant(ctx context.Context, p chat.Participant) (bool, error) {
	joined := p.JoinedAt
	if joined.IsZero() {
		joined = time.Now()
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at, is_admin)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		p.ConversationID, p.UserID, joined, p.IsAdmin)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) RemoveParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var metadata any
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}
	var id int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, user_id, content, type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.ConversationID, m.UserID, m.Content, m.Type, metadata, created).Scan(&id)
	if err != nil {
		return chat.Message{}, err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = $2, last_message_at = $3, updated_at = $3 WHERE id = $1`,
		m.ConversationID, id, created)
	if err != nil {
		return chat.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, chat.NotFound("conversation", m.ConversationID)
	}
	return t.GetMessage(ctx, id)
}

func (t *tx) UpdateMessageContent(ctx context.Context, id int64, content string, editedAt time.Time) (chat.Message, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND deleted_at IS NULL`, id, content, editedAt)
	if err != nil {
		return chat.Message{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, chat.NotFound("message", id)
	}
	return t.GetMessage(ctx, id)
}

func (t *tx) SoftDeleteMessage(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE messages SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.NotFound("message", id)
	}
	return nil
}

func (t *tx) RecomputeLastMessage(ctx context.Context, conversationID int64) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE conversations c SET last_message_id = latest.id, last_message_at = latest.created_at
		FROM (SELECT $1::bigint AS conversation_id) target
		LEFT JOIN LATERAL (
			SELECT id, created_at FROM messages
			WHERE conversation_id = target.conversation_id AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC LIMIT 1
		) latest ON TRUE
		WHERE c.id = target.conversation_id`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.NotFound("conversation", conversationID)
	}
	return nil
}

func (t *tx) UpsertReaction(ctx context.Context, r chat.Reaction) (chat.Reaction, bool, error) {
	if _, err := t.GetMessage(ctx, r.MessageID); err != nil {
		return chat.Reaction{}, false, err
	}
	var created bool
	err := t.q.QueryRowContext(ctx, `
		WITH ins AS (
			INSERT INTO message_reactions (message_id, user_id, emoji) VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING
			RETURNING id, created_at
		)
		SELECT id, created_at, TRUE FROM ins
		UNION ALL
		SELECT id, created_at, FALSE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3 AND NOT EXISTS (SELECT 1 FROM ins)`,
		r.MessageID, r.UserID, r.Emoji).Scan(&r.ID, &r.CreatedAt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot.
		err = t.q.QueryRowContext(ctx, `
			SELECT id, created_at FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
			r.MessageID, r.UserID, r.Emoji).Scan(&r.ID, &r.CreatedAt)
	}
	if err != nil {
		return chat.Reaction{}, false, err
	}
	var name string
	var avatar sql.NullString
	if err := t.q.QueryRowContext(ctx, `SELECT name, avatar FROM users WHERE id = $1`, r.UserID).Scan(&name, &avatar); err == nil {
		r.User = &chat.UserSummary{ID: r.UserID, Name: name, Avatar: avatar.String}
	}
	return r, created, nil
}

func (t *tx) DeleteReaction(ctx context.Context, messageID, userID int64, emoji string) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *tx) MarkRead(ctx context.Context, conversationID, userID int64, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE conversation_participants SET last_read_at = $3 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.NotFound("participant", userID)
	}
	return nil
}
