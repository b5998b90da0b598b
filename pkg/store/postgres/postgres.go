// Package postgres implements store.Store on PostgreSQL through lib/pq,
// with otelsql tracing every query.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
)

//go:embed schema.sql
var schema string

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a store.Store backed by a *sql.DB.
type Store struct {
	reader
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Connect opens dsn with otelsql and pings until the database answers or
// attempts run out, sleeping wait between tries.
func Connect(ctx context.Context, dsn string, attempts int, wait time.Duration) (*Store, error) {
	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{reader: reader{q: db}, db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&tx{reader: reader{q: sqlTx}}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.WarnContext(ctx, "Failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Users

const userColumns = `id, name, email, avatar, is_online, last_seen, push_token, created_at`

func scanUser(sc interface{ Scan(...any) error }) (chat.User, error) {
	var u chat.User
	var email, avatar, token sql.NullString
	var lastSeen sql.NullTime
	err := sc.Scan(&u.ID, &u.Name, &email, &avatar, &u.IsOnline, &lastSeen, &token, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	u.Email, u.Avatar, u.PushToken = email.String, avatar.String, token.String
	u.LastSeen = timePtr(lastSeen)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u chat.User) (chat.User, error) {
	if u.Name == "" {
		return chat.User{}, chat.Invalid("name", "is required")
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name, email, avatar, push_token) VALUES ($1, $2, $3, $4)
		 RETURNING `+userColumns,
		u.Name, nullString(u.Email), nullString(u.Avatar), nullString(u.PushToken))
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (chat.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, chat.NotFound("user", id)
	}
	return u, err
}

func (s *Store) GetUsers(ctx context.Context, ids []int64) ([]chat.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) SetPushToken(ctx context.Context, userID int64, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET push_token = $2 WHERE id = $1`, userID, nullString(token))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.NotFound("user", userID)
	}
	return nil
}

func (s *Store) ClearPushToken(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET push_token = NULL WHERE push_token = $1`, token)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) GetNotificationPreferences(ctx context.Context, userID int64) (chat.NotificationPreferences, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT p.preferences FROM users u
		LEFT JOIN notification_preferences p ON p.user_id = u.id
		WHERE u.id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.NotificationPreferences{}, chat.NotFound("user", userID)
	}
	if err != nil {
		return chat.NotificationPreferences{}, err
	}
	prefs := chat.DefaultNotificationPreferences()
	if raw == nil {
		return prefs, nil
	}
	// Keys missing from an older row keep their default.
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return chat.NotificationPreferences{}, fmt.Errorf("decode preferences of user %d: %w", userID, err)
	}
	return prefs, nil
}

func (s *Store) SetNotificationPreferences(ctx context.Context, userID int64, p chat.NotificationPreferences) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, preferences) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET preferences = EXCLUDED.preferences, updated_at = now()`,
		userID, string(raw))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return chat.NotFound("user", userID)
	}
	return err
}

// Presence

func (s *Store) MarkOnline(ctx context.Context, userID int64, at time.Time) (bool, error) {
	was, err := s.setOnline(ctx, userID, true, at)
	if err != nil {
		return false, err
	}
	return !was, nil
}

func (s *Store) MarkOffline(ctx context.Context, userID int64, at time.Time) (bool, error) {
	return s.setOnline(ctx, userID, false, at)
}

// setOnline returns the previous is_online value. The locked sub-select
// makes the read of the old value and the write one step.
func (s *Store) setOnline(ctx context.Context, userID int64, online bool, at time.Time) (bool, error) {
	var was bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE users u SET is_online = $2, last_seen = $3
		FROM (SELECT id, is_online FROM users WHERE id = $1 FOR UPDATE) old
		WHERE u.id = old.id
		RETURNING old.is_online`, userID, online, at).Scan(&was)
	if errors.Is(err, sql.ErrNoRows) {
		return false, chat.NotFound("user", userID)
	}
	return was, err
}

func (s *Store) DemoteIfStale(ctx context.Context, userID int64, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_online = FALSE
		WHERE id = $1 AND is_online AND (last_seen IS NULL OR last_seen < $2)`, userID, cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ListOnlineUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE is_online ORDER BY id`)
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

// Typing

const typingColumns = `conversation_id, user_id, is_typing, session_id, started_at, expires_at`

func scanTyping(sc interface{ Scan(...any) error }) (chat.TypingIndicator, error) {
	var t chat.TypingIndicator
	err := sc.Scan(&t.ConversationID, &t.UserID, &t.IsTyping, &t.SessionID, &t.StartedAt, &t.ExpiresAt)
	return t, err
}

func (s *Store) UpsertTyping(ctx context.Context, conversationID, userID int64, sessionID string, now, expiresAt time.Time) (store.TypingUpsert, error) {
	var res store.TypingUpsert
	var oldSession sql.NullString
	var oldStarted, oldExpires sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		WITH old AS (
			SELECT session_id, started_at, expires_at FROM typing_indicators
			WHERE conversation_id = $1 AND user_id = $2 FOR UPDATE
		)
		INSERT INTO typing_indicators AS t (`+typingColumns+`)
		VALUES ($1, $2, TRUE, $3, $4, $5)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			is_typing  = TRUE,
			session_id = CASE WHEN t.expires_at <= $4 THEN EXCLUDED.session_id ELSE t.session_id END,
			started_at = CASE WHEN t.expires_at <= $4 THEN EXCLUDED.started_at ELSE t.started_at END,
			expires_at = CASE WHEN t.expires_at <= $4 THEN EXCLUDED.expires_at
			                  ELSE GREATEST(t.expires_at, EXCLUDED.expires_at) END
		RETURNING t.conversation_id, t.user_id, t.is_typing, t.session_id, t.started_at, t.expires_at,
			(SELECT session_id FROM old), (SELECT started_at FROM old), (SELECT expires_at FROM old)`,
		conversationID, userID, sessionID, now, expiresAt)
	err := row.Scan(&res.Row.ConversationID, &res.Row.UserID, &res.Row.IsTyping, &res.Row.SessionID,
		&res.Row.StartedAt, &res.Row.ExpiresAt, &oldSession, &oldStarted, &oldExpires)
	if err != nil {
		return res, err
	}
	res.Started = res.Row.SessionID == sessionID
	if res.Started && oldSession.Valid && oldSession.String != sessionID {
		res.Replaced = &chat.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       true,
			SessionID:      oldSession.String,
			StartedAt:      oldStarted.Time,
			ExpiresAt:      oldExpires.Time,
		}
	}
	return res, nil
}

func (s *Store) ExtendTyping(ctx context.Context, conversationID, userID int64, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE typing_indicators SET expires_at = GREATEST(expires_at, $4)
		WHERE conversation_id = $1 AND user_id = $2 AND expires_at > $3`,
		conversationID, userID, now, expiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) DeleteTyping(ctx context.Context, conversationID, userID int64) (*chat.TypingIndicator, error) {
	t, err := scanTyping(s.db.QueryRowContext(ctx, `
		DELETE FROM typing_indicators WHERE conversation_id = $1 AND user_id = $2
		RETURNING `+typingColumns, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListLiveTyping(ctx context.Context, conversationID int64, now time.Time) ([]chat.TypingIndicator, error) {
	return s.queryTyping(ctx, `
		SELECT `+typingColumns+` FROM typing_indicators
		WHERE conversation_id = $1 AND is_typing AND expires_at > $2
		ORDER BY started_at, user_id`, conversationID, now)
}

func (s *Store) ClaimExpiredTyping(ctx context.Context, now time.Time) ([]chat.TypingIndicator, error) {
	rows, err := s.queryTyping(ctx, `
		DELETE FROM typing_indicators WHERE expires_at <= $1
		RETURNING `+typingColumns, now)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Store) queryTyping(ctx context.Context, query string, args ...any) ([]chat.TypingIndicator, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chat.TypingIndicator
	for rows.Next() {
		t, err := scanTyping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
