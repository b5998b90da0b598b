// Package notify sends push notifications to conversation participants who
// are offline when a message arrives. Jobs are queued with a short delay and
// re-check presence when they run, so a recipient who comes online in the
// meantime gets the live event instead of a push.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
)

var ErrQueueFull = errors.New("notification queue full")

// Directory is the store access the dispatcher needs.
type Directory interface {
	GetConversation(ctx context.Context, id int64) (chat.Conversation, error)
	ListParticipants(ctx context.Context, conversationID int64) ([]chat.Participant, error)
	GetUser(ctx context.Context, id int64) (chat.User, error)
	GetUsers(ctx context.Context, ids []int64) ([]chat.User, error)
	ClearPushToken(ctx context.Context, token string) (int64, error)
	GetNotificationPreferences(ctx context.Context, userID int64) (chat.NotificationPreferences, error)
}

type OnlineChecker interface {
	IsOnline(ctx context.Context, userID int64) bool
}

// Pusher is the push transport. *fcm.Client implements it.
type Pusher interface {
	Send(ctx context.Context, token string, n fcm.Notification) error
	SendMulticast(ctx context.Context, tokens []string, n fcm.Notification) (fcm.MulticastResult, error)
	SendToTopic(ctx context.Context, topic string, n fcm.Notification) error
	SubscribeTopic(ctx context.Context, token, topic string) error
	UnsubscribeTopic(ctx context.Context, token, topic string) error
	ValidateToken(ctx context.Context, token string) (bool, error)
}

// Queue accepts jobs for later execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Processor runs one job attempt. A nil error means done, an error wrapped
// with backoff.Permanent must not be retried, any other error may be.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// Job is one push notification for one recipient.
type Job struct {
	ID             string           `json:"id"`
	RecipientID    int64            `json:"recipient_id"`
	ConversationID int64            `json:"conversation_id"`
	MessageID      int64            `json:"message_id"`
	Notification   fcm.Notification `json:"notification"`
	NotBefore      time.Time        `json:"not_before"`
	Deadline       time.Time        `json:"deadline"`
}

// Policy controls job timing and retries.
type Policy struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	RetryWindow time.Duration
	ChunkSize   int
}

func DefaultPolicy() Policy {
	return Policy{
		Delay:       2 * time.Second,
		MaxAttempts: 3,
		Backoff:     60 * time.Second,
		RetryWindow: 10 * time.Minute,
		ChunkSize:   fcm.MaxTokensPerRequest,
	}
}

// BackoffFor is the wait after the given failed attempt (1-based), doubling
// each time.
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Backoff << (attempt - 1)
}

type Dispatcher struct {
	dir    Directory
	online OnlineChecker
	queue  Queue
	push   Pusher
	clock  clock.Clock
	policy Policy

	enqueued metric.Int64Counter
	sent     metric.Int64Counter
	skipped  metric.Int64Counter
	failures metric.Int64Counter
}

type Option func(*Dispatcher)

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// New builds a dispatcher. The queue may be set later with SetQueue when
// the queue itself needs the dispatcher as its Processor.
func New(dir Directory, online OnlineChecker, push Pusher, queue Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dir:    dir,
		online: online,
		queue:  queue,
		push:   push,
		clock:  clock.Real{},
		policy: DefaultPolicy(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.policy.ChunkSize <= 0 || d.policy.ChunkSize > fcm.MaxTokensPerRequest {
		d.policy.ChunkSize = fcm.MaxTokensPerRequest
	}

	meter := otel.Meter("notify")
	d.enqueued, _ = meter.Int64Counter("notify_jobs_enqueued_total",
		metric.WithDescription("Push notification jobs enqueued"))
	d.sent, _ = meter.Int64Counter("notify_sent_total",
		metric.WithDescription("Push notifications delivered to the transport"))
	d.skipped, _ = meter.Int64Counter("notify_skipped_total",
		metric.WithDescription("Jobs skipped at execution, by reason"))
	d.failures, _ = meter.Int64Counter("notify_failures_total",
		metric.WithDescription("Failed push attempts, by kind"))
	return d
}

func (d *Dispatcher) SetQueue(q Queue) { d.queue = q }

func (d *Dispatcher) Policy() Policy { return d.policy }

// OnMessageSent is the bus listener form of HandleMessageSent.
func (d *Dispatcher) OnMessageSent(ctx context.Context, evt events.Event) {
	if _, err := d.HandleMessageSent(ctx, evt); err != nil {
		slog.ErrorContext(ctx, "Failed to dispatch offline notifications", "event", evt.ID, "error", err)
	}
}

// HandleMessageSent enqueues one job per offline participant with a push
// token and returns how many were enqueued.
func (d *Dispatcher) HandleMessageSent(ctx context.Context, evt events.Event) (int, error) {
	if evt.Kind != events.MessageSent {
		return 0, nil
	}
	var p events.MessagePayload
	if err := json.Unmarshal(evt.Data, &p); err != nil {
		return 0, fmt.Errorf("decode message payload: %w", err)
	}
	return d.Notify(ctx, p.Message)
}

// Notify is HandleMessageSent for an already decoded message.
func (d *Dispatcher) Notify(ctx context.Context, m chat.Message) (int, error) {
	conv, err := d.dir.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}
	parts, err := d.dir.ListParticipants(ctx, m.ConversationID)
	if err != nil {
		return 0, fmt.Errorf("load participants: %w", err)
	}
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if p.UserID != m.UserID {
			ids = append(ids, p.UserID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	recipients, err := d.dir.GetUsers(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load recipients: %w", err)
	}

	sender := d.senderName(ctx, m)
	n := BuildNotification(conv, m, sender)
	now := d.clock.Now()

	count := 0
	for _, u := range recipients {
		if u.PushToken == "" || d.online.IsOnline(ctx, u.ID) {
			continue
		}
		if !d.shouldSend(ctx, u.ID, conv) {
			d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "preferences")))
			continue
		}
		job := Job{
			ID:             uuid.NewString(),
			RecipientID:    u.ID,
			ConversationID: conv.ID,
			MessageID:      m.ID,
			Notification:   n,
			NotBefore:      now.Add(d.policy.Delay),
			Deadline:       now.Add(d.policy.RetryWindow),
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			slog.ErrorContext(ctx, "Failed to enqueue notification job", "user", u.ID, "message", m.ID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		d.enqueued.Add(ctx, int64(count))
		slog.InfoContext(ctx, "Offline notification jobs dispatched", "message", m.ID, "conversation", conv.ID, "jobs", count)
	}
	return count, nil
}

// shouldSend applies the recipient's notification preferences. Group
// messages need both the message and the group switch.
func (d *Dispatcher) shouldSend(ctx context.Context, userID int64, conv chat.Conversation) bool {
	prefs, err := d.dir.GetNotificationPreferences(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load notification preferences, using defaults", "user", userID, "error", err)
		prefs = chat.DefaultNotificationPreferences()
	}
	if !prefs.Allows(chat.PrefMessages) {
		return false
	}
	return conv.Type != chat.ConversationGroup || prefs.Allows(chat.PrefGroupMessages)
}

func (d *Dispatcher) senderName(ctx context.Context, m chat.Message) string {
	if m.User != nil && m.User.Name != "" {
		return m.User.Name
	}
	u, err := d.dir.GetUser(ctx, m.UserID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to load sender", "user", m.UserID, "error", err)
		return ""
	}
	return u.Name
}

// BuildNotification renders the push payload for a message.
func BuildNotification(conv chat.Conversation, m chat.Message, senderName string) fcm.Notification {
	title := conv.Name
	if title == "" {
		title = senderName
	}
	return fcm.Notification{
		Title:       title,
		Body:        FormatContent(m),
		ClickAction: fcm.DefaultClickAction,
		Data: map[string]string{
			"type":              "message",
			"conversation_id":   strconv.FormatInt(conv.ID, 10),
			"message_id":        strconv.FormatInt(m.ID, 10),
			"sender_id":         strconv.FormatInt(m.UserID, 10),
			"sender_name":       senderName,
			"conversation_name": conv.Name,
			"click_action":      fcm.DefaultClickAction,
		},
	}
}

func FormatContent(m chat.Message) string {
	switch m.Type {
	case chat.MessageImage:
		return "📷 Sent an image"
	case chat.MessageFile:
		return "📎 Sent a file"
	}
	return m.Content
}

// Process runs one attempt of job. Recipients who came online since the job
// was queued, or who no longer have a token, are skipped.
func (d *Dispatcher) Process(ctx context.Context, job Job) error {
	if d.online.IsOnline(ctx, job.RecipientID) {
		d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "online")))
		slog.DebugContext(ctx, "Recipient came online, skipping push", "user", job.RecipientID, "job", job.ID)
		return nil
	}
	u, err := d.dir.GetUser(ctx, job.RecipientID)
	if errors.Is(err, chat.ErrNotFound) {
		d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "missing_user")))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if u.PushToken == "" {
		d.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "no_token")))
		return nil
	}

	err = d.push.Send(ctx, u.PushToken, job.Notification)
	if err == nil {
		d.sent.Add(ctx, 1)
		slog.InfoContext(ctx, "Push notification sent", "user", u.ID, "message", job.MessageID, "token", fcm.Mask(u.PushToken))
		return nil
	}

	kind := fcm.KindOf(err)
	d.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
	switch kind {
	case fcm.TokenInvalid:
		d.clearToken(ctx, u.PushToken)
		return backoff.Permanent(err)
	case fcm.Permanent:
		return backoff.Permanent(err)
	}
	return err
}

func (d *Dispatcher) clearToken(ctx context.Context, token string) {
	n, err := d.dir.ClearPushToken(ctx, token)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to clear invalid push token", "token", fcm.Mask(token), "error", err)
		return
	}
	if n > 0 {
		slog.InfoContext(ctx, "Removed invalid push token", "token", fcm.Mask(token), "users", n)
	}
}

// BulkResult aggregates a SendBulk run.
type BulkResult struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// SendBulk sends n to every token in chunks. A chunk that fails as a whole
// counts every token in it as failed and does not stop the remaining chunks.
func (d *Dispatcher) SendBulk(ctx context.Context, tokens []string, n fcm.Notification) BulkResult {
	var res BulkResult
	size := d.policy.ChunkSize
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		chunk := tokens[start:end]
		mr, err := d.push.SendMulticast(ctx, chunk, n)
		if err != nil {
			slog.ErrorContext(ctx, "Bulk notification chunk failed", "tokens", len(chunk), "error", err)
			res.Failure += len(chunk)
			continue
		}
		res.Success += mr.Success
		res.Failure += mr.Failure
		for _, tok := range mr.Invalid {
			d.clearToken(ctx, tok)
		}
	}
	slog.InfoContext(ctx, "Bulk notification completed", "total_tokens", len(tokens), "success", res.Success, "failure", res.Failure)
	return res
}

var topicPattern = regexp.MustCompile(`^[a-zA-Z0-9\-_.~%]{1,100}$`)

func validTopic(topic string) error {
	if !topicPattern.MatchString(topic) {
		return chat.Invalid("topic", "must be 1-100 characters of letters, digits and -_.~%")
	}
	return nil
}

// tokenFor returns token, or the user's registered token when empty.
func (d *Dispatcher) tokenFor(ctx context.Context, userID int64, token string) (string, error) {
	if token != "" {
		return token, nil
	}
	u, err := d.dir.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.PushToken == "" {
		return "", chat.Invalid("token", "no push token registered")
	}
	return u.PushToken, nil
}

func (d *Dispatcher) SubscribeTopic(ctx context.Context, userID int64, topic, token string) error {
	if err := validTopic(topic); err != nil {
		return err
	}
	tok, err := d.tokenFor(ctx, userID, token)
	if err != nil {
		return err
	}
	return d.push.SubscribeTopic(ctx, tok, topic)
}

func (d *Dispatcher) UnsubscribeTopic(ctx context.Context, userID int64, topic, token string) error {
	if err := validTopic(topic); err != nil {
		return err
	}
	tok, err := d.tokenFor(ctx, userID, token)
	if err != nil {
		return err
	}
	return d.push.UnsubscribeTopic(ctx, tok, topic)
}

// SendToTopic publishes a notification to a topic, tagging the data with
// the topic name.
func (d *Dispatcher) SendToTopic(ctx context.Context, topic string, n fcm.Notification) error {
	if err := validTopic(topic); err != nil {
		return err
	}
	n.Data = withData(n.Data, map[string]string{"type": "topic", "topic": topic, "click_action": fcm.DefaultClickAction})
	return d.push.SendToTopic(ctx, topic, n)
}

// SendTest pushes a test notification straight to a user's device,
// bypassing presence and the queue.
func (d *Dispatcher) SendTest(ctx context.Context, userID int64, n fcm.Notification, token string) error {
	v := &chat.ValidationError{}
	if n.Title == "" || len(n.Title) > 100 {
		v.Add("title", "is required and at most 100 characters")
	}
	if n.Body == "" || len(n.Body) > 500 {
		v.Add("body", "is required and at most 500 characters")
	}
	if err := v.Err(); err != nil {
		return err
	}
	tok, err := d.tokenFor(ctx, userID, token)
	if err != nil {
		return err
	}
	n.Data = withData(n.Data, map[string]string{"type": "test", "click_action": fcm.DefaultClickAction})
	if err := d.push.Send(ctx, tok, n); err != nil {
		if fcm.KindOf(err) == fcm.TokenInvalid {
			d.clearToken(ctx, tok)
		}
		return err
	}
	return nil
}

// ValidateToken checks token, or the user's registered token when empty, with
// a dry-run send. A token FCM rejects is cleared from the store.
func (d *Dispatcher) ValidateToken(ctx context.Context, userID int64, token string) (bool, error) {
	tok, err := d.tokenFor(ctx, userID, token)
	if err != nil {
		return false, err
	}
	valid, err := d.push.ValidateToken(ctx, tok)
	if err != nil {
		return false, err
	}
	if !valid {
		d.clearToken(ctx, tok)
	}
	slog.InfoContext(ctx, "Push token validated", "user", userID, "token", fcm.Mask(tok), "valid", valid)
	return valid, nil
}

func withData(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
