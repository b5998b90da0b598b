package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
)

const (
	StreamName   = "NOTIFICATIONS"
	JobSubject   = "notifications.push"
	ConsumerName = "notification-worker"
)

// JetStreamQueue stores jobs in a work-queue stream so they survive worker
// restarts and are shared by every notification worker.
type JetStreamQueue struct {
	js       jetstream.JetStream
	proc     Processor
	policy   Policy
	inFlight int
}

// NewJetStreamQueue ensures the NOTIFICATIONS stream exists. proc may be
// nil for publish-only use.
func NewJetStreamQueue(ctx context.Context, js jetstream.JetStream, proc Processor, policy Policy, inFlight int) (*JetStreamQueue, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"notifications.>"},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     policy.RetryWindow,
		Storage:    jetstream.FileStorage,
		Duplicates: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	if inFlight <= 0 {
		inFlight = 64
	}
	return &JetStreamQueue{js: js, proc: proc, policy: policy, inFlight: inFlight}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	msg := &nats.Msg{Subject: JobSubject, Data: data, Header: otelhelper.InjectContext(ctx, nil)}
	if _, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Run consumes jobs until ctx is done.
func (q *JetStreamQueue) Run(ctx context.Context) error {
	if q.proc == nil {
		return errors.New("jetstream queue has no processor")
	}
	cons, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: JobSubject,
		MaxDeliver:    q.policy.MaxAttempts,
		MaxAckPending: q.inFlight,
		AckWait:       q.policy.Delay + 30*time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		go q.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", StreamName, err)
	}
	slog.InfoContext(ctx, "JetStream consumer ready", "name", ConsumerName)
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (q *JetStreamQueue) handle(ctx context.Context, msg jetstream.Msg) {
	ctx, span := otelhelper.StartConsumerSpan(ctx, msg.Subject(), msg.Headers(), len(msg.Data()), "process notification job")
	defer span.End()

	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.WarnContext(ctx, "Invalid notification job", "error", err)
		span.RecordError(err)
		msg.Term()
		return
	}
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	span.SetAttributes(
		attribute.String("notify.job", job.ID),
		attribute.Int("notify.attempt", attempt),
	)

	if wait := time.Until(job.NotBefore); wait > 0 {
		select {
		case <-ctx.Done():
			msg.Nak()
			return
		case <-time.After(wait):
		}
	}

	err := q.proc.Process(ctx, job)
	switch a, delay := decide(err, attempt, time.Now(), job, q.policy); a {
	case ack:
		msg.Ack()
	case retry:
		slog.WarnContext(ctx, "Notification attempt failed, retrying", "job", job.ID, "attempt", attempt, "retry_in", delay, "error", err)
		msg.NakWithDelay(delay)
	case terminate:
		span.RecordError(err)
		slog.ErrorContext(ctx, "Notification job failed permanently", "job", job.ID, "user", job.RecipientID, "attempts", attempt, "error", err)
		msg.Term()
	}
}

type action int

const (
	ack action = iota
	retry
	terminate
)

// decide maps the result of an attempt to what happens to the stored job.
func decide(err error, attempt int, now time.Time, job Job, p Policy) (action, time.Duration) {
	if err == nil {
		return ack, 0
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return terminate, 0
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return terminate, 0
	}
	delay := p.BackoffFor(attempt)
	if !job.Deadline.IsZero() && now.Add(delay).After(job.Deadline) {
		return terminate, 0
	}
	return retry, delay
}
