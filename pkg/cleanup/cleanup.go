// Package cleanup runs the periodic expiry work: expired typing indicators are
// swept and stale durable presence is demoted.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
)

const DefaultInterval = 15 * time.Second

type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Reconciler interface {
	ReconcileExpired(ctx context.Context) (int, error)
}

// Leader gates ticks when several schedulers run against the same store.
// Hold returns a context that ends with the lease the run was started
// under, or ok=false when this instance holds no lease.
type Leader interface {
	Hold(ctx context.Context) (context.Context, context.CancelFunc, bool)
}

type Result struct {
	TypingCleared   int `json:"typing_cleared"`
	PresenceCleared int `json:"presence_cleared"`
}

type Scheduler struct {
	typing   Sweeper
	presence Reconciler
	interval time.Duration
	cron     string
	leader   Leader

	running atomic.Bool

	runs     metric.Int64Counter
	skipped  metric.Int64Counter
	cleared  metric.Int64Counter
	duration metric.Float64Histogram
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCron replaces the fixed interval with a cron expression.
func WithCron(expr string) Option {
	return func(s *Scheduler) { s.cron = expr }
}

func WithLeader(l Leader) Option {
	return func(s *Scheduler) { s.leader = l }
}

func New(typing Sweeper, presence Reconciler, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{typing: typing, presence: presence, interval: DefaultInterval}
	for _, o := range opts {
		o(s)
	}
	if s.cron != "" && !gronx.IsValid(s.cron) {
		return nil, fmt.Errorf("invalid cleanup cron expression %q", s.cron)
	}

	meter := otel.Meter("cleanup")
	s.runs, _ = meter.Int64Counter("cleanup_runs_total",
		metric.WithDescription("Completed cleanup runs"))
	s.skipped, _ = meter.Int64Counter("cleanup_skipped_total",
		metric.WithDescription("Ticks skipped or cut short, by reason"))
	s.cleared, _ = meter.Int64Counter("cleanup_cleared_total",
		metric.WithDescription("Rows cleared by cleanup, by kind"))
	s.duration, _ = otelhelper.NewDurationHistogram(meter, "cleanup_duration_seconds", "Duration of a cleanup run")
	return s, nil
}

// RunOnce sweeps typing first, then reconciles presence. A failed sweep
// does not stop the reconcile; a cancelled ctx does.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	var typingErr, presenceErr error

	res.TypingCleared, typingErr = s.typing.SweepExpired(ctx)
	if typingErr != nil {
		typingErr = fmt.Errorf("sweep typing: %w", typingErr)
	}
	if err := ctx.Err(); err != nil {
		presenceErr = fmt.Errorf("reconcile presence not started: %w", err)
	} else if res.PresenceCleared, presenceErr = s.presence.ReconcileExpired(ctx); presenceErr != nil {
		presenceErr = fmt.Errorf("reconcile presence: %w", presenceErr)
	}

	s.runs.Add(ctx, 1)
	s.cleared.Add(ctx, int64(res.TypingCleared), metric.WithAttributes(attribute.String("kind", "typing")))
	s.cleared.Add(ctx, int64(res.PresenceCleared), metric.WithAttributes(attribute.String("kind", "presence")))
	s.duration.Record(ctx, time.Since(start).Seconds())

	if res.TypingCleared > 0 || res.PresenceCleared > 0 {
		slog.InfoContext(ctx, "Cleanup run finished", "typing_cleared", res.TypingCleared, "presence_cleared", res.PresenceCleared)
	}
	return res, errors.Join(typingErr, presenceErr)
}

// tick runs one scheduled pass unless another is still running or the
// instance holds no lease. It reports whether a run happened.
func (s *Scheduler) tick(ctx context.Context) bool {
	runCtx := ctx
	if s.leader != nil {
		held, release, ok := s.leader.Hold(ctx)
		if !ok {
			s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "not_leader")))
			return false
		}
		defer release()
		runCtx = held
	}
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "overlap")))
		slog.WarnContext(ctx, "Previous cleanup run still in progress, skipping tick")
		return false
	}
	defer s.running.Store(false)

	_, err := s.RunOnce(runCtx)
	switch {
	case runCtx.Err() != nil && ctx.Err() == nil:
		s.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "lease_lost")))
		slog.WarnContext(ctx, "Cleanup lease ended during run, remaining work left to the new holder", "error", err)
	case err != nil:
		slog.ErrorContext(ctx, "Cleanup run failed", "error", err)
	}
	return true
}

// Run blocks until ctx is done. Each tick runs on its own goroutine so a
// slow run makes later ticks skip instead of queueing.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cron != "" {
		slog.InfoContext(ctx, "Cleanup scheduler started", "cron", s.cron)
		return s.runCron(ctx)
	}
	slog.InfoContext(ctx, "Cleanup scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			go s.tick(ctx)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			return fmt.Errorf("next cleanup tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
			go s.tick(ctx)
		}
	}
}
