package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	LeaseBucket = "cleanup_lease"
	LeaseKey    = "scheduler"
)

// LeaseTTL sizes the lease for a schedule with the given period: three
// periods, so one slow run and a missed renewal do not hand the lease over,
// and never below floor.
func LeaseTTL(period, floor time.Duration) time.Duration {
	if ttl := 3 * period; ttl > floor {
		return ttl
	}
	return floor
}

// CronPeriod is the gap between the next two ticks of expr, used to size
// the lease when the scheduler runs on cron.
func CronPeriod(expr string, now time.Time) (time.Duration, error) {
	first, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return 0, err
	}
	second, err := gronx.NextTickAfter(expr, first, false)
	if err != nil {
		return 0, err
	}
	return second.Sub(first), nil
}

// Lease is the cleanup scheduler's claim on a JetStream KV key. While the
// key holds this instance's id the lease is held; each renewal is a
// compare-and-set on the revision last written, so a lease that lapsed and
// was taken by another instance can never be renewed.
//
// Every held stretch is a term with its own context. The term ends when a
// renewal fails, when the local expiry timer fires before a renewal lands,
// or on shutdown, and runs started under it see their context cancelled.
type Lease struct {
	kv     jetstream.KeyValue
	holder string
	ttl    time.Duration
	renew  time.Duration

	mu       sync.Mutex
	revision uint64
	term     context.Context
	endTerm  context.CancelFunc
	expiry   *time.Timer
}

// NewLease creates the lease bucket with ttl as the key lifetime.
func NewLease(ctx context.Context, js jetstream.JetStream, ttl time.Duration) (*Lease, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  LeaseBucket,
		History: 1,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create lease bucket: %w", err)
	}
	return newLease(kv, ttl), nil
}

func newLease(kv jetstream.KeyValue, ttl time.Duration) *Lease {
	return &Lease{kv: kv, holder: uuid.NewString(), ttl: ttl, renew: ttl / 3}
}

func (l *Lease) Holder() string { return l.holder }

// Held reports whether a term is open.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revision != 0
}

// Hold returns a context bound to both ctx and the current term. ok is
// false when no term is open. release must be called when the run ends.
func (l *Lease) Hold(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	l.mu.Lock()
	term := l.term
	held := l.revision != 0
	l.mu.Unlock()
	if !held {
		return nil, func() {}, false
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(term, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}, true
}

// Run claims and renews the lease until ctx is done, then gives it up.
func (l *Lease) Run(ctx context.Context) {
	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()
	l.step(ctx)
	for {
		select {
		case <-ctx.Done():
			l.surrender()
			return
		case <-ticker.C:
			l.step(ctx)
		}
	}
}

func (l *Lease) step(ctx context.Context) {
	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()
	if rev == 0 {
		l.claim(ctx)
		return
	}
	l.extend(ctx, rev)
}

func (l *Lease) claim(ctx context.Context) {
	rev, err := l.kv.Create(ctx, LeaseKey, []byte(l.holder))
	if errors.Is(err, jetstream.ErrKeyExists) {
		slog.DebugContext(ctx, "Cleanup lease held elsewhere")
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to claim cleanup lease", "error", err)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revision = rev
	l.term, l.endTerm = context.WithCancel(context.Background())
	l.expiry = time.AfterFunc(l.ttl, func() { l.lapse(rev) })
	slog.InfoContext(ctx, "Cleanup lease acquired", "holder", l.holder, "ttl", l.ttl)
}

func (l *Lease) extend(ctx context.Context, rev uint64) {
	next, err := l.kv.Update(ctx, LeaseKey, []byte(l.holder), rev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revision != rev {
		return
	}
	if err != nil {
		slog.WarnContext(ctx, "Cleanup lease renewal rejected, ending term", "holder", l.holder, "error", err)
		l.close()
		return
	}
	l.revision = next
	l.expiry.Stop()
	l.expiry = time.AfterFunc(l.ttl, func() { l.lapse(next) })
}

// lapse ends the term when no renewal landed within the TTL. The server
// has dropped the key by then and another instance may hold it.
func (l *Lease) lapse(rev uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.revision != rev {
		return
	}
	slog.Warn("Cleanup lease expired before renewal", "holder", l.holder)
	l.close()
}

// close ends the current term. Callers hold mu.
func (l *Lease) close() {
	l.revision = 0
	if l.expiry != nil {
		l.expiry.Stop()
	}
	if l.endTerm != nil {
		l.endTerm()
	}
}

func (l *Lease) surrender() {
	l.mu.Lock()
	rev := l.revision
	l.close()
	l.mu.Unlock()
	if rev == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.kv.Delete(ctx, LeaseKey, jetstream.LastRevision(rev)); err != nil {
		slog.Debug("Cleanup lease left to expire", "error", err)
		return
	}
	slog.Info("Cleanup lease released", "holder", l.holder)
}
