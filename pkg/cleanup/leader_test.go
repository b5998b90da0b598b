package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeKV keeps one key with a revision, enough for the lease protocol.
type fakeKV struct {
	jetstream.KeyValue

	mu        sync.Mutex
	value     string
	revision  uint64
	updateErr error
}

func (kv *fakeKV) Create(_ context.Context, _ string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.value != "" {
		return 0, jetstream.ErrKeyExists
	}
	kv.value = string(value)
	kv.revision++
	return kv.revision, nil
}

func (kv *fakeKV) Update(_ context.Context, _ string, value []byte, last uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.updateErr != nil {
		return 0, kv.updateErr
	}
	if last != kv.revision {
		return 0, errors.New("wrong last sequence")
	}
	kv.value = string(value)
	kv.revision++
	return kv.revision, nil
}

func (kv *fakeKV) Delete(_ context.Context, _ string, _ ...jetstream.KVDeleteOpt) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.value = ""
	return nil
}

func (kv *fakeKV) holder() string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.value
}

func TestLeaseTTL(t *testing.T) {
	tests := []struct {
		period, floor, want time.Duration
	}{
		{15 * time.Second, 30 * time.Second, 45 * time.Second},
		{time.Second, 30 * time.Second, 30 * time.Second},
		{time.Minute, 0, 3 * time.Minute},
	}
	for _, tt := range tests {
		if got := LeaseTTL(tt.period, tt.floor); got != tt.want {
			t.Errorf("LeaseTTL(%v, %v): expected %v, got %v", tt.period, tt.floor, tt.want, got)
		}
	}
	period, err := CronPeriod("*/5 * * * *", time.Date(2024, 3, 1, 12, 1, 0, 0, time.UTC))
	if err != nil || period != 5*time.Minute {
		t.Errorf("Expected a 5m cron period, got %v (%v)", period, err)
	}
}

func TestLeaseClaimRenewAndRelease(t *testing.T) {
	kv := &fakeKV{}
	l := newLease(kv, time.Minute)
	ctx := context.Background()

	if _, _, ok := l.Hold(ctx); ok {
		t.Fatal("Expected no lease before claiming")
	}
	l.step(ctx)
	if !l.Held() || kv.holder() != l.Holder() {
		t.Fatalf("Expected lease claimed by %s, key holds %q", l.Holder(), kv.holder())
	}
	l.step(ctx)
	if !l.Held() || kv.revision != 2 {
		t.Errorf("Expected renewal to advance the revision, got %d", kv.revision)
	}

	other := newLease(kv, time.Minute)
	other.step(ctx)
	if other.Held() {
		t.Error("Expected a second instance to stay without the lease")
	}

	runCtx, release, ok := l.Hold(ctx)
	if !ok {
		t.Fatal("Expected to hold the lease")
	}
	defer release()
	l.surrender()
	if runCtx.Err() == nil {
		t.Error("Expected runs to be cancelled when the lease is released")
	}
	if kv.holder() != "" {
		t.Errorf("Expected key removed on release, got %q", kv.holder())
	}
}

func TestLeaseEndsTermWhenRenewalFails(t *testing.T) {
	kv := &fakeKV{}
	l := newLease(kv, time.Minute)
	ctx := context.Background()
	l.step(ctx)

	runCtx, release, ok := l.Hold(ctx)
	if !ok {
		t.Fatal("Expected to hold the lease")
	}
	defer release()
	kv.updateErr = errors.New("wrong last sequence")
	l.step(ctx)

	if l.Held() {
		t.Error("Expected lease dropped after a rejected renewal")
	}
	if runCtx.Err() == nil {
		t.Error("Expected the running pass to see its context cancelled")
	}
}

func TestLeaseLapsesWithoutRenewal(t *testing.T) {
	l := newLease(&fakeKV{}, 20*time.Millisecond)
	l.step(context.Background())
	runCtx, release, ok := l.Hold(context.Background())
	if !ok {
		t.Fatal("Expected to hold the lease")
	}
	defer release()

	select {
	case <-runCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the term to end at the TTL")
	}
	if l.Held() {
		t.Error("Expected lease no longer held after lapsing")
	}
}
