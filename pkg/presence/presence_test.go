package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/memstore"
)

type fixture struct {
	clk   *clock.Fake
	db    *memstore.Store
	cache *kvcache.MemoryCache
	rec   *events.Recorder
	ps    *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	db := memstore.New(clk)
	cache := kvcache.NewMemoryCache(DefaultTTL, clk)
	rec := &events.Recorder{}
	for _, name := range []string{"alice", "bob"} {
		if _, err := db.CreateUser(context.Background(), chat.User{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{clk: clk, db: db, cache: cache, rec: rec,
		ps: New(db, cache, rec, WithClock(clk))}
}

func TestSetOnlineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.ps.SetOnline(ctx, 1); err != nil {
			t.Fatalf("SetOnline: %v", err)
		}
	}
	if n := f.rec.Count(events.UserOnline); n != 1 {
		t.Errorf("Expected exactly one UserOnline, got %d", n)
	}
	if !f.ps.IsOnline(ctx, 1) {
		t.Errorf("Expected user 1 online")
	}
	evt := f.rec.Events()[0]
	if evt.Target != events.UserConversations(1) {
		t.Errorf("Expected user-conversations target, got %+v", evt.Target)
	}
}

func TestSetOfflineOnlyOnTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ps.SetOffline(ctx, 1)
	if n := f.rec.Count(events.UserOffline); n != 0 {
		t.Errorf("Expected no UserOffline for an offline user, got %d", n)
	}
	u, _ := f.db.GetUser(ctx, 1)
	if u.LastSeen == nil {
		t.Errorf("Expected last_seen stamped even without a transition")
	}

	f.ps.SetOnline(ctx, 1)
	f.ps.SetOffline(ctx, 1)
	f.ps.SetOffline(ctx, 1)
	if n := f.rec.Count(events.UserOffline); n != 1 {
		t.Errorf("Expected one UserOffline, got %d", n)
	}
	if f.ps.IsOnline(ctx, 1) {
		t.Errorf("Expected user offline after SetOffline")
	}
}

func TestHeartbeatOnOfflineUserTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ps.Heartbeat(ctx, 2)
	f.ps.Heartbeat(ctx, 2)
	if got := f.rec.Kinds(); len(got) != 1 || got[0] != events.UserOnline {
		t.Errorf("Expected a single UserOnline, got %v", got)
	}
}

func TestLapsedTTLReadsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ps.SetOnline(ctx, 1)
	f.clk.Advance(DefaultTTL)
	if f.ps.IsOnline(ctx, 1) {
		t.Errorf("Expected lapsed TTL to read offline before reconcile")
	}
	u, _ := f.db.GetUser(ctx, 1)
	if !u.IsOnline {
		t.Errorf("Expected durable flag untouched until reconcile")
	}
}

func TestIsOnlineFallsBackWhenCacheFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ps.SetOnline(ctx, 1)
	f.cache.SetErr(errors.New("cache down"))

	if !f.ps.IsOnline(ctx, 1) {
		t.Errorf("Expected durable fallback to report online inside TTL")
	}
	f.clk.Advance(DefaultTTL + time.Second)
	if f.ps.IsOnline(ctx, 1) {
		t.Errorf("Expected durable fallback to honour the TTL")
	}
}

func TestReconcileExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ps.SetOnline(ctx, 1)
	f.ps.SetOnline(ctx, 2)
	f.rec.Reset()

	f.clk.Advance(4 * time.Minute)
	f.ps.Heartbeat(ctx, 2)
	f.clk.Advance(2 * time.Minute)

	n, err := f.ps.ReconcileExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 user demoted, got %d", n)
	}
	evts := f.rec.Events()
	if len(evts) != 1 || evts[0].Kind != events.UserOffline || evts[0].Target.UserID != 1 {
		t.Errorf("Expected one UserOffline for user 1, got %+v", evts)
	}
	if n, _ := f.ps.ReconcileExpired(ctx); n != 0 {
		t.Errorf("Expected second reconcile to find nothing, got %d", n)
	}
}

func TestConcurrentReconcileDemotesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.SetOnline(ctx, 1)
	f.rec.Reset()
	f.clk.Advance(DefaultTTL + time.Second)

	// A second store over the same records stands in for another process.
	other := New(f.db, f.cache, f.rec, WithClock(f.clk))
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for _, s := range []*Store{f.ps, other, f.ps, other} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			n, _ := s.ReconcileExpired(ctx)
			mu.Lock()
			total += n
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	if total != 1 {
		t.Errorf("Expected exactly one demotion across reconcilers, got %d", total)
	}
	if n := f.rec.Count(events.UserOffline); n != 1 {
		t.Errorf("Expected exactly one UserOffline, got %d", n)
	}
}

func TestListOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ps.SetOnline(ctx, 1)
	f.ps.SetOnline(ctx, 2)
	f.clk.Advance(4 * time.Minute)
	f.ps.Heartbeat(ctx, 2)
	f.clk.Advance(2 * time.Minute)

	all, err := f.ps.ListOnline(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != 2 {
		t.Errorf("Expected only user 2 online, got %+v", all)
	}

	scoped, _ := f.ps.ListOnline(ctx, []int64{1})
	if len(scoped) != 0 {
		t.Errorf("Expected no online users among [1], got %+v", scoped)
	}
}

func TestUnknownUserReturnsNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.ps.SetOnline(context.Background(), 99)
	if !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if len(f.rec.Events()) != 0 {
		t.Errorf("Expected no events for an unknown user")
	}
}

func TestLastSeenText(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { t := now.Add(-d); return &t }
	tests := []struct {
		name     string
		online   bool
		lastSeen *time.Time
		want     string
	}{
		{"online", true, ago(time.Hour), "Online"},
		{"never", false, nil, "Never seen"},
		{"just now", false, ago(4 * time.Minute), "Just now"},
		{"minutes", false, ago(42 * time.Minute), "42 minutes ago"},
		{"hours", false, ago(5 * time.Hour), "5 hours ago"},
		{"days", false, ago(3 * 24 * time.Hour), "3 days ago"},
		{"date", false, ago(30 * 24 * time.Hour), "Feb 18, 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LastSeenText(tt.online, tt.lastSeen, now); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
