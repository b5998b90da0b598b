package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/memstore"
)

func newRegistry(t *testing.T) (*Registry, *memstore.Store, *clock.Fake, *events.Recorder) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	db := memstore.New(clk)
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := db.CreateUser(context.Background(), chat.User{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	rec := &events.Recorder{}
	return New(db, rec, WithClock(clk)), db, clk, rec
}

func TestStartThenHeartbeatKeepsOneRow(t *testing.T) {
	r, db, clk, rec := newRegistry(t)
	ctx := context.Background()

	if err := r.StartTyping(ctx, 1, 10); err != nil {
		t.Fatal(err)
	}
	var last time.Time
	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Second)
		r.StartTyping(ctx, 1, 10)
		if ok, err := r.Heartbeat(ctx, 1, 10); err != nil || !ok {
			t.Fatalf("Heartbeat: ok=%v err=%v", ok, err)
		}
		rows, _ := db.ListLiveTyping(ctx, 10, clk.Now())
		if len(rows) != 1 {
			t.Fatalf("Expected exactly one row, got %d", len(rows))
		}
		if rows[0].ExpiresAt.Before(last) {
			t.Errorf("Expected non-decreasing expires_at, %v before %v", rows[0].ExpiresAt, last)
		}
		last = rows[0].ExpiresAt
	}
	if n := rec.Count(events.TypingStart); n != 1 {
		t.Errorf("Expected one TypingStart, got %d", n)
	}
}

func TestHeartbeatWithoutRowIsNoop(t *testing.T) {
	r, _, _, rec := newRegistry(t)
	ok, err := r.Heartbeat(context.Background(), 1, 10)
	if err != nil || ok {
		t.Errorf("Expected no-op heartbeat, got ok=%v err=%v", ok, err)
	}
	if len(rec.Events()) != 0 {
		t.Errorf("Expected no events")
	}
}

func TestStopEmitsOnlyWhenRowRemoved(t *testing.T) {
	r, _, _, rec := newRegistry(t)
	ctx := context.Background()

	r.StopTyping(ctx, 1, 10)
	if len(rec.Events()) != 0 {
		t.Fatalf("Expected no TypingStop without a row")
	}
	r.StartTyping(ctx, 1, 10)
	r.StopTyping(ctx, 1, 10)
	r.StopTyping(ctx, 1, 10)
	if got := rec.Kinds(); len(got) != 2 || got[0] != events.TypingStart || got[1] != events.TypingStop {
		t.Errorf("Expected [start stop], got %v", got)
	}
}

func TestListTypingFiltersExpired(t *testing.T) {
	r, _, clk, _ := newRegistry(t)
	ctx := context.Background()

	r.StartTyping(ctx, 2, 10)
	clk.Advance(10 * time.Second)
	r.StartTyping(ctx, 1, 10)
	r.StartTyping(ctx, 3, 11)

	users, err := r.ListTyping(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].ID != 2 || users[1].ID != 1 {
		t.Fatalf("Expected [2 1] in start order, got %+v", users)
	}

	clk.Advance(20 * time.Second)
	users, _ = r.ListTyping(ctx, 10)
	if len(users) != 1 || users[0].ID != 1 {
		t.Errorf("Expected user 2 expired at exactly TTL, got %+v", users)
	}
	clk.Advance(10 * time.Second)
	users, _ = r.ListTyping(ctx, 10)
	if len(users) != 0 {
		t.Errorf("Expected no typing users, got %+v", users)
	}
}

func TestConcurrentSweepEmitsOneStop(t *testing.T) {
	r, db, clk, rec := newRegistry(t)
	ctx := context.Background()

	r.StartTyping(ctx, 1, 10)
	clk.Advance(DefaultTTL + time.Second)
	rec.Reset()

	other := New(db, rec, WithClock(clk))
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(reg *Registry) {
			defer wg.Done()
			n, err := reg.SweepExpired(ctx)
			if err != nil {
				t.Errorf("SweepExpired: %v", err)
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}([]*Registry{r, other}[i%2])
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("Expected row claimed once, got %d", total)
	}
	if n := rec.Count(events.TypingStop); n != 1 {
		t.Errorf("Expected exactly one TypingStop, got %d", n)
	}
}

func TestRestartAfterUnsweptExpiry(t *testing.T) {
	r, _, clk, rec := newRegistry(t)
	ctx := context.Background()

	r.StartTyping(ctx, 1, 10)
	clk.Advance(DefaultTTL)
	r.StartTyping(ctx, 1, 10)

	want := []events.Kind{events.TypingStart, events.TypingStop, events.TypingStart}
	got := rec.Kinds()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
	if n, _ := r.SweepExpired(ctx); n != 0 {
		t.Errorf("Expected nothing left to sweep, got %d", n)
	}
}

func TestTypingEventsExcludeOrigin(t *testing.T) {
	r, _, _, rec := newRegistry(t)
	ctx := events.WithOriginConn(context.Background(), "conn-a")

	r.StartTyping(ctx, 1, 10)
	evts := rec.Events()
	if len(evts) != 1 || evts[0].ExcludeConn != "conn-a" {
		t.Fatalf("Expected start excluding conn-a, got %+v", evts)
	}
	var p events.TypingPayload
	json.Unmarshal(evts[0].Data, &p)
	if p.User.Name != "alice" || p.ConversationID != 10 {
		t.Errorf("Unexpected payload %+v", p)
	}
}
