package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/clock"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/memstore"
)

type fixture struct {
	svc *Service
	db  *memstore.Store
	rec *events.Recorder
	clk *clock.Fake
}

// newFixture creates alice(1), bob(2), carol(3) and mallory(4).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	db := memstore.New(clk)
	for _, name := range []string{"alice", "bob", "carol", "mallory"} {
		if _, err := db.CreateUser(context.Background(), chat.User{Name: name}); err != nil {
			t.Fatal(err)
		}
	}
	rec := &events.Recorder{}
	return &fixture{svc: New(db, rec, WithClock(clk)), db: db, rec: rec, clk: clk}
}

func (f *fixture) group(t *testing.T, members ...int64) ConversationView {
	t.Helper()
	v, _, err := f.svc.CreateConversation(context.Background(), 1, NewConversation{Type: chat.ConversationGroup, Name: "Team", ParticipantIDs: members})
	if err != nil {
		t.Fatalf("Failed to create group: %v", err)
	}
	f.rec.Reset()
	return v
}

func (f *fixture) send(t *testing.T, user, conv int64, content string) chat.Message {
	t.Helper()
	m, err := f.svc.SendMessage(context.Background(), user, conv, NewMessage{Content: content})
	if err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	f.clk.Advance(time.Second)
	return m
}

func TestCreateConversationValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   NewConversation
	}{
		{"bad type", NewConversation{Type: "channel", ParticipantIDs: []int64{2}}},
		{"group without name", NewConversation{Type: chat.ConversationGroup, ParticipantIDs: []int64{2}}},
		{"long name", NewConversation{Type: chat.ConversationGroup, Name: strings.Repeat("x", 256), ParticipantIDs: []int64{2}}},
		{"no participants", NewConversation{Type: chat.ConversationGroup, Name: "x"}},
		{"direct with two others", NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{2, 3}}},
		{"direct with self", NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{1}}},
		{"unknown user", NewConversation{Type: chat.ConversationGroup, Name: "x", ParticipantIDs: []int64{99}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.CreateConversation(ctx, 1, tt.in)
			if !errors.Is(err, chat.ErrValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateConversationDirectIsReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.CreateConversation(ctx, 1, NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{2}})
	if err != nil || !created {
		t.Fatalf("Expected new direct conversation, got created=%v err=%v", created, err)
	}
	if len(first.Participants) != 2 {
		t.Errorf("Expected 2 participants, got %d", len(first.Participants))
	}
	// Reversed roles still find the same conversation.
	second, created, err := f.svc.CreateConversation(ctx, 2, NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{1}})
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("Expected existing conversation %d, got %d (created=%v)", first.ID, second.ID, created)
	}
}

func TestConcurrentDirectCreationYieldsOneConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan int64, 10)
	for i := 0; i < 10; i++ {
		creator, other := int64(1), int64(2)
		if i%2 == 1 {
			creator, other = other, creator
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := f.svc.CreateConversation(ctx, creator, NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{other}})
			if err != nil {
				t.Errorf("Expected direct creation to succeed, got %v", err)
				return
			}
			ids <- v.ID
		}()
	}
	wg.Wait()
	close(ids)
	seen := map[int64]bool{}
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Errorf("Expected one direct conversation, got %v", seen)
	}
}

func TestCreateGroupMakesCreatorAdmin(t *testing.T) {
	f := newFixture(t)
	v := f.group(t, 2, 3, 2)

	if len(v.Participants) != 3 {
		t.Fatalf("Expected 3 participants, got %d", len(v.Participants))
	}
	for _, p := range v.Participants {
		if p.IsAdmin != (p.UserID == 1) {
			t.Errorf("Expected only the creator to be admin, user %d admin=%v", p.UserID, p.IsAdmin)
		}
	}
}

func TestSendMessageBroadcastsToOthers(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	ctx := events.WithOriginConn(context.Background(), "conn-alice")

	m, err := f.svc.SendMessage(ctx, 1, conv.ID, NewMessage{Content: "hello", Metadata: json.RawMessage(`{"k":"v"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if m.Type != chat.MessageText || m.User == nil || m.User.Name != "alice" {
		t.Errorf("Expected hydrated text message, got %+v", m)
	}

	evts := f.rec.Events()
	if len(evts) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(evts))
	}
	if evts[0].Kind != events.MessageSent || evts[0].ExcludeConn != "conn-alice" {
		t.Errorf("Expected message.sent excluding conn-alice, got %s excluding %q", evts[0].Kind, evts[0].ExcludeConn)
	}
	if evts[0].Target != events.Conversation(conv.ID) {
		t.Errorf("Expected conversation target, got %+v", evts[0].Target)
	}

	got, _ := f.db.GetConversation(context.Background(), conv.ID)
	if got.LastMessageID == nil || *got.LastMessageID != m.ID {
		t.Errorf("Expected last message %d, got %v", m.ID, got.LastMessageID)
	}
}

func TestSendMessageRules(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    int64
		in      NewMessage
		wantErr error
	}{
		{"outsider", 4, NewMessage{Content: "hi"}, chat.ErrUnauthorized},
		{"empty", 1, NewMessage{Content: "   "}, chat.ErrValidation},
		{"too long", 1, NewMessage{Content: strings.Repeat("a", MaxContentLength+1)}, chat.ErrValidation},
		{"bad type", 1, NewMessage{Content: "hi", Type: "video"}, chat.ErrValidation},
		{"bad metadata", 1, NewMessage{Content: "hi", Metadata: json.RawMessage(`[1]`)}, chat.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SendMessage(ctx, tt.user, conv.ID, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if n := len(f.rec.Events()); n != 0 {
		t.Errorf("Expected no events from rejected sends, got %d", n)
	}
	if _, err := f.svc.SendMessage(ctx, 1, 99, NewMessage{Content: "hi"}); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected not found for missing conversation, got %v", err)
	}
}

func TestFailedTransactionEmitsNothing(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	f.db.FailTx = errors.New("commit failed")

	if _, err := f.svc.SendMessage(context.Background(), 1, conv.ID, NewMessage{Content: "lost"}); err == nil {
		t.Fatal("Expected error from failed transaction")
	}
	if n := len(f.rec.Events()); n != 0 {
		t.Errorf("Expected no events after failed commit, got %d", n)
	}
	msgs, _ := f.svc.ListMessages(context.Background(), 1, conv.ID, chat.Page{})
	if len(msgs) != 0 {
		t.Errorf("Expected no stored messages, got %d", len(msgs))
	}
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	m := f.send(t, 1, conv.ID, "draft")
	f.rec.Reset()
	ctx := context.Background()

	if _, err := f.svc.EditMessage(ctx, 2, m.ID, "hijack"); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for non-author, got %v", err)
	}
	got, err := f.svc.EditMessage(ctx, 1, m.ID, "final")
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "final" || got.EditedAt == nil {
		t.Errorf("Expected edited content with timestamp, got %+v", got)
	}
	if kinds := f.rec.Kinds(); len(kinds) != 1 || kinds[0] != events.MessageUpdated {
		t.Errorf("Expected [message.updated], got %v", kinds)
	}
}

func TestDeleteMessageRecomputesLastMessage(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	first := f.send(t, 2, conv.ID, "first")
	second := f.send(t, 2, conv.ID, "second")
	ctx := context.Background()

	if err := f.svc.DeleteMessage(ctx, 3, second.ID); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for outsider, got %v", err)
	}
	// The creator may delete messages of others.
	if err := f.svc.DeleteMessage(ctx, 1, second.ID); err != nil {
		t.Fatal(err)
	}
	c, _ := f.db.GetConversation(ctx, conv.ID)
	if c.LastMessageID == nil || *c.LastMessageID != first.ID {
		t.Errorf("Expected last message %d, got %v", first.ID, c.LastMessageID)
	}

	if err := f.svc.DeleteMessage(ctx, 2, first.ID); err != nil {
		t.Fatal(err)
	}
	c, _ = f.db.GetConversation(ctx, conv.ID)
	if c.LastMessageID != nil {
		t.Errorf("Expected no last message, got %d", *c.LastMessageID)
	}
	if n := f.rec.Count(events.MessageDeleted); n != 2 {
		t.Errorf("Expected 2 message.deleted events, got %d", n)
	}
	if err := f.svc.DeleteMessage(ctx, 2, first.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected not found for deleted message, got %v", err)
	}
}

func TestFormerParticipantCannotChangeOldMessages(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2, 3)
	m := f.send(t, 2, conv.ID, "before leaving")
	ctx := context.Background()

	if err := f.svc.RemoveParticipant(ctx, 2, conv.ID, 2); err != nil {
		t.Fatal(err)
	}
	f.rec.Reset()
	if _, err := f.svc.EditMessage(ctx, 2, m.ID, "after leaving"); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized edit by former participant, got %v", err)
	}
	if err := f.svc.DeleteMessage(ctx, 2, m.ID); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized delete by former participant, got %v", err)
	}
	got, err := f.db.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content != "before leaving" {
		t.Errorf("Expected message untouched, got %q", got.Content)
	}
	if kinds := f.rec.Kinds(); len(kinds) != 0 {
		t.Errorf("Expected no events, got %v", kinds)
	}
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2, 3)
	m := f.send(t, 2, conv.ID, "bye")
	f.svc.AddReaction(context.Background(), 3, m.ID, "👋")
	f.rec.Reset()
	ctx := context.Background()

	if err := f.svc.DeleteConversation(ctx, 2, conv.ID); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized delete by non-creator, got %v", err)
	}
	if err := f.svc.DeleteConversation(ctx, 1, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.GetConversation(ctx, conv.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected conversation gone, got %v", err)
	}
	if _, err := f.db.GetMessage(ctx, m.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected messages gone, got %v", err)
	}
	if ids, _ := f.db.UserConversationIDs(ctx, 2); len(ids) != 0 {
		t.Errorf("Expected bob to have no conversations, got %v", ids)
	}

	evts := f.rec.Events()
	if len(evts) != 3 {
		t.Fatalf("Expected one conversation.deleted per participant, got %d", len(evts))
	}
	for i, evt := range evts {
		if evt.Kind != events.ConversationDeleted || evt.Target != events.User(int64(i+1)) {
			t.Errorf("Expected conversation.deleted to user %d, got %s to %+v", i+1, evt.Kind, evt.Target)
		}
		var data events.ConversationDeletedPayload
		if err := json.Unmarshal(evt.Data, &data); err != nil || data.ConversationID != conv.ID || data.By != 1 {
			t.Errorf("Unexpected payload %s", evt.Data)
		}
	}
	if err := f.svc.DeleteConversation(ctx, 1, conv.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected not found for a deleted conversation, got %v", err)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	for _, c := range []string{"a", "b", "c"} {
		f.send(t, 1, conv.ID, c)
	}
	msgs, err := f.svc.ListMessages(context.Background(), 2, conv.ID, chat.Page{Number: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "b" {
		t.Errorf("Expected [c b], got %+v", msgs)
	}
	if _, err := f.svc.ListMessages(context.Background(), 4, conv.ID, chat.Page{}); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for outsider, got %v", err)
	}
}

func TestReactionToggleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	m := f.send(t, 1, conv.ID, "react to me")
	f.rec.Reset()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.AddReaction(ctx, 2, m.ID, "👍"); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := f.db.GetMessage(ctx, m.ID)
	if len(got.Reactions) != 1 {
		t.Errorf("Expected 1 stored reaction, got %d", len(got.Reactions))
	}
	if n := f.rec.Count(events.ReactionAdded); n != 1 {
		t.Errorf("Expected 1 reaction.added event, got %d", n)
	}

	for i := 0; i < 2; i++ {
		if err := f.svc.RemoveReaction(ctx, 2, m.ID, "👍"); err != nil {
			t.Errorf("Expected removal to succeed, got %v", err)
		}
	}
	if n := f.rec.Count(events.ReactionRemoved); n != 1 {
		t.Errorf("Expected 1 reaction.removed event, got %d", n)
	}

	if _, err := f.svc.AddReaction(ctx, 2, m.ID, ""); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected validation error for empty emoji, got %v", err)
	}
	if _, err := f.svc.AddReaction(ctx, 2, m.ID, strings.Repeat("x", MaxEmojiLength+1)); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected validation error for long emoji, got %v", err)
	}
	if _, err := f.svc.AddReaction(ctx, 4, m.ID, "👍"); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for outsider, got %v", err)
	}
}

func TestConcurrentReactionToggles(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	m := f.send(t, 1, conv.ID, "race")
	f.rec.Reset()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddReaction(ctx, 2, m.ID, "🎉")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Expected concurrent adds to succeed, got %v", err)
		}
	}
	got, _ := f.db.GetMessage(ctx, m.ID)
	if len(got.Reactions) != 1 {
		t.Errorf("Expected 1 stored reaction, got %d", len(got.Reactions))
	}
	if n := f.rec.Count(events.ReactionAdded); n != 1 {
		t.Errorf("Expected 1 reaction.added event, got %d", n)
	}
}

func TestUpdateConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	ctx := context.Background()

	if _, err := f.svc.UpdateConversation(ctx, 2, conv.ID, "Mine"); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for plain member, got %v", err)
	}
	if _, err := f.svc.UpdateConversation(ctx, 1, conv.ID, ""); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected validation error for empty name, got %v", err)
	}
	c, err := f.svc.UpdateConversation(ctx, 1, conv.ID, "Renamed")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Renamed" {
		t.Errorf("Expected name Renamed, got %q", c.Name)
	}
	if kinds := f.rec.Kinds(); len(kinds) != 1 || kinds[0] != events.ConversationUpdated {
		t.Errorf("Expected [conversation.updated], got %v", kinds)
	}
}

func TestParticipantManagement(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	ctx := context.Background()

	if _, err := f.svc.AddParticipants(ctx, 2, conv.ID, []int64{3}, false); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized for plain member, got %v", err)
	}
	v, err := f.svc.AddParticipants(ctx, 1, conv.ID, []int64{3}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Participants) != 3 {
		t.Errorf("Expected 3 participants, got %d", len(v.Participants))
	}
	if _, err := f.svc.AddParticipants(ctx, 1, conv.ID, []int64{3}, false); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected validation error for existing participant, got %v", err)
	}
	if n := f.rec.Count(events.ParticipantAdded); n != 1 {
		t.Errorf("Expected 1 participant.added event, got %d", n)
	}

	if err := f.svc.RemoveParticipant(ctx, 2, conv.ID, 3); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized removal of another user, got %v", err)
	}
	if err := f.svc.RemoveParticipant(ctx, 3, conv.ID, 3); err != nil {
		t.Errorf("Expected self removal to succeed, got %v", err)
	}
	if err := f.svc.RemoveParticipant(ctx, 1, conv.ID, 1); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected creator removal to be rejected, got %v", err)
	}
	if err := f.svc.RemoveParticipant(ctx, 1, conv.ID, 3); !errors.Is(err, chat.ErrNotFound) {
		t.Errorf("Expected not found for absent participant, got %v", err)
	}
	if n := f.rec.Count(events.ParticipantRemoved); n != 1 {
		t.Errorf("Expected 1 participant.removed event, got %d", n)
	}

	direct, _, _ := f.svc.CreateConversation(ctx, 1, NewConversation{Type: chat.ConversationDirect, ParticipantIDs: []int64{4}})
	if _, err := f.svc.AddParticipants(ctx, 1, direct.ID, []int64{3}, false); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected direct conversations to reject new participants, got %v", err)
	}
	if err := f.svc.RemoveParticipant(ctx, 4, direct.ID, 4); !errors.Is(err, chat.ErrValidation) {
		t.Errorf("Expected direct conversations to reject leaving, got %v", err)
	}
	parts, err := f.db.ListParticipants(ctx, direct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Errorf("Expected direct conversation to keep 2 participants, got %d", len(parts))
	}
}

func TestUnreadCountAndMarkAsRead(t *testing.T) {
	f := newFixture(t)
	conv := f.group(t, 2)
	ctx := context.Background()
	f.send(t, 1, conv.ID, "one")
	f.send(t, 1, conv.ID, "two")
	f.send(t, 2, conv.ID, "own")

	if n, _ := f.svc.UnreadCount(ctx, 2, conv.ID); n != 2 {
		t.Errorf("Expected 2 unread, got %d", n)
	}
	if err := f.svc.MarkAsRead(ctx, 2, conv.ID); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.svc.UnreadCount(ctx, 2, conv.ID); n != 0 {
		t.Errorf("Expected 0 unread after read, got %d", n)
	}
	f.clk.Advance(time.Second)
	f.send(t, 1, conv.ID, "three")
	if n, _ := f.svc.UnreadCount(ctx, 2, conv.ID); n != 1 {
		t.Errorf("Expected 1 unread, got %d", n)
	}
	if n, err := f.svc.UnreadCount(ctx, 4, conv.ID); n != 0 || err != nil {
		t.Errorf("Expected 0 for outsider, got %d, %v", n, err)
	}
	if err := f.svc.MarkAsRead(ctx, 4, conv.ID); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized mark as read, got %v", err)
	}
}

func TestListConversationsOrdersByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.group(t, 2)
	b := f.group(t, 2)
	f.send(t, 1, b.ID, "older")
	f.send(t, 1, a.ID, "newer")

	list, err := f.svc.ListConversations(ctx, 2, chat.Page{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != a.ID {
		t.Fatalf("Expected conversation %d first, got %+v", a.ID, list)
	}
	if list[0].LastMessage == nil || list[0].LastMessage.Content != "newer" {
		t.Errorf("Expected last message newer, got %+v", list[0].LastMessage)
	}
	if list[0].UnreadCount != 1 {
		t.Errorf("Expected 1 unread, got %d", list[0].UnreadCount)
	}
	if _, err := f.svc.GetConversation(ctx, 4, a.ID); !errors.Is(err, chat.ErrUnauthorized) {
		t.Errorf("Expected unauthorized get, got %v", err)
	}
}
