package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/eventbus"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/kvcache"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/messaging"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/presence"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/store/memstore"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/typing"
)

const testSecret = "test-secret"

type fakeNotifier struct {
	mu     sync.Mutex
	topics []string
	tests  []fcm.Notification
}

func (f *fakeNotifier) SubscribeTopic(_ context.Context, _ int64, topic, _ string) error {
	if topic == "" {
		return chat.Invalid("topic", "is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeNotifier) UnsubscribeTopic(context.Context, int64, string, string) error { return nil }

func (f *fakeNotifier) SendTest(_ context.Context, _ int64, n fcm.Notification, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests = append(f.tests, n)
	return nil
}

func (f *fakeNotifier) SendToTopic(context.Context, string, fcm.Notification) error {
	return &fcm.Error{Kind: fcm.Transient, Status: http.StatusServiceUnavailable}
}

func (f *fakeNotifier) ValidateToken(_ context.Context, _ int64, token string) (bool, error) {
	return token != "revoked", nil
}

type harness struct {
	srv *httptest.Server
	db  *memstore.Store
}

// newHarness seeds alice(1), bob(2) and mallory(3) with a direct
// conversation 1 between alice and bob.
func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db := memstore.New(nil)
	for _, name := range []string{"alice", "bob", "mallory"} {
		db.CreateUser(ctx, chat.User{Name: name})
	}
	err := db.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.CreateConversation(ctx, chat.Conversation{Type: chat.ConversationDirect, CreatedBy: 1})
		if err != nil {
			return err
		}
		tx.AddParticipant(ctx, chat.Participant{ConversationID: c.ID, UserID: 1})
		_, err = tx.AddParticipant(ctx, chat.Participant{ConversationID: c.ID, UserID: 2})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	cache := kvcache.NewMemoryCache(presence.DefaultTTL, nil)
	var bus *eventbus.Bus
	pres := presence.New(db, cache, events.PublisherFunc(func(ctx context.Context, evt events.Event) {
		bus.Publish(ctx, evt)
	}))
	gate := authz.New(db, pres)
	bus = eventbus.New(gate, db)
	go bus.Run(ctx)

	deps := Deps{
		Messaging: messaging.New(db, bus),
		Bus:       bus,
		Gate:      gate,
		Presence:  pres,
		Typing:    typing.New(db, bus),
		Users:     db,
		Verifier:  NewHMACVerifier(testSecret, ""),
		Limits:    config.Default().Limits,
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(New(deps).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, db: db}
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func (h *harness) do(t *testing.T, user int64, method, path string, body any, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, rd)
	if user != 0 {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type client struct {
	ws       *websocket.Conn
	socketID string
}

func (h *harness) dial(t *testing.T, user int64) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token(t, user)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	c := &client{ws: ws}
	f := c.expect(t, "connection_established")
	var data map[string]string
	json.Unmarshal(f.Data, &data)
	c.socketID = data["socket_id"]
	return c
}

// expect reads frames until one of the given event arrives.
func (c *client) expect(t *testing.T, event string) frame {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			t.Fatalf("Expected %s, read failed: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func (c *client) send(t *testing.T, action, channel string) {
	t.Helper()
	if err := c.ws.WriteJSON(clientMessage{Action: action, Channel: channel}); err != nil {
		t.Fatal(err)
	}
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, 0, http.MethodGet, "/api/conversations", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 0, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer nope")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad token, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 1, http.MethodGet, "/api/conversations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with valid token, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 0, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from healthz, got %d", resp.StatusCode)
	}
}

func TestFailedAuthenticationIsRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		resp, _ := h.do(t, 0, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer nope")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("Expected 401 on attempt %d, got %d", i+1, resp.StatusCode)
		}
	}
	resp, _ := h.do(t, 0, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer nope")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after repeated failures, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		user   int64
		method string
		path   string
		body   any
		want   int
	}{
		{"missing conversation", 1, http.MethodGet, "/api/conversations/99", nil, http.StatusNotFound},
		{"outsider", 3, http.MethodGet, "/api/conversations/1", nil, http.StatusForbidden},
		{"empty content", 1, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": ""}, http.StatusUnprocessableEntity},
		{"bad id", 1, http.MethodGet, "/api/conversations/abc", nil, http.StatusUnprocessableEntity},
		{"bad limit", 1, http.MethodGet, "/api/conversations/1/messages?limit=500", nil, http.StatusUnprocessableEntity},
		{"edit missing message", 1, http.MethodPut, "/api/messages/42", map[string]string{"content": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, tt.user, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d (%v)", tt.want, resp.StatusCode, body)
			}
			if _, ok := body["error"]; !ok {
				t.Errorf("Expected error body, got %v", body)
			}
		})
	}
}

func TestValidationErrorCarriesFields(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, 1, http.MethodPost, "/api/conversations", map[string]any{"type": "group"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", resp.StatusCode)
	}
	fields, _ := body["fields"].(map[string]any)
	if _, ok := fields["name"]; !ok {
		t.Errorf("Expected name field error, got %v", body)
	}
}

func TestCreateConversationStatus(t *testing.T) {
	h := newHarness(t, nil)
	resp, body := h.do(t, 1, http.MethodPost, "/api/conversations", map[string]any{"type": "group", "name": "Team", "participant_ids": []int64{2, 3}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d (%v)", resp.StatusCode, body)
	}
	resp, body = h.do(t, 2, http.MethodPost, "/api/conversations", map[string]any{"type": "direct", "participant_ids": []int64{1}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for existing direct conversation, got %d", resp.StatusCode)
	}
	if id, _ := body["id"].(float64); id != 1 {
		t.Errorf("Expected existing conversation 1, got %v", body["id"])
	}
}

func TestMessageFlowOverWebsocket(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial(t, 1)
	bob := h.dial(t, 2)
	alice.send(t, "subscribe", "conversation.1")
	alice.expect(t, "subscription_succeeded")
	bob.send(t, "subscribe", "conversation.1")
	bob.expect(t, "subscription_succeeded")

	resp, _ := h.do(t, 1, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": "hello"}, SocketHeader, alice.socketID)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	f := bob.expect(t, "message.sent")
	if f.Channel != "conversation.1" || !strings.Contains(string(f.Data), "hello") {
		t.Errorf("Expected hello on conversation.1, got %s %s", f.Channel, f.Data)
	}

	h.do(t, 2, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": "reply"})
	f = alice.expect(t, "message.sent")
	if !strings.Contains(string(f.Data), "reply") {
		t.Errorf("Expected the sender's socket to skip its own message, got %s", f.Data)
	}
}

func TestSubscriptionErrors(t *testing.T) {
	h := newHarness(t, nil)
	mallory := h.dial(t, 3)

	mallory.send(t, "subscribe", "conversation.1")
	f := mallory.expect(t, "subscription_error")
	var perr protocolError
	json.Unmarshal(f.Data, &perr)
	if perr.Status != http.StatusForbidden {
		t.Errorf("Expected 403, got %+v", perr)
	}

	mallory.send(t, "subscribe", "bogus")
	f = mallory.expect(t, "subscription_error")
	json.Unmarshal(f.Data, &perr)
	if perr.Status != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for malformed channel, got %+v", perr)
	}

	mallory.send(t, "ping", "")
	mallory.expect(t, "pong")
}

func TestPresenceChannelListsMembers(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.dial(t, 1)
	bob := h.dial(t, 2)

	alice.send(t, "subscribe", "presence-conversation.1")
	alice.expect(t, "subscription_succeeded")
	bob.send(t, "subscribe", "presence-conversation.1")
	f := bob.expect(t, "subscription_succeeded")

	var data subscribedData
	json.Unmarshal(f.Data, &data)
	if data.Member == nil || data.Member.ID != 2 {
		t.Errorf("Expected own member info, got %+v", data.Member)
	}
	if len(data.Members) != 2 {
		t.Errorf("Expected both participants online, got %+v", data.Members)
	}
	f = alice.expect(t, "presence.member_added")
	if !strings.Contains(string(f.Data), `"bob"`) {
		t.Errorf("Expected bob to be announced, got %s", f.Data)
	}
}

func TestMessageRateLimit(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Limits.Messages = config.Limit{Requests: 2, Per: time.Minute}
	})
	for i := 0; i < 2; i++ {
		resp, _ := h.do(t, 1, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": "spam"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected 201, got %d", resp.StatusCode)
		}
	}
	resp, _ := h.do(t, 1, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": "spam"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", resp.StatusCode)
	}
	// Other users have their own bucket.
	resp, _ = h.do(t, 2, http.MethodPost, "/api/conversations/1/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected 201 for another user, got %d", resp.StatusCode)
	}
}

func TestTypingEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	resp, _ := h.do(t, 3, http.MethodPost, "/api/conversations/1/typing", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for outsider, got %d", resp.StatusCode)
	}
	resp, body := h.do(t, 1, http.MethodPost, "/api/conversations/1/typing", map[string]bool{"is_typing": true})
	if resp.StatusCode != http.StatusOK || body["is_typing"] != true {
		t.Fatalf("Expected typing started, got %d %v", resp.StatusCode, body)
	}
	_, body = h.do(t, 2, http.MethodGet, "/api/conversations/1/typing", nil)
	users, _ := body["typing_users"].([]any)
	if len(users) != 1 {
		t.Errorf("Expected alice typing, got %v", body)
	}
	_, body = h.do(t, 1, http.MethodGet, "/api/conversations/1/typing", nil)
	if users, _ := body["typing_users"].([]any); len(users) != 0 {
		t.Errorf("Expected caller excluded, got %v", body)
	}
	_, body = h.do(t, 1, http.MethodPost, "/api/conversations/1/typing/heartbeat", nil)
	if body["extended"] != true {
		t.Errorf("Expected heartbeat to extend, got %v", body)
	}
	h.do(t, 1, http.MethodDelete, "/api/conversations/1/typing", nil)
	_, body = h.do(t, 2, http.MethodGet, "/api/conversations/1/typing", nil)
	if users, _ := body["typing_users"].([]any); len(users) != 0 {
		t.Errorf("Expected nobody typing, got %v", body)
	}
}

func TestRequestsRefreshPresence(t *testing.T) {
	h := newHarness(t, nil)
	_, body := h.do(t, 3, http.MethodGet, "/api/users/1/status", nil)
	if body["is_online"] != false {
		t.Errorf("Expected alice offline, got %v", body)
	}
	h.do(t, 1, http.MethodGet, "/api/conversations", nil)
	_, body = h.do(t, 3, http.MethodGet, "/api/users/1/status", nil)
	if body["is_online"] != true || body["status_text"] != "Online" {
		t.Errorf("Expected alice online after a request, got %v", body)
	}

	h.do(t, 1, http.MethodPost, "/api/user/status", map[string]string{"status": "offline"})
	u, _ := h.db.GetUser(context.Background(), 1)
	if u.IsOnline {
		t.Error("Expected alice offline after explicit status update")
	}
	resp, _ := h.do(t, 1, http.MethodPost, "/api/user/status", map[string]string{"status": "away"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown status, got %d", resp.StatusCode)
	}
}

func TestPushTokenAndNotifications(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, 1, http.MethodPost, "/api/notifications/test", map[string]string{"title": "t", "body": "b"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without notifier, got %d", resp.StatusCode)
	}

	resp, _ = h.do(t, 1, http.MethodPost, "/api/fcm-token", map[string]string{"token": "tok-alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if u, _ := h.db.GetUser(context.Background(), 1); u.PushToken != "tok-alice" {
		t.Errorf("Expected stored token, got %q", u.PushToken)
	}
	resp, _ = h.do(t, 1, http.MethodPost, "/api/fcm-token", map[string]string{"token": ""})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for empty token, got %d", resp.StatusCode)
	}

	fn := &fakeNotifier{}
	h = newHarness(t, func(d *Deps) { d.Notifier = fn })
	resp, _ = h.do(t, 1, http.MethodPost, "/api/notifications/subscribe", map[string]string{"topic": "news"})
	if resp.StatusCode != http.StatusOK || len(fn.topics) != 1 {
		t.Errorf("Expected subscription, got %d %v", resp.StatusCode, fn.topics)
	}
	resp, _ = h.do(t, 1, http.MethodPost, "/api/notifications/subscribe", map[string]string{})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for missing topic, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 1, http.MethodPost, "/api/notifications/topic", map[string]string{"topic": "news"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 without title and body, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 1, http.MethodPost, "/api/notifications/topic", map[string]string{"topic": "news", "title": "t", "body": "b"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502 when push delivery fails, got %d", resp.StatusCode)
	}
}

func TestNotificationPreferences(t *testing.T) {
	fn := &fakeNotifier{}
	h := newHarness(t, func(d *Deps) { d.Notifier = fn })

	resp, body := h.do(t, 1, http.MethodGet, "/api/notifications/preferences", nil)
	prefs, _ := body["preferences"].(map[string]any)
	if resp.StatusCode != http.StatusOK || prefs[chat.PrefMessages] != true || prefs[chat.PrefReactions] != false {
		t.Fatalf("Expected default preferences, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, 1, http.MethodPut, "/api/notifications/preferences", map[string]bool{chat.PrefMessages: false})
	prefs, _ = body["preferences"].(map[string]any)
	if resp.StatusCode != http.StatusOK || prefs[chat.PrefMessages] != false || prefs[chat.PrefGroupMessages] != true {
		t.Fatalf("Expected only message notifications switched off, got %d %v", resp.StatusCode, body)
	}

	resp, body = h.do(t, 1, http.MethodPost, "/api/notifications/test", map[string]string{"title": "t", "body": "b"})
	if resp.StatusCode != http.StatusForbidden || body["notification_type"] != chat.PrefMessages {
		t.Errorf("Expected 403 for disabled notifications, got %d %v", resp.StatusCode, body)
	}
	resp, _ = h.do(t, 2, http.MethodPost, "/api/notifications/test", map[string]string{"title": "t", "body": "b"})
	if resp.StatusCode != http.StatusOK || len(fn.tests) != 1 {
		t.Errorf("Expected bob's test notification sent, got %d", resp.StatusCode)
	}
}

func TestValidateTokenRoute(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Notifier = &fakeNotifier{} })
	resp, body := h.do(t, 1, http.MethodPost, "/api/notifications/validate-token", map[string]string{"token": "tok-alice"})
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Errorf("Expected valid token, got %d %v", resp.StatusCode, body)
	}
	resp, body = h.do(t, 1, http.MethodPost, "/api/notifications/validate-token", map[string]string{"token": "revoked"})
	if resp.StatusCode != http.StatusOK || body["valid"] != false || body["message"] != "token validation failed" {
		t.Errorf("Expected rejected token, got %d %v", resp.StatusCode, body)
	}
}

func TestDeleteConversationRoute(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, 2, http.MethodDelete, "/api/conversations/1", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 for a participant who is not the creator, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 1, http.MethodDelete, "/api/conversations/1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, 1, http.MethodGet, "/api/conversations/1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after deletion, got %d", resp.StatusCode)
	}
}

func TestKeyedLimiterRefills(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newKeyedLimiter("test", config.Limit{Requests: 2, Per: time.Minute})
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("k"); !ok {
			t.Fatalf("Expected request %d to pass", i+1)
		}
	}
	ok, retry := l.allow("k")
	if ok || retry <= 0 || retry > 30*time.Second {
		t.Errorf("Expected refusal with retry within 30s, got ok=%v retry=%s", ok, retry)
	}
	now = now.Add(30 * time.Second)
	if ok, _ := l.allow("k"); !ok {
		t.Error("Expected one token after 30s")
	}
	if ok, _ := l.allow("other"); !ok {
		t.Error("Expected separate bucket per key")
	}
}

func TestHMACVerifier(t *testing.T) {
	v := NewHMACVerifier(testSecret, "")
	id, err := v.Verify(token(t, 7))
	if err != nil || id != 7 {
		t.Errorf("Expected user 7, got %d, %v", id, err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	s, _ := expired.SignedString([]byte(testSecret))
	if _, err := v.Verify(s); err == nil {
		t.Error("Expected expired token to fail")
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "7"})
	s, _ = noExp.SignedString([]byte(testSecret))
	if _, err := v.Verify(s); err == nil {
		t.Error("Expected token without expiry to fail")
	}

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, _ = other.SignedString([]byte("wrong"))
	if _, err := v.Verify(s); err == nil {
		t.Error("Expected wrong signature to fail")
	}

	bad := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, _ = bad.SignedString([]byte(testSecret))
	if _, err := v.Verify(s); err == nil {
		t.Error("Expected non-numeric subject to fail")
	}
}
