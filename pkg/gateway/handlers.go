package gateway

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/messaging"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
)

// Status

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx, user := r.Context(), UserID(r.Context())
	var err error
	switch req.Status {
	case "online":
		err = s.Presence.SetOnline(ctx, user)
	case "offline":
		err = s.Presence.SetOffline(ctx, user)
	default:
		err = chat.Invalid("status", "must be online or offline")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": req.Status, "is_online": req.Status == "online"})
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	// refreshPresence already ran; answer with the resulting state.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "is_online": s.Presence.IsOnline(r.Context(), UserID(r.Context()))})
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Presence.ListOnline(r.Context(), nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) userStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.Users.GetUser(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sum := u.Summary()
	sum.IsOnline = s.Presence.IsOnline(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        sum,
		"is_online":   sum.IsOnline,
		"last_seen":   u.LastSeen,
		"status_text": s.Presence.StatusText(r.Context(), u),
	})
}

func (s *Server) conversationPresence(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantOnly(w, r)
	if !ok {
		return
	}
	onlineOnly := r.URL.Query().Get("online_only") == "true"
	users, err := s.Presence.ConversationPresence(r.Context(), id, onlineOnly)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// participantOnly reads {id} and requires the caller to participate in that
// conversation. It writes the error response itself.
func (s *Server) participantOnly(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return 0, false
	}
	ok, err := s.Gate.IsParticipant(r.Context(), UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return 0, false
	}
	if !ok {
		writeError(w, r, chat.Unauthorized("access conversation"))
		return 0, false
	}
	return id, true
}

// Typing

type typingRequest struct {
	IsTyping *bool `json:"is_typing"`
}

func (s *Server) setTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantOnly(w, r)
	if !ok {
		return
	}
	var req typingRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	typing := req.IsTyping == nil || *req.IsTyping
	var err error
	if typing {
		err = s.Typing.StartTyping(r.Context(), UserID(r.Context()), id)
	} else {
		err = s.Typing.StopTyping(r.Context(), UserID(r.Context()), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "is_typing": typing})
}

func (s *Server) stopTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantOnly(w, r)
	if !ok {
		return
	}
	if err := s.Typing.StopTyping(r.Context(), UserID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "is_typing": false})
}

func (s *Server) typingHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantOnly(w, r)
	if !ok {
		return
	}
	extended, err := s.Typing.Heartbeat(r.Context(), UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "extended": extended})
}

func (s *Server) listTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantOnly(w, r)
	if !ok {
		return
	}
	users, err := s.Typing.ListTyping(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	me := UserID(r.Context())
	others := make([]chat.UserSummary, 0, len(users))
	for _, u := range users {
		if u.ID != me {
			others = append(others, u)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing_users": others})
}

// Conversations

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	page, err := pageFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	convs, err := s.Messaging.ListConversations(r.Context(), UserID(r.Context()), page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req messaging.NewConversation
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, created, err := s.Messaging.CreateConversation(r.Context(), UserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, v)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.Messaging.GetConversation(r.Context(), UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type updateConversationRequest struct {
	Name string `json:"name"`
}

func (s *Server) updateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateConversationRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.Messaging.UpdateConversation(r.Context(), UserID(r.Context()), id, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type addParticipantsRequest struct {
	UserIDs []int64 `json:"user_ids"`
	IsAdmin bool    `json:"is_admin"`
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Messaging.DeleteConversation(r.Context(), UserID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "conversation deleted"})
}

func (s *Server) addParticipants(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req addParticipantsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.Messaging.AddParticipants(r.Context(), UserID(r.Context()), id, req.UserIDs, req.IsAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) removeParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	target, err := pathID(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Messaging.RemoveParticipant(r.Context(), UserID(r.Context()), id, target); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Messages

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := pageFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.Messaging.ListMessages(r.Context(), UserID(r.Context()), id, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page = page.Normalize()
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "page": page.Number, "limit": page.Limit})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req messaging.NewMessage
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.Messaging.SendMessage(r.Context(), UserID(r.Context()), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req editMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.Messaging.EditMessage(r.Context(), UserID(r.Context()), id, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Messaging.DeleteMessage(r.Context(), UserID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) addReaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reactionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rx, err := s.Messaging.AddReaction(r.Context(), UserID(r.Context()), id, req.Emoji)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

func (s *Server) removeReaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reactionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Emoji == "" {
		req.Emoji = r.URL.Query().Get("emoji")
	}
	if err := s.Messaging.RemoveReaction(r.Context(), UserID(r.Context()), id, req.Emoji); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markAsRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Messaging.MarkAsRead(r.Context(), UserID(r.Context()), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.Messaging.UnreadCount(r.Context(), UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

// Push notifications

type pushTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) registerPushToken(w http.ResponseWriter, r *http.Request) {
	var req pushTokenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" || utf8.RuneCountInString(req.Token) > 1000 {
		writeError(w, r, chat.Invalid("token", "is required and at most 1000 characters"))
		return
	}
	if err := s.Users.SetPushToken(r.Context(), UserID(r.Context()), req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "push token updated"})
}

type topicRequest struct {
	Topic string            `json:"topic"`
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

func (s *Server) notifier(w http.ResponseWriter, r *http.Request) (Notifier, *topicRequest, bool) {
	if s.Notifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "push notifications are not configured"})
		return nil, nil, false
	}
	req := &topicRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	return s.Notifier, req, true
}

func (s *Server) subscribeTopic(w http.ResponseWriter, r *http.Request) {
	n, req, ok := s.notifier(w, r)
	if !ok {
		return
	}
	if err := n.SubscribeTopic(r.Context(), UserID(r.Context()), req.Topic, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "subscribed to topic", "topic": req.Topic})
}

func (s *Server) unsubscribeTopic(w http.ResponseWriter, r *http.Request) {
	n, req, ok := s.notifier(w, r)
	if !ok {
		return
	}
	if err := n.UnsubscribeTopic(r.Context(), UserID(r.Context()), req.Topic, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "unsubscribed from topic", "topic": req.Topic})
}

func (s *Server) sendTestNotification(w http.ResponseWriter, r *http.Request) {
	n, req, ok := s.notifier(w, r)
	if !ok {
		return
	}
	note := fcm.Notification{Title: req.Title, Body: req.Body, Data: req.Data}
	if err := n.SendTest(r.Context(), UserID(r.Context()), note, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "test notification sent"})
}

func (s *Server) sendTopicNotification(w http.ResponseWriter, r *http.Request) {
	n, req, ok := s.notifier(w, r)
	if !ok {
		return
	}
	v := &chat.ValidationError{}
	if req.Title == "" || utf8.RuneCountInString(req.Title) > 100 {
		v.Add("title", "is required and at most 100 characters")
	}
	if req.Body == "" || utf8.RuneCountInString(req.Body) > 500 {
		v.Add("body", "is required and at most 500 characters")
	}
	if err := v.Err(); err != nil {
		writeError(w, r, err)
		return
	}
	note := fcm.Notification{Title: req.Title, Body: req.Body, Data: req.Data}
	if err := n.SendToTopic(r.Context(), req.Topic, note); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "topic notification sent", "topic": req.Topic})
}

func (s *Server) validateToken(w http.ResponseWriter, r *http.Request) {
	n, req, ok := s.notifier(w, r)
	if !ok {
		return
	}
	valid, err := n.ValidateToken(r.Context(), UserID(r.Context()), req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := "token is valid"
	if !valid {
		msg = "token validation failed"
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "message": msg})
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.Users.GetNotificationPreferences(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": p})
}

// updatePreferences changes only the switches present in the body.
func (s *Server) updatePreferences(w http.ResponseWriter, r *http.Request) {
	var req chat.PreferencesUpdate
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	current, err := s.Users.GetNotificationPreferences(ctx, UserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	p := req.Apply(current)
	if err := s.Users.SetNotificationPreferences(ctx, UserID(ctx), p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "notification preferences updated", "preferences": p})
}

// requirePreference answers 403 when the caller switched off the given
// notification type.
func (s *Server) requirePreference(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.Users.GetNotificationPreferences(r.Context(), UserID(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !p.Allows(key) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "notifications disabled for this type", "notification_type": key})
			return
		}
		next.ServeHTTP(w, r)
	})
}
