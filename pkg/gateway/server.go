// Package gateway is the client-facing edge: the JSON HTTP API and the
// websocket transport that joins connections to event bus channels.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/config"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/eventbus"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/messaging"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/notify/fcm"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/otelhelper"
)

// SocketHeader carries the websocket connection id of the caller so that
// events caused by the request skip that connection.
const SocketHeader = "X-Socket-ID"

type Presence interface {
	SetOnline(ctx context.Context, userID int64) error
	SetOffline(ctx context.Context, userID int64) error
	Heartbeat(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) bool
	ListOnline(ctx context.Context, userIDs []int64) ([]chat.UserSummary, error)
	ConversationPresence(ctx context.Context, conversationID int64, onlineOnly bool) ([]chat.UserSummary, error)
	StatusText(ctx context.Context, u chat.User) string
}

type Typing interface {
	StartTyping(ctx context.Context, userID, conversationID int64) error
	StopTyping(ctx context.Context, userID, conversationID int64) error
	Heartbeat(ctx context.Context, userID, conversationID int64) (bool, error)
	ListTyping(ctx context.Context, conversationID int64) ([]chat.UserSummary, error)
}

type Users interface {
	GetUser(ctx context.Context, id int64) (chat.User, error)
	SetPushToken(ctx context.Context, userID int64, token string) error
	GetNotificationPreferences(ctx context.Context, userID int64) (chat.NotificationPreferences, error)
	SetNotificationPreferences(ctx context.Context, userID int64, p chat.NotificationPreferences) error
}

// Notifier is the push side of the API. Without one the notification
// routes answer 503.
type Notifier interface {
	SubscribeTopic(ctx context.Context, userID int64, topic, token string) error
	UnsubscribeTopic(ctx context.Context, userID int64, topic, token string) error
	SendTest(ctx context.Context, userID int64, n fcm.Notification, token string) error
	SendToTopic(ctx context.Context, topic string, n fcm.Notification) error
	ValidateToken(ctx context.Context, userID int64, token string) (bool, error)
}

type Deps struct {
	Messaging *messaging.Service
	Bus       *eventbus.Bus
	Gate      *authz.Gate
	Presence  Presence
	Typing    Typing
	Users     Users
	Notifier  Notifier
	Verifier  Verifier
	Limits    config.LimitsConfig
}

type Server struct {
	Deps
	upgrader websocket.Upgrader

	authLimit *keyedLimiter
	msgLimit  *keyedLimiter
	apiLimit  *keyedLimiter

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	conns    metric.Int64UpDownCounter
}

func New(d Deps) *Server {
	s := &Server{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		authLimit: newKeyedLimiter("auth", d.Limits.Auth),
		msgLimit:  newKeyedLimiter("messages", d.Limits.Messages),
		apiLimit:  newKeyedLimiter("api", d.Limits.API),
	}
	meter := otel.Meter("gateway")
	s.requests, _ = meter.Int64Counter("gateway_requests_total",
		metric.WithDescription("HTTP requests by route and status"))
	s.latency, _ = otelhelper.NewDurationHistogram(meter, "gateway_request_duration_seconds", "HTTP request latency")
	s.conns, _ = meter.Int64UpDownCounter("gateway_websocket_connections",
		metric.WithDescription("Open websocket connections"))
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.instrument)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	ws := r.PathPrefix("/ws").Subrouter()
	ws.Use(s.authenticate)
	ws.HandleFunc("", s.handleWebsocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate, s.apiLimit.middleware, s.refreshPresence)

	api.HandleFunc("/user/status", s.updateStatus).Methods(http.MethodPost)
	api.HandleFunc("/user/heartbeat", s.heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/users/online", s.onlineUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{userID}/status", s.userStatus).Methods(http.MethodGet)
	api.HandleFunc("/fcm-token", s.registerPushToken).Methods(http.MethodPost)

	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations", s.createConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.updateConversation).Methods(http.MethodPut)
	api.HandleFunc("/conversations/{id}", s.deleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/participants", s.addParticipants).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/participants/{userID}", s.removeParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/presence", s.conversationPresence).Methods(http.MethodGet)

	api.HandleFunc("/conversations/{id}/typing", s.setTyping).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", s.stopTyping).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/typing/heartbeat", s.typingHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/typing", s.listTyping).Methods(http.MethodGet)

	api.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
	api.Handle("/conversations/{id}/messages", s.msgLimit.middleware(http.HandlerFunc(s.sendMessage))).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.markAsRead).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/unread", s.unreadCount).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", s.editMessage).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/reactions", s.addReaction).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reactions", s.removeReaction).Methods(http.MethodDelete)

	api.HandleFunc("/notifications/subscribe", s.subscribeTopic).Methods(http.MethodPost)
	api.HandleFunc("/notifications/unsubscribe", s.unsubscribeTopic).Methods(http.MethodPost)
	api.Handle("/notifications/test", s.requirePreference(chat.PrefMessages, http.HandlerFunc(s.sendTestNotification))).Methods(http.MethodPost)
	api.HandleFunc("/notifications/validate-token", s.validateToken).Methods(http.MethodPost)
	api.HandleFunc("/notifications/preferences", s.getPreferences).Methods(http.MethodGet)
	api.HandleFunc("/notifications/preferences", s.updatePreferences).Methods(http.MethodPut)
	api.HandleFunc("/notifications/topic", s.sendTopicNotification).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.URL.Path
		if m := mux.CurrentRoute(r); m != nil {
			if tpl, err := m.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := otelhelper.StartSpan(ctx, r.Method+" "+route)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		attrs := metric.WithAttributes(attribute.String("route", route), attribute.Int("status", rec.status))
		s.requests.Add(ctx, 1, attrs)
		s.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	})
}

// authenticate verifies the bearer token. Failed attempts are limited per
// client address with the auth budget.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := "ip:" + clientIP(r)
		token, err := bearerToken(r)
		var userID int64
		if err == nil {
			userID, err = s.Verifier.Verify(token)
		}
		if err != nil {
			if ok, retry := s.authLimit.allow(ip); !ok {
				tooManyRequests(w, retry)
				return
			}
			slog.DebugContext(r.Context(), "Authentication failed", "remote", ip, "error", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		ctx := withUser(r.Context(), userID)
		ctx = events.WithOriginConn(ctx, r.Header.Get(SocketHeader))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// refreshPresence marks the caller online on every authenticated request.
// Failures are logged and never fail the request.
func (s *Server) refreshPresence(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.Presence.Heartbeat(r.Context(), UserID(r.Context())); err != nil {
			slog.DebugContext(r.Context(), "Presence refresh failed", "user", UserID(r.Context()), "error", err)
		}
		next.ServeHTTP(w, r)
	})
}
