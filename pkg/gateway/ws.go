package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tjanuki/messaging-backend-sandbox/pkg/authz"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/chat"
	"github.com/tjanuki/messaging-backend-sandbox/pkg/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 16 << 10
)

// wsConn adapts a websocket to eventbus.Conn. Once the connection has a
// subscription its replies go through the bus writer; before that they are
// written directly. mu serializes both paths.
type wsConn struct {
	id     string
	userID int64
	ws     *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(ws *websocket.Conn, userID int64) *wsConn {
	return &wsConn{id: uuid.NewString(), userID: userID, ws: ws, closed: make(chan struct{})}
}

func (c *wsConn) ID() string    { return c.id }
func (c *wsConn) UserID() int64 { return c.userID }

func (c *wsConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) reply(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(context.Background(), data)
}

// reply keeps protocol replies in order with the events already queued for
// the connection.
func (s *Server) reply(ctx context.Context, conn *wsConn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode reply", "event", msg.Event, "error", err)
		return
	}
	if s.Bus.Reply(ctx, conn, data) {
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		slog.DebugContext(ctx, "Failed to write reply", "conn", conn.id, "error", err)
	}
}

type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

type serverMessage struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type subscribedData struct {
	Member  *chat.UserSummary  `json:"member,omitempty"`
	Members []chat.UserSummary `json:"members,omitempty"`
}

type protocolError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "Websocket upgrade failed", "user", userID, "error", err)
		return
	}
	conn := newWSConn(ws, userID)
	ctx := context.WithoutCancel(r.Context())
	s.conns.Add(ctx, 1)
	defer s.conns.Add(ctx, -1)

	if err := s.Presence.Heartbeat(ctx, userID); err != nil {
		slog.DebugContext(ctx, "Presence refresh failed", "user", userID, "error", err)
	}
	slog.InfoContext(ctx, "Websocket connected", "conn", conn.id, "user", userID)
	conn.reply(serverMessage{Event: "connection_established", Data: map[string]string{"socket_id": conn.id}})

	go conn.keepalive()
	s.readLoop(ctx, conn)

	s.Bus.UnsubscribeAll(ctx, conn)
	conn.Close()
	slog.InfoContext(ctx, "Websocket disconnected", "conn", conn.id, "user", userID)
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn) {
	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Websocket read failed", "conn", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(ctx, conn, serverMessage{Event: "error", Data: protocolError{Error: "malformed message", Status: http.StatusBadRequest}})
			continue
		}
		s.handleClientMessage(ctx, conn, msg)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *wsConn, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		ack := func(auth authz.Authorization) ([]byte, error) {
			data := subscribedData{Member: auth.Member}
			if auth.Member != nil {
				data.Members = s.channelMembers(ctx, auth.Kind, auth.ID)
			}
			return json.Marshal(serverMessage{Event: "subscription_succeeded", Channel: msg.Channel, Data: data})
		}
		if _, err := s.Bus.SubscribeWithAck(ctx, conn, msg.Channel, ack); err != nil {
			s.reply(ctx, conn, serverMessage{Event: "subscription_error", Channel: msg.Channel, Data: protocolError{Error: err.Error(), Status: statusOf(err)}})
		}
	case "unsubscribe":
		s.Bus.Unsubscribe(ctx, conn, msg.Channel)
		s.reply(ctx, conn, serverMessage{Event: "unsubscribed", Channel: msg.Channel})
	case "ping":
		if err := s.Presence.Heartbeat(ctx, conn.userID); err != nil {
			slog.DebugContext(ctx, "Presence refresh failed", "user", conn.userID, "error", err)
		}
		s.reply(ctx, conn, serverMessage{Event: "pong"})
	default:
		s.reply(ctx, conn, serverMessage{Event: "error", Data: protocolError{Error: "unknown action " + msg.Action, Status: http.StatusBadRequest}})
	}
}

// channelMembers lists who is online on a presence channel at subscribe time.
func (s *Server) channelMembers(ctx context.Context, kind events.ChannelKind, id int64) []chat.UserSummary {
	var members []chat.UserSummary
	var err error
	switch kind {
	case events.PresenceChannel:
		members, err = s.Presence.ConversationPresence(ctx, id, true)
	case events.OnlineUsersChannel:
		members, err = s.Presence.ListOnline(ctx, nil)
	}
	if err != nil {
		slog.WarnContext(ctx, "Failed to list channel members", "error", err)
	}
	return members
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
