package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and attaches the connection to the hub. The new
// client immediately receives the current non-admin snapshot.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		zap.S().Warnw("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), s.hub, websocketConn, s.handleEvent, s.handleDisconnect)
	if payload, err := encodeEvent(EventActiveUsersUpdate, s.registry.NonAdminView()); err == nil {
		client.enqueue(payload)
	}
	if !s.hub.join(client) {
		_ = websocketConn.Close()
		return
	}
	s.metrics.IncConn()
	zap.S().Infow("user connected", "connection_id", client.ID(), "remote", s.clientIP(request))

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleDisconnect(client *Client) {
	s.metrics.DecConn()
	userID, removed := s.registry.RemoveByConnection(client.ID())
	zap.S().Infow("user disconnected",
		"connection_id", client.ID(),
		"user_id", userID,
		"removed", removed,
	)
}

func (s *Server) handleEvent(client *Client, envelope Envelope) {
	switch envelope.Event {
	case EventUserLogin:
		var login LoginEvent
		if err := json.Unmarshal(envelope.Data, &login); err != nil || login.UserID == "" {
			zap.S().Debugw("ignoring login without user_id", "connection_id", client.ID())
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		created := s.registry.Upsert(ctx, string(login.UserID), client.ID(), login.UserInfo)
		s.metrics.IncLogin()
		zap.S().Debugw("user login",
			"connection_id", client.ID(),
			"user_id", login.UserID,
			"created", created,
		)
	case EventUserActivity:
		var activity ActivityEvent
		if err := json.Unmarshal(envelope.Data, &activity); err != nil || activity.UserID == "" {
			return
		}
		s.registry.Touch(string(activity.UserID))
	default:
		zap.S().Debugw("ignoring unknown event", "event", envelope.Event, "connection_id", client.ID())
	}
}
