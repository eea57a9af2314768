package internal

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 20
)

// Client wraps one websocket connection and its buffered send queue.
type Client struct {
	id           string
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	eventTimes   []time.Time
	onEvent      func(*Client, Envelope)
	onDisconnect func(*Client)
}

func newClient(id string, hub *Hub, conn *websocket.Conn, onEvent func(*Client, Envelope), onDisconnect func(*Client)) *Client {
	return &Client{
		id:           id,
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		eventTimes:   make([]time.Time, 0, rateLimitBurst),
		onEvent:      onEvent,
		onDisconnect: onDisconnect,
	}
}

// ID is the connection identifier the registry binds users to.
func (client *Client) ID() string {
	return client.id
}

// enqueue offers payload to this client only; a full queue drops it. Only
// call it before the client joins the hub, which owns send afterwards.
func (client *Client) enqueue(payload []byte) {
	select {
	case client.send <- payload:
	default:
	}
}

func (client *Client) readPump() {
	defer func() {
		client.hub.leave(client)
		client.conn.Close()
		if client.onDisconnect != nil {
			client.onDisconnect(client)
		}
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		if !client.allowEvent(time.Now()) {
			zap.S().Debugw("dropping event over rate limit", "connection_id", client.id)
			continue
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Event == "" {
			zap.S().Debugw("ignoring malformed frame", "connection_id", client.id)
			continue
		}
		if client.onEvent != nil {
			client.onEvent(client, envelope)
		}
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rate limits

func (client *Client) allowEvent(now time.Time) bool {
	client.eventTimes = pruneBefore(client.eventTimes, now.Add(-rateLimitWindow))
	if len(client.eventTimes) >= rateLimitBurst {
		return false
	}
	client.eventTimes = append(client.eventTimes, now)
	return true
}
