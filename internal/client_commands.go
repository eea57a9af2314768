package internal

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

func (model *WatchModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *WatchModel) scheduleHeartbeat(generation int) tea.Cmd {
	return tea.Tick(heartbeatPeriod, func(time.Time) tea.Msg {
		return heartbeatMsg{generation: generation}
	})
}

// connectCmd starts a new dial generation. Only one dial is in flight at a time.
func (model *WatchModel) connectCmd() tea.Cmd {
	model.generation++
	model.connecting = true
	generation := model.generation
	serverURL := model.serverURL
	return func() tea.Msg {
		watchURL, err := buildWatchURL(serverURL)
		if err != nil {
			return connectFailedMsg{err: err, generation: generation}
		}
		conn, _, err := websocket.DefaultDialer.Dial(watchURL, http.Header{})
		if err != nil {
			return connectFailedMsg{err: err, generation: generation}
		}
		return connectedMsg{conn: conn, generation: generation}
	}
}

// readOnceCmd waits for the next frame and turns presence updates into snapshotMsg.
func (model *WatchModel) readOnceCmd(conn *websocket.Conn, generation int) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return disconnectedMsg{err: errors.New("websocket not connected"), generation: generation}
		}
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{err: err, generation: generation}
		}
		if messageType != websocket.TextMessage {
			return ignoredFrameMsg{generation: generation}
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Event != EventActiveUsersUpdate {
			return ignoredFrameMsg{generation: generation}
		}
		var update ActiveUsersUpdate
		if err := json.Unmarshal(envelope.Data, &update); err != nil {
			return ignoredFrameMsg{generation: generation}
		}
		return snapshotMsg{update: update, generation: generation}
	}
}

func (model *WatchModel) sendCmd(conn *websocket.Conn, generation int, event string, data any) tea.Cmd {
	return func() tea.Msg {
		if conn == nil {
			return nil
		}
		encoded, err := encodeEvent(event, data)
		if err != nil {
			return nil
		}
		// gorilla allows one concurrent writer; tea runs commands concurrently
		model.writeMutex.Lock()
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMutex.Unlock()
		if err != nil {
			return disconnectedMsg{err: err, generation: generation}
		}
		return nil
	}
}

func buildWatchURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	if parsed.Path == "" {
		parsed.Path = "/ws"
	}
	return parsed.String(), nil
}
