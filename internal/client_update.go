package internal

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// Messages tied to a socket carry the generation of the dial that produced it;
// anything from an older generation is dropped.
type (
	connectedMsg struct {
		conn       *websocket.Conn
		generation int
	}
	snapshotMsg struct {
		update     ActiveUsersUpdate
		generation int
	}
	ignoredFrameMsg  struct{ generation int }
	connectFailedMsg struct {
		err        error
		generation int
	}
	disconnectedMsg struct {
		err        error
		generation int
	}
	heartbeatMsg struct{ generation int }
	reconnectMsg struct{}
)

func (model *WatchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		switch typedMessage.String() {
		case "ctrl+c", "esc", "q":
			model.closeConn()
			return model, tea.Quit
		case "r":
			return model, model.reconnect()
		}
		var cmd tea.Cmd
		model.usersTable, cmd = model.usersTable.Update(typedMessage)
		return model, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		model.spinner, cmd = model.spinner.Update(typedMessage)
		return model, cmd

	case connectedMsg:
		if typedMessage.generation != model.generation {
			if typedMessage.conn != nil {
				_ = typedMessage.conn.Close()
			}
			return model, nil
		}
		if model.websocketConn != typedMessage.conn {
			model.closeConn()
		}
		model.websocketConn = typedMessage.conn
		model.connecting = false
		model.isConnected = true
		model.connectionError = nil
		cmds := []tea.Cmd{model.readOnceCmd(typedMessage.conn, model.generation)}
		if model.userID != "" {
			cmds = append(cmds,
				model.sendCmd(typedMessage.conn, model.generation, EventUserLogin, LoginEvent{UserID: UserID(model.userID)}),
				model.scheduleHeartbeat(model.generation),
			)
		}
		return model, tea.Batch(cmds...)

	case snapshotMsg:
		if !model.current(typedMessage.generation) {
			return model, nil
		}
		model.applySnapshot(typedMessage.update, time.Now())
		return model, model.readOnceCmd(model.websocketConn, model.generation)

	case ignoredFrameMsg:
		if !model.current(typedMessage.generation) {
			return model, nil
		}
		return model, model.readOnceCmd(model.websocketConn, model.generation)

	case heartbeatMsg:
		if !model.current(typedMessage.generation) || model.userID == "" {
			return model, nil
		}
		return model, tea.Batch(
			model.sendCmd(model.websocketConn, model.generation, EventUserActivity, ActivityEvent{UserID: UserID(model.userID)}),
			model.scheduleHeartbeat(model.generation),
		)

	case connectFailedMsg:
		if typedMessage.generation != model.generation || !model.connecting {
			return model, nil
		}
		model.connecting = false
		model.isConnected = false
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case disconnectedMsg:
		// a failed write and the pending read both report the same broken link
		if !model.current(typedMessage.generation) {
			return model, nil
		}
		model.closeConn()
		model.isConnected = false
		model.connectionError = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		return model, model.reconnect()
	}
	return model, nil
}

// current reports whether generation belongs to the live connection.
func (model *WatchModel) current(generation int) bool {
	return model.isConnected && generation == model.generation
}

func (model *WatchModel) reconnect() tea.Cmd {
	if model.isConnected || model.connecting {
		return nil
	}
	return model.connectCmd()
}

func (model *WatchModel) applySnapshot(update ActiveUsersUpdate, at time.Time) {
	model.snapshot = update
	model.lastUpdate = at
	model.updates++
	rows := make([]table.Row, 0, len(update.Users))
	for _, user := range update.Users {
		rows = append(rows, table.Row{
			user.UserID,
			displayName(user.UserInfo),
			lastSeenClock(user.LastSeen),
			liveMarker(user.ConnectionID),
		})
	}
	model.usersTable.SetRows(rows)
}

func (model *WatchModel) closeConn() {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
}

func displayName(info map[string]any) string {
	for _, key := range []string{"name", "username", "display_name", "email"} {
		if value, ok := info[key]; ok && value != nil {
			return fmt.Sprint(value)
		}
	}
	return "-"
}

func lastSeenClock(raw string) string {
	parsed, err := time.Parse(lastSeenLayout, raw)
	if err != nil {
		return raw
	}
	return parsed.Local().Format("15:04:05")
}

func liveMarker(connectionID *string) string {
	if connectionID == nil {
		return "http"
	}
	return "ws"
}
