package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// heartbeatPeriod keeps a watching user well inside any sane inactivity threshold.
const heartbeatPeriod = 20 * time.Second

// WatchModel is the bubbletea state of the live presence dashboard.
type WatchModel struct {
	serverURL       string
	userID          string
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connecting      bool
	generation      int
	connectionError error
	snapshot        ActiveUsersUpdate
	lastUpdate      time.Time
	updates         int
	usersTable      table.Model
	spinner         spinner.Model
}

func NewWatchModel(serverURL, userID string) *WatchModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = connectingStyle

	users := table.New(
		table.WithColumns([]table.Column{
			{Title: "User", Width: 18},
			{Title: "Name", Width: 22},
			{Title: "Last seen", Width: 10},
			{Title: "Live", Width: 6},
		}),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = tableHeaderStyle
	styles.Selected = tableSelectedStyle
	users.SetStyles(styles)

	return &WatchModel{
		serverURL:  serverURL,
		userID:     userID,
		usersTable: users,
		spinner:    spin,
	}
}

func (model *WatchModel) Init() tea.Cmd {
	return tea.Batch(model.spinner.Tick, model.connectCmd())
}

// RunWatch opens the dashboard against a websocket URL such as ws://host:8080/ws.
func RunWatch(serverURL, userID string) error {
	program := tea.NewProgram(NewWatchModel(serverURL, userID), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
