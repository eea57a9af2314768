package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	countBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2).MarginTop(1)
	countStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	tableBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("60")).MarginTop(1)
	tableHeaderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("110")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("237"))
	tableSelectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	hintStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
)

func (model *WatchModel) View() string {
	var builder strings.Builder
	builder.WriteString(appTitleStyle.Render("presencehub watch"))
	builder.WriteString("\n")
	builder.WriteString(subtitleStyle.Render(model.serverURL))
	builder.WriteString("\n")
	builder.WriteString(model.statusLine())
	builder.WriteString("\n")

	count := fmt.Sprintf("%s active users", countStyle.Render(fmt.Sprintf("%d", model.snapshot.Count)))
	if !model.lastUpdate.IsZero() {
		count += timestampStyle.Render(fmt.Sprintf("  updated %s (#%d)", model.lastUpdate.Format("15:04:05"), model.updates))
	}
	builder.WriteString(countBoxStyle.Render(count))
	builder.WriteString("\n")

	if len(model.snapshot.Users) == 0 {
		builder.WriteString(hintStyle.Render("Nobody is online."))
	} else {
		builder.WriteString(tableBoxStyle.Render(model.usersTable.View()))
	}
	builder.WriteString("\n")

	hint := "q quit"
	if !model.isConnected {
		hint += " • r reconnect now"
	}
	if model.userID != "" {
		hint += fmt.Sprintf(" • reporting as %s", model.userID)
	}
	builder.WriteString(hintStyle.Render(hint))
	return builder.String()
}

func (model *WatchModel) statusLine() string {
	switch {
	case model.isConnected:
		return connectedStyle.Render("● connected")
	case model.connectionError != nil:
		return errorStyle.Render(fmt.Sprintf("disconnected: %v (retrying)", model.connectionError))
	default:
		return connectingStyle.Render(model.spinner.View() + " connecting…")
	}
}
