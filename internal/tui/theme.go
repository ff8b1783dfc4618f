// Package tui implements `relay watch`, a live terminal view of the dispatch
// server built from /healthz and the /events stream.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
	Dim    lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Symbol renders the status glyph for a task state.
func (t Theme) Symbol(state string) string {
	switch state {
	case "queued":
		return t.StatusQueued.Render("○")
	case "dispatched":
		return t.StatusRunning.Render("◉")
	case "resolved":
		return t.StatusOK.Render("●")
	case "fault":
		return t.StatusFailed.Render("✗")
	case "dropped":
		return t.StatusFailed.Render("∅")
	case "abandoned":
		return t.StatusQueued.Render("◌")
	default:
		return "?"
	}
}
