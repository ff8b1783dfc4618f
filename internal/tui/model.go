package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/PrzemekSekula/laser-train/internal/events"
)

const maxEventLog = 50

// Model is the BubbleTea model behind `relay watch`.
type Model struct {
	apiURL string

	width  int
	height int

	health    healthMsg
	connected bool
	lastError string

	board       *taskBoard
	eventLog    []events.Event
	lastEventID int64

	taskTable table.Model
	eventView viewport.Model
	theme     Theme

	hubEvents chan events.Event
	now       func() time.Time
}

// NewMonitor creates a monitor for the server at apiURL.
func NewMonitor(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Task", Width: 16},
			{Title: "ID", Width: 8},
			{Title: "Agent time", Width: 11},
			{Title: "Result", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		board:     newTaskBoard(),
		taskTable: t,
		eventView: viewport.New(80, 10),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.taskTable.SetWidth(m.width - 6)
		m.eventView.Width = m.width - 6
		m.eventView.Height = m.height / 3
		m.refreshEvents()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.board.apply(e)
		m.connected = true
		m.lastError = ""
		m.refreshTable()
		m.refreshEvents()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.lastEventID, m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	m.taskTable, cmd = m.taskTable.Update(msg)
	return m, cmd
}

func (m *Model) refreshTable() {
	now := m.now()
	var rows []table.Row
	for _, t := range m.board.tasks() {
		dur := "-"
		if d := t.Duration(now); d > 0 {
			dur = d.Round(time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			m.theme.Symbol(t.State),
			t.Name,
			shortID(t.ID),
			dur,
			truncate(t.Result, 30),
		})
	}
	m.taskTable.SetRows(rows)
}

func (m *Model) refreshEvents() {
	var lines []string
	for _, e := range m.eventLog {
		lines = append(lines, fmt.Sprintf("%s | %-16s | %s", e.At.Format("15:04:05"), e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		lines = []string{"No events yet..."}
	}
	m.eventView.SetContent(strings.Join(lines, "\n"))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	inner := m.width - 4
	tasks := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Tasks"),
			m.taskTable.View(),
		),
	)
	stream := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.eventView.View(),
		),
	)

	parts := []string{m.renderHeader(), tasks, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Scroll Tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader() string {
	status := m.theme.StatusOK.Render("RUNNING")
	if !m.connected {
		status = m.theme.StatusFailed.Render("DISCONNECTED")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		status = m.theme.StatusFailed.Render("DEGRADED")
	}

	agent := m.theme.StatusFailed.Render("never")
	if m.health.AgentLastSeen != nil {
		ago := m.now().Sub(*m.health.AgentLastSeen).Round(time.Second)
		agent = fmt.Sprintf("%s ago", ago)
	}

	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", time.Duration(m.health.UptimeSeconds)*time.Second),
		fmt.Sprintf("Queue: %d / in flight: %d", m.health.QueueDepth, m.health.InFlight),
		fmt.Sprintf("Agent: %s", agent),
	}
	col := (m.width - 4) / len(items)
	cells := make([]string, len(items))
	for i, item := range items {
		cells[i] = lipgloss.NewStyle().Width(col).Render(item)
	}
	return m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
