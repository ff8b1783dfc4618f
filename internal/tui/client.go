package tui

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/PrzemekSekula/laser-train/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string     `json:"status"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	QueueDepth    int        `json:"queue_depth"`
	InFlight      int        `json:"in_flight"`
	AgentLastSeen *time.Time `json:"agent_last_seen"`
	ConfigHash    string     `json:"config_hash"`
}

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to /events, resuming after since, and feeds
// events into ch. It returns sseDisconnectedMsg when the stream ends.
func subscribeToEvents(apiURL string, since int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		resp, err := http.Get(apiURL + "/events?since=" + strconv.FormatInt(since, 10))
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		readSSE(resp.Body, ch)
		return sseDisconnectedMsg{}
	}
}

// readSSE parses an event stream until EOF. Comment lines are skipped.
func readSSE(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var cur events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur.Data) > 0 {
				cur.At = time.Now()
				ch <- cur
			}
			cur = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			cur.Data = []byte(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
