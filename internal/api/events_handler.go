package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/PrzemekSekula/laser-train/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream frames events onto a flushing response.
type sseStream struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseStream) send(ev events.Event) error {
	if ev.Type == "" {
		_, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", ev.ID, ev.Data)
		return err
	}
	_, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}

func (s sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents handles GET /events. Clients resume with the Last-Event-ID
// header or a ?since= query parameter; the backlog after that ID is replayed
// before live events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the backlog so nothing published in between is lost.
	live, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)

	stream := sseStream{w: w, f: flusher}
	lastSent := resumeID(r)
	for _, ev := range s.events.SnapshotSince(lastSent) {
		if err := stream.send(ev); err != nil {
			return
		}
		lastSent = ev.ID
	}
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if ev.ID <= lastSent {
				continue
			}
			lastSent = ev.ID
			err = stream.send(ev)
		case <-ticker.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func resumeID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
