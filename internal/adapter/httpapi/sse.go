package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Strob0t/CodeTumbler/internal/domain/event"
)

// handleEvents streams bus events to the client as server-sent events.
// ?project= narrows the stream to one project. Each SSE data payload is the
// bus wire format: {type, timestamp, data}.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.Bus.Subscribe(r.URL.Query().Get("project"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// The bus dropped this subscriber as too slow.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) error {
	payload, err := json.Marshal(struct {
		Type      event.Type     `json:"type"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}{
		Type:      ev.Type,
		Timestamp: ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Data:      ev.Data,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
