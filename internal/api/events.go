package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/novalto/traind/internal/model"
)

// handleStreamEvents streams progress updates for a run as server-sent
// events. Each event is a JSON progress document; a final "done" event is
// sent when the run reaches a terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.authorizedRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Already terminal: nothing will ever be published, return immediately.
	if model.IsTerminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the run finished between the status check above and this
	// call: Subscribe on a closed topic returns a closed channel, so the loop
	// below exits immediately.
	ch, unsub := s.broker.Subscribe(run.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, open := <-ch:
			if !open {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal progress event", "error", err, "run_id", run.ID)
				continue
			}
			if err := writeSSEEvent(w, "progress", string(payload)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
