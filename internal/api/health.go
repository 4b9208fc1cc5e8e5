package api

import (
	"net/http"
	"time"
)

// healthResponse reports process liveness plus a coarse queue snapshot, so
// the gateway's health probe doubles as a cheap backlog check.
type healthResponse struct {
	OK         bool  `json:"ok"`
	UptimeS    int64 `json:"uptime_s"`
	QueueDepth int   `json:"queue_depth"`
	ActiveJobs int   `json:"active_jobs"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		OK:         true,
		UptimeS:    int64(time.Since(s.started).Seconds()),
		QueueDepth: s.queue.Depth(),
		ActiveJobs: s.queue.ActiveJobs(),
	})
}
