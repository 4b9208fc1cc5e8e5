package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total      int            `json:"total_runs"`
	ByStatus   map[string]int `json:"by_status"`
	QueueDepth int            `json:"queue_depth"`
	ActiveJobs int            `json:"active_jobs"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.QueueStats()

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:      stats.Total,
		ByStatus:   stats.ByStatus,
		QueueDepth: s.queue.Depth(),
		ActiveJobs: s.queue.ActiveJobs(),
	})
}
