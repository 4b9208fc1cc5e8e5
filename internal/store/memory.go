package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/novalto/traind/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemStore)(nil)

// MemStore keeps all runs in process memory behind one mutex. The single
// coarse guard is what makes composite updates (status + timestamps) atomic;
// callers never observe a half-applied transition.
type MemStore struct {
	mu     sync.Mutex
	runs   map[string]*model.Run
	logger *slog.Logger
	now    func() time.Time
}

// NewMemStore creates an empty in-memory run store.
func NewMemStore(logger *slog.Logger) *MemStore {
	return &MemStore{
		runs:   make(map[string]*model.Run),
		logger: logger,
		now:    time.Now,
	}
}

// CreateRun allocates a new run in status "queued".
func (s *MemStore) CreateRun(ownerUID, groupKey, expName, baseModel, algo string) model.Run {
	run := &model.Run{
		ID:        model.NewID(),
		OwnerUID:  ownerUID,
		GroupKey:  groupKey,
		ExpName:   expName,
		BaseModel: baseModel,
		Algo:      algo,
		Status:    model.StatusQueued,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.logger.Info("created run", "run_id", run.ID, "uid", ownerUID, "kb_id", groupKey)
	return *run
}

// GetRun returns a copy of the run with the given id.
func (s *MemStore) GetRun(id string) (model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return *run, nil
}

// UpdateStatus transitions a run, honoring terminal stickiness.
func (s *MemStore) UpdateStatus(id, status, errorMessage string) bool {
	s.mu.Lock()

	run, ok := s.runs[id]
	if !ok || model.IsTerminal(run.Status) {
		s.mu.Unlock()
		return false
	}

	old := run.Status
	run.Status = status
	if errorMessage != "" {
		run.ErrorMessage = errorMessage
	}

	now := s.now().UTC()
	if old == model.StatusQueued && status == model.StatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if model.IsTerminal(status) && run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	s.mu.Unlock()

	s.logger.Info("run status changed", "run_id", id, "from", old, "to", status)
	return true
}

// UpdateArtifacts merges only the supplied artifact fields.
func (s *MemStore) UpdateArtifacts(id string, upd ArtifactUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false
	}

	if upd.CheckpointURL != nil {
		run.CheckpointURL = *upd.CheckpointURL
	}
	if upd.ReportURL != nil {
		run.ReportURL = *upd.ReportURL
	}
	if upd.LogsURL != nil {
		run.LogsURL = *upd.LogsURL
	}
	if upd.Metrics != nil {
		run.Metrics = upd.Metrics
	}
	return true
}

// UpdateProgress merges only the supplied progress fields. Status and
// timestamps are never touched here.
func (s *MemStore) UpdateProgress(id string, upd ProgressUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false
	}

	p := &run.Progress
	if upd.CurrentStep != nil {
		p.CurrentStep = *upd.CurrentStep
	}
	if upd.TotalSteps != nil {
		p.TotalSteps = *upd.TotalSteps
	}
	if upd.CurrentEpoch != nil {
		p.CurrentEpoch = *upd.CurrentEpoch
	}
	if upd.TotalEpochs != nil {
		p.TotalEpochs = *upd.TotalEpochs
	}
	if upd.ProgressPercentage != nil {
		p.ProgressPercentage = *upd.ProgressPercentage
	}
	if upd.CurrentPhase != nil {
		p.CurrentPhase = *upd.CurrentPhase
	}
	if upd.PhaseMessage != nil {
		p.PhaseMessage = *upd.PhaseMessage
	}
	if upd.ETASeconds != nil {
		eta := *upd.ETASeconds
		p.ETASeconds = &eta
	}
	if upd.LastMetrics != nil {
		p.LastMetrics = upd.LastMetrics
	}
	return true
}

// ListForOwner returns the owner's runs, newest-created-first.
func (s *MemStore) ListForOwner(ownerUID string, limit int) []model.Run {
	s.mu.Lock()
	var out []model.Run
	for _, run := range s.runs {
		if run.OwnerUID == ownerUID {
			out = append(out, *run)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountActiveForGroup counts queued/running runs for an owner+group pair.
func (s *MemStore) CountActiveForGroup(ownerUID, groupKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, run := range s.runs {
		if run.OwnerUID == ownerUID && run.GroupKey == groupKey &&
			(run.Status == model.StatusQueued || run.Status == model.StatusRunning) {
			count++
		}
	}
	return count
}

// CleanupExpired removes terminal runs older than maxAge.
func (s *MemStore) CleanupExpired(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	removed := 0
	for id, run := range s.runs {
		if model.IsTerminal(run.Status) && run.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("cleaned up expired runs", "removed", removed)
	}
	return removed
}

// QueueStats returns run counts by status.
func (s *MemStore) QueueStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Total: len(s.runs),
		ByStatus: map[string]int{
			model.StatusQueued:    0,
			model.StatusRunning:   0,
			model.StatusCompleted: 0,
			model.StatusFailed:    0,
			model.StatusCancelled: 0,
		},
	}
	for _, run := range s.runs {
		stats.ByStatus[run.Status]++
	}
	return stats
}
