package store

import (
	"errors"
	"time"

	"github.com/novalto/traind/internal/model"
)

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Stats holds aggregate run counts.
type Stats struct {
	Total    int            `json:"total_runs"`
	ByStatus map[string]int `json:"by_status"`
}

// ArtifactUpdate carries a partial artifact/metrics update. Nil fields are
// left untouched on the stored run.
type ArtifactUpdate struct {
	CheckpointURL *string
	ReportURL     *string
	LogsURL       *string
	Metrics       map[string]float64
}

// ProgressUpdate carries a partial progress update. Nil fields are left
// untouched on the stored run. It never affects status or timestamps.
type ProgressUpdate struct {
	CurrentStep        *int
	TotalSteps         *int
	CurrentEpoch       *int
	TotalEpochs        *int
	ProgressPercentage *float64
	CurrentPhase       *string
	PhaseMessage       *string
	ETASeconds         *float64
	LastMetrics        map[string]float64
}

// Store is the authoritative registry of runs. Implementations must be safe
// for concurrent use and must apply composite updates atomically.
type Store interface {
	// CreateRun allocates a fresh run in status "queued" and returns a copy.
	CreateRun(ownerUID, groupKey, expName, baseModel, algo string) model.Run

	// GetRun returns a copy of the run, or ErrNotFound.
	GetRun(id string) (model.Run, error)

	// UpdateStatus transitions a run. It reports false when the run is unknown
	// or already terminal (terminal statuses are sticky). started_at is set
	// exactly once on queued→running; finished_at exactly once on the first
	// transition into a terminal status. errorMessage is recorded only when
	// non-empty (failure paths).
	UpdateStatus(id, status, errorMessage string) bool

	// UpdateArtifacts merges only the supplied artifact fields.
	UpdateArtifacts(id string, upd ArtifactUpdate) bool

	// UpdateProgress merges only the supplied progress fields.
	UpdateProgress(id string, upd ProgressUpdate) bool

	// ListForOwner returns the owner's runs newest-created-first, truncated to limit.
	ListForOwner(ownerUID string, limit int) []model.Run

	// CountActiveForGroup counts queued/running runs matching both owner and group key.
	CountActiveForGroup(ownerUID, groupKey string) int

	// CleanupExpired removes terminal runs created before now-maxAge and
	// returns the number removed. Active runs are never evicted.
	CleanupExpired(maxAge time.Duration) int

	// QueueStats returns run counts by status plus the total.
	QueueStats() Stats
}
