package model

import "time"

// Run status constants. These are the only status strings that ever appear
// on the wire; there is no "succeeded".
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no entries: once reached, a run never leaves them.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a status is one of the sticky end states.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// UserClaims carries the verified caller identity extracted from the gateway
// claims header. They exist only for the lifetime of a request.
type UserClaims struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Admin bool   `json:"admin"`
}

// Progress holds the live progress fields of a run. All pointer fields are
// merged partially: a nil field in an update leaves the stored value alone.
type Progress struct {
	CurrentStep        int                `json:"current_step"`
	TotalSteps         int                `json:"total_steps"`
	CurrentEpoch       int                `json:"current_epoch"`
	TotalEpochs        int                `json:"total_epochs"`
	ProgressPercentage float64            `json:"progress_percentage"`
	CurrentPhase       string             `json:"current_phase,omitempty"`
	PhaseMessage       string             `json:"phase_message,omitempty"`
	ETASeconds         *float64           `json:"eta_seconds,omitempty"`
	LastMetrics        map[string]float64 `json:"last_metrics,omitempty"`
}

// Run is a training run record. It is created by the store and mutated only
// through store methods.
type Run struct {
	ID            string             `json:"run_id"`
	OwnerUID      string             `json:"uid"`
	GroupKey      string             `json:"kb_id"`
	ExpName       string             `json:"exp_name"`
	BaseModel     string             `json:"base_model"`
	Algo          string             `json:"algo"`
	Status        string             `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	FinishedAt    *time.Time         `json:"finished_at,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	CheckpointURL string             `json:"checkpoint_url,omitempty"`
	ReportURL     string             `json:"report_url,omitempty"`
	LogsURL       string             `json:"logs_url,omitempty"`
	Progress      Progress           `json:"progress"`
}
