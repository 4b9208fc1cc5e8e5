// Package trainer defines the boundary to the training task itself. The task
// is opaque to the rest of the system: it may run for minutes to hours and
// fail in arbitrary ways. Implementations must observe context cancellation.
package trainer

import (
	"context"

	"github.com/novalto/traind/internal/progress"
)

// Spec carries everything a training task needs for one run.
type Spec struct {
	RunID       string
	BaseModel   string
	Algo        string
	ExpName     string
	DatasetPath string
	Hyperparams map[string]float64
}

// Result holds the local artifact locations produced by a finished task.
type Result struct {
	CheckpointPath string
	ReportPath     string
	LogsPath       string
	Metrics        map[string]float64
}

// Trainer executes one training run, streaming progress through the reporter.
type Trainer interface {
	Train(ctx context.Context, spec Spec, rep *progress.Reporter) (Result, error)
}
