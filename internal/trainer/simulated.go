package trainer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/novalto/traind/internal/progress"
)

// Simulated is a stand-in training task for local development. It walks the
// same phases a real task would (preparation, epochs of steps, saving) and
// honors cancellation between steps, but produces placeholder artifacts.
type Simulated struct {
	OutputDir string
	Steps     int
	Epochs    int
	StepDelay time.Duration
}

var _ Trainer = (*Simulated)(nil)

// Train runs the simulated task.
func (s *Simulated) Train(ctx context.Context, spec Spec, rep *progress.Reporter) (Result, error) {
	steps := s.Steps
	if steps <= 0 {
		steps = 10
	}
	epochs := s.Epochs
	if epochs <= 0 {
		epochs = 1
	}

	rep.UpdatePhase("initializing", "loading model "+spec.BaseModel)
	rep.SetTotalSteps(steps, epochs)

	loss := 1.0
	for epoch := 1; epoch <= epochs; epoch++ {
		for step := 1; step <= steps; step++ {
			select {
			case <-time.After(s.StepDelay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}

			loss *= 0.97
			rep.UpdateProgress(progress.Update{
				CurrentStep:  &step,
				TotalSteps:   &steps,
				CurrentEpoch: &epoch,
				TotalEpochs:  &epochs,
				Metrics:      map[string]float64{"loss": loss},
				Message:      fmt.Sprintf("epoch %d step %d/%d", epoch, step, steps),
			})
		}
	}

	rep.UpdatePhase("saving", "writing artifacts")

	dir := filepath.Join(s.OutputDir, spec.ExpName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output dir: %w", err)
	}

	ckpt := filepath.Join(dir, "policy.pt")
	logs := filepath.Join(dir, "train.log")
	if err := os.WriteFile(ckpt, []byte("simulated checkpoint for "+spec.RunID), 0o644); err != nil {
		return Result{}, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.WriteFile(logs, []byte("simulated training log for "+spec.RunID), 0o644); err != nil {
		return Result{}, fmt.Errorf("write log: %w", err)
	}

	return Result{
		CheckpointPath: ckpt,
		LogsPath:       logs,
		Metrics:        map[string]float64{"final_loss": loss},
	}, nil
}
