// Package progress translates raw step/epoch counters reported by the
// training task into percentage/ETA progress on the run record, and fans
// live updates out to SSE subscribers.
package progress

import (
	"log/slog"
	"time"

	"github.com/novalto/traind/internal/store"
)

// minETAElapsed is the minimum wall time before an ETA is computed; earlier
// estimates are too noisy to be useful.
const minETAElapsed = 30 * time.Second

// logInterval throttles the human-readable progress log line. Store writes
// are never throttled.
const logInterval = 10 * time.Second

// Update carries one progress report from the training task. Nil fields were
// not reported on this call.
type Update struct {
	CurrentStep  *int
	TotalSteps   *int
	CurrentEpoch *int
	TotalEpochs  *int
	Metrics      map[string]float64
	Message      string
}

// Reporter is bound to a single run and writes progress through to the store.
// It is not safe for concurrent use; each run's training task owns exactly one.
type Reporter struct {
	runID   string
	store   store.Store
	broker  *Broker
	logger  *slog.Logger
	now     func() time.Time
	start   time.Time
	lastLog time.Time
}

// NewReporter creates a reporter for the given run, capturing the current
// time as the baseline for ETA calculation. broker may be nil.
func NewReporter(runID string, s store.Store, broker *Broker, logger *slog.Logger) *Reporter {
	r := &Reporter{
		runID:  runID,
		store:  s,
		broker: broker,
		logger: logger,
		now:    time.Now,
	}
	r.start = r.now()
	r.lastLog = r.start
	return r
}

// UpdatePhase records a coarse phase marker, independent of numeric progress.
func (r *Reporter) UpdatePhase(phase, message string) {
	r.store.UpdateProgress(r.runID, store.ProgressUpdate{
		CurrentPhase: &phase,
		PhaseMessage: &message,
	})
	r.publish(Event{RunID: r.runID, Phase: phase, Message: message})
	r.logger.Info("run phase", "run_id", r.runID, "phase", phase, "message", message)
}

// UpdateProgress records step/epoch progress, recomputing percentage and ETA,
// and writes through to the store on every call.
func (r *Reporter) UpdateProgress(u Update) {
	pct := percentage(u.CurrentStep, u.TotalSteps, u.CurrentEpoch, u.TotalEpochs)
	eta := r.eta(pct)

	upd := store.ProgressUpdate{
		CurrentStep:        u.CurrentStep,
		TotalSteps:         u.TotalSteps,
		CurrentEpoch:       u.CurrentEpoch,
		TotalEpochs:        u.TotalEpochs,
		ProgressPercentage: &pct,
		ETASeconds:         eta,
	}
	if u.Metrics != nil {
		upd.LastMetrics = u.Metrics
	}
	if u.Message != "" {
		upd.PhaseMessage = &u.Message
	}
	r.store.UpdateProgress(r.runID, upd)

	ev := Event{RunID: r.runID, Percentage: pct, ETASeconds: eta, Message: u.Message, Metrics: u.Metrics}
	if u.CurrentStep != nil {
		ev.CurrentStep = *u.CurrentStep
	}
	if u.TotalSteps != nil {
		ev.TotalSteps = *u.TotalSteps
	}
	r.publish(ev)

	if now := r.now(); now.Sub(r.lastLog) >= logInterval {
		r.logger.Info("run progress", "run_id", r.runID, "percentage", pct, "message", u.Message)
		r.lastLog = now
	}
}

// SetTotalSteps records the step/epoch totals ahead of the first step report.
func (r *Reporter) SetTotalSteps(totalSteps, totalEpochs int) {
	r.store.UpdateProgress(r.runID, store.ProgressUpdate{
		TotalSteps:  &totalSteps,
		TotalEpochs: &totalEpochs,
	})
}

// UpdateMetrics records the latest training metrics without touching counters.
func (r *Reporter) UpdateMetrics(metrics map[string]float64, message string) {
	upd := store.ProgressUpdate{LastMetrics: metrics}
	if message != "" {
		upd.PhaseMessage = &message
	}
	r.store.UpdateProgress(r.runID, upd)
	r.publish(Event{RunID: r.runID, Message: message, Metrics: metrics})
}

func (r *Reporter) publish(ev Event) {
	if r.broker != nil {
		r.broker.Publish(r.runID, ev)
	}
}

// percentage computes overall completion from step and epoch counters.
// Multi-epoch runs blend finished epochs with progress inside the current one.
// The result is clamped to [0,100].
func percentage(currentStep, totalSteps, currentEpoch, totalEpochs *int) float64 {
	if totalSteps == nil || *totalSteps <= 0 {
		return 0
	}

	step := 0
	if currentStep != nil {
		step = *currentStep
	}

	var pct float64
	if totalEpochs != nil && *totalEpochs > 1 {
		epoch := 1
		if currentEpoch != nil {
			epoch = *currentEpoch
		}
		epochPart := float64(epoch-1) / float64(*totalEpochs)
		stepPart := float64(step) / float64(*totalSteps) / float64(*totalEpochs)
		pct = (epochPart + stepPart) * 100
	} else {
		pct = float64(step) / float64(*totalSteps) * 100
	}

	return min(max(pct, 0), 100)
}

// eta estimates seconds to completion from the observed completion rate, or
// nil when there is not yet enough signal.
func (r *Reporter) eta(pct float64) *float64 {
	if pct <= 0 {
		return nil
	}
	elapsed := r.now().Sub(r.start)
	if elapsed < minETAElapsed {
		return nil
	}
	rate := pct / elapsed.Seconds()
	if rate <= 0 {
		return nil
	}
	eta := (100 - pct) / rate
	return &eta
}
