// Package queue implements the bounded-concurrency execution engine for
// training runs: a fixed pool of workers consuming submitted jobs, with
// idempotent submission, cooperative cancellation, and write-through of every
// lifecycle transition to the run store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/novalto/traind/internal/artifacts"
	"github.com/novalto/traind/internal/dataset"
	"github.com/novalto/traind/internal/model"
	"github.com/novalto/traind/internal/progress"
	"github.com/novalto/traind/internal/store"
	"github.com/novalto/traind/internal/trainer"
)

// ErrQueueFull is returned when a job cannot be enqueued without blocking.
var ErrQueueFull = errors.New("job queue is full")

const (
	defaultWorkers        = 2
	defaultCapacity       = 1024
	defaultIdempotencyTTL = 10 * time.Minute
)

// JobRequest is a transient unit of work correlated to a run. It is not
// persisted beyond the queue.
type JobRequest struct {
	RunID          string
	GroupKey       string
	BaseModel      string
	Algo           string
	ExpName        string
	DatasetInline  []json.RawMessage
	DatasetURL     string
	IdempotencyKey string
	Hyperparams    map[string]float64
}

// Options configures a JobQueue. Zero values fall back to defaults.
type Options struct {
	Workers        int
	Capacity       int
	JobTimeout     time.Duration
	IdempotencyTTL time.Duration
}

// JobQueue is the worker pool processing training jobs. At most Workers jobs
// execute simultaneously; everything else waits in FIFO order.
type JobQueue struct {
	store     store.Store
	trainer   trainer.Trainer
	datasets  *dataset.Materializer
	publisher artifacts.Publisher
	broker    *progress.Broker
	logger    *slog.Logger
	opts      Options

	jobs chan *JobRequest
	wg   sync.WaitGroup

	mu       sync.Mutex
	active   map[string]context.CancelFunc // run id → cancel for the in-flight unit
	idem     map[string]string             // idempotency key → run id
	running  bool
	shutdown context.CancelFunc
}

// New creates a stopped JobQueue.
func New(s store.Store, tr trainer.Trainer, ds *dataset.Materializer, pub artifacts.Publisher, broker *progress.Broker, logger *slog.Logger, opts Options) *JobQueue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}

	return &JobQueue{
		store:     s,
		trainer:   tr,
		datasets:  ds,
		publisher: pub,
		broker:    broker,
		logger:    logger,
		opts:      opts,
		jobs:      make(chan *JobRequest, opts.Capacity),
		active:    make(map[string]context.CancelFunc),
		idem:      make(map[string]string),
	}
}

// Start spins up the worker pool. Calling Start on a running queue is a no-op.
func (q *JobQueue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true

	ctx, cancel := context.WithCancel(context.Background())
	q.shutdown = cancel
	q.mu.Unlock()

	q.logger.Info("starting job queue", "workers", q.opts.Workers)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop signals every worker and in-flight job to terminate and waits for both
// the jobs' unwinding and the worker loops' exit. Calling Stop on a stopped
// queue is a no-op.
func (q *JobQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.shutdown()
	for _, cancel := range q.active {
		cancel()
	}
	q.mu.Unlock()

	q.logger.Info("stopping job queue")
	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

// Submit enqueues a job and returns its run id. When the job carries an
// idempotency key already seen within the retention window, the previously
// mapped run id is returned and no new work is scheduled. Enqueue never blocks.
func (q *JobQueue) Submit(job *JobRequest) (string, error) {
	if job.IdempotencyKey != "" {
		q.mu.Lock()
		if existing, ok := q.idem[job.IdempotencyKey]; ok {
			q.mu.Unlock()
			q.logger.Info("idempotent submission, returning existing run",
				"key", job.IdempotencyKey, "run_id", existing)
			return existing, nil
		}
		q.idem[job.IdempotencyKey] = job.RunID
		q.mu.Unlock()

		// Each entry schedules its own expiry.
		key := job.IdempotencyKey
		time.AfterFunc(q.opts.IdempotencyTTL, func() {
			q.mu.Lock()
			delete(q.idem, key)
			q.mu.Unlock()
		})
	}

	select {
	case q.jobs <- job:
	default:
		if job.IdempotencyKey != "" {
			q.mu.Lock()
			delete(q.idem, job.IdempotencyKey)
			q.mu.Unlock()
		}
		return "", ErrQueueFull
	}

	queueDepth.Set(float64(len(q.jobs)))
	q.logger.Info("submitted job", "run_id", job.RunID, "queue_depth", len(q.jobs))
	return job.RunID, nil
}

// CancelJob cancels a run. An actively executing job has its unit of work
// signalled; a still-queued job is only marked cancelled in the store, and
// the worker's dequeue-time status check discards it later. Reports false when
// the run is not in a cancellable state.
func (q *JobQueue) CancelJob(runID string) bool {
	q.mu.Lock()
	cancel, isActive := q.active[runID]
	q.mu.Unlock()

	if isActive {
		q.finish(runID, model.StatusCancelled, "")
		cancel()
		q.logger.Info("cancelled running job", "run_id", runID)
		return true
	}

	run, err := q.store.GetRun(runID)
	if err == nil && run.Status == model.StatusQueued {
		q.finish(runID, model.StatusCancelled, "")
		q.logger.Info("marked queued job as cancelled", "run_id", runID)
		return true
	}

	return false
}

// Depth returns the number of jobs waiting in the queue.
func (q *JobQueue) Depth() int {
	return len(q.jobs)
}

// ActiveJobs returns the number of jobs currently executing.
func (q *JobQueue) ActiveJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

// worker waits for the next job or the shutdown signal, whichever comes
// first, and executes jobs synchronously so that the pool size bounds the
// number of simultaneously running jobs.
func (q *JobQueue) worker(ctx context.Context, name string) {
	defer q.wg.Done()
	q.logger.Info("worker started", "worker", name)

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("worker stopped", "worker", name)
			return
		case job := <-q.jobs:
			queueDepth.Set(float64(len(q.jobs)))

			// The run may have been cancelled while still queued.
			run, err := q.store.GetRun(job.RunID)
			if err != nil || run.Status == model.StatusCancelled {
				q.logger.Info("skipping cancelled job", "run_id", job.RunID, "worker", name)
				continue
			}

			if !q.store.UpdateStatus(job.RunID, model.StatusRunning, "") {
				// Lost a race with cancellation between the check above and here.
				continue
			}

			jobCtx, cancel := q.jobContext(ctx)
			q.mu.Lock()
			q.active[job.RunID] = cancel
			q.mu.Unlock()
			activeJobs.Inc()

			q.logger.Info("processing job", "run_id", job.RunID, "worker", name)
			q.process(jobCtx, job)

			cancel()
			q.mu.Lock()
			delete(q.active, job.RunID)
			q.mu.Unlock()
			activeJobs.Dec()
		}
	}
}

func (q *JobQueue) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	if q.opts.JobTimeout > 0 {
		return context.WithTimeout(parent, q.opts.JobTimeout)
	}
	return context.WithCancel(parent)
}

// process runs one job end to end. Any failure terminates the run as failed
// with the captured message; cancellation terminates it as cancelled with no
// message. The materialized dataset file is removed on every path.
func (q *JobQueue) process(ctx context.Context, job *JobRequest) {
	defer q.broker.Close(job.RunID)
	defer func() {
		// The trainer is an opaque external call; a panic there must not take
		// the worker down with it.
		if r := recover(); r != nil {
			q.finish(job.RunID, model.StatusFailed, fmt.Sprintf("job panicked: %v", r))
		}
	}()

	rep := progress.NewReporter(job.RunID, q.store, q.broker, q.logger)
	rep.UpdatePhase("preparing", "materializing dataset")

	datasetPath, err := q.datasets.Materialize(ctx, job.RunID, job.DatasetInline, job.DatasetURL)
	if err != nil {
		q.finish(job.RunID, model.StatusFailed, fmt.Sprintf("prepare dataset: %v", err))
		return
	}
	defer func() {
		if err := os.Remove(datasetPath); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("failed to remove dataset file", "run_id", job.RunID, "error", err)
		}
	}()

	result, err := q.trainer.Train(ctx, trainer.Spec{
		RunID:       job.RunID,
		BaseModel:   job.BaseModel,
		Algo:        job.Algo,
		ExpName:     job.ExpName,
		DatasetPath: datasetPath,
		Hyperparams: job.Hyperparams,
	}, rep)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			q.finish(job.RunID, model.StatusCancelled, "")
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			q.finish(job.RunID, model.StatusFailed, fmt.Sprintf("job timed out after %s", q.opts.JobTimeout))
		default:
			q.finish(job.RunID, model.StatusFailed, err.Error())
		}
		return
	}

	rep.UpdatePhase("publishing", "storing artifacts")
	upd, err := q.publishArtifacts(ctx, job.RunID, result)
	if err != nil {
		q.finish(job.RunID, model.StatusFailed, fmt.Sprintf("publish artifacts: %v", err))
		return
	}

	q.store.UpdateArtifacts(job.RunID, upd)
	q.finish(job.RunID, model.StatusCompleted, "")
	q.logger.Info("job completed", "run_id", job.RunID)
}

// publishArtifacts pushes the trainer's outputs to durable storage and
// builds the artifact update for the run record.
func (q *JobQueue) publishArtifacts(ctx context.Context, runID string, result trainer.Result) (store.ArtifactUpdate, error) {
	upd := store.ArtifactUpdate{Metrics: result.Metrics}

	publish := func(localPath string) (*string, error) {
		if localPath == "" {
			return nil, nil
		}
		ref, err := q.publisher.Publish(ctx, runID, filepath.Base(localPath), localPath)
		if err != nil {
			return nil, err
		}
		return &ref, nil
	}

	var err error
	if upd.CheckpointURL, err = publish(result.CheckpointPath); err != nil {
		return store.ArtifactUpdate{}, err
	}
	if upd.ReportURL, err = publish(result.ReportPath); err != nil {
		return store.ArtifactUpdate{}, err
	}
	if upd.LogsURL, err = publish(result.LogsPath); err != nil {
		return store.ArtifactUpdate{}, err
	}
	return upd, nil
}

func (q *JobQueue) finish(runID, status, errorMessage string) {
	if q.store.UpdateStatus(runID, status, errorMessage) {
		runsFinished.WithLabelValues(status).Inc()
	}
	if status == model.StatusFailed {
		q.logger.Error("job failed", "run_id", runID, "error", errorMessage)
	}
}
