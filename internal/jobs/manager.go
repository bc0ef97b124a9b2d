// Package jobs runs stage work asynchronously. Submit registers a job
// and returns immediately; a retrypool worker pool executes it and the
// caller polls (or Waits) for the terminal status. A handler failure or
// panic only ever fails its own job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/store"
	"github.com/trialmesh/trialmesh/internal/types"
)

// Handler executes one stage's work. The returned value becomes the
// job's immutable result.
type Handler func(ctx context.Context, job *types.Job) (any, error)

// TerminalFunc is called once per job, right after its terminal status
// is recorded.
type TerminalFunc func(ctx context.Context, workflowID string, stage types.Stage, result any, errMsg string)

type jobRequest struct {
	jobID string
}

type jobResponse struct{}

type jobTask = retrypool.RequestResponse[*jobRequest, *jobResponse]

const DefaultWorkers = 4

type Manager struct {
	store      *store.Store
	logger     logging.Logger
	handlers   map[types.Stage]Handler
	onTerminal TerminalFunc
	pool       *retrypool.Pool[*jobTask]
}

// NewManager validates the handler registry and starts the worker pool.
// The registry is closed: every stage key must have a handler and no
// unknown keys are accepted, so a submit can never miss at runtime.
func NewManager(ctx context.Context, s *store.Store, logger logging.Logger, handlers map[types.Stage]Handler, workers int, onTerminal TerminalFunc) (*Manager, error) {
	for _, stage := range types.StageOrder {
		if handlers[stage] == nil {
			return nil, fmt.Errorf("no handler registered for stage %s", stage)
		}
	}
	for stage := range handlers {
		if !types.ValidStage(stage) {
			return nil, fmt.Errorf("handler registered for unknown stage %q", stage)
		}
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	m := &Manager{
		store:      s,
		logger:     logger,
		handlers:   handlers,
		onTerminal: onTerminal,
	}

	poolWorkers := []retrypool.Worker[*jobTask]{}
	for i := 0; i < workers; i++ {
		poolWorkers = append(poolWorkers, &jobWorker{manager: m})
	}

	m.pool = retrypool.New(
		ctx,
		poolWorkers,
		retrypool.WithAttempts[*jobTask](1),
		retrypool.WithDelay[*jobTask](time.Second/2),
		retrypool.WithOnNewDeadTask[*jobTask](func(task *retrypool.DeadTask[*jobTask], idx int) {
			errs := errors.New("job task abandoned")
			for _, e := range task.Errors {
				errs = errors.Join(errs, e)
			}
			m.failAbandoned(ctx, task.Data.Request.jobID, errs)
			task.Data.CompleteWithError(errs)
			if _, err := m.pool.PullDeadTask(idx); err != nil {
				m.logger.Error(ctx, "Failed to pull dead task", "error", err)
			}
		}),
	)

	return m, nil
}

// Submit creates a pending job for (workflow, stage) and schedules it.
// At most one non-terminal job may exist per pair; a second submit while
// one is pending or running fails with Conflict.
func (m *Manager) Submit(ctx context.Context, workflowID string, stage types.Stage, payload any, description string) (*types.Job, error) {
	if !types.ValidStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", types.ErrNotFound, stage)
	}
	if _, err := m.store.GetWorkflow(workflowID); err != nil {
		return nil, err
	}

	job := &types.Job{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Stage:       stage,
		Status:      types.JobStatusPending,
		Payload:     payload,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}

	task := retrypool.NewRequestResponse[*jobRequest, *jobResponse](&jobRequest{jobID: job.ID})
	if err := m.pool.Submit(task); err != nil {
		m.finish(ctx, job.ID, nil, fmt.Sprintf("scheduling failed: %v", err))
		return nil, fmt.Errorf("submitting job %s: %w", job.ID, err)
	}

	m.logger.Info(ctx, "Job submitted",
		"jobID", job.ID, "workflowID", workflowID, "stage", stage, "description", description)
	return job.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, jobID string) (*types.Job, error) {
	return m.store.GetJob(jobID)
}

// GetByStage returns the most recent job for the pair, any status.
func (m *Manager) GetByStage(ctx context.Context, workflowID string, stage types.Stage) (*types.Job, error) {
	return m.store.LatestJobForStage(workflowID, stage)
}

// GetActiveByStage returns the pending or running job for the pair, or
// nil when the slot is free.
func (m *Manager) GetActiveByStage(ctx context.Context, workflowID string, stage types.Stage) (*types.Job, error) {
	return m.store.ActiveJobForStage(workflowID, stage)
}

// Wait polls until the job reaches a terminal status, backing off with
// capped fibonacci delays. It returns the terminal job record.
func (m *Manager) Wait(ctx context.Context, jobID string) (*types.Job, error) {
	var out *types.Job
	backoff := retry.WithCappedDuration(2*time.Second, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		job, err := m.store.GetJob(jobID)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return retry.RetryableError(fmt.Errorf("job %s still %s", jobID, job.Status))
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WaitIdle blocks until the pool has no queued or in-flight work.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.pool.WaitWithCallback(ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, 50*time.Millisecond)
}

func (m *Manager) Close() error {
	if err := m.pool.Close(); err != nil {
		if err != context.Canceled {
			return fmt.Errorf("closing job pool: %w", err)
		}
	}
	return nil
}

// runJob executes the handler for one job. Handler errors and panics
// are captured in the job record; only infrastructure failures (an
// unknown job id) surface as errors.
func (m *Manager) runJob(ctx context.Context, jobID string) error {
	job, err := m.store.MarkJobRunning(jobID)
	if err != nil {
		return fmt.Errorf("starting job %s: %w", jobID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(ctx, "Job handler panicked", "jobID", jobID, "panic", r)
			m.finish(ctx, jobID, nil, fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	handler := m.handlers[job.Stage]
	result, err := handler(ctx, job)
	if err != nil {
		m.finish(ctx, jobID, nil, err.Error())
		return nil
	}
	m.finish(ctx, jobID, result, "")
	return nil
}

// finish records the terminal outcome exactly once. The callback runs
// before the status flips so a poller that observes a terminal job also
// observes its effect on the workflow stage.
func (m *Manager) finish(ctx context.Context, jobID string, result any, errMsg string) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		m.logger.Warn(ctx, "Cannot finish job", "jobID", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		// The first outcome stands.
		return
	}

	if m.onTerminal != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error(ctx, "Terminal callback panicked", "jobID", jobID, "panic", r)
				}
			}()
			m.onTerminal(ctx, job.WorkflowID, job.Stage, result, errMsg)
		}()
	}

	if _, err := m.store.CompleteJob(jobID, result, errMsg); err != nil {
		m.logger.Warn(ctx, "Job terminal transition rejected", "jobID", jobID, "error", err)
		return
	}
	if errMsg != "" {
		m.logger.Warn(ctx, "Job failed", "jobID", jobID, "workflowID", job.WorkflowID, "stage", job.Stage, "error", errMsg)
	} else {
		m.logger.Info(ctx, "Job completed", "jobID", jobID, "workflowID", job.WorkflowID, "stage", job.Stage)
	}
}

// failAbandoned handles tasks the pool gave up on before the handler
// could record an outcome.
func (m *Manager) failAbandoned(ctx context.Context, jobID string, cause error) {
	job, err := m.store.GetJob(jobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	m.finish(ctx, jobID, nil, cause.Error())
}

type jobWorker struct {
	manager *Manager
}

func (w *jobWorker) OnStart(ctx context.Context) {}

func (w *jobWorker) Run(ctx context.Context, task *jobTask) error {
	if err := w.manager.runJob(ctx, task.Request.jobID); err != nil {
		task.CompleteWithError(err)
		return err
	}
	task.Complete(&jobResponse{})
	return nil
}
