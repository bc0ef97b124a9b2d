package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/trialmesh/trialmesh/internal/types"
)

// CreateJob inserts a new job record. The one-non-terminal-job-per
// (workflow, stage) check and the insert run inside one write transaction.
func (s *Store) CreateJob(job *types.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableJob, "workflow", job.WorkflowID)
	if err != nil {
		return fmt.Errorf("scanning jobs: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		existing := raw.(*types.Job)
		if existing.Stage == job.Stage && !existing.Status.Terminal() {
			return fmt.Errorf(
				"%w: job %s is still %s for workflow %s stage %s",
				types.ErrConflict, existing.ID, existing.Status, job.WorkflowID, job.Stage,
			)
		}
	}

	if err := txn.Insert(tableJob, job.Clone()); err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *Store) GetJob(id string) (*types.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableJob, "id", id)
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: job %q", types.ErrNotFound, id)
	}
	return raw.(*types.Job).Clone(), nil
}

// UpdateJob applies fn to a copy of the stored job and writes it back.
// Terminal jobs are frozen: fn never sees a completed or failed record.
func (s *Store) UpdateJob(id string, fn func(job *types.Job) error) (*types.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJob, "id", id)
	if err != nil {
		return nil, fmt.Errorf("reading job: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: job %q", types.ErrNotFound, id)
	}

	job := raw.(*types.Job).Clone()
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s already %s", types.ErrInvalidState, id, job.Status)
	}
	if err := fn(job); err != nil {
		return nil, err
	}

	if err := txn.Insert(tableJob, job); err != nil {
		return nil, fmt.Errorf("updating job: %w", err)
	}
	txn.Commit()
	return job.Clone(), nil
}

// LatestJobForStage returns the most recently created job for the pair,
// regardless of status.
func (s *Store) LatestJobForStage(workflowID string, stage types.Stage) (*types.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJob, "workflow", workflowID)
	if err != nil {
		return nil, fmt.Errorf("scanning jobs: %w", err)
	}
	var latest *types.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		job := raw.(*types.Job)
		if job.Stage != stage {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no job for workflow %s stage %s", types.ErrNotFound, workflowID, stage)
	}
	return latest.Clone(), nil
}

// ActiveJobForStage returns the pending or running job for the pair, or nil.
// The store invariant guarantees there is at most one.
func (s *Store) ActiveJobForStage(workflowID string, stage types.Stage) (*types.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJob, "workflow", workflowID)
	if err != nil {
		return nil, fmt.Errorf("scanning jobs: %w", err)
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		job := raw.(*types.Job)
		if job.Stage == stage && !job.Status.Terminal() {
			return job.Clone(), nil
		}
	}
	return nil, nil
}

// ListJobs returns every job for a workflow ordered by creation time.
func (s *Store) ListJobs(workflowID string) ([]*types.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJob, "workflow", workflowID)
	if err != nil {
		return nil, fmt.Errorf("scanning jobs: %w", err)
	}
	var out []*types.Job
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*types.Job).Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkJobRunning flips a pending job to running and stamps StartedAt.
func (s *Store) MarkJobRunning(id string) (*types.Job, error) {
	return s.UpdateJob(id, func(job *types.Job) error {
		if job.Status != types.JobStatusPending {
			return fmt.Errorf("%w: job %s is %s, expected pending", types.ErrInvalidState, id, job.Status)
		}
		now := time.Now().UTC()
		job.Status = types.JobStatusRunning
		job.StartedAt = &now
		return nil
	})
}

// CompleteJob records the terminal outcome exactly once. An empty errMsg
// means success.
func (s *Store) CompleteJob(id string, result any, errMsg string) (*types.Job, error) {
	return s.UpdateJob(id, func(job *types.Job) error {
		now := time.Now().UTC()
		job.CompletedAt = &now
		if errMsg != "" {
			job.Status = types.JobStatusFailed
			job.Error = errMsg
			return nil
		}
		job.Status = types.JobStatusCompleted
		job.Result = result
		return nil
	})
}
