// Package engine owns workflow lifecycle semantics: status transitions,
// ordered stage advancement, manual stage overrides, and stage analysis.
// The status machine is enforced through qmuntal/stateless; stage-level
// rules live in the update closures so every decision happens inside the
// store's write transaction.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/store"
	"github.com/trialmesh/trialmesh/internal/types"
)

const (
	triggerStart    = "start"
	triggerPause    = "pause"
	triggerResume   = "resume"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerReopen   = "reopen"
)

type Engine struct {
	store    *store.Store
	logger   logging.Logger
	analyzer StageAnalyzer
}

func New(s *store.Store, logger logging.Logger, analyzer StageAnalyzer) *Engine {
	return &Engine{store: s, logger: logger, analyzer: analyzer}
}

// machineFor builds the status machine over the given record. State is
// read from and written back to wf.Status, so firing a trigger mutates
// the record in place and an illegal trigger leaves it untouched.
func machineFor(wf *types.Workflow) *stateless.StateMachine {
	fsm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) { return wf.Status, nil },
		func(_ context.Context, state stateless.State) error {
			wf.Status = state.(types.WorkflowStatus)
			return nil
		},
		stateless.FiringQueued,
	)

	fsm.Configure(types.WorkflowStatusCreated).
		Permit(triggerStart, types.WorkflowStatusRunning)

	fsm.Configure(types.WorkflowStatusRunning).
		Permit(triggerPause, types.WorkflowStatusPaused).
		Permit(triggerComplete, types.WorkflowStatusCompleted).
		Permit(triggerFail, types.WorkflowStatusFailed)

	fsm.Configure(types.WorkflowStatusPaused).
		Permit(triggerResume, types.WorkflowStatusRunning).
		Permit(triggerComplete, types.WorkflowStatusCompleted)

	fsm.Configure(types.WorkflowStatusFailed).
		Permit(triggerResume, types.WorkflowStatusRunning).
		Permit(triggerReopen, types.WorkflowStatusRunning)

	fsm.Configure(types.WorkflowStatusCompleted).
		Permit(triggerReopen, types.WorkflowStatusRunning)

	return fsm
}

func fire(ctx context.Context, wf *types.Workflow, trigger string) error {
	if err := machineFor(wf).FireCtx(ctx, trigger); err != nil {
		return fmt.Errorf("%w: cannot %s workflow %s from status %s",
			types.ErrInvalidState, trigger, wf.ID, wf.Status)
	}
	return nil
}

type CreateRequest struct {
	Name        string
	TrialName   string
	Description string
	Metadata    map[string]string
}

// Create registers a new workflow and immediately starts it at the first
// stage. Fails with Conflict while another workflow holds the active slot.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*types.Workflow, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: workflow name is required", types.ErrInvalidState)
	}

	now := time.Now().UTC()
	wf := &types.Workflow{
		ID:          uuid.NewString(),
		Name:        req.Name,
		TrialName:   req.TrialName,
		Description: req.Description,
		Status:      types.WorkflowStatusCreated,
		Stages:      types.NewStages(),
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := fire(ctx, wf, triggerStart); err != nil {
		return nil, err
	}

	first := types.StageOrder[0]
	wf.CurrentStage = first
	started := now
	wf.Stages[first].Status = types.StageStatusInProgress
	wf.Stages[first].StartedAt = &started

	if err := e.store.CreateWorkflow(wf); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Workflow created", "workflowID", wf.ID, "name", wf.Name, "trial", wf.TrialName)
	return wf, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*types.Workflow, error) {
	return e.store.GetWorkflow(id)
}

func (e *Engine) List(ctx context.Context) ([]*types.Workflow, error) {
	return e.store.ListWorkflows()
}

func (e *Engine) ListByTrial(ctx context.Context, trialName string) ([]*types.Workflow, error) {
	return e.store.ListWorkflowsByTrial(trialName)
}

func (e *Engine) Active(ctx context.Context) (*types.Workflow, error) {
	return e.store.ActiveWorkflow()
}

func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.store.DeleteWorkflow(id); err != nil {
		return err
	}
	e.logger.Info(ctx, "Workflow deleted", "workflowID", id)
	return nil
}

// Advance moves the workflow to the next stage. The current stage must be
// completed. Advancing past the last stage completes the workflow and
// clears the current stage; any further Advance is an invalid state.
func (e *Engine) Advance(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		if wf.Status != types.WorkflowStatusRunning && wf.Status != types.WorkflowStatusPaused {
			return fmt.Errorf("%w: cannot advance workflow %s with status %s",
				types.ErrInvalidState, id, wf.Status)
		}
		if wf.CurrentStage == "" {
			return fmt.Errorf("%w: workflow %s has no current stage", types.ErrInvalidState, id)
		}
		current := wf.Stages[wf.CurrentStage]
		if current.Status != types.StageStatusCompleted {
			return fmt.Errorf("%w: stage %s is %s, must be completed before advancing",
				types.ErrInvalidState, wf.CurrentStage, current.Status)
		}

		next := types.NextStage(wf.CurrentStage)
		if next == "" {
			if err := fire(ctx, wf, triggerComplete); err != nil {
				return err
			}
			wf.CurrentStage = ""
			return nil
		}

		wf.CurrentStage = next
		now := time.Now().UTC()
		wf.Stages[next].Status = types.StageStatusInProgress
		wf.Stages[next].StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Workflow advanced", "workflowID", id, "currentStage", wf.CurrentStage, "status", wf.Status)
	return wf, nil
}

// Pause suspends a running workflow. Jobs already in flight are not
// interrupted; their results still land when they finish.
func (e *Engine) Pause(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		return fire(ctx, wf, triggerPause)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Workflow paused", "workflowID", id)
	return wf, nil
}

// Resume returns a paused or failed workflow to running. Resuming out of
// failure resets the failed current stage to not_started so it can be
// attempted again.
func (e *Engine) Resume(ctx context.Context, id string) (*types.Workflow, error) {
	wf, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		wasFailed := wf.Status == types.WorkflowStatusFailed
		if err := fire(ctx, wf, triggerResume); err != nil {
			return err
		}
		if wasFailed && wf.CurrentStage != "" {
			stage := wf.Stages[wf.CurrentStage]
			if stage.Status == types.StageStatusFailed {
				resetStage(stage)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Workflow resumed", "workflowID", id, "currentStage", wf.CurrentStage)
	return wf, nil
}

func resetStage(sr *types.StageResult) {
	sr.Status = types.StageStatusNotStarted
	sr.StartedAt = nil
	sr.CompletedAt = nil
	sr.OutputData = nil
	sr.Error = ""
	sr.Recommendation = nil
}

// UpdateStage is the manual override path. Marking a stage completed is
// allowed without output data: a coordinator signing off on work done
// outside the system is a supported escape hatch. Marking a stage
// not_started rewinds it and every later stage and moves the current
// stage pointer back, reopening a finished workflow if necessary.
func (e *Engine) UpdateStage(ctx context.Context, id string, stage types.Stage, status types.StageStatus, output any, errMsg string) (*types.Workflow, error) {
	if !types.ValidStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", types.ErrNotFound, stage)
	}
	wf, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		sr := wf.Stages[stage]
		now := time.Now().UTC()

		switch status {
		case types.StageStatusInProgress:
			sr.Status = types.StageStatusInProgress
			if sr.StartedAt == nil {
				sr.StartedAt = &now
			}
			sr.Error = ""

		case types.StageStatusCompleted:
			sr.Status = types.StageStatusCompleted
			sr.CompletedAt = &now
			if sr.StartedAt == nil {
				sr.StartedAt = &now
			}
			if output != nil {
				sr.OutputData = output
			}
			sr.Error = ""

		case types.StageStatusFailed:
			sr.Status = types.StageStatusFailed
			sr.CompletedAt = &now
			sr.Error = errMsg
			if stage == wf.CurrentStage && wf.Status == types.WorkflowStatusRunning {
				if err := fire(ctx, wf, triggerFail); err != nil {
					return err
				}
			}

		case types.StageStatusNotStarted:
			rewind := false
			for _, s := range types.StageOrder {
				if s == stage {
					rewind = true
				}
				if rewind {
					resetStage(wf.Stages[s])
				}
			}
			wf.CurrentStage = stage
			if wf.Status == types.WorkflowStatusCompleted || wf.Status == types.WorkflowStatusFailed {
				if err := fire(ctx, wf, triggerReopen); err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("%w: unknown stage status %q", types.ErrInvalidState, status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug(ctx, "Stage updated", "workflowID", id, "stage", stage, "status", status)
	return wf, nil
}

// GetStage returns one stage's record.
func (e *Engine) GetStage(ctx context.Context, id string, stage types.Stage) (*types.StageResult, error) {
	if !types.ValidStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", types.ErrNotFound, stage)
	}
	wf, err := e.store.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	return wf.Stages[stage], nil
}

// AppendConversation adds a message to a stage's conversation log.
func (e *Engine) AppendConversation(ctx context.Context, id string, stage types.Stage, msg types.ConversationMessage) error {
	if !types.ValidStage(stage) {
		return fmt.Errorf("%w: unknown stage %q", types.ErrNotFound, stage)
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		sr := wf.Stages[stage]
		sr.Conversation = append(sr.Conversation, msg)
		return nil
	})
	return err
}

// Conversation returns a stage's full message history.
func (e *Engine) Conversation(ctx context.Context, id string, stage types.Stage) ([]types.ConversationMessage, error) {
	sr, err := e.GetStage(ctx, id, stage)
	if err != nil {
		return nil, err
	}
	return sr.Conversation, nil
}

// RecordJobOutcome lands a terminal job result on the workflow's stage
// record: success marks the stage completed with the job's result as
// output, failure marks it failed with the job's error.
func (e *Engine) RecordJobOutcome(ctx context.Context, workflowID string, stage types.Stage, result any, errMsg string) error {
	status := types.StageStatusCompleted
	if errMsg != "" {
		status = types.StageStatusFailed
	}
	_, err := e.UpdateStage(ctx, workflowID, stage, status, result, errMsg)
	return err
}
