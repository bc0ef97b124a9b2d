// trialmesh orchestrates clinical-trial research workflows: a stage-gated
// workflow engine, an asynchronous job subsystem, and a federated round
// coordinator that aggregates site-level statistics without moving
// patient records.
package trialmesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/trialmesh/trialmesh/internal/cohort"
	"github.com/trialmesh/trialmesh/internal/engine"
	"github.com/trialmesh/trialmesh/internal/federated"
	"github.com/trialmesh/trialmesh/internal/jobs"
	"github.com/trialmesh/trialmesh/internal/logging"
	"github.com/trialmesh/trialmesh/internal/monitoring"
	"github.com/trialmesh/trialmesh/internal/screening"
	"github.com/trialmesh/trialmesh/internal/store"
	"github.com/trialmesh/trialmesh/internal/types"
)

// Logger is the pluggable logging contract used across the system.
type Logger = logging.Logger

// Core record types, re-exported for callers of the facade.
type (
	Workflow            = types.Workflow
	StageResult         = types.StageResult
	Stage               = types.Stage
	WorkflowStatus      = types.WorkflowStatus
	StageStatus         = types.StageStatus
	Job                 = types.Job
	JobStatus           = types.JobStatus
	Recommendation      = types.Recommendation
	ConversationMessage = types.ConversationMessage
	CreateRequest       = engine.CreateRequest
)

// Error sentinels; classify with errors.Is.
var (
	ErrConflict     = types.ErrConflict
	ErrInvalidState = types.ErrInvalidState
	ErrNotFound     = types.ErrNotFound
)

// ScreeningRequest is the payload for a patient_screening job.
type ScreeningRequest struct {
	TrialName string
	Criteria  []screening.Criterion
	Audit     bool
}

// FormationRequest is the payload for a cohort_formation job. When
// Intent is empty the free-text Question is routed to one.
type FormationRequest struct {
	Intent   cohort.Intent
	Question string
}

// MonitoringRequest is the payload for a cohort_monitoring job.
type MonitoringRequest struct {
	TrialName string
	Type      monitoring.QueryType
}

// Orchestrator is the constructible root of the system. All state is
// in-memory and lives for the lifetime of the process.
type Orchestrator struct {
	logger Logger

	store           *store.Store
	engine          *engine.Engine
	jobs            *jobs.Manager
	screeningSites  *federated.Coordinator
	monitoringSites *federated.Coordinator
	cohortEngine    *cohort.Engine
}

func New(ctx context.Context, opts ...trialmeshOption) (*Orchestrator, error) {
	cfg := trialmeshConfig{
		siteTimeout: federated.DefaultSiteTimeout,
		jobWorkers:  jobs.DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewDefault()
	}
	if cfg.analyzer == nil {
		cfg.analyzer = NewRuleAnalyzer()
	}

	s, err := store.New()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		logger:          cfg.logger,
		store:           s,
		engine:          engine.New(s, cfg.logger, cfg.analyzer),
		screeningSites:  federated.NewCoordinator(cfg.logger, cfg.siteTimeout),
		monitoringSites: federated.NewCoordinator(cfg.logger, cfg.siteTimeout),
		cohortEngine:    cohort.NewEngine(cfg.logger),
	}

	handlers := map[types.Stage]jobs.Handler{
		types.StagePatientScreening: o.runScreening,
		types.StageCohortFormation:  o.runFormation,
		types.StageCohortMonitoring: o.runMonitoring,
	}
	onTerminal := func(ctx context.Context, workflowID string, stage types.Stage, result any, errMsg string) {
		if err := o.engine.RecordJobOutcome(ctx, workflowID, stage, result, errMsg); err != nil {
			o.logger.Warn(ctx, "Could not record job outcome on stage",
				"workflowID", workflowID, "stage", stage, "error", err)
		}
	}
	o.jobs, err = jobs.NewManager(ctx, s, cfg.logger, handlers, cfg.jobWorkers, onTerminal)
	if err != nil {
		return nil, err
	}

	cfg.logger.Info(ctx, "Orchestrator ready",
		"jobWorkers", cfg.jobWorkers, "siteTimeout", cfg.siteTimeout)
	return o, nil
}

func (o *Orchestrator) Close() error {
	return o.jobs.Close()
}

// Site and dataset registration.

func (o *Orchestrator) RegisterScreeningSite(site federated.SiteClient) error {
	return o.screeningSites.Register(site)
}

func (o *Orchestrator) RegisterMonitoringSite(site federated.SiteClient) error {
	return o.monitoringSites.Register(site)
}

// CohortEngine exposes the direct analytics engine so callers can load
// the formed cohort dataset.
func (o *Orchestrator) CohortEngine() *cohort.Engine {
	return o.cohortEngine
}

// Workflow lifecycle.

func (o *Orchestrator) CreateWorkflow(ctx context.Context, req CreateRequest) (*Workflow, error) {
	return o.engine.Create(ctx, req)
}

func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return o.engine.Get(ctx, id)
}

func (o *Orchestrator) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	return o.engine.List(ctx)
}

func (o *Orchestrator) ListWorkflowsByTrial(ctx context.Context, trialName string) ([]*Workflow, error) {
	return o.engine.ListByTrial(ctx, trialName)
}

func (o *Orchestrator) ActiveWorkflow(ctx context.Context) (*Workflow, error) {
	return o.engine.Active(ctx)
}

func (o *Orchestrator) DeleteWorkflow(ctx context.Context, id string) error {
	return o.engine.Delete(ctx, id)
}

func (o *Orchestrator) AdvanceWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return o.engine.Advance(ctx, id)
}

func (o *Orchestrator) PauseWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return o.engine.Pause(ctx, id)
}

func (o *Orchestrator) ResumeWorkflow(ctx context.Context, id string) (*Workflow, error) {
	return o.engine.Resume(ctx, id)
}

func (o *Orchestrator) UpdateStage(ctx context.Context, id string, stage Stage, status StageStatus, output any, errMsg string) (*Workflow, error) {
	return o.engine.UpdateStage(ctx, id, stage, status, output, errMsg)
}

func (o *Orchestrator) GetStage(ctx context.Context, id string, stage Stage) (*StageResult, error) {
	return o.engine.GetStage(ctx, id, stage)
}

func (o *Orchestrator) AnalyzeStage(ctx context.Context, id string, stage Stage, autoAdvance bool) (*Recommendation, error) {
	return o.engine.AnalyzeStage(ctx, id, stage, autoAdvance)
}

func (o *Orchestrator) AppendConversation(ctx context.Context, id string, stage Stage, msg ConversationMessage) error {
	return o.engine.AppendConversation(ctx, id, stage, msg)
}

func (o *Orchestrator) Conversation(ctx context.Context, id string, stage Stage) ([]ConversationMessage, error) {
	return o.engine.Conversation(ctx, id, stage)
}

// Jobs.

func (o *Orchestrator) SubmitJob(ctx context.Context, workflowID string, stage Stage, payload any, description string) (*Job, error) {
	return o.jobs.Submit(ctx, workflowID, stage, payload, description)
}

func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return o.jobs.Get(ctx, jobID)
}

func (o *Orchestrator) GetJobByStage(ctx context.Context, workflowID string, stage Stage) (*Job, error) {
	return o.jobs.GetByStage(ctx, workflowID, stage)
}

func (o *Orchestrator) GetActiveJob(ctx context.Context, workflowID string, stage Stage) (*Job, error) {
	return o.jobs.GetActiveByStage(ctx, workflowID, stage)
}

func (o *Orchestrator) WaitJob(ctx context.Context, jobID string) (*Job, error) {
	return o.jobs.Wait(ctx, jobID)
}

// Stage handlers.

func (o *Orchestrator) runScreening(ctx context.Context, job *types.Job) (any, error) {
	var req ScreeningRequest
	switch p := job.Payload.(type) {
	case ScreeningRequest:
		req = p
	case *ScreeningRequest:
		req = *p
	case nil:
		req = ScreeningRequest{Audit: true}
	default:
		return nil, fmt.Errorf("unexpected payload type %T for screening job", job.Payload)
	}
	if req.TrialName == "" {
		wf, err := o.store.GetWorkflow(job.WorkflowID)
		if err != nil {
			return nil, err
		}
		req.TrialName = wf.TrialName
	}

	query, err := federated.Encode(screening.Query{
		TrialName: req.TrialName,
		Criteria:  req.Criteria,
		Audit:     req.Audit,
	})
	if err != nil {
		return nil, err
	}
	outcomes, err := o.screeningSites.RunRound(ctx, query)
	if err != nil {
		return nil, err
	}
	agg, err := screening.Merge(req.TrialName, outcomes)
	if err != nil {
		return nil, err
	}
	if agg.Status == federated.RoundFailed {
		return nil, fmt.Errorf("screening round failed: %s", strings.Join(agg.SiteErrors, "; "))
	}
	return agg, nil
}

func (o *Orchestrator) runFormation(ctx context.Context, job *types.Job) (any, error) {
	var req FormationRequest
	switch p := job.Payload.(type) {
	case FormationRequest:
		req = p
	case *FormationRequest:
		req = *p
	case nil:
	default:
		return nil, fmt.Errorf("unexpected payload type %T for formation job", job.Payload)
	}
	intent := req.Intent
	if intent == "" {
		intent = cohort.RouteIntent(req.Question)
	}
	return o.cohortEngine.Analyze(ctx, intent)
}

func (o *Orchestrator) runMonitoring(ctx context.Context, job *types.Job) (any, error) {
	var req MonitoringRequest
	switch p := job.Payload.(type) {
	case MonitoringRequest:
		req = p
	case *MonitoringRequest:
		req = *p
	case nil:
		req = MonitoringRequest{Type: monitoring.QueryOverallProgress}
	default:
		return nil, fmt.Errorf("unexpected payload type %T for monitoring job", job.Payload)
	}
	if req.Type == "" {
		req.Type = monitoring.QueryOverallProgress
	}
	if req.TrialName == "" {
		wf, err := o.store.GetWorkflow(job.WorkflowID)
		if err != nil {
			return nil, err
		}
		req.TrialName = wf.TrialName
	}

	query, err := federated.Encode(monitoring.Query{
		TrialName: req.TrialName,
		Type:      string(req.Type),
	})
	if err != nil {
		return nil, err
	}
	outcomes, err := o.monitoringSites.RunRound(ctx, query)
	if err != nil {
		return nil, err
	}
	agg, err := monitoring.Merge(req.TrialName, req.Type, outcomes)
	if err != nil {
		return nil, err
	}
	if agg.Status == federated.RoundFailed {
		return nil, fmt.Errorf("monitoring round failed: %s", strings.Join(agg.SiteErrors, "; "))
	}
	return agg, nil
}
