package types

import (
	"time"
)

// Stage is one of the fixed, ordered phases of a clinical-trial workflow.
type Stage string

const (
	StagePatientScreening Stage = "patient_screening"
	StageCohortFormation  Stage = "cohort_formation"
	StageCohortMonitoring Stage = "cohort_monitoring"
)

// StageOrder is the canonical ordering used to determine the next stage.
// It is fixed: stages are never skipped or reordered.
var StageOrder = []Stage{
	StagePatientScreening,
	StageCohortFormation,
	StageCohortMonitoring,
}

// NextStage returns the stage after current, or "" when current is the last
// stage or unknown.
func NextStage(current Stage) Stage {
	for i, s := range StageOrder {
		if s == current && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// ValidStage reports whether s is one of the fixed stage keys.
func ValidStage(s Stage) bool {
	for _, known := range StageOrder {
		if known == s {
			return true
		}
	}
	return false
}

type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Active reports whether the status occupies the single-active-workflow slot.
func (s WorkflowStatus) Active() bool {
	return s == WorkflowStatusCreated || s == WorkflowStatusRunning || s == WorkflowStatusPaused
}

type StageStatus string

const (
	StageStatusNotStarted StageStatus = "not_started"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
)

// ConversationMessage is one entry in a stage's conversation log.
type ConversationMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

// RecommendationAction is the outcome of analyzing a completed stage.
type RecommendationAction string

const (
	RecommendationProceed RecommendationAction = "proceed"
	RecommendationAdjust  RecommendationAction = "adjust"
	RecommendationReview  RecommendationAction = "review"
	RecommendationAlert   RecommendationAction = "alert"
)

// Recommendation is the structured annotation produced by a stage analyzer.
// QualityScore is clamped to [0, 1].
type Recommendation struct {
	Action               RecommendationAction `json:"recommendation"`
	QualityScore         float64              `json:"quality_score"`
	StageSummary         string               `json:"stage_summary"`
	Rationale            string               `json:"rationale,omitempty"`
	Anomalies            []string             `json:"anomalies,omitempty"`
	FocusAreas           []string             `json:"focus_areas,omitempty"`
	SuggestedAdjustments map[string]string    `json:"suggested_adjustments,omitempty"`
}

// StageResult tracks execution state and data for a single workflow stage.
type StageResult struct {
	Stage          Stage                 `json:"stage"`
	Status         StageStatus           `json:"status"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	InputData      any                   `json:"input_data,omitempty"`
	OutputData     any                   `json:"output_data,omitempty"`
	Error          string                `json:"error,omitempty"`
	Conversation   []ConversationMessage `json:"conversation,omitempty"`
	Recommendation *Recommendation       `json:"recommendation,omitempty"`
}

// Workflow is the full record of one clinical-trial workflow.
// At most one workflow may be active (created/running/paused) at a time.
type Workflow struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	TrialName    string                 `json:"trial_name"`
	Status       WorkflowStatus         `json:"status"`
	CurrentStage Stage                  `json:"current_stage,omitempty"`
	Stages       map[Stage]*StageResult `json:"stages"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// NewStages returns a fresh stage map with every stage not_started.
func NewStages() map[Stage]*StageResult {
	stages := make(map[Stage]*StageResult, len(StageOrder))
	for _, s := range StageOrder {
		stages[s] = &StageResult{Stage: s, Status: StageStatusNotStarted}
	}
	return stages
}

// Clone returns a deep copy of the workflow so callers can mutate it
// without racing against readers of the stored record.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Stages = make(map[Stage]*StageResult, len(w.Stages))
	for k, v := range w.Stages {
		sr := *v
		if v.Conversation != nil {
			sr.Conversation = append([]ConversationMessage(nil), v.Conversation...)
		}
		if v.Recommendation != nil {
			rec := *v.Recommendation
			sr.Recommendation = &rec
		}
		cp.Stages[k] = &sr
	}
	if w.Metadata != nil {
		cp.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one asynchronous unit of work bound to exactly one (workflow, stage)
// pair. Result and Error are set exactly once, on the terminal transition,
// and are immutable afterwards.
type Job struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Stage       Stage      `json:"stage"`
	Status      JobStatus  `json:"status"`
	Payload     any        `json:"payload,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a shallow copy of the job record. Payload and Result are
// treated as immutable once set.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}
