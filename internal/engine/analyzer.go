package engine

import (
	"context"
	"fmt"

	"github.com/trialmesh/trialmesh/internal/types"
)

// StageAnalyzer reviews a completed stage's output and produces a
// structured recommendation. Implementations must not mutate the workflow.
type StageAnalyzer interface {
	Analyze(ctx context.Context, wf *types.Workflow, stage types.Stage, output any) (*types.Recommendation, error)
}

// AnalyzeStage runs the configured analyzer over a completed stage, stores
// the recommendation on the stage record, and, when autoAdvance is set and
// the analyzer says proceed, advances the workflow. An advance that fails
// after a successful analysis is downgraded to a warning: the
// recommendation is already saved and the caller can advance manually.
func (e *Engine) AnalyzeStage(ctx context.Context, id string, stage types.Stage, autoAdvance bool) (*types.Recommendation, error) {
	if e.analyzer == nil {
		return nil, fmt.Errorf("%w: no stage analyzer configured", types.ErrInvalidState)
	}
	if !types.ValidStage(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", types.ErrNotFound, stage)
	}

	wf, err := e.store.GetWorkflow(id)
	if err != nil {
		return nil, err
	}
	sr := wf.Stages[stage]
	if sr.Status != types.StageStatusCompleted {
		return nil, fmt.Errorf("%w: stage %s is %s, analysis requires a completed stage",
			types.ErrInvalidState, stage, sr.Status)
	}

	rec, err := e.analyzer.Analyze(ctx, wf, stage, sr.OutputData)
	if err != nil {
		return nil, fmt.Errorf("analyzing stage %s: %w", stage, err)
	}
	rec.QualityScore = clamp01(rec.QualityScore)

	if _, err := e.store.UpdateWorkflow(id, func(wf *types.Workflow) error {
		wf.Stages[stage].Recommendation = rec
		return nil
	}); err != nil {
		return nil, err
	}
	e.logger.Info(ctx, "Stage analyzed",
		"workflowID", id, "stage", stage,
		"recommendation", rec.Action, "qualityScore", rec.QualityScore)

	if autoAdvance && rec.Action == types.RecommendationProceed && stage == wf.CurrentStage {
		if _, err := e.Advance(ctx, id); err != nil {
			e.logger.Warn(ctx, "Auto-advance after analysis failed",
				"workflowID", id, "stage", stage, "error", err)
		}
	}
	return rec, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
