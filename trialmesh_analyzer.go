package trialmesh

import (
	"context"
	"fmt"

	"github.com/trialmesh/trialmesh/internal/cohort"
	"github.com/trialmesh/trialmesh/internal/monitoring"
	"github.com/trialmesh/trialmesh/internal/screening"
	"github.com/trialmesh/trialmesh/internal/types"
)

// RuleAnalyzer is the built-in stage analyzer: deterministic rules over
// the typed stage outputs. It is deliberately conservative; anything it
// cannot read gets a review recommendation, never a proceed.
type RuleAnalyzer struct{}

func NewRuleAnalyzer() *RuleAnalyzer { return &RuleAnalyzer{} }

func (a *RuleAnalyzer) Analyze(ctx context.Context, wf *types.Workflow, stage types.Stage, output any) (*types.Recommendation, error) {
	switch out := output.(type) {
	case *screening.Aggregate:
		return analyzeScreening(out), nil
	case *monitoring.Aggregate:
		return analyzeMonitoring(out), nil
	case *cohort.Report:
		return analyzeCohort(out), nil
	case nil:
		return &types.Recommendation{
			Action:       types.RecommendationReview,
			QualityScore: 0.5,
			StageSummary: fmt.Sprintf("Stage %s completed without recorded output.", stage),
			Rationale:    "No output data to evaluate; a human should confirm the stage result.",
		}, nil
	default:
		return &types.Recommendation{
			Action:       types.RecommendationReview,
			QualityScore: 0.5,
			StageSummary: fmt.Sprintf("Stage %s produced output of type %T.", stage, output),
			Rationale:    "Automated rules cannot evaluate this output shape.",
		}, nil
	}
}

func analyzeScreening(agg *screening.Aggregate) *types.Recommendation {
	rec := &types.Recommendation{
		Action: types.RecommendationProceed,
		StageSummary: fmt.Sprintf(
			"Screened %d patients across %d sites; %d eligible (%.1f%%).",
			agg.TotalPatients, agg.SitesQueried-agg.SitesFailed,
			agg.EligiblePatients, agg.EligibilityRate*100),
	}

	quality := 1.0
	if agg.SitesQueried > 0 {
		quality -= 0.5 * float64(agg.SitesFailed) / float64(agg.SitesQueried)
	}
	if agg.TotalPatients > 0 {
		quality -= float64(agg.FlaggedForReview) / float64(agg.TotalPatients)
	}

	if agg.SitesFailed > 0 {
		rec.Action = types.RecommendationReview
		rec.Anomalies = append(rec.Anomalies,
			fmt.Sprintf("%d of %d sites did not contribute", agg.SitesFailed, agg.SitesQueried))
		rec.FocusAreas = append(rec.FocusAreas, "site availability")
	}
	if agg.FlaggedForReview > 0 {
		rec.Action = types.RecommendationReview
		rec.Anomalies = append(rec.Anomalies,
			fmt.Sprintf("%d screening decisions flagged for review", agg.FlaggedForReview))
		rec.FocusAreas = append(rec.FocusAreas, "flagged screening decisions")
	}
	if agg.TotalPatients > 0 && agg.Corrected*10 > agg.TotalPatients {
		rec.Action = types.RecommendationAdjust
		rec.SuggestedAdjustments = map[string]string{
			"criteria": "over 10% of decisions were corrected on audit; tighten criterion definitions",
		}
	}
	if agg.EligiblePatients == 0 {
		rec.Action = types.RecommendationAlert
		rec.Anomalies = append(rec.Anomalies, "no eligible patients found")
		quality = 0.2
	}

	rec.QualityScore = quality
	rec.Rationale = "Derived from site participation, audit corrections and flagged decisions."
	return rec
}

func analyzeMonitoring(agg *monitoring.Aggregate) *types.Recommendation {
	rec := &types.Recommendation{
		Action:       types.RecommendationProceed,
		StageSummary: fmt.Sprintf("Monitoring %s round over %d sites.", agg.Type, agg.SitesQueried-agg.SitesFailed),
	}

	quality := 1.0
	if agg.SitesQueried > 0 {
		quality -= 0.5 * float64(agg.SitesFailed) / float64(agg.SitesQueried)
	}

	if agg.SitesFailed > 0 {
		rec.Action = types.RecommendationReview
		rec.Anomalies = append(rec.Anomalies,
			fmt.Sprintf("%d of %d sites did not contribute", agg.SitesFailed, agg.SitesQueried))
		rec.FocusAreas = append(rec.FocusAreas, "site availability")
	}

	serious := 0
	if agg.AdverseEvents != nil {
		serious = agg.AdverseEvents.Serious
	}
	if agg.Progress != nil {
		serious = agg.Progress.SeriousEvents
	}
	if serious > 0 {
		rec.Action = types.RecommendationAlert
		rec.Anomalies = append(rec.Anomalies, fmt.Sprintf("%d serious adverse events reported", serious))
		rec.FocusAreas = append(rec.FocusAreas, "patient safety")
		quality -= 0.3
	}

	if agg.Dropout != nil && agg.Dropout.DropoutRate > 0.2 {
		if rec.Action == types.RecommendationProceed {
			rec.Action = types.RecommendationAdjust
		}
		rec.Anomalies = append(rec.Anomalies,
			fmt.Sprintf("dropout rate %.1f%% exceeds 20%%", agg.Dropout.DropoutRate*100))
		rec.SuggestedAdjustments = map[string]string{
			"retention": "investigate dropout reasons and adjust visit burden",
		}
	}

	rec.QualityScore = quality
	rec.Rationale = "Derived from site participation, safety signals and retention."
	return rec
}

func analyzeCohort(report *cohort.Report) *types.Recommendation {
	rec := &types.Recommendation{
		Action:       types.RecommendationProceed,
		QualityScore: 0.9,
		StageSummary: fmt.Sprintf("Cohort analysis (%s) produced.", report.Intent),
		Rationale:    "Descriptive analysis completed over the formed cohort.",
	}
	if report.Summary != nil {
		rec.StageSummary = fmt.Sprintf("Cohort of %d subjects formed, %d active.",
			report.Summary.Subjects, report.Summary.Active)
		if report.Summary.Subjects == 0 {
			rec.Action = types.RecommendationAlert
			rec.QualityScore = 0.2
			rec.Anomalies = append(rec.Anomalies, "empty cohort")
		}
	}
	return rec
}
