package cohort

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialmesh/trialmesh/internal/logging"
)

func loadedEngine() *Engine {
	e := NewEngine(logging.NewNop())
	e.Load(
		Subject{ID: "s-1", Arm: "treatment", Age: 61, Sex: "F", Active: true,
			BaselineLabs: map[string]float64{"hemoglobin": 12.0}},
		Subject{ID: "s-2", Arm: "treatment", Age: 55, Sex: "M", Active: true, Progressed: true,
			BaselineLabs: map[string]float64{"hemoglobin": 13.0}},
		Subject{ID: "s-3", Arm: "control", Age: 48, Sex: "F", Deceased: true,
			BaselineLabs: map[string]float64{"hemoglobin": 11.0}},
		Subject{ID: "s-4", Arm: "control", Age: 72, Sex: "M", Active: true},
	)
	return e
}

func TestRouteIntent(t *testing.T) {
	assert.Equal(t, IntentProgression, RouteIntent("How is disease progression by arm?"))
	assert.Equal(t, IntentMortality, RouteIntent("any deaths so far"))
	assert.Equal(t, IntentMortality, RouteIntent("survival overview"))
	assert.Equal(t, IntentBaselineLabs, RouteIntent("baseline lab distribution"))
	assert.Equal(t, IntentCohortSummary, RouteIntent("give me an overview"))
}

func TestCohortSummary(t *testing.T) {
	report, err := loadedEngine().Analyze(context.Background(), IntentCohortSummary)
	require.NoError(t, err)
	require.NotNil(t, report.Summary)
	assert.Equal(t, 4, report.Summary.Subjects)
	assert.Equal(t, 3, report.Summary.Active)
	assert.Equal(t, 2, report.Summary.ByArm["treatment"])
	assert.Equal(t, [2]int{48, 72}, report.Summary.AgeRange)
	assert.InDelta(t, 59.0, report.Summary.MeanAge, 0.0001)
}

func TestProgressionPerArm(t *testing.T) {
	report, err := loadedEngine().Analyze(context.Background(), IntentProgression)
	require.NoError(t, err)
	require.Len(t, report.Progression, 2)
	// Arms come back sorted.
	assert.Equal(t, "control", report.Progression[0].Arm)
	assert.Equal(t, 0, report.Progression[0].Events)
	assert.Equal(t, "treatment", report.Progression[1].Arm)
	assert.InDelta(t, 0.5, report.Progression[1].EventRate, 0.0001)
}

func TestMortalityPerArm(t *testing.T) {
	report, err := loadedEngine().Analyze(context.Background(), IntentMortality)
	require.NoError(t, err)
	require.Len(t, report.Mortality, 2)
	assert.Equal(t, 1, report.Mortality[0].Events)
	assert.InDelta(t, 0.5, report.Mortality[0].EventRate, 0.0001)
}

func TestBaselineLabs(t *testing.T) {
	report, err := loadedEngine().Analyze(context.Background(), IntentBaselineLabs)
	require.NoError(t, err)
	require.Len(t, report.Labs, 1)
	lab := report.Labs[0]
	assert.Equal(t, "hemoglobin", lab.Name)
	assert.Equal(t, 3, lab.Count)
	assert.InDelta(t, 12.0, lab.Mean, 0.0001)
	assert.Equal(t, 11.0, lab.Min)
	assert.Equal(t, 13.0, lab.Max)
}

func TestAnalyzeEmptyCohort(t *testing.T) {
	_, err := NewEngine(logging.NewNop()).Analyze(context.Background(), IntentCohortSummary)
	require.Error(t, err)
}

func TestAnalyzeUnknownIntent(t *testing.T) {
	_, err := loadedEngine().Analyze(context.Background(), "biomarkers")
	require.Error(t, err)
}
