package screening

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trialmesh/trialmesh/internal/federated"
	"github.com/trialmesh/trialmesh/internal/logging"
)

var protocolCriteria = []Criterion{
	{ID: "age-range", Category: CategoryDemographic, Field: "age", Op: OpGte, Value: "18", Kind: KindInclusion},
	{ID: "has-diagnosis", Category: CategoryCondition, Op: OpEq, Value: "nsclc", Kind: KindInclusion},
	{ID: "egfr-ok", Category: CategoryLab, Field: "egfr", Op: OpGte, Value: "60", Kind: KindInclusion},
	{ID: "no-anticoagulants", Category: CategoryMedication, Op: OpIn, Values: []string{"warfarin", "apixaban"}, Kind: KindExclusion},
}

func eligiblePatient(id string) PatientRecord {
	return PatientRecord{
		ID:         id,
		Age:        54,
		Sex:        "F",
		Conditions: []string{"nsclc", "hypertension"},
		Labs:       map[string]float64{"egfr": 85},
	}
}

func TestScreenEligiblePatient(t *testing.T) {
	d := screenPatient(protocolCriteria, eligiblePatient("p-1"))
	assert.True(t, d.Eligible)
	assert.Equal(t, ConfidenceHigh, d.Confidence)
}

func TestScreenInclusionNotMet(t *testing.T) {
	p := eligiblePatient("p-2")
	p.Age = 16
	d := screenPatient(protocolCriteria, p)
	assert.False(t, d.Eligible)
	assert.NotEmpty(t, d.Reasons)
}

func TestScreenExclusionHit(t *testing.T) {
	p := eligiblePatient("p-3")
	p.Medications = []string{"Warfarin"}
	d := screenPatient(protocolCriteria, p)
	assert.False(t, d.Eligible)
}

func TestNarrowMarginLowersConfidence(t *testing.T) {
	p := eligiblePatient("p-4")
	p.Labs["egfr"] = 62 // within 10% of the 60 threshold
	d := screenPatient(protocolCriteria, p)
	assert.True(t, d.Eligible)
	assert.Equal(t, ConfidenceMedium, d.Confidence)
}

func TestMissingDataIsLowConfidenceButLenient(t *testing.T) {
	p := eligiblePatient("p-5")
	delete(p.Labs, "egfr")
	d := screenPatient(protocolCriteria, p)
	// First pass gives the benefit of the doubt.
	assert.True(t, d.Eligible)
	assert.Equal(t, ConfidenceLow, d.Confidence)
}

func TestAuditCorrectsLenientDecision(t *testing.T) {
	p := eligiblePatient("p-6")
	delete(p.Labs, "egfr")

	first := screenPatient(protocolCriteria, p)
	require.True(t, first.Eligible)

	audited := auditPatient(protocolCriteria, p, first)
	assert.False(t, audited.Eligible)
	assert.True(t, audited.Corrected)
	assert.True(t, audited.FlaggedForReview)
}

func TestAuditResolvesNarrowMargin(t *testing.T) {
	p := eligiblePatient("p-7")
	p.Labs["egfr"] = 62

	first := screenPatient(protocolCriteria, p)
	require.Equal(t, ConfidenceMedium, first.Confidence)

	audited := auditPatient(protocolCriteria, p, first)
	assert.True(t, audited.Eligible)
	assert.False(t, audited.Corrected)
	assert.False(t, audited.FlaggedForReview)
	// Full data was available, so the audit settles the doubt.
	assert.Equal(t, ConfidenceHigh, audited.Confidence)
}

func TestScreenCountsAndNoDroppedDecisions(t *testing.T) {
	patients := []PatientRecord{
		eligiblePatient("p-1"),
		eligiblePatient("p-2"),
	}
	patients[1].Labs = nil // unevaluable lab -> audited -> corrected + flagged

	q := Query{TrialName: "ONCO-2026-001", Criteria: protocolCriteria, Audit: true}
	result, decisions := Screen("site-a", q, patients, "2026-08-25T00:00:00Z")

	require.Len(t, decisions, len(patients))
	assert.Equal(t, uint32(2), result.Total)
	assert.Equal(t, uint32(1), result.Eligible)
	assert.Equal(t, uint32(1), result.Corrected)
	assert.Equal(t, uint32(1), result.Flagged)
	assert.Equal(t, uint32(2), result.CriterionCounts["age-range"])
	assert.Equal(t, uint32(1), result.CriterionCounts["egfr-ok"])
}

type erroringSite struct{ id string }

func (s *erroringSite) SiteID() string { return s.id }
func (s *erroringSite) Execute(context.Context, []byte) ([]byte, error) {
	return nil, context.DeadlineExceeded
}

// Mirrors the canonical partial-round example: 10+20 patients, 4+9
// eligible, one site down -> 30 screened, 13 eligible, 43.3%, round
// completes as partial.
func TestMergePartialRound(t *testing.T) {
	logger := logging.NewNop()
	coordinator := federated.NewCoordinator(logger, time.Second)

	siteA := NewSite("site-a", logger)
	for i := 0; i < 10; i++ {
		p := eligiblePatient(string(rune('a' + i)))
		if i >= 4 {
			p.Age = 15 // clearly ineligible
		}
		siteA.LoadPatients(p)
	}
	siteB := NewSite("site-b", logger)
	for i := 0; i < 20; i++ {
		p := eligiblePatient(string(rune('a' + i)))
		if i >= 9 {
			p.Age = 15
		}
		siteB.LoadPatients(p)
	}

	require.NoError(t, coordinator.Register(siteA))
	require.NoError(t, coordinator.Register(siteB))
	require.NoError(t, coordinator.Register(&erroringSite{id: "site-c"}))

	query, err := federated.Encode(Query{TrialName: "ONCO-2026-001", Criteria: protocolCriteria, Audit: true})
	require.NoError(t, err)

	outcomes, err := coordinator.RunRound(context.Background(), query)
	require.NoError(t, err)

	agg, err := Merge("ONCO-2026-001", outcomes)
	require.NoError(t, err)

	assert.Equal(t, 30, agg.TotalPatients)
	assert.Equal(t, 13, agg.EligiblePatients)
	assert.InDelta(t, 0.4333, agg.EligibilityRate, 0.001)
	assert.Equal(t, federated.RoundPartial, agg.Status)
	assert.Equal(t, 3, agg.SitesQueried)
	assert.Equal(t, 1, agg.SitesFailed)
	require.Len(t, agg.SiteErrors, 1)
	assert.Contains(t, agg.SiteErrors[0], "site-c")
	require.Len(t, agg.Sites, 2)
}

func TestMergeAllSitesFailed(t *testing.T) {
	outcomes := []federated.SiteOutcome{
		{SiteID: "site-a", Err: "site site-a: unreachable"},
		{SiteID: "site-b", Err: "site site-b: unreachable"},
	}
	agg, err := Merge("ONCO-2026-001", outcomes)
	require.NoError(t, err)
	assert.Equal(t, federated.RoundFailed, agg.Status)
	assert.Equal(t, 0, agg.TotalPatients)
	assert.Equal(t, float64(0), agg.EligibilityRate)
}

func TestMergeWarningsWhenFlagged(t *testing.T) {
	payload, err := federated.Encode(SiteResult{SiteID: "site-a", Total: 5, Eligible: 2, Flagged: 1})
	require.NoError(t, err)
	agg, err := Merge("ONCO-2026-001", []federated.SiteOutcome{{SiteID: "site-a", Payload: payload}})
	require.NoError(t, err)
	assert.Equal(t, federated.RoundCompletedWithWarnings, agg.Status)
	assert.Equal(t, 1, agg.FlaggedForReview)
}
