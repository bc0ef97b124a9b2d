package screening

import (
	"github.com/trialmesh/trialmesh/internal/federated"
)

// SiteBreakdown is one site's contribution inside the merged report.
type SiteBreakdown struct {
	SiteID          string  `json:"site_id"`
	Total           int     `json:"total_patients"`
	Eligible        int     `json:"eligible_patients"`
	EligibilityRate float64 `json:"eligibility_rate"`
	Corrected       int     `json:"corrected"`
	Flagged         int     `json:"flagged_for_review"`
	DataAsOf        string  `json:"data_as_of,omitempty"`
}

// Aggregate is the central merged screening report. Per-site counts are
// kept alongside the totals; site errors are carried, never hidden.
type Aggregate struct {
	TrialName        string                `json:"trial_name"`
	Status           federated.RoundStatus `json:"status"`
	TotalPatients    int                   `json:"total_patients"`
	EligiblePatients int                   `json:"eligible_patients"`
	EligibilityRate  float64               `json:"eligibility_rate"`
	HighConfidence   int                   `json:"high_confidence"`
	MediumConfidence int                   `json:"medium_confidence"`
	LowConfidence    int                   `json:"low_confidence"`
	Corrected        int                   `json:"corrected"`
	FlaggedForReview int                   `json:"flagged_for_review"`
	CriterionCounts  map[string]int        `json:"criterion_counts,omitempty"`
	Sites            []SiteBreakdown       `json:"sites"`
	SitesQueried     int                   `json:"sites_queried"`
	SitesFailed      int                   `json:"sites_failed"`
	SiteErrors       []string              `json:"site_errors,omitempty"`
}

// Merge folds a round's outcomes into the central report. The
// eligibility rate is the ratio of the summed counts, not an average of
// per-site rates.
func Merge(trialName string, outcomes []federated.SiteOutcome) (*Aggregate, error) {
	agg := &Aggregate{
		TrialName:       trialName,
		CriterionCounts: make(map[string]int),
		SitesQueried:    len(outcomes),
	}

	ok, errs := federated.SplitOutcomes(outcomes)
	agg.SiteErrors = errs
	agg.SitesFailed = len(errs)

	for _, o := range ok {
		sr, err := federated.Decode[SiteResult](o.Payload)
		if err != nil {
			agg.SiteErrors = append(agg.SiteErrors, "site "+o.SiteID+": undecodable result: "+err.Error())
			agg.SitesFailed++
			continue
		}

		agg.TotalPatients += int(sr.Total)
		agg.EligiblePatients += int(sr.Eligible)
		agg.HighConfidence += int(sr.HighConfidence)
		agg.MediumConfidence += int(sr.MediumConfidence)
		agg.LowConfidence += int(sr.LowConfidence)
		agg.Corrected += int(sr.Corrected)
		agg.FlaggedForReview += int(sr.Flagged)
		for id, n := range sr.CriterionCounts {
			agg.CriterionCounts[id] += int(n)
		}
		agg.Sites = append(agg.Sites, SiteBreakdown{
			SiteID:          sr.SiteID,
			Total:           int(sr.Total),
			Eligible:        int(sr.Eligible),
			EligibilityRate: rate(int(sr.Eligible), int(sr.Total)),
			Corrected:       int(sr.Corrected),
			Flagged:         int(sr.Flagged),
			DataAsOf:        sr.DataAsOf,
		})
	}

	agg.EligibilityRate = rate(agg.EligiblePatients, agg.TotalPatients)
	warnings := agg.FlaggedForReview > 0
	agg.Status = federated.StatusFor(agg.SitesQueried, agg.SitesFailed, warnings)
	return agg, nil
}

func rate(eligible, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(eligible) / float64(total)
}
