package monitoring

import (
	"fmt"

	"github.com/trialmesh/trialmesh/internal/federated"
)

// LabTrend is the centrally merged view of one lab: the mean is weighted
// by each site's sample count.
type LabTrend struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Aggregate is the merged monitoring report for one query type. Only the
// block matching Type is populated.
type Aggregate struct {
	TrialName    string                `json:"trial_name"`
	Type         QueryType             `json:"query_type"`
	Status       federated.RoundStatus `json:"status"`
	SitesQueried int                   `json:"sites_queried"`
	SitesFailed  int                   `json:"sites_failed"`
	SiteIDs      []string              `json:"sites,omitempty"`
	SiteErrors   []string              `json:"site_errors,omitempty"`

	AdverseEvents *MergedAdverseEvents `json:"adverse_events,omitempty"`
	Visits        *MergedVisits        `json:"visit_progress,omitempty"`
	Responses     *MergedResponses     `json:"response_summary,omitempty"`
	Dropout       *MergedDropout       `json:"dropout_summary,omitempty"`
	LabTrends     []LabTrend           `json:"lab_trends,omitempty"`
	Progress      *MergedProgress      `json:"overall_progress,omitempty"`
}

type MergedAdverseEvents struct {
	Total   int            `json:"total"`
	Serious int            `json:"serious"`
	ByGrade map[string]int `json:"by_grade"`
	ByType  map[string]int `json:"by_type"`
}

type MergedVisits struct {
	Scheduled      int     `json:"scheduled"`
	Completed      int     `json:"completed"`
	Missed         int     `json:"missed"`
	CompletionRate float64 `json:"completion_rate"`
}

type MergedResponses struct {
	Assessed   int            `json:"assessed"`
	ByCategory map[string]int `json:"by_category"`
}

type MergedDropout struct {
	Enrolled    int            `json:"enrolled"`
	Active      int            `json:"active"`
	Dropped     int            `json:"dropped"`
	DropoutRate float64        `json:"dropout_rate"`
	ByReason    map[string]int `json:"by_reason"`
}

type MergedProgress struct {
	Enrolled        int     `json:"enrolled"`
	Active          int     `json:"active"`
	RetentionRate   float64 `json:"retention_rate"`
	ScheduledVisits int     `json:"scheduled_visits"`
	CompletedVisits int     `json:"completed_visits"`
	VisitCompletion float64 `json:"visit_completion_rate"`
	AdverseEvents   int     `json:"adverse_events"`
	SeriousEvents   int     `json:"serious_events"`
}

// Merge folds a monitoring round's outcomes into one report. A serious
// adverse event anywhere marks the round completed_with_warnings.
func Merge(trialName string, qt QueryType, outcomes []federated.SiteOutcome) (*Aggregate, error) {
	if !ValidQueryType(qt) {
		return nil, fmt.Errorf("unknown monitoring query type %q", qt)
	}
	agg := &Aggregate{
		TrialName:    trialName,
		Type:         qt,
		SitesQueried: len(outcomes),
	}

	ok, errs := federated.SplitOutcomes(outcomes)
	agg.SiteErrors = errs
	agg.SitesFailed = len(errs)

	var reports []SiteReport
	for _, o := range ok {
		report, err := federated.Decode[SiteReport](o.Payload)
		if err != nil {
			agg.SiteErrors = append(agg.SiteErrors, "site "+o.SiteID+": undecodable report: "+err.Error())
			agg.SitesFailed++
			continue
		}
		reports = append(reports, report)
		agg.SiteIDs = append(agg.SiteIDs, report.SiteID)
	}

	warnings := false
	switch qt {
	case QueryAdverseEvents:
		agg.AdverseEvents = mergeAdverseEvents(reports)
		warnings = agg.AdverseEvents.Serious > 0
	case QueryVisitProgress:
		agg.Visits = mergeVisits(reports)
	case QueryResponseSummary:
		agg.Responses = mergeResponses(reports)
	case QueryDropoutSummary:
		agg.Dropout = mergeDropout(reports)
	case QueryLabTrends:
		agg.LabTrends = mergeLabTrends(reports)
	case QueryOverallProgress:
		agg.Progress = mergeProgress(reports)
		warnings = agg.Progress.SeriousEvents > 0
	}

	agg.Status = federated.StatusFor(agg.SitesQueried, agg.SitesFailed, warnings)
	return agg, nil
}

func mergeAdverseEvents(reports []SiteReport) *MergedAdverseEvents {
	merged := &MergedAdverseEvents{
		ByGrade: make(map[string]int),
		ByType:  make(map[string]int),
	}
	for _, r := range reports {
		merged.Total += int(r.AdverseEvents.Total)
		merged.Serious += int(r.AdverseEvents.Serious)
		for grade, n := range r.AdverseEvents.ByGrade {
			merged.ByGrade[grade] += int(n)
		}
		for typ, n := range r.AdverseEvents.ByType {
			merged.ByType[typ] += int(n)
		}
	}
	return merged
}

func mergeVisits(reports []SiteReport) *MergedVisits {
	merged := &MergedVisits{}
	for _, r := range reports {
		merged.Scheduled += int(r.Visits.Scheduled)
		merged.Completed += int(r.Visits.Completed)
		merged.Missed += int(r.Visits.Missed)
	}
	if merged.Scheduled > 0 {
		merged.CompletionRate = float64(merged.Completed) / float64(merged.Scheduled)
	}
	return merged
}

func mergeResponses(reports []SiteReport) *MergedResponses {
	merged := &MergedResponses{ByCategory: make(map[string]int)}
	for _, r := range reports {
		merged.Assessed += int(r.Responses.Assessed)
		for cat, n := range r.Responses.ByCategory {
			merged.ByCategory[cat] += int(n)
		}
	}
	return merged
}

func mergeDropout(reports []SiteReport) *MergedDropout {
	merged := &MergedDropout{ByReason: make(map[string]int)}
	for _, r := range reports {
		merged.Enrolled += int(r.Dropout.Enrolled)
		merged.Active += int(r.Dropout.Active)
		merged.Dropped += int(r.Dropout.Dropped)
		for reason, n := range r.Dropout.ByReason {
			merged.ByReason[reason] += int(n)
		}
	}
	if merged.Enrolled > 0 {
		merged.DropoutRate = float64(merged.Dropped) / float64(merged.Enrolled)
	}
	return merged
}

// mergeLabTrends weights each site's mean by its sample count: sums and
// counts are added, the mean is recomputed centrally.
func mergeLabTrends(reports []SiteReport) []LabTrend {
	byName := make(map[string]*LabTrend)
	var order []string
	var sums = make(map[string]float64)
	for _, r := range reports {
		for _, st := range r.LabTrends {
			trend, ok := byName[st.Name]
			if !ok {
				trend = &LabTrend{Name: st.Name, Min: st.Min, Max: st.Max}
				byName[st.Name] = trend
				order = append(order, st.Name)
			}
			trend.Count += int(st.Count)
			sums[st.Name] += st.Sum
			if st.Min < trend.Min {
				trend.Min = st.Min
			}
			if st.Max > trend.Max {
				trend.Max = st.Max
			}
		}
	}
	out := make([]LabTrend, 0, len(order))
	for _, name := range order {
		trend := byName[name]
		if trend.Count > 0 {
			trend.Mean = sums[name] / float64(trend.Count)
		}
		out = append(out, *trend)
	}
	return out
}

func mergeProgress(reports []SiteReport) *MergedProgress {
	merged := &MergedProgress{}
	for _, r := range reports {
		merged.Enrolled += int(r.Progress.Enrolled)
		merged.Active += int(r.Progress.Active)
		merged.ScheduledVisits += int(r.Progress.ScheduledVisits)
		merged.CompletedVisits += int(r.Progress.CompletedVisits)
		merged.AdverseEvents += int(r.Progress.AdverseEvents)
		merged.SeriousEvents += int(r.Progress.SeriousEvents)
	}
	if merged.Enrolled > 0 {
		merged.RetentionRate = float64(merged.Active) / float64(merged.Enrolled)
	}
	if merged.ScheduledVisits > 0 {
		merged.VisitCompletion = float64(merged.CompletedVisits) / float64(merged.ScheduledVisits)
	}
	return merged
}
