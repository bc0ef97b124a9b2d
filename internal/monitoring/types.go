// Package monitoring implements federated cohort monitoring: each site
// reduces its local visit, safety, response and lab records to typed
// per-query statistics, and the central merger combines them. As with
// screening, only aggregates cross the site boundary.
package monitoring

// QueryType selects which statistic a monitoring round collects.
type QueryType string

const (
	QueryAdverseEvents   QueryType = "adverse_events"
	QueryVisitProgress   QueryType = "visit_progress"
	QueryResponseSummary QueryType = "response_summary"
	QueryDropoutSummary  QueryType = "dropout_summary"
	QueryLabTrends       QueryType = "lab_trends"
	QueryOverallProgress QueryType = "overall_progress"
)

// QueryTypes lists every supported monitoring query.
var QueryTypes = []QueryType{
	QueryAdverseEvents,
	QueryVisitProgress,
	QueryResponseSummary,
	QueryDropoutSummary,
	QueryLabTrends,
	QueryOverallProgress,
}

func ValidQueryType(qt QueryType) bool {
	for _, known := range QueryTypes {
		if known == qt {
			return true
		}
	}
	return false
}

// Query is the monitoring request broadcast to every site.
type Query struct {
	TrialName string
	Type      string
}

// Site-local records. None of these are ever encoded for the wire.

type PatientStatus struct {
	PatientID     string
	Active        bool
	DropoutReason string
	Response      string
}

type Visit struct {
	PatientID string
	Completed bool
	Missed    bool
}

type AdverseEvent struct {
	PatientID string
	Type      string
	Grade     uint32
	Serious   bool
}

type LabResult struct {
	PatientID string
	Name      string
	Value     float64
}

// Wire-safe per-site statistics. Only the block matching the query type
// is populated; sums and counts travel instead of means so the central
// merger can weight correctly.

type AdverseEventStats struct {
	Total   uint32
	Serious uint32
	ByGrade map[string]uint32
	ByType  map[string]uint32
}

type VisitStats struct {
	Scheduled uint32
	Completed uint32
	Missed    uint32
}

type ResponseStats struct {
	Assessed   uint32
	ByCategory map[string]uint32
}

type DropoutStats struct {
	Enrolled uint32
	Active   uint32
	Dropped  uint32
	ByReason map[string]uint32
}

type LabStat struct {
	Name  string
	Count uint32
	Sum   float64
	Min   float64
	Max   float64
}

type ProgressStats struct {
	Enrolled        uint32
	Active          uint32
	ScheduledVisits uint32
	CompletedVisits uint32
	AdverseEvents   uint32
	SeriousEvents   uint32
}

// SiteReport is one site's answer to a monitoring query.
type SiteReport struct {
	SiteID   string
	Type     string
	DataAsOf string

	AdverseEvents AdverseEventStats
	Visits        VisitStats
	Responses     ResponseStats
	Dropout       DropoutStats
	LabTrends     []LabStat
	Progress      ProgressStats
}
