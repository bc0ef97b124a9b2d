// Package screening implements federated patient screening: rule-based
// eligibility evaluation at each site, a second-pass audit of uncertain
// decisions, and central aggregation of site-level counts. Patient-level
// records never leave the site; only counts cross the wire.
package screening

// Category says which part of the patient record a criterion reads.
type Category string

const (
	CategoryDemographic Category = "demographic"
	CategoryCondition   Category = "condition"
	CategoryLab         Category = "lab"
	CategoryMedication  Category = "medication"
)

// Op is a comparison operator. Numeric operators apply to demographic
// and lab criteria; set operators to condition and medication criteria.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpIn  Op = "in"
	OpNin Op = "nin"
)

// Kind separates inclusion criteria (all must pass) from exclusion
// criteria (any hit excludes).
type Kind string

const (
	KindInclusion Kind = "inclusion"
	KindExclusion Kind = "exclusion"
)

// Criterion is one protocol rule. Value carries scalar comparands
// (numeric thresholds as decimal strings); Values carries set comparands
// for in/nin.
type Criterion struct {
	ID       string
	Category Category
	Field    string
	Op       Op
	Value    string
	Values   []string
	Kind     Kind
}

// Query is the screening request broadcast to every site.
type Query struct {
	TrialName string
	Criteria  []Criterion
	Audit     bool
}

// PatientRecord is a site-local record. It is never encoded for the
// wire.
type PatientRecord struct {
	ID          string
	Age         int
	Sex         string
	Conditions  []string
	Medications []string
	Labs        map[string]float64
}

// Confidence grades how certain a screening decision is. Low and medium
// confidence decisions get a second audit pass.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Decision is the site-local outcome for one patient. Decisions stay on
// the site; only their counts are reported.
type Decision struct {
	PatientID        string
	Eligible         bool
	Confidence       Confidence
	Reasons          []string
	Corrected        bool
	FlaggedForReview bool
}

// SiteResult is the wire-safe per-site report: counts only, stamped with
// the site's data freshness.
type SiteResult struct {
	SiteID           string
	Total            uint32
	Eligible         uint32
	HighConfidence   uint32
	MediumConfidence uint32
	LowConfidence    uint32
	Corrected        uint32
	Flagged          uint32
	CriterionCounts  map[string]uint32
	DataAsOf         string
}
