// Package cohort is the direct (non-federated) analytics engine used by
// the cohort formation stage: descriptive statistics over an in-memory
// cohort dataset, routed by analysis intent.
package cohort

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/trialmesh/trialmesh/internal/logging"
)

// Subject is one enrolled participant in the formed cohort.
type Subject struct {
	ID           string
	Arm          string
	Age          int
	Sex          string
	BaselineLabs map[string]float64
	Progressed   bool
	Deceased     bool
	Active       bool
}

// Intent selects which analysis to run.
type Intent string

const (
	IntentCohortSummary Intent = "cohort_summary"
	IntentProgression   Intent = "progression"
	IntentMortality     Intent = "mortality"
	IntentBaselineLabs  Intent = "baseline_labs"
)

// RouteIntent maps a free-text analysis request to an intent. Unmatched
// requests fall back to the cohort summary.
func RouteIntent(text string) Intent {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "progress"):
		return IntentProgression
	case strings.Contains(lower, "mortal"),
		strings.Contains(lower, "death"),
		strings.Contains(lower, "surviv"):
		return IntentMortality
	case strings.Contains(lower, "lab"), strings.Contains(lower, "baseline"):
		return IntentBaselineLabs
	default:
		return IntentCohortSummary
	}
}

type ArmStats struct {
	Arm        string  `json:"arm"`
	Subjects   int     `json:"subjects"`
	Events     int     `json:"events"`
	EventRate  float64 `json:"event_rate"`
	ActiveRate float64 `json:"active_rate"`
}

type SummaryStats struct {
	Subjects int            `json:"subjects"`
	Active   int            `json:"active"`
	MeanAge  float64        `json:"mean_age"`
	BySex    map[string]int `json:"by_sex"`
	ByArm    map[string]int `json:"by_arm"`
	AgeRange [2]int         `json:"age_range"`
}

type LabSummary struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Report is the analysis result. Only the block matching Intent is set.
type Report struct {
	Intent      Intent        `json:"intent"`
	GeneratedAt string        `json:"generated_at"`
	Summary     *SummaryStats `json:"summary,omitempty"`
	Progression []ArmStats    `json:"progression,omitempty"`
	Mortality   []ArmStats    `json:"mortality,omitempty"`
	Labs        []LabSummary  `json:"baseline_labs,omitempty"`
}

type Engine struct {
	logger logging.Logger

	mu       deadlock.RWMutex
	subjects []Subject
}

func NewEngine(logger logging.Logger) *Engine {
	return &Engine{logger: logger}
}

func (e *Engine) Load(subjects ...Subject) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subjects = append(e.subjects, subjects...)
}

func (e *Engine) SubjectCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subjects)
}

// Analyze runs the analysis for an intent over the loaded cohort.
func (e *Engine) Analyze(ctx context.Context, intent Intent) (*Report, error) {
	e.mu.RLock()
	subjects := append([]Subject(nil), e.subjects...)
	e.mu.RUnlock()

	if len(subjects) == 0 {
		return nil, fmt.Errorf("no cohort loaded")
	}

	report := &Report{
		Intent:      intent,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	switch intent {
	case IntentCohortSummary:
		report.Summary = summarize(subjects)
	case IntentProgression:
		report.Progression = perArm(subjects, func(s Subject) bool { return s.Progressed })
	case IntentMortality:
		report.Mortality = perArm(subjects, func(s Subject) bool { return s.Deceased })
	case IntentBaselineLabs:
		report.Labs = labSummaries(subjects)
	default:
		return nil, fmt.Errorf("unknown analysis intent %q", intent)
	}

	e.logger.Debug(ctx, "Cohort analysis produced", "intent", intent, "subjects", len(subjects))
	return report, nil
}

func summarize(subjects []Subject) *SummaryStats {
	stats := &SummaryStats{
		BySex: make(map[string]int),
		ByArm: make(map[string]int),
	}
	ageSum := 0
	for i, s := range subjects {
		stats.Subjects++
		if s.Active {
			stats.Active++
		}
		stats.BySex[s.Sex]++
		stats.ByArm[s.Arm]++
		ageSum += s.Age
		if i == 0 || s.Age < stats.AgeRange[0] {
			stats.AgeRange[0] = s.Age
		}
		if s.Age > stats.AgeRange[1] {
			stats.AgeRange[1] = s.Age
		}
	}
	stats.MeanAge = float64(ageSum) / float64(len(subjects))
	return stats
}

func perArm(subjects []Subject, event func(Subject) bool) []ArmStats {
	byArm := make(map[string]*ArmStats)
	var arms []string
	for _, s := range subjects {
		st, ok := byArm[s.Arm]
		if !ok {
			st = &ArmStats{Arm: s.Arm}
			byArm[s.Arm] = st
			arms = append(arms, s.Arm)
		}
		st.Subjects++
		if event(s) {
			st.Events++
		}
		if s.Active {
			st.ActiveRate++ // accumulate count, divide below
		}
	}
	sort.Strings(arms)
	out := make([]ArmStats, 0, len(arms))
	for _, arm := range arms {
		st := byArm[arm]
		st.EventRate = float64(st.Events) / float64(st.Subjects)
		st.ActiveRate = st.ActiveRate / float64(st.Subjects)
		out = append(out, *st)
	}
	return out
}

func labSummaries(subjects []Subject) []LabSummary {
	byName := make(map[string]*LabSummary)
	sums := make(map[string]float64)
	for _, s := range subjects {
		for name, value := range s.BaselineLabs {
			lab, ok := byName[name]
			if !ok {
				lab = &LabSummary{Name: name, Min: value, Max: value}
				byName[name] = lab
			}
			lab.Count++
			sums[name] += value
			if value < lab.Min {
				lab.Min = value
			}
			if value > lab.Max {
				lab.Max = value
			}
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]LabSummary, 0, len(names))
	for _, name := range names {
		lab := byName[name]
		lab.Mean = sums[name] / float64(lab.Count)
		out = append(out, *lab)
	}
	return out
}
