package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/trialmesh/trialmesh/internal/federated"
	"github.com/trialmesh/trialmesh/internal/logging"
)

// Site is the built-in monitoring site adapter over local trial records.
type Site struct {
	id     string
	logger logging.Logger

	mu       deadlock.RWMutex
	patients []PatientStatus
	visits   []Visit
	events   []AdverseEvent
	labs     []LabResult
	dataAsOf time.Time
}

func NewSite(id string, logger logging.Logger) *Site {
	return &Site{id: id, logger: logger}
}

func (s *Site) SiteID() string { return s.id }

func (s *Site) LoadPatients(records ...PatientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = append(s.patients, records...)
	s.dataAsOf = time.Now().UTC()
}

func (s *Site) LoadVisits(records ...Visit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits = append(s.visits, records...)
	s.dataAsOf = time.Now().UTC()
}

func (s *Site) LoadAdverseEvents(records ...AdverseEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, records...)
	s.dataAsOf = time.Now().UTC()
}

func (s *Site) LoadLabs(records ...LabResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.labs = append(s.labs, records...)
	s.dataAsOf = time.Now().UTC()
}

// Execute decodes the monitoring query and answers with the matching
// statistics block.
func (s *Site) Execute(ctx context.Context, query []byte) ([]byte, error) {
	q, err := federated.Decode[Query](query)
	if err != nil {
		return nil, err
	}
	qt := QueryType(q.Type)
	if !ValidQueryType(qt) {
		return nil, fmt.Errorf("unknown monitoring query type %q", q.Type)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	report := SiteReport{
		SiteID:   s.id,
		Type:     q.Type,
		DataAsOf: s.dataAsOf.Format(time.RFC3339),
	}

	switch qt {
	case QueryAdverseEvents:
		report.AdverseEvents = s.adverseEventStats()
	case QueryVisitProgress:
		report.Visits = s.visitStats()
	case QueryResponseSummary:
		report.Responses = s.responseStats()
	case QueryDropoutSummary:
		report.Dropout = s.dropoutStats()
	case QueryLabTrends:
		report.LabTrends = s.labStats()
	case QueryOverallProgress:
		ae := s.adverseEventStats()
		visits := s.visitStats()
		dropout := s.dropoutStats()
		report.Progress = ProgressStats{
			Enrolled:        dropout.Enrolled,
			Active:          dropout.Active,
			ScheduledVisits: visits.Scheduled,
			CompletedVisits: visits.Completed,
			AdverseEvents:   ae.Total,
			SeriousEvents:   ae.Serious,
		}
	}

	s.logger.Debug(ctx, "Monitoring query served", "siteID", s.id, "type", q.Type)
	return federated.Encode(report)
}

func (s *Site) adverseEventStats() AdverseEventStats {
	stats := AdverseEventStats{
		ByGrade: make(map[string]uint32),
		ByType:  make(map[string]uint32),
	}
	for _, ev := range s.events {
		stats.Total++
		if ev.Serious {
			stats.Serious++
		}
		stats.ByGrade[fmt.Sprintf("grade_%d", ev.Grade)]++
		stats.ByType[ev.Type]++
	}
	return stats
}

func (s *Site) visitStats() VisitStats {
	var stats VisitStats
	for _, v := range s.visits {
		stats.Scheduled++
		switch {
		case v.Completed:
			stats.Completed++
		case v.Missed:
			stats.Missed++
		}
	}
	return stats
}

func (s *Site) responseStats() ResponseStats {
	stats := ResponseStats{ByCategory: make(map[string]uint32)}
	for _, p := range s.patients {
		if p.Response == "" {
			continue
		}
		stats.Assessed++
		stats.ByCategory[p.Response]++
	}
	return stats
}

func (s *Site) dropoutStats() DropoutStats {
	stats := DropoutStats{ByReason: make(map[string]uint32)}
	for _, p := range s.patients {
		stats.Enrolled++
		if p.Active {
			stats.Active++
			continue
		}
		stats.Dropped++
		reason := p.DropoutReason
		if reason == "" {
			reason = "unspecified"
		}
		stats.ByReason[reason]++
	}
	return stats
}

func (s *Site) labStats() []LabStat {
	byName := make(map[string]*LabStat)
	for _, lab := range s.labs {
		st, ok := byName[lab.Name]
		if !ok {
			st = &LabStat{Name: lab.Name, Min: lab.Value, Max: lab.Value}
			byName[lab.Name] = st
		}
		st.Count++
		st.Sum += lab.Value
		if lab.Value < st.Min {
			st.Min = lab.Value
		}
		if lab.Value > st.Max {
			st.Max = lab.Value
		}
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]LabStat, 0, len(names))
	for _, name := range names {
		out = append(out, *byName[name])
	}
	return out
}
