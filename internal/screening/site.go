package screening

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"

	"github.com/trialmesh/trialmesh/internal/federated"
	"github.com/trialmesh/trialmesh/internal/logging"
)

// Site is the built-in screening site adapter: it holds a site-local
// patient registry and answers coordinator queries with counts only.
type Site struct {
	id     string
	logger logging.Logger

	mu       deadlock.RWMutex
	patients []PatientRecord
	dataAsOf time.Time
}

func NewSite(id string, logger logging.Logger) *Site {
	return &Site{id: id, logger: logger}
}

func (s *Site) SiteID() string { return s.id }

// LoadPatients replaces or extends the site's local registry.
func (s *Site) LoadPatients(records ...PatientRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients = append(s.patients, records...)
	s.dataAsOf = time.Now().UTC()
}

func (s *Site) PatientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patients)
}

// Execute decodes the screening query, screens the local registry and
// returns the encoded counts. Decisions stay on the site.
func (s *Site) Execute(ctx context.Context, query []byte) ([]byte, error) {
	q, err := federated.Decode[Query](query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	patients := append([]PatientRecord(nil), s.patients...)
	asOf := s.dataAsOf
	s.mu.RUnlock()

	result, _ := Screen(s.id, q, patients, asOf.Format(time.RFC3339))
	s.logger.Debug(ctx, "Screening query served",
		"siteID", s.id, "patients", result.Total, "eligible", result.Eligible,
		"corrected", result.Corrected, "flagged", result.Flagged)
	return federated.Encode(*result)
}
