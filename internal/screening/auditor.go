package screening

import "fmt"

// auditPatient is the strict second pass, run only for low and medium
// confidence decisions. Missing data is no longer forgiven: an
// unevaluable inclusion criterion fails, an unevaluable exclusion
// criterion counts as a hit. A decision the strict pass flips is marked
// corrected; one that still rests on missing data is flagged for human
// review. Decisions are never dropped.
func auditPatient(criteria []Criterion, p PatientRecord, first Decision) Decision {
	audited := Decision{
		PatientID:  p.ID,
		Eligible:   true,
		Confidence: first.Confidence,
	}
	unresolved := false

	for _, c := range criteria {
		res := evaluate(c, p)
		if !res.evaluable {
			unresolved = true
			audited.Eligible = false
			audited.Reasons = append(audited.Reasons,
				fmt.Sprintf("%s: cannot verify (%s)", c.ID, res.description))
			continue
		}
		if c.Kind == KindInclusion && !res.satisfied {
			audited.Eligible = false
			audited.Reasons = append(audited.Reasons, fmt.Sprintf("%s: inclusion not met", c.ID))
		}
		if c.Kind == KindExclusion && res.satisfied {
			audited.Eligible = false
			audited.Reasons = append(audited.Reasons, fmt.Sprintf("%s: exclusion hit", c.ID))
		}
	}

	if audited.Eligible != first.Eligible {
		audited.Corrected = true
	}
	if unresolved {
		audited.FlaggedForReview = true
	} else if audited.Confidence != ConfidenceHigh {
		// The strict pass decided on full data; the doubt is resolved.
		audited.Confidence = ConfidenceHigh
	}
	return audited
}

// Screen runs the full two-pass screening over a site's patients and
// rolls the decisions up into the wire-safe counts.
func Screen(siteID string, q Query, patients []PatientRecord, dataAsOf string) (*SiteResult, []Decision) {
	result := &SiteResult{
		SiteID:          siteID,
		CriterionCounts: make(map[string]uint32, len(q.Criteria)),
		DataAsOf:        dataAsOf,
	}

	decisions := make([]Decision, 0, len(patients))
	for _, p := range patients {
		d := screenPatient(q.Criteria, p)
		if q.Audit && d.Confidence != ConfidenceHigh {
			d = auditPatient(q.Criteria, p, d)
		}
		decisions = append(decisions, d)
	}

	for _, d := range decisions {
		result.Total++
		if d.Eligible {
			result.Eligible++
		}
		switch d.Confidence {
		case ConfidenceHigh:
			result.HighConfidence++
		case ConfidenceMedium:
			result.MediumConfidence++
		case ConfidenceLow:
			result.LowConfidence++
		}
		if d.Corrected {
			result.Corrected++
		}
		if d.FlaggedForReview {
			result.Flagged++
		}
	}

	// Per-criterion satisfaction counts: passes for inclusion, hits for
	// exclusion.
	for _, c := range q.Criteria {
		var n uint32
		for _, p := range patients {
			if res := evaluate(c, p); res.evaluable && res.satisfied {
				n++
			}
		}
		result.CriterionCounts[c.ID] = n
	}

	return result, decisions
}
