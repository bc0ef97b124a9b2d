package federated

// RoundStatus classifies how a federated round ended.
type RoundStatus string

const (
	// RoundCompleted: every site contributed, nothing flagged.
	RoundCompleted RoundStatus = "completed"
	// RoundCompletedWithWarnings: every site contributed but the merged
	// result carries items needing human review.
	RoundCompletedWithWarnings RoundStatus = "completed_with_warnings"
	// RoundPartial: at least one site failed, at least one contributed.
	RoundPartial RoundStatus = "partial"
	// RoundFailed: no site contributed anything.
	RoundFailed RoundStatus = "failed"
)

// StatusFor derives the round status from site participation and whether
// the merged result carries warnings.
func StatusFor(total, failed int, warnings bool) RoundStatus {
	switch {
	case failed >= total:
		return RoundFailed
	case failed > 0:
		return RoundPartial
	case warnings:
		return RoundCompletedWithWarnings
	default:
		return RoundCompleted
	}
}

// SplitOutcomes separates a round's outcomes into usable payloads and
// site error strings.
func SplitOutcomes(outcomes []SiteOutcome) (ok []SiteOutcome, errs []string) {
	for _, o := range outcomes {
		if o.OK() {
			ok = append(ok, o)
		} else {
			errs = append(errs, o.Err)
		}
	}
	return ok, errs
}
