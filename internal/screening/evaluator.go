package screening

import (
	"fmt"
	"strconv"
	"strings"
)

// narrowMarginRatio: a numeric comparison decided by less than this
// relative distance from the threshold is only medium confidence.
const narrowMarginRatio = 0.10

// checkResult is the outcome of one criterion against one patient.
type checkResult struct {
	satisfied   bool // criterion condition holds (pass for inclusion, hit for exclusion)
	evaluable   bool // the record had the data to decide
	narrow      bool // decided, but close to the threshold
	description string
}

// evaluate applies one criterion to one patient.
func evaluate(c Criterion, p PatientRecord) checkResult {
	switch c.Category {
	case CategoryDemographic:
		return evalDemographic(c, p)
	case CategoryCondition:
		return evalSet(c, p.Conditions)
	case CategoryMedication:
		return evalSet(c, p.Medications)
	case CategoryLab:
		return evalLab(c, p)
	default:
		return checkResult{description: fmt.Sprintf("unknown category %q", c.Category)}
	}
}

func evalDemographic(c Criterion, p PatientRecord) checkResult {
	switch c.Field {
	case "age":
		return compareNumeric(c, float64(p.Age), p.Age > 0)
	case "sex":
		switch c.Op {
		case OpEq:
			return decided(strings.EqualFold(p.Sex, c.Value), p.Sex != "", "sex")
		case OpNeq:
			return decided(!strings.EqualFold(p.Sex, c.Value), p.Sex != "", "sex")
		case OpIn:
			return decided(containsFold(c.Values, p.Sex), p.Sex != "", "sex")
		case OpNin:
			return decided(!containsFold(c.Values, p.Sex), p.Sex != "", "sex")
		}
		return checkResult{description: fmt.Sprintf("operator %s not valid for sex", c.Op)}
	default:
		return checkResult{description: fmt.Sprintf("unknown demographic field %q", c.Field)}
	}
}

func evalSet(c Criterion, have []string) checkResult {
	// Set criteria are always evaluable: an empty list means the patient
	// has none of the items, which is itself an answer.
	switch c.Op {
	case OpEq, OpIn:
		wanted := c.Values
		if c.Op == OpEq {
			wanted = []string{c.Value}
		}
		for _, w := range wanted {
			if containsFold(have, w) {
				return checkResult{satisfied: true, evaluable: true}
			}
		}
		return checkResult{evaluable: true}
	case OpNeq, OpNin:
		wanted := c.Values
		if c.Op == OpNeq {
			wanted = []string{c.Value}
		}
		for _, w := range wanted {
			if containsFold(have, w) {
				return checkResult{evaluable: true}
			}
		}
		return checkResult{satisfied: true, evaluable: true}
	default:
		return checkResult{description: fmt.Sprintf("operator %s not valid for %s", c.Op, c.Category)}
	}
}

func evalLab(c Criterion, p PatientRecord) checkResult {
	value, ok := p.Labs[c.Field]
	return compareNumeric(c, value, ok)
}

func compareNumeric(c Criterion, value float64, present bool) checkResult {
	if !present {
		return checkResult{description: fmt.Sprintf("no value for %s", c.Field)}
	}
	threshold, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return checkResult{description: fmt.Sprintf("criterion %s: bad threshold %q", c.ID, c.Value)}
	}

	var satisfied bool
	switch c.Op {
	case OpEq:
		satisfied = value == threshold
	case OpNeq:
		satisfied = value != threshold
	case OpGt:
		satisfied = value > threshold
	case OpGte:
		satisfied = value >= threshold
	case OpLt:
		satisfied = value < threshold
	case OpLte:
		satisfied = value <= threshold
	default:
		return checkResult{description: fmt.Sprintf("operator %s not numeric", c.Op)}
	}

	narrow := false
	if threshold != 0 {
		ratio := (value - threshold) / threshold
		if ratio < 0 {
			ratio = -ratio
		}
		narrow = ratio < narrowMarginRatio
	}
	return checkResult{satisfied: satisfied, evaluable: true, narrow: narrow}
}

func decided(satisfied, present bool, field string) checkResult {
	if !present {
		return checkResult{description: "no value for " + field}
	}
	return checkResult{satisfied: satisfied, evaluable: true}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// screenPatient is the first, lenient pass. An unevaluable inclusion
// criterion is given the benefit of the doubt; an unevaluable exclusion
// criterion is treated as no hit. Either way the decision drops to low
// confidence so the audit pass will revisit it.
func screenPatient(criteria []Criterion, p PatientRecord) Decision {
	d := Decision{PatientID: p.ID, Eligible: true, Confidence: ConfidenceHigh}
	for _, c := range criteria {
		res := evaluate(c, p)
		switch {
		case !res.evaluable:
			d.Confidence = ConfidenceLow
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %s", c.ID, res.description))
		case res.narrow && d.Confidence == ConfidenceHigh:
			d.Confidence = ConfidenceMedium
		}
		if !res.evaluable {
			continue
		}
		if c.Kind == KindInclusion && !res.satisfied {
			d.Eligible = false
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: inclusion not met", c.ID))
		}
		if c.Kind == KindExclusion && res.satisfied {
			d.Eligible = false
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: exclusion hit", c.ID))
		}
	}
	return d
}
