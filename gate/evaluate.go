package gate

import (
	"fmt"
	"math"
)

// InvalidInputError reports malformed gate inputs. It is not retryable; the
// caller has to fix the inputs first.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid gate input: " + e.Reason
}

func invalidInput(format string, args ...interface{}) error {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}

// PassResult is the outcome of checking one candidate against the baseline.
type PassResult struct {
	Passed     bool               `json:"passed"`
	PerMetric  map[string]bool    `json:"per_metric"`
	Margins    map[string]float64 `json:"margins"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// Evaluate checks a candidate metric set against the baseline. For every
// metric the baseline declares, the candidate passes that metric iff
// candidate >= baseline*(1-tolerance). A metric missing from the candidate
// fails automatically. Evaluate is pure and has no side effects.
func Evaluate(candidate, baseline MetricSet, tolerance float64) (PassResult, error) {
	return evaluate(candidate, baseline, tolerance, false)
}

func evaluate(candidate, baseline MetricSet, tolerance float64, strict bool) (PassResult, error) {
	if len(baseline) == 0 {
		return PassResult{}, invalidInput("baseline is empty")
	}
	if tolerance < 0 || tolerance >= 1 {
		return PassResult{}, invalidInput("tolerance %v outside [0,1)", tolerance)
	}
	if !baseline.Valid() {
		return PassResult{}, invalidInput("baseline contains non-finite values")
	}
	if !candidate.Valid() {
		return PassResult{}, invalidInput("candidate contains non-finite values")
	}

	result := PassResult{
		Passed:     true,
		PerMetric:  make(map[string]bool, len(baseline)),
		Margins:    make(map[string]float64, len(baseline)),
		Thresholds: make(map[string]float64, len(baseline)),
	}

	for name, base := range baseline {
		threshold := base * (1 - tolerance)
		result.Thresholds[name] = threshold

		value, ok := candidate[name]
		if !ok {
			if strict {
				return PassResult{}, invalidInput("candidate is missing metric %q", name)
			}
			result.PerMetric[name] = false
			result.Margins[name] = -base
			result.Passed = false
			continue
		}

		ok = value >= threshold
		result.PerMetric[name] = ok
		result.Margins[name] = value - base
		if !ok {
			result.Passed = false
		}
	}

	return result, nil
}

// Selection is the winner of an evaluation cycle.
type Selection struct {
	Attempt Attempt    `json:"attempt"`
	Result  PassResult `json:"result"`
}

// SelectBest evaluates every attempt against the baseline, keeps the passing
// ones and returns the attempt with the highest primary metric. Ties on the
// primary metric go to the earliest attempt in the input sequence, so the
// outcome is deterministic for a given input order. A passing attempt that
// does not report the primary metric cannot be ranked and is skipped. Returns
// nil when no attempt passes; that is a normal outcome, not an error.
//
// SelectBest never mutates the baseline. Promotion is a separate, explicit
// step taken by the caller.
func SelectBest(attempts []Attempt, baseline MetricSet, tolerance float64, primary string) (*Selection, error) {
	return Policy{Tolerance: tolerance, PrimaryMetric: primary}.SelectBest(attempts, baseline)
}

// BestByPrimary ranks attempts by the primary metric alone, without a gate
// check. Used when no baseline exists yet and the first promotion has to be
// bootstrapped from the attempts themselves. Same tie-break rule as
// SelectBest.
func BestByPrimary(attempts []Attempt, primary string) *Attempt {
	var best *Attempt
	bestScore := math.Inf(-1)
	for i := range attempts {
		score, ok := attempts[i].Metrics[primary]
		if !ok {
			continue
		}
		if best == nil || score > bestScore {
			best = &attempts[i]
			bestScore = score
		}
	}
	return best
}
