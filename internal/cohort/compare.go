package cohort

import (
	"context"
	"errors"
	"fmt"
)

// CohortProgressFunc reports per-file progress within a named cohort.
type CohortProgressFunc func(cohort string, done, total int, file string)

// CohortResult is one cohort's aggregated co-occurrence.
type CohortResult struct {
	Cohort string
	*CoOccurrence
}

// Compare aggregates each cohort in turn with the same markers and
// thresholds. Cohorts are independent; the first failure aborts.
func (a *Aggregator) Compare(ctx context.Context, cohorts []Cohort, thresholds *Thresholds, markers []string, progress CohortProgressFunc) ([]CohortResult, error) {
	if len(cohorts) == 0 {
		return nil, errors.New("no cohorts to compare")
	}
	results := make([]CohortResult, 0, len(cohorts))
	for _, c := range cohorts {
		var fn ProgressFunc
		if progress != nil {
			name := c.Name
			fn = func(done, total int, file string) { progress(name, done, total, file) }
		}
		co, err := a.CoOccurrence(ctx, c.Files, thresholds, markers, fn)
		if err != nil {
			return nil, fmt.Errorf("cohort %s: %w", c.Name, err)
		}
		results = append(results, CohortResult{Cohort: c.Name, CoOccurrence: co})
	}
	return results, nil
}
