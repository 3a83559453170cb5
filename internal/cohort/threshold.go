package cohort

import "math"

var nan = math.NaN()

// Threshold replaces every column present in both the table and cutoffs with
// a 0/1 call: 1 when the value is >= the cutoff, else 0. NaN reads as 0.
// Other columns are left untouched.
func Threshold(t *Table, cutoffs map[string]float64) {
	if t.Data == nil {
		return
	}
	apply := make([]bool, len(t.Columns))
	cut := make([]float64, len(t.Columns))
	hit := false
	for j, c := range t.Columns {
		if v, ok := cutoffs[c]; ok {
			apply[j], cut[j], hit = true, v, true
		}
	}
	if !hit {
		return
	}
	t.Data.Apply(func(_, j int, v float64) float64 {
		if !apply[j] {
			return v
		}
		if v >= cut[j] {
			return 1
		}
		return 0
	}, t.Data)
}
