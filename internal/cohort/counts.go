package cohort

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// CellCounts reports the number of cells (data rows) in each file.
func (a *Aggregator) CellCounts(ctx context.Context, files []string, progress ProgressFunc) (*Summary, error) {
	if len(files) == 0 {
		return nil, errors.New("no files to count")
	}
	counts, err := each(ctx, a, files, progress, func(ctx context.Context, file string) (int, error) {
		rc, err := a.Source.Open(ctx, file)
		if err != nil {
			return 0, err
		}
		defer rc.Close()
		return CountRows(rc)
	})
	if err != nil {
		return nil, err
	}

	s := &Summary{Samples: make([]string, len(files)), Values: make([][]float64, len(files))}
	for i, file := range files {
		s.Samples[i] = SampleID(file)
		s.Values[i] = []float64{float64(counts[i])}
	}
	return s, nil
}

// PhenotypeCounts evaluates every phenotype on each thresholded cell of every
// file in thresholds and counts the cells that match. With proportions set the
// counts are divided by the file's cell count (0 for an empty file).
func (a *Aggregator) PhenotypeCounts(ctx context.Context, thresholds *Thresholds, phenotypes *Phenotypes, proportions bool, progress ProgressFunc) (*Summary, error) {
	if len(thresholds.Files) == 0 {
		return nil, errors.New("no files to aggregate")
	}
	if len(phenotypes.Names) == 0 {
		return nil, errors.New("no phenotypes defined")
	}

	known := allMarkers(thresholds)
	exprs := make([]*Expr, len(phenotypes.Names))
	var columns []string
	for i, name := range phenotypes.Names {
		e, err := CompileExpr(phenotypes.Exprs[name], known)
		if err != nil {
			return nil, fmt.Errorf("phenotype %q: %w", name, err)
		}
		exprs[i] = e
		for _, m := range e.Markers() {
			if !slices.Contains(columns, m) {
				columns = append(columns, m)
			}
		}
	}

	rows, err := each(ctx, a, thresholds.Files, progress, func(ctx context.Context, file string) ([]float64, error) {
		return a.filePhenotypes(ctx, file, thresholds, columns, exprs, proportions)
	})
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Samples: make([]string, len(thresholds.Files)),
		Columns: append([]string(nil), phenotypes.Names...),
		Values:  rows,
	}
	for i, file := range thresholds.Files {
		s.Samples[i] = SampleID(file)
	}
	return s, nil
}

func (a *Aggregator) filePhenotypes(ctx context.Context, file string, thresholds *Thresholds, columns []string, exprs []*Expr, proportions bool) ([]float64, error) {
	cutoffs, _ := thresholds.For(file)
	for _, m := range columns {
		if _, ok := cutoffs[m]; !ok {
			return nil, fmt.Errorf("no threshold for marker %q", m)
		}
	}

	t, err := a.load(ctx, file, columns)
	if err != nil {
		return nil, err
	}
	Threshold(t, cutoffs)

	col := make(map[string]int, len(columns))
	for j, m := range t.Columns {
		col[m] = j
	}
	counts := make([]float64, len(exprs))
	n := t.Rows()
	for r := 0; r < n; r++ {
		call := func(m string) bool { return t.Data.At(r, col[m]) == 1 }
		for i, e := range exprs {
			if e.Eval(call) {
				counts[i]++
			}
		}
	}
	if proportions && n > 0 {
		for i := range counts {
			counts[i] /= float64(n)
		}
	}
	return counts, nil
}

// allMarkers lists every marker named by any file, first file's order first.
func allMarkers(t *Thresholds) []string {
	out := append([]string(nil), t.Markers...)
	for _, f := range t.Files {
		for _, m := range markerOrder(out, t.Cutoffs[f]) {
			if !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	return out
}
