package cohort

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Source opens sample files by key.
type Source interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ProgressFunc is called after each file completes with the number of files
// done so far, the total, and the file just finished. Calls are serialized
// and done strictly increases.
type ProgressFunc func(done, total int, file string)

// FileError ties a failure to the file that caused it.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string { return fmt.Sprintf("%s: %v", e.File, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// Aggregator loads sample files and reduces them to matrices or summaries.
type Aggregator struct {
	Source Source
	// Parallelism bounds how many files are loaded at once. Values below 2
	// process files one after another.
	Parallelism int
}

// CoOccurrence is the reduced result for one set of files.
type CoOccurrence struct {
	Markers    []string
	Counts     *mat.Dense // raw pairwise co-occurrence counts, symmetric
	Normalized *mat.Dense // Counts with row i divided by Counts[i][i]
	TotalCells int
}

type partial struct {
	counts *mat.Dense // nil when the file had no rows
	rows   int
}

// CoOccurrence thresholds every file with its own cutoff row, restricts it to
// markers, accumulates Bᵀ·B across files and row-normalizes by the diagonal.
// Any file failure aborts the whole set; no partial matrix is returned.
func (a *Aggregator) CoOccurrence(ctx context.Context, files []string, thresholds *Thresholds, markers []string, progress ProgressFunc) (*CoOccurrence, error) {
	if len(markers) == 0 {
		return nil, errors.New("no markers to aggregate")
	}
	if len(files) == 0 {
		return nil, errors.New("no files to aggregate")
	}

	parts, err := each(ctx, a, files, progress, func(ctx context.Context, file string) (partial, error) {
		return a.filePartial(ctx, file, thresholds, markers)
	})
	if err != nil {
		return nil, err
	}

	m := len(markers)
	acc := mat.NewDense(m, m, nil)
	total := 0
	for _, p := range parts {
		if p.counts != nil {
			acc.Add(acc, p.counts)
		}
		total += p.rows
	}

	return &CoOccurrence{
		Markers:    append([]string(nil), markers...),
		Counts:     acc,
		Normalized: normalizeRows(acc),
		TotalCells: total,
	}, nil
}

func (a *Aggregator) filePartial(ctx context.Context, file string, thresholds *Thresholds, markers []string) (partial, error) {
	cutoffs, ok := thresholds.For(file)
	if !ok {
		return partial{}, errors.New("no thresholds given for file")
	}
	for _, m := range markers {
		if _, ok := cutoffs[m]; !ok {
			return partial{}, fmt.Errorf("no threshold for marker %q", m)
		}
	}

	t, err := a.load(ctx, file, markers)
	if err != nil {
		return partial{}, err
	}
	Threshold(t, cutoffs)

	p := partial{rows: t.Rows()}
	if t.Data != nil {
		var prod mat.Dense
		prod.Mul(t.Data.T(), t.Data)
		p.counts = &prod
	}
	return p, nil
}

func (a *Aggregator) load(ctx context.Context, file string, columns []string) (*Table, error) {
	rc, err := a.Source.Open(ctx, file)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadTable(rc, columns)
}

// each runs fn over files, bounded by Parallelism, and returns results in
// file order. The first failure cancels outstanding work.
func each[T any](ctx context.Context, a *Aggregator, files []string, progress ProgressFunc, fn func(context.Context, string) (T, error)) ([]T, error) {
	out := make([]T, len(files))

	if a.Parallelism < 2 {
		for i, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			v, err := fn(ctx, file)
			if err != nil {
				return nil, &FileError{File: file, Err: err}
			}
			out[i] = v
			if progress != nil {
				progress(i+1, len(files), file)
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.Parallelism)
	var mu sync.Mutex
	done := 0
	for i, file := range files {
		g.Go(func() error {
			v, err := fn(gctx, file)
			if err != nil {
				return &FileError{File: file, Err: err}
			}
			out[i] = v
			mu.Lock()
			done++
			if progress != nil {
				progress(done, len(files), file)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeRows divides row i by element (i,i). Non-finite results become 0.
func normalizeRows(counts *mat.Dense) *mat.Dense {
	r, c := counts.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		d := counts.At(i, i)
		for j := 0; j < c; j++ {
			v := counts.At(i, j) / d
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			out.Set(i, j, v)
		}
	}
	return out
}
