package cohort

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// memSource serves CSV text by key and can fail chosen keys.
type memSource struct {
	mu     sync.Mutex
	files  map[string]string
	fail   map[string]error
	opened []string
}

func (s *memSource) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, key)
	if err := s.fail[key]; err != nil {
		return nil, err
	}
	body, ok := s.files[key]
	if !ok {
		return nil, fmt.Errorf("no such file %s", key)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func thresholdsFor(files []string, markers []string, cutoff float64) *Thresholds {
	t := &Thresholds{Files: files, Markers: markers, Cutoffs: map[string]map[string]float64{}}
	for _, f := range files {
		row := map[string]float64{}
		for _, m := range markers {
			row[m] = cutoff
		}
		t.Cutoffs[f] = row
	}
	return t
}

func TestThreshold_Boundary(t *testing.T) {
	t.Parallel()

	tbl, err := ReadTable(strings.NewReader("A,B,C\n0.5,0.49,7\n0.51,,2\n"), []string{"A", "B", "C"})
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	Threshold(tbl, map[string]float64{"A": 0.5, "B": 0.5, "Z": 1})

	want := mat.NewDense(2, 3, []float64{
		1, 0, 7,
		1, 0, 2,
	})
	if !mat.Equal(tbl.Data, want) {
		t.Errorf("Threshold result =\n%v\nwant\n%v", mat.Formatted(tbl.Data), mat.Formatted(want))
	}
}

func TestReadTable(t *testing.T) {
	t.Parallel()

	t.Run("selects and orders columns", func(t *testing.T) {
		t.Parallel()
		tbl, err := ReadTable(strings.NewReader("id,B,A\nx,1,2\ny,3,4\n"), []string{"A", "B"})
		if err != nil {
			t.Fatalf("ReadTable: %v", err)
		}
		if tbl.Rows() != 2 {
			t.Fatalf("Rows = %d, want 2", tbl.Rows())
		}
		if tbl.Data.At(0, 0) != 2 || tbl.Data.At(1, 1) != 3 {
			t.Errorf("unexpected data %v", mat.Formatted(tbl.Data))
		}
	})

	t.Run("missing column", func(t *testing.T) {
		t.Parallel()
		_, err := ReadTable(strings.NewReader("A\n1\n"), []string{"A", "B"})
		if err == nil || !strings.Contains(err.Error(), `"B"`) {
			t.Errorf("expected missing column error, got %v", err)
		}
	})

	t.Run("header only", func(t *testing.T) {
		t.Parallel()
		tbl, err := ReadTable(strings.NewReader("A,B\n"), []string{"A"})
		if err != nil {
			t.Fatalf("ReadTable: %v", err)
		}
		if tbl.Rows() != 0 || tbl.Data != nil {
			t.Errorf("expected empty table, got %d rows", tbl.Rows())
		}
	})

	t.Run("bad number", func(t *testing.T) {
		t.Parallel()
		_, err := ReadTable(strings.NewReader("A\n1\nabc\n"), []string{"A"})
		if err == nil || !strings.Contains(err.Error(), "line 3") {
			t.Errorf("expected parse error on line 3, got %v", err)
		}
	})

	t.Run("byte order mark", func(t *testing.T) {
		t.Parallel()
		for _, doc := range []string{"\ufeffCD3,CD8\n1,2\n", "\ufeff\"CD3\",CD8\n1,2\n"} {
			tbl, err := ReadTable(strings.NewReader(doc), []string{"CD3"})
			if err != nil {
				t.Fatalf("ReadTable(%q): %v", doc, err)
			}
			if tbl.Rows() != 1 || tbl.Data.At(0, 0) != 1 {
				t.Errorf("ReadTable(%q) = %v", doc, mat.Formatted(tbl.Data))
			}
		}
	})

	t.Run("no header", func(t *testing.T) {
		t.Parallel()
		if _, err := ReadTable(strings.NewReader(""), []string{"A"}); err == nil {
			t.Error("expected error for empty input")
		}
	})
}

func TestCountRows(t *testing.T) {
	t.Parallel()
	n, err := CountRows(strings.NewReader("A,B\n1,2\n3,4\n5,6\n"))
	if err != nil || n != 3 {
		t.Errorf("CountRows = %d, %v; want 3, nil", n, err)
	}
}

func TestCoOccurrence_SymmetricNormalizedAdditive(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{
		"data/S1.csv": "A,B,C\n1,1,0\n1,0,1\n0,0,0\n",
		"data/S2.csv": "A,B,C\n1,1,1\n0,1,0\n",
	}}
	files := []string{"data/S1.csv", "data/S2.csv"}
	markers := []string{"A", "B", "C"}
	agg := &Aggregator{Source: src}

	co, err := agg.CoOccurrence(context.Background(), files, thresholdsFor(files, markers, 1), markers, nil)
	if err != nil {
		t.Fatalf("CoOccurrence: %v", err)
	}

	if co.TotalCells != 5 {
		t.Errorf("TotalCells = %d, want 5", co.TotalCells)
	}

	wantCounts := mat.NewDense(3, 3, []float64{
		3, 2, 2,
		2, 3, 1,
		2, 1, 2,
	})
	if !mat.Equal(co.Counts, wantCounts) {
		t.Errorf("Counts =\n%v\nwant\n%v", mat.Formatted(co.Counts), mat.Formatted(wantCounts))
	}
	if !mat.Equal(co.Counts, co.Counts.T()) {
		t.Error("raw counts should be symmetric")
	}
	for i := range markers {
		if d := co.Normalized.At(i, i); d != 1 {
			t.Errorf("Normalized[%d][%d] = %v, want 1", i, i, d)
		}
		for j := range markers {
			v := co.Normalized.At(i, j)
			if v < 0 || v > 1 {
				t.Errorf("Normalized[%d][%d] = %v outside [0,1]", i, j, v)
			}
		}
	}
	if got := co.Normalized.At(0, 1); math.Abs(got-2.0/3) > 1e-12 {
		t.Errorf("Normalized[0][1] = %v, want 2/3", got)
	}
}

func TestCoOccurrence_ZeroDiagonalNormalizesToZero(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{"f.csv": "A,B\n1,0\n1,0\n"}}
	markers := []string{"A", "B"}
	agg := &Aggregator{Source: src}

	co, err := agg.CoOccurrence(context.Background(), []string{"f.csv"}, thresholdsFor([]string{"f.csv"}, markers, 1), markers, nil)
	if err != nil {
		t.Fatalf("CoOccurrence: %v", err)
	}
	for j := 0; j < 2; j++ {
		if v := co.Normalized.At(1, j); v != 0 {
			t.Errorf("Normalized[1][%d] = %v, want 0", j, v)
		}
	}
}

func TestCoOccurrence_PerFileThresholds(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{
		"a.csv": "A\n5\n",
		"b.csv": "A\n5\n",
	}}
	th := &Thresholds{
		Files:   []string{"a.csv", "b.csv"},
		Markers: []string{"A"},
		Cutoffs: map[string]map[string]float64{
			"a.csv": {"A": 5},
			"b.csv": {"A": 6},
		},
	}
	co, err := (&Aggregator{Source: src}).CoOccurrence(context.Background(), th.Files, th, th.Markers, nil)
	if err != nil {
		t.Fatalf("CoOccurrence: %v", err)
	}
	if got := co.Counts.At(0, 0); got != 1 {
		t.Errorf("Counts[0][0] = %v, want 1 (only a.csv passes)", got)
	}
}

func TestCoOccurrence_AbortsOnFileFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("read timeout")
	files := []string{"f1.csv", "f2.csv", "f3.csv", "f4.csv", "f5.csv"}
	src := &memSource{files: map[string]string{}, fail: map[string]error{"f3.csv": boom}}
	for _, f := range files {
		src.files[f] = "A\n1\n"
	}
	markers := []string{"A"}

	var progressed []int
	co, err := (&Aggregator{Source: src}).CoOccurrence(context.Background(), files, thresholdsFor(files, markers, 0.5), markers,
		func(done, total int, file string) { progressed = append(progressed, done) })
	if co != nil {
		t.Error("expected no partial matrix")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	var fe *FileError
	if !errors.As(err, &fe) || fe.File != "f3.csv" {
		t.Errorf("expected FileError for f3.csv, got %v", err)
	}
	if !slices.Equal(progressed, []int{1, 2}) {
		t.Errorf("progress = %v, want [1 2]", progressed)
	}
	if slices.Contains(src.opened, "f4.csv") {
		t.Error("files after the failure should not be opened")
	}
}

func TestCoOccurrence_MissingThresholdRow(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{"a.csv": "A\n1\n", "b.csv": "A\n1\n"}}
	th := thresholdsFor([]string{"a.csv"}, []string{"A"}, 1)
	_, err := (&Aggregator{Source: src}).CoOccurrence(context.Background(), []string{"a.csv", "b.csv"}, th, []string{"A"}, nil)
	var fe *FileError
	if !errors.As(err, &fe) || fe.File != "b.csv" {
		t.Errorf("expected failure on b.csv, got %v", err)
	}
}

func TestCoOccurrence_ParallelMatchesSequential(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{}}
	var files []string
	for i := 0; i < 8; i++ {
		f := fmt.Sprintf("s%d.csv", i)
		files = append(files, f)
		var b strings.Builder
		b.WriteString("A,B,C\n")
		for r := 0; r < 10+i; r++ {
			fmt.Fprintf(&b, "%d,%d,%d\n", (r+i)%2, (r*i)%3, r%4)
		}
		src.files[f] = b.String()
	}
	markers := []string{"A", "B", "C"}
	th := thresholdsFor(files, markers, 1)

	seq, err := (&Aggregator{Source: src}).CoOccurrence(context.Background(), files, th, markers, nil)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}

	var mu sync.Mutex
	var seen []int
	par, err := (&Aggregator{Source: src, Parallelism: 4}).CoOccurrence(context.Background(), files, th, markers,
		func(done, total int, file string) {
			mu.Lock()
			seen = append(seen, done)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}

	if !mat.Equal(seq.Counts, par.Counts) || seq.TotalCells != par.TotalCells {
		t.Error("parallel aggregation differs from sequential")
	}
	for i, d := range seen {
		if d != i+1 {
			t.Fatalf("progress not strictly increasing: %v", seen)
		}
	}
}

func TestCompare_RunsEachCohort(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{
		"l1.csv": "A,B\n1,1\n",
		"s1.csv": "A,B\n1,0\n0,1\n",
	}}
	markers := []string{"A", "B"}
	th := thresholdsFor([]string{"l1.csv", "s1.csv"}, markers, 1)
	cohorts := []Cohort{{Name: "LTS", Files: []string{"l1.csv"}}, {Name: "STS", Files: []string{"s1.csv"}}}

	var labels []string
	res, err := (&Aggregator{Source: src}).Compare(context.Background(), cohorts, th, markers,
		func(cohort string, done, total int, file string) {
			labels = append(labels, fmt.Sprintf("%s %d/%d", cohort, done, total))
		})
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(res) != 2 || res[0].Cohort != "LTS" || res[1].Cohort != "STS" {
		t.Fatalf("unexpected results %+v", res)
	}
	if res[0].TotalCells != 1 || res[1].TotalCells != 2 {
		t.Errorf("TotalCells = %d, %d; want 1, 2", res[0].TotalCells, res[1].TotalCells)
	}
	if !slices.Equal(labels, []string{"LTS 1/1", "STS 1/1"}) {
		t.Errorf("progress = %v", labels)
	}
}

func TestCellCounts(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{
		"data/file1.csv": "A\n" + strings.Repeat("1\n", 100),
		"data/file2.csv": "A\n" + strings.Repeat("1\n", 250),
	}}
	s, err := (&Aggregator{Source: src}).CellCounts(context.Background(), []string{"data/file1.csv", "data/file2.csv"}, nil)
	if err != nil {
		t.Fatalf("CellCounts: %v", err)
	}
	got, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != `{"file1":100,"file2":250}` {
		t.Errorf("json = %s", got)
	}
}

func TestPhenotypeCounts(t *testing.T) {
	t.Parallel()

	src := &memSource{files: map[string]string{
		"data/S1.csv": "CD3,CD8,FOXP3\n1,1,0\n1,0,1\n1,1,1\n0,1,0\n",
		"data/S2.csv": "CD3,CD8,FOXP3\n",
	}}
	th := thresholdsFor([]string{"data/S1.csv", "data/S2.csv"}, []string{"CD3", "CD8", "FOXP3"}, 1)
	ph := &Phenotypes{
		Names: []string{"CD8 T", "Treg"},
		Exprs: map[string]string{"CD8 T": "CD3+ CD8+ FOXP3-", "Treg": "CD3 & FOXP3"},
	}

	counts, err := (&Aggregator{Source: src}).PhenotypeCounts(context.Background(), th, ph, false, nil)
	if err != nil {
		t.Fatalf("PhenotypeCounts: %v", err)
	}
	got, _ := json.Marshal(counts)
	if string(got) != `{"S1":{"CD8 T":1,"Treg":2},"S2":{"CD8 T":0,"Treg":0}}` {
		t.Errorf("counts json = %s", got)
	}

	props, err := (&Aggregator{Source: src}).PhenotypeCounts(context.Background(), th, ph, true, nil)
	if err != nil {
		t.Fatalf("PhenotypeCounts: %v", err)
	}
	got, _ = json.Marshal(props)
	if string(got) != `{"S1":{"CD8 T":0.25,"Treg":0.5},"S2":{"CD8 T":0,"Treg":0}}` {
		t.Errorf("proportions json = %s", got)
	}
}

func TestPhenotypeCounts_UnknownMarker(t *testing.T) {
	t.Parallel()

	th := thresholdsFor([]string{"a.csv"}, []string{"CD3"}, 1)
	ph := &Phenotypes{Names: []string{"x"}, Exprs: map[string]string{"x": "CD4+"}}
	_, err := (&Aggregator{Source: &memSource{}}).PhenotypeCounts(context.Background(), th, ph, false, nil)
	if err == nil || !strings.Contains(err.Error(), "unknown marker") {
		t.Errorf("expected unknown marker error, got %v", err)
	}
}
