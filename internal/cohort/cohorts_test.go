package cohort

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/vg"
)

func TestLoadCohorts_Default(t *testing.T) {
	t.Parallel()

	cohorts, err := LoadCohorts("")
	if err != nil {
		t.Fatalf("LoadCohorts: %v", err)
	}
	if len(cohorts) != 2 || cohorts[0].Name != "LTS" || cohorts[1].Name != "STS" {
		t.Fatalf("unexpected cohorts %+v", cohorts)
	}
	for _, c := range cohorts {
		if len(c.Files) != 10 {
			t.Errorf("cohort %s has %d files, want 10", c.Name, len(c.Files))
		}
	}
}

func TestLoadCohorts_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cohorts.yaml")
	doc := "cohorts:\n  - name: A\n    files: [x.csv]\n  - name: B\n    files: [y.csv, z.csv]\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	cohorts, err := LoadCohorts(path)
	if err != nil {
		t.Fatalf("LoadCohorts: %v", err)
	}
	if cohorts[1].Files[1] != "z.csv" {
		t.Errorf("unexpected files %v", cohorts[1].Files)
	}
}

func TestParseCohorts_Invalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"empty":     "cohorts: []\n",
		"no name":   "cohorts:\n  - files: [a.csv]\n",
		"no files":  "cohorts:\n  - name: A\n",
		"duplicate": "cohorts:\n  - name: A\n    files: [a]\n  - name: A\n    files: [b]\n",
		"not yaml":  "cohorts: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseCohorts([]byte(doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRenderHeatmaps_JPEG(t *testing.T) {
	t.Parallel()

	markers := []string{"CD3", "CD8", "FOXP3"}
	m := mat.NewDense(3, 3, []float64{1, 0.5, 0.1, 0.6, 1, 0, 0.2, 0, 1})
	results := []CohortResult{
		{Cohort: "LTS", CoOccurrence: &CoOccurrence{Markers: markers, Counts: m, Normalized: m, TotalCells: 120}},
		{Cohort: "STS", CoOccurrence: &CoOccurrence{Markers: markers, Counts: m, Normalized: m, TotalCells: 80}},
	}

	img, err := RenderHeatmaps(results, HeatmapOptions{Width: 8 * vg.Inch, Height: 4 * vg.Inch, DPI: 50})
	if err != nil {
		t.Fatalf("RenderHeatmaps: %v", err)
	}
	if !bytes.HasPrefix(img, []byte{0xFF, 0xD8}) {
		t.Errorf("output is not a JPEG, starts with % x", img[:min(4, len(img))])
	}

	doc, err := EncodeHeatmap(img)
	if err != nil {
		t.Fatalf("EncodeHeatmap: %v", err)
	}
	if !strings.HasPrefix(string(doc), `{"heatmap_image":"`) {
		t.Errorf("artifact = %.40s", doc)
	}
	back, err := DecodeHeatmap(doc)
	if err != nil || !bytes.Equal(back, img) {
		t.Errorf("DecodeHeatmap mismatch: %v", err)
	}
}

func TestRenderHeatmaps_Empty(t *testing.T) {
	t.Parallel()
	if _, err := RenderHeatmaps(nil, DefaultHeatmapOptions); err == nil {
		t.Error("expected error for no results")
	}
}

func TestMatrixGrid_FlipsRows(t *testing.T) {
	t.Parallel()

	g := matrixGrid{mat.NewDense(2, 2, []float64{1, 2, 3, 4})}
	c, r := g.Dims()
	if c != 2 || r != 2 {
		t.Fatalf("Dims = %d, %d", c, r)
	}
	// Grid row 0 is the bottom of the panel, i.e. the last matrix row.
	if g.Z(0, 0) != 3 || g.Z(1, 1) != 2 {
		t.Errorf("Z(0,0)=%v Z(1,1)=%v, want 3 and 2", g.Z(0, 0), g.Z(1, 1))
	}
}
