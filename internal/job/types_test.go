package job

import (
	"strings"
	"testing"
)

func TestParseInputKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key     string
		want    Kind
		wantErr string
	}{
		{key: "inputs/1/a.json", want: KindPhenotypeCounts},
		{key: "inputs/4/0f8fad5b-d9cb-469f-a165-70867728950e.json", want: KindCoOccurrence},
		{key: "results/a.json", wantErr: "not under"},
		{key: "inputs/a.json", wantErr: "no kind directory"},
		{key: "inputs/5/a.json", wantErr: "unknown compute kind"},
		{key: "inputs/x/a.json", wantErr: "unknown compute kind"},
		{key: "inputs/3/a.csv", wantErr: "not a .json"},
		{key: "inputs/3/.json", wantErr: "not a .json"},
		{key: "inputs/3/nested/a.json", wantErr: "no kind directory"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInputKey(tt.key)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("kind = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	key := InputKey(KindCellCounts, "abc")
	if key != "inputs/3/abc.json" {
		t.Errorf("InputKey = %q", key)
	}
	if got := ResultKey(key); got != "results/abc.json" {
		t.Errorf("ResultKey = %q", got)
	}
}

func TestKindNames(t *testing.T) {
	t.Parallel()
	want := map[Kind]string{
		KindPhenotypeCounts:      "phenotype_counts",
		KindPhenotypeProportions: "phenotype_proportions",
		KindCellCounts:           "cell_counts",
		KindCoOccurrence:         "cooccurrence",
		Kind(9):                  "kind_9",
	}
	for k, name := range want {
		if k.String() != name {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), k.String(), name)
		}
	}
	if !strings.HasSuffix(KindCoOccurrence.OutputFile(), ".jpg") {
		t.Errorf("co-occurrence output %q should be a JPEG", KindCoOccurrence.OutputFile())
	}
	for _, k := range []Kind{KindPhenotypeCounts, KindPhenotypeProportions, KindCellCounts} {
		if !strings.HasSuffix(k.OutputFile(), ".csv") {
			t.Errorf("%s output %q should be CSV", k, k.OutputFile())
		}
	}
}

func TestDecodeInputSpec(t *testing.T) {
	t.Parallel()
	spec, err := DecodeInputSpec([]byte(testSpec), KindPhenotypeCounts)
	if err != nil {
		t.Fatalf("DecodeInputSpec: %v", err)
	}
	if len(spec.Thresholds.Files) != 2 || spec.Thresholds.Files[0] != "data/file1.csv" {
		t.Errorf("files = %v", spec.Thresholds.Files)
	}
	if len(spec.Phenotypes.Names) != 1 || spec.Phenotypes.Exprs["T"] != "CD3+" {
		t.Errorf("phenotypes = %+v", spec.Phenotypes)
	}

	if _, err := DecodeInputSpec([]byte(`{"THRESHOLDS":{"a.csv":{"CD3":1}},"PHENOTYPES":null}`), KindCoOccurrence); err != nil {
		t.Errorf("co-occurrence spec without phenotypes should decode: %v", err)
	}
	if _, err := DecodeInputSpec([]byte(`{"THRESHOLDS":{"a.csv":{"CD3":"high"}}}`), KindCellCounts); err == nil {
		t.Error("expected error for non-numeric cutoff")
	}
}

func TestDecodeInputSpec_DuplicateSamples(t *testing.T) {
	t.Parallel()
	const doc = `{"THRESHOLDS":{"a/NU1.csv":{"CD3":1},"b/NU1.csv":{"CD3":1}},"PHENOTYPES":{"T":"CD3+"}}`

	for _, k := range []Kind{KindPhenotypeCounts, KindPhenotypeProportions, KindCellCounts} {
		_, err := DecodeInputSpec([]byte(doc), k)
		if err == nil || !strings.Contains(err.Error(), `"NU1"`) {
			t.Errorf("%s: expected duplicate sample error, got %v", k, err)
		}
	}
	if _, err := DecodeInputSpec([]byte(doc), KindCoOccurrence); err != nil {
		t.Errorf("co-occurrence does not key by sample, got %v", err)
	}
}
