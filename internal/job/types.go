package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"cohortlab/internal/cohort"
	"cohortlab/internal/ledger"
)

// Kind identifies which computation a job runs.
type Kind int

const (
	KindPhenotypeCounts      Kind = 1
	KindPhenotypeProportions Kind = 2
	KindCellCounts           Kind = 3
	KindCoOccurrence         Kind = 4
)

// Kinds lists every supported kind in order.
var Kinds = []Kind{KindPhenotypeCounts, KindPhenotypeProportions, KindCellCounts, KindCoOccurrence}

const (
	inputsRoot  = "inputs/"
	resultsRoot = "results/"

	// TemplateKey holds the default spec document served by Template.
	TemplateKey = "templates/defaults.json"
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k >= KindPhenotypeCounts && k <= KindCoOccurrence
}

func (k Kind) String() string {
	switch k {
	case KindPhenotypeCounts:
		return "phenotype_counts"
	case KindPhenotypeProportions:
		return "phenotype_proportions"
	case KindCellCounts:
		return "cell_counts"
	case KindCoOccurrence:
		return "cooccurrence"
	default:
		return "kind_" + strconv.Itoa(int(k))
	}
}

// InputPrefix is the storage prefix watched for this kind's inputs.
func (k Kind) InputPrefix() string {
	return inputsRoot + strconv.Itoa(int(k)) + "/"
}

// OutputFile is the local file name a client writes the result to.
func (k Kind) OutputFile() string {
	switch k {
	case KindPhenotypeCounts:
		return "LTSvsSTS-Phenotype-Counts.csv"
	case KindPhenotypeProportions:
		return "LTSvsSTS-Phenotype-Proportions.csv"
	case KindCellCounts:
		return "LTSvsSTS-Cell-Counts.csv"
	case KindCoOccurrence:
		return "LTSvsSTS-Co-Occurence-Matrices.jpg"
	default:
		return "result-" + strconv.Itoa(int(k))
	}
}

// InputKey is the storage key for a new input named id.
func InputKey(k Kind, id string) string {
	return k.InputPrefix() + id + ".json"
}

// ParseInputKey returns the kind encoded in an input key. Keys must look like
// inputs/<kind>/<name>.json with a supported kind.
func ParseInputKey(key string) (Kind, error) {
	rest, ok := strings.CutPrefix(key, inputsRoot)
	if !ok {
		return 0, fmt.Errorf("key %q is not under %s", key, inputsRoot)
	}
	dir, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return 0, fmt.Errorf("key %q has no kind directory", key)
	}
	n, err := strconv.Atoi(dir)
	if err != nil || !Kind(n).Valid() {
		return 0, fmt.Errorf("key %q names unknown compute kind %q", key, dir)
	}
	if path.Ext(name) != ".json" || name == ".json" {
		return 0, fmt.Errorf("key %q is not a .json document", key)
	}
	return Kind(n), nil
}

// ResultKey derives the deterministic result key for an input key.
func ResultKey(inputKey string) string {
	return resultsRoot + path.Base(inputKey)
}

// InputSpec is the uploaded spec document.
type InputSpec struct {
	Thresholds cohort.Thresholds `json:"THRESHOLDS"`
	Phenotypes cohort.Phenotypes `json:"PHENOTYPES"`
}

// DecodeInputSpec parses a spec document and checks the sections kind needs.
func DecodeInputSpec(data []byte, k Kind) (*InputSpec, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("spec is not a JSON object: %w", err)
	}
	th, ok := raw["THRESHOLDS"]
	if !ok {
		return nil, fmt.Errorf("spec has no THRESHOLDS section")
	}
	spec := &InputSpec{}
	if err := json.Unmarshal(th, &spec.Thresholds); err != nil {
		return nil, fmt.Errorf("THRESHOLDS: %w", err)
	}
	if len(spec.Thresholds.Files) == 0 {
		return nil, fmt.Errorf("THRESHOLDS lists no files")
	}
	if k != KindCoOccurrence {
		if err := uniqueSamples(spec.Thresholds.Files); err != nil {
			return nil, err
		}
	}
	if ph, ok := raw["PHENOTYPES"]; ok && !isNull(ph) {
		if err := json.Unmarshal(ph, &spec.Phenotypes); err != nil {
			return nil, fmt.Errorf("PHENOTYPES: %w", err)
		}
	}
	if (k == KindPhenotypeCounts || k == KindPhenotypeProportions) && len(spec.Phenotypes.Names) == 0 {
		return nil, fmt.Errorf("spec has no PHENOTYPES for %s", k)
	}
	return spec, nil
}

// uniqueSamples rejects file lists whose per-sample results would share a key.
func uniqueSamples(files []string) error {
	seen := make(map[string]string, len(files))
	for _, f := range files {
		id := cohort.SampleID(f)
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("THRESHOLDS files %q and %q share sample %q", prev, f, id)
		}
		seen[id] = f
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// SubmitRequest is the body of POST /v1/jobs.
type SubmitRequest struct {
	ComputeKind  int             `json:"computeKind"`
	InputSpecRef string          `json:"inputSpecRef,omitempty"`
	Spec         json.RawMessage `json:"spec"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// View is the client-facing rendering of a ledger row.
type View struct {
	ID          string           `json:"jobId"`
	ComputeKind int              `json:"computeKind"`
	Kind        string           `json:"kind"`
	Status      string           `json:"status"`
	Phase       ledger.Phase     `json:"phase"`
	Progress    *ledger.Progress `json:"progress,omitempty"`
	OriginalRef string           `json:"originalInputRef"`
	InputRef    string           `json:"inputArtifactRef"`
	ResultRef   string           `json:"resultArtifactRef,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// NewView renders j.
func NewView(j *ledger.Job) View {
	return View{
		ID:          j.ID,
		ComputeKind: j.ComputeKind,
		Kind:        Kind(j.ComputeKind).String(),
		Status:      j.Status.String(),
		Phase:       j.Status.Phase,
		Progress:    j.Status.Progress,
		OriginalRef: j.OriginalRef,
		InputRef:    j.InputRef,
		ResultRef:   j.ResultRef,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// ResetResponse reports what a reset removed.
type ResetResponse struct {
	Status         string `json:"status"`
	InputsRemoved  int    `json:"inputsRemoved"`
	ResultsRemoved int    `json:"resultsRemoved"`
}

// ListResponse is the body of GET /v1/jobs.
type ListResponse struct {
	Jobs []View `json:"jobs"`
}
