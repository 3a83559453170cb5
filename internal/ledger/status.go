package ledger

import (
	"fmt"
	"strings"
)

// Phase is the control-flow discriminant of a job's status.
type Phase string

const (
	PhaseUploaded   Phase = "uploaded"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// Known reports whether p is one of the four lifecycle phases.
func (p Phase) Known() bool {
	switch p {
	case PhaseUploaded, PhaseProcessing, PhaseCompleted, PhaseError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions may follow p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// CanAdvance reports whether a writer may move a job from one phase to another.
// Phases only move forward; processing may repeat to report progress.
// The ledger does not enforce this, the runner checks it before writing.
func CanAdvance(from, to Phase) bool {
	switch from {
	case PhaseUploaded:
		return to == PhaseProcessing || to == PhaseCompleted || to == PhaseError
	case PhaseProcessing:
		return to == PhaseProcessing || to == PhaseCompleted || to == PhaseError
	default:
		return false
	}
}

// Progress is the structured payload of a processing status.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Label   string `json:"label,omitempty"` // e.g. the sample being processed
	Scope   string `json:"scope,omitempty"` // e.g. the cohort being aggregated
}

// String renders "<label> <k>/<n> processed for <scope>", dropping empty parts.
func (p Progress) String() string {
	var parts []string
	if p.Label != "" {
		parts = append(parts, p.Label)
	}
	if p.Total > 0 {
		parts = append(parts, fmt.Sprintf("%d/%d processed", p.Current, p.Total))
	}
	if p.Scope != "" {
		parts = append(parts, "for "+p.Scope)
	}
	return strings.Join(parts, " ")
}

// Status is a job's lifecycle state. Progress is set only while processing.
type Status struct {
	Phase    Phase
	Progress *Progress
}

// Uploaded is the initial status of every job.
func Uploaded() Status { return Status{Phase: PhaseUploaded} }

// Processing reports liveness with a progress payload.
func Processing(p Progress) Status { return Status{Phase: PhaseProcessing, Progress: &p} }

// Starting is the first processing milestone.
func Starting() Status { return Processing(Progress{Label: "starting"}) }

// Completed is the terminal success status.
func Completed() Status { return Status{Phase: PhaseCompleted} }

// Failed is the terminal failure status.
func Failed() Status { return Status{Phase: PhaseError} }

// String renders the human-readable form polled by clients,
// e.g. "processing - NU01713 3/10 processed for LTS".
func (s Status) String() string {
	if s.Phase == PhaseProcessing && s.Progress != nil {
		if detail := s.Progress.String(); detail != "" {
			return string(PhaseProcessing) + " - " + detail
		}
	}
	return string(s.Phase)
}

// ParseStatus reads a rendered status back. The "processing - <text>" family
// becomes a processing status whose label is the free text; anything else is
// taken as the phase verbatim, so unexpected values survive for reporting.
func ParseStatus(raw string) Status {
	if raw == string(PhaseProcessing) {
		return Status{Phase: PhaseProcessing, Progress: &Progress{}}
	}
	if detail, ok := strings.CutPrefix(raw, string(PhaseProcessing)+" - "); ok {
		return Processing(Progress{Label: detail})
	}
	return Status{Phase: Phase(raw)}
}
