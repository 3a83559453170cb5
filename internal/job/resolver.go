package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"cohortlab/internal/apperrors"
	"cohortlab/internal/blob"
	"cohortlab/internal/ledger"
	"cohortlab/internal/observability"
)

// Result endpoint status codes for jobs that have no artifact to return.
const (
	StatusNoResults  = 480
	StatusInProgress = 481
	StatusJobError   = 482
)

// OutcomeKind classifies a resolved job.
type OutcomeKind string

const (
	OutcomeNotFound   OutcomeKind = "not_found"
	OutcomeNoResults  OutcomeKind = "no_results"
	OutcomeInProgress OutcomeKind = "in_progress"
	OutcomeError      OutcomeKind = "error"
	OutcomeCompleted  OutcomeKind = "completed"
)

// Outcome is what a client polling a job's result is told.
type Outcome struct {
	Kind     OutcomeKind
	JobID    string
	Message  string           // human-readable text for every kind but completed
	Progress *ledger.Progress // set for in_progress
	Artifact []byte           // result bytes, verbatim, for completed
}

// HTTPStatus maps the outcome to its response code.
func (o *Outcome) HTTPStatus() int {
	switch o.Kind {
	case OutcomeNotFound:
		return http.StatusNotFound
	case OutcomeNoResults:
		return StatusNoResults
	case OutcomeInProgress:
		return StatusInProgress
	case OutcomeCompleted:
		return http.StatusOK
	default:
		return StatusJobError
	}
}

// Resolver turns ledger and storage state into a result outcome. It never
// writes to either.
type Resolver struct {
	ledger  ledger.Store
	blobs   blob.Store
	metrics *observability.Metrics
}

// NewResolver creates a resolver.
func NewResolver(store ledger.Store, blobs blob.Store, metrics *observability.Metrics) *Resolver {
	return &Resolver{ledger: store, blobs: blobs, metrics: metrics}
}

// Resolve reports the result state of jobID. Errors are infrastructure
// faults; an unknown job is an outcome, not an error.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (*Outcome, error) {
	out, err := r.resolve(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.RecordResultLookup(ctx, string(out.Kind))
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, jobID string) (*Outcome, error) {
	sess, err := r.ledger.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	j, err := sess.Get(ctx, jobID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return &Outcome{Kind: OutcomeNotFound, JobID: jobID, Message: "not_found"}, nil
	}
	if err != nil {
		return nil, err
	}

	out := &Outcome{JobID: j.ID}
	switch j.Status.Phase {
	case ledger.PhaseUploaded:
		out.Kind = OutcomeNoResults
		out.Message = string(ledger.PhaseUploaded)

	case ledger.PhaseProcessing:
		out.Kind = OutcomeInProgress
		out.Message = j.Status.String()
		out.Progress = j.Status.Progress

	case ledger.PhaseError:
		out.Kind = OutcomeError
		msg, err := r.errorMessage(ctx, j.ResultRef)
		if err != nil {
			return nil, err
		}
		out.Message = msg

	case ledger.PhaseCompleted:
		if j.ResultRef == "" {
			return nil, apperrors.Internal("resolve result", fmt.Errorf("job %s completed without a result", j.ID))
		}
		data, err := r.blobs.Get(ctx, j.ResultRef)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Internal("resolve result", fmt.Errorf("job %s result %s is missing", j.ID, j.ResultRef))
		}
		if err != nil {
			return nil, err
		}
		out.Kind = OutcomeCompleted
		out.Artifact = data

	default:
		out.Kind = OutcomeError
		out.Message = fmt.Sprintf("error: unexpected job status of '%s'", j.Status.String())
	}
	return out, nil
}

// errorMessage reads the first line of a failed job's error artifact.
func (r *Resolver) errorMessage(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "error: unknown", nil
	}
	data, err := r.blobs.Get(ctx, ref)
	if errors.Is(err, apperrors.ErrNotFound) {
		return "error: unknown", nil
	}
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "error: unknown, results file was empty", nil
	}
	return "error: " + firstLine(data), nil
}

func firstLine(data []byte) string {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return string(bytes.TrimSuffix(data, []byte("\r")))
}
