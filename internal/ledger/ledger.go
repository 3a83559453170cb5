// Package ledger persists jobs and their lifecycle status.
//
// The ledger is the single source of truth for job state. Each job row is
// written by exactly one runner (the one triggered for its input artifact)
// and read by the result resolver and job listings. Rows are located either
// by job ID or through the unique input artifact key, which is the only link
// between an uploaded artifact and its job.
//
// Handles are scoped: callers Open a Session per request or runner
// invocation and Close it on every exit path.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cohortlab/internal/apperrors"
)

// ErrNoRows is returned by Advance when no job matches the input key.
// Callers treat it as an anomaly to report, never as success.
var ErrNoRows = errors.New("ledger: no job matches input artifact")

// Job is one tracked asynchronous computation.
type Job struct {
	ID          string    `json:"jobId"`
	ComputeKind int       `json:"computeKind"`
	Status      Status    `json:"-"`
	OriginalRef string    `json:"originalInputRef"`
	InputRef    string    `json:"inputArtifactRef"`
	ResultRef   string    `json:"resultArtifactRef"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Session is a scoped ledger handle.
type Session interface {
	// Create inserts a job in the uploaded phase and returns its new ID.
	// Returns a conflict error if inputRef is already registered.
	Create(ctx context.Context, computeKind int, originalRef, inputRef string) (string, error)

	// Advance sets the status of the job registered for inputRef, and its
	// result reference when resultRef is non-nil. No transition checks are
	// made. Returns ErrNoRows (wrapped) when nothing matched.
	Advance(ctx context.Context, inputRef string, status Status, resultRef *string) error

	// Get returns the job with the given ID or a not found error.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Lookup resolves an input artifact key to its job.
	Lookup(ctx context.Context, inputRef string) (*Job, error)

	// List returns every job, oldest first.
	List(ctx context.Context) ([]Job, error)

	// Reset removes every job. Idempotent.
	Reset(ctx context.Context) error

	// Close releases the handle.
	Close() error
}

// Store hands out sessions against one backend.
type Store interface {
	Open(ctx context.Context) (Session, error)
	Ready(ctx context.Context) error
	Close() error
}

// New opens the store selected by driver ("memory", "mysql" or "postgres").
func New(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "mysql":
		return NewMySQL(ctx, dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}

// noRows wraps ErrNoRows with the not found classification.
func noRows(inputRef string) error {
	return &apperrors.Error{
		Sentinel: apperrors.ErrNotFound,
		Message:  fmt.Sprintf("no job registered for input %s", inputRef),
		Resource: "job",
		Cause:    ErrNoRows,
	}
}

func duplicateInput(inputRef string) error {
	return apperrors.Conflict("job", inputRef, fmt.Sprintf("input artifact %s is already registered", inputRef))
}
