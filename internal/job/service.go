package job

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"cohortlab/internal/apperrors"
	"cohortlab/internal/blob"
	"cohortlab/internal/ledger"
	"cohortlab/internal/observability"
)

// Validation limits
const (
	maxInputRefLength = 255
	maxSpecBytes      = 8 << 20
	defaultInputRef   = "spec.json"
)

//go:embed defaults.json
var defaultTemplate []byte

// DefaultTemplate returns a copy of the built-in spec document.
func DefaultTemplate() []byte {
	return append([]byte(nil), defaultTemplate...)
}

// Trigger announces a stored input artifact so a runner picks it up.
type Trigger interface {
	Trigger(ctx context.Context, inputKey string) error
}

// Service accepts submissions and answers job queries.
//
// The Service holds no job state of its own; the ledger and object storage
// do. A nil Trigger means an external event system watches the input
// prefixes and launches runners itself.
type Service struct {
	ledger  ledger.Store
	blobs   blob.Store
	trigger Trigger
	metrics *observability.Metrics

	templates singleflight.Group
}

// NewService creates a new job service.
func NewService(store ledger.Store, blobs blob.Store, trigger Trigger, metrics *observability.Metrics) *Service {
	return &Service{
		ledger:  store,
		blobs:   blobs,
		trigger: trigger,
		metrics: metrics,
	}
}

// Submit validates a request, registers the job, stores its input under the
// kind's prefix and triggers processing.
//
// The ledger row is written before the input so a runner triggered by the
// upload always finds it.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	kind := Kind(req.ComputeKind)
	originalRef := req.InputSpecRef
	if originalRef == "" {
		originalRef = defaultInputRef
	}
	key := InputKey(kind, uuid.NewString())
	logger := slog.With("kind", kind.String(), "inputKey", key)

	sess, err := s.ledger.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	jobID, err := sess.Create(ctx, int(kind), originalRef, key)
	if err != nil {
		logger.Error("Job registration failed", "error", err)
		return nil, err
	}
	logger = logger.With("jobId", jobID)

	if err := s.blobs.Put(ctx, key, req.Spec); err != nil {
		logger.Error("Input upload failed", "error", err)
		s.abandon(ctx, sess, key, logger)
		return nil, apperrors.Unavailable("store input", err)
	}

	if s.trigger != nil {
		if err := s.trigger.Trigger(ctx, key); err != nil {
			logger.Error("Job trigger failed", "error", err)
			s.abandon(ctx, sess, key, logger)
			return nil, apperrors.Unavailable("trigger job", err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, kind.String())
	}
	logger.Info("Job submitted")

	return &SubmitResponse{JobID: jobID, Status: string(ledger.PhaseUploaded)}, nil
}

// abandon marks a job that can never run as failed without a result, which
// the resolver reports as "error: unknown".
func (s *Service) abandon(ctx context.Context, sess ledger.Session, key string, logger *slog.Logger) {
	if err := sess.Advance(ctx, key, ledger.Failed(), nil); err != nil {
		logger.Error("Failed to mark abandoned job", "error", err)
	}
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, jobID string) (*View, error) {
	sess, err := s.ledger.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	j, err := sess.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := NewView(j)
	return &v, nil
}

// List returns every job, oldest first.
func (s *Service) List(ctx context.Context) (*ListResponse, error) {
	sess, err := s.ledger.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	jobs, err := sess.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, len(jobs))
	for i := range jobs {
		views[i] = NewView(&jobs[i])
	}
	return &ListResponse{Jobs: views}, nil
}

// Reset clears the ledger and purges every input and result artifact.
// Sample data and the template are left in place. Safe to repeat.
func (s *Service) Reset(ctx context.Context) (*ResetResponse, error) {
	sess, err := s.ledger.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Reset(ctx); err != nil {
		return nil, err
	}
	inputs, err := s.blobs.DeletePrefix(ctx, inputsRoot)
	if err != nil {
		return nil, err
	}
	results, err := s.blobs.DeletePrefix(ctx, resultsRoot)
	if err != nil {
		return nil, err
	}

	slog.Info("Reset complete", "inputsRemoved", inputs, "resultsRemoved", results)
	return &ResetResponse{Status: "reset", InputsRemoved: inputs, ResultsRemoved: results}, nil
}

// Template returns the stored default spec document unmodified, falling back
// to the built-in one when none has been stored. Concurrent calls share one
// storage read.
func (s *Service) Template(ctx context.Context) ([]byte, error) {
	v, err, _ := s.templates.Do(TemplateKey, func() (any, error) {
		data, err := s.blobs.Get(ctx, TemplateKey)
		if errors.Is(err, apperrors.ErrNotFound) {
			return DefaultTemplate(), nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SeedTemplate stores the built-in template unless one already exists.
func (s *Service) SeedTemplate(ctx context.Context) error {
	_, err := s.blobs.Get(ctx, TemplateKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	return s.blobs.Put(ctx, TemplateKey, defaultTemplate)
}

// validate validates a submission. Does not modify the request.
func validate(req *SubmitRequest) error {
	if !Kind(req.ComputeKind).Valid() {
		return apperrors.Validation("computeKind", fmt.Sprintf("unknown compute kind %d, expected 1 to %d", req.ComputeKind, len(Kinds)))
	}
	if len(req.InputSpecRef) > maxInputRefLength {
		return apperrors.Validation("inputSpecRef", fmt.Sprintf("input name exceeds maximum length of %d", maxInputRefLength))
	}
	if strings.ContainsAny(req.InputSpecRef, "\r\n") {
		return apperrors.Validation("inputSpecRef", "input name must be a single line")
	}
	if len(req.Spec) == 0 {
		return apperrors.Validation("spec", "spec is required")
	}
	if len(req.Spec) > maxSpecBytes {
		return apperrors.Validation("spec", fmt.Sprintf("spec exceeds maximum size of %d bytes", maxSpecBytes))
	}
	if _, err := DecodeInputSpec(req.Spec, Kind(req.ComputeKind)); err != nil {
		return apperrors.Validation("spec", err.Error())
	}
	return nil
}
