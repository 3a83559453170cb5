// Package runner executes one job per input artifact.
//
// A Runner is invoked with the storage key of a freshly uploaded input. It
// finds the job registered for that key, reports progress on the ledger while
// aggregating, stores the result next to the other results and marks the job
// finished. Failures inside the computation become job errors the client can
// read; only failures that leave no job to report on are returned to the
// caller.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"cohortlab/internal/apperrors"
	"cohortlab/internal/blob"
	"cohortlab/internal/cohort"
	"cohortlab/internal/job"
	"cohortlab/internal/ledger"
	"cohortlab/internal/observability"
	"cohortlab/pkg/cloudevent"
)

// Invocation failure stages, reported in metrics and logs.
const (
	StageValidate = "validate"
	StageSession  = "session"
	StageLookup   = "lookup"
	StageRecord   = "record"
)

// Config tunes a Runner.
type Config struct {
	Cohorts     []cohort.Cohort // compared by co-occurrence jobs
	Parallelism int             // files aggregated at once per job
	Heatmap     cohort.HeatmapOptions
}

// Runner executes jobs against a ledger and object storage.
type Runner struct {
	ledger  ledger.Store
	blobs   blob.Store
	cfg     Config
	metrics *observability.Metrics
}

// New creates a Runner. Sample files are read from blobs.
func New(store ledger.Store, blobs blob.Store, cfg Config, metrics *observability.Metrics) *Runner {
	if cfg.Heatmap.DPI == 0 {
		cfg.Heatmap = cohort.DefaultHeatmapOptions
	}
	return &Runner{ledger: store, blobs: blobs, cfg: cfg, metrics: metrics}
}

// InvocationError is returned when the job for an input could not be run or
// its outcome could not be recorded.
type InvocationError struct {
	Stage string
	Key   string
	Err   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Invoke runs the job registered for inputKey to completion.
//
// Job failures (bad spec, unreadable sample file, aggregation error) are
// recorded on the ledger and Invoke returns nil. A returned error means the
// ledger could not be reached or holds no job for the key; errors matching
// apperrors.ErrUnavailable are worth retrying.
func (r *Runner) Invoke(ctx context.Context, inputKey string) error {
	logger := slog.With("inputKey", inputKey)

	kind, err := job.ParseInputKey(inputKey)
	if err != nil {
		logger.Error("Ignoring invalid input key", "error", err)
		return r.invocationFailed(ctx, StageValidate, inputKey, apperrors.Validation("key", err.Error()))
	}
	logger = logger.With("kind", kind.String())

	sess, err := r.ledger.Open(ctx)
	if err != nil {
		logger.Error("Ledger unavailable, job outcome is lost", "error", err)
		return r.invocationFailed(ctx, StageSession, inputKey, err)
	}
	defer sess.Close()

	j, err := sess.Lookup(ctx, inputKey)
	if err != nil {
		logger.Error("No job to run for input", "error", err)
		return r.invocationFailed(ctx, StageLookup, inputKey, err)
	}
	logger = logger.With("jobId", j.ID)

	if !ledger.CanAdvance(j.Status.Phase, ledger.PhaseProcessing) {
		logger.Warn("Job already finished, skipping", "status", j.Status.String())
		return nil
	}

	e := &execution{
		runner:    r,
		sess:      sess,
		kind:      kind,
		inputKey:  inputKey,
		resultKey: job.ResultKey(inputKey),
		phase:     j.Status.Phase,
		logger:    logger,
	}
	return e.run(ctx, j)
}

// Handle runs the job announced by an artifact-created event. Objects outside
// the input prefixes (results, templates, sample data) are ignored.
func (r *Runner) Handle(ctx context.Context, event *cloudevent.CloudEvent) error {
	if event.Type != cloudevent.TypeArtifactCreated {
		return apperrors.Validation("type", fmt.Sprintf("unsupported event type %q", event.Type))
	}
	key := event.StringData("key")
	if !strings.HasPrefix(key, "inputs/") {
		slog.Debug("Ignoring non-input artifact", "key", key)
		return nil
	}
	return r.Invoke(ctx, key)
}

func (r *Runner) invocationFailed(ctx context.Context, stage, key string, err error) error {
	if r.metrics != nil {
		r.metrics.RecordInvocationFailure(ctx, stage)
	}
	return &InvocationError{Stage: stage, Key: key, Err: err}
}

// execution is one job run. Every ledger write for the job goes through it.
type execution struct {
	runner    *Runner
	sess      ledger.Session
	kind      job.Kind
	inputKey  string
	resultKey string
	phase     ledger.Phase
	logger    *slog.Logger
}

func (e *execution) run(ctx context.Context, j *ledger.Job) error {
	m := e.runner.metrics
	start := time.Now()
	if m != nil {
		m.RecordJobStarted(ctx, e.kind.String())
	}

	var jobErr error
	if job.Kind(j.ComputeKind) != e.kind {
		jobErr = fmt.Errorf("job %s is registered as compute kind %d but its input is under %s", j.ID, j.ComputeKind, e.kind.InputPrefix())
	} else if err := e.advance(ctx, ledger.Starting(), nil); err != nil {
		return e.recordFailed(ctx, err)
	} else {
		jobErr = e.compute(ctx)
	}

	success := jobErr == nil
	if m != nil {
		m.RecordJobCompleted(ctx, e.kind.String(), success, time.Since(start).Seconds())
	}

	// The outcome is recorded even if the caller gave up waiting.
	ctx = context.WithoutCancel(ctx)

	if success {
		ref := e.resultKey
		if err := e.advance(ctx, ledger.Completed(), &ref); err != nil {
			return e.recordFailed(ctx, err)
		}
		e.logger.Info("Job completed", "result", ref, "duration", time.Since(start))
		return nil
	}

	e.logger.Error("Job failed", "error", jobErr)
	return e.fail(ctx, jobErr)
}

// compute runs the kind's aggregation and stores the result artifact.
// Panics are returned as errors.
func (e *execution) compute(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Job panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()

	data, err := e.runner.blobs.Get(ctx, e.inputKey)
	if err != nil {
		return fmt.Errorf("download input: %w", err)
	}
	spec, err := job.DecodeInputSpec(data, e.kind)
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}

	result, err := e.aggregate(ctx, spec)
	if err != nil {
		return err
	}
	if err := e.runner.blobs.Put(ctx, e.resultKey, result); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

// fail stores the first line of err as the job's result and marks the job
// failed. When the message cannot be stored the job is failed without a
// result reference so clients see an unknown error.
func (e *execution) fail(ctx context.Context, jobErr error) error {
	msg := firstLine(jobErr.Error())
	var ref *string
	if err := e.runner.blobs.Put(ctx, e.resultKey, []byte(msg+"\n")); err != nil {
		e.logger.Error("Failed to store job error", "error", err)
	} else {
		key := e.resultKey
		ref = &key
	}
	if err := e.advance(ctx, ledger.Failed(), ref); err != nil {
		return e.recordFailed(ctx, err)
	}
	return nil
}

// advance writes a status for the job, refusing backward transitions.
func (e *execution) advance(ctx context.Context, status ledger.Status, resultRef *string) error {
	if !ledger.CanAdvance(e.phase, status.Phase) {
		return fmt.Errorf("job cannot move from %s to %s", e.phase, status.Phase)
	}
	if err := e.sess.Advance(ctx, e.inputKey, status, resultRef); err != nil {
		return err
	}
	e.phase = status.Phase
	return nil
}

// progress records per-file progress. Progress is advisory, so write
// failures are logged and the job carries on.
func (e *execution) progress(ctx context.Context, scope string) cohort.ProgressFunc {
	m := e.runner.metrics
	return func(done, total int, file string) {
		if m != nil {
			m.RecordFileProcessed(ctx, e.kind.String())
		}
		p := ledger.Progress{Label: cohort.SampleID(file), Current: done, Total: total, Scope: scope}
		if err := e.advance(ctx, ledger.Processing(p), nil); err != nil {
			e.logger.Warn("Failed to record progress", "progress", p.String(), "error", err)
		}
	}
}

func (e *execution) recordFailed(ctx context.Context, err error) error {
	e.logger.Error("Failed to record job status", "error", err)
	return e.runner.invocationFailed(ctx, StageRecord, e.inputKey, err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimRight(s[:i], "\r")
	}
	if s == "" {
		return "unknown"
	}
	return s
}

// IsRetryable reports whether an Invoke error came from an unreachable
// dependency rather than a missing job or bad key.
func IsRetryable(err error) bool {
	return errors.Is(err, apperrors.ErrUnavailable)
}
