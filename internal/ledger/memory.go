package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cohortlab/internal/apperrors"
)

var errSessionClosed = errors.New("ledger: session closed")

// Memory is an in-process Store for local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	byInput map[string]string
	seq     int64
	now     func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*Job),
		byInput: make(map[string]string),
		now:     time.Now,
	}
}

// Open returns a session over the shared maps.
func (m *Memory) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Unavailable("ledger.open", err)
	}
	return &memorySession{m: m}, nil
}

// Ready always succeeds.
func (m *Memory) Ready(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }

type memorySession struct {
	m      *Memory
	closed bool
}

func (s *memorySession) check() error {
	if s.closed {
		return apperrors.Unavailable("ledger", errSessionClosed)
	}
	return nil
}

func (s *memorySession) Create(_ context.Context, computeKind int, originalRef, inputRef string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byInput[inputRef]; ok {
		return "", duplicateInput(inputRef)
	}

	// Monotonic offsets keep List ordering stable for jobs created within
	// the same clock tick.
	m.seq++
	now := m.now().Add(time.Duration(m.seq))
	job := &Job{
		ID:          uuid.NewString(),
		ComputeKind: computeKind,
		Status:      Uploaded(),
		OriginalRef: originalRef,
		InputRef:    inputRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[job.ID] = job
	m.byInput[inputRef] = job.ID
	return job.ID, nil
}

func (s *memorySession) Advance(_ context.Context, inputRef string, status Status, resultRef *string) error {
	if err := s.check(); err != nil {
		return err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byInput[inputRef]
	if !ok {
		return noRows(inputRef)
	}
	job := m.jobs[id]
	job.Status = cloneStatus(status)
	if resultRef != nil {
		job.ResultRef = *resultRef
	}
	job.UpdatedAt = m.now()
	return nil
}

func (s *memorySession) Get(_ context.Context, jobID string) (*Job, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, apperrors.NotFound("job", jobID)
	}
	return copyJob(job), nil
}

func (s *memorySession) Lookup(_ context.Context, inputRef string) (*Job, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byInput[inputRef]
	if !ok {
		return nil, apperrors.NotFound("job for input", inputRef)
	}
	return copyJob(m.jobs[id]), nil
}

func (s *memorySession) List(context.Context) ([]Job, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	m := s.m
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *copyJob(job))
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *memorySession) Reset(context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.jobs)
	clear(m.byInput)
	return nil
}

func (s *memorySession) Close() error {
	s.closed = true
	return nil
}

func copyJob(j *Job) *Job {
	c := *j
	c.Status = cloneStatus(j.Status)
	return &c
}

func cloneStatus(s Status) Status {
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	return s
}
