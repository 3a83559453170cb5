// Package dispatcher runs trigger events through a handler with buffering,
// retry and per-source circuit breaking.
package dispatcher

import (
	"context"
	"errors"

	"cohortlab/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async processing of trigger events.
type Dispatcher interface {
	// Dispatch queues an event for async handling. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to handle queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Handler does the work announced by an event. Errors for which the
// dispatcher's Retryable predicate holds are retried and count against the
// event's circuit breaker; other errors fail the event at once.
type Handler interface {
	Handle(ctx context.Context, event *cloudevent.CloudEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *cloudevent.CloudEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event *cloudevent.CloudEvent) error {
	return f(ctx, event)
}

// Event is a trigger waiting to be handled.
type Event struct {
	Payload  *cloudevent.CloudEvent
	Requeues int // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total events queued
	Delivered     int64 // events handled successfully
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	Panics        int64 // handler panics recovered
	BreakersTotal int   // total circuit breakers
	BreakersOpen  int   // currently open breakers
}
