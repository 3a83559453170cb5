package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cohortlab/pkg/backoff"
	"cohortlab/pkg/circuitbreaker"
	"cohortlab/pkg/cloudevent"
)

// MemoryDispatcher is an in-memory async event dispatcher.
// Events are queued in a bounded channel and handled by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue    chan *Event
	handler  Handler
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	// Internal counters (for Stats())
	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64
	panics       atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher feeding handler.
func NewMemory(cfg MemoryConfig, handler Handler, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:   make(chan *Event, cfg.BufferSize),
		handler: handler,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async handling.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full",
			"subject", event.Payload.Subject,
			"type", event.Payload.Type,
		)
		return ErrBufferFull
	}
}

// Trigger queues an artifact-created event for an uploaded input.
func (d *MemoryDispatcher) Trigger(_ context.Context, key string) error {
	return d.Dispatch(&Event{Payload: cloudevent.NewArtifactCreated("cohortlab/service", key)})
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		Panics:        d.panics.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Ready reports an error while the dispatcher is closed or any breaker is
// open, meaning triggers are piling up behind an unreachable dependency.
func (d *MemoryDispatcher) Ready(context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if open := d.breakers.Stats().Open; open > 0 {
		return fmt.Errorf("%d circuit breaker(s) open", open)
	}
	return nil
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes events from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// drainQueue handles remaining events after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver runs the handler for an event with retry and circuit breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	key := d.config.BreakerKey(event)
	breaker := d.breakers.Get(key)

	if !breaker.Allow() {
		d.requeue(event, key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.HandlerTimeout)
	defer cancel()

	start := time.Now()
	err := d.handleWithRetry(ctx, event)
	if err == nil {
		breaker.RecordSuccess()
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
		return
	}

	// Only infrastructure faults say anything about the dependency's health.
	if d.config.Retryable(err) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	d.failed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherFailed(ctx)
	}
	d.logger.Warn("Event handling failed", "breaker", key, "subject", event.Payload.Subject, "type", event.Payload.Type, "error", err)
}

// requeue puts an event back in the queue after a delay when circuit is open.
func (d *MemoryDispatcher) requeue(event *Event, key string) {
	if event.Requeues >= defaultMaxRequeues {
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, max requeues reached",
			"breaker", key,
			"subject", event.Payload.Subject,
			"requeues", event.Requeues,
		)
		return
	}

	event.Requeues++
	requeues := event.Requeues // capture for goroutine
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	// Requeue after cooldown period so circuit has time to recover
	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(d.config.BreakerCooldown):
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "breaker", key, "subject", event.Payload.Subject, "requeues", requeues)
		case <-d.shutdown:
		default:
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDropped(context.Background())
			}
			d.logger.Warn("Event dropped on requeue, buffer full", "breaker", key, "subject", event.Payload.Subject)
		}
	}()
}

func (d *MemoryDispatcher) handleWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = d.handle(ctx, event)
		if lastErr == nil || !d.config.Retryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// handle calls the handler, turning a panic into an error so one bad event
// cannot take down the worker.
func (d *MemoryDispatcher) handle(ctx context.Context, event *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.panics.Add(1)
			d.logger.Error("Handler panicked", "subject", event.Payload.Subject, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return d.handler.Handle(ctx, event.Payload)
}

// breakerKey groups events by type and the storage directory of their key,
// so each compute kind's inputs share one breaker.
func breakerKey(event *Event) string {
	key := event.Payload.StringData("key")
	if key == "" {
		return event.Payload.Type
	}
	return event.Payload.Type + ":" + path.Dir(key)
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
