package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// CROSS-CONTEXT DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatch failure reasons.
const (
	DispatchQueueFull = "queue full"
	DispatchClosed    = "dispatcher closed"
	DispatchCanceled  = "caller canceled"
)

// DispatchError surfaces a failed hand-off to the processing runtime as a
// typed error instead of throwing into an unrelated goroutine.
type DispatchError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch update: %s: %v", e.Reason, e.Err)
	}
	return "dispatch update: " + e.Reason
}

// Unwrap returns the underlying error, if any.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher is the sole sanctioned crossing point between the synchronous
// request-handling context and the background processing runtime. The hand-off
// primitive is a bounded channel; the runtime's internal state is never
// touched from outside its own goroutine. Envelopes dispatched by the same
// caller in sequence reach the runtime in that sequence; no cross-caller
// ordering is guaranteed.
type Dispatcher struct {
	queue   chan *Envelope
	timeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher creates a dispatcher with the given intake queue size and a
// bounded per-call wait. A non-positive wait falls back to one second.
func NewDispatcher(queueSize int, wait time.Duration) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if wait <= 0 {
		wait = time.Second
	}
	return &Dispatcher{
		queue:   make(chan *Envelope, queueSize),
		timeout: wait,
		closed:  make(chan struct{}),
	}
}

// Dispatch enqueues the envelope into the runtime's intake. It never blocks
// the caller beyond the bounded wait; a full queue, a closed dispatcher, or
// caller cancellation surface as a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	select {
	case <-d.closed:
		return &DispatchError{Reason: DispatchClosed}
	default:
	}

	// Fast path: room in the queue right now.
	select {
	case d.queue <- env:
		return nil
	default:
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case d.queue <- env:
		return nil
	case <-timer.C:
		return &DispatchError{Reason: DispatchQueueFull}
	case <-d.closed:
		return &DispatchError{Reason: DispatchClosed}
	case <-ctx.Done():
		return &DispatchError{Reason: DispatchCanceled, Err: ctx.Err()}
	}
}

// Updates exposes the intake queue to the processing runtime. Only the
// runtime goroutine receives from it.
func (d *Dispatcher) Updates() <-chan *Envelope {
	return d.queue
}

// Pending returns the number of envelopes waiting in the queue.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close rejects all further dispatches. Envelopes already queued remain
// readable by the runtime so in-flight work can finish during shutdown.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
}
