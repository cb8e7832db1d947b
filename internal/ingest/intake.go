package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/Di-mitt/my-telegram-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// INTAKE COORDINATOR
// ══════════════════════════════════════════════════════════════════════════════

// Outcome is what happened to an accepted envelope.
type Outcome string

const (
	// OutcomeDispatched means the envelope reached the runtime queue.
	OutcomeDispatched Outcome = "dispatched"

	// OutcomeBuffered means the runtime was not ready and the envelope was
	// parked in the pending buffer.
	OutcomeBuffered Outcome = "buffered"

	// OutcomeDropped means the process is draining or the queue rejected
	// the envelope; the request is still acknowledged upstream.
	OutcomeDropped Outcome = "dropped"
)

// Intake ties the readiness gate, the pending buffer, and the dispatcher
// together. It is the process-wide ingestion context: constructed once,
// injected into the HTTP handlers, never reached through ambient globals.
//
// The mutex covers only the gate-state decision, so a push racing the ready
// transition lands in exactly one of buffer or direct dispatch — never both,
// never neither. The dispatch call itself always runs outside the lock.
type Intake struct {
	mu         sync.Mutex
	gate       *Gate
	buffer     *Buffer
	dispatcher *Dispatcher
	log        *logger.Logger
}

// NewIntake creates the ingestion coordinator.
func NewIntake(gate *Gate, buffer *Buffer, dispatcher *Dispatcher, log *logger.Logger) *Intake {
	if log == nil {
		log = logger.Default()
	}
	return &Intake{
		gate:       gate,
		buffer:     buffer,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Gate exposes the readiness gate for health reporting and shutdown.
func (in *Intake) Gate() *Gate {
	return in.gate
}

// Buffer exposes the pending buffer for health reporting.
func (in *Intake) Buffer() *Buffer {
	return in.buffer
}

// Dispatcher exposes the runtime queue for health reporting.
func (in *Intake) Dispatcher() *Dispatcher {
	return in.dispatcher
}

// Accept routes one decoded envelope. While the runtime is starting the
// envelope is buffered; once ready it dispatches directly; during draining
// it is acknowledged and discarded. The returned error reports a failed
// direct dispatch — callers still acknowledge the request upstream, since
// the provider's only recourse to a failure status is a blind retry that
// cannot fix an overloaded internal queue.
func (in *Intake) Accept(ctx context.Context, env *Envelope) (Outcome, error) {
	in.mu.Lock()
	state := in.gate.State()
	if state == StateStarting {
		in.buffer.Push(env)
		in.mu.Unlock()
		return OutcomeBuffered, nil
	}
	in.mu.Unlock()

	if state != StateReady {
		in.log.Debug("update discarded during shutdown",
			logger.Int64("update_id", env.UpdateID),
		)
		return OutcomeDropped, nil
	}

	if err := in.dispatcher.Dispatch(ctx, env); err != nil {
		in.log.Error("dispatch failed",
			logger.Int64("update_id", env.UpdateID),
			logger.Err(err),
		)
		return OutcomeDropped, err
	}
	return OutcomeDispatched, nil
}

// SetReady flips the gate and drains the pending buffer exactly once,
// immediately after the runtime finished initialization and webhook
// registration. Buffered envelopes are dispatched in arrival order.
func (in *Intake) SetReady(ctx context.Context) {
	in.mu.Lock()
	flipped := in.gate.MarkReady()
	batch := in.buffer.Drain()
	in.mu.Unlock()

	if !flipped && len(batch) == 0 {
		return
	}

	in.log.Info("processing runtime ready, draining pending buffer",
		logger.Int("pending", len(batch)),
	)
	in.dispatchBatch(ctx, batch)
}

// Sweep re-drains the buffer. It exists as a periodic safety net after the
// ready transition; it is safe to run concurrently with SetReady and with
// pushes. Before the gate opens it does nothing, so no envelope is lost to a
// premature sweep.
func (in *Intake) Sweep(ctx context.Context) {
	if !in.gate.IsReady() {
		return
	}

	in.mu.Lock()
	batch := in.buffer.Drain()
	in.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	in.log.Warn("safety sweep found stranded updates", logger.Int("count", len(batch)))
	in.dispatchBatch(ctx, batch)
}

// RunSweeper runs Sweep on the given interval until the context ends.
func (in *Intake) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.Sweep(ctx)
		}
	}
}

// Shutdown moves the gate into Draining: requests keep getting acknowledged
// but nothing new is buffered or dispatched.
func (in *Intake) Shutdown() {
	in.gate.BeginDrain()
	in.dispatcher.Close()
}

func (in *Intake) dispatchBatch(ctx context.Context, batch []*Envelope) {
	for _, env := range batch {
		if err := in.dispatcher.Dispatch(ctx, env); err != nil {
			in.log.Error("drained update lost on dispatch",
				logger.Int64("update_id", env.UpdateID),
				logger.Err(err),
			)
		}
	}
}
