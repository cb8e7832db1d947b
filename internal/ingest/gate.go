package ingest

import (
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// READINESS GATE
// ══════════════════════════════════════════════════════════════════════════════

// State describes the processing runtime lifecycle.
type State int

const (
	// StateStarting means the runtime has not finished initialization yet;
	// inbound updates are buffered.
	StateStarting State = iota

	// StateReady means the runtime accepts work; updates dispatch directly.
	StateReady

	// StateDraining means shutdown has begun; updates are acknowledged but
	// neither buffered nor dispatched.
	StateDraining

	// StateStopped means the process is going away.
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Gate is the one-shot readiness signal for the processing runtime.
// MarkReady is called exactly once by the startup sequence; any number of
// request-handling goroutines may call IsReady and AwaitReady concurrently.
// Once Ready, the gate never returns to Starting — a crash restarts the
// whole process, not this state machine.
type Gate struct {
	mu    sync.Mutex
	state State
	ready chan struct{}
}

// NewGate creates a gate in the Starting state.
func NewGate() *Gate {
	return &Gate{
		state: StateStarting,
		ready: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsReady reports whether the runtime accepts work right now.
func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateReady
}

// MarkReady transitions Starting → Ready and wakes every AwaitReady caller.
// It returns false if the gate already left the Starting state.
func (g *Gate) MarkReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateStarting {
		return false
	}
	g.state = StateReady
	close(g.ready)
	return true
}

// AwaitReady blocks until the gate opens or the timeout elapses. It returns
// false on timeout without side effects and never busy-spins. Callers
// arriving after MarkReady return true immediately.
func (g *Gate) AwaitReady(timeout time.Duration) bool {
	select {
	case <-g.ready:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ready:
		return true
	case <-timer.C:
		return false
	}
}

// BeginDrain transitions into Draining. New updates are acknowledged without
// buffering, since buffered state would be lost at process exit anyway.
func (g *Gate) BeginDrain() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateStopped {
		return
	}
	g.state = StateDraining
}

// Stop marks the gate terminally stopped.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = StateStopped
}
