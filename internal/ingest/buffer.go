package ingest

import (
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// PENDING BUFFER
// ══════════════════════════════════════════════════════════════════════════════

// LossReason says why the buffer gave up on an envelope.
type LossReason string

const (
	// LossEvicted means the buffer was at capacity and dropped its oldest
	// entry to make room.
	LossEvicted LossReason = "evicted"

	// LossExpired means the entry sat in the buffer longer than the TTL
	// before a drain reached it.
	LossExpired LossReason = "expired"
)

// LossFunc observes every envelope the buffer gives up on. The provider has
// already delivered the update once, so a loss is acknowledged upstream and
// only surfaced through this hook; it is never invoked while the buffer lock
// is held.
type LossFunc func(reason LossReason, env *Envelope)

type bufferEntry struct {
	env *Envelope
	at  time.Time
}

// Buffer holds update envelopes that arrive before the processing runtime is
// ready. It is bounded, age-limited, and FIFO: losing the oldest entry under
// pressure is a deliberate bounded-memory tradeoff, and every loss is counted
// and observable.
type Buffer struct {
	mu      sync.Mutex
	entries []bufferEntry

	capacity int
	ttl      time.Duration

	evicted uint64
	expired uint64

	onLoss LossFunc
	now    func() time.Time
}

// NewBuffer creates a buffer with the given capacity and TTL. A nil onLoss
// is allowed; losses are still counted.
func NewBuffer(capacity int, ttl time.Duration, onLoss LossFunc) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		entries:  make([]bufferEntry, 0, capacity),
		capacity: capacity,
		ttl:      ttl,
		onLoss:   onLoss,
		now:      time.Now,
	}
}

// Push appends the envelope with the current timestamp. At capacity the
// oldest entry is evicted first and counted as a loss. Safe for concurrent
// use by many request-handling goroutines.
func (b *Buffer) Push(env *Envelope) {
	var lost *Envelope

	b.mu.Lock()
	if len(b.entries) >= b.capacity {
		lost = b.entries[0].env
		b.entries = b.entries[1:]
		b.evicted++
	}
	b.entries = append(b.entries, bufferEntry{env: env, at: b.now()})
	b.mu.Unlock()

	if lost != nil && b.onLoss != nil {
		b.onLoss(LossEvicted, lost)
	}
}

// Drain removes and returns all entries whose age is within the TTL, in
// arrival order, under a single critical section. Entries past the TTL are
// discarded and counted as losses. Draining an empty buffer is a no-op that
// returns nil.
func (b *Buffer) Drain() []*Envelope {
	var fresh []*Envelope
	var stale []*Envelope

	b.mu.Lock()
	now := b.now()
	for _, e := range b.entries {
		if b.ttl > 0 && now.Sub(e.at) > b.ttl {
			stale = append(stale, e.env)
			b.expired++
			continue
		}
		fresh = append(fresh, e.env)
	}
	b.entries = b.entries[:0]
	b.mu.Unlock()

	if b.onLoss != nil {
		for _, env := range stale {
			b.onLoss(LossExpired, env)
		}
	}
	return fresh
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Losses returns the running eviction and expiry counters.
func (b *Buffer) Losses() (evicted, expired uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted, b.expired
}
