package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIntake(queueSize int) *Intake {
	gate := NewGate()
	buffer := NewBuffer(1024, time.Minute, nil)
	dispatcher := NewDispatcher(queueSize, 100*time.Millisecond)
	return NewIntake(gate, buffer, dispatcher, nil)
}

// drainQueue collects everything currently sitting in the runtime queue.
func drainQueue(in *Intake) []*Envelope {
	var out []*Envelope
	for {
		select {
		case env := <-in.dispatcher.Updates():
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestIntake_BuffersWhileStarting(t *testing.T) {
	in := newTestIntake(16)

	outcome, err := in.Accept(context.Background(), testEnvelope(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Equal(t, 1, in.Buffer().Len())
	assert.Empty(t, drainQueue(in))
}

func TestIntake_DispatchesWhenReady(t *testing.T) {
	in := newTestIntake(16)
	in.SetReady(context.Background())

	outcome, err := in.Accept(context.Background(), testEnvelope(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)

	got := drainQueue(in)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].UpdateID)
}

func TestIntake_SetReadyDrainsInArrivalOrder(t *testing.T) {
	in := newTestIntake(16)

	for id := int64(1); id <= 4; id++ {
		_, err := in.Accept(context.Background(), testEnvelope(id))
		require.NoError(t, err)
	}

	in.SetReady(context.Background())

	got := drainQueue(in)
	require.Len(t, got, 4)
	for i, env := range got {
		assert.Equal(t, int64(i+1), env.UpdateID)
	}
	assert.Equal(t, 0, in.Buffer().Len())
}

func TestIntake_ReadyRaceLosesNothing(t *testing.T) {
	in := newTestIntake(4096)

	const pushers = 8
	const perPusher = 100

	var wg sync.WaitGroup
	start := make(chan struct{})
	for p := 0; p < pushers; p++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			<-start
			for j := int64(0); j < perPusher; j++ {
				_, err := in.Accept(context.Background(), testEnvelope(base*perPusher+j))
				assert.NoError(t, err)
			}
		}(int64(p))
	}

	close(start)
	// Flip readiness somewhere in the middle of the push storm.
	time.Sleep(time.Millisecond)
	in.SetReady(context.Background())
	wg.Wait()

	// A final sweep picks up any push that raced the flip into the buffer.
	in.Sweep(context.Background())

	got := drainQueue(in)
	seen := make(map[int64]int, pushers*perPusher)
	for _, env := range got {
		seen[env.UpdateID]++
	}

	// Every envelope landed exactly once: never both buffered and
	// dispatched, never neither.
	require.Len(t, seen, pushers*perPusher)
	for id, n := range seen {
		assert.Equal(t, 1, n, "update %d delivered %d times", id, n)
	}
	assert.Equal(t, 0, in.Buffer().Len())
}

func TestIntake_DrainingAcksWithoutBuffering(t *testing.T) {
	in := newTestIntake(16)
	in.SetReady(context.Background())
	in.Shutdown()

	outcome, err := in.Accept(context.Background(), testEnvelope(1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)
	assert.Equal(t, 0, in.Buffer().Len())
	assert.Empty(t, drainQueue(in))
}

func TestIntake_SweepBeforeReadyIsNoop(t *testing.T) {
	in := newTestIntake(16)

	_, err := in.Accept(context.Background(), testEnvelope(1))
	require.NoError(t, err)

	in.Sweep(context.Background())
	assert.Equal(t, 1, in.Buffer().Len(), "premature sweep must not steal buffered updates")
	assert.Empty(t, drainQueue(in))
}

func TestIntake_FullQueueSurfacesDispatchError(t *testing.T) {
	in := newTestIntake(1)
	in.SetReady(context.Background())

	_, err := in.Accept(context.Background(), testEnvelope(1))
	require.NoError(t, err)

	outcome, err := in.Accept(context.Background(), testEnvelope(2))
	assert.Equal(t, OutcomeDropped, outcome)
	var dispErr *DispatchError
	assert.ErrorAs(t, err, &dispErr)
}
