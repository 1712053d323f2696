package rtcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestQueueOrdering checks the queue's ordering guarantee: commands Drain in the order
// they were Enqueued.
func TestQueueOrdering(t *testing.T) {
	q := NewQueue(4)
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		ok := q.Enqueue(NewAsync(func() (Result, int) {
			order = append(order, i)
			return Done, 1
		}))
		require.True(t, ok)
	}
	q.Drain()
	assert.Equal(t, []int{0, 1, 2}, order)
}

// TestQueueCallAgainLaterRequeuesAtHead checks that a CallAgainLater result
// leaves the command at the head: it is retried before any later command,
// and does not advance tail.
func TestQueueCallAgainLaterRequeuesAtHead(t *testing.T) {
	q := NewQueue(4)
	attempts := 0
	var order []string
	q.Enqueue(NewAsync(func() (Result, int) {
		attempts++
		order = append(order, "stuck")
		if attempts < 2 {
			return CallAgainLater, 1
		}
		return Done, 1
	}))
	q.Enqueue(NewAsync(func() (Result, int) {
		order = append(order, "second")
		return Done, 1
	}))

	q.Drain() // first command call-again-laters; second must not run yet
	assert.Equal(t, []string{"stuck"}, order)

	q.Drain() // first command now succeeds, then second runs
	assert.Equal(t, []string{"stuck", "stuck", "second"}, order)
}

// TestQueueBudgetStopsDispatch verifies Drain stops once the cost budget is
// exhausted, leaving later commands for the next Drain call.
func TestQueueBudgetStopsDispatch(t *testing.T) {
	q := NewQueue(8)
	q.budget = 5
	ran := 0
	for i := 0; i < 3; i++ {
		q.Enqueue(NewAsync(func() (Result, int) {
			ran++
			return Done, 3 // three commands at cost 3 exceeds a budget of 5 after two
		}))
	}
	q.Drain()
	assert.Equal(t, 2, ran, "third command's cost would exceed the budget")
	q.Drain()
	assert.Equal(t, 3, ran)
}

// TestSyncCommandWaitUnblocksAfterHarvest checks the synchronous contract:
// Wait() doesn't return until HarvestCleanups has run Cleanup, matching
// the synchronous-enqueue contract.
func TestSyncCommandWaitUnblocksAfterHarvest(t *testing.T) {
	q := NewQueue(4)
	cleaned := false
	cmd := NewSync(func() (Result, int) { return Done, 1 })
	cmd.Cleanup = func() { cleaned = true }
	require.True(t, q.Enqueue(cmd))

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	q.Drain()
	q.HarvestCleanups()
	<-done
	assert.True(t, cleaned)
}

// TestSwapPointer checks the single-writer pointer-swap primitive used by
// RT-owned Commands to replace engine state.
func TestSwapPointer(t *testing.T) {
	type payload struct{ n int }
	a := &payload{n: 1}
	b := &payload{n: 2}
	cell := a
	slot := &cell

	prev := SwapPointer(slot, b)
	assert.Same(t, a, prev)
	assert.Same(t, b, *slot)
}

func TestSwapPointerAndCount(t *testing.T) {
	type payload struct{ n int }
	a := &payload{n: 1}
	b := &payload{n: 2}
	cell := a
	slot, count := &cell, uint32(3)

	prev, prevCount := SwapPointerAndCount(slot, &count, b, 7)
	assert.Same(t, a, prev)
	assert.Equal(t, uint32(3), prevCount)
	assert.Same(t, b, *slot)
	assert.Equal(t, uint32(7), count)
}

// TestQueueEnqueueFullRing checks that Enqueue reports failure rather than
// overwriting when the ring is momentarily full.
func TestQueueEnqueueFullRing(t *testing.T) {
	q := NewQueue(2) // rounds up to 2
	require.True(t, q.Enqueue(NewAsync(func() (Result, int) { return Done, 1 })))
	require.True(t, q.Enqueue(NewAsync(func() (Result, int) { return Done, 1 })))
	assert.False(t, q.Enqueue(NewAsync(func() (Result, int) { return Done, 1 })), "ring is full")
}
