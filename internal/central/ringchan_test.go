package central

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingChannelDropsOldestWhenFull(t *testing.T) {
	// GOAL: Verify overwrite-oldest semantics: producers never block and the
	// newest items survive

	rc := newRingChannel[int](3)

	for i := 1; i <= 3; i++ {
		assert.False(t, rc.send(i), "send into free space MUST NOT drop")
	}
	assert.True(t, rc.send(4), "send into a full buffer MUST drop the oldest")

	assert.Equal(t, 2, <-rc.C(), "oldest item MUST have been discarded")
	assert.Equal(t, 3, <-rc.C())
	assert.Equal(t, 4, <-rc.C())
}

func TestRingChannelClose(t *testing.T) {
	// GOAL: Verify close is idempotent and late sends are dropped

	rc := newRingChannel[string](2)
	rc.send("kept")
	rc.close()
	rc.close() // second close MUST NOT panic

	assert.False(t, rc.send("late"), "send after close MUST be a silent no-op")

	v, ok := <-rc.C()
	assert.True(t, ok, "item buffered before close MUST still be received")
	assert.Equal(t, "kept", v)

	_, ok = <-rc.C()
	assert.False(t, ok, "channel MUST be closed after draining")
}

func TestRingChannelMinimumCapacity(t *testing.T) {
	// GOAL: Verify non-positive capacities are clamped to one slot

	rc := newRingChannel[int](0)
	assert.Equal(t, 1, rc.Cap(), "capacity MUST be clamped to at least 1")

	rc.send(1)
	rc.send(2)
	assert.Equal(t, 2, <-rc.C(), "single-slot ring MUST keep only the newest item")
}
