package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepeatCountdown(t *testing.T) {
	w := New()
	id := w.Repeated(7, 10*time.Millisecond, 3)

	fires := 0
	deadline := time.Now().Add(time.Second)
	for fires < 3 && time.Now().Before(deadline) {
		for _, f := range w.Due(time.Now()) {
			require.Equal(t, id, f.ID)
			require.Equal(t, uint32(7), f.Owner)
			fires++
			if fires == 3 {
				assert.True(t, f.Last)
			} else {
				assert.False(t, f.Last)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 3, fires)
	assert.Equal(t, 0, w.Len())
}

func TestUnboundedKeepsFiring(t *testing.T) {
	w := New()
	w.Repeated(1, time.Millisecond, Unbounded)

	fires := 0
	deadline := time.Now().Add(time.Second)
	for fires < 5 && time.Now().Before(deadline) {
		for _, f := range w.Due(time.Now()) {
			assert.False(t, f.Last)
			fires++
		}
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, fires, 5)
	assert.Equal(t, 1, w.Len())
}

func TestSameDeadlineFiresInCreationOrder(t *testing.T) {
	w := New()
	var ids []uint32
	for range 5 {
		ids = append(ids, w.Repeated(1, time.Millisecond, 1))
	}

	time.Sleep(5 * time.Millisecond)
	fires := w.Due(time.Now())
	require.Len(t, fires, 5)
	for i, f := range fires {
		assert.Equal(t, ids[i], f.ID)
	}
}

func TestRemoveDuringOwnFire(t *testing.T) {
	w := New()
	id := w.Repeated(1, time.Millisecond, Unbounded)

	time.Sleep(3 * time.Millisecond)
	fires := w.Due(time.Now())
	require.NotEmpty(t, fires)
	// The owner cancels from inside the fire callback.
	w.Remove(id)

	time.Sleep(3 * time.Millisecond)
	assert.Empty(t, w.Due(time.Now()))
	assert.Equal(t, 0, w.Len())
}

func TestRemoveOwned(t *testing.T) {
	w := New()
	w.Repeated(1, time.Millisecond, Unbounded)
	w.Repeated(1, time.Millisecond, Unbounded)
	w.Repeated(2, time.Millisecond, Unbounded)

	w.RemoveOwned(1)
	assert.Equal(t, 1, w.Len())

	time.Sleep(3 * time.Millisecond)
	for _, f := range w.Due(time.Now()) {
		assert.Equal(t, uint32(2), f.Owner)
	}
}

func TestNextReportsEarliestDeadline(t *testing.T) {
	w := New()
	_, ok := w.Next()
	assert.False(t, ok)

	w.Repeated(1, time.Hour, 1)
	id := w.Repeated(1, time.Millisecond, 1)

	next, ok := w.Next()
	require.True(t, ok)
	assert.Less(t, time.Until(next), 10*time.Millisecond)

	w.Remove(id)
	next, ok = w.Next()
	require.True(t, ok)
	assert.Greater(t, time.Until(next), 30*time.Minute)
}
