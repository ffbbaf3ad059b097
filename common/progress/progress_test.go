package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerETA(t *testing.T) {
	tr := NewTracker(10, time.Second)
	tr.startedAt = time.Now().Add(-10 * time.Second)

	// 5 units in 10 seconds leaves 5 units at 2s each
	tr.Advance(5)
	eta := tr.ETA(time.Now())
	assert.InDelta(t, 10, eta, 1)
}

func TestTrackerETAZeroBeforeProgress(t *testing.T) {
	tr := NewTracker(10, time.Second)
	assert.Equal(t, int64(0), tr.ETA(time.Now()))

	tr.Advance(10)
	assert.Equal(t, int64(0), tr.ETA(time.Now()))
}

func TestTrackerThrottlesWrites(t *testing.T) {
	tr := NewTracker(10, time.Minute)
	now := time.Now()

	// First write always goes through
	assert.True(t, tr.ShouldWrite(now, false))

	// Inside the interval, only milestones write
	assert.False(t, tr.ShouldWrite(now.Add(time.Second), false))
	assert.True(t, tr.ShouldWrite(now.Add(2*time.Second), true))

	// Past the interval, plain writes resume
	assert.True(t, tr.ShouldWrite(now.Add(2*time.Minute+2*time.Second), false))
}

func TestChannelIsOwnerScoped(t *testing.T) {
	assert.Equal(t, "workflow:events:alice", Channel("alice"))
	assert.NotEqual(t, Channel("alice"), Channel("bob"))
}
