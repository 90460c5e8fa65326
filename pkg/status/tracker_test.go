package status

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(capacity int) (*Tracker, *time.Time) {
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	tr := NewTracker(capacity, logger)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestSetStatusTransitions(t *testing.T) {
	tr, _ := newTestTracker(0)

	state, tracked := tr.Status("fs")
	assert.Equal(t, StateStopped, state)
	assert.False(t, tracked)

	tr.SetStatus("fs", StateStarting)
	state, tracked = tr.Status("fs")
	assert.Equal(t, StateStarting, state)
	assert.True(t, tracked)

	tr.SetStatus("fs", StateRunning)
	state, _ = tr.Status("fs")
	assert.Equal(t, StateRunning, state)

	events := tr.Events("fs", 0)
	require.Len(t, events, 2)
	assert.Equal(t, EventTypeStateChange, events[0].Type)
	assert.Equal(t, "", events[0].Details["from"])
	assert.Equal(t, "starting", events[0].Details["to"])
	assert.Equal(t, "starting", events[1].Details["from"])
	assert.Equal(t, "running", events[1].Details["to"])
}

func TestUptimeNilWhenNeverStarted(t *testing.T) {
	tr, _ := newTestTracker(0)

	assert.Nil(t, tr.Uptime("unknown"))

	tr.SetStatus("fs", StateStarting)
	tr.SetStatus("fs", StateError)
	assert.Nil(t, tr.Uptime("fs"), "no uptime without a running transition")
}

func TestUptimeWhileRunning(t *testing.T) {
	tr, now := newTestTracker(0)

	tr.SetStatus("fs", StateRunning)
	*now = now.Add(10*time.Second + 200*time.Millisecond)

	uptime := tr.Uptime("fs")
	require.NotNil(t, uptime)
	assert.GreaterOrEqual(t, *uptime, 10*time.Second)
	assert.Less(t, *uptime, 11*time.Second)
}

func TestUptimeFrozenAfterStop(t *testing.T) {
	tr, now := newTestTracker(0)

	tr.SetStatus("fs", StateRunning)
	*now = now.Add(42 * time.Second)
	tr.SetStatus("fs", StateStopping)
	tr.SetStatus("fs", StateStopped)

	*now = now.Add(1 * time.Hour)
	uptime := tr.Uptime("fs")
	require.NotNil(t, uptime)
	assert.Equal(t, 42*time.Second, *uptime)
}

func TestUptimeResetsOnRestart(t *testing.T) {
	tr, now := newTestTracker(0)

	tr.SetStatus("fs", StateRunning)
	*now = now.Add(30 * time.Second)
	tr.SetStatus("fs", StateStopped)

	*now = now.Add(5 * time.Minute)
	tr.SetStatus("fs", StateRunning)
	*now = now.Add(3 * time.Second)

	uptime := tr.Uptime("fs")
	require.NotNil(t, uptime)
	assert.Equal(t, 3*time.Second, *uptime)
}

func TestEventRingEvictsOldest(t *testing.T) {
	tr, now := newTestTracker(0)

	for i := 0; i < DefaultEventCapacity+1; i++ {
		*now = now.Add(time.Millisecond)
		tr.RecordEvent("fs", "tool_call", map[string]interface{}{"seq": i})
	}

	events := tr.Events("fs", 0)
	require.Len(t, events, DefaultEventCapacity)
	assert.Equal(t, 1, events[0].Details["seq"], "oldest event evicted")
	assert.Equal(t, DefaultEventCapacity, events[len(events)-1].Details["seq"])
}

func TestEventsLimitReturnsMostRecent(t *testing.T) {
	tr, now := newTestTracker(10)

	for i := 0; i < 8; i++ {
		*now = now.Add(time.Second)
		tr.RecordEvent("fs", "tool_call", map[string]interface{}{"seq": i})
	}

	events := tr.Events("fs", 3)
	require.Len(t, events, 3)
	assert.Equal(t, 5, events[0].Details["seq"])
	assert.Equal(t, 7, events[2].Details["seq"])
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp))

	assert.Nil(t, tr.Events("unknown", 3))
}

func TestMetadataIsolation(t *testing.T) {
	tr, _ := newTestTracker(0)

	tr.SetMetadata("fs", "session_id", "abc123")
	tr.SetMetadata("fs", "tool_count", 14)

	meta := tr.Metadata("fs")
	assert.Equal(t, "abc123", meta["session_id"])
	assert.Equal(t, 14, meta["tool_count"])

	// Mutating the returned map must not leak back.
	meta["session_id"] = "tampered"
	assert.Equal(t, "abc123", tr.Metadata("fs")["session_id"])

	assert.Empty(t, tr.Metadata("unknown"))
}

func TestCleanupOldData(t *testing.T) {
	tr, now := newTestTracker(0)

	base := *now
	for i := 0; i < 5; i++ {
		*now = base.AddDate(0, 0, -10).Add(time.Duration(i) * time.Second)
		tr.RecordEvent("fs", "tool_call", map[string]interface{}{"age": "old"})
	}
	for i := 0; i < 3; i++ {
		*now = base.Add(time.Duration(i) * time.Second)
		tr.RecordEvent("fs", "tool_call", map[string]interface{}{"age": "new"})
	}
	*now = base.Add(time.Minute)

	removed := tr.CleanupOldData(7)
	assert.Equal(t, 5, removed)

	events := tr.Events("fs", 0)
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, "new", ev.Details["age"])
	}

	assert.Equal(t, 0, tr.CleanupOldData(7), "second sweep finds nothing")
}

func TestSummary(t *testing.T) {
	tr, now := newTestTracker(0)

	t.Run("untracked server", func(t *testing.T) {
		summary := tr.Summary("ghost")
		assert.Equal(t, "ghost", summary.ServerID)
		assert.Equal(t, StateStopped, summary.State)
		assert.Nil(t, summary.Uptime)
		assert.Nil(t, summary.LastEventTime)
	})

	t.Run("running server", func(t *testing.T) {
		tr.SetStatus("fs", StateRunning)
		tr.SetMetadata("fs", "transport", "stdio")
		*now = now.Add(15 * time.Second)
		tr.RecordEvent("fs", "tool_call", nil)

		summary := tr.Summary("fs")
		assert.Equal(t, StateRunning, summary.State)
		assert.Equal(t, "stdio", summary.Metadata["transport"])
		require.NotNil(t, summary.Uptime)
		assert.Equal(t, 15*time.Second, *summary.Uptime)
		require.NotNil(t, summary.LastEventTime)
		assert.Equal(t, *now, *summary.LastEventTime)
	})
}

func TestServersTrackedIndependently(t *testing.T) {
	tr, _ := newTestTracker(0)

	tr.SetStatus("a", StateRunning)
	tr.SetStatus("b", StateError)

	stateA, _ := tr.Status("a")
	stateB, _ := tr.Status("b")
	assert.Equal(t, StateRunning, stateA)
	assert.Equal(t, StateError, stateB)

	tr.RecordEvent("a", "tool_call", nil)
	assert.Len(t, tr.Events("a", 0), 2)
	assert.Len(t, tr.Events("b", 0), 1)
}

func TestConcurrentAccess(t *testing.T) {
	tr, _ := newTestTracker(0)
	tr.now = time.Now

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			id := fmt.Sprintf("srv-%d", n%2)
			for j := 0; j < 50; j++ {
				tr.SetStatus(id, StateRunning)
				tr.RecordEvent(id, "tool_call", nil)
				tr.Uptime(id)
				tr.Summary(id)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	state, tracked := tr.Status("srv-0")
	assert.True(t, tracked)
	assert.Equal(t, StateRunning, state)
}
