package wfcontext

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionBumpsOnlyOnArtifactWrites(t *testing.T) {
	wc := New("build the thing", "tester", PriorityNormal, time.Hour)
	require.Equal(t, int64(0), wc.Version())

	require.NoError(t, wc.Set("plan", "draft"))
	assert.Equal(t, int64(1), wc.Version())

	require.NoError(t, wc.Update(map[string]any{"a": 1, "b": 2}))
	assert.Equal(t, int64(2), wc.Version(), "multi-key update bumps once")

	// Lifecycle bookkeeping and log appends never touch the version.
	require.NoError(t, wc.SetPhase("running"))
	require.NoError(t, wc.MarkUnitStarted("planner"))
	require.NoError(t, wc.MarkUnitCompleted("planner"))
	require.NoError(t, wc.AppendEvent(Event{Kind: EventUnitSkipped, Unit: "skipme"}))
	require.NoError(t, wc.AppendDegradation(DegradationRecord{Unit: "planner", FailureKind: "timeout"}))
	assert.Equal(t, int64(2), wc.Version())
}

func TestVersionNeverDecreasesUnderConcurrentWrites(t *testing.T) {
	wc := New("concurrency", "tester", PriorityNormal, time.Hour)

	const writers = 8
	const writesEach = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < writesEach; j++ {
				_ = wc.Set("shared", n*writesEach+j)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(writers*writesEach), wc.Version())
}

func TestExpiredContextRejectsMutations(t *testing.T) {
	current := time.Now()
	clock := func() time.Time { return current }
	wc := New("short lived", "tester", PriorityLow, time.Minute, WithClock(clock))

	require.NoError(t, wc.Set("before", true))

	current = current.Add(2 * time.Minute)
	require.True(t, wc.IsExpired())

	assert.ErrorIs(t, wc.Set("after", true), ErrExpired)
	assert.ErrorIs(t, wc.Update(map[string]any{"after": true}), ErrExpired)
	assert.ErrorIs(t, wc.SetPhase("running"), ErrExpired)
	assert.ErrorIs(t, wc.AppendEvent(Event{Kind: EventUnitStarted}), ErrExpired)

	// Reads still work.
	v, ok := wc.Lookup("before")
	require.True(t, ok)
	assert.Equal(t, true, v)

	// Archiving is the one state change still allowed.
	wc.MarkArchived()
	assert.True(t, wc.IsArchived())
}

func TestZeroTTLNeverExpires(t *testing.T) {
	current := time.Now()
	wc := New("immortal", "tester", PriorityNormal, 0, WithClock(func() time.Time { return current }))

	current = current.Add(1000 * time.Hour)
	assert.False(t, wc.IsExpired())
	assert.NoError(t, wc.Set("still", "alive"))
}

func TestArchivedContextIsReadOnly(t *testing.T) {
	wc := New("archive me", "tester", PriorityNormal, time.Hour)
	require.NoError(t, wc.Set("k", "v"))

	wc.MarkArchived()

	assert.ErrorIs(t, wc.Set("k2", "v2"), ErrArchived)
	assert.ErrorIs(t, wc.MarkUnitStarted("u"), ErrArchived)

	events := wc.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventArchived, events[len(events)-1].Kind)

	// Idempotent: no second archive event.
	wc.MarkArchived()
	assert.Len(t, wc.Events(), len(events))
}

func TestConflictPolicies(t *testing.T) {
	t.Run("last write wins by default", func(t *testing.T) {
		wc := New("t", "tester", PriorityNormal, time.Hour)
		require.NoError(t, wc.Set("k", "first"))
		require.NoError(t, wc.Set("k", "second"))
		assert.Equal(t, "second", wc.Get("k", nil))
	})

	t.Run("reject refuses second write in a run", func(t *testing.T) {
		wc := New("t", "tester", PriorityNormal, time.Hour, WithConflictPolicy(ConflictReject))
		require.NoError(t, wc.Set("k", "first"))
		assert.ErrorIs(t, wc.Set("k", "second"), ErrKeyConflict)
		assert.Equal(t, "first", wc.Get("k", nil))
	})

	t.Run("rejected update applies nothing", func(t *testing.T) {
		wc := New("t", "tester", PriorityNormal, time.Hour, WithConflictPolicy(ConflictReject))
		require.NoError(t, wc.Set("a", 1))
		before := wc.Version()
		assert.ErrorIs(t, wc.Update(map[string]any{"a": 2, "b": 3}), ErrKeyConflict)
		_, ok := wc.Lookup("b")
		assert.False(t, ok)
		assert.Equal(t, before, wc.Version())
	})

	t.Run("reset clears run bookkeeping", func(t *testing.T) {
		wc := New("t", "tester", PriorityNormal, time.Hour, WithConflictPolicy(ConflictReject))
		require.NoError(t, wc.Set("k", "first"))
		wc.ResetRunState()
		assert.NoError(t, wc.Set("k", "second"))
	})
}

func TestGetReturnsDefault(t *testing.T) {
	wc := New("t", "tester", PriorityNormal, time.Hour)
	assert.Equal(t, 42, wc.Get("absent", 42))
	_, ok := wc.Lookup("absent")
	assert.False(t, ok)
}

func TestUnitLifecycleBookkeeping(t *testing.T) {
	wc := New("t", "tester", PriorityHigh, time.Hour)

	require.NoError(t, wc.MarkUnitStarted("planner"))
	assert.Equal(t, "planner", wc.CurrentUnit())

	require.NoError(t, wc.MarkUnitCompleted("planner"))
	assert.Equal(t, "", wc.CurrentUnit())
	assert.Equal(t, []string{"planner"}, wc.CompletedUnits())

	kinds := make([]EventKind, 0)
	for _, e := range wc.Events() {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, EventUnitStarted)
	assert.Contains(t, kinds, EventUnitCompleted)
}

func TestAccessorsReturnCopies(t *testing.T) {
	wc := New("t", "tester", PriorityNormal, time.Hour)
	require.NoError(t, wc.Set("k", "v"))

	arts := wc.Artifacts()
	arts["k"] = "mutated"
	assert.Equal(t, "v", wc.Get("k", nil))

	require.NoError(t, wc.MarkUnitCompleted("u"))
	done := wc.CompletedUnits()
	done[0] = "mutated"
	assert.Equal(t, []string{"u"}, wc.CompletedUnits())
}

func TestDistinctIDs(t *testing.T) {
	a := New("t", "tester", PriorityNormal, time.Hour)
	b := New("t", "tester", PriorityNormal, time.Hour)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.ID())
}
