package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/backend"
	"conductor/pkg/backend/faults"
	"conductor/pkg/invoker"
	"conductor/pkg/persistence"
	"conductor/pkg/unit"
	"conductor/pkg/wfcontext"
)

func newWC(t *testing.T) *wfcontext.Context {
	t.Helper()
	return wfcontext.New("test workflow", "tester", wfcontext.PriorityNormal, time.Hour)
}

func namedStep(name string, fn func(context.Context, *wfcontext.Context) (any, error)) Step {
	return Step{Unit: unit.Func{UnitName: name, Fn: fn}}
}

func okStep(name string) Step {
	return namedStep(name, func(context.Context, *wfcontext.Context) (any, error) {
		return name + " done", nil
	})
}

func failStep(name string) Step {
	return namedStep(name, func(context.Context, *wfcontext.Context) (any, error) {
		return nil, errors.New(name + " exploded")
	})
}

func quickOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	opts = append(opts, WithRetryConfig(unit.RetryConfig{
		MaxRetries: 0,
		BaseDelay:  time.Millisecond,
	}))
	return NewOrchestrator(opts...)
}

func TestRunSequentialOrderAndArtifacts(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) Step {
		return namedStep(name, func(_ context.Context, wc *wfcontext.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, wc.Set(name, name+" output")
		})
	}

	o := quickOrchestrator()
	wc := newWC(t)
	result := o.RunSequential(context.Background(), wc, []Step{record("a"), record("b"), record("c")})

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, []string{"a", "b", "c"}, result.Completed)
	assert.Equal(t, []string{"a", "b", "c"}, wc.CompletedUnits())
	assert.Equal(t, "b output", wc.Get("b", nil))
	assert.Equal(t, "completed", wc.Phase())
}

func TestRunSequentialAbortsOnFailure(t *testing.T) {
	var cRan atomic.Bool
	o := quickOrchestrator()
	wc := newWC(t)

	steps := []Step{
		okStep("a"),
		failStep("b"),
		namedStep("c", func(context.Context, *wfcontext.Context) (any, error) {
			cRan.Store(true)
			return nil, nil
		}),
	}
	result := o.RunSequential(context.Background(), wc, steps)

	assert.Equal(t, StatusPartial, result.Status)
	assert.Equal(t, []string{"a"}, result.Completed)
	assert.Equal(t, []string{"b"}, result.Failed)
	assert.False(t, cRan.Load(), "units after the failure must not run")
	require.Error(t, result.Err)

	var execErr *unit.ExecutionError
	assert.ErrorAs(t, result.Err, &execErr)
	assert.Equal(t, "failed", wc.Phase())

	// Completed work survives the abort.
	kinds := eventKinds(wc)
	assert.Contains(t, kinds, wfcontext.EventUnitFailed)
}

func TestRunSequentialAllFailedStatus(t *testing.T) {
	o := quickOrchestrator()
	result := o.RunSequential(context.Background(), newWC(t), []Step{failStep("only")})
	assert.Equal(t, StatusFailed, result.Status)
}

func TestRunParallelIsolatesFailures(t *testing.T) {
	o := quickOrchestrator(WithMaxParallel(3))
	wc := newWC(t)

	steps := []Step{okStep("a"), failStep("b"), okStep("c"), okStep("d")}
	result := o.RunParallel(context.Background(), wc, steps)

	assert.Equal(t, StatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, result.Completed)
	assert.Equal(t, []string{"b"}, result.Failed)
	require.Error(t, result.Err)
}

func TestRunParallelKeepsEveryUnitError(t *testing.T) {
	o := quickOrchestrator(WithMaxParallel(2))
	wc := newWC(t)

	result := o.RunParallel(context.Background(), wc, []Step{failStep("a"), failStep("b"), okStep("c")})

	assert.Equal(t, StatusPartial, result.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, result.Failed)
	require.Len(t, result.Errors, 2)
	assert.ErrorContains(t, result.Errors["a"], "a exploded")
	assert.ErrorContains(t, result.Errors["b"], "b exploded")
	assert.NotContains(t, result.Errors, "c")
}

func TestRunSequentialRecordsFailedUnitError(t *testing.T) {
	o := quickOrchestrator()
	result := o.RunSequential(context.Background(), newWC(t), []Step{okStep("a"), failStep("b")})

	require.Len(t, result.Errors, 1)
	assert.ErrorContains(t, result.Errors["b"], "b exploded")
	assert.Equal(t, result.Err, result.Errors["b"])
}

func TestRunParallelBoundsConcurrency(t *testing.T) {
	const limit = 2
	var active, peak atomic.Int32

	steps := make([]Step, 6)
	for i := range steps {
		steps[i] = namedStep(string(rune('a'+i)), func(context.Context, *wfcontext.Context) (any, error) {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		})
	}

	o := quickOrchestrator(WithMaxParallel(limit))
	result := o.RunParallel(context.Background(), newWC(t), steps)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestConditionalStepsSkipAtDispatchTime(t *testing.T) {
	o := quickOrchestrator()
	wc := newWC(t)

	steps := []Step{
		namedStep("producer", func(_ context.Context, c *wfcontext.Context) (any, error) {
			return nil, c.Set("ready", true)
		}),
		{
			Unit: unit.Func{UnitName: "gated", Fn: func(context.Context, *wfcontext.Context) (any, error) {
				return "ran", nil
			}},
			// Sees the producer's artifact because evaluation happens at
			// dispatch time, not at workflow submission.
			Predicate: func(c *wfcontext.Context) bool { return c.Get("ready", false) == true },
		},
		{
			Unit: unit.Func{UnitName: "never", Fn: func(context.Context, *wfcontext.Context) (any, error) {
				return "ran", nil
			}},
			Predicate: func(c *wfcontext.Context) bool { return false },
		},
	}
	result := o.RunConditional(context.Background(), wc, steps)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"producer", "gated"}, result.Completed)
	assert.Equal(t, []string{"never"}, result.Skipped)
	assert.Contains(t, eventKinds(wc), wfcontext.EventUnitSkipped)
}

func TestCancelWorkflowStopsDispatch(t *testing.T) {
	o := quickOrchestrator()
	wc := newWC(t)

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	steps := []Step{
		namedStep("blocker", func(ctx context.Context, _ *wfcontext.Context) (any, error) {
			close(firstStarted)
			select {
			case <-release:
				return "finished", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
		namedStep("after", func(context.Context, *wfcontext.Context) (any, error) {
			secondRan.Store(true)
			return nil, nil
		}),
	}

	done := make(chan *Result, 1)
	go func() { done <- o.RunSequential(context.Background(), wc, steps) }()

	<-firstStarted
	require.True(t, o.CancelWorkflow(wc.ID()))
	close(release)

	result := <-done
	assert.Equal(t, StatusCancelled, result.Status)
	assert.False(t, secondRan.Load())
	assert.Equal(t, []string{"after"}, result.Skipped)
	assert.Contains(t, eventKinds(wc), wfcontext.EventCancelled)
	assert.Equal(t, "cancelled", wc.Phase())

	// The run is no longer active.
	assert.False(t, o.CancelWorkflow(wc.ID()))
}

func TestLifecycleWithStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	defer store.Close()

	o := quickOrchestrator(WithStore(store))

	wc, err := o.CreateContext("persisted run", "tester", wfcontext.PriorityNormal, time.Hour)
	require.NoError(t, err)

	result := o.RunSequential(context.Background(), wc, []Step{
		namedStep("writer", func(_ context.Context, c *wfcontext.Context) (any, error) {
			return nil, c.Set("out", "value")
		}),
	})
	require.Equal(t, StatusCompleted, result.Status)

	// Checkpointed state is loadable.
	loaded, err := o.LoadContext(wc.ID())
	require.NoError(t, err)
	assert.Equal(t, "value", loaded.Get("out", nil))
	assert.Equal(t, wc.Version(), loaded.Version())

	require.NoError(t, o.ArchiveWorkflow(loaded))
	_, err = o.LoadContext(wc.ID())
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestCleanupExpiredWorkflows(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "wf.db"))
	require.NoError(t, err)
	defer store.Close()

	o := quickOrchestrator(WithStore(store))

	_, err = o.CreateContext("keeper", "tester", wfcontext.PriorityNormal, 24*time.Hour)
	require.NoError(t, err)
	stale, err := o.CreateContext("stale", "tester", wfcontext.PriorityNormal, time.Second)
	require.NoError(t, err)

	n, err := o.CleanupExpiredWorkflows(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	archived, err := store.LoadArchived(stale.ID())
	require.NoError(t, err)
	assert.True(t, archived.IsArchived())
}

// Full pipeline: three units share one context through the invocation
// controller with a healthy primary.
func TestEndToEndPrimaryPath(t *testing.T) {
	primary := backend.NewMockPrimary(
		backend.MockCall{Result: &backend.StructuredResult{Fields: map[string]any{
			"tables": []any{"users", "orders"},
		}}},
		backend.MockCall{Result: &backend.StructuredResult{Fields: map[string]any{
			"paths": []any{"/health", "/v1/run"},
		}}},
		backend.MockCall{Result: &backend.StructuredResult{Fields: map[string]any{
			"report": "consistent",
		}}},
	)
	ctrl := invoker.NewController(primary, &backend.MockSecondary{Output: "unused"})

	steps := []Step{
		namedStep("schema", func(ctx context.Context, wc *wfcontext.Context) (any, error) {
			res, err := ctrl.Invoke(ctx, "schema", "design the schema", wc, nil)
			if err != nil {
				return nil, err
			}
			return res.Fields, wc.Set("schema", res.Fields)
		}),
		namedStep("endpoints", func(ctx context.Context, wc *wfcontext.Context) (any, error) {
			res, err := ctrl.Invoke(ctx, "endpoints", "design the endpoints", wc, nil)
			if err != nil {
				return nil, err
			}
			return res.Fields, wc.Set("endpoints", res.Fields)
		}),
		namedStep("review", func(ctx context.Context, wc *wfcontext.Context) (any, error) {
			if _, ok := wc.Lookup("schema"); !ok {
				return nil, errors.New("schema missing")
			}
			if _, ok := wc.Lookup("endpoints"); !ok {
				return nil, errors.New("endpoints missing")
			}
			res, err := ctrl.Invoke(ctx, "review", "review both", wc, nil)
			return res, err
		}),
	}

	o := quickOrchestrator()
	wc := newWC(t)
	result := o.RunSequential(context.Background(), wc, steps)

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"schema", "endpoints", "review"}, wc.CompletedUnits())
	// Two artifact writes, so exactly two version bumps.
	assert.Equal(t, int64(2), wc.Version())
	assert.Empty(t, wc.Degradations())

	schema, ok := wc.Lookup("schema")
	require.True(t, ok)
	assert.Contains(t, schema.(map[string]any), "tables")
}

// Full pipeline where the primary is down: the run degrades to the secondary
// and still completes.
func TestEndToEndDegradedPath(t *testing.T) {
	primary := backend.NewMockPrimary(backend.MockCall{
		Err: faults.New(faults.KindBackendUnavailable, "primary offline"),
	})
	secondary := &backend.MockSecondary{Output: `{"summary": "best effort"}`}
	ctrl := invoker.NewController(primary, secondary)

	steps := []Step{
		namedStep("analyze", func(ctx context.Context, wc *wfcontext.Context) (any, error) {
			res, err := ctrl.Invoke(ctx, "analyze", "analyze the input", wc, nil)
			if err != nil {
				return nil, err
			}
			return res.Fields, wc.Set("analysis", res.Fields)
		}),
	}

	o := quickOrchestrator()
	wc := newWC(t)
	result := o.RunSequential(context.Background(), wc, steps)

	require.Equal(t, StatusCompleted, result.Status)
	require.Len(t, wc.Degradations(), 1)
	assert.Equal(t, "analyze", wc.Degradations()[0].Unit)
	assert.Equal(t, "backend_unavailable", wc.Degradations()[0].FailureKind)

	analysis, ok := wc.Lookup("analysis")
	require.True(t, ok)
	assert.Equal(t, "best effort", analysis.(map[string]any)["summary"])

	snap := ctrl.Statistics().Snapshot()
	assert.EqualValues(t, 1, snap.DegradedInvocations)
	assert.Equal(t, 1.0, snap.FallbackRate)
}

func eventKinds(wc *wfcontext.Context) []wfcontext.EventKind {
	kinds := make([]wfcontext.EventKind, 0)
	for _, e := range wc.Events() {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
