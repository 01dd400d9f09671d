// Package workflow implements the orchestrator that sequences execution
// units over a shared workflow context. It owns the context lifecycle
// (create, load, archive, cleanup) and the three dispatch modes: sequential,
// parallel and conditional.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/persistence"
	"conductor/pkg/unit"
	"conductor/pkg/wfcontext"
)

// DefaultMaxParallel bounds concurrent unit execution in parallel mode.
const DefaultMaxParallel = 5

// Status is the aggregate outcome of a workflow run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Step pairs an execution unit with an optional dispatch predicate. A nil
// predicate always runs. Predicates are evaluated at dispatch time, so
// earlier units' artifacts are visible to later predicates in sequential
// mode.
type Step struct {
	Unit      unit.Unit
	Predicate func(wc *wfcontext.Context) bool
}

// Result is the uniform outcome shape of every run mode.
type Result struct {
	Status    Status         `json:"status"`
	UnitsRun  []string       `json:"units_run"`
	Completed []string       `json:"completed"`
	Failed    []string       `json:"failed"`
	Skipped   []string       `json:"skipped"`
	Outputs   map[string]any `json:"outputs"`
	// Errors holds each failed unit's own error; Err carries only the
	// first fatal one.
	Errors map[string]error `json:"-"`
	Err    error            `json:"-"`
}

// Orchestrator sequences execution units and manages context lifecycle. The
// store is optional; without one, contexts live only in memory.
type Orchestrator struct {
	store       *persistence.Store
	maxParallel int
	retry       unit.RetryConfig
	logger      *logx.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStore enables context persistence and checkpointing after each unit.
func WithStore(s *persistence.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithMaxParallel bounds concurrency in parallel mode.
func WithMaxParallel(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithRetryConfig overrides the per-unit retry configuration.
func WithRetryConfig(cfg unit.RetryConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.retry = cfg }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		maxParallel: DefaultMaxParallel,
		retry:       unit.DefaultRetryConfig,
		logger:      logx.NewLogger("workflow"),
		active:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateContext creates a fresh workflow context and persists it when a
// store is configured.
func (o *Orchestrator) CreateContext(task, owner string, priority wfcontext.Priority, ttl time.Duration, opts ...wfcontext.Option) (*wfcontext.Context, error) {
	wc := wfcontext.New(task, owner, priority, ttl, opts...)
	if o.store != nil {
		if err := o.store.Save(wc); err != nil {
			return nil, fmt.Errorf("failed to persist new context: %w", err)
		}
	}
	o.logger.Info("created context %s for %s", wc.ID(), owner)
	return wc, nil
}

// LoadContext restores a persisted context for a fresh run.
func (o *Orchestrator) LoadContext(id string) (*wfcontext.Context, error) {
	if o.store == nil {
		return nil, fmt.Errorf("no store configured")
	}
	wc, err := o.store.Load(id)
	if err != nil {
		return nil, err
	}
	wc.ResetRunState()
	return wc, nil
}

// RunSequential executes steps in order, aborting on the first failure. The
// returned result reports partial status when some units completed before
// the failure.
func (o *Orchestrator) RunSequential(ctx context.Context, wc *wfcontext.Context, steps []Step) *Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(wc.ID(), cancel)
	defer o.untrack(wc.ID())

	result := newResult()
	o.setPhase(wc, "running")

	for i, step := range steps {
		if runCtx.Err() != nil {
			return o.finishCancelled(wc, result, stepNames(steps[i:]))
		}
		if step.Predicate != nil && !step.Predicate(wc) {
			o.skip(wc, step.Unit.Name(), result)
			continue
		}

		result.UnitsRun = append(result.UnitsRun, step.Unit.Name())
		out, err := o.runOne(runCtx, wc, step.Unit)
		if err != nil {
			if runCtx.Err() != nil {
				// Cancelled mid-unit. The unit's partial output is discarded.
				return o.finishCancelled(wc, result, stepNames(steps[i+1:]))
			}
			result.Failed = append(result.Failed, step.Unit.Name())
			result.Errors[step.Unit.Name()] = err
			result.Err = err
			result.Status = StatusFailed
			if len(result.Completed) > 0 {
				result.Status = StatusPartial
			}
			o.setPhase(wc, "failed")
			o.checkpoint(wc)
			return result
		}
		result.Completed = append(result.Completed, step.Unit.Name())
		result.Outputs[step.Unit.Name()] = out
		o.checkpoint(wc)
	}

	result.Status = StatusCompleted
	o.setPhase(wc, "completed")
	o.checkpoint(wc)
	return result
}

// RunParallel executes all steps concurrently, bounded by the configured
// parallelism. Failures are isolated: one unit failing does not stop the
// others.
func (o *Orchestrator) RunParallel(ctx context.Context, wc *wfcontext.Context, steps []Step) *Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.track(wc.ID(), cancel)
	defer o.untrack(wc.ID())

	result := newResult()
	o.setPhase(wc, "running")

	sem := make(chan struct{}, o.maxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var notDispatched []string

	for i, step := range steps {
		if runCtx.Err() != nil {
			mu.Lock()
			notDispatched = append(notDispatched, stepNames(steps[i:])...)
			mu.Unlock()
			break
		}
		if step.Predicate != nil && !step.Predicate(wc) {
			o.skip(wc, step.Unit.Name(), result)
			continue
		}

		wg.Add(1)
		go func(st Step) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-runCtx.Done():
				mu.Lock()
				notDispatched = append(notDispatched, st.Unit.Name())
				mu.Unlock()
				return
			}

			mu.Lock()
			result.UnitsRun = append(result.UnitsRun, st.Unit.Name())
			mu.Unlock()

			out, err := o.runOne(runCtx, wc, st.Unit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				result.Failed = append(result.Failed, st.Unit.Name())
				result.Errors[st.Unit.Name()] = err
				if result.Err == nil {
					result.Err = err
				}
				return
			}
			result.Completed = append(result.Completed, st.Unit.Name())
			result.Outputs[st.Unit.Name()] = out
		}(step)
	}
	wg.Wait()

	if runCtx.Err() != nil && ctx.Err() == nil {
		return o.finishCancelled(wc, result, notDispatched)
	}

	switch {
	case len(result.Failed) == 0:
		result.Status = StatusCompleted
		o.setPhase(wc, "completed")
	case len(result.Completed) > 0:
		result.Status = StatusPartial
		o.setPhase(wc, "failed")
	default:
		result.Status = StatusFailed
		o.setPhase(wc, "failed")
	}
	o.checkpoint(wc)
	return result
}

// RunConditional executes steps sequentially, honoring each step's
// predicate. Equivalent to RunSequential; named separately because callers
// building conditional pipelines read better against it.
func (o *Orchestrator) RunConditional(ctx context.Context, wc *wfcontext.Context, steps []Step) *Result {
	return o.RunSequential(ctx, wc, steps)
}

// runOne drives a single unit through its runner and records the outcome on
// the workflow context.
func (o *Orchestrator) runOne(ctx context.Context, wc *wfcontext.Context, u unit.Unit) (any, error) {
	name := u.Name()
	if err := wc.MarkUnitStarted(name); err != nil {
		return nil, fmt.Errorf("unit %s: %w", name, err)
	}

	runner := unit.NewRunner(u, o.retry)
	out, err := runner.Run(ctx, wc)

	if rerr := wc.RecordUnitState(name, runner.Snapshot()); rerr != nil {
		o.logger.Warn("unit %s: could not record state: %v", name, rerr)
	}
	if err != nil {
		o.logger.Warn("unit %s failed: %v", name, err)
		if aerr := wc.AppendEvent(wfcontext.Event{
			Timestamp: time.Now().UTC(),
			Unit:      name,
			Kind:      wfcontext.EventUnitFailed,
			Detail:    err.Error(),
		}); aerr != nil {
			o.logger.Warn("unit %s: could not record failure: %v", name, aerr)
		}
		return nil, err
	}
	if merr := wc.MarkUnitCompleted(name); merr != nil {
		return nil, fmt.Errorf("unit %s: %w", name, merr)
	}
	return out, nil
}

// CancelWorkflow cooperatively cancels an active run. Units already past
// their cancellation check finish their current attempt; their results are
// discarded. Returns false when no run is active for the context.
func (o *Orchestrator) CancelWorkflow(contextID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[contextID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// ArchiveWorkflow flips the context read-only and, when a store is
// configured, moves it to the archive table.
func (o *Orchestrator) ArchiveWorkflow(wc *wfcontext.Context) error {
	if o.store != nil {
		return o.store.Archive(wc)
	}
	wc.MarkArchived()
	return nil
}

// CleanupExpiredWorkflows archives every persisted context whose TTL has
// elapsed. Returns the number archived.
func (o *Orchestrator) CleanupExpiredWorkflows(now time.Time) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	ids, err := o.store.ListExpired(now)
	if err != nil {
		return 0, err
	}
	archived := 0
	for _, id := range ids {
		wc, err := o.store.Load(id)
		if err != nil {
			o.logger.Warn("cleanup: could not load %s: %v", id, err)
			continue
		}
		if err := o.store.Archive(wc); err != nil {
			o.logger.Warn("cleanup: could not archive %s: %v", id, err)
			continue
		}
		archived++
	}
	if archived > 0 {
		o.logger.Info("archived %d expired contexts", archived)
	}
	return archived, nil
}

func (o *Orchestrator) track(id string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) skip(wc *wfcontext.Context, name string, result *Result) {
	result.Skipped = append(result.Skipped, name)
	if err := wc.AppendEvent(wfcontext.Event{
		Timestamp: time.Now().UTC(),
		Unit:      name,
		Kind:      wfcontext.EventUnitSkipped,
	}); err != nil {
		o.logger.Warn("unit %s: could not record skip: %v", name, err)
	}
}

// finishCancelled closes out a cancelled run. Units that never started are
// recorded as skipped.
func (o *Orchestrator) finishCancelled(wc *wfcontext.Context, result *Result, notStarted []string) *Result {
	for _, name := range notStarted {
		o.skip(wc, name, result)
	}
	result.Status = StatusCancelled
	if err := wc.AppendEvent(wfcontext.Event{
		Timestamp: time.Now().UTC(),
		Kind:      wfcontext.EventCancelled,
	}); err != nil {
		o.logger.Warn("could not record cancellation: %v", err)
	}
	o.setPhase(wc, "cancelled")
	o.checkpoint(wc)
	return result
}

func (o *Orchestrator) setPhase(wc *wfcontext.Context, phase string) {
	if err := wc.SetPhase(phase); err != nil {
		o.logger.Warn("could not set phase %s: %v", phase, err)
	}
}

// checkpoint persists the context between units. Best effort; a checkpoint
// failure never fails the run.
func (o *Orchestrator) checkpoint(wc *wfcontext.Context) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(wc); err != nil {
		o.logger.Warn("checkpoint failed for %s: %v", wc.ID(), err)
	}
}

func stepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.Unit.Name()
	}
	return names
}

func newResult() *Result {
	return &Result{
		UnitsRun:  []string{},
		Completed: []string{},
		Failed:    []string{},
		Skipped:   []string{},
		Outputs:   make(map[string]any),
		Errors:    make(map[string]error),
	}
}
