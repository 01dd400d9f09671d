// Package unit provides the minimal unit of work in a workflow: one agent's
// task logic wrapped in a state machine with bounded local retry.
package unit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/wfcontext"
)

// State is the lifecycle state of one unit run.
type State string

const (
	StateInitialized State = "initialized"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// validTransitions encodes the unit state machine. Completed and failed are
// terminal; nothing leaves running except a terminal state.
var validTransitions = map[State][]State{
	StateInitialized: {StateRunning},
	StateRunning:     {StateCompleted, StateFailed},
	StateCompleted:   {},
	StateFailed:      {},
}

// ErrAlreadyRun is returned when Run is called on a runner that has already
// reached a terminal state. Re-running a unit is a programmer error and fails
// fast instead of re-executing.
var ErrAlreadyRun = errors.New("unit already run")

// ErrInvalidTransition is returned on a state transition not present in the
// state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// Unit is one agent's encapsulated task logic. Callers never invoke Process
// directly; they go through Runner.Run.
type Unit interface {
	// Name returns the unit's name, unique within a workflow run.
	Name() string

	// Process executes the unit's logic against the shared context and
	// returns its outcome. It may be called multiple times by the retry loop
	// and should be safe to re-execute.
	Process(ctx context.Context, wc *wfcontext.Context) (any, error)
}

// Func adapts a plain function into a Unit.
type Func struct {
	UnitName string
	Fn       func(ctx context.Context, wc *wfcontext.Context) (any, error)
}

func (f Func) Name() string { return f.UnitName }

func (f Func) Process(ctx context.Context, wc *wfcontext.Context) (any, error) {
	return f.Fn(ctx, wc)
}

// Descriptor is the unit's externally visible bookkeeping. It is owned by the
// Runner; callers get copies.
type Descriptor struct {
	Name        string     `json:"name"`
	State       State      `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// ExecutionError is returned by Run after exhausting its retry budget.
type ExecutionError struct {
	Unit     string
	Attempts int
	LastErr  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("unit %q failed after %d attempts: %v", e.Unit, e.Attempts, e.LastErr)
}

func (e *ExecutionError) Unwrap() error {
	return e.LastErr
}

// RetryConfig bounds the local retry loop inside Run.
type RetryConfig struct {
	MaxRetries int           // Retries after the first attempt
	BaseDelay  time.Duration // wait = BaseDelay * 2^attempt
	MaxDelay   time.Duration // Cap on the computed wait
	Jitter     bool          // Add random jitter to prevent thundering herd
	Timeout    time.Duration // Per-attempt deadline; zero means none
}

// DefaultRetryConfig provides reasonable defaults for unit-local retry.
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 2,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   10 * time.Second,
	Jitter:     true,
}

// Runner owns one unit's descriptor and drives its state machine. A Runner is
// single-use: once it reaches a terminal state, Run fails fast.
type Runner struct {
	unit   Unit
	config RetryConfig
	logger *logx.Logger

	mu   sync.Mutex
	desc Descriptor
}

// NewRunner creates a Runner for the given unit.
func NewRunner(u Unit, config RetryConfig) *Runner {
	return &Runner{
		unit:   u,
		config: config,
		logger: logx.NewLogger("unit." + u.Name()),
		desc: Descriptor{
			Name:  u.Name(),
			State: StateInitialized,
		},
	}
}

// Descriptor returns a copy of the unit's bookkeeping.
func (r *Runner) Descriptor() Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.desc
}

// Snapshot converts the descriptor into the context store's snapshot form.
func (r *Runner) Snapshot() wfcontext.UnitSnapshot {
	d := r.Descriptor()
	return wfcontext.UnitSnapshot{
		State:       string(d.State),
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		Error:       d.Error,
		RetryCount:  d.RetryCount,
	}
}

func (r *Runner) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.desc.State
	allowed := false
	for _, s := range validTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.desc.State = to
	r.logger.Debug("State transition: %s -> %s", from, to)
	return nil
}

// Run drives the unit through its state machine: initialized -> running, then
// Process inside a bounded retry loop with exponential backoff, then a
// terminal state. On exhaustion it returns an *ExecutionError.
func (r *Runner) Run(ctx context.Context, wc *wfcontext.Context) (any, error) {
	r.mu.Lock()
	if r.desc.State != StateInitialized {
		state := r.desc.State
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q is %s", ErrAlreadyRun, r.unit.Name(), state)
	}
	r.mu.Unlock()

	if err := r.transition(StateRunning); err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	r.mu.Lock()
	r.desc.StartedAt = &started
	r.mu.Unlock()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			r.logger.Debug("Retry %d/%d after %v", attempt, r.config.MaxRetries, delay)

			select {
			case <-ctx.Done():
				return nil, r.fail(attempts, fmt.Errorf("cancelled during backoff: %w", ctx.Err()))
			case <-time.After(delay):
			}

			r.mu.Lock()
			r.desc.RetryCount = attempt
			r.mu.Unlock()
		}

		attempts++
		outcome, err := r.processOnce(ctx, wc)
		if err == nil {
			return outcome, r.complete()
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return nil, r.fail(attempts, lastErr)
}

// processOnce runs a single Process attempt under the per-unit timeout.
// Exceeding the timeout surfaces as context.DeadlineExceeded, which the
// invocation controller classifies as a timeout-kind failure.
func (r *Runner) processOnce(ctx context.Context, wc *wfcontext.Context) (any, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	type result struct {
		outcome any
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := r.unit.Process(ctx, wc)
		done <- result{outcome, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.outcome, res.err
	}
}

func (r *Runner) backoff(attempt int) time.Duration {
	base := r.config.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig.BaseDelay
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if r.config.Jitter {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1)) //nolint:gosec // jitter, not crypto
	}
	return delay
}

func (r *Runner) complete() error {
	if err := r.transition(StateCompleted); err != nil {
		return err
	}
	completed := time.Now().UTC()
	r.mu.Lock()
	r.desc.CompletedAt = &completed
	r.mu.Unlock()
	return nil
}

func (r *Runner) fail(attempts int, cause error) error {
	if err := r.transition(StateFailed); err != nil {
		return err
	}
	completed := time.Now().UTC()
	r.mu.Lock()
	r.desc.CompletedAt = &completed
	r.desc.Error = cause.Error()
	r.mu.Unlock()

	r.logger.Warn("Unit failed after %d attempts: %v", attempts, cause)
	return &ExecutionError{
		Unit:     r.unit.Name(),
		Attempts: attempts,
		LastErr:  cause,
	}
}
