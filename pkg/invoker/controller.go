// Package invoker implements the resilient invocation controller. Every
// backend call in the system goes through Controller.Invoke, which attempts
// the structured primary backend, consults the failure policy table on error,
// retries transient kinds with backoff, and falls back to the textual
// secondary backend when the primary cannot serve.
package invoker

import (
	"context"
	"math/rand"
	"time"

	"conductor/pkg/backend"
	"conductor/pkg/backend/faults"
	"conductor/pkg/health"
	"conductor/pkg/logx"
	"conductor/pkg/wfcontext"
)

// DefaultAlertThreshold is the per-unit degrade count at which repeated
// failure alerts start firing. Alerts repeat at every multiple.
const DefaultAlertThreshold = 3

// AlertFunc receives repeated-failure notifications. count is the unit's
// total degrade count at the time of the alert.
type AlertFunc func(unitName string, kind faults.Kind, count int64)

// Result is the uniform outcome of an invocation. Degraded results look the
// same as primary results to callers; only the record tells them apart.
type Result struct {
	Fields   map[string]any `json:"fields"`
	Raw      string         `json:"raw,omitempty"`
	Backend  string         `json:"backend"`
	Degraded bool           `json:"degraded"`
	Record   InvocationRecord
}

// Controller mediates between execution units and the two backends. Safe for
// concurrent use; one controller serves all units of a workflow.
type Controller struct {
	primary   backend.Primary
	secondary backend.Secondary
	evaluator *health.Evaluator
	policies  map[faults.Kind]faults.Policy
	stats     *Statistics
	recorder  *Recorder
	counter   *TokenCounter

	promptBudget   int
	alertThreshold int64
	alertFn        AlertFunc

	logger *logx.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures a Controller.
type Option func(*Controller)

// WithEvaluator installs a health evaluator consulted before every primary
// attempt. Without one, the controller assumes both backends are reachable.
func WithEvaluator(e *health.Evaluator) Option {
	return func(c *Controller) { c.evaluator = e }
}

// WithPolicies overrides the failure policy table.
func WithPolicies(p map[faults.Kind]faults.Policy) Option {
	return func(c *Controller) { c.policies = p }
}

// WithRecorder installs a Prometheus recorder.
func WithRecorder(r *Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithAlert installs a repeated-failure alert hook. threshold <= 0 disables
// alerting.
func WithAlert(threshold int64, fn AlertFunc) Option {
	return func(c *Controller) {
		c.alertThreshold = threshold
		c.alertFn = fn
	}
}

// WithPromptBudget caps the degraded prompt token count.
func WithPromptBudget(tokens int) Option {
	return func(c *Controller) { c.promptBudget = tokens }
}

// NewController creates a controller over the given backend pair. secondary
// may be nil, in which case every degrade surfaces as a both-failed error.
func NewController(primary backend.Primary, secondary backend.Secondary, opts ...Option) *Controller {
	c := &Controller{
		primary:        primary,
		secondary:      secondary,
		policies:       faults.DefaultPolicies,
		stats:          NewStatistics(),
		promptBudget:   DefaultPromptTokenBudget,
		alertThreshold: DefaultAlertThreshold,
		logger:         logx.NewLogger("invoker"),
		sleep:          sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		// Codec creation only fails on an unknown model constant, which
		// cannot happen here. The nil counter falls back to estimation.
		c.counter, _ = NewTokenCounter()
	}
	return c
}

// Statistics returns the controller's live counter set.
func (c *Controller) Statistics() *Statistics {
	return c.stats
}

// Invoke runs one task for a unit. The primary backend is attempted first;
// on classified failure the policy table decides between retrying, degrading
// to the secondary, or surfacing the error. A successful fallback call is
// appended to the workflow context's degradation log.
func (c *Controller) Invoke(ctx context.Context, unitName, task string, wc *wfcontext.Context, perms []string) (*Result, error) {
	start := time.Now()

	if task == "" {
		err := faults.Newf(faults.KindValidationFailure, "unit %s: empty task", unitName)
		c.finishFatal(unitName, err, 0, start)
		return nil, err
	}

	primaryReady, secondaryReady := c.readiness(ctx)

	var primaryErr *faults.Error
	retriesUsed := 0
	if primaryReady {
		result, ferr, retries := c.attemptPrimary(ctx, unitName, task, wc, perms)
		retriesUsed = retries
		if ferr == nil {
			rec := InvocationRecord{
				Unit:             unitName,
				BackendAttempted: c.primary.Name(),
				RetriesUsed:      retries,
				Duration:         time.Since(start),
			}
			c.stats.recordPrimarySuccess()
			c.recorder.observe(rec, "success")
			return &Result{
				Fields:  result.Fields,
				Raw:     result.Raw,
				Backend: c.primary.Name(),
				Record:  rec,
			}, nil
		}
		primaryErr = ferr
		if !c.policyFor(ferr.Kind).Degrade {
			c.finishFatal(unitName, ferr, retriesUsed, start)
			return nil, ferr
		}
	} else {
		primaryErr = faults.New(faults.KindBackendUnavailable, "primary backend failed health gate")
		c.logger.Warn("unit %s: primary not ready, degrading without attempt", unitName)
	}

	if c.secondary == nil || !secondaryReady {
		err := faults.BothFailed(primaryErr, faults.New(faults.KindBackendUnavailable, "secondary backend unavailable"))
		c.finishFatal(unitName, err, retriesUsed, start)
		return nil, err
	}

	return c.degrade(ctx, unitName, task, wc, primaryErr, retriesUsed, start)
}

// readiness consults the health evaluator. Without one, both backends are
// assumed reachable and the call itself establishes the truth.
func (c *Controller) readiness(ctx context.Context) (primary, secondary bool) {
	if c.evaluator == nil {
		return true, true
	}
	report := c.evaluator.Report(ctx)
	return report.ReadyForPrimary, report.ReadyForSecondary
}

// attemptPrimary runs the retry loop against the primary backend. Each
// failure is classified fresh so a timeout followed by a rate limit follows
// the rate limit policy for its remaining budget.
func (c *Controller) attemptPrimary(ctx context.Context, unitName, task string, wc *wfcontext.Context, perms []string) (*backend.StructuredResult, *faults.Error, int) {
	retries := 0
	for {
		result, err := c.primary.Call(ctx, task, wc.Artifacts(), perms)
		if err == nil {
			return result, nil, retries
		}

		ferr := faults.Classify(err)
		policy := c.policyFor(ferr.Kind)
		c.logger.Warn("unit %s: primary %s failed (%s, retry %d/%d): %v",
			unitName, c.primary.Name(), ferr.Kind, retries, policy.MaxRetries, err)

		if policy.MaxRetries == 0 || retries >= policy.MaxRetries {
			return nil, ferr, retries
		}
		if serr := c.sleep(ctx, backoffDelay(policy, retries)); serr != nil {
			return nil, faults.Wrap(faults.KindTimeout, serr, "invocation cancelled during backoff"), retries
		}
		retries++
	}
}

// degrade converts the task for the secondary backend, runs the fallback
// call, and records the degradation on the workflow context.
func (c *Controller) degrade(ctx context.Context, unitName, task string, wc *wfcontext.Context, primaryErr *faults.Error, retriesUsed int, start time.Time) (*Result, error) {
	prompt := ConvertForSecondary(task, wc, c.counter, c.promptBudget)

	text, err := c.secondary.Call(ctx, prompt)
	if err != nil {
		secondaryErr := faults.Classify(err)
		both := faults.BothFailed(primaryErr, secondaryErr)
		c.finishFatal(unitName, both, retriesUsed, start)
		return nil, both
	}

	// Recorded only once the fallback has produced something. A both_failed
	// invocation leaves no degradation entry.
	degradation := wfcontext.DegradationRecord{
		Unit:        unitName,
		FailureKind: primaryErr.Kind.String(),
		DegradedTo:  c.secondary.Name(),
		Timestamp:   time.Now().UTC(),
	}
	if err := wc.AppendDegradation(degradation); err != nil {
		c.logger.Warn("unit %s: could not record degradation: %v", unitName, err)
	}

	rec := InvocationRecord{
		Unit:             unitName,
		BackendAttempted: c.secondary.Name(),
		FailureKind:      primaryErr.Kind.String(),
		RetriesUsed:      retriesUsed,
		Degraded:         true,
		Duration:         time.Since(start),
	}
	count := c.stats.recordDegrade(unitName, primaryErr.Kind.String())
	c.recorder.observe(rec, "degraded")
	c.maybeAlert(unitName, primaryErr.Kind, count)

	return &Result{
		Fields:   ExtractStructured(text),
		Raw:      text,
		Backend:  c.secondary.Name(),
		Degraded: true,
		Record:   rec,
	}, nil
}

func (c *Controller) finishFatal(unitName string, err *faults.Error, retriesUsed int, start time.Time) {
	rec := InvocationRecord{
		Unit:             unitName,
		BackendAttempted: c.primary.Name(),
		FailureKind:      err.Kind.String(),
		RetriesUsed:      retriesUsed,
		Duration:         time.Since(start),
	}
	c.stats.recordFatal(unitName, err.Kind.String())
	c.recorder.observe(rec, "failed")
	c.logger.Error("unit %s: invocation failed (%s): %v", unitName, err.Kind, err)
}

// maybeAlert fires the repeated-failure hook at every threshold multiple.
// The counter never resets on its own, so a unit that keeps degrading keeps
// alerting at the configured cadence.
func (c *Controller) maybeAlert(unitName string, kind faults.Kind, count int64) {
	if c.alertFn == nil || c.alertThreshold <= 0 {
		return
	}
	if count%c.alertThreshold == 0 {
		c.logger.Warn("unit %s degraded %d times, alerting", unitName, count)
		c.alertFn(unitName, kind, count)
	}
}

// backoffDelay computes the exponential backoff delay for a retry attempt,
// capped at the policy maximum, with optional jitter of up to a quarter of
// the delay.
func backoffDelay(policy faults.Policy, attempt int) time.Duration {
	delay := policy.InitialDelay
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay >= policy.MaxDelay {
			delay = policy.MaxDelay
			break
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	if policy.Jitter && delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))
	}
	return delay
}

func (c *Controller) policyFor(kind faults.Kind) faults.Policy {
	if policy, ok := c.policies[kind]; ok {
		return policy
	}
	return faults.DefaultPolicies[faults.KindBackendCrash]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
