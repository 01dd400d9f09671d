// Package health runs a fixed battery of readiness checks and reduces them to
// a tri-state verdict per backend. The report is advisory input to the
// invocation controller and is independently pollable for dashboards.
package health

import (
	"context"
	"fmt"

	"conductor/pkg/logx"
)

// Status is the tri-state outcome of one check and of the overall report.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Check names, in battery order.
const (
	CheckPrimaryReachable   = "primary_reachable"
	CheckCredentials        = "credentials"
	CheckStorageWritable    = "storage_writable"
	CheckResourceHeadroom   = "resource_headroom"
	CheckNetwork            = "network"
	CheckSecondaryReachable = "secondary_reachable"
)

// batteryOrder is the fixed evaluation order of the check battery.
var batteryOrder = []string{
	CheckPrimaryReachable,
	CheckCredentials,
	CheckStorageWritable,
	CheckResourceHeadroom,
	CheckNetwork,
	CheckSecondaryReachable,
}

// primaryRelevant marks the checks whose critical status blocks the primary
// backend. The secondary has weaker requirements: it needs storage
// and the credential-independent checks only.
var primaryRelevant = map[string]bool{
	CheckPrimaryReachable: true,
	CheckCredentials:      true,
	CheckStorageWritable:  true,
	CheckNetwork:          true,
}

var secondaryRelevant = map[string]bool{
	CheckStorageWritable:    true,
	CheckResourceHeadroom:   true,
	CheckSecondaryReachable: true,
}

// CheckResult is the outcome of a single readiness check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// CheckFunc performs one readiness check.
type CheckFunc func(ctx context.Context) CheckResult

// Report reduces the check battery to readiness verdicts.
type Report struct {
	Checks            map[string]CheckResult `json:"checks"`
	Overall           Status                 `json:"overall"`
	ReadyForPrimary   bool                   `json:"ready_for_primary"`
	ReadyForSecondary bool                   `json:"ready_for_secondary"`
}

// Evaluator runs the check battery. Check implementations are injectable so
// tests can script readiness states.
type Evaluator struct {
	checks map[string]CheckFunc
	logger *logx.Logger
}

// NewEvaluator creates an evaluator with the given check implementations.
// Missing battery entries default to a healthy no-op, so callers only wire
// the checks that apply to their deployment.
func NewEvaluator(checks map[string]CheckFunc) *Evaluator {
	return &Evaluator{
		checks: checks,
		logger: logx.NewLogger("health"),
	}
}

// Report runs the battery in its fixed order and reduces the results.
func (e *Evaluator) Report(ctx context.Context) *Report {
	report := &Report{
		Checks:  make(map[string]CheckResult, len(batteryOrder)),
		Overall: StatusHealthy,
	}

	for _, name := range batteryOrder {
		check, ok := e.checks[name]
		if !ok {
			report.Checks[name] = CheckResult{Name: name, Status: StatusHealthy, Message: "not configured"}
			continue
		}

		result := check(ctx)
		result.Name = name
		report.Checks[name] = result

		if result.Status == StatusCritical {
			e.logger.Warn("Check %s critical: %s", name, result.Message)
		}
		report.Overall = worse(report.Overall, result.Status)
	}

	report.ReadyForPrimary = e.ready(report, primaryRelevant)
	report.ReadyForSecondary = e.ready(report, secondaryRelevant)

	e.logger.Debug("Health report: overall=%s primary=%v secondary=%v",
		report.Overall, report.ReadyForPrimary, report.ReadyForSecondary)
	return report
}

// ready is true when zero relevant checks are critical. Warnings degrade the
// overall verdict but do not block an attempt.
func (e *Evaluator) ready(report *Report, relevant map[string]bool) bool {
	for name := range relevant {
		if result, ok := report.Checks[name]; ok && result.Status == StatusCritical {
			return false
		}
	}
	return true
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusWarning: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Summary renders a one-line operator summary of the report.
func (r *Report) Summary() string {
	criticals := 0
	for _, c := range r.Checks {
		if c.Status == StatusCritical {
			criticals++
		}
	}
	if criticals == 0 {
		return fmt.Sprintf("all %d checks passed (overall %s)", len(r.Checks), r.Overall)
	}
	return fmt.Sprintf("%d of %d checks critical (overall %s)", criticals, len(r.Checks), r.Overall)
}
