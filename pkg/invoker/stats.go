package invoker

import (
	"sync"
	"time"
)

// InvocationRecord is the immutable log of one attempt through the controller.
// A degraded success and a primary success look identical to callers; the
// record is where the difference is visible.
type InvocationRecord struct {
	Unit             string        `json:"unit"`
	BackendAttempted string        `json:"backend_attempted"`
	FailureKind      string        `json:"failure_kind,omitempty"`
	RetriesUsed      int           `json:"retries_used"`
	Degraded         bool          `json:"degraded"`
	Duration         time.Duration `json:"duration"`
}

// Statistics is the controller's monotonically-accumulating counter set.
// Internally synchronized; multiple concurrent Invoke calls update it. Never
// reset except by explicit operator action (Reset).
type Statistics struct {
	mu sync.Mutex

	totalInvocations    int64
	primarySuccesses    int64
	primaryFailures     int64
	degradedInvocations int64
	failureKindCounts   map[string]int64
	unitFailureCounts   map[string]int64
	unitDegradeCounts   map[string]int64
}

// NewStatistics creates an empty counter set.
func NewStatistics() *Statistics {
	return &Statistics{
		failureKindCounts: make(map[string]int64),
		unitFailureCounts: make(map[string]int64),
		unitDegradeCounts: make(map[string]int64),
	}
}

func (s *Statistics) recordPrimarySuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalInvocations++
	s.primarySuccesses++
}

// recordDegrade counts one degraded invocation and returns the unit's running
// degrade count, which drives the repeated-failure alert cadence.
func (s *Statistics) recordDegrade(unitName, failureKind string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalInvocations++
	s.primaryFailures++
	s.degradedInvocations++
	s.failureKindCounts[failureKind]++
	s.unitFailureCounts[unitName]++
	s.unitDegradeCounts[unitName]++
	return s.unitDegradeCounts[unitName]
}

func (s *Statistics) recordFatal(unitName, failureKind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalInvocations++
	s.primaryFailures++
	s.failureKindCounts[failureKind]++
	s.unitFailureCounts[unitName]++
}

// Reset zeroes every counter. Explicit operator action only.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalInvocations = 0
	s.primarySuccesses = 0
	s.primaryFailures = 0
	s.degradedInvocations = 0
	s.failureKindCounts = make(map[string]int64)
	s.unitFailureCounts = make(map[string]int64)
	s.unitDegradeCounts = make(map[string]int64)
}

// StatisticsSnapshot is the derived, read-only statistics surface.
type StatisticsSnapshot struct {
	TotalInvocations    int64            `json:"total_invocations"`
	PrimarySuccesses    int64            `json:"primary_successes"`
	PrimaryFailures     int64            `json:"primary_failures"`
	DegradedInvocations int64            `json:"degraded_invocations"`
	FallbackRate        float64          `json:"fallback_rate"`
	PrimarySuccessRate  float64          `json:"primary_success_rate"`
	FailureKindCounts   map[string]int64 `json:"failure_kind_counts"`
	UnitFailureCounts   map[string]int64 `json:"unit_failure_counts"`
}

// Snapshot derives the read-only statistics view from the running counters.
func (s *Statistics) Snapshot() StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatisticsSnapshot{
		TotalInvocations:    s.totalInvocations,
		PrimarySuccesses:    s.primarySuccesses,
		PrimaryFailures:     s.primaryFailures,
		DegradedInvocations: s.degradedInvocations,
		FailureKindCounts:   make(map[string]int64, len(s.failureKindCounts)),
		UnitFailureCounts:   make(map[string]int64, len(s.unitFailureCounts)),
	}
	for k, v := range s.failureKindCounts {
		snap.FailureKindCounts[k] = v
	}
	for k, v := range s.unitFailureCounts {
		snap.UnitFailureCounts[k] = v
	}
	if s.totalInvocations > 0 {
		snap.FallbackRate = float64(s.degradedInvocations) / float64(s.totalInvocations)
		snap.PrimarySuccessRate = float64(s.primarySuccesses) / float64(s.totalInvocations)
	}
	return snap
}
