// Package wfcontext provides the versioned, TTL-bound context document shared
// by all execution units in one workflow run. The Context is internally
// synchronized; concurrent units read and write it without external locking.
package wfcontext

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for context store operations.
var (
	// ErrExpired is returned by every mutating operation on a context whose
	// TTL has elapsed. Expired contexts may only be archived or deleted.
	ErrExpired = errors.New("context expired")
	// ErrKeyConflict is returned under ConflictReject when a key is written a
	// second time within the same run.
	ErrKeyConflict = errors.New("artifact key already written in this run")
	// ErrArchived is returned by mutating operations on an archived context.
	ErrArchived = errors.New("context archived")
)

// Priority orders workflow runs for operators; it carries no scheduling weight
// inside the orchestrator itself.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ConflictPolicy controls how concurrent same-key artifact writes behave in
// bounded-parallel runs.
type ConflictPolicy int

const (
	// ConflictLastWrite silently keeps the most recent write (the default).
	ConflictLastWrite ConflictPolicy = iota
	// ConflictReject fails the second write to an already-written key.
	ConflictReject
)

// EventKind labels lifecycle events recorded in the append-only event log.
type EventKind string

const (
	EventUnitStarted   EventKind = "unit_started"
	EventUnitCompleted EventKind = "unit_completed"
	EventUnitFailed    EventKind = "unit_failed"
	EventUnitSkipped   EventKind = "unit_skipped"
	EventPhaseChanged  EventKind = "phase_changed"
	EventCancelled     EventKind = "cancelled"
	EventArchived      EventKind = "archived"
)

// Event is one entry in the append-only lifecycle log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Unit      string    `json:"unit,omitempty"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// DegradationRecord is one entry in the append-only degradation log, written
// by the invocation controller when a unit falls back to the secondary backend.
type DegradationRecord struct {
	Unit        string    `json:"unit"`
	FailureKind string    `json:"failure_kind"`
	DegradedTo  string    `json:"degraded_to"`
	Timestamp   time.Time `json:"timestamp"`
}

// UnitSnapshot is the last observed state of one execution unit, recorded by
// the orchestrator. Owned by the unit; read-only here.
type UnitSnapshot struct {
	State       string     `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

// Metadata carries the context's identity and versioning information.
// Version strictly increases with every artifact mutation (Set/Update) and is
// never set by callers.
type Metadata struct {
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   int64         `json:"version"`
	TTL       time.Duration `json:"ttl"`
	Owner     string        `json:"owner"`
	Priority  Priority      `json:"priority"`
}

// Context is the unit of shared state for one workflow run.
type Context struct {
	mu sync.RWMutex

	id             string
	meta           Metadata
	task           string
	phase          string
	currentUnit    string
	completedUnits []string
	artifacts      map[string]any
	unitStates     map[string]UnitSnapshot
	eventLog       []Event
	degradationLog []DegradationRecord

	conflictPolicy ConflictPolicy
	writtenKeys    map[string]bool // Keys written during this run, for ConflictReject
	archived       bool

	// now is injectable for TTL tests.
	now func() time.Time
}

// Option configures a Context at creation time.
type Option func(*Context)

// WithConflictPolicy sets the same-key write policy for bounded-parallel runs.
func WithConflictPolicy(p ConflictPolicy) Option {
	return func(c *Context) { c.conflictPolicy = p }
}

// WithClock injects a time source. Tests use this to exercise TTL expiry
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Context) { c.now = now }
}

// New creates a Context for one workflow run. The run ID is generated here and
// is immutable for the context's lifetime.
func New(task, owner string, priority Priority, ttl time.Duration, opts ...Option) *Context {
	c := &Context{
		id:          uuid.New().String(),
		task:        task,
		artifacts:   make(map[string]any),
		unitStates:  make(map[string]UnitSnapshot),
		writtenKeys: make(map[string]bool),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	created := c.now().UTC()
	c.meta = Metadata{
		CreatedAt: created,
		UpdatedAt: created,
		Version:   0,
		TTL:       ttl,
		Owner:     owner,
		Priority:  priority,
	}
	return c
}

// ID returns the immutable run identifier.
func (c *Context) ID() string {
	return c.id
}

// Meta returns a copy of the context metadata.
func (c *Context) Meta() Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// Version returns the current artifact version.
func (c *Context) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta.Version
}

// Task returns the free-form description of the overarching goal.
func (c *Context) Task() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.task
}

// Phase returns the current workflow phase label.
func (c *Context) Phase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// CurrentUnit returns the unit most recently marked as started.
func (c *Context) CurrentUnit() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentUnit
}

// CompletedUnits returns the ordered list of completed unit names.
func (c *Context) CompletedUnits() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.completedUnits...)
}

// IsExpired reports whether the context's TTL has elapsed since creation.
// Zero TTL means no expiry.
func (c *Context) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isExpiredLocked()
}

func (c *Context) isExpiredLocked() bool {
	if c.meta.TTL <= 0 {
		return false
	}
	return c.now().UTC().After(c.meta.CreatedAt.Add(c.meta.TTL))
}

// IsArchived reports whether the context has been moved to cold storage.
func (c *Context) IsArchived() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.archived
}

// guardMutable is checked at the top of every mutating operation. Atomicity:
// callers holding the write lock perform no partial effects after an error.
func (c *Context) guardMutable() error {
	if c.archived {
		return ErrArchived
	}
	if c.isExpiredLocked() {
		return ErrExpired
	}
	return nil
}

// Get returns the artifact stored under key, or def when absent.
func (c *Context) Get(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.artifacts[key]; ok {
		return v
	}
	return def
}

// Lookup returns the artifact under key and whether it exists.
func (c *Context) Lookup(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.artifacts[key]
	return v, ok
}

// Set stores one artifact and bumps the version exactly once.
func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	if c.conflictPolicy == ConflictReject && c.writtenKeys[key] {
		return fmt.Errorf("%w: %q", ErrKeyConflict, key)
	}

	c.artifacts[key] = value
	c.writtenKeys[key] = true
	c.bumpVersionLocked()
	return nil
}

// Update applies a multi-key artifact mutation atomically with a single
// version bump. Either every key applies, or - on conflict - none do.
func (c *Context) Update(partial map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	if c.conflictPolicy == ConflictReject {
		for key := range partial {
			if c.writtenKeys[key] {
				return fmt.Errorf("%w: %q", ErrKeyConflict, key)
			}
		}
	}

	for key, value := range partial {
		c.artifacts[key] = value
		c.writtenKeys[key] = true
	}
	c.bumpVersionLocked()
	return nil
}

func (c *Context) bumpVersionLocked() {
	c.meta.Version++
	c.meta.UpdatedAt = c.now().UTC()
}

// touchLocked updates UpdatedAt without a version bump. Used by append-only
// logs and lifecycle bookkeeping, which are audit data rather than versioned
// artifact state.
func (c *Context) touchLocked() {
	c.meta.UpdatedAt = c.now().UTC()
}

// Artifacts returns a shallow copy of the artifact map.
func (c *Context) Artifacts() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// AppendEvent appends one entry to the lifecycle event log.
func (c *Context) AppendEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}
	c.eventLog = append(c.eventLog, e)
	c.touchLocked()
	return nil
}

// AppendDegradation appends one entry to the degradation log.
func (c *Context) AppendDegradation(r DegradationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = c.now().UTC()
	}
	c.degradationLog = append(c.degradationLog, r)
	c.touchLocked()
	return nil
}

// Events returns a copy of the event log in append order.
func (c *Context) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Event(nil), c.eventLog...)
}

// Degradations returns a copy of the degradation log in append order.
func (c *Context) Degradations() []DegradationRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]DegradationRecord(nil), c.degradationLog...)
}

// SetPhase records the current workflow phase.
func (c *Context) SetPhase(phase string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	c.phase = phase
	c.touchLocked()
	return nil
}

// MarkUnitStarted records that a unit began executing.
func (c *Context) MarkUnitStarted(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	c.currentUnit = name
	c.eventLog = append(c.eventLog, Event{
		Timestamp: c.now().UTC(),
		Unit:      name,
		Kind:      EventUnitStarted,
	})
	c.touchLocked()
	return nil
}

// MarkUnitCompleted appends the unit to the ordered completed list.
func (c *Context) MarkUnitCompleted(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	c.completedUnits = append(c.completedUnits, name)
	if c.currentUnit == name {
		c.currentUnit = ""
	}
	c.eventLog = append(c.eventLog, Event{
		Timestamp: c.now().UTC(),
		Unit:      name,
		Kind:      EventUnitCompleted,
	})
	c.touchLocked()
	return nil
}

// RecordUnitState stores the unit's last observed descriptor snapshot.
func (c *Context) RecordUnitState(name string, snap UnitSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardMutable(); err != nil {
		return err
	}
	c.unitStates[name] = snap
	c.touchLocked()
	return nil
}

// UnitState returns the last recorded snapshot for a unit.
func (c *Context) UnitState(name string) (UnitSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.unitStates[name]
	return s, ok
}

// MarkArchived flips the context read-only. Archiving is the one state change
// allowed on an expired context.
func (c *Context) MarkArchived() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.archived {
		return
	}
	c.archived = true
	c.eventLog = append(c.eventLog, Event{
		Timestamp: c.now().UTC(),
		Kind:      EventArchived,
	})
}

// ResetRunState clears the per-run conflict bookkeeping. The orchestrator
// calls this when reusing a loaded context for a fresh run.
func (c *Context) ResetRunState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writtenKeys = make(map[string]bool)
}
