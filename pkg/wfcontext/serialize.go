package wfcontext

import (
	"encoding/json"
	"fmt"
	"time"
)

// serializedContext is the explicit wire form of a Context. All fields are
// explicitly typed for reliable round-trip serialization; log ordering is
// preserved by slice order.
//
//nolint:govet // struct alignment optimization not critical for serialization types.
type serializedContext struct {
	ID             string                  `json:"id"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
	Version        int64                   `json:"version"`
	TTLSeconds     float64                 `json:"ttl_seconds"`
	Owner          string                  `json:"owner"`
	Priority       string                  `json:"priority"`
	Task           string                  `json:"task"`
	Phase          string                  `json:"phase,omitempty"`
	CurrentUnit    string                  `json:"current_unit,omitempty"`
	CompletedUnits []string                `json:"completed_units,omitempty"`
	Artifacts      map[string]any          `json:"artifacts"`
	UnitStates     map[string]UnitSnapshot `json:"unit_states,omitempty"`
	EventLog       []Event                 `json:"event_log,omitempty"`
	DegradationLog []DegradationRecord     `json:"degradation_log,omitempty"`
	Archived       bool                    `json:"archived,omitempty"`
	ConflictPolicy int                     `json:"conflict_policy,omitempty"`
}

// Serialize converts the full context state to JSON bytes. This is the
// cross-process hand-off point between orchestrator invocations; everything
// needed to resume a run is included.
func (c *Context) Serialize() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sc := serializedContext{
		ID:             c.id,
		CreatedAt:      c.meta.CreatedAt,
		UpdatedAt:      c.meta.UpdatedAt,
		Version:        c.meta.Version,
		TTLSeconds:     c.meta.TTL.Seconds(),
		Owner:          c.meta.Owner,
		Priority:       string(c.meta.Priority),
		Task:           c.task,
		Phase:          c.phase,
		CurrentUnit:    c.currentUnit,
		CompletedUnits: c.completedUnits,
		Artifacts:      c.artifacts,
		UnitStates:     c.unitStates,
		EventLog:       c.eventLog,
		DegradationLog: c.degradationLog,
		Archived:       c.archived,
		ConflictPolicy: int(c.conflictPolicy),
	}

	data, err := json.Marshal(&sc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize context %s: %w", c.id, err)
	}
	return data, nil
}

// Deserialize reconstructs a Context from Serialize output. The restored
// context is logically equal to the original: same version, same maps, same
// log entries in the same order.
func Deserialize(data []byte) (*Context, error) {
	var sc serializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	if sc.ID == "" {
		return nil, fmt.Errorf("serialized context has no id")
	}

	c := &Context{
		id: sc.ID,
		meta: Metadata{
			CreatedAt: sc.CreatedAt,
			UpdatedAt: sc.UpdatedAt,
			Version:   sc.Version,
			TTL:       time.Duration(sc.TTLSeconds * float64(time.Second)),
			Owner:     sc.Owner,
			Priority:  Priority(sc.Priority),
		},
		task:           sc.Task,
		phase:          sc.Phase,
		currentUnit:    sc.CurrentUnit,
		completedUnits: sc.CompletedUnits,
		artifacts:      sc.Artifacts,
		unitStates:     sc.UnitStates,
		eventLog:       sc.EventLog,
		degradationLog: sc.DegradationLog,
		archived:       sc.Archived,
		conflictPolicy: ConflictPolicy(sc.ConflictPolicy),
		writtenKeys:    make(map[string]bool),
		now:            time.Now,
	}
	if c.artifacts == nil {
		c.artifacts = make(map[string]any)
	}
	if c.unitStates == nil {
		c.unitStates = make(map[string]UnitSnapshot)
	}
	return c, nil
}
