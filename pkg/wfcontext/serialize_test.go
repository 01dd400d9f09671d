package wfcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	wc := New("deploy service", "ops", PriorityHigh, 2*time.Hour, WithConflictPolicy(ConflictReject))
	require.NoError(t, wc.Set("schema", map[string]any{"tables": []any{"users"}}))
	require.NoError(t, wc.Set("endpoints", []any{"/health", "/v1/run"}))
	require.NoError(t, wc.SetPhase("running"))
	require.NoError(t, wc.MarkUnitStarted("builder"))
	require.NoError(t, wc.MarkUnitCompleted("builder"))
	require.NoError(t, wc.AppendDegradation(DegradationRecord{
		Unit:        "builder",
		FailureKind: "network_failure",
		DegradedTo:  "ollama",
		Timestamp:   time.Now().UTC(),
	}))

	data, err := wc.Serialize()
	require.NoError(t, err)

	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, wc.ID(), restored.ID())
	assert.Equal(t, wc.Version(), restored.Version())
	assert.Equal(t, wc.Task(), restored.Task())
	assert.Equal(t, wc.Phase(), restored.Phase())
	assert.Equal(t, wc.CompletedUnits(), restored.CompletedUnits())
	assert.Equal(t, wc.Meta().Owner, restored.Meta().Owner)
	assert.Equal(t, wc.Meta().Priority, restored.Meta().Priority)
	assert.Equal(t, wc.Meta().TTL, restored.Meta().TTL)
	assert.Len(t, restored.Events(), len(wc.Events()))
	assert.Len(t, restored.Degradations(), 1)
	assert.Equal(t, "network_failure", restored.Degradations()[0].FailureKind)

	// JSON has no integer type, so numbers come back as float64. That is
	// acceptable; structure must survive.
	schema, ok := restored.Lookup("schema")
	require.True(t, ok)
	assert.Contains(t, schema.(map[string]any), "tables")
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	_, err := Deserialize([]byte("not json"))
	assert.Error(t, err)
}

func TestRestoredContextStillEnforcesTTL(t *testing.T) {
	wc := New("short", "tester", PriorityNormal, time.Millisecond)
	data, err := wc.Serialize()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	restored, err := Deserialize(data)
	require.NoError(t, err)
	assert.True(t, restored.IsExpired())
	assert.ErrorIs(t, restored.Set("k", "v"), ErrExpired)
}

func TestRestoredArchivedContextStaysReadOnly(t *testing.T) {
	wc := New("t", "tester", PriorityNormal, time.Hour)
	wc.MarkArchived()

	data, err := wc.Serialize()
	require.NoError(t, err)
	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.True(t, restored.IsArchived())
	assert.ErrorIs(t, restored.Set("k", "v"), ErrArchived)
}
