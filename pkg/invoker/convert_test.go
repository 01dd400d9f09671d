package invoker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/wfcontext"
)

func TestConvertForSecondary(t *testing.T) {
	wc := wfcontext.New("t", "tester", wfcontext.PriorityNormal, time.Hour)
	require.NoError(t, wc.Set("plan", "three phases"))
	require.NoError(t, wc.Set("budget", map[string]any{"hours": 16}))

	counter, err := NewTokenCounter()
	require.NoError(t, err)

	prompt := ConvertForSecondary("ship the feature", wc, counter, 0)

	assert.Contains(t, prompt, "Task:\nship the feature")
	assert.Contains(t, prompt, "plan: three phases")
	assert.Contains(t, prompt, `budget: {"hours":16}`)
	assert.Contains(t, prompt, "Respond in plain text.")
	// Keys render in deterministic order.
	assert.Less(t, strings.Index(prompt, "budget:"), strings.Index(prompt, "plan:"))
}

func TestConvertSummarizesUnserializableArtifacts(t *testing.T) {
	wc := wfcontext.New("t", "tester", wfcontext.PriorityNormal, time.Hour)
	require.NoError(t, wc.Set("callback", func() {}))

	counter, err := NewTokenCounter()
	require.NoError(t, err)

	// The conversion is lossy, never fatal.
	prompt := ConvertForSecondary("do it", wc, counter, 0)
	assert.Contains(t, prompt, "callback: (unserializable")
}

func TestTruncateRespectsBudget(t *testing.T) {
	counter, err := NewTokenCounter()
	require.NoError(t, err)

	long := strings.Repeat("some artifact content on its own line\n", 500)
	truncated := counter.Truncate(long, 100)

	assert.LessOrEqual(t, counter.Count(truncated), 110, "within budget plus marker")
	assert.True(t, strings.HasSuffix(truncated, "[truncated]"))

	short := "already small"
	assert.Equal(t, short, counter.Truncate(short, 100))
}

func TestCountFallsBackWithoutCodec(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, len("abcdefgh")/4, counter.Count("abcdefgh"))
}
