package logx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentEntriesFilterByComponent(t *testing.T) {
	since := time.Now().Add(-time.Second)

	a := NewLogger("comp-a")
	b := NewLogger("comp-b")
	a.Info("from a")
	b.Info("from b")

	entries := RecentEntries("comp-a", since)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, "comp-a", e.Component)
	}

	all := RecentEntries("", since)
	assert.GreaterOrEqual(t, len(all), len(entries))
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false, nil)
	logger := NewLogger("quiet")
	before := len(RecentEntries("quiet", time.Time{}))
	logger.Debug("should not appear")
	assert.Equal(t, before, len(RecentEntries("quiet", time.Time{})))

	SetDebug(true, nil)
	defer SetDebug(false, nil)
	logger.Debug("now visible")
	assert.Greater(t, len(RecentEntries("quiet", time.Time{})), before)
}

func TestDebugDomains(t *testing.T) {
	SetDebug(true, []string{"invoker"})
	defer SetDebug(false, nil)

	assert.True(t, IsDebugEnabled("invoker"))
	assert.False(t, IsDebugEnabled("workflow"))
}

func TestWithComponent(t *testing.T) {
	base := NewLogger("parent")
	child := base.WithComponent("child")
	assert.Equal(t, "child", child.GetComponent())
	assert.Equal(t, "parent", base.GetComponent())
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("failed to open %s", "thing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open thing")
}

func TestWrap(t *testing.T) {
	cause := errors.New("root")
	err := Wrap(cause, "loading config")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Wrap(nil, "no-op"))
}
