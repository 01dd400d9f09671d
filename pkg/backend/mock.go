package backend

import (
	"context"
	"sync"
)

// MockPrimary is a scriptable primary backend for tests. Responses are
// consumed in order; when the script is exhausted the last entry repeats.
type MockPrimary struct {
	mu        sync.Mutex
	script    []MockCall
	callCount int
}

// MockCall is one scripted primary response.
type MockCall struct {
	Result *StructuredResult
	Err    error
}

// NewMockPrimary creates a scripted primary backend.
func NewMockPrimary(script ...MockCall) *MockPrimary {
	return &MockPrimary{script: script}
}

func (m *MockPrimary) Call(_ context.Context, _ string, _ map[string]any, _ []string) (*StructuredResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.callCount
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.callCount++

	if idx < 0 {
		return &StructuredResult{Fields: map[string]any{}}, nil
	}
	call := m.script[idx]
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Result, nil
}

func (m *MockPrimary) Name() string { return "mock-primary" }

// Calls returns how many times the backend was invoked.
func (m *MockPrimary) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// MockSecondary is a scriptable secondary backend for tests.
type MockSecondary struct {
	mu        sync.Mutex
	Output    string
	Err       error
	callCount int
	prompts   []string
}

func (m *MockSecondary) Call(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++
	m.prompts = append(m.prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}
	return m.Output, nil
}

func (m *MockSecondary) Name() string { return "mock-secondary" }

// Calls returns how many times the backend was invoked.
func (m *MockSecondary) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastPrompt returns the most recent prompt sent to the backend.
func (m *MockSecondary) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}
