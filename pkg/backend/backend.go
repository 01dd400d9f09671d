// Package backend defines the two-variant backend capability used by the
// invocation controller: a structured primary backend attempted first, and a
// free-text secondary backend used on degrade. Concrete clients live in the
// provider subpackages; selection happens through the controller's decision
// table, never through runtime type inspection.
package backend

import (
	"context"
)

// StructuredResult is the output of a primary backend call.
type StructuredResult struct {
	// Fields holds the structured payload returned by the backend.
	Fields map[string]any `json:"fields"`
	// Raw is the unparsed backend output, kept for audit.
	Raw string `json:"raw,omitempty"`
	// Model identifies which model produced the result.
	Model string `json:"model,omitempty"`
}

// Primary is the structured, capability-rich execution backend attempted first.
// Call either returns a structured result or a failure classified into the
// faults taxonomy.
type Primary interface {
	// Call executes a task against the backend. snapshot carries the relevant
	// context artifacts; perms lists the tool permissions granted to the task.
	Call(ctx context.Context, task string, snapshot map[string]any, perms []string) (*StructuredResult, error)

	// Name identifies the backend for health checks and statistics labels.
	Name() string
}

// Secondary is the textual, lower-capability backend used on degrade. It has
// no native structure; the controller converts context in and extracts
// structure back out.
type Secondary interface {
	// Call sends a rendered prompt and returns free-form text output.
	Call(ctx context.Context, prompt string) (string, error)

	// Name identifies the backend for health checks and statistics labels.
	Name() string
}
