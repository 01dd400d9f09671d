package invoker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"conductor/pkg/wfcontext"
)

// DefaultPromptTokenBudget caps the degraded prompt sent to the secondary
// backend. Local models have much smaller context windows than the primary.
const DefaultPromptTokenBudget = 4096

// TokenCounter counts tokens for prompt budgeting. Claude and GPT tokenize
// similarly enough that GPT-4 encoding works as an approximation for both.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter using GPT-4 encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the token count for text, falling back to a character-based
// estimate (4 chars per token) when the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Truncate cuts text down to at most budget tokens. The cut is approximate:
// it trims from the end in line units so the remaining prompt stays readable.
func (tc *TokenCounter) Truncate(text string, budget int) string {
	if budget <= 0 || tc.Count(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if tc.Count(candidate) <= budget {
			return candidate + "\n[truncated]"
		}
	}
	// Single oversized line. Fall back to a character cut.
	approxChars := budget * 4
	if approxChars < len(text) {
		return text[:approxChars] + "\n[truncated]"
	}
	return text
}

// ConvertForSecondary flattens a structured task and the workflow context's
// artifacts into a plain text prompt for the secondary backend. The
// conversion is lossy: artifacts that cannot be serialized are
// summarized as text rather than aborting the fallback.
func ConvertForSecondary(task string, wc *wfcontext.Context, counter *TokenCounter, budget int) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(task)
	b.WriteString("\n")

	artifacts := wc.Artifacts()
	if len(artifacts) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(artifacts))
		for k := range artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(renderArtifact(artifacts[k]))
			b.WriteString("\n")
		}
	}

	b.WriteString("\nRespond in plain text.")

	if budget <= 0 {
		budget = DefaultPromptTokenBudget
	}
	return counter.Truncate(b.String(), budget)
}

func renderArtifact(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "(none)"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// Unserializable value. Summarize instead of failing the conversion.
		return fmt.Sprintf("(unserializable %T: %v)", v, v)
	}
	return string(raw)
}
