package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractStructured(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{
			name: "bare json object",
			in:   `{"status": "ok", "count": 2}`,
			want: map[string]any{"status": "ok", "count": float64(2)},
		},
		{
			name: "fenced json block",
			in:   "Here is the result:\n```json\n{\"status\": \"ok\"}\n```\nDone.",
			want: map[string]any{"status": "ok"},
		},
		{
			name: "json island in prose",
			in:   `Sure! The answer is {"answer": 42} as requested.`,
			want: map[string]any{"answer": float64(42)},
		},
		{
			name: "nested braces",
			in:   `Result: {"outer": {"inner": "value"}} end`,
			want: map[string]any{"outer": map[string]any{"inner": "value"}},
		},
		{
			name: "braces inside strings",
			in:   `{"template": "use {name} here"}`,
			want: map[string]any{"template": "use {name} here"},
		},
		{
			name: "plain text wrapped",
			in:   "I could not produce JSON, sorry.",
			want: map[string]any{"text": "I could not produce JSON, sorry."},
		},
		{
			name: "broken json wrapped as text",
			in:   `{"status": "ok"`,
			want: map[string]any{"text": `{"status": "ok"`},
		},
		{
			name: "empty input",
			in:   "",
			want: map[string]any{"text": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractStructured(tt.in))
		})
	}
}
