package invoker

import (
	"encoding/json"
	"strings"
)

// ExtractStructured pulls a structured result out of the secondary backend's
// free text output. Local models rarely follow output instructions exactly,
// so this is best effort: a fenced JSON block first, then the first balanced
// JSON object found anywhere in the text, then the whole output wrapped
// under a "text" key.
func ExtractStructured(text string) map[string]any {
	trimmed := strings.TrimSpace(text)

	if fields := tryFencedJSON(trimmed); fields != nil {
		return fields
	}
	if fields := tryJSONIsland(trimmed); fields != nil {
		return fields
	}
	return map[string]any{"text": trimmed}
}

func tryFencedJSON(text string) map[string]any {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(text, fence)
		if start < 0 {
			continue
		}
		rest := text[start+len(fence):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &fields); err == nil {
			return fields
		}
	}
	return nil
}

// tryJSONIsland scans for the first balanced top-level object and attempts
// to decode it. Braces inside string literals are skipped.
func tryJSONIsland(text string) map[string]any {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					var fields map[string]any
					if err := json.Unmarshal([]byte(text[start:i+1]), &fields); err == nil {
						return fields
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			return nil
		}
		start = start + 1 + next
	}
	return nil
}
