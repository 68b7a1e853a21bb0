package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON unmarshals the first JSON object or array found in an LLM
// response into out. Models frequently wrap JSON in markdown fences or
// surround it with prose; both are tolerated.
func ExtractJSON(content string, out any) error {
	raw := strings.TrimSpace(content)

	// Strip a markdown code fence if present.
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if idx := strings.LastIndex(raw, "```"); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
	}

	// Fall back to scanning for the outermost object or array.
	if !strings.HasPrefix(raw, "{") && !strings.HasPrefix(raw, "[") {
		start := strings.IndexAny(raw, "{[")
		if start < 0 {
			return fmt.Errorf("no JSON payload found in response")
		}
		end := strings.LastIndexAny(raw, "}]")
		if end < start {
			return fmt.Errorf("unterminated JSON payload in response")
		}
		raw = raw[start : end+1]
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to parse JSON from response: %w", err)
	}
	return nil
}
