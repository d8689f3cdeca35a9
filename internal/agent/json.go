package agent

import "strings"

// ExtractJSON pulls a JSON payload out of model output that may wrap it in
// markdown code fences or surrounding prose.
func ExtractJSON(s string) string {
	// Look for ```json or ``` code blocks
	if start := strings.Index(s, "```json"); start != -1 {
		start += 7
		if end := strings.Index(s[start:], "```"); end != -1 {
			return strings.TrimSpace(s[start : start+end])
		}
	}
	if start := strings.Index(s, "```"); start != -1 {
		start += 3
		if end := strings.Index(s[start:], "```"); end != -1 {
			content := strings.TrimSpace(s[start : start+end])
			// Skip language identifier line if present
			if idx := strings.Index(content, "\n"); idx != -1 {
				content = content[idx+1:]
			}
			return strings.TrimSpace(content)
		}
	}
	// Fall back to the outermost brace pair.
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end > start {
			return strings.TrimSpace(s[start : end+1])
		}
	}
	return strings.TrimSpace(s)
}
