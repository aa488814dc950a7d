package llm

import "strings"

// StripCodeFences removes a surrounding markdown code fence from model
// output. Models wrap structured answers in ```json / ``` blocks even
// when told not to.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		// A language tag may follow the opening fence.
		if nl := strings.Index(s, "\n"); nl >= 0 && !strings.ContainsAny(s[:nl], " {}[]") {
			s = s[nl+1:]
		}
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}
	return s
}
