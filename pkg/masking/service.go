// Package masking scrubs secret material from text before it reaches a
// log line or a progress frame. Two layers: built-in regex patterns for
// common credential shapes, and exact-value patterns registered at
// runtime for env vars the user flagged as secret.
package masking

import (
	"log/slog"
	"regexp"
	"sync"
)

// CompiledPattern holds a pre-compiled regex with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns cover credential shapes that show up in repo files and
// provider error messages regardless of what the user registered.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"api_key_assignment", `(?i)((?:api[_-]?key|apikey|secret[_-]?key|access[_-]?token|auth[_-]?token)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-./+]{8,}`, "${1}***MASKED***"},
	{"bearer_token", `(?i)(bearer\s+)[A-Za-z0-9_\-./+=]{8,}`, "${1}***MASKED***"},
	{"basic_auth_url", `(https?://[^:/\s]+:)[^@/\s]+@`, "${1}***MASKED***@"},
	{"google_api_key", `AIza[0-9A-Za-z_\-]{35}`, "***MASKED***"},
	{"github_token", `gh[pousr]_[A-Za-z0-9]{20,}`, "***MASKED***"},
	{"private_key_block", `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "***MASKED PRIVATE KEY***"},
}

// Service applies masking to outbound text. Thread-safe; registered
// values may be added while sessions are live.
type Service struct {
	mu       sync.RWMutex
	patterns []*CompiledPattern
	values   map[string]bool // registered secret values, exact match
}

// NewService compiles the built-in patterns. Invalid patterns are logged
// and skipped rather than failing startup.
func NewService() *Service {
	s := &Service{values: make(map[string]bool)}
	for _, p := range builtinPatterns {
		compiled, err := regexp.Compile(p.pattern)
		if err != nil {
			slog.Error("failed to compile builtin masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        p.name,
			Regex:       compiled,
			Replacement: p.replacement,
		})
	}
	return s
}

// RegisterSecret adds an exact value to mask wherever it appears. Values
// shorter than 4 bytes are ignored: masking them would shred ordinary
// text on false positives.
func (s *Service) RegisterSecret(value string) {
	if len(value) < 4 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[value] {
		return
	}
	s.values[value] = true
	s.patterns = append(s.patterns, &CompiledPattern{
		Name:        "registered_secret",
		Regex:       regexp.MustCompile(regexp.QuoteMeta(value)),
		Replacement: "***MASKED***",
	})
}

// Mask scrubs all registered and built-in patterns from the text.
func (s *Service) Mask(text string) string {
	if text == "" {
		return text
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// MaskDetails scrubs string values of a details map in place-safe copy.
func (s *Service) MaskDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if str, ok := v.(string); ok {
			out[k] = s.Mask(str)
		} else {
			out[k] = v
		}
	}
	return out
}
