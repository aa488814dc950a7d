package cloudrun

import (
	"fmt"
	"strings"
)

const maxServiceNameLength = 63

// ServiceNameFromRepo derives a valid Cloud Run service name from a
// repository URL: the last path segment, stripped of .git, lowercased
// and hyphenated.
func ServiceNameFromRepo(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimSpace(repoURL), "/")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(s, ".git")
	return SanitizeServiceName(s)
}

// SanitizeServiceName coerces a name into the platform rules: lowercase
// letters, digits and hyphens, starting with a letter, at most 63
// characters, not ending in a hyphen.
func SanitizeServiceName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '-' || c == '_' || c == ' ' || c == '.':
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if s == "" || s[0] < 'a' || s[0] > 'z' {
		s = "app-" + s
		s = strings.TrimSuffix(s, "-")
	}
	if len(s) > maxServiceNameLength {
		s = strings.TrimRight(s[:maxServiceNameLength], "-")
	}
	return s
}

// ValidateServiceName reports why a name is not deployable, or nil.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name is empty")
	}
	if len(name) > maxServiceNameLength {
		return fmt.Errorf("service name exceeds %d characters", maxServiceNameLength)
	}
	if name[0] < 'a' || name[0] > 'z' {
		return fmt.Errorf("service name must start with a lowercase letter")
	}
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return fmt.Errorf("service name may only contain lowercase letters, digits, and hyphens")
	}
	if name[len(name)-1] == '-' {
		return fmt.Errorf("service name must not end with a hyphen")
	}
	return nil
}
