package llm

import (
	"errors"
	"strings"
)

// Sentinel errors for the terminal taxonomy codes. Provider errors are
// wrapped with these so callers can errors.Is without string matching.
var (
	// ErrQuota marks quota exhaustion after failover was exhausted too.
	ErrQuota = errors.New("model quota exceeded")
	// ErrAuth marks a rejected credential.
	ErrAuth = errors.New("model authentication failed")
)

// TransientMarkers is the substring taxonomy for retryable transport
// faults. The pipeline's stage retry classifier builds on the same list
// so the two cannot drift.
var TransientMarkers = []string{
	"connection aborted",
	"connection refused",
	"timeout",
	"unavailable",
	"iocp",
	"socket",
	"503",
	"502",
	"504",
}

var quotaMarkers = []string{
	"resource exhausted",
	"429",
	"quota",
	"rate limit",
}

var authMarkers = []string{
	"401",
	"403",
	"unauthorized",
	"permission denied",
	"invalid api key",
	"invalid x-api-key",
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsTransient reports whether an error looks like a retryable transport
// fault. Classification is by substring; provider SDKs do not expose a
// stable typed taxonomy across both endpoints.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), TransientMarkers)
}

// IsQuota reports whether an error signals quota or rate-limit exhaustion.
func IsQuota(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuota) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), quotaMarkers)
}

// IsAuth reports whether an error signals a bad credential.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), authMarkers)
}
