package pipeline

import (
	"regexp"
	"strings"
)

// Finding is one advisory observation about a Dockerfile. Findings are
// surfaced as build-stage notes and never fail the pipeline.
type Finding struct {
	Severity string // "warning" or "info"
	Message  string
}

var secretEnvPattern = regexp.MustCompile(`(?i)^\s*(?:ENV|ARG)\s+\S*(SECRET|TOKEN|PASSWORD|API_?KEY|CREDENTIAL)\S*[= ]\s*\S+`)

// ScanDockerfile runs lightweight checks over a Dockerfile: root user,
// hardcoded secret-looking values, and remote ADD sources.
func ScanDockerfile(content string) []Finding {
	var findings []Finding

	sawUser := false
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "USER "):
			sawUser = true
			if strings.TrimSpace(line[5:]) == "root" {
				findings = append(findings, Finding{
					Severity: "warning",
					Message:  "Dockerfile switches to the root user explicitly",
				})
			}
		case secretEnvPattern.MatchString(line):
			findings = append(findings, Finding{
				Severity: "warning",
				Message:  "Dockerfile appears to hardcode a secret value; prefer runtime env vars",
			})
		case strings.HasPrefix(upper, "ADD HTTP://") || strings.HasPrefix(upper, "ADD HTTPS://"):
			findings = append(findings, Finding{
				Severity: "info",
				Message:  "Dockerfile fetches a remote URL with ADD; contents are not pinned",
			})
		}
	}

	if !sawUser {
		findings = append(findings, Finding{
			Severity: "info",
			Message:  "Dockerfile does not set a non-root USER; the container will run as root",
		})
	}
	return findings
}
