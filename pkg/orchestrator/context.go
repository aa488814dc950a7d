package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/servergem/servergem/pkg/analyzer"
)

// EnvVar is one stored environment variable. Secret values are masked
// on every output path.
type EnvVar struct {
	Value  string
	Secret bool
}

// ProjectContext is the per-session deployment state: what was cloned,
// what the analysis found, what the user uploaded, and what got
// deployed. A non-empty WorkingCopy is the authoritative signal that
// analysis already succeeded.
type ProjectContext struct {
	mu sync.Mutex

	repoURL          string
	branch           string
	workingCopy      string
	framework        string
	language         string
	analysis         *analyzer.Result
	envVars          map[string]EnvVar
	deployedService  string
	deploymentURL    string
	lastDeploymentID string
}

// NewProjectContext returns an empty context.
func NewProjectContext() *ProjectContext {
	return &ProjectContext{envVars: make(map[string]EnvVar)}
}

// RecordAnalysis stores the outcome of a successful clone-and-analyze.
func (p *ProjectContext) RecordAnalysis(repoURL, branch, workingCopy string, a *analyzer.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repoURL = repoURL
	p.branch = branch
	p.workingCopy = workingCopy
	p.analysis = a
	p.framework = a.Framework
	p.language = a.Language
}

// RecordDeployment stores the outcome of a successful deploy.
func (p *ProjectContext) RecordDeployment(service, url, deploymentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deployedService = service
	p.deploymentURL = url
	p.lastDeploymentID = deploymentID
}

// SetEnvVars merges uploaded variables into the context.
func (p *ProjectContext) SetEnvVars(vars map[string]EnvVar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range vars {
		p.envVars[k] = v
	}
}

// EnvValues returns the plain key→value map handed to the deployment.
func (p *ProjectContext) EnvValues() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.envVars))
	for k, v := range p.envVars {
		out[k] = v.Value
	}
	return out
}

// EnvCounts reports how many variables are stored and how many of them
// are secret.
func (p *ProjectContext) EnvCounts() (total, secrets int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range p.envVars {
		if v.Secret {
			secrets++
		}
	}
	return len(p.envVars), secrets
}

// WorkingCopy returns the local path of the analyzed repository, empty
// when nothing has been analyzed yet.
func (p *ProjectContext) WorkingCopy() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workingCopy
}

// RepoURL returns the analyzed repository URL.
func (p *ProjectContext) RepoURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repoURL
}

// Framework returns the detected framework, empty before analysis.
func (p *ProjectContext) Framework() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framework
}

// Analysis returns the stored analysis snapshot, nil before analysis.
func (p *ProjectContext) Analysis() *analyzer.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.analysis
}

// DeployedService returns the last deployed service name.
func (p *ProjectContext) DeployedService() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deployedService
}

// Reset clears everything. The owning session survives.
func (p *ProjectContext) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repoURL = ""
	p.branch = ""
	p.workingCopy = ""
	p.framework = ""
	p.language = ""
	p.analysis = nil
	p.envVars = make(map[string]EnvVar)
	p.deployedService = ""
	p.deploymentURL = ""
	p.lastDeploymentID = ""
}

// Prefix renders the compact context block prepended to model prompts.
// Secret values never appear here, only counts.
func (p *ProjectContext) Prefix() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var parts []string
	if p.framework != "" {
		parts = append(parts, "Framework: "+p.framework)
	}
	if p.language != "" {
		parts = append(parts, "Language: "+p.language)
	}
	if p.deployedService != "" {
		parts = append(parts, "Deployed Service: "+p.deployedService)
	}
	if p.workingCopy != "" {
		parts = append(parts, "Project Path: "+p.workingCopy)
	}
	if len(p.envVars) > 0 {
		secrets := 0
		for _, v := range p.envVars {
			if v.Secret {
				secrets++
			}
		}
		parts = append(parts, fmt.Sprintf("Environment Variables: %d variables provided (%d secrets)", len(p.envVars), secrets))
		parts = append(parts, "IMPORTANT: env vars are ALREADY stored - do not ask the user for them again")
	}

	if len(parts) == 0 {
		return ""
	}
	return "Current project context: " + strings.Join(parts, ", ")
}

// ReadyPrefix is the minimal marker injected for short deploy commands:
// just enough for the model to call deploy with the stored path.
func (p *ProjectContext) ReadyPrefix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("Context: repository already cloned and analyzed. project_path=%s. Ready to deploy.", p.workingCopy)
}
