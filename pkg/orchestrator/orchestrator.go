// Package orchestrator is the per-session conversational core. It owns
// the project context and the model conversation, routes the model's
// function calls to the pipeline and the cloud collaborators, and shapes
// the reply payload the gateway sends back to the client.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/servergem/servergem/pkg/cloudrun"
	"github.com/servergem/servergem/pkg/gitclient"
	"github.com/servergem/servergem/pkg/llm"
	"github.com/servergem/servergem/pkg/optimizer"
	"github.com/servergem/servergem/pkg/pipeline"
	"github.com/servergem/servergem/pkg/progress"
	"github.com/servergem/servergem/pkg/wire"
)

// Broker is the model conversation handle.
type Broker interface {
	Send(ctx context.Context, userMessage string) (*llm.Response, error)
	SendToolResponse(ctx context.Context, call *llm.ToolCall, payload map[string]any) (*llm.Response, error)
	Reset()
	SetNote(llm.NoteFunc)
}

// Engine runs the deployment pipeline stages.
type Engine interface {
	CloneAndAnalyze(ctx context.Context, bus *progress.Bus, repoURL, branch string) (*pipeline.Analysis, error)
	Deploy(ctx context.Context, bus *progress.Bus, req pipeline.DeployRequest) (*pipeline.DeployOutcome, error)
}

// RepoLister is the repository-listing slice of the git collaborator.
type RepoLister interface {
	ValidateToken(ctx context.Context) error
	ListRepositories(ctx context.Context) ([]gitclient.Repository, error)
}

// LogReader fetches deployed-service logs.
type LogReader interface {
	ServiceLogs(ctx context.Context, service string, limit int) ([]cloudrun.LogEntry, error)
}

// shortCommands are literals that, with an analyzed working copy in
// context, get the minimal "ready" prefix instead of the full context
// block. This biases the model toward calling deploy, not clone.
var shortCommands = map[string]bool{
	"deploy": true, "yes": true, "no": true, "skip": true,
	"proceed": true, "continue": true, "ok": true, "okay": true,
	"start": true, "go": true,
}

// Orchestrator is one session's conversational core. All methods are
// safe for concurrent use, though the gateway serializes Process calls
// per session.
type Orchestrator struct {
	sessionID string
	broker    Broker
	engine    Engine
	repos     RepoLister
	logs      LogReader
	logger    *slog.Logger

	project *ProjectContext

	mu           sync.Mutex
	busy         bool
	lastActivity time.Time
}

// New wires an orchestrator for one session. repos and logs may be nil;
// the corresponding functions then report a configuration error.
func New(sessionID string, broker Broker, engine Engine, repos RepoLister, logs LogReader) *Orchestrator {
	return &Orchestrator{
		sessionID:    sessionID,
		broker:       broker,
		engine:       engine,
		repos:        repos,
		logs:         logs,
		logger:       slog.Default().With("component", "orchestrator", "session_id", sessionID),
		project:      NewProjectContext(),
		lastActivity: time.Now(),
	}
}

// Project exposes the session's project context.
func (o *Orchestrator) Project() *ProjectContext { return o.project }

// SessionID returns the owning session id.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Busy reports whether a Process call (and possibly a pipeline) is
// running. The sweeper never evicts a busy orchestrator.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busy
}

// LastActivity is the time of the most recent Process call.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

// Touch refreshes the activity clock, e.g. on reconnect.
func (o *Orchestrator) Touch() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastActivity = time.Now()
}

// SetNote routes model progress notes (retry/failover notices) to the
// currently bound transport. The gateway rebinds it on every turn.
func (o *Orchestrator) SetNote(note func(message string)) {
	o.broker.SetNote(note)
}

// SetGitHubToken swaps the git credential when the client sends a fresh
// token in message metadata.
func (o *Orchestrator) SetGitHubToken(token string) {
	if token == "" {
		return
	}
	if ts, ok := o.repos.(interface{ SetToken(string) }); ok {
		ts.SetToken(token)
	}
}

// ResetConversation discards the chat history and project context.
func (o *Orchestrator) ResetConversation() {
	o.broker.Reset()
	o.project.Reset()
}

// Process runs one conversational turn: context injection, a model turn,
// at most one function call, and the closing model turn. The returned
// payload is ready for the gateway to frame; a non-nil error is a model
// failure the gateway maps to an error frame via ErrorFrame.
func (o *Orchestrator) Process(ctx context.Context, userMessage string, bus *progress.Bus) (*wire.ChatPayload, error) {
	o.mu.Lock()
	o.busy = true
	o.lastActivity = time.Now()
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.busy = false
		o.lastActivity = time.Now()
		o.mu.Unlock()
	}()

	if bus == nil {
		bus = progress.NewBus("", progress.Discard)
	}

	resp, err := o.broker.Send(ctx, o.composePrompt(userMessage))
	if err != nil {
		return nil, err
	}

	if resp.ToolCall == nil {
		content := resp.Text
		if content == "" {
			content = "I received your message but couldn't generate a response. Please try again."
		}
		return &wire.ChatPayload{Content: content}, nil
	}

	o.logger.Info("function call", "name", resp.ToolCall.Name, "deployment_id", bus.DeploymentID())
	payload, modelResult := o.route(ctx, resp.ToolCall, bus)

	final, err := o.broker.SendToolResponse(ctx, resp.ToolCall, modelResult)
	if err != nil {
		// The function already ran; its payload is the truthful account.
		o.logger.Warn("closing model turn failed, returning function result", "error", err)
		return payload, nil
	}
	// A warning payload carries the service URL and health error; the
	// model's closing prose must not displace them.
	if final.Text != "" && payload.Intent != "warning" {
		payload.Content = final.Text
	}
	return payload, nil
}

// composePrompt injects the project context ahead of the user message.
func (o *Orchestrator) composePrompt(userMessage string) string {
	trimmed := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(userMessage), "!")))
	if shortCommands[trimmed] && o.project.WorkingCopy() != "" {
		return o.project.ReadyPrefix() + "\n\nUser: " + userMessage
	}
	if prefix := o.project.Prefix(); prefix != "" {
		return prefix + "\n\nUser: " + userMessage
	}
	return userMessage
}

// route dispatches one function call. It returns the client payload and
// the structured result handed back to the model.
func (o *Orchestrator) route(ctx context.Context, call *llm.ToolCall, bus *progress.Bus) (*wire.ChatPayload, map[string]any) {
	switch call.Name {
	case llm.ToolCloneAndAnalyze:
		// Anti-reclone: one working copy per session. The context prefix
		// already discourages this; the routing boundary enforces it.
		if o.project.WorkingCopy() != "" {
			return o.alreadyAnalyzed()
		}
		return o.handleCloneAndAnalyze(ctx, call, bus)
	case llm.ToolDeploy:
		return o.handleDeploy(ctx, call, bus)
	case llm.ToolListRepos:
		return o.handleListRepos(ctx)
	case llm.ToolGetLogs:
		return o.handleGetLogs(ctx, call)
	default:
		return &wire.ChatPayload{
				Content: fmt.Sprintf("Unknown function: %s", call.Name),
				Intent:  "error",
			}, map[string]any{
				"success": false,
				"error":   "unknown function " + call.Name,
			}
	}
}

func (o *Orchestrator) alreadyAnalyzed() (*wire.ChatPayload, map[string]any) {
	payload := &wire.ChatPayload{
		Content: "This repository is already cloned and analyzed. Say **deploy** to ship it, or reset the session to start over.",
		Actions: []wire.Action{{ID: "deploy", Label: "Deploy to Cloud Run"}},
	}
	return payload, map[string]any{
		"success":      true,
		"status":       "already_analyzed",
		"project_path": o.project.WorkingCopy(),
		"note":         "Repository was already analyzed in this session. Call deploy_to_cloudrun instead of analyzing again.",
	}
}

func (o *Orchestrator) handleCloneAndAnalyze(ctx context.Context, call *llm.ToolCall, bus *progress.Bus) (*wire.ChatPayload, map[string]any) {
	repoURL := call.StringArg("repo_url")
	branch := call.StringArg("branch")
	if repoURL == "" {
		return &wire.ChatPayload{
				Content: "I need a GitHub repository URL to analyze. Please paste one like https://github.com/user/repo.",
				Intent:  "error",
			}, map[string]any{"success": false, "error": "repo_url missing"}
	}

	analysis, err := o.engine.CloneAndAnalyze(ctx, bus, repoURL, branch)
	if err != nil {
		content := fmt.Sprintf("**Failed to analyze repository**\n\n%s\n\nPlease check:\n- The repository URL is correct\n- You have access to the repository\n- The GitHub token has proper permissions", err)
		return &wire.ChatPayload{Content: content, Intent: "error"},
			map[string]any{"success": false, "error": err.Error()}
	}

	o.project.RecordAnalysis(repoURL, branch, analysis.WorkingCopy, analysis.Result)

	payload := &wire.ChatPayload{
		Content: formatAnalysis(repoURL, analysis),
		Intent:  "analysis",
		Actions: []wire.Action{
			{ID: "deploy", Label: "Deploy to Cloud Run"},
			{ID: "view_dockerfile", Label: "View Dockerfile"},
			{ID: "configure_env", Label: "Configure Env Vars"},
		},
		Data: map[string]any{
			"analysis":   analysis.Result,
			"dockerfile": analysis.Recipe.Dockerfile,
			"resources":  analysis.Resources,
			"cost":       analysis.Cost,
		},
	}

	// Ask the client for env values when the repo declares names and
	// nothing has been uploaded yet.
	if total, _ := o.project.EnvCounts(); total == 0 && len(analysis.Result.EnvVars) > 0 {
		payload.RequestEnvVars = true
		payload.DetectedEnvVars = analysis.Result.EnvVars
	}

	return payload, map[string]any{
		"success":      true,
		"project_path": analysis.WorkingCopy,
		"framework":    analysis.Result.Framework,
		"language":     analysis.Result.Language,
		"entry_point":  analysis.Result.EntryPoint,
		"port":         analysis.Result.Port,
		"env_vars":     analysis.Result.EnvVars,
	}
}

func (o *Orchestrator) handleDeploy(ctx context.Context, call *llm.ToolCall, bus *progress.Bus) (*wire.ChatPayload, map[string]any) {
	workingCopy := o.project.WorkingCopy()
	if workingCopy == "" {
		// The model may hallucinate a path; context is authoritative.
		return &wire.ChatPayload{
				Content: "**No repository analyzed yet**\n\nPlease provide a GitHub repository URL first.",
				Intent:  "error",
			}, map[string]any{"success": false, "error": "no repository analyzed in this session"}
	}
	if _, err := os.Stat(workingCopy); err != nil {
		return &wire.ChatPayload{
				Content: "The analyzed working copy is no longer on disk (the session may have been idle for a while). Please re-analyze the repository.",
				Intent:  "error",
			}, map[string]any{"success": false, "error": "working copy expired; re-analysis required"}
	}

	service := cloudrun.SanitizeServiceName(call.StringArg("service_name"))
	if call.StringArg("service_name") == "" {
		service = cloudrun.ServiceNameFromRepo(o.project.RepoURL())
	}

	resources := optimizer.ConfigFor(o.project.Framework())
	req := pipeline.DeployRequest{
		DeploymentID: bus.DeploymentID(),
		RepoURL:      o.project.RepoURL(),
		WorkingCopy:  workingCopy,
		Service:      service,
		EnvVars:      o.project.EnvValues(),
		Resources:    resources,
		UserID:       o.sessionID,
	}

	outcome, err := o.engine.Deploy(ctx, bus, req)
	if err != nil {
		content := fmt.Sprintf("**Deployment failed**\n\n%s", err)
		return &wire.ChatPayload{Content: content, Intent: "error"},
			map[string]any{"success": false, "error": err.Error()}
	}

	o.project.RecordDeployment(service, outcome.Service.ServiceURL, req.DeploymentID)
	cost := optimizer.EstimateMonthlyCost(resources, 100_000)

	payload := &wire.ChatPayload{
		Content:       formatDeployment(service, req.DeploymentID, outcome, resources, cost),
		Intent:        "deployment_complete",
		DeploymentURL: outcome.Service.ServiceURL,
		Actions:       []wire.Action{{ID: "view_logs", Label: "View Logs"}},
		Data: map[string]any{
			"service_url":   outcome.Service.ServiceURL,
			"image_tag":     outcome.ImageTag,
			"deployment_id": req.DeploymentID,
			"configuration": resources,
			"cost_estimate": cost,
			"healthy":       outcome.Health.Healthy,
		},
	}
	if outcome.HealthWarning != "" {
		// Deployed but unverified: the frame itself is a warning, with
		// the URL and the recorded health error on board.
		payload.Intent = "warning"
		payload.Data["health_warning"] = outcome.HealthWarning
		payload.Data["health_error"] = outcome.Health.Error
	}

	return payload, map[string]any{
		"success":      true,
		"service_name": service,
		"service_url":  outcome.Service.ServiceURL,
		"healthy":      outcome.Health.Healthy,
	}
}

func (o *Orchestrator) handleListRepos(ctx context.Context) (*wire.ChatPayload, map[string]any) {
	if o.repos == nil {
		return &wire.ChatPayload{
				Content: "**GitHub is not configured**\n\nSet the GITHUB_TOKEN environment variable to list repositories.",
				Intent:  "error",
			}, map[string]any{"success": false, "error": "github not configured"}
	}
	if err := o.repos.ValidateToken(ctx); err != nil {
		content := fmt.Sprintf("**GitHub token invalid**\n\n%s\n\nSet the GITHUB_TOKEN environment variable. Tokens: https://github.com/settings/tokens", err)
		return &wire.ChatPayload{Content: content, Intent: "error"},
			map[string]any{"success": false, "error": err.Error()}
	}

	repos, err := o.repos.ListRepositories(ctx)
	if err != nil {
		return &wire.ChatPayload{
				Content: fmt.Sprintf("**Failed to list repositories**\n\n%s", err),
				Intent:  "error",
			}, map[string]any{"success": false, "error": err.Error()}
	}
	if len(repos) == 0 {
		return &wire.ChatPayload{
				Content: "**No repositories found**\n\nCreate a repository on GitHub first, then try again.",
			}, map[string]any{"success": true, "repositories": []string{}}
	}

	names := make([]string, 0, len(repos))
	for _, r := range repos {
		names = append(names, r.FullName)
	}
	payload := &wire.ChatPayload{
		Content: formatRepoList(repos),
		Data:    map[string]any{"repositories": repos},
	}
	return payload, map[string]any{"success": true, "repositories": names}
}

func (o *Orchestrator) handleGetLogs(ctx context.Context, call *llm.ToolCall) (*wire.ChatPayload, map[string]any) {
	if o.logs == nil {
		return &wire.ChatPayload{
				Content: "**Cloud logging is not configured**\n\nThis is a platform configuration issue.",
				Intent:  "error",
			}, map[string]any{"success": false, "error": "log reader not configured"}
	}

	service := call.StringArg("service_name")
	if service == "" {
		service = o.project.DeployedService()
	}
	if service == "" {
		return &wire.ChatPayload{
				Content: "Which service's logs would you like? Nothing has been deployed in this session yet.",
			}, map[string]any{"success": false, "error": "no service name"}
	}
	limit := call.IntArg("limit", 50)

	entries, err := o.logs.ServiceLogs(ctx, service, limit)
	if err != nil {
		return &wire.ChatPayload{
				Content: fmt.Sprintf("**Failed to fetch logs**\n\n%s", err),
				Intent:  "error",
			}, map[string]any{"success": false, "error": err.Error()}
	}
	if len(entries) == 0 {
		return &wire.ChatPayload{
				Content: fmt.Sprintf("**No logs found for %s**\n\nThe service may not have received traffic yet.", service),
			}, map[string]any{"success": true, "log_count": 0}
	}

	payload := &wire.ChatPayload{
		Content: formatLogs(service, entries),
		Data:    map[string]any{"log_count": len(entries)},
	}
	return payload, map[string]any{"success": true, "log_count": len(entries)}
}

// ErrorFrame maps a Process error to the closed wire error taxonomy.
func ErrorFrame(err error) wire.OutboundFrame {
	switch {
	case errors.Is(err, llm.ErrQuota):
		return wire.Error(
			"The model quota is exhausted on every configured endpoint. Please try again later or configure a backup model key.",
			wire.CodeQuotaExceeded)
	case errors.Is(err, llm.ErrAuth):
		return wire.Error(
			"The model rejected the configured API key. Please check the model credentials.",
			wire.CodeInvalidAPIKey)
	default:
		return wire.Error(
			"Something went wrong talking to the model. Please try again.",
			wire.CodeAPIError)
	}
}
