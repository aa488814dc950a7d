package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/servergem/servergem/pkg/cloudrun"
	"github.com/servergem/servergem/pkg/gitclient"
	"github.com/servergem/servergem/pkg/optimizer"
	"github.com/servergem/servergem/pkg/pipeline"
)

func formatAnalysis(repoURL string, analysis *pipeline.Analysis) string {
	a := analysis.Result
	repoName := repoURL
	if i := strings.LastIndex(repoURL, "/"); i >= 0 {
		repoName = repoURL[i+1:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Analysis Complete: %s**\n\n", repoName)
	fmt.Fprintf(&b, "**Framework:** %s (%s)\n", a.Framework, a.Language)
	if a.EntryPoint != "" {
		fmt.Fprintf(&b, "**Entry Point:** `%s`\n", a.EntryPoint)
	}
	fmt.Fprintf(&b, "**Dependencies:** %d packages\n", len(a.Dependencies))
	fmt.Fprintf(&b, "**Port:** %d\n", a.Port)
	if a.Database != "" {
		fmt.Fprintf(&b, "**Database:** %s\n", a.Database)
	}
	if len(a.EnvVars) > 0 {
		fmt.Fprintf(&b, "**Environment Variables:** %d detected\n", len(a.EnvVars))
	}

	b.WriteString("\n**Dockerfile Generated**\n")
	for _, opt := range firstN(analysis.Recipe.Optimizations, 4) {
		fmt.Fprintf(&b, "- %s\n", opt)
	}

	if len(a.Recommendations) > 0 {
		b.WriteString("\n**Recommendations:**\n")
		for _, rec := range firstN(a.Recommendations, 3) {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	if len(a.Warnings) > 0 {
		b.WriteString("\n**Warnings:**\n")
		for _, w := range firstN(a.Warnings, 2) {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	b.WriteString("\nReady to deploy to Cloud Run! Would you like me to proceed?")
	return b.String()
}

func formatDeployment(service, deploymentID string, outcome *pipeline.DeployOutcome, cfg optimizer.ResourceConfig, cost optimizer.CostEstimate) string {
	var b strings.Builder
	b.WriteString("**Deployment Successful!**\n\n")
	fmt.Fprintf(&b, "Your service is now live at:\n**%s**\n\n", outcome.Service.ServiceURL)
	fmt.Fprintf(&b, "**Service:** %s\n", service)
	fmt.Fprintf(&b, "**Deployment ID:** `%s`\n", deploymentID)

	b.WriteString("\n**Performance:**\n")
	if outcome.Build != nil {
		fmt.Fprintf(&b, "- Build: %s\n", outcome.Build.Duration.Round(time.Second))
	}
	fmt.Fprintf(&b, "- Deploy: %s\n", outcome.Service.Duration.Round(time.Second))
	fmt.Fprintf(&b, "- Total: %s\n", outcome.Record.TotalDuration().Round(time.Second))

	b.WriteString("\n**Configuration:**\n")
	fmt.Fprintf(&b, "- CPU: %s vCPU\n", cfg.CPU)
	fmt.Fprintf(&b, "- Memory: %s\n", cfg.Memory)
	fmt.Fprintf(&b, "- Concurrency: %d requests\n", cfg.Concurrency)
	fmt.Fprintf(&b, "- Auto-scaling: %d-%d instances\n", cfg.MinInstances, cfg.MaxInstances)

	fmt.Fprintf(&b, "\n**Estimated Cost (100k requests/month):** $%.2f USD\n", cost.TotalMonthly)

	if outcome.Health.Healthy {
		b.WriteString("\nHealth checks passed. HTTPS and auto-scaling are active.")
	} else if outcome.HealthWarning != "" {
		b.WriteString("\n**Warning:** " + outcome.HealthWarning)
		if outcome.Health.Error != "" {
			fmt.Fprintf(&b, "\nLast health check error: %s", outcome.Health.Error)
		}
	}

	b.WriteString("\n\nWhat would you like to do next?")
	return b.String()
}

func formatRepoList(repos []gitclient.Repository) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Your GitHub Repositories** (%d total)\n\n", len(repos))

	for i, repo := range firstN(repos, 10) {
		lang := repo.Language
		if lang == "" {
			lang = "Unknown"
		}
		visibility := "Public"
		if repo.Private {
			visibility = "Private"
		}
		desc := repo.Description
		if desc == "" {
			desc = "No description"
		}
		if len(desc) > 60 {
			desc = desc[:60] + "..."
		}
		fmt.Fprintf(&b, "**%d. %s** (%s)\n   %s\n   %s\n", i+1, repo.Name, lang, desc, visibility)
	}

	b.WriteString("\nWhich repository would you like to deploy? Just tell me the name or paste the URL!")
	return b.String()
}

func formatLogs(service string, entries []cloudrun.LogEntry) string {
	shown := entries
	if len(shown) > 20 {
		shown = shown[:20]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Logs for %s**\n\n```\n", service)
	for _, e := range shown {
		fmt.Fprintf(&b, "%s %-8s %s\n", e.Timestamp.Format(time.RFC3339), e.Severity, e.Message)
	}
	fmt.Fprintf(&b, "```\n\nShowing %d of %d entries", len(shown), len(entries))
	return b.String()
}

func firstN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
