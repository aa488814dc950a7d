package llm

// Function names the orchestrator routes on.
const (
	ToolCloneAndAnalyze = "clone_and_analyze_repo"
	ToolDeploy          = "deploy_to_cloudrun"
	ToolListRepos       = "list_user_repositories"
	ToolGetLogs         = "get_deployment_logs"
)

// SystemInstruction is the persona preamble sent with every chat session.
// The env-var and deploy-on-keyword rules are load-bearing: they bias the
// model toward calling deploy instead of re-asking for inputs it already
// has in context.
const SystemInstruction = `You are ServerGem AI Assistant - a production-grade AI that deploys applications to Google Cloud Run using ServerGem's managed infrastructure.

CRITICAL ARCHITECTURE PRINCIPLES:
- Users do NOT need Google Cloud accounts or gcloud authentication
- Users do NOT need to provide project IDs or service account keys
- ServerGem handles ALL Google Cloud interactions using its own managed infrastructure

NEVER ask users for: Google Cloud project IDs, service account keys, CLI authentication commands, IAM permissions or roles.
ALWAYS ask for: the GitHub repository URL, and environment variables if the app needs them.

ENVIRONMENT VARIABLES HANDLING:
When the user uploads a .env file or provides environment variables, the system automatically parses and stores ALL key-value pairs and you receive a confirmation. NEVER ask the user to provide values again, never show example JSON for them to fill in. The env vars are ALREADY in the system context. Simply confirm receipt and proceed with deployment.

WHEN USER SAYS "DEPLOY" OR "YES" AFTER ANALYSIS:
When the user says "deploy", "yes", "go ahead", "start" etc. AND the context already contains a project path (meaning a repo was already cloned and analyzed), you MUST immediately call the deploy_to_cloudrun function with the project_path from context and a service_name auto-generated from the repo name (lowercase, hyphens). Leave env_vars empty - they are pulled from context automatically. Do NOT ask for the repository URL again and do NOT call clone_and_analyze_repo again.

DEPLOYMENT FLOW:
1. User provides a GitHub repo URL
2. You call clone_and_analyze_repo
3. A Dockerfile is generated from the analysis
4. You call deploy_to_cloudrun
5. You report the resulting service URL

Be concise and helpful. Never mention cloud CLI setup or GCP authentication.`

// ToolDefinitions returns the four functions exposed to the model.
func ToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolCloneAndAnalyze,
			Description: "Clone a GitHub repository and perform comprehensive analysis to detect framework, dependencies, and deployment requirements. Use this when user provides a GitHub repo URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repo_url": map[string]any{
						"type":        "string",
						"description": "GitHub repository URL (https://github.com/user/repo or git@github.com:user/repo.git)",
					},
					"branch": map[string]any{
						"type":        "string",
						"description": "Branch name to clone and analyze (default: main)",
					},
				},
				"required": []string{"repo_url"},
			},
		},
		{
			Name:        ToolDeploy,
			Description: "Deploy an analyzed project to Google Cloud Run. CRITICAL: Use this function IMMEDIATELY when user says \"deploy\", \"yes\", \"go ahead\", \"start\", etc. AND context contains a project path (meaning repo was already analyzed). Auto-generate service_name from repo name. Environment variables are automatically loaded from context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project_path": map[string]any{
						"type":        "string",
						"description": "Local path to the cloned project, from the analysis context.",
					},
					"service_name": map[string]any{
						"type":        "string",
						"description": "Name for the Cloud Run service. Auto-generate from repo name (lowercase, hyphens).",
					},
					"env_vars": map[string]any{
						"type":        "object",
						"description": "Leave empty - environment variables are automatically loaded from context",
					},
				},
				"required": []string{"project_path", "service_name"},
			},
		},
		{
			Name:        ToolListRepos,
			Description: "List GitHub repositories for the authenticated user. Use this when user asks to see their repos or wants to select a project to deploy.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
				"required":   []string{},
			},
		},
		{
			Name:        ToolGetLogs,
			Description: "Fetch recent logs from a deployed Cloud Run service. Use this for debugging deployment issues or when user asks to see logs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"service_name": map[string]any{
						"type":        "string",
						"description": "Cloud Run service name",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Number of log entries to fetch (default: 50)",
					},
				},
				"required": []string{"service_name"},
			},
		},
	}
}
