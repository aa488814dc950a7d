// Package config loads process configuration from the environment.
// Every numeric default here is normative for the test suite; deployments
// override via env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration.
type Config struct {
	HTTPPort string `validate:"required"`

	// Cloud target
	GoogleCloudProject string `validate:"required"`
	GoogleCloudRegion  string `validate:"required"`
	ArtifactRegistry   string `validate:"required"`

	// Default Git credential; per-session tokens may override.
	GitHubToken string

	LLM      LLMConfig
	Timeouts TimeoutConfig
}

// LLMConfig holds the primary and backup model endpoints. The backup is
// optional; without it, quota exhaustion is terminal.
type LLMConfig struct {
	AnthropicAPIKey string `validate:"required"`
	AnthropicModel  string `validate:"required"`

	BackupAPIKey  string
	BackupBaseURL string
	BackupModel   string

	MaxTokens int64 `validate:"gt=0"`
}

// BackupConfigured reports whether a failover endpoint is available.
func (c LLMConfig) BackupConfigured() bool { return c.BackupAPIKey != "" }

// TimeoutConfig collects every timeout, interval, and retry count in one
// place. Zero values are never valid; Load fills defaults.
type TimeoutConfig struct {
	InitRead     time.Duration `validate:"gt=0"` // handshake: first frame must be init
	ReceiveIdle  time.Duration `validate:"gt=0"` // non-fatal read idle
	Heartbeat    time.Duration `validate:"gt=0"`
	SendRetries  int           `validate:"gt=0"`
	SendRetryGap time.Duration `validate:"gt=0"`

	LLMRetryAttempts int           `validate:"gt=0"`
	LLMRetryBase     time.Duration `validate:"gt=0"`

	StageRetries   int           `validate:"gt=0"`
	StageRetryBase time.Duration `validate:"gt=0"`
	BuildStage     time.Duration `validate:"gt=0"`
	DeployStage    time.Duration `validate:"gt=0"`
	HealthStage    time.Duration `validate:"gt=0"`

	HealthProbe       time.Duration `validate:"gt=0"`
	HealthMaxRetries  int           `validate:"gt=0"`
	HealthBackoffBase time.Duration `validate:"gt=0"`

	OperationPoll time.Duration `validate:"gt=0"`

	SweepInterval time.Duration `validate:"gt=0"`
	SweepGrace    time.Duration `validate:"gt=0"`
}

// DefaultTimeouts returns the built-in timing defaults.
func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		InitRead:     10 * time.Second,
		ReceiveIdle:  60 * time.Second,
		Heartbeat:    30 * time.Second,
		SendRetries:  3,
		SendRetryGap: 500 * time.Millisecond,

		LLMRetryAttempts: 3,
		LLMRetryBase:     1 * time.Second,

		StageRetries:   3,
		StageRetryBase: 1 * time.Second,
		BuildStage:     15 * time.Minute,
		DeployStage:    10 * time.Minute,
		HealthStage:    2 * time.Minute,

		HealthProbe:       30 * time.Second,
		HealthMaxRetries:  5,
		HealthBackoffBase: 2 * time.Second,

		OperationPoll: 3 * time.Second,

		SweepInterval: 1 * time.Hour,
		SweepGrace:    1 * time.Hour,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	t := DefaultTimeouts()
	t.InitRead = getEnvDuration("INIT_READ_TIMEOUT", t.InitRead)
	t.ReceiveIdle = getEnvDuration("RECEIVE_IDLE_TIMEOUT", t.ReceiveIdle)
	t.Heartbeat = getEnvDuration("HEARTBEAT_INTERVAL", t.Heartbeat)
	t.BuildStage = getEnvDuration("BUILD_STAGE_TIMEOUT", t.BuildStage)
	t.DeployStage = getEnvDuration("DEPLOY_STAGE_TIMEOUT", t.DeployStage)
	t.HealthStage = getEnvDuration("HEALTH_STAGE_TIMEOUT", t.HealthStage)
	t.SweepInterval = getEnvDuration("SWEEP_INTERVAL", t.SweepInterval)
	t.SweepGrace = getEnvDuration("SWEEP_GRACE", t.SweepGrace)
	t.HealthMaxRetries = getEnvInt("HEALTH_MAX_RETRIES", t.HealthMaxRetries)
	t.OperationPoll = getEnvDuration("OPERATION_POLL_INTERVAL", t.OperationPoll)

	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8000"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		GoogleCloudRegion:  getEnv("GOOGLE_CLOUD_REGION", "us-central1"),
		ArtifactRegistry:   getEnv("ARTIFACT_REGISTRY", "servergem"),
		GitHubToken:        os.Getenv("GITHUB_TOKEN"),
		LLM: LLMConfig{
			AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicModel:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
			BackupAPIKey:    os.Getenv("BACKUP_LLM_API_KEY"),
			BackupBaseURL:   getEnv("BACKUP_LLM_BASE_URL", "https://api.openai.com/v1"),
			BackupModel:     getEnv("BACKUP_LLM_MODEL", "gpt-4o-mini"),
			MaxTokens:       int64(getEnvInt("LLM_MAX_TOKENS", 4096)),
		},
		Timeouts: t,
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
