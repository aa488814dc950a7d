// Package pipeline drives the deployment stages in order, publishing
// every transition on the progress bus and recording truthful per-stage
// metrics. The engine owns no transport and no conversation state; it
// is handed a bus and collaborators and runs the stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/servergem/servergem/pkg/analyzer"
	"github.com/servergem/servergem/pkg/cloudbuild"
	"github.com/servergem/servergem/pkg/cloudrun"
	"github.com/servergem/servergem/pkg/config"
	"github.com/servergem/servergem/pkg/gitclient"
	"github.com/servergem/servergem/pkg/health"
	"github.com/servergem/servergem/pkg/llm"
	"github.com/servergem/servergem/pkg/optimizer"
	"github.com/servergem/servergem/pkg/progress"
	"github.com/servergem/servergem/pkg/recipe"
)

// Cloner fetches a repository into a local working copy.
type Cloner interface {
	Clone(ctx context.Context, repoURL, branch, destDir string, progress gitclient.ProgressFunc) (*gitclient.CloneResult, error)
}

// CodeAnalyzer classifies a working copy.
type CodeAnalyzer interface {
	Analyze(ctx context.Context, path string, note analyzer.NoteFunc) *analyzer.Result
}

// RecipeSynthesizer produces a containerization recipe for an analysis.
type RecipeSynthesizer interface {
	Synthesize(ctx context.Context, a *analyzer.Result, note func(string)) *recipe.Recipe
}

// Builder is the container build collaborator.
type Builder interface {
	VerifyProject(ctx context.Context) error
	CheckAPIs(ctx context.Context) ([]string, error)
	EnsureBucket(ctx context.Context) (bool, error)
	EnsureRepository(ctx context.Context) (bool, error)
	UploadSource(ctx context.Context, dir, object string) (int, error)
	SubmitBuild(ctx context.Context, object, imageTag string, timeout time.Duration) (string, error)
	PollBuild(ctx context.Context, buildID, imageTag string, note func(string)) (*cloudbuild.BuildResult, error)
	ImageTag(image string) string
}

// Deployer rolls out a built image as a service.
type Deployer interface {
	Deploy(ctx context.Context, spec cloudrun.DeploySpec, note func(string)) (*cloudrun.DeployResult, error)
}

// HealthWaiter probes a deployed service until it answers.
type HealthWaiter interface {
	Wait(ctx context.Context, serviceURL string, note func(string)) health.Result
}

// Deps are the engine's collaborators. All are required except Health,
// which defaults to a standard verifier.
type Deps struct {
	Cloner      Cloner
	Analyzer    CodeAnalyzer
	Synthesizer RecipeSynthesizer
	Builder     Builder
	Deployer    Deployer
	Health      HealthWaiter
	WorkRoot    string
}

// Engine runs the analysis and deployment stage sequences.
type Engine struct {
	deps     Deps
	timeouts config.TimeoutConfig
	metrics  *Metrics
	logger   *slog.Logger
}

// NewEngine wires an engine. metrics may be nil to skip instrumentation.
func NewEngine(deps Deps, timeouts config.TimeoutConfig, metrics *Metrics) *Engine {
	if deps.Health == nil {
		deps.Health = health.New(
			health.WithTimeout(timeouts.HealthProbe),
			health.WithMaxRetries(timeouts.HealthMaxRetries),
			health.WithBackoffBase(timeouts.HealthBackoffBase),
		)
	}
	if deps.WorkRoot == "" {
		deps.WorkRoot = filepath.Join(os.TempDir(), "servergem")
	}
	return &Engine{
		deps:     deps,
		timeouts: timeouts,
		metrics:  metrics,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Analysis is the product of the clone-and-analyze sequence: a working
// copy on disk plus everything learned about it.
type Analysis struct {
	WorkingCopy string
	Clone       *gitclient.CloneResult
	Result      *analyzer.Result
	Recipe      *recipe.Recipe
	Resources   optimizer.ResourceConfig
	Cost        optimizer.CostEstimate
}

// CloneAndAnalyze runs the repo-clone, code-analysis, and dockerfile-gen
// stages. The working copy is left on disk for a later Deploy.
func (e *Engine) CloneAndAnalyze(ctx context.Context, bus *progress.Bus, repoURL, branch string) (*Analysis, error) {
	dest := filepath.Join(e.deps.WorkRoot, "src-"+uuid.NewString())

	var cloneResult *gitclient.CloneResult
	err := e.runStage(ctx, bus, nil, progress.StageRepoClone, "Cloning "+repoURL, 0,
		func(ctx context.Context) (string, map[string]any, error) {
			lastNoted := 0
			res, err := e.deps.Cloner.Clone(ctx, repoURL, branch, dest, func(files int, _ int64) {
				if files-lastNoted >= 50 {
					lastNoted = files
					bus.Note(progress.StageRepoClone, fmt.Sprintf("Extracted %d files", files), nil)
				}
			})
			if err != nil {
				return "", nil, err
			}
			cloneResult = res
			msg := fmt.Sprintf("Cloned %d files (%.1f KB) from branch %s",
				res.FileCount, float64(res.SizeBytes)/1024, res.Branch)
			return msg, map[string]any{"files": res.FileCount, "bytes": res.SizeBytes}, nil
		})
	if err != nil {
		return nil, err
	}

	var result *analyzer.Result
	err = e.runStage(ctx, bus, nil, progress.StageCodeAnalysis, "Analyzing codebase", 0,
		func(ctx context.Context) (string, map[string]any, error) {
			result = e.deps.Analyzer.Analyze(ctx, dest, func(m string) {
				bus.Note(progress.StageCodeAnalysis, m, nil)
			})
			msg := fmt.Sprintf("Detected %s (%s)", result.Language, result.Framework)
			return msg, map[string]any{
				"language":  result.Language,
				"framework": result.Framework,
				"port":      result.Port,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	var rcp *recipe.Recipe
	err = e.runStage(ctx, bus, nil, progress.StageDockerfileGen, "Preparing container recipe", 0,
		func(ctx context.Context) (string, map[string]any, error) {
			if result.DockerfileExists {
				content, readErr := os.ReadFile(filepath.Join(dest, "Dockerfile"))
				if readErr == nil {
					rcp = &recipe.Recipe{
						Dockerfile:    string(content),
						Optimizations: []string{"Using the repository's existing Dockerfile"},
						SizeEstimate:  "depends on existing Dockerfile",
					}
					return "Using existing Dockerfile", map[string]any{"existing": true}, nil
				}
				bus.Note(progress.StageDockerfileGen, "Existing Dockerfile unreadable, generating one", nil)
			}
			rcp = e.deps.Synthesizer.Synthesize(ctx, result, func(m string) {
				bus.Note(progress.StageDockerfileGen, m, nil)
			})
			if err := recipe.WriteToWorkingCopy(dest, rcp, result.Language); err != nil {
				return "", nil, err
			}
			return "Dockerfile generated", map[string]any{
				"from_template": rcp.FromTemplate,
				"size_estimate": rcp.SizeEstimate,
			}, nil
		})
	if err != nil {
		return nil, err
	}

	resources := optimizer.ConfigFor(result.Framework)
	return &Analysis{
		WorkingCopy: dest,
		Clone:       cloneResult,
		Result:      result,
		Recipe:      rcp,
		Resources:   resources,
		Cost:        optimizer.EstimateMonthlyCost(resources, 100_000),
	}, nil
}

// DeployRequest names everything the deployment sequence needs.
type DeployRequest struct {
	DeploymentID string
	RepoURL      string
	WorkingCopy  string
	Service      string
	EnvVars      map[string]string
	Resources    optimizer.ResourceConfig
	UserID       string
}

// DeployOutcome reports a finished deployment sequence. HealthWarning is
// set when the service deployed but never answered the probe; that is a
// warning, not a failure.
type DeployOutcome struct {
	Record        *DeploymentRecord
	ImageTag      string
	Build         *cloudbuild.BuildResult
	Service       *cloudrun.DeployResult
	Health        health.Result
	HealthWarning string
}

// Deploy runs the repo-access, container-build, cloud-deployment, and
// health-verification stages against an existing working copy.
func (e *Engine) Deploy(ctx context.Context, bus *progress.Bus, req DeployRequest) (*DeployOutcome, error) {
	if req.WorkingCopy == "" {
		return nil, fmt.Errorf("deploy: no working copy; analyze the repository first")
	}
	if _, err := os.Stat(req.WorkingCopy); err != nil {
		return nil, fmt.Errorf("deploy: working copy missing: %w", err)
	}

	rec := newRecord(req.DeploymentID, req.Service, req.RepoURL)
	outcome := &DeployOutcome{Record: rec}

	fail := func(err error) (*DeployOutcome, error) {
		rec.seal(OutcomeFailed)
		e.metrics.observeDeployment(OutcomeFailed)
		return nil, err
	}

	err := e.runStage(ctx, bus, rec, progress.StageRepoAccess, "Verifying cloud project access", 0,
		func(ctx context.Context) (string, map[string]any, error) {
			return e.preflight(ctx, bus)
		})
	if err != nil {
		return fail(err)
	}

	imageTag := e.deps.Builder.ImageTag(req.Service)
	rec.ImageTag = imageTag
	err = e.runStage(ctx, bus, rec, progress.StageContainerBuild, "Building container image", e.timeouts.BuildStage,
		func(ctx context.Context) (string, map[string]any, error) {
			return e.build(ctx, bus, req, imageTag, outcome)
		})
	if err != nil {
		return fail(err)
	}
	outcome.ImageTag = imageTag

	err = e.runStage(ctx, bus, rec, progress.StageCloudDeployment, "Deploying to Cloud Run", e.timeouts.DeployStage,
		func(ctx context.Context) (string, map[string]any, error) {
			return e.rollout(ctx, bus, req, imageTag, outcome)
		})
	if err != nil {
		return fail(err)
	}

	e.verifyHealth(ctx, bus, rec, outcome)

	rec.seal(OutcomeSucceeded)
	e.metrics.observeDeployment(OutcomeSucceeded)
	e.logger.Info("deployment finished",
		"deployment_id", req.DeploymentID,
		"service", req.Service,
		"url", outcome.Service.ServiceURL,
		"healthy", outcome.Health.Healthy,
	)
	return outcome, nil
}

func (e *Engine) preflight(ctx context.Context, bus *progress.Bus) (string, map[string]any, error) {
	if err := e.deps.Builder.VerifyProject(ctx); err != nil {
		return "", nil, fmt.Errorf("cannot access the configured project; check the service account credentials: %w", err)
	}

	disabled, err := e.deps.Builder.CheckAPIs(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(disabled) > 0 {
		return "", nil, fmt.Errorf(
			"required APIs are disabled: %s. Enable them with: gcloud services enable %s",
			strings.Join(disabled, ", "), strings.Join(disabled, " "))
	}

	if created, err := e.deps.Builder.EnsureRepository(ctx); err != nil {
		return "", nil, fmt.Errorf("artifact repository: %w", err)
	} else if created {
		bus.Note(progress.StageRepoAccess, "Created Artifact Registry repository", nil)
	}
	if created, err := e.deps.Builder.EnsureBucket(ctx); err != nil {
		return "", nil, fmt.Errorf("staging bucket: %w", err)
	} else if created {
		bus.Note(progress.StageRepoAccess, "Created source staging bucket", nil)
	}
	return "Project access verified", nil, nil
}

func (e *Engine) build(ctx context.Context, bus *progress.Bus, req DeployRequest, imageTag string, outcome *DeployOutcome) (string, map[string]any, error) {
	if content, err := os.ReadFile(filepath.Join(req.WorkingCopy, "Dockerfile")); err == nil {
		for _, f := range ScanDockerfile(string(content)) {
			bus.Note(progress.StageContainerBuild, f.Message, map[string]any{"severity": f.Severity})
		}
	}

	object := fmt.Sprintf("sources/%s.tar.gz", req.DeploymentID)
	count, err := e.deps.Builder.UploadSource(ctx, req.WorkingCopy, object)
	if err != nil {
		return "", nil, err
	}
	bus.Note(progress.StageContainerBuild, fmt.Sprintf("Uploaded %d source files", count), nil)

	var result *cloudbuild.BuildResult
	err = e.retryTransient(ctx, func() error {
		buildID, err := e.deps.Builder.SubmitBuild(ctx, object, imageTag, e.timeouts.BuildStage)
		if err != nil {
			return err
		}
		bus.Note(progress.StageContainerBuild, "Build submitted: "+buildID, nil)
		result, err = e.deps.Builder.PollBuild(ctx, buildID, imageTag, func(m string) {
			bus.Note(progress.StageContainerBuild, m, nil)
		})
		return err
	})
	if err != nil {
		return "", nil, err
	}
	outcome.Build = result

	msg := fmt.Sprintf("Image built in %s", result.Duration.Round(time.Second))
	return msg, map[string]any{"image": imageTag, "log_url": result.LogURL}, nil
}

func (e *Engine) rollout(ctx context.Context, bus *progress.Bus, req DeployRequest, imageTag string, outcome *DeployOutcome) (string, map[string]any, error) {
	spec := cloudrun.DeploySpec{
		Service:      req.Service,
		ImageTag:     imageTag,
		EnvVars:      req.EnvVars,
		UserID:       req.UserID,
		CPU:          req.Resources.CPU,
		Memory:       req.Resources.Memory,
		Concurrency:  req.Resources.Concurrency,
		MinInstances: req.Resources.MinInstances,
		MaxInstances: req.Resources.MaxInstances,
	}

	var result *cloudrun.DeployResult
	err := e.retryTransient(ctx, func() error {
		var err error
		result, err = e.deps.Deployer.Deploy(ctx, spec, func(m string) {
			bus.Note(progress.StageCloudDeployment, m, nil)
		})
		return err
	})
	if err != nil {
		return "", nil, err
	}
	outcome.Service = result

	verb := "updated"
	if result.Created {
		verb = "created"
	}
	msg := fmt.Sprintf("Service %s %s: %s", req.Service, verb, result.ServiceURL)
	return msg, map[string]any{"service_url": result.ServiceURL, "created": result.Created}, nil
}

// verifyHealth is the one stage whose failure does not fail the run: a
// deployed service that is slow to answer is reported as a warning and
// the deployment still counts as succeeded.
func (e *Engine) verifyHealth(ctx context.Context, bus *progress.Bus, rec *DeploymentRecord, outcome *DeployOutcome) {
	stage := progress.StageHealthVerification
	if err := bus.Started(stage, "Verifying service health"); err != nil {
		e.logger.Warn("health stage not started", "error", err)
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.timeouts.HealthStage)
	defer cancel()

	start := time.Now()
	result := e.deps.Health.Wait(stageCtx, outcome.Service.ServiceURL, func(m string) {
		bus.Note(stage, m, nil)
	})
	outcome.Health = result
	elapsed := time.Since(start)

	if result.Healthy {
		e.metrics.observeStage(string(stage), OutcomeSucceeded, elapsed)
		rec.addStage(StageMetric{Stage: stage, Outcome: OutcomeSucceeded, Duration: elapsed})
		msg := fmt.Sprintf("Service responded with HTTP %d in %s",
			result.StatusCode, result.ResponseTime.Round(time.Millisecond))
		_ = bus.Complete(stage, msg, map[string]any{"status": result.StatusCode, "attempts": result.Attempts})
		return
	}

	e.metrics.observeStage(string(stage), OutcomeFailed, elapsed)
	rec.addStage(StageMetric{Stage: stage, Outcome: OutcomeFailed, Duration: elapsed, Error: result.Error})
	outcome.HealthWarning = "The service deployed but has not answered health probes yet; it may still be starting up."
	_ = bus.Failed(stage, outcome.HealthWarning, map[string]any{"detail": result.Error})
}

// runStage brackets one stage: started event, optional timeout, metric
// observation, and the terminal complete/failed event. Between stages
// the parent ctx is checked so a cancelled deployment stops cleanly.
func (e *Engine) runStage(ctx context.Context, bus *progress.Bus, rec *DeploymentRecord, stage progress.Stage, startMsg string, timeout time.Duration, fn func(context.Context) (string, map[string]any, error)) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if err := bus.Started(stage, startMsg); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}

	stageCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	doneMsg, details, err := fn(stageCtx)
	elapsed := time.Since(start)

	if err != nil {
		e.metrics.observeStage(string(stage), OutcomeFailed, elapsed)
		if rec != nil {
			rec.addStage(StageMetric{Stage: stage, Outcome: OutcomeFailed, Duration: elapsed, Error: err.Error()})
		}
		_ = bus.Failed(stage, err.Error(), nil)
		return fmt.Errorf("%s: %w", stage, err)
	}

	e.metrics.observeStage(string(stage), OutcomeSucceeded, elapsed)
	if rec != nil {
		rec.addStage(StageMetric{Stage: stage, Outcome: OutcomeSucceeded, Duration: elapsed})
	}
	return bus.Complete(stage, doneMsg, details)
}

// transientMarkers classify errors worth retrying: the shared transport
// fault taxonomy plus markers seen from the Cloud REST surfaces. Never a
// build or rollout the platform reported failed.
var transientMarkers = append([]string{
	"timed out",
	"connection reset",
	"returned 500",
	"eof",
}, llm.TransientMarkers...)

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, cloudbuild.ErrBuildFailed) || errors.Is(err, cloudrun.ErrDeployFailed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func (e *Engine) retryTransient(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.timeouts.StageRetryBase
	b.RandomizationFactor = 0
	retries := uint64(0)
	if e.timeouts.StageRetries > 1 {
		retries = uint64(e.timeouts.StageRetries - 1)
	}

	return backoff.RetryNotify(
		func() error {
			err := op()
			if err != nil && !isTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx),
		func(err error, next time.Duration) {
			e.logger.Warn("stage operation failed, retrying", "error", err, "next_attempt_in", next)
		},
	)
}
