package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servergem/servergem/pkg/analyzer"
	"github.com/servergem/servergem/pkg/cloudbuild"
	"github.com/servergem/servergem/pkg/cloudrun"
	"github.com/servergem/servergem/pkg/config"
	"github.com/servergem/servergem/pkg/gitclient"
	"github.com/servergem/servergem/pkg/health"
	"github.com/servergem/servergem/pkg/optimizer"
	"github.com/servergem/servergem/pkg/progress"
	"github.com/servergem/servergem/pkg/recipe"
)

type recorder struct {
	events []progress.Event
}

func (r *recorder) Publish(e progress.Event) { r.events = append(r.events, e) }

func (r *recorder) stageOutcome(stage progress.Stage) progress.State {
	var last progress.State
	for _, e := range r.events {
		if e.Stage == stage {
			last = e.State
		}
	}
	return last
}

type fakeCloner struct {
	err error
}

func (f *fakeCloner) Clone(_ context.Context, _, branch, destDir string, fn gitclient.ProgressFunc) (*gitclient.CloneResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	if fn != nil {
		fn(120, 4096)
	}
	if branch == "" {
		branch = "main"
	}
	return &gitclient.CloneResult{Path: destDir, Branch: branch, FileCount: 120, SizeBytes: 4096}, nil
}

type fakeAnalyzer struct {
	result *analyzer.Result
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _ string, note analyzer.NoteFunc) *analyzer.Result {
	if note != nil {
		note("Classifying stack")
	}
	return f.result
}

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(_ context.Context, _ *analyzer.Result, _ func(string)) *recipe.Recipe {
	return &recipe.Recipe{Dockerfile: "FROM python:3.12-slim\n", FromTemplate: true, SizeEstimate: "~150MB"}
}

type fakeBuilder struct {
	verifyErr    error
	disabledAPIs []string
	submitErrs   []error
	submitCalls  int
	pollErr      error
}

func (f *fakeBuilder) VerifyProject(context.Context) error       { return f.verifyErr }
func (f *fakeBuilder) CheckAPIs(context.Context) ([]string, error) {
	return f.disabledAPIs, nil
}
func (f *fakeBuilder) EnsureBucket(context.Context) (bool, error)     { return true, nil }
func (f *fakeBuilder) EnsureRepository(context.Context) (bool, error) { return false, nil }
func (f *fakeBuilder) UploadSource(_ context.Context, _, _ string) (int, error) {
	return 42, nil
}
func (f *fakeBuilder) SubmitBuild(_ context.Context, _, _ string, _ time.Duration) (string, error) {
	f.submitCalls++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "build-1", nil
}
func (f *fakeBuilder) PollBuild(_ context.Context, buildID, imageTag string, note func(string)) (*cloudbuild.BuildResult, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if note != nil {
		note("Build status: SUCCESS")
	}
	return &cloudbuild.BuildResult{BuildID: buildID, ImageTag: imageTag, LogURL: "https://logs/1", Duration: time.Second}, nil
}
func (f *fakeBuilder) ImageTag(image string) string {
	return "region-docker.pkg.dev/proj/reg/" + image + ":latest"
}

type fakeDeployer struct {
	errs  []error
	calls int
	spec  cloudrun.DeploySpec
}

func (f *fakeDeployer) Deploy(_ context.Context, spec cloudrun.DeploySpec, _ func(string)) (*cloudrun.DeployResult, error) {
	f.calls++
	f.spec = spec
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &cloudrun.DeployResult{Service: spec.Service, ServiceURL: "https://app.run.app", Created: true}, nil
}

type fakeHealth struct {
	result health.Result
}

func (f *fakeHealth) Wait(context.Context, string, func(string)) health.Result { return f.result }

func testTimeouts() config.TimeoutConfig {
	t := config.DefaultTimeouts()
	t.StageRetryBase = time.Millisecond
	return t
}

func testEngine(t *testing.T, deps Deps) *Engine {
	t.Helper()
	if deps.Cloner == nil {
		deps.Cloner = &fakeCloner{}
	}
	if deps.Analyzer == nil {
		deps.Analyzer = &fakeAnalyzer{result: &analyzer.Result{Language: "python", Framework: "flask", Port: 8080}}
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = fakeSynthesizer{}
	}
	if deps.Builder == nil {
		deps.Builder = &fakeBuilder{}
	}
	if deps.Deployer == nil {
		deps.Deployer = &fakeDeployer{}
	}
	if deps.Health == nil {
		deps.Health = &fakeHealth{result: health.Result{Healthy: true, StatusCode: 200, Attempts: 1, ResponseTime: 10 * time.Millisecond}}
	}
	deps.WorkRoot = t.TempDir()
	return NewEngine(deps, testTimeouts(), nil)
}

func deployRequest(workingCopy string) DeployRequest {
	return DeployRequest{
		DeploymentID: "dep-1",
		RepoURL:      "https://github.com/alice/flask-app",
		WorkingCopy:  workingCopy,
		Service:      "flask-app",
		EnvVars:      map[string]string{"DATABASE_URL": "postgres://db"},
		Resources:    optimizer.ConfigFor("flask"),
		UserID:       "session-1",
	}
}

func TestCloneAndAnalyze_RunsAllThreeStages(t *testing.T) {
	rec := &recorder{}
	e := testEngine(t, Deps{})

	analysis, err := e.CloneAndAnalyze(context.Background(), progress.NewBus("dep-1", rec), "https://github.com/alice/flask-app", "")
	require.NoError(t, err)

	assert.Equal(t, progress.StateComplete, rec.stageOutcome(progress.StageRepoClone))
	assert.Equal(t, progress.StateComplete, rec.stageOutcome(progress.StageCodeAnalysis))
	assert.Equal(t, progress.StateComplete, rec.stageOutcome(progress.StageDockerfileGen))

	assert.Equal(t, "python", analysis.Result.Language)
	assert.Equal(t, 120, analysis.Clone.FileCount)
	assert.True(t, analysis.Recipe.FromTemplate)
	assert.Equal(t, "1", analysis.Resources.CPU)
	assert.Positive(t, analysis.Cost.TotalMonthly)

	// recipe lands in the working copy for the later build
	_, err = os.Stat(filepath.Join(analysis.WorkingCopy, "Dockerfile"))
	assert.NoError(t, err)
}

func TestCloneAndAnalyze_CloneFailureSealsStage(t *testing.T) {
	rec := &recorder{}
	e := testEngine(t, Deps{Cloner: &fakeCloner{err: fmt.Errorf("branch not found")}})

	_, err := e.CloneAndAnalyze(context.Background(), progress.NewBus("dep-1", rec), "https://github.com/alice/app", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch not found")
	assert.Equal(t, progress.StateFailed, rec.stageOutcome(progress.StageRepoClone))
	assert.Zero(t, rec.stageOutcome(progress.StageCodeAnalysis), "later stages never start")
}

func TestCloneAndAnalyze_KeepsExistingDockerfile(t *testing.T) {
	cloner := &fakeCloner{}
	e := testEngine(t, Deps{
		Cloner: clonerWithFile{cloner, "Dockerfile", "FROM scratch\n"},
		Analyzer: &fakeAnalyzer{result: &analyzer.Result{
			Language: "golang", Framework: "gin", Port: 8080, DockerfileExists: true,
		}},
	})

	analysis, err := e.CloneAndAnalyze(context.Background(), progress.NewBus("dep-1", &recorder{}), "https://github.com/alice/app", "")
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", analysis.Recipe.Dockerfile)
	assert.False(t, analysis.Recipe.FromTemplate)
}

type clonerWithFile struct {
	inner *fakeCloner
	name  string
	body  string
}

func (c clonerWithFile) Clone(ctx context.Context, repoURL, branch, destDir string, fn gitclient.ProgressFunc) (*gitclient.CloneResult, error) {
	res, err := c.inner.Clone(ctx, repoURL, branch, destDir, fn)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(destDir, c.name), []byte(c.body), 0o644); err != nil {
		return nil, err
	}
	return res, nil
}

func TestDeploy_HappyPath(t *testing.T) {
	rec := &recorder{}
	deployer := &fakeDeployer{}
	e := testEngine(t, Deps{Deployer: deployer})
	workingCopy := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workingCopy, "Dockerfile"), []byte("FROM python:3.12-slim\nUSER appuser\n"), 0o644))

	outcome, err := e.Deploy(context.Background(), progress.NewBus("dep-1", rec), deployRequest(workingCopy))
	require.NoError(t, err)

	for _, stage := range []progress.Stage{
		progress.StageRepoAccess,
		progress.StageContainerBuild,
		progress.StageCloudDeployment,
		progress.StageHealthVerification,
	} {
		assert.Equal(t, progress.StateComplete, rec.stageOutcome(stage), string(stage))
	}

	assert.Equal(t, "https://app.run.app", outcome.Service.ServiceURL)
	assert.True(t, outcome.Health.Healthy)
	assert.Empty(t, outcome.HealthWarning)
	assert.Equal(t, OutcomeSucceeded, outcome.Record.Outcome())
	assert.Equal(t, "DATABASE_URL", keysOf(deployer.spec.EnvVars)[0])
	assert.Equal(t, "session-1", deployer.spec.UserID)
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestDeploy_DisabledAPIsFailPreflightWithRemediation(t *testing.T) {
	rec := &recorder{}
	e := testEngine(t, Deps{Builder: &fakeBuilder{disabledAPIs: []string{"run.googleapis.com"}}})

	_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", rec), deployRequest(t.TempDir()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gcloud services enable run.googleapis.com")
	assert.Equal(t, progress.StateFailed, rec.stageOutcome(progress.StageRepoAccess))
	assert.Zero(t, rec.stageOutcome(progress.StageContainerBuild))
}

func TestDeploy_BuildFailureIsNotRetried(t *testing.T) {
	builder := &fakeBuilder{pollErr: fmt.Errorf("%w: step 1 exited 1", cloudbuild.ErrBuildFailed)}
	e := testEngine(t, Deps{Builder: builder})

	_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
	require.ErrorIs(t, err, cloudbuild.ErrBuildFailed)
	assert.Equal(t, 1, builder.submitCalls)
}

func TestDeploy_TransientBuildErrorRetries(t *testing.T) {
	builder := &fakeBuilder{submitErrs: []error{fmt.Errorf("submit build: connection reset by peer")}}
	e := testEngine(t, Deps{Builder: builder})

	outcome, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 2, builder.submitCalls)
	assert.Equal(t, OutcomeSucceeded, outcome.Record.Outcome())
}

func TestDeploy_SharedTransientTaxonomyRetries(t *testing.T) {
	// Markers from the model client's transport taxonomy classify stage
	// errors too; none of these end the pipeline on the first attempt.
	for _, msg := range []string{
		"submit build: connection aborted",
		"submit build: upstream unavailable",
		"submit build: socket hang up",
		"submit build: API returned 503",
	} {
		builder := &fakeBuilder{submitErrs: []error{fmt.Errorf("%s", msg)}}
		e := testEngine(t, Deps{Builder: builder})

		_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
		require.NoError(t, err, msg)
		assert.Equal(t, 2, builder.submitCalls, msg)
	}
}

func TestDeploy_TransientRolloutErrorRetries(t *testing.T) {
	deployer := &fakeDeployer{errs: []error{fmt.Errorf("submit rollout: API returned 503: busy")}}
	e := testEngine(t, Deps{Deployer: deployer})

	_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, 2, deployer.calls)
}

func TestDeploy_UnhealthyServiceIsWarningNotFailure(t *testing.T) {
	rec := &recorder{}
	e := testEngine(t, Deps{Health: &fakeHealth{result: health.Result{Healthy: false, Error: "all probes returned 503"}}})

	outcome, err := e.Deploy(context.Background(), progress.NewBus("dep-1", rec), deployRequest(t.TempDir()))
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.HealthWarning)
	assert.Equal(t, progress.StateFailed, rec.stageOutcome(progress.StageHealthVerification))
	assert.Equal(t, OutcomeSucceeded, outcome.Record.Outcome())

	stages := outcome.Record.Stages()
	last := stages[len(stages)-1]
	assert.Equal(t, progress.StageHealthVerification, last.Stage)
	assert.Equal(t, OutcomeFailed, last.Outcome)
}

func TestDeploy_MissingWorkingCopy(t *testing.T) {
	e := testEngine(t, Deps{})

	_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(filepath.Join(t.TempDir(), "gone")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "working copy")
}

func TestDeploy_CancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := testEngine(t, Deps{})

	_, err := e.Deploy(ctx, progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeploy_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	deps := Deps{
		Builder:  &fakeBuilder{},
		Deployer: &fakeDeployer{},
		Health:   &fakeHealth{result: health.Result{Healthy: true, StatusCode: 200}},
		Cloner:   &fakeCloner{},
		Analyzer: &fakeAnalyzer{result: &analyzer.Result{Language: "python", Framework: "flask"}},
		Synthesizer: fakeSynthesizer{},
		WorkRoot:    t.TempDir(),
	}
	e := NewEngine(deps, testTimeouts(), metrics)

	_, err := e.Deploy(context.Background(), progress.NewBus("dep-1", &recorder{}), deployRequest(t.TempDir()))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deployments.WithLabelValues(OutcomeSucceeded)))
	assert.Zero(t, testutil.ToFloat64(metrics.deployments.WithLabelValues(OutcomeFailed)))
}
