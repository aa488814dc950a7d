package pipeline

import (
	"sync"
	"time"

	"github.com/servergem/servergem/pkg/progress"
)

// Stage outcomes recorded per run.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// StageMetric is one stage's outcome within a run.
type StageMetric struct {
	Stage    progress.Stage
	Outcome  string
	Duration time.Duration
	Error    string
}

// DeploymentRecord is the durable account of one pipeline run: what ran,
// how long each stage took, and how it ended. Sealed exactly once.
type DeploymentRecord struct {
	ID       string
	Service  string
	RepoURL  string
	ImageTag string
	Started  time.Time

	mu      sync.Mutex
	stages  []StageMetric
	outcome string
	ended   time.Time
}

func newRecord(id, service, repoURL string) *DeploymentRecord {
	return &DeploymentRecord{
		ID:      id,
		Service: service,
		RepoURL: repoURL,
		Started: time.Now(),
	}
}

func (r *DeploymentRecord) addStage(m StageMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, m)
}

// seal fixes the final outcome; later calls are ignored so a failure
// recorded mid-run is never overwritten by cleanup paths.
func (r *DeploymentRecord) seal(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != "" {
		return
	}
	r.outcome = outcome
	r.ended = time.Now()
}

// Outcome returns the sealed outcome, or "" while the run is live.
func (r *DeploymentRecord) Outcome() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}

// Stages returns a copy of the per-stage metrics recorded so far.
func (r *DeploymentRecord) Stages() []StageMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageMetric, len(r.stages))
	copy(out, r.stages)
	return out
}

// TotalDuration is the run's wall-clock time; zero until sealed.
func (r *DeploymentRecord) TotalDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended.IsZero() {
		return 0
	}
	return r.ended.Sub(r.Started)
}
