// Package progress is the typed stage-event channel between the pipeline
// and the session gateway. Stages publish; the gateway's subscriber
// forwards to the client. The bus enforces the per-stage state machine
// and assigns strictly increasing sequence numbers per deployment.
package progress

// Stage identifies one pipeline phase. The set is closed; extend it only
// together with the pipeline itself.
type Stage string

const (
	StageRepoClone          Stage = "repo-clone"
	StageCodeAnalysis       Stage = "code-analysis"
	StageDockerfileGen      Stage = "dockerfile-gen"
	StageRepoAccess         Stage = "repo-access"
	StageContainerBuild     Stage = "container-build"
	StageCloudDeployment    Stage = "cloud-deployment"
	StageHealthVerification Stage = "health-verification"
)

// State is a stage's position in its lifecycle.
type State string

const (
	StateStarted    State = "started"
	StateInProgress State = "in_progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Terminal reports whether the state ends a stage.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Event is one ordered notification about a stage.
type Event struct {
	DeploymentID string
	Stage        Stage
	State        State
	Message      string
	Details      map[string]any
	Sequence     uint64
}

// Sink receives events in publication order. Implementations must not
// block for long; the bus calls them synchronously.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops all events. Useful where no client is listening.
var Discard Sink = SinkFunc(func(Event) {})
