package progress

import (
	"fmt"
	"log/slog"
	"sync"
)

// Bus validates and orders stage events for a single deployment, then
// hands them to the downstream sink. Out-of-order transitions (a second
// started, complete after failed, anything after a terminal state) are
// rejected with an error and never reach the sink.
type Bus struct {
	deploymentID string
	sink         Sink

	mu     sync.Mutex
	seq    uint64
	states map[Stage]State
}

// NewBus creates a bus for one deployment. A nil sink discards events.
func NewBus(deploymentID string, sink Sink) *Bus {
	if sink == nil {
		sink = Discard
	}
	return &Bus{
		deploymentID: deploymentID,
		sink:         sink,
		states:       make(map[Stage]State),
	}
}

// DeploymentID returns the deployment this bus is keyed by.
func (b *Bus) DeploymentID() string { return b.deploymentID }

// Publish validates the transition, stamps the next sequence number, and
// forwards the event. Returns an error on a state-machine violation.
func (b *Bus) Publish(stage Stage, state State, message string, details map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, seen := b.states[stage]
	switch {
	case !seen && state != StateStarted:
		return fmt.Errorf("stage %s: first event must be started, got %s", stage, state)
	case seen && state == StateStarted:
		return fmt.Errorf("stage %s: duplicate started", stage)
	case seen && prev.Terminal():
		return fmt.Errorf("stage %s: event %s after terminal %s", stage, state, prev)
	}
	b.states[stage] = state

	b.seq++
	b.sink.Publish(Event{
		DeploymentID: b.deploymentID,
		Stage:        stage,
		State:        state,
		Message:      message,
		Details:      details,
		Sequence:     b.seq,
	})
	return nil
}

// Started emits the opening event for a stage.
func (b *Bus) Started(stage Stage, message string) error {
	return b.Publish(stage, StateStarted, message, nil)
}

// Note emits an in-progress event. Violations are logged, not returned:
// progress notes are advisory and a mid-stage ordering bug must not fail
// the stage itself.
func (b *Bus) Note(stage Stage, message string, details map[string]any) {
	if err := b.Publish(stage, StateInProgress, message, details); err != nil {
		slog.Warn("dropped progress note", "stage", stage, "error", err)
	}
}

// Complete seals a stage successfully.
func (b *Bus) Complete(stage Stage, message string, details map[string]any) error {
	return b.Publish(stage, StateComplete, message, details)
}

// Failed seals a stage with a failure.
func (b *Bus) Failed(stage Stage, message string, details map[string]any) error {
	return b.Publish(stage, StateFailed, message, details)
}

// StageState returns the last observed state for a stage, if any.
func (b *Bus) StageState(stage Stage) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[stage]
	return s, ok
}
