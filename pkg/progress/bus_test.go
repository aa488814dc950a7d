package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(events *[]Event) Sink {
	return SinkFunc(func(e Event) { *events = append(*events, e) })
}

func TestBus_HappyPathSequencing(t *testing.T) {
	var events []Event
	bus := NewBus("deploy-abc123", collect(&events))

	require.NoError(t, bus.Started(StageRepoClone, "cloning"))
	bus.Note(StageRepoClone, "50 files", map[string]any{"files": 50})
	require.NoError(t, bus.Complete(StageRepoClone, "cloned", nil))
	require.NoError(t, bus.Started(StageCodeAnalysis, "analyzing"))
	require.NoError(t, bus.Complete(StageCodeAnalysis, "done", nil))

	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, "deploy-abc123", e.DeploymentID)
	}
	assert.Equal(t, StateInProgress, events[1].State)
	assert.Equal(t, 50, events[1].Details["files"])
}

func TestBus_RejectsFirstEventNotStarted(t *testing.T) {
	bus := NewBus("d", Discard)
	err := bus.Complete(StageRepoClone, "done", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first event must be started")
}

func TestBus_RejectsDuplicateStarted(t *testing.T) {
	bus := NewBus("d", Discard)
	require.NoError(t, bus.Started(StageContainerBuild, "building"))
	err := bus.Started(StageContainerBuild, "building again")
	require.Error(t, err)
}

func TestBus_RejectsEventsAfterTerminal(t *testing.T) {
	bus := NewBus("d", Discard)
	require.NoError(t, bus.Started(StageCloudDeployment, "deploying"))
	require.NoError(t, bus.Failed(StageCloudDeployment, "boom", nil))

	assert.Error(t, bus.Complete(StageCloudDeployment, "done", nil))
	assert.Error(t, bus.Failed(StageCloudDeployment, "boom again", nil))
	assert.Error(t, bus.Publish(StageCloudDeployment, StateInProgress, "late", nil))
}

func TestBus_NoteAfterTerminalIsDroppedNotFatal(t *testing.T) {
	var events []Event
	bus := NewBus("d", collect(&events))
	require.NoError(t, bus.Started(StageHealthVerification, "probing"))
	require.NoError(t, bus.Complete(StageHealthVerification, "healthy", nil))

	bus.Note(StageHealthVerification, "straggler", nil)
	assert.Len(t, events, 2)
}

func TestBus_SequenceStrictlyIncreasesAcrossStages(t *testing.T) {
	var events []Event
	bus := NewBus("d", collect(&events))

	stages := []Stage{
		StageRepoClone, StageCodeAnalysis, StageDockerfileGen,
		StageRepoAccess, StageContainerBuild, StageCloudDeployment,
		StageHealthVerification,
	}
	for _, s := range stages {
		require.NoError(t, bus.Started(s, "start"))
		require.NoError(t, bus.Complete(s, "done", nil))
	}

	var last uint64
	for _, e := range events {
		require.Greater(t, e.Sequence, last)
		last = e.Sequence
	}
}

func TestBus_NilSinkDiscards(t *testing.T) {
	bus := NewBus("d", nil)
	require.NoError(t, bus.Started(StageRepoClone, "cloning"))
	require.NoError(t, bus.Complete(StageRepoClone, "done", nil))
}

func TestBus_StageState(t *testing.T) {
	bus := NewBus("d", Discard)
	_, ok := bus.StageState(StageRepoClone)
	assert.False(t, ok)

	require.NoError(t, bus.Started(StageRepoClone, "cloning"))
	st, ok := bus.StageState(StageRepoClone)
	require.True(t, ok)
	assert.Equal(t, StateStarted, st)
}
