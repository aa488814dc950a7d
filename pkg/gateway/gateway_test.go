package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servergem/servergem/pkg/config"
	"github.com/servergem/servergem/pkg/llm"
	"github.com/servergem/servergem/pkg/orchestrator"
	"github.com/servergem/servergem/pkg/progress"
	"github.com/servergem/servergem/pkg/wire"
)

type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte

	closeOnce   sync.Once
	done        chan struct{}
	mu          sync.Mutex
	closeReason string
	failWrites  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return nil, errors.New("transport closed")
	case data := <-f.inbound:
		return data, nil
	}
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	failing := f.failWrites
	f.mu.Unlock()
	if failing {
		return errors.New("write tcp: broken pipe")
	}
	select {
	case <-f.done:
		return errors.New("transport closed")
	default:
	}
	select {
	case f.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close(reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeReason = reason
		f.mu.Unlock()
		close(f.done)
	})
	return nil
}

func (f *fakeTransport) reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeReason
}

// waitFor reads outbound frames until one of the wanted type arrives,
// skipping heartbeats and typing indicators along the way.
func (f *fakeTransport) waitFor(t *testing.T, frameType string) wire.OutboundFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.outbound:
			var frame wire.OutboundFrame
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("no %q frame within deadline", frameType)
		}
	}
}

type fakeCore struct {
	mu          sync.Mutex
	project     *orchestrator.ProjectContext
	payload     *wire.ChatPayload
	err         error
	calls       int
	lastMessage string
	token       string
	busy        bool
	publish     func(bus *progress.Bus)

	// blockOn, when non-nil, parks Process until the channel closes;
	// inflight/maxInflight expose how many Process calls overlapped.
	blockOn     chan struct{}
	inflight    int
	maxInflight int
}

func newFakeCore() *fakeCore {
	return &fakeCore{
		project: orchestrator.NewProjectContext(),
		payload: &wire.ChatPayload{Content: "hello from the model"},
	}
}

func (c *fakeCore) Process(_ context.Context, msg string, bus *progress.Bus) (*wire.ChatPayload, error) {
	c.mu.Lock()
	c.calls++
	c.lastMessage = msg
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	publish := c.publish
	blockOn := c.blockOn
	payload, err := c.payload, c.err
	c.mu.Unlock()

	if publish != nil {
		publish(bus)
	}
	if blockOn != nil {
		<-blockOn
	}

	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
	return payload, err
}

func (c *fakeCore) concurrency() (inflight, maxInflight int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight, c.maxInflight
}

func (c *fakeCore) Project() *orchestrator.ProjectContext { return c.project }
func (c *fakeCore) SetNote(func(message string))          {}
func (c *fakeCore) Touch()                                {}

func (c *fakeCore) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *fakeCore) SetGitHubToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *fakeCore) snapshot() (int, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.lastMessage, c.token
}

func testGateway(core ChatCore) *Gateway {
	timeouts := config.DefaultTimeouts()
	timeouts.SendRetryGap = time.Millisecond
	return New(func(string) ChatCore { return core }, nil, timeouts)
}

func encodeInbound(t *testing.T, frame map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	return data
}

func connect(t *testing.T, g *Gateway, sessionID string) (*fakeTransport, chan error) {
	t.Helper()
	tr := newFakeTransport()
	handleDone := make(chan error, 1)
	go func() { handleDone <- g.Handle(context.Background(), tr) }()
	t.Cleanup(func() { _ = tr.Close("test over") })

	tr.inbound <- encodeInbound(t, map[string]any{"type": "init", "session_id": sessionID})
	frame := tr.waitFor(t, wire.TypeConnected)
	assert.Equal(t, sessionID, frame.SessionID)
	assert.Contains(t, frame.Message, "Ready to deploy")
	return tr, handleDone
}

func TestHandle_RejectsNonInitHandshake(t *testing.T) {
	g := testGateway(newFakeCore())
	tr := newFakeTransport()
	handleDone := make(chan error, 1)
	go func() { handleDone <- g.Handle(context.Background(), tr) }()

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "hi"})

	select {
	case err := <-handleDone:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "init")
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}
	assert.Zero(t, g.ActiveConnections())
}

func TestHandle_InitTimeout(t *testing.T) {
	core := newFakeCore()
	timeouts := config.DefaultTimeouts()
	timeouts.InitRead = 20 * time.Millisecond
	g := New(func(string) ChatCore { return core }, nil, timeouts)

	tr := newFakeTransport()
	err := g.Handle(context.Background(), tr)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandle_MessageTurn(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "what can you do?"})

	tr.waitFor(t, wire.TypeTyping)
	frame := tr.waitFor(t, wire.TypeChatMessage)
	require.NotNil(t, frame.Data)
	assert.Equal(t, "hello from the model", frame.Data.Content)

	calls, last, _ := core.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "what can you do?", last)
}

func TestHandle_DeploymentKeywordAllocatesID(t *testing.T) {
	core := newFakeCore()
	core.publish = func(bus *progress.Bus) {
		_ = bus.Started(progress.StageContainerBuild, "Submitting build")
	}
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "yes, deploy it"})

	started := tr.waitFor(t, wire.TypeDeploymentStarted)
	assert.True(t, len(started.DeploymentID) > len("deploy-"))
	assert.Contains(t, started.Message, "Starting deployment")

	stage := tr.waitFor(t, wire.TypeStageProgress)
	assert.Equal(t, started.DeploymentID, stage.DeploymentID)
	assert.Equal(t, string(progress.StageContainerBuild), stage.Stage)
	assert.Equal(t, string(progress.StateStarted), stage.Status)
}

func TestHandle_PlainQuestionSkipsDeploymentFrame(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "what framework is this?"})
	tr.waitFor(t, wire.TypeChatMessage)

	select {
	case data := <-tr.outbound:
		var frame wire.OutboundFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.NotEqual(t, wire.TypeDeploymentStarted, frame.Type)
	default:
	}
}

func TestHandle_GitHubTokenFromMetadata(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{
		"type":     "message",
		"message":  "list my repos",
		"metadata": map[string]string{"githubToken": "ghp_secret123"},
	})
	tr.waitFor(t, wire.TypeChatMessage)

	_, _, token := core.snapshot()
	assert.Equal(t, "ghp_secret123", token)
}

func TestHandle_EnvVarsUploaded(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{
		"type": "env_vars_uploaded",
		"variables": []map[string]any{
			{"key": "DATABASE_URL", "value": "postgres://u:hunter2pass@db", "isSecret": true},
			{"key": "LOG_LEVEL", "value": "debug"},
		},
		"count": 2,
	})

	frame := tr.waitFor(t, wire.TypeChatMessage)
	require.NotNil(t, frame.Data)
	assert.Equal(t, "env_vars_confirmed", frame.Data.Intent)
	assert.Contains(t, frame.Data.Content, "DATABASE_URL (secret)")
	assert.Contains(t, frame.Data.Content, "LOG_LEVEL")
	assert.NotContains(t, frame.Data.Content, "hunter2pass")

	require.Eventually(t, func() bool {
		total, _ := core.project.EnvCounts()
		return total == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "postgres://u:hunter2pass@db", core.project.EnvValues()["DATABASE_URL"])
}

func TestHandle_SecretValuesMaskedInOutput(t *testing.T) {
	core := newFakeCore()
	core.payload = &wire.ChatPayload{Content: "connecting with postgres://u:hunter2pass@db now"}
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{
		"type": "env_vars_uploaded",
		"variables": []map[string]any{
			{"key": "DATABASE_URL", "value": "postgres://u:hunter2pass@db", "isSecret": true},
		},
	})
	tr.waitFor(t, wire.TypeChatMessage) // confirmation

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "show config"})
	frame := tr.waitFor(t, wire.TypeChatMessage)
	assert.NotContains(t, frame.Data.Content, "hunter2pass")
}

func TestHandle_TurnErrorBecomesErrorFrame(t *testing.T) {
	core := newFakeCore()
	core.err = fmt.Errorf("%w: spent", llm.ErrQuota)
	core.payload = nil
	g := testGateway(core)
	tr, _ := connect(t, g, "s1")

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "hi"})

	frame := tr.waitFor(t, wire.TypeError)
	assert.Equal(t, wire.CodeQuotaExceeded, frame.Code)
}

func TestHandle_ReconnectReplacesTransport(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr1, done1 := connect(t, g, "s1")

	tr2 := newFakeTransport()
	go func() { _ = g.Handle(context.Background(), tr2) }()
	t.Cleanup(func() { _ = tr2.Close("test over") })
	tr2.inbound <- encodeInbound(t, map[string]any{"type": "init", "session_id": "s1", "is_reconnect": true})
	tr2.waitFor(t, wire.TypeConnected)

	select {
	case <-done1:
	case <-time.After(2 * time.Second):
		t.Fatal("first handler did not exit after reconnect")
	}
	assert.Equal(t, "replaced by reconnect", tr1.reason())
	assert.Equal(t, 1, g.ActiveConnections())
	assert.Equal(t, 1, g.ActiveSessions())
}

func TestHandle_IdleReadIsNotFatal(t *testing.T) {
	core := newFakeCore()
	timeouts := config.DefaultTimeouts()
	timeouts.ReceiveIdle = 20 * time.Millisecond
	timeouts.SendRetryGap = time.Millisecond
	g := New(func(string) ChatCore { return core }, nil, timeouts)
	tr, _ := connect(t, g, "s1")

	time.Sleep(100 * time.Millisecond) // several idle periods elapse

	tr.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "still here"})
	frame := tr.waitFor(t, wire.TypeChatMessage)
	assert.Equal(t, "hello from the model", frame.Data.Content)
}

func TestHandle_TurnsSerializedAcrossReconnect(t *testing.T) {
	core := newFakeCore()
	core.blockOn = make(chan struct{})
	g := testGateway(core)
	tr1, _ := connect(t, g, "s1")

	tr1.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "analyze it"})
	require.Eventually(t, func() bool {
		inflight, _ := core.concurrency()
		return inflight == 1
	}, 2*time.Second, time.Millisecond, "first turn never started")

	// Reconnect while the first turn is still inside Process. The new
	// receive loop must not start a second turn concurrently.
	tr2 := newFakeTransport()
	go func() { _ = g.Handle(context.Background(), tr2) }()
	t.Cleanup(func() { _ = tr2.Close("test over") })
	tr2.inbound <- encodeInbound(t, map[string]any{"type": "init", "session_id": "s1", "is_reconnect": true})
	tr2.waitFor(t, wire.TypeConnected)

	tr2.inbound <- encodeInbound(t, map[string]any{"type": "message", "message": "deploy it"})

	time.Sleep(50 * time.Millisecond) // give a concurrent turn the chance to start
	inflight, maxInflight := core.concurrency()
	assert.Equal(t, 1, inflight, "second turn must wait for the first")
	assert.Equal(t, 1, maxInflight)

	close(core.blockOn)
	require.Eventually(t, func() bool {
		core.mu.Lock()
		defer core.mu.Unlock()
		return core.calls == 2
	}, 2*time.Second, time.Millisecond, "queued turn never ran")

	_, maxInflight = core.concurrency()
	assert.Equal(t, 1, maxInflight, "turns overlapped")
	core.mu.Lock()
	last := core.lastMessage
	core.mu.Unlock()
	assert.Equal(t, "deploy it", last)
}

func TestSend_NotSendableAfterHeartbeatFailure(t *testing.T) {
	core := newFakeCore()
	timeouts := config.DefaultTimeouts()
	timeouts.Heartbeat = 10 * time.Millisecond
	timeouts.SendRetryGap = time.Millisecond
	g := New(func(string) ChatCore { return core }, nil, timeouts)
	tr, _ := connect(t, g, "s1")

	tr.setFailWrites(true)

	// The heartbeat notices the dead writes and flags the session; from
	// then on sends fail fast without touching the transport.
	require.Eventually(t, func() bool {
		return errors.Is(g.Send(context.Background(), "s1", wire.Typing()), ErrNotSendable)
	}, 2*time.Second, 5*time.Millisecond)

	// The binding is flagged, not evicted; the receive loop owns that.
	assert.Equal(t, 1, g.ActiveConnections())
}

func TestSend_UnknownSession(t *testing.T) {
	g := testGateway(newFakeCore())
	err := g.Send(context.Background(), "ghost", wire.Typing())
	require.ErrorIs(t, err, ErrUnknownSession)
}

func TestSweepIdle(t *testing.T) {
	core := newFakeCore()
	g := testGateway(core)
	tr, done := connect(t, g, "s1")

	_ = tr.Close("going away")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after close")
	}

	require.Equal(t, 1, g.ActiveSessions())
	assert.Zero(t, g.SweepIdle(time.Hour), "grace not yet elapsed")

	core.mu.Lock()
	core.busy = true
	core.mu.Unlock()
	assert.Zero(t, g.SweepIdle(0), "busy cores survive the sweep")

	core.mu.Lock()
	core.busy = false
	core.mu.Unlock()
	assert.Equal(t, 1, g.SweepIdle(0))
	assert.Zero(t, g.ActiveSessions())
}

func TestSweepIdle_LiveSessionsUntouched(t *testing.T) {
	g := testGateway(newFakeCore())
	connect(t, g, "s1")

	assert.Zero(t, g.SweepIdle(0))
	assert.Equal(t, 1, g.ActiveSessions())
}
