// Package gateway terminates the chat WebSocket: one live transport per
// session, heartbeats, reconnect handling, and frame dispatch into the
// session's conversational core. Cores survive transport loss so a
// refreshed browser tab keeps its project context; the cleanup sweeper
// evicts cores whose transport never came back.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/servergem/servergem/pkg/config"
	"github.com/servergem/servergem/pkg/masking"
	"github.com/servergem/servergem/pkg/orchestrator"
	"github.com/servergem/servergem/pkg/progress"
	"github.com/servergem/servergem/pkg/wire"
)

// Transport is one client connection. The websocket adapter lives in
// this package; tests use an in-memory implementation.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close closes with a normal status code.
	Close(reason string) error
}

// ChatCore is the per-session conversational core behind the gateway.
type ChatCore interface {
	Process(ctx context.Context, userMessage string, bus *progress.Bus) (*wire.ChatPayload, error)
	Project() *orchestrator.ProjectContext
	SetNote(note func(message string))
	Busy() bool
	Touch()
}

// CoreFactory builds the core for a new session id.
type CoreFactory func(sessionID string) ChatCore

// Send failure classification.
var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrNotSendable     = errors.New("transport not sendable")
	ErrTransportClosed = errors.New("transport closed")
)

const greeting = "Connected to ServerGem AI - Ready to deploy!"

// deploymentKeywords trigger the deployment-id pre-allocation so stage
// progress frames can stream before the model even answers.
var deploymentKeywords = []string{"deploy", "start", "begin", "launch", "go ahead", "yes", "proceed"}

type session struct {
	id         string
	instanceID string
	transport  Transport
	sendable   bool
	lastSeen   time.Time

	cancelHeartbeat context.CancelFunc
}

type coreEntry struct {
	core ChatCore
	// turnMu serializes turns on this core: messages are processed in
	// the order received even when a reconnect swaps the transport (and
	// its receive goroutine) mid-turn, and the HTTP chat path takes the
	// same lock.
	turnMu sync.Mutex
	// transportGone is zero while a transport is bound; otherwise the
	// moment the last transport was lost. The sweeper keys off it.
	transportGone time.Time
}

// Gateway owns the session registry. Safe for concurrent use.
type Gateway struct {
	factory  CoreFactory
	masker   *masking.Service
	timeouts config.TimeoutConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	cores    map[string]*coreEntry
}

// New wires a gateway. masker may be nil to disable masking (tests).
func New(factory CoreFactory, masker *masking.Service, timeouts config.TimeoutConfig) *Gateway {
	if masker == nil {
		masker = masking.NewService()
	}
	return &Gateway{
		factory:  factory,
		masker:   masker,
		timeouts: timeouts,
		logger:   slog.Default().With("component", "gateway"),
		sessions: make(map[string]*session),
		cores:    make(map[string]*coreEntry),
	}
}

// Masker exposes the shared masking service so callers registering
// secrets out of band reach the same instance.
func (g *Gateway) Masker() *masking.Service { return g.masker }

// ActiveConnections is the number of live transports.
func (g *Gateway) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// ActiveSessions is the number of retained conversational cores.
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cores)
}

// Handle drives one transport to completion: handshake, heartbeat,
// receive loop, cleanup. It returns when the transport is gone.
func (g *Gateway) Handle(ctx context.Context, t Transport) error {
	initFrame, err := g.readInit(ctx, t)
	if err != nil {
		_ = t.Close("handshake failed")
		return err
	}
	sessionID := initFrame.SessionID

	core := g.register(sessionID, initFrame, t)
	core.Touch()

	frame := wire.Connected(sessionID, greeting)
	if err := g.Send(ctx, sessionID, frame); err != nil {
		g.dropTransport(sessionID, t)
		return fmt.Errorf("send connected: %w", err)
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	g.mu.Lock()
	if s := g.sessions[sessionID]; s != nil && s.transport == t {
		s.cancelHeartbeat = cancelHB
	}
	g.mu.Unlock()
	go g.heartbeat(hbCtx, sessionID, t)

	g.logger.Info("session connected", "session_id", sessionID, "reconnect", initFrame.IsReconnect)
	g.receiveLoop(ctx, sessionID, t)

	cancelHB()
	g.dropTransport(sessionID, t)
	g.logger.Info("session disconnected", "session_id", sessionID)
	return nil
}

// readInit reads exactly one frame within the handshake timeout and
// requires it to be an init carrying a session id.
func (g *Gateway) readInit(ctx context.Context, t Transport) (*wire.InboundFrame, error) {
	initCtx, cancel := context.WithTimeout(ctx, g.timeouts.InitRead)
	defer cancel()

	data, err := t.Read(initCtx)
	if err != nil {
		return nil, fmt.Errorf("read init frame: %w", err)
	}
	frame, err := wire.DecodeInbound(data)
	if err != nil {
		return nil, fmt.Errorf("decode init frame: %w", err)
	}
	if frame.Type != wire.TypeInit || frame.SessionID == "" {
		return nil, fmt.Errorf("first frame must be init with a session id, got %q", frame.Type)
	}
	return frame, nil
}

// register installs the transport, closing any prior one for the same
// session id, and returns the session's core (creating it on demand).
func (g *Gateway) register(sessionID string, initFrame *wire.InboundFrame, t Transport) ChatCore {
	g.mu.Lock()

	if prior := g.sessions[sessionID]; prior != nil {
		// Cancel the old heartbeat before closing so it cannot race a
		// write against the closing transport.
		if prior.cancelHeartbeat != nil {
			prior.cancelHeartbeat()
		}
		priorTransport := prior.transport
		g.mu.Unlock()
		_ = priorTransport.Close("replaced by reconnect")
		g.mu.Lock()
		g.logger.Info("prior transport replaced", "session_id", sessionID)
	}

	g.sessions[sessionID] = &session{
		id:         sessionID,
		instanceID: initFrame.InstanceID,
		transport:  t,
		sendable:   true,
		lastSeen:   time.Now(),
	}

	entry := g.cores[sessionID]
	if entry == nil {
		entry = &coreEntry{core: g.factory(sessionID)}
		g.cores[sessionID] = entry
	}
	entry.transportGone = time.Time{}
	core := entry.core
	g.mu.Unlock()
	return core
}

// markNotSendable flags the binding if it still points at t.
func (g *Gateway) markNotSendable(sessionID string, t Transport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s := g.sessions[sessionID]; s != nil && s.transport == t {
		s.sendable = false
	}
}

// dropTransport removes the binding if it still points at t. The core
// stays; only the sweeper evicts cores.
func (g *Gateway) dropTransport(sessionID string, t Transport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[sessionID]
	if s == nil || s.transport != t {
		return
	}
	if s.cancelHeartbeat != nil {
		s.cancelHeartbeat()
	}
	delete(g.sessions, sessionID)
	if entry := g.cores[sessionID]; entry != nil {
		entry.transportGone = time.Now()
	}
}

func (g *Gateway) heartbeat(ctx context.Context, sessionID string, t Transport) {
	ticker := time.NewTicker(g.timeouts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := wire.Ping().Encode()
			if err != nil {
				return
			}
			if err := t.Write(ctx, data); err != nil {
				// Writes are dead; flag the session so later sends fail
				// fast instead of retrying a doomed transport. The
				// receive loop still owns the eviction.
				g.markNotSendable(sessionID, t)
				return
			}
		}
	}
}

func (g *Gateway) receiveLoop(ctx context.Context, sessionID string, t Transport) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, g.timeouts.ReceiveIdle)
		data, err := t.Read(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue // idle, not fatal
			}
			return
		}

		frame, err := wire.DecodeInbound(data)
		if err != nil {
			g.logger.Warn("undecodable frame dropped", "session_id", sessionID, "error", err)
			continue
		}

		switch frame.Type {
		case wire.TypeMessage:
			if frame.Message == "" {
				continue
			}
			g.handleMessage(ctx, sessionID, frame)
		case wire.TypeEnvVarsUploaded:
			g.handleEnvVars(ctx, sessionID, frame)
		case wire.TypePong:
			g.mu.Lock()
			if s := g.sessions[sessionID]; s != nil {
				s.lastSeen = time.Now()
			}
			g.mu.Unlock()
		case wire.TypeInit:
			// Duplicate init on a live transport; nothing to do.
		default:
			g.logger.Warn("unknown frame type", "session_id", sessionID, "type", frame.Type)
		}
	}
}

func (g *Gateway) entry(sessionID string) *coreEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cores[sessionID]
}

func (g *Gateway) handleMessage(ctx context.Context, sessionID string, frame *wire.InboundFrame) {
	entry := g.entry(sessionID)
	if entry == nil {
		return
	}
	core := entry.core

	g.Broadcast(ctx, sessionID, wire.Typing())

	deploymentID := "deploy-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if mightDeploy(frame.Message) {
		g.Broadcast(ctx, sessionID, wire.DeploymentStarted(deploymentID, "Starting deployment process..."))
	}

	bus := progress.NewBus(deploymentID, progress.SinkFunc(func(e progress.Event) {
		g.Broadcast(ctx, sessionID, wire.StageProgress(
			e.DeploymentID,
			string(e.Stage),
			string(e.State),
			g.masker.Mask(e.Message),
			e.Sequence,
			g.masker.MaskDetails(e.Details),
		))
	}))

	// One turn at a time per session, even when a reconnect has handed
	// the receive loop to a new goroutine while the old one is still
	// inside Process.
	entry.turnMu.Lock()
	defer entry.turnMu.Unlock()

	if token := frame.Metadata["githubToken"]; token != "" {
		if ts, ok := core.(interface{ SetGitHubToken(string) }); ok {
			ts.SetGitHubToken(token)
			g.masker.RegisterSecret(token)
		}
	}

	core.SetNote(func(message string) {
		g.Broadcast(ctx, sessionID, wire.Chat(&wire.ChatPayload{Content: message, Intent: "notice"}))
	})

	payload, err := core.Process(ctx, frame.Message, bus)
	if err != nil {
		g.logger.Error("turn failed", "session_id", sessionID, "error", err)
		g.Broadcast(ctx, sessionID, orchestrator.ErrorFrame(err))
		return
	}

	payload.Content = g.masker.Mask(payload.Content)
	g.Broadcast(ctx, sessionID, wire.Chat(payload))
}

func (g *Gateway) handleEnvVars(ctx context.Context, sessionID string, frame *wire.InboundFrame) {
	entry := g.entry(sessionID)
	if entry == nil {
		return
	}
	core := entry.core

	vars := make(map[string]orchestrator.EnvVar, len(frame.Variables))
	secrets := 0
	for _, v := range frame.Variables {
		if v.Key == "" {
			continue
		}
		vars[v.Key] = orchestrator.EnvVar{Value: v.Value, Secret: v.IsSecret}
		if v.IsSecret {
			secrets++
			g.masker.RegisterSecret(v.Value)
		}
	}
	entry.turnMu.Lock()
	core.Project().SetEnvVars(vars)
	entry.turnMu.Unlock()
	g.logger.Info("env vars stored", "session_id", sessionID, "count", len(vars), "secrets", secrets)

	var names []string
	for _, v := range frame.Variables {
		if v.Key == "" {
			continue
		}
		label := v.Key
		if v.IsSecret {
			label += " (secret)"
		}
		names = append(names, "- "+label)
	}
	content := fmt.Sprintf(
		"Configuration received successfully!\n\n**Uploaded:**\n%s\n\nSecret values are never shown in logs or progress output.\n\n**Next step:** say 'deploy' or 'yes' to start the deployment!",
		strings.Join(names, "\n"))

	g.Broadcast(ctx, sessionID, wire.Chat(&wire.ChatPayload{
		Content: content,
		Intent:  "env_vars_confirmed",
		Metadata: map[string]any{
			"env_vars_count": len(vars),
			"secrets_count":  secrets,
		},
	}))
}

// Chat runs one turn for a session without a live transport (the
// non-streaming HTTP path). Stage progress is discarded; only the final
// payload is returned. Cores created here are sweepable immediately
// since no transport will ever bind to them.
func (g *Gateway) Chat(ctx context.Context, sessionID, message string) (*wire.ChatPayload, error) {
	g.mu.Lock()
	entry := g.cores[sessionID]
	if entry == nil {
		entry = &coreEntry{core: g.factory(sessionID), transportGone: time.Now()}
		g.cores[sessionID] = entry
	}
	core := entry.core
	g.mu.Unlock()

	entry.turnMu.Lock()
	defer entry.turnMu.Unlock()

	core.Touch()
	core.SetNote(func(string) {})

	deploymentID := "deploy-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	bus := progress.NewBus(deploymentID, progress.Discard)

	payload, err := core.Process(ctx, message, bus)
	if err != nil {
		return nil, err
	}
	payload.Content = g.masker.Mask(payload.Content)
	return payload, nil
}

// Send writes one frame to the session's transport, classifying the
// failure. A closed transport additionally evicts the binding.
func (g *Gateway) Send(ctx context.Context, sessionID string, frame wire.OutboundFrame) error {
	g.mu.RLock()
	s := g.sessions[sessionID]
	var (
		transport Transport
		sendable  bool
	)
	if s != nil {
		transport, sendable = s.transport, s.sendable
	}
	g.mu.RUnlock()

	if s == nil {
		return ErrUnknownSession
	}
	if !sendable {
		return ErrNotSendable
	}

	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := transport.Write(ctx, data); err != nil {
		if isClosedError(err) {
			g.dropTransport(sessionID, transport)
			return fmt.Errorf("%w: %s", ErrTransportClosed, err)
		}
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Broadcast sends with bounded retry on generic errors. All failures
// are swallowed after logging: losing the client never fails a turn or
// an in-flight pipeline.
func (g *Gateway) Broadcast(ctx context.Context, sessionID string, frame wire.OutboundFrame) {
	var err error
	for attempt := 0; attempt < g.timeouts.SendRetries; attempt++ {
		err = g.Send(ctx, sessionID, frame)
		if err == nil {
			return
		}
		// Retry helps only transient write errors.
		if errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrNotSendable) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.timeouts.SendRetryGap):
		}
	}
	g.logger.Warn("frame dropped", "session_id", sessionID, "type", frame.Type, "error", err)
}

// SweepIdle evicts cores that lost their transport more than grace ago
// and are not running a pipeline. Returns the number evicted.
func (g *Gateway) SweepIdle(grace time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for id, entry := range g.cores {
		if entry.transportGone.IsZero() {
			continue // live transport
		}
		if time.Since(entry.transportGone) < grace {
			continue
		}
		if entry.core.Busy() {
			continue
		}
		delete(g.cores, id)
		evicted++
		g.logger.Info("idle session evicted", "session_id", id)
	}
	return evicted
}

func mightDeploy(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range deploymentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isClosedError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") || strings.Contains(msg, "close sent")
}
