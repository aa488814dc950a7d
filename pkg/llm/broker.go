package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NoteFunc receives user-visible progress notes (retry/failover notices).
type NoteFunc func(message string)

// RetryPolicy controls the transient-failure retry loop.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// Broker owns one session's chat history and the failover decision. Once
// it has switched to the backup, every later send goes to the backup; no
// request is ever issued to both endpoints.
type Broker struct {
	primary Provider
	backup  Provider // nil when no backup credential is configured
	retry   RetryPolicy
	note    NoteFunc

	mu         sync.Mutex
	history    []Message
	failedOver bool
}

// NewBroker wires a broker for one session. backup may be nil.
func NewBroker(primary, backup Provider, retry RetryPolicy, note NoteFunc) *Broker {
	if note == nil {
		note = func(string) {}
	}
	if retry.Attempts <= 0 {
		retry = RetryPolicy{Attempts: 3, Base: time.Second}
	}
	return &Broker{primary: primary, backup: backup, retry: retry, note: note}
}

// SetNote swaps the progress note sink. The gateway calls this on each
// turn so notes reach the currently bound transport.
func (b *Broker) SetNote(note NoteFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if note == nil {
		note = func(string) {}
	}
	b.note = note
}

// FailedOver reports whether the backup endpoint is active.
func (b *Broker) FailedOver() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failedOver
}

// Reset discards the chat history. The failover decision is kept: quota
// exhaustion on the primary is a session-scoped condition.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Send appends a user turn and returns the model's reply.
func (b *Broker) Send(ctx context.Context, userMessage string) (*Response, error) {
	return b.turn(ctx, Message{Role: RoleUser, Content: userMessage})
}

// SendToolResponse returns the function result to the model and reads the
// next turn.
func (b *Broker) SendToolResponse(ctx context.Context, call *ToolCall, payload map[string]any) (*Response, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool payload: %w", err)
	}
	return b.turn(ctx, Message{
		Role:       RoleTool,
		Content:    string(content),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

// Complete runs a one-shot prompt outside the session history. Used by
// the analyzer and synthesizer; retry and failover behave as for Send.
func (b *Broker) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := b.generate(ctx, "", []Message{{Role: RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (b *Broker) turn(ctx context.Context, msg Message) (*Response, error) {
	b.mu.Lock()
	b.history = append(b.history, msg)
	history := make([]Message, len(b.history))
	copy(history, b.history)
	b.mu.Unlock()

	resp, err := b.generate(ctx, SystemInstruction, history, ToolDefinitions())
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.history = append(b.history, Message{
		Role:     RoleAssistant,
		Content:  resp.Text,
		ToolCall: resp.ToolCall,
	})
	b.mu.Unlock()
	return resp, nil
}

// generate runs one logical request against the active endpoint with
// transient retry, failing over on quota when a backup exists.
func (b *Broker) generate(ctx context.Context, system string, history []Message, tools []ToolDefinition) (*Response, error) {
	provider := b.active()

	resp, err := b.withRetry(ctx, provider, system, history, tools)
	if err == nil {
		return resp, nil
	}
	if IsAuth(err) {
		return nil, fmt.Errorf("%w: %s", ErrAuth, err)
	}
	if !IsQuota(err) {
		return nil, err
	}

	// Quota on the active endpoint. Fail over once, permanently.
	b.mu.Lock()
	canFailover := !b.failedOver && b.backup != nil
	if canFailover {
		b.failedOver = true
	}
	b.mu.Unlock()

	if !canFailover {
		return nil, fmt.Errorf("%w: %s", ErrQuota, err)
	}

	slog.Warn("model quota exceeded, switching to backup endpoint",
		"primary", provider.Name(), "backup", b.backup.Name())
	b.currentNote()("Model quota reached - switching to the backup model and retrying.")

	// Fresh chat on the backup: re-issue only the pending request. The
	// prior history belongs to the abandoned endpoint.
	fresh := pendingTail(history)
	resp, err = b.withRetry(ctx, b.backup, system, fresh, tools)
	if err != nil {
		if IsQuota(err) {
			return nil, fmt.Errorf("%w: backup also exhausted: %s", ErrQuota, err)
		}
		return nil, err
	}

	b.mu.Lock()
	b.history = fresh
	b.mu.Unlock()
	return resp, nil
}

func (b *Broker) withRetry(ctx context.Context, provider Provider, system string, history []Message, tools []ToolDefinition) (*Response, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     b.retry.Base,
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         b.retry.Base << 4,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, uint64(b.retry.Attempts-1)), ctx)

	var resp *Response
	operation := func() error {
		var err error
		resp, err = provider.Generate(ctx, system, history, tools)
		if err == nil {
			return nil
		}
		if IsTransient(err) && !IsQuota(err) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("transient model error, retrying", "provider", provider.Name(),
			"retry_in", next, "error", err)
		b.currentNote()("Connection hiccup talking to the model - retrying.")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (b *Broker) active() Provider {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failedOver && b.backup != nil {
		return b.backup
	}
	return b.primary
}

func (b *Broker) currentNote() NoteFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.note
}

// pendingTail extracts the trailing run of non-assistant messages: the
// request that has not been answered yet.
func pendingTail(history []Message) []Message {
	i := len(history)
	for i > 0 && history[i-1].Role != RoleAssistant {
		i--
	}
	tail := history[i:]
	// Tool results are meaningless on a fresh chat without the assistant
	// turn that requested them; degrade them to user text.
	out := make([]Message, 0, len(tail))
	for _, m := range tail {
		if m.Role == RoleTool {
			out = append(out, Message{
				Role:    RoleUser,
				Content: fmt.Sprintf("Result of %s: %s", m.ToolName, m.Content),
			})
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
