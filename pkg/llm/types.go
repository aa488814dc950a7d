// Package llm fronts two chat-model endpoints behind one broker with
// transparent quota failover. Providers normalize their SDK shapes into
// a single surface returning either text or a function call.
package llm

import "context"

// Role values for conversation messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string

	// ToolCall is set on assistant messages that requested a function.
	ToolCall *ToolCall
	// ToolCallID and ToolName are set on tool result messages.
	ToolCallID string
	ToolName   string
}

// ToolCall is a model's request to invoke a function.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StringArg returns a string argument by key, empty if absent.
func (t *ToolCall) StringArg(key string) string {
	if v, ok := t.Arguments[key].(string); ok {
		return v
	}
	return ""
}

// IntArg returns an integer argument by key, falling back to def.
func (t *ToolCall) IntArg(key string, def int) int {
	switch v := t.Arguments[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// Response is a normalized model turn: text, a function call, or both.
type Response struct {
	Text     string
	ToolCall *ToolCall
}

// ToolDefinition describes one function exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Provider is one concrete model endpoint.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system string, history []Message, tools []ToolDefinition) (*Response, error)
}
