// Package wire defines the JSON frame types exchanged over the chat
// WebSocket. Every frame carries a "type" discriminator; inbound frames
// are decoded into InboundFrame and dispatched by type, outbound frames
// are built through the constructors below so timestamps and shapes stay
// consistent across senders.
package wire

import (
	"encoding/json"
	"time"
)

// Inbound frame types (client → server).
const (
	TypeInit            = "init"
	TypeMessage         = "message"
	TypeEnvVarsUploaded = "env_vars_uploaded"
	TypePong            = "pong"
)

// Outbound frame types (server → client).
const (
	TypeConnected         = "connected"
	TypePing              = "ping"
	TypeTyping            = "typing"
	TypeChatMessage       = "message"
	TypeDeploymentStarted = "deployment_started"
	TypeStageProgress     = "stage_progress"
	TypeError             = "error"
)

// Error codes carried on error frames.
const (
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeInvalidAPIKey = "INVALID_API_KEY"
	CodeAPIError      = "API_ERROR"
)

// InboundFrame is the union of all client frames. Fields beyond Type are
// populated depending on the discriminator.
type InboundFrame struct {
	Type string `json:"type"`

	// init
	SessionID   string `json:"session_id,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	IsReconnect bool   `json:"is_reconnect,omitempty"`

	// message
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// env_vars_uploaded
	Variables []EnvVarUpload `json:"variables,omitempty"`
	Count     int            `json:"count,omitempty"`
}

// EnvVarUpload is one entry of an env_vars_uploaded frame.
type EnvVarUpload struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret"`
}

// ChatPayload is the data object inside an outbound message frame. The
// orchestrator fills whichever fields its turn produced; the gateway
// forwards it untouched.
type ChatPayload struct {
	Content         string         `json:"content"`
	Intent          string         `json:"intent,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Actions         []Action       `json:"actions,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
	RequestEnvVars  bool           `json:"request_env_vars,omitempty"`
	DetectedEnvVars []string       `json:"detected_env_vars,omitempty"`
	DeploymentURL   string         `json:"deployment_url,omitempty"`
}

// Action is a suggested next step rendered as a button by the client.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// OutboundFrame is the envelope for all server frames.
type OutboundFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	SessionID string       `json:"session_id,omitempty"`
	Message   string       `json:"message,omitempty"`
	Code      string       `json:"code,omitempty"`
	Data      *ChatPayload `json:"data,omitempty"`

	// deployment_started / stage_progress
	DeploymentID string         `json:"deployment_id,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	Status       string         `json:"status,omitempty"`
	Sequence     uint64         `json:"sequence,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// Connected builds the handshake confirmation frame.
func Connected(sessionID, greeting string) OutboundFrame {
	return OutboundFrame{Type: TypeConnected, SessionID: sessionID, Message: greeting}
}

// Ping builds a heartbeat frame.
func Ping() OutboundFrame {
	return OutboundFrame{Type: TypePing, Timestamp: now()}
}

// Typing builds a typing-indicator frame.
func Typing() OutboundFrame {
	return OutboundFrame{Type: TypeTyping, Timestamp: now()}
}

// Chat wraps an orchestrator response payload in a message frame.
func Chat(payload *ChatPayload) OutboundFrame {
	return OutboundFrame{Type: TypeChatMessage, Data: payload, Timestamp: now()}
}

// DeploymentStarted announces a freshly allocated deployment id.
func DeploymentStarted(deploymentID, message string) OutboundFrame {
	return OutboundFrame{
		Type:         TypeDeploymentStarted,
		DeploymentID: deploymentID,
		Message:      message,
		Timestamp:    now(),
	}
}

// StageProgress carries one stage event to the client.
func StageProgress(deploymentID, stage, status, message string, sequence uint64, details map[string]any) OutboundFrame {
	return OutboundFrame{
		Type:         TypeStageProgress,
		DeploymentID: deploymentID,
		Stage:        stage,
		Status:       status,
		Message:      message,
		Sequence:     sequence,
		Details:      details,
		Timestamp:    now(),
	}
}

// Error builds an error frame with one of the closed error codes.
func Error(message, code string) OutboundFrame {
	return OutboundFrame{Type: TypeError, Message: message, Code: code, Timestamp: now()}
}

// Encode marshals a frame for the transport.
func (f OutboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeInbound parses a client frame. Unknown types are returned as-is;
// the gateway decides how to treat them.
func DecodeInbound(data []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
