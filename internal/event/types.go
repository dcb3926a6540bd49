package event

import "github.com/wardenhq/warden/pkg/types"

// ConnectedData is the data for connected events.
type ConnectedData struct {
	SessionID string `json:"sessionID"`
}

// HistoryData carries the full conversation snapshot for reconnection.
type HistoryData struct {
	SessionID    string              `json:"sessionID"`
	Conversation *types.Conversation `json:"conversation"`
}

// MessageData is the data for message events: a created or updated message.
type MessageData struct {
	SessionID string         `json:"sessionID"`
	Message   *types.Message `json:"message"`
}

// StatusData is the data for status events.
type StatusData struct {
	SessionID string             `json:"sessionID"`
	State     types.SessionState `json:"state"`
	Text      string             `json:"text,omitempty"`
}

// ToolUseData is the data for tool-use events.
type ToolUseData struct {
	SessionID string                 `json:"sessionID"`
	MessageID string                 `json:"messageID"`
	Use       *types.ToolUseFragment `json:"use"`
}

// ToolResultData is the data for tool-result events.
type ToolResultData struct {
	SessionID string                    `json:"sessionID"`
	MessageID string                    `json:"messageID"`
	Result    *types.ToolResultFragment `json:"result"`
	Orphaned  bool                      `json:"orphaned,omitempty"`
}

// PermissionRequestData is the data for permission-request events.
type PermissionRequestData struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
	Patterns  []string       `json:"patterns,omitempty"`
}

// PermissionTimeoutData is the data for permission-timeout events.
type PermissionTimeoutData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
}

// AgentSpawnedData is the data for agent-spawned events.
type AgentSpawnedData struct {
	Info *types.SessionInfo `json:"info"`
}

// AgentTerminatedData is the data for agent-terminated events.
type AgentTerminatedData struct {
	SessionID string `json:"sessionID"`
	Reason    string `json:"reason,omitempty"`
}

// DoneData is the data for done events, published when a turn completes.
type DoneData struct {
	SessionID  string `json:"sessionID"`
	MessageID  string `json:"messageID"`
	StopReason string `json:"stopReason,omitempty"`
}

// AbortedData is the data for aborted events.
type AbortedData struct {
	SessionID string `json:"sessionID"`
}

// ErrorData is the data for error events.
type ErrorData struct {
	SessionID string `json:"sessionID,omitempty"`
	Message   string `json:"message"`
}

// UnknownData preserves an unrecognized protocol payload on the stream.
type UnknownData struct {
	SessionID string `json:"sessionID"`
	RawType   string `json:"rawType"`
	Raw       string `json:"raw"`
}
