// Package agentbackend adapts an agent backend's native event stream
// (an HTTP SSE feed served by the in-workspace coding-agent process)
// into the unified Event set the rest of the platform consumes,
// independent of whether the backend runs locally or inside a
// container.
package agentbackend

import "encoding/json"

// EventType enumerates the normalized event kinds a Backend emits.
// Every native event the upstream agent process can produce maps onto
// exactly one of these, with an Unknown passthrough for anything not
// recognized so nothing is silently dropped save keepalives.
type EventType string

const (
	EventSessionBusy        EventType = "session.busy"
	EventSessionIdle        EventType = "session.idle"
	EventAgentConnected     EventType = "agent.connected"
	EventAgentDisconnected  EventType = "agent.disconnected"
	EventAgentReconnecting  EventType = "agent.reconnecting"
	EventMessageUpdated     EventType = "message.updated"
	EventTextDelta          EventType = "text.delta"
	EventThinkingDelta      EventType = "thinking.delta"
	EventToolStart          EventType = "tool.start"
	EventToolEnd            EventType = "tool.end"
	EventPermissionRequest  EventType = "permission.request"
	EventPermissionResolved EventType = "permission.resolved"
	EventQuestionRequest    EventType = "question.request"
	EventQuestionResolved   EventType = "question.resolved"
	EventSessionError       EventType = "session.error"
	EventUnknown            EventType = "unknown"
)

// Event is the unified shape every native backend event translates
// into before reaching a session's subscribers.
type Event struct {
	Type           EventType       `json:"type"`
	SessionID      string          `json:"session_id"`
	Message        json.RawMessage `json:"message,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResult     json.RawMessage `json:"tool_result,omitempty"`
	ToolIsError    bool            `json:"tool_is_error,omitempty"`
	PermissionID   string          `json:"permission_id,omitempty"`
	PermissionType string          `json:"permission_type,omitempty"`
	Title          string          `json:"title,omitempty"`
	Pattern        json.RawMessage `json:"pattern,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Granted        bool            `json:"granted,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Questions      json.RawMessage `json:"questions,omitempty"`
	Tool           json.RawMessage `json:"tool,omitempty"`
	ErrorType      string          `json:"error_type,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Details        json.RawMessage `json:"details,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Attempt        int             `json:"attempt,omitempty"`
	DelayMillis    int64           `json:"delay_ms,omitempty"`
	RawEventType   string          `json:"raw_event_type,omitempty"` // populated on EventUnknown
	RawData        json.RawMessage `json:"raw_data,omitempty"`
}
