package agentbackend

import "encoding/json"

// envelope is the wire shape of one native SSE event: a discriminant
// "type" plus a free-form "properties" payload whose shape depends on
// that type.
type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// rawProps gives translators a lenient map view of Properties, falling
// back to treating the whole envelope as the properties object when
// "properties" itself is absent (some native events are emitted flat).
func (e *envelope) rawProps(raw []byte) map[string]json.RawMessage {
	if len(e.Properties) > 0 {
		var m map[string]json.RawMessage
		if json.Unmarshal(e.Properties, &m) == nil {
			return m
		}
		return nil
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) == nil {
		return m
	}
	return nil
}

func str(m map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := m[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

// TranslateSSEEvent converts one raw SSE frame (event name plus JSON
// data payload) into a normalized Event, or nil if the frame is a
// keepalive that should be dropped silently.
//
// sessionID is the session the originating Backend connection belongs
// to; native events don't reliably carry it themselves.
func TranslateSSEEvent(sessionID, nativeEventName string, data []byte) *Event {
	env, err := parseEnvelope(data)
	if err != nil {
		return &Event{Type: EventUnknown, SessionID: sessionID, RawEventType: nativeEventName, RawData: data}
	}

	eventType := env.Type
	if eventType == "" {
		eventType = nativeEventName
	}
	if eventType == "" {
		return &Event{Type: EventUnknown, SessionID: sessionID, RawEventType: nativeEventName, RawData: data}
	}

	return translateByType(sessionID, eventType, env, data)
}

func translateByType(sessionID, eventType string, env *envelope, raw []byte) *Event {
	props := env.rawProps(raw)
	if props == nil {
		props = map[string]json.RawMessage{}
	}

	switch eventType {
	case "session.busy":
		return &Event{Type: EventSessionBusy, SessionID: sessionID}
	case "session.idle":
		return &Event{Type: EventSessionIdle, SessionID: sessionID}
	case "session.unavailable":
		return &Event{Type: EventAgentDisconnected, SessionID: sessionID, Reason: "session unavailable"}

	case "message.created", "message.updated":
		msg := env.Properties
		if msg == nil {
			msg = raw
		}
		return &Event{Type: EventMessageUpdated, SessionID: sessionID, Message: msg}

	case "part.created", "part.updated":
		return translatePart(sessionID, props, eventType, raw)

	case "permission.created", "permission.updated":
		return &Event{
			Type:           EventPermissionRequest,
			SessionID:      sessionID,
			PermissionID:   str(props, "id", "permissionID", "permissionId", "permission_id"),
			PermissionType: str(props, "permissionType", "permission_type", "tool", "type"),
			Title:          str(props, "title"),
			Pattern:        props["pattern"],
			Metadata:       props["metadata"],
		}

	case "permission.replied":
		result := str(props, "result")
		return &Event{
			Type:         EventPermissionResolved,
			SessionID:    sessionID,
			PermissionID: str(props, "id", "permissionID", "permissionId", "permission_id"),
			Granted:      result == "granted" || result == "allow" || result == "yes",
		}

	case "question.asked":
		questions := props["questions"]
		if questions == nil {
			questions = json.RawMessage("[]")
		}
		return &Event{
			Type:      EventQuestionRequest,
			SessionID: sessionID,
			RequestID: str(props, "id"),
			Questions: questions,
			Tool:      props["tool"],
		}

	case "question.replied", "question.rejected":
		return &Event{
			Type:      EventQuestionResolved,
			SessionID: sessionID,
			RequestID: str(props, "requestID", "id"),
		}

	case "session.error", "error":
		errObj := map[string]json.RawMessage{}
		if raw, ok := props["error"]; ok {
			_ = json.Unmarshal(raw, &errObj)
		}
		errType := str(props, "error_type", "errorType")
		if errType == "" {
			errType = str(errObj, "name")
		}
		if errType == "" {
			errType = "UnknownError"
		}
		message := str(props, "message")
		if message == "" {
			var data map[string]json.RawMessage
			if raw, ok := errObj["data"]; ok {
				_ = json.Unmarshal(raw, &data)
				message = str(data, "message")
			}
		}
		if message == "" {
			message = "an unknown error occurred"
		}
		details := props["details"]
		if len(errObj) > 0 {
			if b, err := json.Marshal(errObj); err == nil {
				details = b
			}
		}
		return &Event{Type: EventSessionError, SessionID: sessionID, ErrorType: errType, ErrorMessage: message, Details: details}

	case "keepalive":
		return nil

	default:
		return &Event{Type: EventUnknown, SessionID: sessionID, RawEventType: eventType, RawData: raw}
	}
}

func translatePart(sessionID string, props map[string]json.RawMessage, eventType string, raw []byte) *Event {
	messageID := str(props, "messageID")

	var part map[string]json.RawMessage
	if raw, ok := props["part"]; ok {
		_ = json.Unmarshal(raw, &part)
	}
	if part == nil {
		return &Event{Type: EventUnknown, SessionID: sessionID, RawEventType: eventType, RawData: raw}
	}

	switch str(part, "type") {
	case "text":
		if content := str(part, "content", "text"); content != "" {
			return &Event{Type: EventTextDelta, SessionID: sessionID, MessageID: messageID, Delta: content}
		}
	case "thinking", "reasoning":
		if content := str(part, "content", "text"); content != "" {
			return &Event{Type: EventThinkingDelta, SessionID: sessionID, MessageID: messageID, Delta: content}
		}
	case "tool-invocation", "tool":
		toolCallID := str(part, "toolInvocationID", "callID")
		toolName := str(part, "toolName", "tool")
		state := str(part, "state", "status")
		switch state {
		case "pending", "running":
			return &Event{Type: EventToolStart, SessionID: sessionID, ToolCallID: toolCallID, ToolName: toolName, ToolInput: part["input"]}
		case "completed":
			return &Event{Type: EventToolEnd, SessionID: sessionID, ToolCallID: toolCallID, ToolName: toolName, ToolResult: part["output"]}
		case "failed", "error":
			return &Event{Type: EventToolEnd, SessionID: sessionID, ToolCallID: toolCallID, ToolName: toolName, ToolResult: part["output"], ToolIsError: true}
		}
	}

	return &Event{Type: EventUnknown, SessionID: sessionID, RawEventType: eventType, RawData: raw}
}
