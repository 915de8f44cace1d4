package agent

// PartKind identifies the shape of one assistant-turn part.
type PartKind string

const (
	PartText       PartKind = "text"
	PartThinking   PartKind = "thinking"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// Part is one fragment of an in-progress (or replayed) assistant turn.
type Part struct {
	Kind    PartKind
	Text    string // Text/Thinking
	ToolID  string // ToolUse/ToolResult
	Name    string
	Input   any // ToolUse
	Content any // ToolResult
	IsError bool
}

// Event is the normalized coprocess stream event the snapshot folds
// over. Coprocess-specific wire shapes are translated into this set
// before reaching Snapshot.Apply.
type Event struct {
	Type            string `json:"type"` // agent_start, agent_end, message_start, text_delta, thinking_delta, tool_call_end, tool_execution_end
	Role            string `json:"role,omitempty"` // message role carried by message_start/*_delta events
	Delta           string `json:"delta,omitempty"` // text_delta/thinking_delta payload
	ToolCallID      string `json:"tool_call_id,omitempty"`
	ToolName        string `json:"tool_name,omitempty"`
	ToolInput       any    `json:"tool_input,omitempty"`
	ToolResult      any    `json:"tool_result,omitempty"`
	ToolResultError bool   `json:"tool_result_error,omitempty"`
}

// Snapshot holds the running fold of one assistant turn's streamed
// parts, so a newly attached WebSocket client can replay it and reach
// the same mid-turn view as clients that were attached throughout.
// Text and thinking deltas coalesce onto the last part of the same
// kind; tool-use and tool-result never coalesce, matching the
// upstream orchestrator's stream-snapshot algebra.
type Snapshot struct {
	IsStreaming bool
	HasMessage  bool
	Parts       []Part
}

// Reset clears the snapshot back to its zero state, performed on
// AgentEnd so the next turn starts from nothing.
func (s *Snapshot) Reset() {
	s.IsStreaming = false
	s.HasMessage = false
	s.Parts = nil
}

func (s *Snapshot) pushText(delta string) {
	if n := len(s.Parts); n > 0 && s.Parts[n-1].Kind == PartText {
		s.Parts[n-1].Text += delta
		return
	}
	s.Parts = append(s.Parts, Part{Kind: PartText, Text: delta})
}

func (s *Snapshot) pushThinking(delta string) {
	if n := len(s.Parts); n > 0 && s.Parts[n-1].Kind == PartThinking {
		s.Parts[n-1].Text += delta
		return
	}
	s.Parts = append(s.Parts, Part{Kind: PartThinking, Text: delta})
}

// Apply folds one normalized event into the snapshot.
func (s *Snapshot) Apply(ev Event) {
	switch ev.Type {
	case "agent_start":
		s.IsStreaming = true
	case "agent_end":
		s.Reset()
	case "message_start":
		if ev.Role == "assistant" {
			s.IsStreaming = true
			s.HasMessage = true
			s.Parts = nil
		}
	case "text_delta":
		if ev.Role == "assistant" {
			s.IsStreaming = true
			s.HasMessage = true
		}
		s.pushText(ev.Delta)
	case "thinking_delta":
		if ev.Role == "assistant" {
			s.IsStreaming = true
			s.HasMessage = true
		}
		s.pushThinking(ev.Delta)
	case "tool_call_end":
		if ev.Role == "assistant" {
			s.IsStreaming = true
			s.HasMessage = true
		}
		s.Parts = append(s.Parts, Part{Kind: PartToolUse, ToolID: ev.ToolCallID, Name: ev.ToolName, Input: ev.ToolInput})
	case "tool_execution_end":
		s.Parts = append(s.Parts, Part{
			Kind: PartToolResult, ToolID: ev.ToolCallID, Name: ev.ToolName,
			Content: ev.ToolResult, IsError: ev.ToolResultError,
		})
	}
}

// ReplayEvent is one step of the sequence a new WebSocket client can
// apply, in order, to reach the same visible mid-turn state as a
// client that was attached throughout.
type ReplayEvent struct {
	Type string `json:"type"`
	Role string `json:"role,omitempty"`
	Data any    `json:"data,omitempty"`
}

// ToReplayEvents yields the ordered events a new client applies to
// reconstruct the current view. Empty if no assistant message is
// in flight.
func (s *Snapshot) ToReplayEvents() []ReplayEvent {
	if !s.IsStreaming || !s.HasMessage {
		return nil
	}
	out := make([]ReplayEvent, 0, len(s.Parts)+1)
	out = append(out, ReplayEvent{Type: "message_start", Role: "assistant"})
	for _, p := range s.Parts {
		switch p.Kind {
		case PartText:
			out = append(out, ReplayEvent{Type: "text", Data: p.Text})
		case PartThinking:
			out = append(out, ReplayEvent{Type: "thinking", Data: p.Text})
		case PartToolUse:
			out = append(out, ReplayEvent{Type: "tool_use", Data: map[string]any{
				"id": p.ToolID, "name": p.Name, "input": p.Input,
			}})
		case PartToolResult:
			out = append(out, ReplayEvent{Type: "tool_result", Data: map[string]any{
				"id": p.ToolID, "name": p.Name, "content": p.Content, "isError": p.IsError,
			}})
		}
	}
	return out
}
