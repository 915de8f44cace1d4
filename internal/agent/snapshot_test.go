package agent

import "testing"

func TestSnapshotCoalescesTextDeltas(t *testing.T) {
	var s Snapshot
	s.Apply(Event{Type: "message_start", Role: "assistant"})
	s.Apply(Event{Type: "text_delta", Role: "assistant", Delta: "Hello"})
	s.Apply(Event{Type: "text_delta", Role: "assistant", Delta: ", world"})

	if len(s.Parts) != 1 {
		t.Fatalf("expected one coalesced text part, got %d", len(s.Parts))
	}
	if s.Parts[0].Text != "Hello, world" {
		t.Fatalf("unexpected coalesced text: %q", s.Parts[0].Text)
	}
}

func TestSnapshotNeverCoalescesToolParts(t *testing.T) {
	var s Snapshot
	s.Apply(Event{Type: "message_start", Role: "assistant"})
	s.Apply(Event{Type: "tool_call_end", Role: "assistant", ToolCallID: "a", ToolName: "read_file"})
	s.Apply(Event{Type: "tool_execution_end", ToolCallID: "a", ToolName: "read_file", ToolResult: "contents"})
	s.Apply(Event{Type: "tool_call_end", Role: "assistant", ToolCallID: "b", ToolName: "read_file"})

	if len(s.Parts) != 3 {
		t.Fatalf("expected 3 discrete tool parts with no coalescing, got %d", len(s.Parts))
	}
	if s.Parts[0].Kind != PartToolUse || s.Parts[1].Kind != PartToolResult || s.Parts[2].Kind != PartToolUse {
		t.Fatalf("unexpected part kinds: %+v", s.Parts)
	}
}

func TestSnapshotResetOnAgentEnd(t *testing.T) {
	var s Snapshot
	s.Apply(Event{Type: "agent_start"})
	s.Apply(Event{Type: "message_start", Role: "assistant"})
	s.Apply(Event{Type: "text_delta", Role: "assistant", Delta: "hi"})
	s.Apply(Event{Type: "agent_end"})

	if s.IsStreaming || s.HasMessage || len(s.Parts) != 0 {
		t.Fatalf("expected snapshot reset after agent_end, got %+v", s)
	}
}

func TestToReplayEventsEmptyWhenNotStreaming(t *testing.T) {
	var s Snapshot
	if events := s.ToReplayEvents(); events != nil {
		t.Fatalf("expected nil replay events on fresh snapshot, got %v", events)
	}
}

func TestToReplayEventsReconstructsMidTurnState(t *testing.T) {
	var s Snapshot
	s.Apply(Event{Type: "message_start", Role: "assistant"})
	s.Apply(Event{Type: "text_delta", Role: "assistant", Delta: "part one"})
	s.Apply(Event{Type: "tool_call_end", Role: "assistant", ToolCallID: "x", ToolName: "search"})

	events := s.ToReplayEvents()
	if len(events) != 3 {
		t.Fatalf("expected message_start + text + tool_use, got %d events", len(events))
	}
	if events[0].Type != "message_start" || events[0].Role != "assistant" {
		t.Fatalf("expected leading message_start assistant event, got %+v", events[0])
	}
	if events[1].Type != "text" || events[1].Data != "part one" {
		t.Fatalf("unexpected text replay event: %+v", events[1])
	}
	if events[2].Type != "tool_use" {
		t.Fatalf("unexpected tool replay event: %+v", events[2])
	}
}
