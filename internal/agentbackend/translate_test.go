package agentbackend

import "testing"

func TestTranslateSessionBusyIdle(t *testing.T) {
	ev := TranslateSSEEvent("s1", "", []byte(`{"type":"session.busy"}`))
	if ev.Type != EventSessionBusy {
		t.Fatalf("expected session.busy, got %v", ev.Type)
	}
	ev = TranslateSSEEvent("s1", "", []byte(`{"type":"session.idle"}`))
	if ev.Type != EventSessionIdle {
		t.Fatalf("expected session.idle, got %v", ev.Type)
	}
}

func TestTranslateKeepaliveDropped(t *testing.T) {
	if ev := TranslateSSEEvent("s1", "", []byte(`{"type":"keepalive"}`)); ev != nil {
		t.Fatalf("expected keepalive to be dropped, got %+v", ev)
	}
}

func TestTranslatePermissionWithNestedProperties(t *testing.T) {
	data := []byte(`{
		"type": "permission.updated",
		"properties": {
			"id": "perm-1",
			"type": "bash",
			"title": "Run bash",
			"pattern": "ls -la",
			"metadata": {"foo": "bar"}
		}
	}`)
	ev := TranslateSSEEvent("s1", "", data)
	if ev.Type != EventPermissionRequest {
		t.Fatalf("expected permission request, got %v", ev.Type)
	}
	if ev.PermissionID != "perm-1" || ev.PermissionType != "bash" || ev.Title != "Run bash" {
		t.Fatalf("unexpected fields: %+v", ev)
	}
}

func TestTranslatePermissionWithFlatSnakeCaseFields(t *testing.T) {
	data := []byte(`{
		"type": "permission.updated",
		"properties": {
			"permission_id": "perm-3",
			"permission_type": "bash",
			"title": "Run bash",
			"pattern": "pwd"
		}
	}`)
	ev := TranslateSSEEvent("s1", "", data)
	if ev.PermissionID != "perm-3" || ev.PermissionType != "bash" {
		t.Fatalf("unexpected fields: %+v", ev)
	}
}

func TestTranslateSessionErrorFromNestedErrorObject(t *testing.T) {
	data := []byte(`{
		"type": "session.error",
		"error": {"name": "BadRequest", "data": {"message": "Nope"}}
	}`)
	ev := TranslateSSEEvent("s1", "", data)
	if ev.Type != EventSessionError {
		t.Fatalf("expected session error, got %v", ev.Type)
	}
	if ev.ErrorType != "BadRequest" || ev.ErrorMessage != "Nope" {
		t.Fatalf("unexpected fields: %+v", ev)
	}
}

func TestTranslateSessionErrorFromFlatFields(t *testing.T) {
	data := []byte(`{"type": "session.error", "error_type": "BadRequest", "message": "Nope"}`)
	ev := TranslateSSEEvent("s1", "", data)
	if ev.ErrorType != "BadRequest" || ev.ErrorMessage != "Nope" {
		t.Fatalf("unexpected fields: %+v", ev)
	}
}

func TestTranslatePartTextDelta(t *testing.T) {
	data := []byte(`{
		"type": "part.updated",
		"properties": {
			"messageID": "msg-1",
			"part": {"type": "text", "content": "hello"}
		}
	}`)
	ev := TranslateSSEEvent("s1", "", data)
	if ev.Type != EventTextDelta || ev.MessageID != "msg-1" || ev.Delta != "hello" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestTranslatePartToolLifecycle(t *testing.T) {
	start := TranslateSSEEvent("s1", "", []byte(`{
		"type":"part.updated",
		"properties":{"messageID":"m1","part":{"type":"tool-invocation","toolInvocationID":"t1","toolName":"bash","state":"running"}}
	}`))
	if start.Type != EventToolStart || start.ToolCallID != "t1" {
		t.Fatalf("expected tool start, got %+v", start)
	}

	done := TranslateSSEEvent("s1", "", []byte(`{
		"type":"part.updated",
		"properties":{"messageID":"m1","part":{"type":"tool-invocation","toolInvocationID":"t1","toolName":"bash","state":"completed","output":"ok"}}
	}`))
	if done.Type != EventToolEnd || done.ToolIsError {
		t.Fatalf("expected successful tool end, got %+v", done)
	}

	failed := TranslateSSEEvent("s1", "", []byte(`{
		"type":"part.updated",
		"properties":{"messageID":"m1","part":{"type":"tool-invocation","toolInvocationID":"t1","toolName":"bash","state":"failed"}}
	}`))
	if failed.Type != EventToolEnd || !failed.ToolIsError {
		t.Fatalf("expected failed tool end, got %+v", failed)
	}
}

func TestTranslateUnknownEventPassthrough(t *testing.T) {
	ev := TranslateSSEEvent("s1", "custom.thing", []byte(`{"foo":"bar"}`))
	if ev.Type != EventUnknown || ev.RawEventType != "custom.thing" {
		t.Fatalf("expected unknown passthrough, got %+v", ev)
	}
}

func TestBackoffDelayIsCappedAndMonotonicAtFirst(t *testing.T) {
	d1 := backoffDelay(1)
	d5 := backoffDelay(5)
	dMax := backoffDelay(50)
	if d1 <= 0 {
		t.Fatal("expected positive backoff at attempt 1")
	}
	if d5 <= d1 {
		t.Fatalf("expected backoff to grow: d1=%v d5=%v", d1, d5)
	}
	if dMax > maxBackoff {
		t.Fatalf("expected backoff to be capped at %v, got %v", maxBackoff, dMax)
	}
}
