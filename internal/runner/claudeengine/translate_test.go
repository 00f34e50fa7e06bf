package claudeengine

import (
	"testing"

	"github.com/riverrun/untether/internal/model"
)

func TestTranslate_SystemInit(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"system","subtype":"init","session_id":"sess-abc"}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1 StartedEvent: %+v", len(res.Events), res.Events)
	}
	started, ok := res.Events[0].(model.StartedEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want StartedEvent", res.Events[0])
	}
	if started.Resume.Value != "sess-abc" {
		t.Errorf("Resume.Value = %q, want %q", started.Resume.Value, "sess-abc")
	}
	if !state.startedYielded {
		t.Error("startedYielded should be set after the first init line")
	}

	// A second init line on the same state must not yield a second StartedEvent.
	res2, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() second call error = %v", err)
	}
	if len(res2.Events) != 0 {
		t.Errorf("second init line yielded %d events, want 0", len(res2.Events))
	}
}

func TestTranslate_AssistantToolUse(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"assistant","message":{"content":[
		{"type":"tool_use","id":"tool-1","name":"Bash","input":{"command":"ls -la"}}
	]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1 ActionEvent: %+v", len(res.Events), res.Events)
	}
	ae, ok := res.Events[0].(model.ActionEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want ActionEvent", res.Events[0])
	}
	if ae.Phase != model.PhaseStarted {
		t.Errorf("Phase = %q, want started", ae.Phase)
	}
	if ae.Action.Kind != model.ActionCommand || ae.Action.Title != "ls -la" {
		t.Errorf("Action = %+v, want kind=command title=%q", ae.Action, "ls -la")
	}
	if state.lastToolUseID != "tool-1" {
		t.Errorf("lastToolUseID = %q, want %q", state.lastToolUseID, "tool-1")
	}
	if _, pending := state.pendingActions["tool-1"]; !pending {
		t.Error("tool-1 should be recorded in pendingActions")
	}
}

func TestTranslate_AssistantThinking_UniqueIDsAndCompletedPhase(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"assistant","message":{"content":[
		{"type":"thinking","thinking":"considering the options"},
		{"type":"thinking","thinking":"deciding on an approach"}
	]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2 note ActionEvents: %+v", len(res.Events), res.Events)
	}

	seen := map[string]bool{}
	for _, ev := range res.Events {
		ae, ok := ev.(model.ActionEvent)
		if !ok {
			t.Fatalf("event = %T, want ActionEvent", ev)
		}
		if ae.Action.Kind != model.ActionNote {
			t.Errorf("Action.Kind = %q, want note", ae.Action.Kind)
		}
		if ae.Phase != model.PhaseCompleted {
			t.Errorf("Phase = %q, want completed (thinking notes never go through started)", ae.Phase)
		}
		if ae.Ok == nil || !*ae.Ok {
			t.Errorf("Ok = %v, want true", ae.Ok)
		}
		if ae.Action.ID == "" {
			t.Error("thinking note must have a non-empty synthesized id")
		}
		seen[ae.Action.ID] = true
	}
	if len(seen) != 2 {
		t.Errorf("thinking notes collided on ids, got %d distinct ids, want 2: %v", len(seen), seen)
	}
	if state.noteSeq != 2 {
		t.Errorf("noteSeq = %d, want 2 after two non-empty thinking blocks", state.noteSeq)
	}
}

func TestTranslate_AssistantThinking_EmptySkipped(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"thinking","thinking":""}]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 0 {
		t.Errorf("got %d events, want 0 for an empty thinking block", len(res.Events))
	}
	if state.noteSeq != 0 {
		t.Errorf("noteSeq = %d, want 0 (empty thinking must not increment it)", state.noteSeq)
	}
}

func TestTranslate_UserToolResult_CompletesPendingAction(t *testing.T) {
	state := NewState()
	state.pendingActions["tool-1"] = model.Action{ID: "tool-1", Kind: model.ActionCommand, Title: "ls -la"}

	line := []byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tool-1","content":"total 0\n"}
	]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1 completed ActionEvent: %+v", len(res.Events), res.Events)
	}
	ae, ok := res.Events[0].(model.ActionEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want ActionEvent", res.Events[0])
	}
	if ae.Phase != model.PhaseCompleted || ae.Ok == nil || !*ae.Ok {
		t.Errorf("ActionEvent = %+v, want a successful completed event", ae)
	}
	if _, stillPending := state.pendingActions["tool-1"]; stillPending {
		t.Error("tool-1 should be removed from pendingActions once its result arrives")
	}
}

func TestTranslate_UserToolResult_CompletesLinkedControlAction(t *testing.T) {
	state := NewState()
	state.pendingActions["tool-1"] = model.Action{ID: "tool-1", Kind: model.ActionCommand, Title: "rm -rf /tmp/x"}
	state.lastToolUseID = "tool-1"

	// handleControlRequest would call Engine.LinkControlAction at the
	// moment it yields the interactive permission-warning ActionEvent.
	Engine{}.LinkControlAction(state, "req-1")

	line := []byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tool-1","content":"removed"}
	]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2 (tool completion + linked warning completion): %+v", len(res.Events), res.Events)
	}

	toolEvent, ok := res.Events[0].(model.ActionEvent)
	if !ok || toolEvent.Action.ID != "tool-1" {
		t.Fatalf("events[0] = %+v, want the tool-1 completion", res.Events[0])
	}

	warnEvent, ok := res.Events[1].(model.ActionEvent)
	if !ok {
		t.Fatalf("events[1] = %T, want ActionEvent", res.Events[1])
	}
	if warnEvent.Action.ID != "req-1" || warnEvent.Action.Kind != model.ActionWarning {
		t.Errorf("linked warning event = %+v, want id=req-1 kind=warning", warnEvent)
	}
	if warnEvent.Phase != model.PhaseCompleted || warnEvent.Ok == nil || !*warnEvent.Ok {
		t.Errorf("linked warning event = %+v, want a successful completed event", warnEvent)
	}
	if _, stillLinked := state.controlActionForTool["tool-1"]; stillLinked {
		t.Error("controlActionForTool entry should be popped once the linked tool_result arrives")
	}
}

func TestTranslate_UserToolResult_ErrorSetsOkFalse(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tool-9","content":"no such file","is_error":true}
	]}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	ae, ok := res.Events[0].(model.ActionEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want ActionEvent", res.Events[0])
	}
	if ae.Ok == nil || *ae.Ok {
		t.Errorf("Ok = %v, want false for is_error tool_result", ae.Ok)
	}
}

func TestTranslate_Result_Success(t *testing.T) {
	state := NewState()
	state.claudeSessionID = "sess-abc"
	state.lastAssistantText = "fallback answer"

	line := []byte(`{"type":"result","subtype":"success","result":"all done","total_cost_usd":0.0123,"usage":{"input_tokens":10,"output_tokens":20}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("got %d events, want 1 CompletedEvent: %+v", len(res.Events), res.Events)
	}
	ce, ok := res.Events[0].(model.CompletedEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want CompletedEvent", res.Events[0])
	}
	if !ce.Ok {
		t.Error("Ok = false, want true for a success result")
	}
	if ce.Answer != "all done" {
		t.Errorf("Answer = %q, want %q", ce.Answer, "all done")
	}
	if ce.Resume.Value != "sess-abc" {
		t.Errorf("Resume.Value = %q, want %q", ce.Resume.Value, "sess-abc")
	}
	if ce.Usage == nil || ce.Usage.InputTokens != 10 || ce.Usage.OutputTokens != 20 || ce.Usage.CostUSD != 0.0123 {
		t.Errorf("Usage = %+v, want input=10 output=20 cost=0.0123", ce.Usage)
	}
}

func TestTranslate_Result_ErrorFallsBackToLastAssistantText(t *testing.T) {
	state := NewState()
	state.lastAssistantText = "here is what I had so far"

	line := []byte(`{"type":"result","subtype":"error","is_error":true,"result":""}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	ce, ok := res.Events[0].(model.CompletedEvent)
	if !ok {
		t.Fatalf("events[0] = %T, want CompletedEvent", res.Events[0])
	}
	if ce.Ok {
		t.Error("Ok = true, want false for an error result")
	}
	if ce.Answer != "here is what I had so far" {
		t.Errorf("Answer = %q, want the state's last assistant text fallback", ce.Answer)
	}
	if ce.Error == "" {
		t.Error("Error should be populated for an error result")
	}
}

func TestTranslate_ControlRequest(t *testing.T) {
	state := NewState()
	line := []byte(`{"type":"control_request","request_id":"req-42","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm -rf /"}}}`)

	res, err := Translate(line, state)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(res.ControlRequests) != 1 {
		t.Fatalf("got %d control requests, want 1: %+v", len(res.ControlRequests), res.ControlRequests)
	}
	req := res.ControlRequests[0]
	if req.ID != "req-42" {
		t.Errorf("ID = %q, want %q", req.ID, "req-42")
	}
	if req.ToolName != "Bash" {
		t.Errorf("ToolName = %q, want %q", req.ToolName, "Bash")
	}
	if cmd, _ := req.ToolInput["command"].(string); cmd != "rm -rf /" {
		t.Errorf("ToolInput[command] = %q, want %q", cmd, "rm -rf /")
	}
}

func TestTranslate_UnknownStateType(t *testing.T) {
	_, err := Translate([]byte(`{"type":"system"}`), "not-a-state")
	if err == nil {
		t.Fatal("Translate() with a non-*State state should error")
	}
}
