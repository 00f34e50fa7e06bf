package control

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClassify_AutoApproveSubtypes(t *testing.T) {
	for subtype := range autoApproveSubtypes {
		d := Classify(Request{Subtype: subtype}, ModePlan, false, DiscussCooldownState{})
		if !d.AutoApprove {
			t.Errorf("Classify(%s) = %+v, want AutoApprove", subtype, d)
		}
	}
}

func TestClassify_UnknownSubtypeAutoApproves(t *testing.T) {
	d := Classify(Request{Subtype: "something_new"}, ModePlan, false, DiscussCooldownState{})
	if !d.AutoApprove {
		t.Errorf("Classify(unknown subtype) = %+v, want AutoApprove", d)
	}
}

func TestClassify_OrdinaryToolAutoApproves(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "Bash"}, ModePlan, false, DiscussCooldownState{})
	if !d.AutoApprove {
		t.Errorf("Classify(Bash) = %+v, want AutoApprove", d)
	}
}

func TestClassify_AskUserQuestionGoesInteractive(t *testing.T) {
	d := Classify(Request{
		Subtype:  SubtypeCanUseTool,
		ToolName: "AskUserQuestion",
		ToolInput: map[string]any{
			"question": "Which approach?",
		},
	}, ModePlan, false, DiscussCooldownState{})

	if !d.Interactive {
		t.Fatalf("Classify(AskUserQuestion) = %+v, want Interactive", d)
	}
	if d.Question != "Which approach?" {
		t.Errorf("Question = %q, want %q", d.Question, "Which approach?")
	}
	if len(d.Keyboard) != 1 || len(d.Keyboard[0]) != 2 {
		t.Errorf("Keyboard = %v, want one row of Approve/Deny", d.Keyboard)
	}
}

func TestExtractQuestion_NestedShape(t *testing.T) {
	input := map[string]any{
		"questions": []any{
			map[string]any{"question": "nested question"},
		},
	}
	if got := extractQuestion(input); got != "nested question" {
		t.Errorf("extractQuestion(nested) = %q, want %q", got, "nested question")
	}
}

func TestExtractQuestion_Fallback(t *testing.T) {
	if got := extractQuestion(map[string]any{}); got == "" {
		t.Error("extractQuestion(empty) should return a non-empty fallback")
	}
}

func TestClassifyExitPlanMode_AutoModeApproves(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "ExitPlanMode"}, ModeAuto, false, DiscussCooldownState{})
	if !d.AutoApprove {
		t.Errorf("Classify(ExitPlanMode, ModeAuto) = %+v, want AutoApprove", d)
	}
}

func TestClassifyExitPlanMode_DiscussApprovedOverridesCooldown(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "ExitPlanMode"}, ModePlan, true,
		DiscussCooldownState{InCooldown: true})
	if !d.AutoApprove {
		t.Errorf("Classify(ExitPlanMode, discussApproved) = %+v, want AutoApprove", d)
	}
}

func TestClassifyExitPlanMode_CooldownWithoutOutlineDenies(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "ExitPlanMode"}, ModePlan, false,
		DiscussCooldownState{InCooldown: true, OutlineDetected: false})
	if !d.AutoDeny {
		t.Fatalf("Classify(ExitPlanMode, cooldown no outline) = %+v, want AutoDeny", d)
	}
	if d.Message != discussEscalationMessage {
		t.Errorf("Message = %q, want the discuss escalation message", d.Message)
	}
}

func TestClassifyExitPlanMode_CooldownWithOutlineDeniesWithSyntheticPrompt(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "ExitPlanMode"}, ModePlan, false,
		DiscussCooldownState{InCooldown: true, OutlineDetected: true, OutlineText: "1. do X\n2. do Y"})
	if !d.AutoDeny {
		t.Fatalf("Classify(ExitPlanMode, cooldown with outline) = %+v, want AutoDeny", d)
	}
	if !strings.Contains(d.SyntheticWarningPrompt, "1. do X") {
		t.Errorf("SyntheticWarningPrompt = %q, want it to carry the outline text", d.SyntheticWarningPrompt)
	}
}

func TestClassifyExitPlanMode_DefaultGoesInteractive(t *testing.T) {
	d := Classify(Request{Subtype: SubtypeCanUseTool, ToolName: "ExitPlanMode"}, ModePlan, false, DiscussCooldownState{})
	if !d.Interactive {
		t.Fatalf("Classify(ExitPlanMode, default) = %+v, want Interactive", d)
	}
	if len(d.Keyboard) != 2 {
		t.Errorf("Keyboard rows = %d, want 2 (approve/deny + pause&outline)", len(d.Keyboard))
	}
}

func TestEncode_Approve(t *testing.T) {
	wire, err := Encode(Response{RequestID: "req-1", Approve: true, UpdatedInput: map[string]any{"foo": "bar"}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.HasSuffix(string(wire), "\n") {
		t.Error("Encode() should end with a newline")
	}

	var decoded map[string]any
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Encode() produced invalid JSON: %v", err)
	}
	response := decoded["response"].(map[string]any)["response"].(map[string]any)
	if response["behavior"] != "allow" {
		t.Errorf("behavior = %v, want allow", response["behavior"])
	}
	if _, hasMessage := response["message"]; hasMessage {
		t.Error("an approved response should omit message")
	}
	if response["updatedInput"] == nil {
		t.Error("an approved response should carry updatedInput when set")
	}
}

func TestEncode_Deny(t *testing.T) {
	wire, err := Encode(Response{RequestID: "req-2", Approve: false, Message: "nope", UpdatedInput: map[string]any{"x": 1}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded map[string]any
	_ = json.Unmarshal(wire, &decoded)
	response := decoded["response"].(map[string]any)["response"].(map[string]any)
	if response["behavior"] != "deny" {
		t.Errorf("behavior = %v, want deny", response["behavior"])
	}
	if response["message"] != "nope" {
		t.Errorf("message = %v, want nope", response["message"])
	}
	if _, hasUpdatedInput := response["updatedInput"]; hasUpdatedInput {
		t.Error("a denied response should omit updatedInput")
	}
}
