// Package control implements the control-channel protocol: the decision
// tree that classifies each control_request a subprocess sends over its
// stdin/stdout pipe, and the wire encoding of the control_response that
// answers it.
//
// Grounded line-for-line on the control_request branch of translate_claude_event
// in original_source/src/untether/runners/claude.py — the "match event" block
// covering _AUTO_APPROVE_TYPES, _TOOLS_REQUIRING_APPROVAL, ExitPlanMode's
// auto/discuss-cooldown/outline-bypass branches, and the AskUserQuestion
// question-extraction fallback.
package control

import (
	"encoding/json"
	"fmt"
)

// Subtype is a control_request's "subtype" field.
type Subtype string

const (
	SubtypeInitialize        Subtype = "initialize"
	SubtypeHookCallback      Subtype = "hook_callback"
	SubtypeMCPMessage        Subtype = "mcp_message"
	SubtypeRewindFiles       Subtype = "rewind_files"
	SubtypeInterrupt         Subtype = "interrupt"
	SubtypeCanUseTool        Subtype = "can_use_tool"
	SubtypeSetPermissionMode Subtype = "set_permission_mode"
)

// autoApproveSubtypes never need user input — they are approved the instant
// they are seen.
var autoApproveSubtypes = map[Subtype]bool{
	SubtypeInitialize:        true,
	SubtypeHookCallback:      true,
	SubtypeMCPMessage:        true,
	SubtypeRewindFiles:       true,
	SubtypeInterrupt:         true,
	SubtypeSetPermissionMode: true,
}

// toolsRequiringApproval are the only two tool names that ever reach an
// interactive approval path; every other tool auto-approves.
var toolsRequiringApproval = map[string]bool{
	"ExitPlanMode":     true,
	"AskUserQuestion":  true,
}

// PermissionMode is the effective per-chat/per-engine permission policy.
type PermissionMode string

const (
	ModePlan               PermissionMode = "plan"
	ModeAuto               PermissionMode = "auto"
	ModeAcceptEdits        PermissionMode = "acceptEdits"
	ModeBypassPermissions  PermissionMode = "bypassPermissions"
)

// Request is the normalized shape of an incoming control_request, after
// the engine adapter has picked the fields it cares about out of its raw
// wire format.
type Request struct {
	ID       string
	Subtype  Subtype
	ToolName string
	// ToolInput is only meaningful when Subtype == SubtypeCanUseTool.
	ToolInput map[string]any
}

// Decision is the outcome of classifying a Request.
type Decision struct {
	// AutoApprove means a control_response approving the request should
	// be written back immediately, without any user interaction.
	AutoApprove bool

	// AutoDeny means a control_response denying the request should be
	// written back immediately, with Message as the deny reason shown
	// to the subprocess (not the end user).
	AutoDeny bool
	Message  string

	// Synthetic means this decision did not come from an interactive
	// user choice and should not be sent to the subprocess at all — the
	// plan-mode coordinator already resolved it (the "da:" approvals).
	Synthetic bool

	// Interactive means the request needs a user decision: a warning
	// ActionEvent should be yielded with the given prompt and keyboard,
	// and the request registered against the session's stdin.
	Interactive bool
	Prompt      string
	Keyboard    [][]string
	// Question is set only for an interactive AskUserQuestion request.
	Question string

	// SyntheticWarningPrompt is non-empty only on the AutoDeny branch of
	// an ExitPlanMode request made while a Pause & Outline cooldown is
	// active. It is not sent to the subprocess (that gets Message); it is
	// shown to the chat user as a separate "da:"-prefixed card so they
	// can accept or reject the outline once it appears, independent of
	// the subprocess-facing deny already issued.
	SyntheticWarningPrompt string
}

// DiscussCooldownState is what the plan-mode coordinator reports back when
// asked whether sessionID is mid plan-mode negotiation.
type DiscussCooldownState struct {
	InCooldown     bool
	OutlineDetected bool
	OutlineText    string
}

// Classify applies the control-request decision tree. mode is the
// effective permission mode; discussApproved reports whether a prior
// plan-mode approval already cleared this session; cooldown carries the plan-mode
// coordinator's view for ExitPlanMode requests.
func Classify(req Request, mode PermissionMode, discussApproved bool, cooldown DiscussCooldownState) Decision {
	if autoApproveSubtypes[req.Subtype] {
		return Decision{AutoApprove: true}
	}

	if req.Subtype != SubtypeCanUseTool {
		// Unknown/forward-compatible subtype: approve rather than stall
		// a subprocess on a request type we don't recognize.
		return Decision{AutoApprove: true}
	}

	if !toolsRequiringApproval[req.ToolName] {
		return Decision{AutoApprove: true}
	}

	if req.ToolName == "ExitPlanMode" {
		return classifyExitPlanMode(mode, discussApproved, cooldown)
	}

	// AskUserQuestion always goes interactive.
	question := extractQuestion(req.ToolInput)
	return Decision{
		Interactive: true,
		Prompt:      question,
		Keyboard:    [][]string{{"Approve", "Deny"}},
		Question:    question,
	}
}

func classifyExitPlanMode(mode PermissionMode, discussApproved bool, cooldown DiscussCooldownState) Decision {
	if mode == ModeAuto {
		return Decision{AutoApprove: true}
	}
	if discussApproved {
		return Decision{AutoApprove: true}
	}
	if cooldown.InCooldown {
		if cooldown.OutlineDetected {
			return Decision{
				AutoDeny:               true,
				Message:                outlineAcceptedMessage(cooldown.OutlineText),
				SyntheticWarningPrompt: "Plan outline:\n" + cooldown.OutlineText,
			}
		}
		return Decision{
			AutoDeny:               true,
			Message:                discussEscalationMessage,
			SyntheticWarningPrompt: "Still writing the plan outline — waiting for at least a few lines of detail before you can approve.",
		}
	}
	return Decision{
		Interactive: true,
		Prompt:      "Ready to exit plan mode and start implementing?",
		Keyboard:    [][]string{{"Approve", "Deny"}, {"Pause & Outline Plan"}},
	}
}

// discussEscalationMessage is sent back to the subprocess (not shown to the
// chat user) when it calls ExitPlanMode again during a Pause & Outline
// cooldown before any outline has been detected — it tells the
// agent the user can't see tool calls or thinking, only assistant text, and
// asks it to write a visible outline and wait.
const discussEscalationMessage = "The user paused to review your plan before you exit plan mode. " +
	"They cannot see your tool calls or thinking — only the plain text you write. " +
	"Write a clear outline of your plan (at least 15 visible lines) as assistant text, " +
	"then wait; do not call ExitPlanMode again yet."

func outlineAcceptedMessage(outline string) string {
	return fmt.Sprintf(
		"The user has now reviewed the outline below and will respond via the Approve/Deny buttons shown to them separately. Do not call ExitPlanMode again until they do.\n\nOutline reviewed:\n%s",
		outline,
	)
}

// extractQuestion pulls the question text out of an AskUserQuestion tool
// input, supporting both the flat `question` field and the nested
// `questions[0].question` shape different engine versions have used.
func extractQuestion(input map[string]any) string {
	if q, ok := input["question"].(string); ok && q != "" {
		return q
	}
	if qs, ok := input["questions"].([]any); ok && len(qs) > 0 {
		if first, ok := qs[0].(map[string]any); ok {
			if q, ok := first["question"].(string); ok {
				return q
			}
		}
	}
	return "What would you like to do?"
}

// Response is the outgoing control_response payload.
type Response struct {
	RequestID     string
	Approve       bool
	Message       string
	UpdatedInput  map[string]any
}

// wireEnvelope and its nested shapes mirror the exact JSON the subprocess
// expects, per write_control_response in the source this was distilled
// from: {"type":"control_response","response":{...}}.
type wireEnvelope struct {
	Type     string       `json:"type"`
	Response wireResponse `json:"response"`
}

type wireResponse struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id"`
	Response  wireDecisionBody `json:"response"`
}

type wireDecisionBody struct {
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// Encode renders r as the newline-terminated JSON line the subprocess's
// stdin expects.
func Encode(r Response) ([]byte, error) {
	behavior := "deny"
	if r.Approve {
		behavior = "allow"
	}
	env := wireEnvelope{
		Type: "control_response",
		Response: wireResponse{
			Subtype:   "success",
			RequestID: r.RequestID,
			Response: wireDecisionBody{
				Behavior:     behavior,
				Message:      r.Message,
				UpdatedInput: r.UpdatedInput,
			},
		},
	}
	if r.Approve {
		env.Response.Response.Message = ""
	} else {
		env.Response.Response.UpdatedInput = nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode control_response: %w", err)
	}
	return append(body, '\n'), nil
}
