// Package claudeengine is the Engine adapter for the Claude Code CLI's
// stream-json protocol: it builds the CLI invocation, and translates each
// decoded NDJSON line into the canonical event model.
//
// Grounded on translate_claude_event and ClaudeStreamState in
// original_source/src/untether/runners/claude.py, re-expressed as a plain
// Go struct and switch instead of Python's dataclass and structural
// pattern match; the wire shapes themselves are cross-checked against
// other_examples' anatolykoptev-dozor and Roasbeef-claude-agent-sdk-go
// standalone reference files.
package claudeengine

import "github.com/riverrun/untether/internal/model"

// State is the per-session, runner-owned translation state. It is never
// shared across sessions and is opaque to the core runner package — it
// only ever appears as the `any` the Engine interface passes back in.
type State struct {
	pendingActions     map[string]model.Action
	lastAssistantText  string
	claudeSessionID    string
	startedYielded     bool
	maxTextLenSeen     int

	// noteSeq numbers each thinking-block note so distinct notes within
	// one session never collide on a single synthesized action id.
	noteSeq int

	// lastToolUseID is the id of the most recently seen tool_use block,
	// used to link a following control_request's permission-warning
	// action back to the tool it gates.
	lastToolUseID string

	// controlActionForTool maps a tool_use_id to the action id of the
	// permission-warning ActionEvent awaiting that tool's result, so the
	// eventual tool_result also resolves the warning.
	controlActionForTool map[string]string
}

// NewState returns a fresh State for one session.
func NewState() *State {
	return &State{
		pendingActions:       make(map[string]model.Action),
		controlActionForTool: make(map[string]string),
	}
}
