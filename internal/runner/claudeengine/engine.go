package claudeengine

import (
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/runner"
)

// Engine is the runner.Engine implementation for the Claude Code CLI.
type Engine struct {
	// ClaudeCmd is the executable name or path to invoke; defaults to
	// "claude" when empty.
	ClaudeCmd string
}

var _ runner.Engine = Engine{}

func (Engine) ID() model.EngineID { return "claude" }

func (Engine) NewState() any { return NewState() }

func (Engine) Translate(raw []byte, state any) (runner.TranslateResult, error) {
	return Translate(raw, state)
}

// LinkControlAction associates the most recently seen tool_use block with
// actionID, so a later tool_result for that same tool also completes the
// linked permission-warning action. A no-op if no tool_use has been seen.
func (Engine) LinkControlAction(stateAny any, actionID string) {
	state, ok := stateAny.(*State)
	if !ok || state.lastToolUseID == "" {
		return
	}
	state.controlActionForTool[state.lastToolUseID] = actionID
}

func (e Engine) FormatResume(token model.ResumeToken) string {
	return FormatResume(token)
}

// ParseResumeLine implements bridge's optional ResumeParser interface,
// recognizing the exact line FormatResume produces.
func (Engine) ParseResumeLine(text string) (model.ResumeToken, bool) {
	m := ResumeRegexp.FindStringSubmatch(text)
	if m == nil {
		return model.ResumeToken{}, false
	}
	return model.ResumeToken{Engine: "claude", Value: m[ResumeRegexp.SubexpIndex("token")]}, true
}
