package claudeengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/runner"
)

// rawMessage is the minimal top-level shape every stream-json line shares.
type rawMessage struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`

	// system/init
	SessionID string `json:"session_id"`

	// result
	Result      string   `json:"result"`
	IsError     bool     `json:"is_error"`
	TotalCostUS *float64 `json:"total_cost_usd"`
	Usage       *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`

	// control_request
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    map[string]any  `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
	Content  json.RawMessage `json:"content"`
	IsError  bool            `json:"is_error"`
}

type controlRequestBody struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// Translate decodes one stdout line and returns the canonical events (and
// any control requests) it represents. It never mutates anything outside
// state; registries and stdin writes are the Runner's job.
func Translate(raw []byte, stateAny any) (runner.TranslateResult, error) {
	state, ok := stateAny.(*State)
	if !ok {
		return runner.TranslateResult{}, fmt.Errorf("claudeengine: unexpected state type %T", stateAny)
	}

	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return runner.TranslateResult{}, fmt.Errorf("decode stream-json line: %w", err)
	}

	switch msg.Type {
	case "system":
		return translateSystem(msg, state)
	case "assistant":
		return translateAssistant(msg, state)
	case "user":
		return translateUser(msg, state)
	case "result":
		return translateResult(msg, state)
	case "control_request":
		return translateControlRequest(msg, state)
	default:
		return runner.TranslateResult{}, nil
	}
}

func translateSystem(msg rawMessage, state *State) (runner.TranslateResult, error) {
	if msg.Subtype != "init" || state.startedYielded {
		return runner.TranslateResult{}, nil
	}
	state.startedYielded = true
	state.claudeSessionID = msg.SessionID
	return runner.TranslateResult{
		Events: []model.Event{model.StartedEvent{
			Engine: "claude",
			Resume: model.ResumeToken{Engine: "claude", Value: msg.SessionID},
			Title:  "Claude Code session started",
			AtTime: time.Now(),
		}},
	}, nil
}

func translateAssistant(msg rawMessage, state *State) (runner.TranslateResult, error) {
	var am assistantMessage
	if err := json.Unmarshal(msg.Message, &am); err != nil {
		return runner.TranslateResult{}, fmt.Errorf("decode assistant message: %w", err)
	}

	var result runner.TranslateResult
	for _, block := range am.Content {
		switch block.Type {
		case "text":
			state.lastAssistantText = block.Text
			result.AssistantTextDelta = block.Text
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			state.noteSeq++
			ok := true
			result.Events = append(result.Events, model.ActionEvent{
				Action: model.Action{
					ID:     fmt.Sprintf("claude.thinking.%d", state.noteSeq),
					Kind:   model.ActionNote,
					Title:  block.Thinking,
					Detail: map[string]any{"text": block.Thinking},
				},
				Phase:  model.PhaseCompleted,
				Ok:     &ok,
				AtTime: time.Now(),
			})
		case "tool_use":
			kind, title := toolKindAndTitle(block.Name, block.Input)
			action := model.Action{ID: block.ID, Kind: kind, Title: title, Detail: block.Input}
			state.pendingActions[block.ID] = action
			state.lastToolUseID = block.ID
			result.Events = append(result.Events, model.ActionEvent{
				Action: action,
				Phase:  model.PhaseStarted,
				AtTime: time.Now(),
			})
		}
	}
	return result, nil
}

func translateUser(msg rawMessage, state *State) (runner.TranslateResult, error) {
	var um assistantMessage
	if err := json.Unmarshal(msg.Message, &um); err != nil {
		return runner.TranslateResult{}, fmt.Errorf("decode user message: %w", err)
	}

	var result runner.TranslateResult
	for _, block := range um.Content {
		if block.Type != "tool_result" {
			continue
		}
		action, known := state.pendingActions[block.ToolUseID]
		if !known {
			action = model.Action{ID: block.ToolUseID, Kind: model.ActionTool, Title: "tool"}
		}
		ok := !block.IsError
		detail := map[string]any{"output": normalizeToolResult(block.Content)}
		for k, v := range action.Detail {
			detail[k] = v
		}
		action.Detail = detail
		delete(state.pendingActions, block.ToolUseID)
		result.Events = append(result.Events, model.ActionEvent{
			Action: action,
			Phase:  model.PhaseCompleted,
			Ok:     &ok,
			AtTime: time.Now(),
		})

		if controlActionID, linked := state.controlActionForTool[block.ToolUseID]; linked {
			delete(state.controlActionForTool, block.ToolUseID)
			warningOk := true
			result.Events = append(result.Events, model.ActionEvent{
				Action: model.Action{ID: controlActionID, Kind: model.ActionWarning, Title: "Permission resolved"},
				Phase:  model.PhaseCompleted,
				Ok:     &warningOk,
				AtTime: time.Now(),
			})
		}
	}
	return result, nil
}

func translateResult(msg rawMessage, state *State) (runner.TranslateResult, error) {
	var usage *model.Usage
	if msg.Usage != nil || msg.TotalCostUS != nil {
		u := model.Usage{}
		if msg.Usage != nil {
			u.InputTokens = msg.Usage.InputTokens
			u.OutputTokens = msg.Usage.OutputTokens
		}
		if msg.TotalCostUS != nil {
			u.CostUSD = *msg.TotalCostUS
		}
		usage = &u
	}

	ok := msg.Subtype != "error" && !msg.IsError
	answer := msg.Result
	if answer == "" {
		answer = state.lastAssistantText
	}

	ev := model.CompletedEvent{
		Ok:     ok,
		Answer: answer,
		Resume: model.ResumeToken{Engine: "claude", Value: state.claudeSessionID},
		Usage:  usage,
		AtTime: time.Now(),
	}
	if !ok {
		ev.Error = extractError(msg.Result)
	}
	return runner.TranslateResult{Events: []model.Event{ev}}, nil
}

func translateControlRequest(msg rawMessage, state *State) (runner.TranslateResult, error) {
	var body controlRequestBody
	if err := json.Unmarshal(msg.Request, &body); err != nil {
		return runner.TranslateResult{}, fmt.Errorf("decode control_request: %w", err)
	}
	return runner.TranslateResult{
		ControlRequests: []control.Request{{
			ID:        msg.RequestID,
			Subtype:   control.Subtype(body.Subtype),
			ToolName:  body.ToolName,
			ToolInput: body.Input,
		}},
	}, nil
}

func extractError(result string) string {
	if result == "" {
		return "subprocess reported an error result with no message"
	}
	return result
}

// normalizeToolResult renders a tool_result's content field — which can be
// a bare string or a list of content blocks — as plain text for display.
func normalizeToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// toolKindAndTitle maps a tool name to a display kind/title, mirroring
// _tool_kind_and_title's per-tool switch in the source this was distilled
// from (Bash -> command, Read/Write/Edit -> file_change, Task -> subagent,
// WebSearch -> web_search, everything else -> tool).
func toolKindAndTitle(name string, input map[string]any) (model.ActionKind, string) {
	switch name {
	case "Bash":
		cmd, _ := input["command"].(string)
		return model.ActionCommand, cmd
	case "Read", "Write", "Edit":
		path, _ := input["file_path"].(string)
		return model.ActionFileChange, fmt.Sprintf("%s %s", name, path)
	case "Task":
		desc, _ := input["description"].(string)
		return model.ActionSubagent, desc
	case "WebSearch":
		q, _ := input["query"].(string)
		return model.ActionWebSearch, q
	default:
		return model.ActionTool, name
	}
}

// LastAssistantText implements runner.Engine.
func (Engine) LastAssistantText(stateAny any) string {
	state, ok := stateAny.(*State)
	if !ok {
		return ""
	}
	return state.lastAssistantText
}
