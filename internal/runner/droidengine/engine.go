// Package droidengine is a second Engine adapter, modeled on the teacher's
// internal/agent/droid StreamingExecutor: a JSON-RPC-over-stdio protocol
// rather than Claude Code's stream-json, included to prove the Engine
// seam in internal/runner generalizes beyond one wire format.
package droidengine

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/runner"
)

// Engine implements runner.Engine for a droid-style JSON-RPC agent CLI.
type Engine struct {
	// Cmd is the executable name or path; defaults to "droid-cli".
	Cmd string
}

var _ runner.Engine = Engine{}

func (Engine) ID() model.EngineID { return "droid" }

// State holds droidengine's per-session translation bookkeeping.
type State struct {
	sessionID         string
	lastAssistantText string
	initYielded       bool
}

func (Engine) NewState() any { return &State{} }

func (e Engine) FormatResume(token model.ResumeToken) string {
	return fmt.Sprintf("droid --session %s", token.Value)
}

func (Engine) LastAssistantText(stateAny any) string {
	s, ok := stateAny.(*State)
	if !ok {
		return ""
	}
	return s.lastAssistantText
}

// LinkControlAction is a no-op: droid's JSON-RPC protocol surfaces a
// permission check directly as a control.Request with no preceding
// tool_use action to link it back to.
func (Engine) LinkControlAction(stateAny any, actionID string) {}

// jsonrpcEnvelope covers both the request and notification shapes
// NewUserMessageRequest/NewCancelRequest build in the teacher's droid
// package and the notifications its readEvents loop parses.
type jsonrpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// BuildLaunch always uses control-channel mode: droid's protocol is
// bidirectional JSON-RPC from the first line, there is no one-shot flag.
func (e Engine) BuildLaunch(cfg runner.LaunchConfig) (runner.LaunchPlan, error) {
	cmd := e.Cmd
	if cmd == "" {
		cmd = "droid-cli"
	}
	args := []string{cmd, "--stream-jsonrpc"}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	initReq := jsonrpcEnvelope{JSONRPC: "2.0", Method: "initialize_session"}
	initLine, err := json.Marshal(initReq)
	if err != nil {
		return runner.LaunchPlan{}, err
	}

	msgID := int64(1)
	userMsg := jsonrpcEnvelope{
		JSONRPC: "2.0",
		ID:      &msgID,
		Method:  "send_message",
		Params:  mustJSON(map[string]any{"message": applyPreamble(cfg.Preamble, cfg.Prompt)}),
	}
	msgLine, err := json.Marshal(userMsg)
	if err != nil {
		return runner.LaunchPlan{}, err
	}

	return runner.LaunchPlan{
		Args:           args,
		Env:            os.Environ(),
		ControlChannel: true,
		StdinPayload:   [][]byte{append(initLine, '\n'), append(msgLine, '\n')},
	}, nil
}

func applyPreamble(preamble, prompt string) string {
	if preamble == "" {
		return prompt
	}
	return preamble + "\n\n---\n\n" + prompt
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Translate decodes one JSON-RPC line. Notifications map to canonical
// events; the one request type droid sends unprompted — a permission
// check — is surfaced as a control.Request using the same can_use_tool
// shape the claude engine uses, so the shared control package handles
// both engines identically.
func Translate(raw []byte, stateAny any) (runner.TranslateResult, error) {
	state, ok := stateAny.(*State)
	if !ok {
		return runner.TranslateResult{}, fmt.Errorf("droidengine: unexpected state type %T", stateAny)
	}

	var env jsonrpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return runner.TranslateResult{}, fmt.Errorf("decode jsonrpc line: %w", err)
	}

	switch env.Method {
	case "session_initialized":
		if state.initYielded {
			return runner.TranslateResult{}, nil
		}
		var params struct {
			SessionID string `json:"session_id"`
		}
		_ = json.Unmarshal(env.Params, &params)
		state.sessionID = params.SessionID
		state.initYielded = true
		return runner.TranslateResult{Events: []model.Event{model.StartedEvent{
			Engine: "droid",
			Resume: model.ResumeToken{Engine: "droid", Value: params.SessionID},
			Title:  "Droid session started",
			AtTime: time.Now(),
		}}}, nil

	case "assistant_text_delta":
		var params struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(env.Params, &params)
		state.lastAssistantText += params.Text
		return runner.TranslateResult{AssistantTextDelta: state.lastAssistantText}, nil

	case "droid.request_permission":
		var params struct {
			ToolName string         `json:"tool_name"`
			Input    map[string]any `json:"input"`
		}
		_ = json.Unmarshal(env.Params, &params)
		id := uuid.NewString()
		return runner.TranslateResult{
			ControlRequests: []control.Request{{
				ID:        id,
				Subtype:   control.SubtypeCanUseTool,
				ToolName:  params.ToolName,
				ToolInput: params.Input,
			}},
		}, nil

	case "result", "completion":
		var params struct {
			Ok      bool    `json:"ok"`
			Text    string  `json:"text"`
			CostUSD float64 `json:"cost_usd"`
		}
		_ = json.Unmarshal(env.Params, &params)
		answer := params.Text
		if answer == "" {
			answer = state.lastAssistantText
		}
		ev := model.CompletedEvent{
			Ok:     params.Ok,
			Answer: answer,
			Resume: model.ResumeToken{Engine: "droid", Value: state.sessionID},
			Usage:  &model.Usage{CostUSD: params.CostUSD},
			AtTime: time.Now(),
		}
		if !params.Ok {
			ev.Error = "droid session reported a failed result"
		}
		return runner.TranslateResult{Events: []model.Event{ev}}, nil

	default:
		return runner.TranslateResult{}, nil
	}
}

func (Engine) Translate(raw []byte, state any) (runner.TranslateResult, error) {
	return Translate(raw, state)
}
