package claudeengine

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/runner"
)

// BuildLaunch builds the CLI invocation and, for control-channel mode, the
// initial stdin payload. Grounded on _build_args/stdin_payload/env in
// original_source's runners/claude.py: control-channel mode is selected
// whenever a permission mode is configured, matching the Python source's
// `use_control_channel = effective_permission_mode is not None`.
func (e Engine) BuildLaunch(cfg runner.LaunchConfig) (runner.LaunchPlan, error) {
	cmd := e.ClaudeCmd
	if cmd == "" {
		cmd = "claude"
	}

	controlChannel := cfg.PermissionMode != ""
	prompt := applyPreamble(cfg.Preamble, cfg.Prompt)

	var args []string
	if controlChannel {
		args = []string{
			cmd,
			"--input-format", "stream-json",
			"--output-format", "stream-json",
			"--verbose",
			"--permission-prompt-tool", "stdio",
			"--permission-mode", cliPermissionMode(cfg.PermissionMode),
		}
	} else {
		args = []string{
			cmd,
			"--print", prompt,
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		}
	}
	if len(cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(cfg.AllowedTools, ","))
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Resume != nil && cfg.Resume.Value != "" {
		args = append(args, "--resume", cfg.Resume.Value)
	}

	var payload [][]byte
	if controlChannel {
		var err error
		payload, err = stdinPayload(prompt)
		if err != nil {
			return runner.LaunchPlan{}, err
		}
	}

	return runner.LaunchPlan{
		Args:           args,
		Env:            buildEnv(cfg.UseAPIBilling),
		ControlChannel: controlChannel,
		StdinPayload:   payload,
	}, nil
}

// cliPermissionMode maps the configured effective permission mode to the
// flag value the CLI itself expects — "auto" at the config layer means
// "start in plan mode and let the control channel negotiate exits",
// which the CLI spells "plan".
func cliPermissionMode(mode control.PermissionMode) string {
	if mode == control.ModeAuto {
		return "plan"
	}
	return string(mode)
}

func applyPreamble(preamble, prompt string) string {
	if preamble == "" {
		return prompt
	}
	return preamble + "\n\n---\n\n" + prompt
}

type initRequest struct {
	Type    string         `json:"type"`
	Request initRequestBody `json:"request"`
}

type initRequestBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
}

type userMessage struct {
	Type    string            `json:"type"`
	Message userMessageContent `json:"message"`
	UUID    string            `json:"uuid"`
}

type userMessageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// stdinPayload builds the two lines control-channel mode writes to stdin
// immediately after the process starts: an initialize control_request
// followed by the single user message carrying the (preamble-applied)
// prompt.
func stdinPayload(prompt string) ([][]byte, error) {
	init := initRequest{
		Type: "control_request",
		Request: initRequestBody{
			Subtype:   "initialize",
			RequestID: uuid.NewString(),
		},
	}
	initLine, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}

	msg := userMessage{
		Type: "user",
		Message: userMessageContent{
			Role:    "user",
			Content: prompt,
		},
		UUID: uuid.NewString(),
	}
	msgLine, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return [][]byte{append(initLine, '\n'), append(msgLine, '\n')}, nil
}

// buildEnv returns the child process environment, popping the API key
// unless the run is explicitly billed against the API rather than a
// subscription — mirroring env() in the source this was distilled from.
func buildEnv(useAPIBilling bool) []string {
	env := os.Environ()
	if useAPIBilling {
		return env
	}
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "ANTHROPIC_API_KEY=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
