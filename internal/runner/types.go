package runner

import (
	"context"
	"io"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/model"
)

// LaunchConfig is everything an Engine needs to build a concrete subprocess
// invocation for one run. It is deliberately engine-agnostic; engine
// packages translate it into their own CLI flags and wire payloads.
type LaunchConfig struct {
	Prompt         string
	Resume         *model.ResumeToken
	PermissionMode control.PermissionMode
	AllowedTools   []string
	Model          string
	Preamble       string
	UseAPIBilling  bool
	WorkDir        string
}

// LaunchPlan is what an Engine hands back: how to invoke the subprocess and
// what to write to its stdin once it's running.
type LaunchPlan struct {
	Args []string
	Env  []string

	// ControlChannel selects which of the two launch modes the spec
	// describes. true: stdin stays open as a pipe and the protocol is
	// bidirectional NDJSON control messages; the prompt travels as the
	// first user-message payload, not a CLI argument. false ("legacy"):
	// the prompt is baked into Args as a one-shot flag and the child's
	// stdin is attached to /dev/null — no PTY, per the redesign adopted
	// in this implementation.
	ControlChannel bool

	// StdinPayload is written, in order, immediately after the process
	// starts, only when ControlChannel is true (e.g. an initialize
	// control_request followed by the user message).
	StdinPayload [][]byte
}

// TranslateResult is what Engine.Translate returns for one decoded stdout
// line: zero or more canonical events, zero or more control requests that
// need classifying, and — when the line carried assistant text — that
// text, so the plan-mode coordinator can watch for an outline. claudeengine
// passes the line's text block; droidengine passes the text accumulated so
// far in the turn.
type TranslateResult struct {
	Events             []model.Event
	ControlRequests    []control.Request
	AssistantTextDelta string
}

// Engine adapts one agent CLI's wire protocol to the canonical event model.
// NewState and Translate together implement the spec's "pure function"
// event translator: Translate never touches process-wide registries or
// writes to stdin itself, it only decides what happened and what (if
// anything) needs a decision from the control-protocol layer; the Runner
// is what actually mutates shared state and writes bytes.
type Engine interface {
	ID() model.EngineID
	NewState() any
	BuildLaunch(cfg LaunchConfig) (LaunchPlan, error)
	Translate(raw []byte, state any) (TranslateResult, error)
	// LastAssistantText returns the most recent assistant text the
	// engine has seen in state, used to synthesize a CompletedEvent if
	// the subprocess exits cleanly without reporting its own result.
	LastAssistantText(state any) string
	// FormatResume renders a ResumeToken the way this engine's CLI
	// expects to see it quoted back in a follow-up chat message.
	FormatResume(token model.ResumeToken) string
	// LinkControlAction records that actionID (a just-yielded permission
	// warning's action id) should also be completed when the tool it
	// gates reports its result, per the engine's own notion of "which
	// tool is this control request about" (if it has one).
	LinkControlAction(state any, actionID string)
}

// ProcessSpec is what a Sandbox needs to start one subprocess.
type ProcessSpec struct {
	Args []string
	Env  []string
	Dir  string
	// AttachStdin selects whether the child gets a writable stdin pipe
	// (control-channel mode) or has its stdin attached to /dev/null
	// (legacy mode).
	AttachStdin bool
}

// Process is a started subprocess, however it was actually spawned (a bare
// os/exec.Cmd locally, or an attached exec stream inside a container).
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Sandbox starts subprocesses. The default is a local os/exec sandbox;
// internal/sandbox/docker provides a container-backed alternative for
// engines configured to run isolated.
type Sandbox interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}
