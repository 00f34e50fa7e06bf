// Package model holds the canonical, engine-independent data types shared by
// every component of the bridge: the event stream an engine adapter produces,
// the actions those events describe, and the resume tokens that let a chat
// pick a subprocess conversation back up.
package model

import "time"

// EngineID names one of the configured agent CLIs (e.g. "claude", "droid").
type EngineID string

// ResumeToken is an opaque handle an engine hands back after its first
// system-init event. It is never parsed by core code, only round-tripped:
// stored against a chat, and handed back to the engine on the next run.
type ResumeToken struct {
	Engine EngineID
	Value  string
}

// ActionKind classifies an Action for display purposes. The zero value is
// never used; engines must always set one of these.
type ActionKind string

const (
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionTool       ActionKind = "tool"
	ActionWebSearch  ActionKind = "web_search"
	ActionSubagent   ActionKind = "subagent"
	ActionNote       ActionKind = "note"
	ActionWarning    ActionKind = "warning"
	ActionTurn       ActionKind = "turn"
)

// Action is a unit of subprocess activity that can be started at most once
// and completed at most once. Detail is a free-form bag of display fields
// (command text, file path, diff preview, tool name) specific to Kind.
type Action struct {
	ID     string
	Kind   ActionKind
	Title  string
	Detail map[string]any
}

// ActionPhase is the lifecycle stage an ActionEvent reports.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// Event is the sealed union of the three canonical event shapes a session
// stream can yield. Only this package's types implement it.
type Event interface {
	isEvent()
}

// StartedEvent is yielded exactly once per session, as soon as the
// subprocess reports its own session/init identity.
type StartedEvent struct {
	Engine  EngineID
	Resume  ResumeToken
	Title   string
	Meta    map[string]any
	AtTime  time.Time
}

func (StartedEvent) isEvent() {}

// ActionEvent is yielded zero or more times per session, reporting a single
// Action moving through Phase. Ok is nil until the action completes with a
// known success/failure outcome.
type ActionEvent struct {
	Action Action
	Phase  ActionPhase
	Ok     *bool
	AtTime time.Time
}

func (ActionEvent) isEvent() {}

// Usage carries whatever token/cost accounting an engine reports alongside
// its terminal result, if any.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// CompletedEvent is yielded exactly once per session — either because the
// subprocess reported a terminal result, or because the runner synthesized
// one after the subprocess exited (or was cancelled) without reporting one.
type CompletedEvent struct {
	Ok     bool
	Answer string
	Resume ResumeToken
	Error  string
	Usage  *Usage
	AtTime time.Time
}

func (CompletedEvent) isEvent() {}
