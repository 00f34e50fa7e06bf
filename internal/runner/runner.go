// Package runner implements the Subprocess Runner: it starts one agent CLI
// invocation, decodes its stdout line by line, hands each line to the
// engine's Translate for canonicalization, drives the control-request
// decision tree, and yields the canonical event stream to its caller.
//
// Grounded on StreamingExecutor.readEvents in the teacher's
// internal/agent/droid/executor.go (scanner-based NDJSON read loop with an
// init handshake, auto-approval of permission requests, and a done/error
// channel pair) and, for exact ordering/liveness semantics, on
// _iter_jsonl_events / run_impl in original_source's runners/claude.py.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/metrics"
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/planmode"
	"github.com/riverrun/untether/internal/registry"
)

// maxStderrLines bounds the stderr excerpt kept for a synthesized
// CompletedEvent's error text.
const maxStderrLines = 20

// waitAfterCompletedTimeout bounds how long Run waits for the subprocess
// to actually exit once a CompletedEvent has been yielded — children can
// hold stdout's write end open (e.g. a lingering grandchild), so this is a
// best-effort reap, not a hard requirement for correctness.
const waitAfterCompletedTimeout = 5 * time.Second

// Deps bundles the shared, process-wide collaborators a Runner needs.
type Deps struct {
	Registry *registry.Registry
	PlanMode *planmode.Coordinator
	Sandbox  Sandbox
}

// Runner drives one session's subprocess from start to CompletedEvent.
type Runner struct {
	deps      Deps
	engine    Engine
	sessionID string
	cfg       LaunchConfig

	cancelled atomic.Bool
	proc      Process
	procMu    sync.Mutex
}

// New returns a Runner for one session. sessionID must be unique for the
// lifetime of the process; callers typically mint it from google/uuid.
func New(deps Deps, engine Engine, sessionID string, cfg LaunchConfig) *Runner {
	if deps.Sandbox == nil {
		deps.Sandbox = LocalSandbox{}
	}
	return &Runner{deps: deps, engine: engine, sessionID: sessionID, cfg: cfg}
}

// Cancel requests cancellation. It is safe to call from any goroutine and
// at any point in the run; the effect is observed between Translate calls,
// never mid-translation.
func (r *Runner) Cancel() {
	r.cancelled.Store(true)
	r.procMu.Lock()
	proc := r.proc
	r.procMu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// Run starts the subprocess and streams canonical events to emit until a
// CompletedEvent has been produced (synthesized if necessary) or ctx is
// cancelled. It registers and unregisters the session with the shared
// Registry at the correct points, and never suspends inside a single
// Translate call's subsequent event/registry handling — one decoded line
// is processed to completion before the next is read.
func (r *Runner) Run(ctx context.Context, emit func(model.Event)) error {
	plan, err := r.engine.BuildLaunch(r.cfg)
	if err != nil {
		return fmt.Errorf("build launch: %w", err)
	}

	proc, err := r.deps.Sandbox.Start(ctx, ProcessSpec{
		Args:        plan.Args,
		Env:         plan.Env,
		Dir:         r.cfg.WorkDir,
		AttachStdin: plan.ControlChannel,
	})
	if err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}
	r.procMu.Lock()
	r.proc = proc
	r.procMu.Unlock()

	stdin := proc.Stdin()
	for _, payload := range plan.StdinPayload {
		if _, err := stdin.Write(payload); err != nil {
			logger.Error("runner: initial stdin write failed for session %s: %v", r.sessionID, err)
			break
		}
	}

	stderrBuf := newRingBuffer(maxStderrLines)
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		drainStderr(proc.Stderr(), stderrBuf)
	}()

	state := r.engine.NewState()
	var pendingWrites [][]byte
	completed := false
	started := false
	var lastResume model.ResumeToken

	reader := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	for {
		if r.cancelled.Load() && !completed {
			break
		}

		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(line) > 0 {
			result, err := r.engine.Translate(line, state)
			if err != nil {
				logger.Error("runner: decode error for session %s: %v", r.sessionID, err)
			} else {
				for _, ev := range result.Events {
					switch e := ev.(type) {
					case model.StartedEvent:
						r.deps.Registry.RegisterSession(r.sessionID, r, stdin)
						lastResume = e.Resume
						started = true
						metrics.RecordSessionStart(string(r.engine.ID()))
					case model.CompletedEvent:
						completed = true
						lastResume = e.Resume
						costUSD := 0.0
						if e.Usage != nil {
							costUSD = e.Usage.CostUSD
						}
						metrics.RecordSessionEnd(string(r.engine.ID()), e.Ok, costUSD)
					}
					emit(ev)
				}
				for _, creq := range result.ControlRequests {
					pendingWrites = r.handleControlRequest(creq, state, emit, pendingWrites)
				}
				if result.AssistantTextDelta != "" {
					r.deps.PlanMode.ObserveAssistantText(r.sessionID, result.AssistantTextDelta)
				}
			}
		}

		// Drain any queued control-response writes every iteration, even
		// when this line produced nothing new — a previous write may
		// not have fully flushed, and the subprocess can't produce its
		// next line until it does.
		pendingWrites = flushWrites(stdin, pendingWrites)

		if completed {
			// Stop reading stdout immediately: the child (or a
			// grandchild holding the pipe open) may never close it.
			break
		}
		if readErr != nil {
			break
		}
	}

	if plan.ControlChannel {
		_ = stdin.Close()
	}

	rc, waitErr := waitWithTimeout(proc, waitAfterCompletedTimeout)
	stderrWG.Wait()

	if !completed {
		ev := r.synthesizeCompleted(rc, waitErr, r.cancelled.Load(), lastResume, state, stderrBuf)
		if started {
			metrics.RecordSessionEnd(string(r.engine.ID()), ev.Ok, 0)
		}
		emit(ev)
	}

	r.deps.Registry.UnregisterSession(r.sessionID)
	r.deps.PlanMode.ClearCooldown(r.sessionID)
	r.deps.Registry.ConsumeDiscussApproved(r.sessionID)

	return nil
}

func (r *Runner) synthesizeCompleted(rc int, waitErr error, cancelled bool, resume model.ResumeToken, state any, stderrBuf *ringBuffer) model.CompletedEvent {
	if cancelled {
		return model.CompletedEvent{
			Ok:     false,
			Error:  "cancelled",
			Resume: resume,
			AtTime: time.Now(),
		}
	}
	if rc != 0 || waitErr != nil {
		excerpt := stderrBuf.Lines()
		return model.CompletedEvent{
			Ok: false,
			Error: fmt.Sprintf("subprocess exited with code %d for session %s\n%s",
				rc, r.sessionID, joinLines(excerpt)),
			Resume: resume,
			AtTime: time.Now(),
		}
	}
	return model.CompletedEvent{
		Ok:     true,
		Answer: r.engine.LastAssistantText(state),
		Resume: resume,
		AtTime: time.Now(),
	}
}

// handleControlRequest classifies one control request and either writes a
// response immediately (auto-approve/deny, appended to pendingWrites so
// the normal per-line flush handles the actual write), yields a warning
// ActionEvent and registers the request for an interactive decision, or —
// for the outline-bypass/escalation cases — does both: answers the
// subprocess immediately *and* yields a synthetic "da:"-prefixed warning
// for the chat user that the control package never touches.
func (r *Runner) handleControlRequest(req control.Request, state any, emit func(model.Event), pending [][]byte) [][]byte {
	mode := r.cfg.PermissionMode

	discussApproved := false
	if req.ToolName == "ExitPlanMode" {
		discussApproved = r.deps.Registry.ConsumeDiscussApproved(r.sessionID)
	}

	inCooldown, outlineDetected, outlineText := r.deps.PlanMode.State(r.sessionID)
	decision := control.Classify(req, mode, discussApproved, control.DiscussCooldownState{
		InCooldown:      inCooldown,
		OutlineDetected: outlineDetected,
		OutlineText:     outlineText,
	})

	switch {
	case decision.AutoApprove:
		metrics.RecordControlDecision(string(req.Subtype), "auto_approve")
		wire, err := control.Encode(control.Response{RequestID: req.ID, Approve: true, UpdatedInput: req.ToolInput})
		if err == nil {
			pending = append(pending, wire)
		}
		r.deps.Registry.CompleteControlRequest(req.ID)

	case decision.AutoDeny:
		metrics.RecordControlDecision(string(req.Subtype), "auto_deny")
		wire, err := control.Encode(control.Response{RequestID: req.ID, Approve: false, Message: decision.Message})
		if err == nil {
			pending = append(pending, wire)
		}
		r.deps.Registry.CompleteControlRequest(req.ID)
		if decision.SyntheticWarningPrompt != "" {
			r.deps.PlanMode.ConsumeOutline(r.sessionID)
			emit(model.ActionEvent{
				Action: model.Action{
					ID:    "da:" + r.sessionID,
					Kind:  model.ActionWarning,
					Title: decision.SyntheticWarningPrompt,
					Detail: map[string]any{
						"keyboard": [][]string{{"Approve", "Deny"}},
					},
				},
				Phase:  model.PhaseStarted,
				AtTime: time.Now(),
			})
		}

	case decision.Interactive:
		metrics.RecordControlDecision(string(req.Subtype), "interactive")
		r.deps.Registry.RegisterControlRequest(req.ID, r.sessionID, req.ToolInput)
		if req.ToolName == "AskUserQuestion" {
			r.deps.Registry.RegisterPendingAsk(req.ID, r.sessionID, decision.Question)
		}
		r.engine.LinkControlAction(state, req.ID)
		emit(model.ActionEvent{
			Action: model.Action{
				ID:    req.ID,
				Kind:  model.ActionWarning,
				Title: decision.Prompt,
				Detail: map[string]any{
					"keyboard": decision.Keyboard,
					"tool":     req.ToolName,
				},
			},
			Phase:  model.PhaseStarted,
			AtTime: time.Now(),
		})
	}

	return pending
}
