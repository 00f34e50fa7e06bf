// Package bridge implements the Bridge/Dispatch component: it turns an
// incoming chat message or button press into a subprocess run (or a
// control-protocol response to one already running), and turns the
// resulting canonical event stream into chat-message edits through the
// Progress Tracker/Editor.
//
// Grounded on the command/dispatch shape in
// original_source/src/takopi/telegram/commands/dispatch.py
// (command_id:args parsing, answer_early toasts, ephemeral-message
// bookkeeping) and claude_control.py/planmode.py for the exact callback
// semantics of the approve/deny/discuss and "da:"-prefixed buttons.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/riverrun/untether/internal/control"
	"github.com/riverrun/untether/internal/cost"
	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/model"
	"github.com/riverrun/untether/internal/planmode"
	"github.com/riverrun/untether/internal/progress"
	"github.com/riverrun/untether/internal/registry"
	"github.com/riverrun/untether/internal/runner"
	"github.com/riverrun/untether/internal/transport"
)

// earlyToasts mirrors _EARLY_TOASTS: the claude_control callback answers
// its button press immediately, before the response has actually reached
// the subprocess, so the chat UI doesn't show a spinner while a slow
// subprocess catches up.
var earlyToasts = map[string]string{
	"approve": "Approved",
	"deny":    "Denied",
	"discuss": "Outlining plan...",
}

// ResumeParser is implemented by engines whose FormatResume output can be
// recognized in a later chat message and parsed back into a ResumeToken.
// Not every engine needs to support this (droidengine, e.g., does not).
type ResumeParser interface {
	ParseResumeLine(text string) (model.ResumeToken, bool)
}

// ChatStore resolves and records the per-chat state the bridge needs
// across runs: which engine a chat is currently pinned to, and the most
// recent resume token for each (chat, engine) pair. internal/session
// provides the persisted implementation; tests use an in-memory one.
type ChatStore interface {
	EngineFor(chatID string) model.EngineID
	SetEngineOverride(chatID string, engine model.EngineID)
	Resume(chatID string, engine model.EngineID) (model.ResumeToken, bool)
	SetResume(chatID string, token model.ResumeToken)
}

// Config is the launch policy the bridge applies to every run. It holds a
// single set of launch settings shared by every engine; it is not keyed by
// engine id.
type Config struct {
	DefaultEngine  model.EngineID
	PermissionMode control.PermissionMode
	AllowedTools   []string
	Model          string
	Preamble       string
	UseAPIBilling  bool
	WorkDir        string
	MaxActions     int
	Budget         *cost.Budget
}

// Bridge owns the live sessions (one per in-flight run) for a process, and
// dispatches incoming transport events to them.
type Bridge struct {
	sender   transport.Sender
	engines  map[model.EngineID]runner.Engine
	cfg      Config
	store    ChatStore
	reg      *registry.Registry
	planmode *planmode.Coordinator
	sandbox  runner.Sandbox
	costs    *cost.Tracker

	mu            sync.Mutex
	sessions      map[string]*liveSession // sessionID -> session
	byChat        map[string]string       // chatID -> active sessionID, while one run is in flight
	cancelNextRun map[string]bool         // chatID -> true after an auto_cancel budget exceedance
}

type liveSession struct {
	chatID    string
	anchorID  string
	engine    model.EngineID
	tracker   *progress.Tracker
	editor    *progress.Editor
	cancel    context.CancelFunc
	ephemeral string
}

var _ transport.Dispatcher = (*Bridge)(nil)

// New returns a Bridge ready to dispatch messages and callbacks.
func New(sender transport.Sender, engines map[model.EngineID]runner.Engine, cfg Config, store ChatStore, reg *registry.Registry, pm *planmode.Coordinator, sandbox runner.Sandbox, costs *cost.Tracker) *Bridge {
	return &Bridge{
		sender:   sender,
		engines:  engines,
		cfg:      cfg,
		store:    store,
		reg:      reg,
		planmode: pm,
		sandbox:  sandbox,
		costs:    costs,
		sessions:      make(map[string]*liveSession),
		byChat:        make(map[string]string),
		cancelNextRun: make(map[string]bool),
	}
}

// HandleMessage starts a new run for msg's chat, unless one chat's prior
// run is still active — in which case the message is treated as a
// cancellation-and-restart is NOT performed automatically; the user must
// explicitly cancel first, matching the "one session per chat at a time"
// invariant the original source enforces via RunningTasks.
func (b *Bridge) HandleMessage(ctx context.Context, msg transport.IncomingMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	if b.answerPendingAsk(ctx, msg.ChatID, text) {
		return
	}

	b.mu.Lock()
	if _, busy := b.byChat[msg.ChatID]; busy {
		b.mu.Unlock()
		_, _ = b.sender.SendMessage(ctx, msg.ChatID, "A run is already in progress for this chat — cancel it first.", nil)
		return
	}
	if b.cancelNextRun[msg.ChatID] {
		delete(b.cancelNextRun, msg.ChatID)
		b.mu.Unlock()
		_, _ = b.sender.SendMessage(ctx, msg.ChatID, "This chat's cost budget was exceeded — the next run was auto-cancelled. Try again now that the flag has been cleared.", nil)
		return
	}
	b.mu.Unlock()

	engineID := b.store.EngineFor(msg.ChatID)
	if engineID == "" {
		engineID = b.cfg.DefaultEngine
	}
	eng, ok := b.engines[engineID]
	if !ok {
		_, _ = b.sender.SendMessage(ctx, msg.ChatID, fmt.Sprintf("Unknown engine %q", engineID), nil)
		return
	}

	resume, prompt := b.extractResume(eng, text)
	if resume == nil {
		if stored, ok := b.store.Resume(msg.ChatID, engineID); ok {
			resume = &stored
		}
	}

	if alert := b.checkBudget(msg.ChatID); alert != nil && alert.ShouldCancel {
		_, _ = b.sender.SendMessage(ctx, msg.ChatID, "Cost budget exceeded for this chat — run cancelled. "+alert.Message, nil)
		return
	}

	sessionID := uuid.NewString()
	anchorID, err := b.sender.SendMessage(ctx, msg.ChatID, fmt.Sprintf("*%s* — starting…", engineID), nil)
	if err != nil {
		logger.Error("bridge: failed to send anchor message for chat %s: %v", msg.ChatID, err)
		return
	}

	tracker := progress.New(engineID, b.cfg.MaxActions)
	editor := progress.NewEditor(
		func(text string, replace bool) error {
			if replace {
				_ = b.sender.DeleteMessage(ctx, msg.ChatID, anchorID)
				newID, err := b.sender.SendMessage(ctx, msg.ChatID, text, nil)
				if err == nil {
					anchorID = newID
				}
				return err
			}
			return b.sender.EditMessage(ctx, msg.ChatID, anchorID, text, nil)
		},
		func(id string) { _ = b.sender.DeleteMessage(ctx, msg.ChatID, id) },
	)

	runCtx, cancel := context.WithCancel(ctx)
	sess := &liveSession{chatID: msg.ChatID, anchorID: anchorID, engine: engineID, tracker: tracker, editor: editor, cancel: cancel}

	b.mu.Lock()
	b.sessions[sessionID] = sess
	b.byChat[msg.ChatID] = sessionID
	b.mu.Unlock()

	r := runner.New(runner.Deps{Registry: b.reg, PlanMode: b.planmode, Sandbox: b.sandbox}, eng, sessionID, runner.LaunchConfig{
		Prompt:         prompt,
		Resume:         resume,
		PermissionMode: b.cfg.PermissionMode,
		AllowedTools:   b.cfg.AllowedTools,
		Model:          b.cfg.Model,
		Preamble:       b.cfg.Preamble,
		UseAPIBilling:  b.cfg.UseAPIBilling,
		WorkDir:        b.cfg.WorkDir,
	})
	go b.runSession(runCtx, r, sess, sessionID, eng)
}

// runSession drives one Runner to completion, feeding every event to the
// session's Tracker/Editor and cleaning up bookkeeping once it finishes.
func (b *Bridge) runSession(ctx context.Context, r *runner.Runner, sess *liveSession, sessionID string, eng runner.Engine) {
	defer func() {
		b.mu.Lock()
		delete(b.sessions, sessionID)
		if b.byChat[sess.chatID] == sessionID {
			delete(b.byChat, sess.chatID)
		}
		b.mu.Unlock()
	}()

	err := r.Run(ctx, func(ev model.Event) {
		sess.tracker.Observe(ev)
		switch e := ev.(type) {
		case model.StartedEvent:
			sess.tracker.SetResumeLine(eng.FormatResume(e.Resume))
			sess.editor.Push(sess.tracker.Snapshot(), false)
		case model.ActionEvent:
			if e.Action.Kind == model.ActionWarning && e.Phase == model.PhaseStarted {
				kb := actionKeyboard(e.Action.ID, e.Action.Detail)
				id, err := b.sender.SendMessage(ctx, sess.chatID, e.Action.Title, kb)
				if err == nil {
					sess.ephemeral = id
					sess.editor.SetEphemeralNudge(id)
				}
			}
			sess.editor.Push(sess.tracker.Snapshot(), false)
		case model.CompletedEvent:
			sess.tracker.SetResumeLine(eng.FormatResume(e.Resume))
			sess.editor.Push(sess.tracker.Snapshot(), true)
			if e.Resume.Value != "" {
				b.store.SetResume(sess.chatID, e.Resume)
			}
			if b.costs != nil && e.Usage != nil && b.cfg.Budget != nil {
				b.costs.Record(sess.chatID, e.Usage.CostUSD)
				if alert := b.costs.CheckRun(sess.chatID, e.Usage.CostUSD, *b.cfg.Budget); alert != nil {
					_, _ = b.sender.SendMessage(ctx, sess.chatID, string(alert.Level)+": "+alert.Message, nil)
					if alert.ShouldCancel {
						b.mu.Lock()
						b.cancelNextRun[sess.chatID] = true
						b.mu.Unlock()
					}
				}
			}
		}
	})
	if err != nil {
		logger.Error("bridge: session %s ended with error: %v", sessionID, err)
	}
}

// checkBudget asks the cost tracker whether chatID's accumulated spend
// already breaches its configured budget, independent of the run that is
// about to start.
func (b *Bridge) checkBudget(chatID string) *cost.Alert {
	if b.costs == nil || b.cfg.Budget == nil {
		return nil
	}
	return b.costs.Check(chatID, *b.cfg.Budget)
}

// extractResume strips a recognized resume line out of text (if present,
// anywhere in the message) and returns the parsed token plus the
// remaining prompt text. If the engine doesn't support ResumeParser, or
// the message has no such line, resume is nil and prompt is text
// unchanged.
func (b *Bridge) extractResume(eng runner.Engine, text string) (*model.ResumeToken, string) {
	parser, ok := eng.(ResumeParser)
	if !ok {
		return nil, text
	}
	lines := strings.Split(text, "\n")
	var kept []string
	var found *model.ResumeToken
	for _, line := range lines {
		if found == nil {
			if tok, ok := parser.ParseResumeLine(line); ok {
				t := tok
				found = &t
				continue
			}
		}
		kept = append(kept, line)
	}
	return found, strings.TrimSpace(strings.Join(kept, "\n"))
}

// HandleCallback parses command_id:args out of cb.Data and routes it.
// Every approve/deny/discuss button — real or the synthetic post-outline
// card — carries the single top-level command id "claude_control"; the
// "da:"-prefixed request id embedded in its args is what distinguishes a
// synthetic outline approval from a real control-request response,
// exactly as original_source's claude_control.py recognizes it.
func (b *Bridge) HandleCallback(ctx context.Context, cb transport.IncomingCallback) {
	commandID, args := splitOnce(cb.Data, ':')

	if toast, ok := earlyToasts[firstField(args)]; ok {
		_ = b.sender.AnswerCallback(ctx, cb.CallbackID, toast, false)
	}

	switch commandID {
	case "claude_control":
		b.handleClaudeControl(ctx, cb, args)
	default:
		_ = b.sender.AnswerCallback(ctx, cb.CallbackID, "", false)
	}
}

func (b *Bridge) handleClaudeControl(ctx context.Context, cb transport.IncomingCallback, args string) {
	action, requestID := splitOnce(args, ':')
	action = strings.ToLower(action)

	if sessionID, ok := strings.CutPrefix(requestID, "da:"); ok {
		approved := action == "approve"
		if approved {
			b.planmode.ApproveSynthetic(sessionID)
		} else {
			b.planmode.DenySynthetic(sessionID)
		}
		return
	}

	switch action {
	case "discuss":
		sessionID := b.sessionForRequest(requestID)
		if !b.respondControl(ctx, requestID, false, discussDenyMessage) {
			return
		}
		if sessionID != "" {
			b.planmode.BeginCooldown(sessionID)
		}
	case "approve", "deny":
		approved := action == "approve"
		sessionID := b.sessionForRequest(requestID)
		message := ""
		if !approved {
			message = denyMessage
		}
		if !b.respondControl(ctx, requestID, approved, message) {
			return
		}
		if sessionID != "" {
			b.planmode.ClearCooldown(sessionID)
		}
	default:
		logger.Error("bridge: unknown claude_control action %q", action)
	}
}

// answerPendingAsk checks whether chatID's in-flight session is blocked on
// an AskUserQuestion control request, and if so treats text as the user's
// answer: it denies the request with a message carrying that answer (so
// the agent reads it and continues, matching
// original_source's answer_ask_question) instead of letting text fall
// through to HandleMessage's "a run is already in progress" rejection.
// Reports whether it consumed the message this way.
func (b *Bridge) answerPendingAsk(ctx context.Context, chatID, text string) bool {
	b.mu.Lock()
	sessionID, busy := b.byChat[chatID]
	b.mu.Unlock()
	if !busy {
		return false
	}
	requestID, _, ok := b.reg.PendingAskForSession(sessionID)
	if !ok {
		return false
	}
	if _, _, ok := b.reg.ConsumePendingAsk(requestID); !ok {
		return false
	}
	message := fmt.Sprintf(
		"The user answered your question via Telegram:\n\n%q\n\nUse this answer and continue. Do not call AskUserQuestion again for this same question.",
		text,
	)
	if !b.respondControl(ctx, requestID, false, message) {
		_, _ = b.sender.SendMessage(ctx, chatID, "Control request not found or session ended.", nil)
	}
	return true
}

// sessionForRequest looks up which session owns requestID, for the sole
// purpose of telling the plan-mode coordinator which session's cooldown
// to update alongside answering the request itself.
func (b *Bridge) sessionForRequest(requestID string) string {
	sessionID, _ := b.reg.SessionForRequest(requestID)
	return sessionID
}

// respondControl writes a control_response for requestID through the
// registry, returning false (and leaving a warning for the caller to
// surface) if the request was unknown or the write failed. A request that
// was already answered reports true without writing again.
func (b *Bridge) respondControl(ctx context.Context, requestID string, approve bool, message string) bool {
	w, outcome := b.reg.ResolveControlTarget(requestID)
	switch outcome {
	case registry.OutcomeDuplicate:
		return true
	case registry.OutcomeNotFound:
		return false
	}
	var updatedInput map[string]any
	if approve {
		updatedInput, _ = b.reg.ConsumeToolInput(requestID)
	}
	wire, err := control.Encode(control.Response{RequestID: requestID, Approve: approve, Message: message, UpdatedInput: updatedInput})
	if err != nil {
		logger.Error("bridge: encode control_response for %s: %v", requestID, err)
		return false
	}
	if _, err := w.Write(wire); err != nil {
		logger.Error("bridge: write control_response for %s: %v", requestID, err)
		return false
	}
	b.reg.CompleteControlRequest(requestID)
	return true
}

// Cancel requests cancellation of chatID's active run, if any: it both
// kills the subprocess (via the registry, which is what Runner.Cancel
// actually does) and cancels the run's own context, so runSession's
// Run call returns promptly even if the kill signal is slow to land.
func (b *Bridge) Cancel(chatID string) bool {
	b.mu.Lock()
	sessionID, ok := b.byChat[chatID]
	var sess *liveSession
	if ok {
		sess = b.sessions[sessionID]
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	killed := b.reg.Cancel(sessionID)
	if sess != nil {
		sess.cancel()
	}
	return killed
}

// keyboardVerbs maps the button labels control.Decision produces to the
// claude_control action keyword HandleCallback expects back in cb.Data.
var keyboardVerbs = map[string]string{
	"Approve":              "approve",
	"Deny":                 "deny",
	"Pause & Outline Plan": "discuss",
}

// actionKeyboard turns an ActionEvent's raw label grid (stashed in
// Action.Detail["keyboard"] by handleControlRequest) into a real
// transport.Keyboard whose callback data round-trips through
// HandleCallback: "claude_control:<verb>:<requestID>".
func actionKeyboard(requestID string, detail map[string]any) transport.Keyboard {
	raw, _ := detail["keyboard"].([][]string)
	if len(raw) == 0 {
		return nil
	}
	kb := make(transport.Keyboard, 0, len(raw))
	for _, row := range raw {
		var out []transport.KeyboardButton
		for _, label := range row {
			verb, ok := keyboardVerbs[label]
			if !ok {
				continue
			}
			out = append(out, transport.KeyboardButton{
				Label: label,
				Data:  fmt.Sprintf("claude_control:%s:%s", verb, requestID),
			})
		}
		if len(out) > 0 {
			kb = append(kb, out)
		}
	}
	return kb
}

func splitOnce(s string, sep byte) (string, string) {
	idx := strings.IndexByte(s, sep)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

func firstField(s string) string {
	head, _ := splitOnce(s, ':')
	return strings.ToLower(head)
}

const discussDenyMessage = "MANDATORY STOP — the user clicked 'Pause & Outline Plan'. " +
	"They can only see your assistant text, never tool calls or thinking. Write a full, " +
	"visible plan outline (at least 15 lines) as your immediate next message, then call " +
	"ExitPlanMode again; do not wait for a text reply."

const denyMessage = "User denied via the chat bridge. They cannot see your tool calls or " +
	"terminal UI — only assistant text. Explain what you were about to do and ask how " +
	"they'd like to proceed, as a visible message."
