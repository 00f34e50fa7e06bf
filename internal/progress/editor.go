package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/riverrun/untether/internal/metrics"
)

// minEditInterval is the minimum time between two edits of the same
// anchor message. Chosen to keep a busy session from hammering the chat
// transport's edit-message rate limit, while still feeling live.
const minEditInterval = time.Second

// overflowBudget bounds the rendered message length; bodies longer than
// this are trimmed with a trailing ellipsis rather than rejected.
const overflowBudget = 3500

// Render writes (or edits) one anchor message. replace is true when this
// call should replace the whole message (a loud final notification, or a
// layout change too material to express as an in-place edit) rather than
// edit it in place. Implementations are expected to be best-effort: the
// Editor ignores a returned error and never retries; the next edit renders
// the latest snapshot.
type Render func(text string, replace bool) error

// DeleteEphemeral removes a previously-sent ephemeral notification (e.g.
// the "Action required" nudge) by its id.
type DeleteEphemeral func(id string)

// Editor drives one anchor message for one session: it rate-limits and
// coalesces Snapshot renders, and tracks whether an approve/deny keyboard
// is currently showing so it can clean up the ephemeral nudge when it
// disappears.
type Editor struct {
	render          Render
	deleteEphemeral DeleteEphemeral

	mu          sync.Mutex
	lastEdit    time.Time
	pending     *Snapshot
	pendingLoud bool
	timer       *time.Timer

	hadKeyboard    bool
	ephemeralNudge string
}

// NewEditor returns an Editor writing through render, using deleteEphemeral
// to clean up the ephemeral "Action required" nudge when a keyboard
// disappears. deleteEphemeral may be nil if the transport has no concept
// of ephemeral messages.
func NewEditor(render Render, deleteEphemeral DeleteEphemeral) *Editor {
	return &Editor{render: render, deleteEphemeral: deleteEphemeral}
}

// Push submits snap for rendering. loud requests a full replace rather
// than an in-place edit (used for the final CompletedEvent snapshot).
// Multiple Push calls inside one rate-limit window coalesce: only the
// most recent snapshot is ever actually rendered.
func (e *Editor) Push(snap Snapshot, loud bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elapsed := time.Since(e.lastEdit)
	if elapsed >= minEditInterval || e.lastEdit.IsZero() {
		e.flushLocked(snap, loud)
		return
	}

	e.pending = &snap
	e.pendingLoud = e.pendingLoud || loud
	if e.timer == nil {
		wait := minEditInterval - elapsed
		e.timer = time.AfterFunc(wait, e.flushPending)
	}
}

func (e *Editor) flushPending() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.timer = nil
		return
	}
	snap := *e.pending
	loud := e.pendingLoud
	e.pending = nil
	e.pendingLoud = false
	e.timer = nil
	e.flushLocked(snap, loud)
}

func (e *Editor) flushLocked(snap Snapshot, loud bool) {
	text := renderSnapshot(snap)
	_ = e.render(text, loud) // best-effort: a failed edit is simply superseded by the next one
	metrics.RecordProgressEdit(loud)
	e.lastEdit = time.Now()
	e.updateKeyboardVisibility(snap)
}

// updateKeyboardVisibility notices when a session that was showing an
// approve/deny keyboard (any warning-kind action still in the started
// phase) no longer is, and cleans up the ephemeral "Action required"
// nudge at that point — the keyboard disappearing is the signal the user
// already acted, or the agent moved on without needing a decision.
func (e *Editor) updateKeyboardVisibility(snap Snapshot) {
	hasKeyboard := false
	for _, a := range snap.Actions {
		if a.Action.Kind == "warning" && a.Phase == "started" {
			hasKeyboard = true
			break
		}
	}
	if e.hadKeyboard && !hasKeyboard && e.ephemeralNudge != "" && e.deleteEphemeral != nil {
		e.deleteEphemeral(e.ephemeralNudge)
		e.ephemeralNudge = ""
	}
	e.hadKeyboard = hasKeyboard
}

// SetEphemeralNudge records the id of an "Action required" notification
// shown alongside the anchor, so it can be cleaned up automatically.
func (e *Editor) SetEphemeralNudge(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ephemeralNudge = id
}

func renderSnapshot(snap Snapshot) string {
	var header strings.Builder
	fmt.Fprintf(&header, "*%s* — %d action(s)\n", snap.Engine, snap.ActionCount)
	if snap.ResumeLine != "" {
		fmt.Fprintf(&header, "_%s_\n", snap.ResumeLine)
	}

	var body strings.Builder
	for _, a := range snap.Actions {
		body.WriteString(renderAction(a))
		body.WriteByte('\n')
	}

	var footer string
	if snap.ContextLine != "" {
		footer = "\n" + snap.ContextLine
	}

	return trimToBudget(header.String(), body.String(), footer)
}

func renderAction(a ActionState) string {
	status := "…"
	switch {
	case a.Ok != nil && *a.Ok:
		status = "✓"
	case a.Ok != nil && !*a.Ok:
		status = "✗"
	case a.Phase == "completed":
		status = "✓"
	}
	return fmt.Sprintf("%s %s", status, a.Action.Title)
}

// trimToBudget keeps header and footer verbatim and trims only body when
// the combined length would exceed overflowBudget, cutting on a line
// boundary so no action entry is cut mid-line.
func trimToBudget(header, body, footer string) string {
	total := header + body + footer
	if len(total) <= overflowBudget {
		return total
	}
	allowance := overflowBudget - len(header) - len(footer) - len("…\n")
	if allowance < 0 {
		allowance = 0
	}
	lines := strings.Split(body, "\n")
	var kept strings.Builder
	for _, line := range lines {
		if kept.Len()+len(line)+1 > allowance {
			break
		}
		kept.WriteString(line)
		kept.WriteByte('\n')
	}
	kept.WriteString("…\n")
	return header + kept.String() + footer
}
