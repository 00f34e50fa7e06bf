// Package progress turns the canonical event stream into a renderable
// snapshot (Tracker) and drives a rate-limited, coalescing chat-message
// editor (Editor) off of it.
//
// Grounded on internal/session's EventBuffer/ActiveSession bounded-view
// idea in the teacher repo, generalized from "buffer of raw events" to
// "running snapshot of actions by id," which is what the chat surface
// actually needs to render.
package progress

import (
	"github.com/riverrun/untether/internal/model"
)

// DefaultMaxActions and HardCapActions bound how many actions a Snapshot
// carries: by default the last 5 are shown, and no configuration may push
// that past 50.
const (
	DefaultMaxActions = 5
	HardCapActions    = 50
)

// ActionState is one action's current display state.
type ActionState struct {
	Action     model.Action
	Phase      model.ActionPhase
	Ok         *bool
	FirstSeen  int // sequence number, for stable first-seen ordering
	LastUpdate int
}

// Snapshot is the renderable state of one session at a point in time.
type Snapshot struct {
	Engine      model.EngineID
	ActionCount int
	Actions     []ActionState
	Resume      model.ResumeToken
	Meta        map[string]any
	ResumeLine  string
	ContextLine string
}

// Tracker accumulates a session's ActionEvents into an ordered-by-first-seen
// map, replacing an action's state in place on each update rather than
// appending a duplicate entry, and ignoring kind=turn actions entirely
// (they're bookkeeping noise, never shown).
type Tracker struct {
	engine     model.EngineID
	maxActions int
	seq        int
	order      []string
	states     map[string]*ActionState
	resume     model.ResumeToken
	meta       map[string]any
	resumeLine string
}

// New returns a Tracker that keeps at most maxActions in its bounded view
// (clamped to [1, HardCapActions]; DefaultMaxActions if maxActions <= 0).
func New(engine model.EngineID, maxActions int) *Tracker {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	if maxActions > HardCapActions {
		maxActions = HardCapActions
	}
	return &Tracker{
		engine:     engine,
		maxActions: maxActions,
		states:     make(map[string]*ActionState),
	}
}

// Observe folds one canonical event into the tracker's state.
func (t *Tracker) Observe(ev model.Event) {
	switch e := ev.(type) {
	case model.StartedEvent:
		t.resume = e.Resume
		t.meta = e.Meta
	case model.ActionEvent:
		if e.Action.Kind == model.ActionTurn {
			return
		}
		t.seq++
		state, known := t.states[e.Action.ID]
		if !known {
			state = &ActionState{FirstSeen: t.seq}
			t.states[e.Action.ID] = state
			t.order = append(t.order, e.Action.ID)
		}
		state.Action = e.Action
		state.Phase = e.Phase
		state.Ok = e.Ok
		state.LastUpdate = t.seq
	case model.CompletedEvent:
		t.resume = e.Resume
	}
}

// SetResumeLine overrides the rendered resume line (normally computed by
// the caller from the engine's FormatResume, since Tracker doesn't know
// about engines).
func (t *Tracker) SetResumeLine(line string) {
	t.resumeLine = line
}

// Snapshot renders the current bounded view: the last maxActions entries
// by first-seen order, preserving that order (not last-updated order) so
// the chat message doesn't reshuffle every time an earlier action updates.
func (t *Tracker) Snapshot() Snapshot {
	ids := t.order
	if len(ids) > t.maxActions {
		ids = ids[len(ids)-t.maxActions:]
	}
	actions := make([]ActionState, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, *t.states[id])
	}
	return Snapshot{
		Engine:      t.engine,
		ActionCount: len(t.order),
		Actions:     actions,
		Resume:      t.resume,
		Meta:        t.meta,
		ResumeLine:  t.resumeLine,
	}
}
