// Package planmode implements the Pause & Outline Plan negotiation: a
// user who isn't ready to let the agent exit plan mode can click "Pause &
// Outline Plan" instead of Approve/Deny, which opens a cooldown window
// during which the coordinator watches the agent's assistant text for a
// long-enough outline and, once one appears, surfaces an Approve/Deny
// decision specific to that outline rather than the bare ExitPlanMode
// request.
//
// Grounded on the cooldown/outline logic inside translate_claude_event and
// on set_discuss_cooldown/check_discuss_cooldown/clear_discuss_cooldown in
// original_source/src/untether/runners/claude.py.
package planmode

import (
	"strings"
	"sync"
	"time"

	"github.com/riverrun/untether/internal/registry"
)

// baseWindow and maxWindow define the progressive cooldown formula
// min(baseWindow * count, maxWindow) — each successive Pause & Outline
// click within the same session gets a longer window, capped at two
// minutes so a user can't deadlock the conversation forever.
const (
	baseWindowSeconds = 30
	maxWindowSeconds  = 120
	// outlineThreshold is the minimum assistant-text length, in runes,
	// that counts as "an outline was written." 200 was chosen to roughly
	// match "at least 15 visible lines" of typical prose without parsing
	// markdown structure.
	outlineThreshold = 200
	// outlineEmbedLimit caps how much of the outline gets echoed back
	// into the synthetic warning shown in chat, so a very long plan
	// doesn't blow the message-size budget on its own.
	outlineEmbedLimit = 1500
)

// Coordinator tracks plan-mode cooldown state per session on top of a
// shared Registry (so the same state is visible to the control package,
// which needs to know whether a session is in-cooldown when classifying
// an ExitPlanMode request).
type Coordinator struct {
	reg      *registry.Registry
	outlines outlineStore
}

// New returns a Coordinator backed by reg.
func New(reg *registry.Registry) *Coordinator {
	return &Coordinator{reg: reg}
}

// windowFor returns the cooldown duration for the count-th Pause & Outline
// click (1-indexed): min(30*count, 120) seconds.
func windowFor(count int) time.Duration {
	secs := baseWindowSeconds * count
	if secs > maxWindowSeconds {
		secs = maxWindowSeconds
	}
	return time.Duration(secs) * time.Second
}

// BeginCooldown records a Pause & Outline click for sessionID, bumping the
// click count from whatever it was (even if the previous window already
// expired — the count is never reset by expiry, only by an eventual
// Approve/Deny resolution) and opens a fresh window.
func (c *Coordinator) BeginCooldown(sessionID string) {
	_, prevCount, _ := c.reg.DiscussCooldown(sessionID)
	c.reg.SetDiscussCooldown(sessionID, prevCount+1)
}

// CheckCooldown reports the current state of sessionID's cooldown window.
// If the window has elapsed, the timestamp half is cleared (so a later
// read sees InCooldown=false) but the click count is preserved — reading
// is therefore not idempotent in the sense that the first read past
// expiry performs the expiry side effect.
func (c *Coordinator) CheckCooldown(sessionID string) (inCooldown bool, count int) {
	ts, cnt, active := c.reg.DiscussCooldown(sessionID)
	if !active {
		return false, cnt
	}
	// now - ts == window is still treated as inside the window: only a
	// strictly-greater elapsed time expires it.
	if time.Since(ts) > windowFor(cnt) {
		c.reg.ExpireDiscussCooldown(sessionID)
		return false, cnt
	}
	return true, cnt
}

// ClearCooldown removes sessionID's cooldown state entirely, used once the
// ExitPlanMode request is finally resolved one way or the other.
func (c *Coordinator) ClearCooldown(sessionID string) {
	c.reg.ClearDiscussCooldown(sessionID)
}

// ObserveAssistantText is called with every chunk of assistant text a
// session emits while it is within a Pause & Outline window. Each chunk of
// at least outlineThreshold runes replaces the detected outline; shorter
// chunks are ignored.
func (c *Coordinator) ObserveAssistantText(sessionID, text string) {
	if !c.reg.IsOutlinePending(sessionID) {
		return
	}
	if len([]rune(text)) < outlineThreshold {
		return
	}
	c.outlines.set(sessionID, text)
}

// outlineStore is a tiny side table for detected outline text, kept
// separate from Registry because it's read-mostly-by-one-caller state
// specific to this package, not something control/registry need to see
// directly — Classify only needs OutlineDetected and the already-embedded
// text, both supplied via DiscussCooldownState.
type outlineStore struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *outlineStore) set(sessionID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[sessionID] = text
}

func (s *outlineStore) get(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.m[sessionID]
	return text, ok
}

func (s *outlineStore) clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, sessionID)
}

// State returns the snapshot the control package needs to classify an
// ExitPlanMode request for sessionID.
func (c *Coordinator) State(sessionID string) (inCooldown bool, outlineDetected bool, outlineText string) {
	inCooldown, _ = c.CheckCooldown(sessionID)
	if !inCooldown {
		return false, false, ""
	}
	text, ok := c.outlines.get(sessionID)
	if !ok {
		return true, false, ""
	}
	return true, true, truncateOutline(text)
}

// ConsumeOutline clears the detected outline for sessionID once it has
// been embedded into a decision, so a second request doesn't re-embed a
// stale outline if the agent writes a shorter follow-up.
func (c *Coordinator) ConsumeOutline(sessionID string) {
	c.outlines.clear(sessionID)
}

func truncateOutline(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= outlineEmbedLimit {
		return string(runes)
	}
	return string(runes[:outlineEmbedLimit]) + "…"
}

// ApproveSynthetic handles a "da:"-prefixed synthetic approval: the user
// accepted the outline via the Approve/Deny buttons shown for it. This
// never touches the subprocess — it only flips DiscussApproved so the
// next real ExitPlanMode control request auto-approves, and clears the
// cooldown.
func (c *Coordinator) ApproveSynthetic(sessionID string) {
	c.reg.SetDiscussApproved(sessionID)
	c.reg.ClearDiscussCooldown(sessionID)
	c.outlines.clear(sessionID)
}

// DenySynthetic handles a denied synthetic outline approval: just clears
// the cooldown so the agent gets another chance to write a plan (or the
// next real ExitPlanMode request escalates as a fresh click would).
func (c *Coordinator) DenySynthetic(sessionID string) {
	c.reg.ClearDiscussCooldown(sessionID)
	c.outlines.clear(sessionID)
}
