// Package registry holds the process-wide state that the subprocess runner,
// the control protocol, and the plan-mode coordinator all need to share:
// which sessions are active, where to write a control response, and which
// control requests have already been handled. It is deliberately a single
// struct behind one mutex rather than several free-floating maps. Most
// methods do O(1) map work while holding the lock; the stale control-request
// sweep, ActiveSessionIDs and CleanupStale walk whole maps under it.
//
// Grounded on internal/session.ActiveSessionManager in the teacher repo
// (map of session id to struct, guarded by one mutex, idle-sweep goroutine)
// and on the module-level _ACTIVE_RUNNERS / _SESSION_STDIN / _REQUEST_TO_*
// / _HANDLED_REQUESTS globals in original_source's runners/claude.py.
package registry

import (
	"io"
	"sync"
	"time"
)

// handledRequestsCap mirrors _HANDLED_REQUESTS's behavior in the Python
// source: once the set exceeds this size it is cleared wholesale rather
// than LRU-evicted. That is intentional — handled requests only need to
// be remembered long enough to answer a duplicate delivery, and a
// wholesale clear is simpler than a bounded LRU for a set that size.
const handledRequestsCap = 100

// controlRequestTimeout is how long a control request may sit unanswered
// before it is swept out of pendingControlRequests.
const controlRequestTimeout = 5 * time.Minute

// Runner is the subset of the subprocess runner the registry needs to know
// about. Defined here (not imported from the runner package) to avoid a
// import cycle — the runner package depends on registry, not vice versa.
type Runner interface {
	Cancel()
}

type runnerEntry struct {
	runner    Runner
	startedAt time.Time
}

type pendingControlRequest struct {
	sessionID string
	createdAt time.Time
}

// Registry is the single coordinator for process-wide session and control
// state. The zero value is not usable; use New.
type Registry struct {
	mu sync.Mutex

	activeRunners map[string]runnerEntry
	sessionStdin  map[string]io.Writer

	requestToSession map[string]string
	requestToInput   map[string]map[string]any
	pendingControl   map[string]pendingControlRequest
	handledRequests  map[string]struct{}

	discussCooldown map[string]cooldownEntry
	discussApproved map[string]struct{}
	outlinePending  map[string]struct{}
	pendingAsk      map[string]askRequest
	askBySession    map[string]string
}

type cooldownEntry struct {
	Timestamp time.Time
	Count     int
	Active    bool
}

type askRequest struct {
	SessionID string
	Question  string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		activeRunners:    make(map[string]runnerEntry),
		sessionStdin:     make(map[string]io.Writer),
		requestToSession: make(map[string]string),
		requestToInput:   make(map[string]map[string]any),
		pendingControl:   make(map[string]pendingControlRequest),
		handledRequests:  make(map[string]struct{}),
		discussCooldown:  make(map[string]cooldownEntry),
		discussApproved:  make(map[string]struct{}),
		outlinePending:   make(map[string]struct{}),
		pendingAsk:       make(map[string]askRequest),
		askBySession:     make(map[string]string),
	}
}

// RegisterSession marks sessionID active, owned by r, with its control
// writes going to stdin. Called exactly once, from inside the runner's own
// stream loop at StartedEvent time — never from a field on a long-lived
// Runner struct, since a later session on the same runner could otherwise
// race a stale reference.
func (reg *Registry) RegisterSession(sessionID string, r Runner, stdin io.Writer) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.activeRunners[sessionID] = runnerEntry{runner: r, startedAt: time.Now()}
	reg.sessionStdin[sessionID] = stdin
}

// UnregisterSession removes sessionID from the active set. Idempotent: a
// second call for an already-removed session is a no-op, which matters
// because both CompletedEvent handling and stream-error handling call it.
func (reg *Registry) UnregisterSession(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.activeRunners, sessionID)
	delete(reg.sessionStdin, sessionID)
}

// IsActive reports whether sessionID currently has a registered runner.
func (reg *Registry) IsActive(sessionID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.activeRunners[sessionID]
	return ok
}

// Cancel requests cancellation of an active session's runner. Returns false
// if the session is not active.
func (reg *Registry) Cancel(sessionID string) bool {
	reg.mu.Lock()
	entry, ok := reg.activeRunners[sessionID]
	reg.mu.Unlock()
	if !ok {
		return false
	}
	entry.runner.Cancel()
	return true
}

// RequestOutcome is the result of looking up a control-response target.
type RequestOutcome int

const (
	// OutcomeWrite means w is a live stdin to write the response to.
	OutcomeWrite RequestOutcome = iota
	// OutcomeDuplicate means the request id was already handled; the
	// caller should report success without writing anything.
	OutcomeDuplicate
	// OutcomeNotFound means the request id is unknown and was never
	// handled — the caller should report a "not found" failure.
	OutcomeNotFound
)

// ResolveControlTarget looks up where a control_response for requestID
// should be written, following the same precedence as the Python source:
// RequestToSession first (and if the session turns out to have gone
// inactive meanwhile, the stale Request* entries are purged here), then
// HandledRequests for duplicate delivery, else not-found.
func (reg *Registry) ResolveControlTarget(requestID string) (io.Writer, RequestOutcome) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	sessionID, ok := reg.requestToSession[requestID]
	if !ok {
		if _, handled := reg.handledRequests[requestID]; handled {
			return nil, OutcomeDuplicate
		}
		return nil, OutcomeNotFound
	}

	if _, active := reg.activeRunners[sessionID]; !active {
		delete(reg.requestToSession, requestID)
		delete(reg.requestToInput, requestID)
		delete(reg.pendingControl, requestID)
		return nil, OutcomeNotFound
	}

	w, ok := reg.sessionStdin[sessionID]
	if !ok {
		return nil, OutcomeNotFound
	}
	return w, OutcomeWrite
}

// ConsumeToolInput pops and returns the original tool_input recorded for
// requestID by RegisterControlRequest, if any. An approve response must
// echo this back as "updatedInput" — the subprocess is blocked waiting to
// see its own input reflected, not a confirmation-only ack.
func (reg *Registry) ConsumeToolInput(requestID string) (map[string]any, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	input, ok := reg.requestToInput[requestID]
	delete(reg.requestToInput, requestID)
	return input, ok
}

// SessionForRequest returns the session id a pending control request
// belongs to, without consuming or otherwise mutating any bookkeeping —
// used by callback handling to know which session's cooldown state to
// update alongside answering the request itself.
func (reg *Registry) SessionForRequest(requestID string) (string, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	sessionID, ok := reg.requestToSession[requestID]
	return sessionID, ok
}

// RegisterControlRequest records that requestID belongs to sessionID and
// carries toolInput as its original tool_input (needed to echo back
// "updatedInput" on approval). Must be called before the corresponding
// warning ActionEvent is yielded to the bridge, so a response racing in
// before the event is displayed still resolves, and toolInput must be set
// before that same yield so a racing approve never finds it missing.
func (reg *Registry) RegisterControlRequest(requestID, sessionID string, toolInput map[string]any) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.requestToSession[requestID] = sessionID
	reg.requestToInput[requestID] = toolInput
	reg.pendingControl[requestID] = pendingControlRequest{sessionID: sessionID, createdAt: time.Now()}
	reg.sweepExpiredControlRequestsLocked()
}

// CompleteControlRequest pops requestID's bookkeeping and marks it handled,
// clearing HandledRequests wholesale if it has grown past its cap. Also
// clears any pending-ask bookkeeping for requestID, in case this request
// was an AskUserQuestion resolved via its Approve/Deny buttons rather than
// a free-text reply.
func (reg *Registry) CompleteControlRequest(requestID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.requestToSession, requestID)
	delete(reg.requestToInput, requestID)
	delete(reg.pendingControl, requestID)
	if a, ok := reg.pendingAsk[requestID]; ok {
		delete(reg.pendingAsk, requestID)
		if reg.askBySession[a.SessionID] == requestID {
			delete(reg.askBySession, a.SessionID)
		}
	}
	if len(reg.handledRequests) >= handledRequestsCap {
		reg.handledRequests = make(map[string]struct{})
	}
	reg.handledRequests[requestID] = struct{}{}
}

// AlreadyHandled reports whether requestID has already been answered.
func (reg *Registry) AlreadyHandled(requestID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.handledRequests[requestID]
	return ok
}

// sweepExpiredControlRequestsLocked drops pending control requests older
// than controlRequestTimeout. Called opportunistically on every new
// registration, mirroring the Python source's sweep-on-arrival approach
// rather than running a dedicated ticker goroutine.
func (reg *Registry) sweepExpiredControlRequestsLocked() {
	cutoff := time.Now().Add(-controlRequestTimeout)
	for id, pending := range reg.pendingControl {
		if pending.createdAt.Before(cutoff) {
			delete(reg.pendingControl, id)
			delete(reg.requestToSession, id)
			delete(reg.requestToInput, id)
		}
	}
}

// --- Discuss-cooldown / plan-mode state ---

// SetDiscussCooldown records a Pause&Outline click for sessionID, bumping
// count and refreshing the timestamp, and marks the session as having an
// outline pending.
func (reg *Registry) SetDiscussCooldown(sessionID string, count int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.discussCooldown[sessionID] = cooldownEntry{Timestamp: time.Now(), Count: count, Active: true}
	reg.outlinePending[sessionID] = struct{}{}
}

// DiscussCooldown returns the current (timestamp, count, active) state for
// sessionID without mutating it.
func (reg *Registry) DiscussCooldown(sessionID string) (time.Time, int, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.discussCooldown[sessionID]
	if !ok {
		return time.Time{}, 0, false
	}
	return e.Timestamp, e.Count, e.Active
}

// ExpireDiscussCooldown clears only the Active/timestamp half of the
// cooldown entry, preserving Count. The count must survive window expiry
// so a second click after the window closes escalates further rather than
// resetting to a fresh 30s window — this is an explicit, non-obvious
// behavior carried over unchanged from the source this was distilled from.
func (reg *Registry) ExpireDiscussCooldown(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	e, ok := reg.discussCooldown[sessionID]
	if !ok {
		return
	}
	e.Active = false
	reg.discussCooldown[sessionID] = e
}

// ClearDiscussCooldown removes the cooldown entry entirely (used once the
// subprocess has actually received an approve/deny for the request, or the
// plan mode conversation otherwise resolves).
func (reg *Registry) ClearDiscussCooldown(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.discussCooldown, sessionID)
	delete(reg.outlinePending, sessionID)
}

// IsOutlinePending reports whether sessionID is currently within a
// Pause&Outline window and should have its assistant text watched for an
// outline long enough to auto-approve.
func (reg *Registry) IsOutlinePending(sessionID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.outlinePending[sessionID]
	return ok
}

// SetDiscussApproved marks sessionID as having had its plan outline
// accepted, so the next ExitPlanMode control request auto-approves.
func (reg *Registry) SetDiscussApproved(sessionID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.discussApproved[sessionID] = struct{}{}
}

// ConsumeDiscussApproved reports and clears whether sessionID was marked
// approved.
func (reg *Registry) ConsumeDiscussApproved(sessionID string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.discussApproved[sessionID]
	delete(reg.discussApproved, sessionID)
	return ok
}

// --- AskUserQuestion relay ---

// RegisterPendingAsk remembers an AskUserQuestion's question text so a
// later free-text chat reply can be routed back to it as a denial message.
func (reg *Registry) RegisterPendingAsk(requestID, sessionID, question string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.pendingAsk[requestID] = askRequest{SessionID: sessionID, Question: question}
	reg.askBySession[sessionID] = requestID
}

// ConsumePendingAsk pops and returns a pending AskUserQuestion, if any.
func (reg *Registry) ConsumePendingAsk(requestID string) (sessionID, question string, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	a, exists := reg.pendingAsk[requestID]
	if !exists {
		return "", "", false
	}
	delete(reg.pendingAsk, requestID)
	if reg.askBySession[a.SessionID] == requestID {
		delete(reg.askBySession, a.SessionID)
	}
	return a.SessionID, a.Question, true
}

// PendingAskForSession reports the request id and question text of
// sessionID's pending AskUserQuestion, if it has one — used by the bridge
// to recognize that a free-text chat reply while a session is in flight is
// meant to answer that question rather than start a new run.
func (reg *Registry) PendingAskForSession(sessionID string) (requestID, question string, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	requestID, ok = reg.askBySession[sessionID]
	if !ok {
		return "", "", false
	}
	a := reg.pendingAsk[requestID]
	return requestID, a.Question, true
}

// ActiveSessionIDs returns a snapshot of currently active session ids, for
// admin/diagnostic listing.
func (reg *Registry) ActiveSessionIDs() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]string, 0, len(reg.activeRunners))
	for id := range reg.activeRunners {
		ids = append(ids, id)
	}
	return ids
}

// CleanupStale removes active sessions whose runner has been registered
// longer than maxAge without completing — a backstop against a runner that
// never reaches CompletedEvent due to a bug, not the normal exit path.
func (reg *Registry) CleanupStale(maxAge time.Duration) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for id, entry := range reg.activeRunners {
		if entry.startedAt.Before(cutoff) {
			delete(reg.activeRunners, id)
			delete(reg.sessionStdin, id)
			removed = append(removed, id)
		}
	}
	return removed
}
