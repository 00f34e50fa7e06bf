// Package webhook exposes a single authenticated HTTP endpoint,
// POST /hooks/{id}, that turns an external call (a CI pipeline, an issue
// tracker, a cron-as-a-service product, anything that can make an HTTP
// request) into a synthetic chat message delivered to
// a transport.Dispatcher's HandleMessage — the same entry point a transport's receive
// loop calls for a message typed by a human. Routed with gorilla/mux and
// gated by internal/auth's bearer middleware and rate limiter, the way
// the teacher's own internal/mcp HTTP surface was routed and gated
// before this package absorbed that surface's one remaining external
// entry point.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riverrun/untether/internal/auth"
	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/transport"
)

// HookRegistry resolves a hook id to the chat it should post into. Chats
// register a hook (and receive its token) out of band; this package only
// needs the read side.
type HookRegistry interface {
	ChatForHook(hookID string) (chatID string, ok bool)
}

// Handler routes POST /hooks/{id} requests into d, after verifying the
// caller's bearer token is scoped to that hook (or to admin).
type Handler struct {
	hooks      HookRegistry
	dispatcher transport.Dispatcher
	limiter    *auth.RateLimiter
}

// NewHandler returns a Handler backed by hooks and dispatching into d.
// limiter may be nil to skip rate limiting.
func NewHandler(hooks HookRegistry, d transport.Dispatcher, limiter *auth.RateLimiter) *Handler {
	return &Handler{hooks: hooks, dispatcher: d, limiter: limiter}
}

// Mount registers the webhook route (and auth middleware) on router.
func (h *Handler) Mount(router *mux.Router, store *auth.Store) {
	sub := router.PathPrefix("/hooks").Subrouter()
	sub.Use(auth.Middleware(store))
	sub.HandleFunc("/{id}", h.serveHook).Methods(http.MethodPost)
}

// hookPayload is the body a caller posts to trigger a hook. Text becomes
// the prompt delivered to the hook's chat, same as if typed there.
type hookPayload struct {
	Text string `json:"text"`
}

func (h *Handler) serveHook(w http.ResponseWriter, r *http.Request) {
	hookID := mux.Vars(r)["id"]

	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || !authCtx.CanAccessHook(hookID) || !authCtx.CanWrite() {
		writeError(w, http.StatusForbidden, "token not scoped to this hook")
		return
	}

	if h.limiter != nil && authCtx.Token != nil {
		if !h.limiter.Allow(authCtx.Token.ID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	chatID, ok := h.hooks.ChatForHook(hookID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown hook")
		return
	}

	var payload hookPayload
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	h.dispatcher.HandleMessage(r.Context(), transport.IncomingMessage{
		ChatID: chatID,
		Text:   payload.Text,
	})

	logger.Info("webhook: hook %s fired into chat %s", hookID, chatID)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
