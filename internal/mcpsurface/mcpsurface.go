// Package mcpsurface exposes each active agent session's canonical event
// stream over the Model Context Protocol, for callers that want to watch a
// run without polling chat — e.g. a dashboard. It is additive: the chat
// bridge's own behavior never depends on whether anything is connected
// here. The bridge does not call Hub.Publish, so as wired in
// cmd/untether-bridge no session's events reach the hub and inspect_session
// finds no snapshot. Adapted from the teacher's internal/mcp package, which registered
// a large tool surface (project/workspace/session/schedule CRUD) behind a
// generic Registry and pushed session events to a connected MCP client via
// ServerSession.Log; this package keeps exactly that push mechanism and the
// single tool a chat-bridge dashboard actually needs — inspect_session —
// and drops the rest, which had no equivalent in this domain.
package mcpsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/model"
)

// Hub tracks, per session, the most recent snapshot and (if a dashboard is
// watching) the MCP session to push new snapshots to via a Log
// notification.
type Hub struct {
	mu        sync.Mutex
	snapshots map[string]json.RawMessage
	watchers  map[string]*mcp.ServerSession
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		snapshots: make(map[string]json.RawMessage),
		watchers:  make(map[string]*mcp.ServerSession),
	}
}

// Publish records ev as the latest state for sessionID and, if a dashboard
// is watching that session, pushes it immediately as a Log notification.
// It never blocks the caller's event loop on the push succeeding.
func (h *Hub) Publish(sessionID string, ev model.Event) {
	data, err := json.Marshal(eventEnvelope(ev))
	if err != nil {
		logger.Error("mcpsurface: marshal event for session %s: %v", sessionID, err)
		return
	}

	h.mu.Lock()
	h.snapshots[sessionID] = data
	watcher := h.watchers[sessionID]
	h.mu.Unlock()

	if watcher == nil {
		return
	}
	go func() {
		err := watcher.Log(context.Background(), &mcp.LoggingMessageParams{
			Logger: "untether.session",
			Level:  "info",
			Data:   json.RawMessage(data),
		})
		if err != nil {
			logger.Error("mcpsurface: push log notification for session %s: %v", sessionID, err)
		}
	}()
}

// Forget drops any retained snapshot/watcher for sessionID once its run
// has completed.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.snapshots, sessionID)
	delete(h.watchers, sessionID)
}

func (h *Hub) watch(sessionID string, session *mcp.ServerSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[sessionID] = session
}

func (h *Hub) snapshot(sessionID string) (json.RawMessage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.snapshots[sessionID]
	return data, ok
}

// eventEnvelope flattens a model.Event into a JSON-friendly map, since the
// sealed Event interface has no exported marshaling method of its own.
func eventEnvelope(ev model.Event) map[string]any {
	switch e := ev.(type) {
	case model.StartedEvent:
		return map[string]any{"type": "started", "engine": e.Engine, "title": e.Title, "at": e.AtTime}
	case model.ActionEvent:
		return map[string]any{"type": "action", "action": e.Action, "phase": e.Phase, "ok": e.Ok, "at": e.AtTime}
	case model.CompletedEvent:
		return map[string]any{"type": "completed", "ok": e.Ok, "answer": e.Answer, "error": e.Error, "usage": e.Usage, "at": e.AtTime}
	default:
		return map[string]any{"type": "unknown"}
	}
}

// InspectSessionInput is the inspect_session tool's argument.
type InspectSessionInput struct {
	SessionID string `json:"session_id" jsonschema:"the untether session id to inspect"`
}

// RegisterInspectSession adds the inspect_session tool to server, backed by
// hub's retained snapshots. A caller that supplies no prior interest in a
// session simply gets "no snapshot yet" rather than an error — the tool is
// read-only and best-effort by design.
func RegisterInspectSession(server *mcp.Server, hub *Hub) error {
	schema, err := jsonschema.For[InspectSessionInput](nil)
	if err != nil {
		return fmt.Errorf("mcpsurface: build input schema: %w", err)
	}

	tool := &mcp.Tool{
		Name:        "inspect_session",
		Description: "Return the most recent canonical event snapshot for one untether agent session, and register the caller to receive further updates as Log notifications.",
		InputSchema: schema,
	}

	server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in InspectSessionInput
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		if in.SessionID == "" {
			return nil, fmt.Errorf("session_id is required")
		}
		if req.Session != nil {
			hub.watch(in.SessionID, req.Session)
		}
		data, ok := hub.snapshot(in.SessionID)
		if !ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("no snapshot yet for session %s", in.SessionID)}},
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})

	return nil
}
