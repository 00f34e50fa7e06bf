package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/riverrun/untether/internal/auth"
	"github.com/riverrun/untether/internal/transport"
)

type fakeHooks struct {
	chats map[string]string
}

func (f *fakeHooks) ChatForHook(hookID string) (string, bool) {
	chat, ok := f.chats[hookID]
	return chat, ok
}

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []transport.IncomingMessage
}

func (f *fakeDispatcher) HandleMessage(ctx context.Context, msg transport.IncomingMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeDispatcher) HandleCallback(ctx context.Context, cb transport.IncomingCallback) {}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func newTestRouter(t *testing.T, hooks *fakeHooks, disp *fakeDispatcher) (*mux.Router, *auth.Store, func()) {
	t.Helper()
	store, err := auth.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("auth.NewStore() error = %v", err)
	}

	h := NewHandler(hooks, disp, nil)
	router := mux.NewRouter()
	h.Mount(router, store)

	return router, store, func() { _ = store.Close() }
}

func TestHandler_FiresOnValidToken(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{"hook-1": "chat-1"}}
	disp := &fakeDispatcher{}
	router, store, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	_, tokenID, err := store.CreateToken("ci", auth.ScopeHook("hook-1"), nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/hook-1", bytes.NewBufferString(`{"text":"build failed"}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: body=%s", rec.Code, rec.Body.String())
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched %d messages, want 1", disp.count())
	}
	if disp.messages[0].ChatID != "chat-1" || disp.messages[0].Text != "build failed" {
		t.Errorf("dispatched message = %+v", disp.messages[0])
	}
}

func TestHandler_RejectsWrongHookScope(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{"hook-1": "chat-1", "hook-2": "chat-2"}}
	disp := &fakeDispatcher{}
	router, store, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	_, tokenID, err := store.CreateToken("ci", auth.ScopeHook("hook-2"), nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/hook-1", bytes.NewBufferString(`{"text":"x"}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if disp.count() != 0 {
		t.Errorf("dispatched %d messages, want 0", disp.count())
	}
}

func TestHandler_RejectsReadOnlyToken(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{"hook-1": "chat-1"}}
	disp := &fakeDispatcher{}
	router, store, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	_, tokenID, err := store.CreateToken("ci-ro", auth.ScopeHookRO("hook-1"), nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/hook-1", bytes.NewBufferString(`{"text":"x"}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestHandler_UnknownHook(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{}}
	disp := &fakeDispatcher{}
	router, store, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	_, tokenID, err := store.CreateToken("admin", auth.ScopeAdmin, nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/missing", bytes.NewBufferString(`{"text":"x"}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandler_MissingText(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{"hook-1": "chat-1"}}
	disp := &fakeDispatcher{}
	router, store, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	_, tokenID, err := store.CreateToken("ci", auth.ScopeHook("hook-1"), nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/hook-1", bytes.NewBufferString(`{}`))
	req.Header.Set("Authorization", "Bearer "+tokenID)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandler_NoToken(t *testing.T) {
	hooks := &fakeHooks{chats: map[string]string{"hook-1": "chat-1"}}
	disp := &fakeDispatcher{}
	router, _, cleanup := newTestRouter(t, hooks, disp)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/hooks/hook-1", bytes.NewBufferString(`{"text":"x"}`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
