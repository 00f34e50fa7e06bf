package session

import (
	"testing"

	"github.com/riverrun/untether/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EngineOverride_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	if got := s.EngineFor("chat-1"); got != "" {
		t.Fatalf("EngineFor() on unset chat = %q, want empty", got)
	}

	s.SetEngineOverride("chat-1", "droid")
	if got := s.EngineFor("chat-1"); got != "droid" {
		t.Fatalf("EngineFor() = %q, want droid", got)
	}

	s.SetEngineOverride("chat-1", "claude")
	if got := s.EngineFor("chat-1"); got != "claude" {
		t.Fatalf("EngineFor() after update = %q, want claude", got)
	}
}

func TestStore_Resume_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Resume("chat-1", "claude"); ok {
		t.Fatal("Resume() on unset chat/engine should report ok=false")
	}

	s.SetResume("chat-1", model.ResumeToken{Engine: "claude", Value: "tok-1"})
	got, ok := s.Resume("chat-1", "claude")
	if !ok || got.Value != "tok-1" {
		t.Fatalf("Resume() = %+v, %v, want tok-1, true", got, ok)
	}

	s.SetResume("chat-1", model.ResumeToken{Engine: "claude", Value: "tok-2"})
	got, ok = s.Resume("chat-1", "claude")
	if !ok || got.Value != "tok-2" {
		t.Fatalf("Resume() after overwrite = %+v, %v, want tok-2, true", got, ok)
	}

	if _, ok := s.Resume("chat-1", "droid"); ok {
		t.Fatal("Resume() for a different engine should not see claude's token")
	}
}
