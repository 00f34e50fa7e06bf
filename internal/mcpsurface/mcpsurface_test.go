package mcpsurface

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/riverrun/untether/internal/model"
)

func TestHub_PublishAndSnapshot(t *testing.T) {
	h := NewHub()
	h.Publish("sess-1", model.StartedEvent{Engine: "claude", Title: "hi", AtTime: time.Now()})

	data, ok := h.snapshot("sess-1")
	if !ok {
		t.Fatal("snapshot() should find the published event")
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("snapshot data is not valid JSON: %v", err)
	}
	if decoded["type"] != "started" {
		t.Errorf("type = %v, want started", decoded["type"])
	}
}

func TestHub_Publish_LatestOverwritesEarlier(t *testing.T) {
	h := NewHub()
	h.Publish("sess-1", model.ActionEvent{Action: model.Action{ID: "a1"}, Phase: model.PhaseStarted})
	h.Publish("sess-1", model.CompletedEvent{Ok: true, Answer: "done"})

	data, ok := h.snapshot("sess-1")
	if !ok {
		t.Fatal("snapshot() should have the latest event")
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["type"] != "completed" {
		t.Errorf("type = %v, want completed (the most recent publish)", decoded["type"])
	}
}

func TestHub_Forget(t *testing.T) {
	h := NewHub()
	h.Publish("sess-1", model.StartedEvent{Engine: "claude"})

	h.Forget("sess-1")

	if _, ok := h.snapshot("sess-1"); ok {
		t.Error("snapshot() should find nothing after Forget")
	}
}

func TestHub_Snapshot_UnknownSession(t *testing.T) {
	h := NewHub()
	if _, ok := h.snapshot("no-such-session"); ok {
		t.Error("snapshot() should report false for a session that never published")
	}
}

func TestEventEnvelope(t *testing.T) {
	tests := []struct {
		name string
		ev   model.Event
		want string
	}{
		{"started", model.StartedEvent{Engine: "claude"}, "started"},
		{"action", model.ActionEvent{Action: model.Action{ID: "a1"}}, "action"},
		{"completed", model.CompletedEvent{Ok: true}, "completed"},
	}
	for _, tt := range tests {
		got := eventEnvelope(tt.ev)
		if got["type"] != tt.want {
			t.Errorf("eventEnvelope(%s)[type] = %v, want %v", tt.name, got["type"], tt.want)
		}
	}
}
