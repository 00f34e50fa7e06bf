package planmode

import (
	"strings"
	"testing"

	"github.com/riverrun/untether/internal/registry"
)

func TestWindowFor_ProgressiveCappedAtMax(t *testing.T) {
	tests := []struct {
		count int
		want  int
	}{
		{1, 30},
		{2, 60},
		{3, 90},
		{4, 120},
		{5, 120},
	}
	for _, tt := range tests {
		if got := windowFor(tt.count); got.Seconds() != float64(tt.want) {
			t.Errorf("windowFor(%d) = %v, want %ds", tt.count, got, tt.want)
		}
	}
}

func TestCoordinator_BeginAndCheckCooldown(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"

	inCooldown, count := c.CheckCooldown(sessionID)
	if inCooldown {
		t.Fatal("CheckCooldown() on a session never put into cooldown should be false")
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}

	c.BeginCooldown(sessionID)
	inCooldown, count = c.CheckCooldown(sessionID)
	if !inCooldown {
		t.Fatal("CheckCooldown() right after BeginCooldown should be true")
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestCoordinator_BeginCooldownIncrementsAcrossClicks(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"

	c.BeginCooldown(sessionID)
	c.BeginCooldown(sessionID)
	_, count := c.CheckCooldown(sessionID)
	if count != 2 {
		t.Errorf("count after two clicks = %d, want 2", count)
	}
}

func TestCoordinator_ObserveAssistantText_BelowThresholdIgnored(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"
	c.BeginCooldown(sessionID)

	c.ObserveAssistantText(sessionID, "too short")

	_, detected, _ := c.State(sessionID)
	if detected {
		t.Error("a short assistant message should not count as a detected outline")
	}
}

func TestCoordinator_ObserveAssistantText_DetectsLongOutline(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"
	c.BeginCooldown(sessionID)

	outline := strings.Repeat("a long plan line.\n", 20)
	c.ObserveAssistantText(sessionID, outline)

	inCooldown, detected, text := c.State(sessionID)
	if !inCooldown || !detected {
		t.Fatalf("State() = (%v, %v), want (true, true)", inCooldown, detected)
	}
	if text == "" {
		t.Error("detected outline text should be non-empty")
	}
}

func TestCoordinator_ObserveAssistantText_IgnoredOutsideCooldown(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"

	c.ObserveAssistantText(sessionID, strings.Repeat("x", 300))

	_, detected, _ := c.State(sessionID)
	if detected {
		t.Error("assistant text observed outside a cooldown window should never be recorded")
	}
}

func TestCoordinator_ConsumeOutlineClearsDetection(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"
	c.BeginCooldown(sessionID)
	c.ObserveAssistantText(sessionID, strings.Repeat("x", 300))

	c.ConsumeOutline(sessionID)

	_, detected, _ := c.State(sessionID)
	if detected {
		t.Error("ConsumeOutline should clear the detected outline")
	}
}

func TestCoordinator_ApproveSynthetic(t *testing.T) {
	reg := registry.New()
	c := New(reg)
	sessionID := "sess-1"
	c.BeginCooldown(sessionID)

	c.ApproveSynthetic(sessionID)

	if inCooldown, _ := c.CheckCooldown(sessionID); inCooldown {
		t.Error("ApproveSynthetic should clear the cooldown")
	}
	if !reg.ConsumeDiscussApproved(sessionID) {
		t.Error("ApproveSynthetic should set DiscussApproved")
	}
}

func TestCoordinator_DenySynthetic(t *testing.T) {
	c := New(registry.New())
	sessionID := "sess-1"
	c.BeginCooldown(sessionID)
	c.ObserveAssistantText(sessionID, strings.Repeat("x", 300))

	c.DenySynthetic(sessionID)

	if inCooldown, _ := c.CheckCooldown(sessionID); inCooldown {
		t.Error("DenySynthetic should clear the cooldown")
	}
	_, detected, _ := c.State(sessionID)
	if detected {
		t.Error("DenySynthetic should clear any detected outline")
	}
}

func TestCoordinator_TruncateOutline(t *testing.T) {
	long := strings.Repeat("a", outlineEmbedLimit+500)
	got := truncateOutline(long)
	if len([]rune(got)) != outlineEmbedLimit+1 { // +1 for the ellipsis rune
		t.Errorf("truncateOutline() length = %d, want %d", len([]rune(got)), outlineEmbedLimit+1)
	}
	if !strings.HasSuffix(got, "…") {
		t.Error("truncateOutline() should end with an ellipsis when truncated")
	}
}
