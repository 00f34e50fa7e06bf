package cost

import "testing"

func floatp(f float64) *float64 { return &f }

func TestTracker_RecordAndDailyCost(t *testing.T) {
	tr := NewTracker()
	tr.Record("chat-1", 1.5)
	tr.Record("chat-1", 2.0)
	tr.Record("chat-2", 10.0)

	if got := tr.DailyCost("chat-1"); got != 3.5 {
		t.Errorf("DailyCost(chat-1) = %v, want 3.5", got)
	}
	if got := tr.DailyCost("chat-2"); got != 10.0 {
		t.Errorf("DailyCost(chat-2) = %v, want 10.0", got)
	}
	if got := tr.DailyCost("chat-unknown"); got != 0 {
		t.Errorf("DailyCost(unknown) = %v, want 0", got)
	}
}

func TestTracker_Check_NoBudgetNoAlert(t *testing.T) {
	tr := NewTracker()
	tr.Record("chat-1", 100)
	if a := tr.Check("chat-1", Budget{}); a != nil {
		t.Errorf("Check() with no MaxCostPerDay = %+v, want nil", a)
	}
}

func TestTracker_Check_WarningThenExceeded(t *testing.T) {
	tr := NewTracker()
	budget := Budget{MaxCostPerDay: floatp(10), WarnAtPct: 50}

	tr.Record("chat-1", 6)
	alert := tr.Check("chat-1", budget)
	if alert == nil || alert.Level != LevelWarning {
		t.Fatalf("Check() at 60%% = %+v, want LevelWarning", alert)
	}

	tr.Record("chat-1", 10)
	alert = tr.Check("chat-1", budget)
	if alert == nil || alert.Level != LevelExceeded {
		t.Fatalf("Check() at 160%% = %+v, want LevelExceeded", alert)
	}
}

func TestTracker_Check_DefaultWarnPct(t *testing.T) {
	tr := NewTracker()
	budget := Budget{MaxCostPerDay: floatp(10)}

	tr.Record("chat-1", 7)
	alert := tr.Check("chat-1", budget)
	if alert == nil || alert.Level != LevelWarning {
		t.Fatalf("Check() at 70%% with default warn pct = %+v, want LevelWarning", alert)
	}

	tr2 := NewTracker()
	tr2.Record("chat-1", 6.9)
	if alert := tr2.Check("chat-1", budget); alert != nil {
		t.Errorf("Check() at 69%% = %+v, want nil", alert)
	}
}

func TestTracker_CheckRun_PerRunTakesPrecedence(t *testing.T) {
	tr := NewTracker()
	budget := Budget{MaxCostPerRun: floatp(5), MaxCostPerDay: floatp(1000), AutoCancel: true}

	alert := tr.CheckRun("chat-1", 6, budget)
	if alert == nil || alert.Level != LevelExceeded || !alert.ShouldCancel {
		t.Fatalf("CheckRun() over per-run budget = %+v, want exceeded+cancel", alert)
	}
}

func TestTracker_CheckRun_FallsBackToDaily(t *testing.T) {
	tr := NewTracker()
	budget := Budget{MaxCostPerRun: floatp(100), MaxCostPerDay: floatp(5)}

	tr.Record("chat-1", 4)
	tr.Record("chat-1", 1) // the run itself, recorded before CheckRun as the bridge does
	alert := tr.CheckRun("chat-1", 1, budget)
	if alert == nil || alert.Level != LevelExceeded {
		t.Fatalf("CheckRun() under per-run but over daily = %+v, want exceeded", alert)
	}
}

func TestTracker_CheckRun_AutoCancelDefaultsFalse(t *testing.T) {
	tr := NewTracker()
	budget := Budget{MaxCostPerRun: floatp(1)}

	alert := tr.CheckRun("chat-1", 2, budget)
	if alert == nil {
		t.Fatal("CheckRun() expected an alert")
	}
	if alert.ShouldCancel {
		t.Error("ShouldCancel should default to false when AutoCancel is unset")
	}
}
