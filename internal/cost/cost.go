// Package cost implements the cost-budget supplement: per-chat daily
// spend accumulation and the warn/exceeded alert thresholds a run's (or
// a day's) accumulated cost can cross.
//
// Grounded on original_source/src/untether/cost_tracker.py, generalized
// from that file's single process-wide daily accumulator to one
// accumulator per chat, since this bridge serves many chats from one
// process and a shared daily total would let one chat exhaust another's
// budget.
package cost

import (
	"fmt"
	"sync"
	"time"
)

// Budget is the per-chat spend policy, mirroring CostBudget.
type Budget struct {
	MaxCostPerRun *float64
	MaxCostPerDay *float64
	WarnAtPct     int // default 70, applied by Check/CheckRun when zero
	AutoCancel    bool
}

func (b Budget) warnPct() int {
	if b.WarnAtPct <= 0 {
		return 70
	}
	return b.WarnAtPct
}

// Level names how serious an Alert is.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelExceeded Level = "exceeded"
)

// Alert is returned whenever a cost check crosses a warn or exceeded
// threshold; nil means no threshold was crossed.
type Alert struct {
	Level        Level
	Message      string
	ShouldCancel bool
}

type dailyEntry struct {
	date  string
	total float64
}

// Tracker accumulates run costs per chat and answers budget checks
// against them.
type Tracker struct {
	mu    sync.Mutex
	daily map[string]dailyEntry
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{daily: make(map[string]dailyEntry)}
}

func today() string { return time.Now().Format("2006-01-02") }

// Record adds runCost to chatID's running daily total, rolling the
// accumulator over at midnight the same way the date-keyed tuple in the
// source this is grounded on does.
func (t *Tracker) Record(chatID string, runCost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := today()
	entry := t.daily[chatID]
	if entry.date != d {
		entry = dailyEntry{date: d}
	}
	entry.total += runCost
	t.daily[chatID] = entry
}

// DailyCost returns chatID's accumulated cost so far today.
func (t *Tracker) DailyCost(chatID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.daily[chatID]
	if !ok || entry.date != today() {
		return 0
	}
	return entry.total
}

// Check evaluates only the daily-budget half of budget against chatID's
// current accumulated cost — used before a run starts, when no run cost
// is known yet.
func (t *Tracker) Check(chatID string, budget Budget) *Alert {
	return checkDaily(t.DailyCost(chatID), budget)
}

// CheckRun evaluates both the per-run and daily halves of budget after a
// run completes with a known cost, per-run taking precedence (a single
// expensive run is the more actionable signal). The daily half reads the
// chat's recorded total as it stands, so runCost counts toward it only once
// Record has been called with it.
func (t *Tracker) CheckRun(chatID string, runCost float64, budget Budget) *Alert {
	if budget.MaxCostPerRun != nil && runCost > 0 {
		max := *budget.MaxCostPerRun
		if runCost >= max {
			return &Alert{
				Level:        LevelExceeded,
				Message:      fmt.Sprintf("Run cost $%.2f exceeded per-run budget $%.2f", runCost, max),
				ShouldCancel: budget.AutoCancel,
			}
		}
		if ratio := runCost / max * 100; ratio >= float64(budget.warnPct()) {
			return &Alert{
				Level:   LevelWarning,
				Message: fmt.Sprintf("Run cost $%.2f is %.0f%% of per-run budget $%.2f", runCost, ratio, max),
			}
		}
	}
	return checkDaily(t.DailyCost(chatID), budget)
}

func checkDaily(daily float64, budget Budget) *Alert {
	if budget.MaxCostPerDay == nil {
		return nil
	}
	max := *budget.MaxCostPerDay
	if daily >= max {
		return &Alert{
			Level:        LevelExceeded,
			Message:      fmt.Sprintf("Daily cost $%.2f exceeded budget $%.2f", daily, max),
			ShouldCancel: budget.AutoCancel,
		}
	}
	if ratio := daily / max * 100; ratio >= float64(budget.warnPct()) {
		return &Alert{
			Level:   LevelWarning,
			Message: fmt.Sprintf("Daily cost $%.2f is %.0f%% of budget $%.2f", daily, ratio, max),
		}
	}
	return nil
}
