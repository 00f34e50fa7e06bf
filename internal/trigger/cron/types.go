// Package cron lets an admin-scoped token register a recurring prompt
// against one or more chats, so a run starts on a schedule instead of
// waiting for someone to type into the chat. Adapted from the teacher's
// internal/schedule package, which targeted project/workspace pairs and
// tracked a separate SessionBehavior per schedule; a chat already owns
// its engine/resume state (internal/session's ChatStore), so a schedule
// here only needs to name which chats receive the prompt.
package cron

import "time"

// OverlapBehavior controls what happens when a schedule comes due while
// its previous firing is still in flight.
type OverlapBehavior string

const (
	OverlapSkip     OverlapBehavior = "skip"     // don't start a new run; record it as skipped
	OverlapParallel OverlapBehavior = "parallel" // start anyway, alongside the running one
)

// IsValidOverlapBehavior reports whether b is a recognized value.
func IsValidOverlapBehavior(b OverlapBehavior) bool {
	return b == OverlapSkip || b == OverlapParallel
}

// Schedule is a recurring prompt delivered to one or more chats on a
// standard 5-field cron expression.
type Schedule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	CronExpr        string            `json:"cron_expr"`
	Prompt          string            `json:"prompt"`
	Enabled         bool              `json:"enabled"`
	OverlapBehavior OverlapBehavior   `json:"overlap_behavior"`
	Targets         []ScheduleTarget  `json:"targets"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time        `json:"next_run_at,omitempty"`
	CreatorTokenID  string            `json:"creator_token_id"`
	CreatorScope    string            `json:"creator_scope"`
}

// ScheduleTarget is one chat a Schedule delivers its prompt to.
type ScheduleTarget struct {
	ID             string     `json:"id"`
	ScheduleID     string     `json:"schedule_id"`
	ChatID         string     `json:"chat_id"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
}

// ExecutionStatus is the outcome recorded for one (schedule, target) firing.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionSkipped ExecutionStatus = "skipped"
)

// Execution is a single recorded firing of a schedule against one target.
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	TargetID   string          `json:"target_id"`
	ExecutedAt time.Time       `json:"executed_at"`
	Status     ExecutionStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// ScheduleUpdate carries the optional fields a partial update may set.
type ScheduleUpdate struct {
	Name            *string
	CronExpr        *string
	Prompt          *string
	Enabled         *bool
	OverlapBehavior *OverlapBehavior
	Targets         []ScheduleTarget // if non-nil, replaces all targets
}

// ListFilter narrows Store.List.
type ListFilter struct {
	ChatID  string
	Enabled *bool
}
