package cron

import (
	"context"
	"sync"
	"time"

	"github.com/riverrun/untether/internal/logger"
	"github.com/riverrun/untether/internal/transport"
)

// Runner ticks once a minute, finds due schedules, and turns each target
// chat into a synthetic transport.IncomingMessage fed straight into the
// same Dispatcher a real chat transport would call — a schedule firing
// looks identical, on the bridge side, to the chat's owner typing the
// prompt themselves.
type Runner struct {
	store      *Store
	dispatcher transport.Dispatcher
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	running   map[string]int
	runningMu sync.Mutex
}

// NewRunner returns a Runner that dispatches due schedules through d.
func NewRunner(store *Store, d transport.Dispatcher) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:      store,
		dispatcher: d,
		ctx:        ctx,
		cancel:     cancel,
		running:    make(map[string]int),
	}
}

// Start begins the minute-resolution scheduler loop in a background goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info("cron trigger runner started")
}

// Stop cancels the loop and waits for any in-flight firings to finish.
func (r *Runner) Stop() {
	logger.Info("stopping cron trigger runner...")
	r.cancel()
	r.wg.Wait()
	logger.Info("cron trigger runner stopped")
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	r.checkDueSchedules()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkDueSchedules()
		}
	}
}

func (r *Runner) checkDueSchedules() {
	now := time.Now()
	schedules, err := r.store.ListDue(now)
	if err != nil {
		logger.Error("cron: list due schedules: %v", err)
		return
	}
	for _, schedule := range schedules {
		r.executeSchedule(schedule)
	}
}

func (r *Runner) executeSchedule(schedule *Schedule) {
	r.runningMu.Lock()
	runningCount := r.running[schedule.ID]
	if schedule.OverlapBehavior != OverlapParallel && runningCount > 0 {
		r.runningMu.Unlock()
		logger.Info("cron: skipping schedule %s (%s): previous firing still running", schedule.ID, schedule.Name)
		r.recordSkipped(schedule, "previous firing still running")
		return
	}
	r.running[schedule.ID]++
	r.runningMu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.runningMu.Lock()
			r.running[schedule.ID]--
			if r.running[schedule.ID] == 0 {
				delete(r.running, schedule.ID)
			}
			r.runningMu.Unlock()
		}()
		r.fire(schedule)
	}()
}

// fire dispatches schedule.Prompt into every target chat and advances the
// schedule's next run time.
func (r *Runner) fire(schedule *Schedule) {
	now := time.Now()
	logger.Info("cron: firing schedule %s (%s) against %d chats", schedule.ID, schedule.Name, len(schedule.Targets))

	for _, target := range schedule.Targets {
		r.dispatcher.HandleMessage(r.ctx, transport.IncomingMessage{
			ChatID: target.ChatID,
			Text:   schedule.Prompt,
		})
		_ = r.store.RecordExecution(&Execution{
			ScheduleID: schedule.ID,
			TargetID:   target.ID,
			ExecutedAt: now,
			Status:     ExecutionSuccess,
		})
	}

	nextRun, err := NextRun(schedule.CronExpr, now)
	if err != nil {
		logger.Error("cron: compute next run for schedule %s: %v", schedule.ID, err)
		return
	}
	if err := r.store.UpdateRunTimes(schedule.ID, now, nextRun); err != nil {
		logger.Error("cron: update run times for schedule %s: %v", schedule.ID, err)
	}
	logger.Info("cron: schedule %s done, next run at %s", schedule.ID, nextRun.Format(time.RFC3339))
}

func (r *Runner) recordSkipped(schedule *Schedule, reason string) {
	for _, target := range schedule.Targets {
		_ = r.store.RecordExecution(&Execution{
			ScheduleID: schedule.ID,
			TargetID:   target.ID,
			Status:     ExecutionSkipped,
			Error:      reason,
		})
	}
}

// IsRunning reports how many firings of scheduleID are currently in flight.
func (r *Runner) IsRunning(scheduleID string) int {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()
	return r.running[scheduleID]
}

// TriggerNow fires schedule immediately, bypassing the cron clock (used by
// an admin "run now" command); it does not advance next_run_at.
func (r *Runner) TriggerNow(schedule *Schedule) {
	logger.Info("cron: manually triggering schedule %s (%s)", schedule.ID, schedule.Name)
	now := time.Now()
	for _, target := range schedule.Targets {
		r.dispatcher.HandleMessage(r.ctx, transport.IncomingMessage{
			ChatID: target.ChatID,
			Text:   schedule.Prompt,
		})
		_ = r.store.RecordExecution(&Execution{
			ScheduleID: schedule.ID,
			TargetID:   target.ID,
			ExecutedAt: now,
			Status:     ExecutionSuccess,
		})
	}
}
