package cron

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Store persists schedules, their chat targets, and a firing history, the
// same way the teacher's internal/schedule.Store persists project/workspace
// targets: a single SQLite file under the process's data directory, WAL
// mode for concurrent readers against the ticking Runner.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if absent) the schedule database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "schedules.db")
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expr TEXT NOT NULL,
		prompt TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		overlap_behavior TEXT NOT NULL DEFAULT 'skip',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_run_at DATETIME,
		next_run_at DATETIME,
		creator_token_id TEXT NOT NULL,
		creator_scope TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON schedules(enabled);
	CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(next_run_at);

	CREATE TABLE IF NOT EXISTS schedule_targets (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		last_executed_at DATETIME,
		FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_targets_schedule ON schedule_targets(schedule_id);
	CREATE INDEX IF NOT EXISTS idx_targets_chat ON schedule_targets(chat_id);

	CREATE TABLE IF NOT EXISTS schedule_executions (
		id TEXT PRIMARY KEY,
		schedule_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		executed_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_schedule ON schedule_executions(schedule_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts schedule along with its targets, assigning IDs where absent.
func (s *Store) Create(schedule *Schedule) error {
	if err := ValidateCron(schedule.CronExpr); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if schedule.ID == "" {
		schedule.ID = "sched_" + uuid.New().String()[:8]
	}
	now := time.Now()
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	if schedule.NextRunAt == nil && schedule.Enabled {
		nextRun, err := NextRun(schedule.CronExpr, now)
		if err == nil {
			schedule.NextRunAt = &nextRun
		}
	}

	_, err = tx.Exec(`
		INSERT INTO schedules (id, name, cron_expr, prompt, enabled, overlap_behavior,
		                       created_at, updated_at, last_run_at, next_run_at, creator_token_id, creator_scope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID, schedule.Name, schedule.CronExpr, schedule.Prompt,
		schedule.Enabled, schedule.OverlapBehavior,
		schedule.CreatedAt, schedule.UpdatedAt, schedule.LastRunAt, schedule.NextRunAt,
		schedule.CreatorTokenID, schedule.CreatorScope,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}

	for i := range schedule.Targets {
		target := &schedule.Targets[i]
		if target.ID == "" {
			target.ID = "tgt_" + uuid.New().String()[:8]
		}
		target.ScheduleID = schedule.ID

		_, err = tx.Exec(`INSERT INTO schedule_targets (id, schedule_id, chat_id) VALUES (?, ?, ?)`,
			target.ID, target.ScheduleID, target.ChatID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert target: %w", err)
		}
	}

	return tx.Commit()
}

// Get retrieves a schedule by ID along with its targets.
func (s *Store) Get(id string) (*Schedule, error) {
	var schedule Schedule
	var lastRunAt, nextRunAt sql.NullTime
	var enabled int

	err := s.db.QueryRow(`
		SELECT id, name, cron_expr, prompt, enabled, overlap_behavior,
		       created_at, updated_at, last_run_at, next_run_at, creator_token_id, creator_scope
		FROM schedules WHERE id = ?`, id,
	).Scan(
		&schedule.ID, &schedule.Name, &schedule.CronExpr, &schedule.Prompt,
		&enabled, &schedule.OverlapBehavior,
		&schedule.CreatedAt, &schedule.UpdatedAt, &lastRunAt, &nextRunAt,
		&schedule.CreatorTokenID, &schedule.CreatorScope,
	)
	if err == sql.ErrNoRows {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	schedule.Enabled = enabled != 0
	if lastRunAt.Valid {
		schedule.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		schedule.NextRunAt = &nextRunAt.Time
	}

	targets, err := s.getTargets(id)
	if err != nil {
		return nil, err
	}
	schedule.Targets = targets

	return &schedule, nil
}

func (s *Store) getTargets(scheduleID string) ([]ScheduleTarget, error) {
	rows, err := s.db.Query(`
		SELECT id, schedule_id, chat_id, last_executed_at
		FROM schedule_targets WHERE schedule_id = ?`, scheduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []ScheduleTarget
	for rows.Next() {
		var target ScheduleTarget
		var lastExecutedAt sql.NullTime
		if err := rows.Scan(&target.ID, &target.ScheduleID, &target.ChatID, &lastExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		if lastExecutedAt.Valid {
			target.LastExecutedAt = &lastExecutedAt.Time
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// List returns schedules matching filter, most recently created first.
func (s *Store) List(filter *ListFilter) ([]*Schedule, error) {
	query := `
		SELECT DISTINCT s.id, s.name, s.cron_expr, s.prompt, s.enabled, s.overlap_behavior,
		       s.created_at, s.updated_at, s.last_run_at, s.next_run_at, s.creator_token_id, s.creator_scope
		FROM schedules s`
	var args []interface{}
	var conditions []string

	if filter != nil {
		if filter.ChatID != "" {
			query += ` JOIN schedule_targets t ON s.id = t.schedule_id`
			conditions = append(conditions, "t.chat_id = ?")
			args = append(args, filter.ChatID)
		}
		if filter.Enabled != nil {
			conditions = append(conditions, "s.enabled = ?")
			if *filter.Enabled {
				args = append(args, 1)
			} else {
				args = append(args, 0)
			}
		}
	}

	if len(conditions) > 0 {
		query += " WHERE " + conditions[0]
		for i := 1; i < len(conditions); i++ {
			query += " AND " + conditions[i]
		}
	}
	query += " ORDER BY s.created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		var schedule Schedule
		var lastRunAt, nextRunAt sql.NullTime
		var enabled int

		if err := rows.Scan(
			&schedule.ID, &schedule.Name, &schedule.CronExpr, &schedule.Prompt,
			&enabled, &schedule.OverlapBehavior,
			&schedule.CreatedAt, &schedule.UpdatedAt, &lastRunAt, &nextRunAt,
			&schedule.CreatorTokenID, &schedule.CreatorScope,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedule.Enabled = enabled != 0
		if lastRunAt.Valid {
			schedule.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			schedule.NextRunAt = &nextRunAt.Time
		}

		targets, err := s.getTargets(schedule.ID)
		if err != nil {
			return nil, err
		}
		schedule.Targets = targets

		schedules = append(schedules, &schedule)
	}
	return schedules, rows.Err()
}

// Update applies a partial update to a schedule, recalculating next_run_at
// if the cron expression changed.
func (s *Store) Update(id string, update *ScheduleUpdate) error {
	if update.CronExpr != nil {
		if err := ValidateCron(*update.CronExpr); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var setClauses []string
	var args []interface{}
	var cronChanged bool

	if update.Name != nil {
		setClauses = append(setClauses, "name = ?")
		args = append(args, *update.Name)
	}
	if update.CronExpr != nil {
		setClauses = append(setClauses, "cron_expr = ?")
		args = append(args, *update.CronExpr)
		cronChanged = true
	}
	if update.Prompt != nil {
		setClauses = append(setClauses, "prompt = ?")
		args = append(args, *update.Prompt)
	}
	if update.Enabled != nil {
		setClauses = append(setClauses, "enabled = ?")
		if *update.Enabled {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if update.OverlapBehavior != nil {
		setClauses = append(setClauses, "overlap_behavior = ?")
		args = append(args, *update.OverlapBehavior)
	}

	if len(setClauses) > 0 {
		setClauses = append(setClauses, "updated_at = ?")
		args = append(args, time.Now())
		args = append(args, id)

		query := "UPDATE schedules SET " + setClauses[0]
		for i := 1; i < len(setClauses); i++ {
			query += ", " + setClauses[i]
		}
		query += " WHERE id = ?"

		result, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("failed to update schedule: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrScheduleNotFound
		}
	}

	if cronChanged {
		nextRun, err := NextRun(*update.CronExpr, time.Now())
		if err == nil {
			if _, err := tx.Exec("UPDATE schedules SET next_run_at = ? WHERE id = ?", nextRun, id); err != nil {
				return fmt.Errorf("failed to update next_run_at: %w", err)
			}
		}
	}

	if update.Targets != nil {
		if _, err := tx.Exec("DELETE FROM schedule_targets WHERE schedule_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete old targets: %w", err)
		}
		for i := range update.Targets {
			target := &update.Targets[i]
			if target.ID == "" {
				target.ID = "tgt_" + uuid.New().String()[:8]
			}
			target.ScheduleID = id
			if _, err := tx.Exec(`INSERT INTO schedule_targets (id, schedule_id, chat_id) VALUES (?, ?, ?)`,
				target.ID, target.ScheduleID, target.ChatID,
			); err != nil {
				return fmt.Errorf("failed to insert target: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Delete removes a schedule and its targets (cascade).
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec("DELETE FROM schedules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// ListDue returns enabled schedules whose next_run_at has passed.
func (s *Store) ListDue(now time.Time) ([]*Schedule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, cron_expr, prompt, enabled, overlap_behavior,
		       created_at, updated_at, last_run_at, next_run_at, creator_token_id, creator_scope
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		var schedule Schedule
		var lastRunAt, nextRunAt sql.NullTime
		var enabled int

		if err := rows.Scan(
			&schedule.ID, &schedule.Name, &schedule.CronExpr, &schedule.Prompt,
			&enabled, &schedule.OverlapBehavior,
			&schedule.CreatedAt, &schedule.UpdatedAt, &lastRunAt, &nextRunAt,
			&schedule.CreatorTokenID, &schedule.CreatorScope,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedule.Enabled = enabled != 0
		if lastRunAt.Valid {
			schedule.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			schedule.NextRunAt = &nextRunAt.Time
		}

		targets, err := s.getTargets(schedule.ID)
		if err != nil {
			return nil, err
		}
		schedule.Targets = targets

		schedules = append(schedules, &schedule)
	}
	return schedules, rows.Err()
}

// UpdateRunTimes records the schedule's most recent and next firing time.
func (s *Store) UpdateRunTimes(id string, lastRun, nextRun time.Time) error {
	result, err := s.db.Exec(`
		UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		lastRun, nextRun, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run times: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// RecordExecution appends one firing outcome to the history, and (for a
// successful or failed firing) stamps the target's last_executed_at.
func (s *Store) RecordExecution(exec *Execution) error {
	if exec.ID == "" {
		exec.ID = "exec_" + uuid.New().String()[:8]
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO schedule_executions (id, schedule_id, target_id, executed_at, status, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.ScheduleID, exec.TargetID, exec.ExecutedAt, exec.Status, exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	if exec.Status != ExecutionSkipped {
		_, _ = s.db.Exec(`UPDATE schedule_targets SET last_executed_at = ? WHERE id = ?`, exec.ExecutedAt, exec.TargetID)
	}
	return nil
}

// ListExecutions returns the most recent firings recorded for scheduleID.
func (s *Store) ListExecutions(scheduleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, schedule_id, target_id, executed_at, status, error
		FROM schedule_executions WHERE schedule_id = ? ORDER BY executed_at DESC LIMIT ?`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var execs []*Execution
	for rows.Next() {
		var e Execution
		var errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.TargetID, &e.ExecutedAt, &e.Status, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Error = errStr.String
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}
