package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Task schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Task statuses.
const (
	TaskStatusActive = "active"
	TaskStatusPaused = "paused"
	TaskStatusDone   = "done"
)

// Task context modes.
const (
	ContextModeGroup    = "group"
	ContextModeIsolated = "isolated"
)

// Task is a scheduled prompt bound to a chat.
type Task struct {
	ID            int64     `json:"id"`
	ChatFk        int64     `json:"chat_fk"`
	Prompt        string    `json:"prompt"`
	ScheduleType  string    `json:"schedule_type"`
	ScheduleValue string    `json:"schedule_value"`
	ContextMode   string    `json:"context_mode"`
	Status        string    `json:"status"`
	NextRunAt     time.Time `json:"next_run_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

// TaskRun records one firing of a task.
type TaskRun struct {
	ID         int64     `json:"id"`
	TaskFk     int64     `json:"task_fk"`
	Status     string    `json:"status"` // success | failure
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// CreateTask inserts a new active task.
func (s *Store) CreateTask(ctx context.Context, t Task) (int64, error) {
	switch t.ScheduleType {
	case ScheduleCron, ScheduleInterval, ScheduleOnce:
	default:
		return 0, fmt.Errorf("unknown schedule type %q", t.ScheduleType)
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextModeGroup
	}
	if t.Status == "" {
		t.Status = TaskStatusActive
	}
	var nextRun any
	if !t.NextRunAt.IsZero() {
		nextRun = unixMs(t.NextRunAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, t.ChatFk, t.Prompt, t.ScheduleType, t.ScheduleValue, t.ContextMode, t.Status, nextRun, unixMs(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create task id: %w", err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at
		FROM tasks WHERE id = ?;
	`, id)
	return scanTask(row)
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var nextRun sql.NullInt64
	var createdAt int64
	if err := row.Scan(&t.ID, &t.ChatFk, &t.Prompt, &t.ScheduleType, &t.ScheduleValue,
		&t.ContextMode, &t.Status, &nextRun, &createdAt); err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	if nextRun.Valid {
		t.NextRunAt = fromUnixMs(nextRun.Int64)
	}
	t.CreatedAt = fromUnixMs(createdAt)
	return t, nil
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at
		FROM tasks
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, TaskStatusActive, unixMs(now))
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasks returns tasks for a chat (chatFk=0 lists all).
func (s *Store) ListTasks(ctx context.Context, chatFk int64) ([]Task, error) {
	query := `
		SELECT id, chat_fk, prompt, schedule_type, schedule_value, context_mode, status, next_run_at, created_at
		FROM tasks`
	var args []any
	if chatFk > 0 {
		query += ` WHERE chat_fk = ?`
		args = append(args, chatFk)
	}
	query += ` ORDER BY id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CheckpointTaskFire atomically advances a task past the firing at now:
// next_run_at moves to nextRun (NULL for once), status moves to done for
// once-tasks, and the TaskRun row is opened. Returns the run id.
func (s *Store) CheckpointTaskFire(ctx context.Context, taskID int64, nextRun time.Time, done bool, now time.Time) (int64, error) {
	var runID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		status := TaskStatusActive
		var next any
		if done {
			status = TaskStatusDone
		} else {
			next = unixMs(nextRun)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET next_run_at = ?, status = ? WHERE id = ? AND status = ?;
		`, next, status, taskID, TaskStatusActive)
		if err != nil {
			return fmt.Errorf("checkpoint task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("checkpoint task %d: not active", taskID)
		}
		res, err = tx.ExecContext(ctx, `
			INSERT INTO task_runs (task_fk, status, started_at) VALUES (?, 'success', ?);
		`, taskID, unixMs(now))
		if err != nil {
			return fmt.Errorf("open task run: %w", err)
		}
		runID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task run id: %w", err)
		}
		return nil
	})
	return runID, err
}

// FinishTaskRun closes a TaskRun with its outcome.
func (s *Store) FinishTaskRun(ctx context.Context, runID int64, success bool, errMsg string, now time.Time) error {
	status := "success"
	if !success {
		status = "failure"
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?;
	`, status, errMsg, unixMs(now), runID); err != nil {
		return fmt.Errorf("finish task run: %w", err)
	}
	return nil
}

// ListTaskRuns returns the runs of one task, oldest first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID int64) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_fk, status, error, started_at, finished_at
		FROM task_runs WHERE task_fk = ? ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.TaskFk, &r.Status, &r.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.StartedAt = fromUnixMs(startedAt)
		if finishedAt.Valid {
			r.FinishedAt = fromUnixMs(finishedAt.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetTaskStatus pauses, resumes, or completes a task. Resuming an interval
// task reschedules it relative to now.
func (s *Store) SetTaskStatus(ctx context.Context, taskID int64, status string, nextRunAt time.Time) error {
	switch status {
	case TaskStatusActive, TaskStatusPaused, TaskStatusDone:
	default:
		return fmt.Errorf("unknown task status %q", status)
	}
	var next any
	if !nextRunAt.IsZero() {
		next = unixMs(nextRunAt)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, next_run_at = COALESCE(?, next_run_at) WHERE id = ?;
	`, status, next, taskID); err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// DeleteTask removes a task and its runs.
func (s *Store) DeleteTask(ctx context.Context, taskID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_runs WHERE task_fk = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task runs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		return nil
	})
}
