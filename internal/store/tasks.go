package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
	status, next_run, last_run, last_result, created_at`

func (s *Store) CreateTask(t *ScheduledTask) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if t.ContextMode == "" {
		t.ContextMode = ContextIsolated
	}
	_, err := s.db.Exec(`INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, string(t.ScheduleType), t.ScheduleValue, string(t.ContextMode),
		string(t.Status), nullableTime(t.NextRun), nullableTime(t.LastRun), t.LastResult, FormatTimestamp(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Store) AllTasks() ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM scheduled_tasks ORDER BY created_at DESC`)
}

func (s *Store) TasksForGroup(groupFolder string) ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC`, groupFolder)
}

// DueTasks returns active tasks whose next run is at or before now.
func (s *Store) DueTasks(now time.Time) ([]ScheduledTask, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`, string(TaskActive), FormatTimestamp(now))
}

// SetTaskStatus changes only the status column.
func (s *Store) SetTaskStatus(id string, status TaskStatus) error {
	return s.execOne(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
}

// UpdateTaskSchedule replaces the prompt and schedule of an existing task.
func (s *Store) UpdateTaskSchedule(id, prompt string, typ ScheduleType, value string, nextRun *time.Time) error {
	return s.execOne(`UPDATE scheduled_tasks SET prompt = ?, schedule_type = ?, schedule_value = ?, next_run = ? WHERE id = ?`,
		prompt, string(typ), value, nullableTime(nextRun), id)
}

// AdvanceTask persists the next run and status computed at dispatch time.
func (s *Store) AdvanceTask(id string, nextRun *time.Time, status TaskStatus) error {
	return s.execOne(`UPDATE scheduled_tasks SET next_run = ?, status = ? WHERE id = ?`,
		nullableTime(nextRun), string(status), id)
}

// RecordTaskResult stores the outcome of the latest run.
func (s *Store) RecordTaskResult(id string, runAt time.Time, result string) error {
	return s.execOne(`UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
		FormatTimestamp(runAt), result, id)
}

func (s *Store) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	return s.execOne(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
}

func (s *Store) LogTaskRun(l *TaskRunLog) error {
	res, err := s.db.Exec(`INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`, l.TaskID, FormatTimestamp(l.RunAt), l.DurationMs, l.Status, l.Result, l.Error)
	if err != nil {
		return fmt.Errorf("log task run %s: %w", l.TaskID, err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// TaskRuns returns the most recent runs of a task, newest first.
func (s *Store) TaskRuns(taskID string, limit int) ([]TaskRunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, task_id, run_at, duration_ms, status, result, error FROM task_run_logs
		WHERE task_id = ? ORDER BY run_at DESC, id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var runAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &runAt, &l.DurationMs, &l.Status, &l.Result, &l.Error); err != nil {
			return nil, err
		}
		l.RunAt, _ = ParseTimestamp(runAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryTasks(query string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(r rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var typ, mode, status, created string
	var nextRun, lastRun sql.NullString
	if err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &typ, &t.ScheduleValue, &mode,
		&status, &nextRun, &lastRun, &t.LastResult, &created); err != nil {
		return nil, err
	}
	t.ScheduleType = ScheduleType(typ)
	t.ContextMode = ContextMode(mode)
	t.Status = TaskStatus(status)
	t.NextRun = parseNullable(nextRun)
	t.LastRun = parseNullable(lastRun)
	t.CreatedAt, _ = ParseTimestamp(created)
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTimestamp(*t)
}

func parseNullable(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := ParseTimestamp(s.String)
	if err != nil {
		return nil
	}
	return &t
}
