package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/queue"
	"github.com/JaisonBinns/nanoclaw/internal/store"
)

// Config holds scheduler settings.
type Config struct {
	Enabled      bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	LockPath     string        `json:"lockPath" envconfig:"LOCK_PATH"`
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:      true,
		TickInterval: 60 * time.Second,
		LockPath:     filepath.Join(home, ".nanoclaw", "scheduler.lock"),
	}
}

// TaskStore is the slice of the state store the scheduler needs.
type TaskStore interface {
	DueTasks(now time.Time) ([]store.ScheduledTask, error)
	GetTask(id string) (*store.ScheduledTask, error)
	AdvanceTask(id string, nextRun *time.Time, status store.TaskStatus) error
	SetTaskStatus(id string, status store.TaskStatus) error
	RecordTaskResult(id string, runAt time.Time, result string) error
	LogTaskRun(l *store.TaskRunLog) error
}

// Enqueuer hands task work to the group lanes.
type Enqueuer interface {
	EnqueueTask(groupJID, taskID string, fn queue.TaskFunc)
}

// TaskRunner executes one task invocation and returns its user-facing result.
type TaskRunner interface {
	RunTask(ctx context.Context, task store.ScheduledTask) (string, error)
}

// Scheduler polls for due tasks and enqueues them on their group's lane.
type Scheduler struct {
	cfg    Config
	store  TaskStore
	queue  Enqueuer
	runner TaskRunner
	loc    *time.Location
	lock   *FileLock
}

// New creates a Scheduler. Cron expressions are evaluated in loc.
func New(cfg Config, st TaskStore, q Enqueuer, runner TaskRunner, loc *time.Location) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.LockPath == "" {
		cfg.LockPath = DefaultConfig().LockPath
	}
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		queue:  q,
		runner: runner,
		loc:    loc,
		lock:   NewFileLock(cfg.LockPath),
	}
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "timezone", s.loc.String())
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return ctx.Err()
		case t := <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

// tick dispatches every due task. The next run is persisted before the task
// is enqueued, so a failed or missed run waits for its next occurrence.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer s.lock.Unlock()

	due, err := s.store.DueTasks(now)
	if err != nil {
		slog.Error("Failed to load due tasks", "error", err)
		return
	}
	if len(due) > 0 {
		slog.Info("Found due tasks", "count", len(due))
	}
	for _, task := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(task, now)
	}
}

func (s *Scheduler) dispatch(task store.ScheduledTask, now time.Time) {
	next, status, err := NextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		slog.Error("Invalid task schedule, pausing task", "task", task.ID, "type", task.ScheduleType, "value", task.ScheduleValue, "error", err)
		if err := s.store.SetTaskStatus(task.ID, store.TaskPaused); err != nil {
			slog.Error("Failed to pause task", "task", task.ID, "error", err)
		}
		return
	}
	if err := s.store.AdvanceTask(task.ID, next, status); err != nil {
		slog.Error("Failed to advance task, skipping this tick", "task", task.ID, "error", err)
		return
	}
	slog.Info("Scheduler dispatching task", "task", task.ID, "group", task.GroupFolder, "next", next)
	s.queue.EnqueueTask(task.ChatJID, task.ID, s.execute(task.ID))
}

func (s *Scheduler) execute(taskID string) queue.TaskFunc {
	return func(ctx context.Context) error {
		task, err := s.store.GetTask(taskID)
		if errors.Is(err, store.ErrNotFound) {
			slog.Info("Task removed before it ran", "task", taskID)
			return nil
		}
		if err != nil {
			return err
		}
		if task.Status == store.TaskPaused {
			slog.Info("Task paused before it ran", "task", taskID)
			return nil
		}

		started := time.Now()
		result, runErr := s.runner.RunTask(ctx, *task)
		entry := &store.TaskRunLog{
			TaskID:     taskID,
			RunAt:      started,
			DurationMs: time.Since(started).Milliseconds(),
			Status:     "success",
			Result:     result,
		}
		summary := result
		if runErr != nil {
			entry.Status = "error"
			entry.Error = runErr.Error()
			summary = "Error: " + runErr.Error()
		}
		if err := s.store.LogTaskRun(entry); err != nil {
			slog.Warn("Failed to log task run", "task", taskID, "error", err)
		}
		if err := s.store.RecordTaskResult(taskID, started, truncate(summary, 200)); err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("Failed to record task result", "task", taskID, "error", err)
		}
		slog.Info("Task completed", "task", taskID, "duration", time.Since(started).Round(time.Millisecond), "status", entry.Status)
		return runErr
	}
}

// NextRun computes the schedule after a run at now. One-shot tasks become
// done; recurring tasks stay active.
func NextRun(typ store.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, store.TaskStatus, error) {
	switch typ {
	case store.ScheduleOnce:
		return nil, store.TaskDone, nil
	case store.ScheduleInterval:
		d, err := ParseInterval(value)
		if err != nil {
			return nil, "", err
		}
		next := now.Add(d)
		return &next, store.TaskActive, nil
	case store.ScheduleCron:
		c, err := ParseCron(value)
		if err != nil {
			return nil, "", err
		}
		next := c.Next(now.In(loc))
		if next.IsZero() {
			return nil, "", fmt.Errorf("cron %q never fires", value)
		}
		next = next.UTC()
		return &next, store.TaskActive, nil
	}
	return nil, "", fmt.Errorf("unknown schedule type %q", typ)
}

// FirstRun computes the initial next run for a newly created task.
func FirstRun(typ store.ScheduleType, value string, now time.Time, loc *time.Location) (*time.Time, error) {
	if typ == store.ScheduleOnce {
		at, err := ParseOnce(value, loc)
		if err != nil {
			return nil, err
		}
		return &at, nil
	}
	next, _, err := NextRun(typ, value, now, loc)
	return next, err
}

// ResumeAt picks the next run for a paused task being reactivated. A stored
// next run still in the future is kept; an overdue one-shot task runs now.
func ResumeAt(task store.ScheduledTask, now time.Time, loc *time.Location) (*time.Time, error) {
	if task.NextRun != nil && !task.NextRun.Before(now) {
		return task.NextRun, nil
	}
	if task.ScheduleType == store.ScheduleOnce {
		at := now.UTC()
		return &at, nil
	}
	return FirstRun(task.ScheduleType, task.ScheduleValue, now, loc)
}

// ParseInterval accepts a Go duration ("30m") or integer milliseconds.
func ParseInterval(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	d, err := time.ParseDuration(value)
	if err != nil {
		ms, convErr := strconv.ParseInt(value, 10, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid interval %q", value)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", value)
	}
	return d, nil
}

// ParseOnce accepts RFC3339 or a local "2006-01-02T15:04[:05]" timestamp
// interpreted in loc.
func ParseOnce(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
