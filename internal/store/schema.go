package store

import (
	"fmt"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for every persisted
// timestamp, so lexical order in SQLite equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts TimestampLayout or any RFC3339 variant.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NormalizeTimestamp rewrites an RFC3339 timestamp into TimestampLayout.
// Unparseable input is returned unchanged.
func NormalizeTimestamp(s string) string {
	t, err := ParseTimestamp(s)
	if err != nil {
		return s
	}
	return FormatTimestamp(t)
}

// RegisteredGroup is a conversation under agent management.
type RegisteredGroup struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	Folder          string    `json:"folder"`           // Unique, filesystem-safe
	Trigger         string    `json:"trigger"`          // Display form of the trigger, e.g. "@Andy"
	RequiresTrigger bool      `json:"requiresTrigger"`  // Non-main groups only respond when triggered
	AddedAt         time.Time `json:"addedAt"`
}

// Message is a stored inbound chat message. Append-only.
type Message struct {
	ID         string `json:"id"`
	ChatJID    string `json:"chat_jid"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"` // TimestampLayout
	IsFromMe   bool   `json:"is_from_me"`
}

// ChatInfo is discovery metadata for any chat the channels have seen.
type ChatInfo struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time"`
}

// ScheduleType selects how a task's next run is computed.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// TaskStatus is the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive TaskStatus = "active"
	TaskPaused TaskStatus = "paused"
	TaskDone   TaskStatus = "done"
)

// ContextMode controls whether a task run continues the group's session.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// ScheduledTask is a persisted recurring or one-shot agent job.
type ScheduledTask struct {
	ID            string       `json:"id"`
	GroupFolder   string       `json:"groupFolder"`
	ChatJID       string       `json:"chatJid"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"scheduleType"`
	ScheduleValue string       `json:"scheduleValue"`
	ContextMode   ContextMode  `json:"contextMode"`
	Status        TaskStatus   `json:"status"`
	NextRun       *time.Time   `json:"nextRun,omitempty"`
	LastRun       *time.Time   `json:"lastRun,omitempty"`
	LastResult    string       `json:"lastResult,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"taskId"`
	RunAt      time.Time `json:"runAt"`
	DurationMs int64     `json:"durationMs"`
	Status     string    `json:"status"` // success, error
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Schema is applied on every open; all statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS router_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sessions (
	group_folder TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS registered_groups (
	jid              TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	folder           TEXT NOT NULL UNIQUE,
	trigger_pattern  TEXT NOT NULL DEFAULT '',
	requires_trigger BOOLEAN NOT NULL DEFAULT 1,
	added_at         TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chats (
	jid               TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	last_message_time TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT NOT NULL,
	chat_jid    TEXT NOT NULL,
	sender      TEXT NOT NULL DEFAULT '',
	sender_name TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL DEFAULT '',
	timestamp   TEXT NOT NULL,
	is_from_me  BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (id, chat_jid)
);
CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_jid, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(timestamp);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id             TEXT PRIMARY KEY,
	group_folder   TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	prompt         TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	context_mode   TEXT NOT NULL DEFAULT 'isolated',
	status         TEXT NOT NULL DEFAULT 'active',
	next_run       TEXT,
	last_run       TEXT,
	last_result    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON scheduled_tasks(status);

CREATE TABLE IF NOT EXISTS task_run_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	run_at      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_run_logs ON task_run_logs(task_id, run_at);
`
