// Package ipc drains the file mailboxes through which running agents ask the
// host for actions they cannot perform from inside their sandbox.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JaisonBinns/nanoclaw/internal/container"
	"github.com/JaisonBinns/nanoclaw/internal/scheduler"
	"github.com/JaisonBinns/nanoclaw/internal/store"
)

// ErrUnauthorized is returned when a group asks for something outside its scope.
var ErrUnauthorized = errors.New("ipc: unauthorized")

// Request kinds.
const (
	KindRegisterGroup = "register_group"
	KindRefreshGroups = "refresh_groups"
	KindListGroups    = "list_groups"
	KindMessage       = "message"
	KindScheduleTask  = "schedule_task"
	KindPauseTask     = "pause_task"
	KindResumeTask    = "resume_task"
	KindCancelTask    = "cancel_task"
	KindUpdateTask    = "update_task"
)

// Request is one mailbox file. Fields are used according to Type.
type Request struct {
	Type string `json:"type"`

	JID             string `json:"jid,omitempty"`
	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requiresTrigger,omitempty"`

	ChatJID string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	TaskID        string `json:"taskId,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`
}

// Host performs the actions that touch channels and registration state.
type Host interface {
	RegisterGroup(g store.RegisteredGroup) error
	RegisteredGroups() map[string]store.RegisteredGroup
	SyncMetadata(ctx context.Context, force bool) error
	AvailableGroups() ([]container.AvailableGroup, error)
	SendAgentMessage(ctx context.Context, chatJID, text string) error
}

// TaskStore is the task slice of the state store.
type TaskStore interface {
	CreateTask(t *store.ScheduledTask) error
	GetTask(id string) (*store.ScheduledTask, error)
	SetTaskStatus(id string, status store.TaskStatus) error
	AdvanceTask(id string, nextRun *time.Time, status store.TaskStatus) error
	UpdateTaskSchedule(id, prompt string, typ store.ScheduleType, value string, nextRun *time.Time) error
	DeleteTask(id string) error
}

// Config holds watcher settings.
type Config struct {
	PollInterval time.Duration `json:"pollInterval" envconfig:"POLL_INTERVAL"`
}

// Watcher polls every group mailbox.
type Watcher struct {
	cfg        Config
	paths      container.Paths
	mainFolder string
	host       Host
	tasks      TaskStore
	loc        *time.Location

	// Serializes draining so the poll loop and post-invocation drains never
	// handle the same file twice.
	mu sync.Mutex
}

func NewWatcher(cfg Config, paths container.Paths, mainFolder string, host Host, tasks TaskStore, loc *time.Location) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &Watcher{cfg: cfg, paths: paths, mainFolder: mainFolder, host: host, tasks: tasks, loc: loc}
}

// Run polls all mailboxes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	root := filepath.Join(w.paths.DataDir, "ipc")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	slog.Info("IPC watcher started", "dir", root, "interval", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("IPC watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			w.ProcessAll(ctx)
		}
	}
}

// ProcessAll drains every group mailbox once.
func (w *Watcher) ProcessAll(ctx context.Context) {
	entries, err := os.ReadDir(filepath.Join(w.paths.DataDir, "ipc"))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to list ipc dir", "error", err)
		}
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		w.ProcessGroup(ctx, e.Name())
	}
}

// ProcessGroup drains one group's mailbox in file-name order and returns the
// number of requests handled. The source folder is the directory, never a
// field of the request.
func (w *Watcher) ProcessGroup(ctx context.Context, folder string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.paths.RequestsDir(folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read mailbox", "group", folder, "error", err)
		}
		return 0
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	handled := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := w.handleFile(ctx, folder, path); err != nil {
			slog.Error("IPC request rejected", "group", folder, "file", name, "error", err)
			w.moveToErrors(folder, path)
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove handled request", "file", path, "error", err)
		}
		handled++
	}
	return handled
}

func (w *Watcher) handleFile(ctx context.Context, folder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	return w.Handle(ctx, folder, req)
}

// Handle performs one request on behalf of the group in sourceFolder.
func (w *Watcher) Handle(ctx context.Context, sourceFolder string, req Request) error {
	isMain := sourceFolder == w.mainFolder
	slog.Debug("Handling IPC request", "group", sourceFolder, "type", req.Type)

	switch req.Type {
	case KindRegisterGroup:
		if !isMain {
			return fmt.Errorf("%w: only the main group may register groups", ErrUnauthorized)
		}
		return w.registerGroup(req)

	case KindRefreshGroups:
		if !isMain {
			return fmt.Errorf("%w: only the main group may refresh groups", ErrUnauthorized)
		}
		if err := w.host.SyncMetadata(ctx, true); err != nil {
			return fmt.Errorf("metadata sync: %w", err)
		}
		return w.writeGroups(sourceFolder, true)

	case KindListGroups:
		return w.writeGroups(sourceFolder, isMain)

	case KindMessage:
		if req.ChatJID == "" || strings.TrimSpace(req.Text) == "" {
			return errors.New("message requires chatJid and text")
		}
		if !isMain && w.folderFor(req.ChatJID) != sourceFolder {
			return fmt.Errorf("%w: cannot message %s", ErrUnauthorized, req.ChatJID)
		}
		return w.host.SendAgentMessage(ctx, req.ChatJID, req.Text)

	case KindScheduleTask:
		return w.scheduleTask(sourceFolder, isMain, req)

	case KindPauseTask, KindResumeTask, KindCancelTask, KindUpdateTask:
		return w.changeTask(sourceFolder, isMain, req)
	}
	return fmt.Errorf("unknown request type %q", req.Type)
}

var validFolder = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidFolder reports whether name is usable as a group folder.
func ValidFolder(name string) bool {
	return validFolder.MatchString(name) && name != "global" && name != "errors"
}

func (w *Watcher) registerGroup(req Request) error {
	if req.JID == "" || req.Name == "" || req.Folder == "" {
		return errors.New("register_group requires jid, name and folder")
	}
	if !ValidFolder(req.Folder) {
		return fmt.Errorf("invalid folder %q", req.Folder)
	}
	requires := true
	if req.RequiresTrigger != nil {
		requires = *req.RequiresTrigger
	}
	return w.host.RegisterGroup(store.RegisteredGroup{
		JID:             req.JID,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		RequiresTrigger: requires,
	})
}

func (w *Watcher) writeGroups(folder string, isMain bool) error {
	var groups []container.AvailableGroup
	if isMain {
		var err error
		if groups, err = w.host.AvailableGroups(); err != nil {
			return err
		}
	}
	return container.WriteGroupsSnapshot(w.paths.IPCDir(folder), isMain, groups)
}

func (w *Watcher) scheduleTask(sourceFolder string, isMain bool, req Request) error {
	if req.Prompt == "" || req.ScheduleType == "" || req.ScheduleValue == "" {
		return errors.New("schedule_task requires prompt, schedule_type and schedule_value")
	}
	target := req.GroupFolder
	if target == "" {
		target = sourceFolder
	}
	if !isMain && target != sourceFolder {
		return fmt.Errorf("%w: cannot schedule for %s", ErrUnauthorized, target)
	}
	chatJID := w.jidFor(target)
	if chatJID == "" {
		return fmt.Errorf("no registered group with folder %q", target)
	}

	typ := store.ScheduleType(req.ScheduleType)
	next, err := scheduler.FirstRun(typ, req.ScheduleValue, time.Now(), w.loc)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	mode := store.ContextMode(req.ContextMode)
	if mode != store.ContextGroup {
		mode = store.ContextIsolated
	}
	task := &store.ScheduledTask{
		ID:            "task-" + uuid.NewString(),
		GroupFolder:   target,
		ChatJID:       chatJID,
		Prompt:        req.Prompt,
		ScheduleType:  typ,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   mode,
		Status:        store.TaskActive,
		NextRun:       next,
	}
	if err := w.tasks.CreateTask(task); err != nil {
		return err
	}
	slog.Info("Task scheduled via IPC", "task", task.ID, "group", target, "type", typ, "next", next)
	return nil
}

func (w *Watcher) changeTask(sourceFolder string, isMain bool, req Request) error {
	if req.TaskID == "" {
		return fmt.Errorf("%s requires taskId", req.Type)
	}
	task, err := w.tasks.GetTask(req.TaskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", req.TaskID, err)
	}
	if !isMain && task.GroupFolder != sourceFolder {
		return fmt.Errorf("%w: task %s belongs to %s", ErrUnauthorized, task.ID, task.GroupFolder)
	}

	switch req.Type {
	case KindPauseTask:
		err = w.tasks.SetTaskStatus(task.ID, store.TaskPaused)
	case KindCancelTask:
		err = w.tasks.DeleteTask(task.ID)
	case KindResumeTask:
		next, rerr := scheduler.ResumeAt(*task, time.Now(), w.loc)
		if rerr != nil {
			return fmt.Errorf("invalid schedule: %w", rerr)
		}
		err = w.tasks.AdvanceTask(task.ID, next, store.TaskActive)
	case KindUpdateTask:
		err = w.updateTask(task, req)
	}
	if err != nil {
		return err
	}
	slog.Info("Task updated via IPC", "task", task.ID, "action", req.Type, "by", sourceFolder)
	return nil
}

// updateTask replaces the prompt and/or schedule. A new schedule restarts
// from now; a prompt-only change keeps the pending run. Status is untouched.
func (w *Watcher) updateTask(task *store.ScheduledTask, req Request) error {
	if req.Prompt == "" && req.ScheduleType == "" && req.ScheduleValue == "" {
		return errors.New("update_task requires prompt or schedule")
	}
	prompt, typ, value, next := task.Prompt, task.ScheduleType, task.ScheduleValue, task.NextRun
	if req.Prompt != "" {
		prompt = req.Prompt
	}
	if req.ScheduleType != "" || req.ScheduleValue != "" {
		if req.ScheduleType != "" {
			typ = store.ScheduleType(req.ScheduleType)
		}
		if req.ScheduleValue != "" {
			value = req.ScheduleValue
		}
		var err error
		if next, err = scheduler.FirstRun(typ, value, time.Now(), w.loc); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}
	return w.tasks.UpdateTaskSchedule(task.ID, prompt, typ, value, next)
}

func (w *Watcher) folderFor(jid string) string {
	if g, ok := w.host.RegisteredGroups()[jid]; ok {
		return g.Folder
	}
	return ""
}

func (w *Watcher) jidFor(folder string) string {
	for jid, g := range w.host.RegisteredGroups() {
		if g.Folder == folder {
			return jid
		}
	}
	return ""
}

func (w *Watcher) moveToErrors(folder, path string) {
	dir := filepath.Join(w.paths.DataDir, "ipc", "errors")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Failed to create ipc errors dir", "error", err)
		_ = os.Remove(path)
		return
	}
	dst := filepath.Join(dir, folder+"-"+uuid.NewString()[:8]+"-"+filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		slog.Error("Failed to move rejected request, deleting", "file", path, "error", err)
		_ = os.Remove(path)
	}
}
