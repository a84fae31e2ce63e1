package container

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/store"
)

const (
	TasksSnapshotFile  = "current_tasks.json"
	GroupsSnapshotFile = "available_groups.json"
)

// TaskSnapshot is the task view handed to the agent.
type TaskSnapshot struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"groupFolder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run"`
}

// AvailableGroup is a known chat and whether it is registered.
type AvailableGroup struct {
	JID          string `json:"jid"`
	Name         string `json:"name"`
	LastActivity string `json:"lastActivity"`
	IsRegistered bool   `json:"isRegistered"`
}

type groupsSnapshot struct {
	Groups   []AvailableGroup `json:"groups"`
	LastSync string           `json:"lastSync"`
}

// SnapshotSource supplies the state written before every invocation.
type SnapshotSource interface {
	AllTasks() ([]store.ScheduledTask, error)
	AvailableGroups() ([]AvailableGroup, error)
}

// WriteTasksSnapshot writes the tasks visible to a group: all of them for the
// main group, otherwise only the group's own.
func WriteTasksSnapshot(ipcDir, groupFolder string, isMain bool, tasks []store.ScheduledTask) error {
	visible := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if !isMain && t.GroupFolder != groupFolder {
			continue
		}
		visible = append(visible, TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  string(t.ScheduleType),
			ScheduleValue: t.ScheduleValue,
			Status:        string(t.Status),
			NextRun:       t.NextRun,
		})
	}
	return writeJSONAtomic(filepath.Join(ipcDir, TasksSnapshotFile), visible)
}

// WriteGroupsSnapshot writes the chat list. Only the main group sees it;
// other groups get an empty list.
func WriteGroupsSnapshot(ipcDir string, isMain bool, groups []AvailableGroup) error {
	snap := groupsSnapshot{Groups: []AvailableGroup{}, LastSync: store.FormatTimestamp(time.Now())}
	if isMain && groups != nil {
		snap.Groups = groups
	}
	return writeJSONAtomic(filepath.Join(ipcDir, GroupsSnapshotFile), snap)
}

// writeJSONAtomic renames a temp file into place so readers never see a
// partial snapshot.
func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
