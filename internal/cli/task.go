package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/scheduler"
	"github.com/JaisonBinns/nanoclaw/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	taskCmd = &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	taskListCmd = &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE:  runTaskList,
	}

	taskAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Schedule a task for a group",
		RunE:  runTaskAdd,
	}

	taskPauseCmd = &cobra.Command{
		Use:   "pause <task-id>",
		Short: "Pause a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeTask(cmd, args[0], "pause")
		},
	}

	taskResumeCmd = &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeTask(cmd, args[0], "resume")
		},
	}

	taskCancelCmd = &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Delete a task and its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return changeTask(cmd, args[0], "cancel")
		},
	}

	taskRunsCmd = &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show recent runs of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runTaskRuns,
	}
)

func init() {
	taskListCmd.Flags().String("group", "", "Only tasks of this group folder")
	taskListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	taskAddCmd.Flags().String("group", "", "Group folder")
	taskAddCmd.Flags().String("prompt", "", "Prompt given to the agent")
	taskAddCmd.Flags().String("type", string(store.ScheduleCron), "Schedule type: cron, interval or once")
	taskAddCmd.Flags().String("value", "", "Cron expression, interval (30m) or timestamp")
	taskAddCmd.Flags().String("context", string(store.ContextIsolated), "Context mode: group or isolated")
	taskRunsCmd.Flags().Int("limit", 20, "Maximum runs to show")
	taskRunsCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	taskCmd.AddCommand(taskListCmd, taskAddCmd, taskPauseCmd, taskResumeCmd, taskCancelCmd, taskRunsCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	folder, _ := cmd.Flags().GetString("group")
	asJSON, _ := cmd.Flags().GetBool("json")
	_, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var tasks []store.ScheduledTask
	if folder != "" {
		tasks, err = st.TasksForGroup(folder)
	} else {
		tasks, err = st.AllTasks()
	}
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, tasks)
	}
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No scheduled tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(w, "%s  %-12s %-7s %-8s %s=%s next=%s\n", t.ID, t.GroupFolder, t.Status, t.ContextMode, t.ScheduleType, t.ScheduleValue, formatTime(t.NextRun))
		fmt.Fprintf(w, "    %s\n", truncate(t.Prompt, 80))
		if t.LastResult != "" {
			fmt.Fprintf(w, "    last: %s (%s)\n", truncate(t.LastResult, 80), formatTime(t.LastRun))
		}
	}
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	folder, _ := cmd.Flags().GetString("group")
	prompt, _ := cmd.Flags().GetString("prompt")
	typ, _ := cmd.Flags().GetString("type")
	value, _ := cmd.Flags().GetString("value")
	mode, _ := cmd.Flags().GetString("context")
	if folder == "" || prompt == "" || value == "" {
		return fmt.Errorf("--group, --prompt and --value are required")
	}
	switch store.ScheduleType(typ) {
	case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
	default:
		return fmt.Errorf("unknown schedule type %q", typ)
	}
	switch store.ContextMode(mode) {
	case store.ContextGroup, store.ContextIsolated:
	default:
		return fmt.Errorf("unknown context mode %q", mode)
	}

	cfg, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	var chatJID string
	groups, err := st.AllRegisteredGroups()
	if err != nil {
		return err
	}
	for jid, g := range groups {
		if g.Folder == folder {
			chatJID = jid
		}
	}
	if chatJID == "" {
		return fmt.Errorf("no registered group with folder %q", folder)
	}

	next, err := scheduler.FirstRun(store.ScheduleType(typ), value, time.Now(), cfg.Assistant.Location())
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	task := &store.ScheduledTask{
		ID:            "task-" + uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       chatJID,
		Prompt:        prompt,
		ScheduleType:  store.ScheduleType(typ),
		ScheduleValue: value,
		ContextMode:   store.ContextMode(mode),
		Status:        store.TaskActive,
		NextRun:       next,
	}
	if err := st.CreateTask(task); err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Scheduled %s, next run %s", task.ID, formatTime(next))
	return nil
}

func changeTask(cmd *cobra.Command, id, action string) error {
	cfg, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	task, err := st.GetTask(id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	switch action {
	case "pause":
		err = st.SetTaskStatus(id, store.TaskPaused)
	case "cancel":
		err = st.DeleteTask(id)
	case "resume":
		var next *time.Time
		if next, err = scheduler.ResumeAt(*task, time.Now(), cfg.Assistant.Location()); err == nil {
			err = st.AdvanceTask(id, next, store.TaskActive)
		}
	}
	if err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Task %s: %s", id, action)
	return nil
}

func runTaskRuns(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	_, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.TaskRuns(args[0], limit)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range runs {
		detail := r.Result
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%s  %-7s %6dms  %s\n", r.RunAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.DurationMs, truncate(detail, 80))
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
