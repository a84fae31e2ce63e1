package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/JaisonBinns/nanoclaw/internal/store"
)

// Mount targets inside the isolated process.
const (
	GroupMountTarget   = "/workspace/group"
	ProjectMountTarget = "/workspace/project"
	GlobalMountTarget  = "/workspace/global"
	IPCMountTarget     = "/workspace/ipc"
	SessionMountTarget = "/home/node/.claude"
)

// Config holds runner settings.
type Config struct {
	Runtime        string        `json:"runtime" envconfig:"RUNTIME"` // docker or exec
	Image          string        `json:"image" envconfig:"IMAGE"`
	Command        []string      `json:"command" envconfig:"COMMAND"`
	Timeout        time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	MaxOutputBytes int64         `json:"maxOutputBytes" envconfig:"MAX_OUTPUT_BYTES"`
	PassEnv        []string      `json:"passEnv" envconfig:"PASS_ENV"`
	NamePrefix     string        `json:"namePrefix" envconfig:"NAME_PREFIX"`
	ProjectRoot    string        `json:"projectRoot" envconfig:"PROJECT_ROOT"`
	Timezone       string        `json:"-" ignored:"true"`
}

// DefaultConfig returns runner defaults.
func DefaultConfig() Config {
	return Config{
		Runtime:        "docker",
		Image:          "nanoclaw-agent:latest",
		Timeout:        5 * time.Minute,
		MaxOutputBytes: 10 << 20,
		PassEnv:        []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
		NamePrefix:     "nanoclaw",
	}
}

// Paths locates the host directories the runner mounts.
type Paths struct {
	DataDir   string
	GroupsDir string
}

// GroupDir is the group's working directory.
func (p Paths) GroupDir(folder string) string { return filepath.Join(p.GroupsDir, folder) }

// GlobalDir is shared read-only memory for non-main groups.
func (p Paths) GlobalDir() string { return filepath.Join(p.GroupsDir, "global") }

// IPCDir holds the snapshots and the mailbox of one group.
func (p Paths) IPCDir(folder string) string { return filepath.Join(p.DataDir, "ipc", folder) }

// RequestsDir is the mailbox polled by the IPC watcher.
func (p Paths) RequestsDir(folder string) string { return filepath.Join(p.IPCDir(folder), "requests") }

// SessionDir keeps the agent's own session files across invocations.
func (p Paths) SessionDir(folder string) string {
	return filepath.Join(p.DataDir, "sessions", folder, ".claude")
}

// ProcessCallback receives the process right after it is spawned. Returning
// an error aborts the invocation and kills the process.
type ProcessCallback func(p Process) error

// Runner executes agent invocations.
type Runner struct {
	cfg   Config
	paths Paths
	rt    Runtime
	snaps SnapshotSource
}

// NewRunner creates a runner. snaps may be nil to skip snapshots.
func NewRunner(cfg Config, paths Paths, rt Runtime, snaps SnapshotSource) *Runner {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = def.NamePrefix
	}
	return &Runner{cfg: cfg, paths: paths, rt: rt, snaps: snaps}
}

// Prepare verifies the runtime is reachable and removes leftovers from a
// previous run.
func (r *Runner) Prepare(ctx context.Context) error {
	if err := r.rt.Ping(ctx); err != nil {
		return err
	}
	return r.rt.Cleanup(ctx, r.cfg.NamePrefix+"-")
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns a unique name for an invocation of folder.
func (r *Runner) ContainerName(folder string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%d", r.cfg.NamePrefix, unsafeName.ReplaceAllString(folder, "-"), at.UnixMilli())
}

// Run executes one invocation for group. On success the parsed output is
// returned. On failure the error is non-nil; the output is still returned
// when the agent reported an error in a well-formed payload, so a new
// session token is never lost.
func (r *Runner) Run(ctx context.Context, group store.RegisteredGroup, in Input, onProcess ProcessCallback) (*Output, error) {
	started := time.Now()
	in.GroupFolder = group.Folder

	groupDir := r.paths.GroupDir(group.Folder)
	ipcDir := r.paths.IPCDir(group.Folder)
	sessionDir := r.paths.SessionDir(group.Folder)
	for _, dir := range []string{filepath.Join(groupDir, "logs"), r.paths.RequestsDir(group.Folder), sessionDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare %s: %w", dir, err)
		}
	}

	if err := r.writeSnapshots(ipcDir, group.Folder, in.IsMain); err != nil {
		return nil, err
	}

	stdin, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}

	stdout := &cappedBuffer{limit: r.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: r.cfg.MaxOutputBytes}
	name := r.ContainerName(group.Folder, started)
	spec := Spec{
		Name:    name,
		Image:   r.cfg.Image,
		Command: r.cfg.Command,
		Env:     r.env(),
		Mounts:  r.mounts(group.Folder, in.IsMain),
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
	}

	slog.Info("Spawning agent", "group", group.Name, "container", name, "main", in.IsMain, "task", in.IsScheduledTask)
	proc, err := r.rt.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}
	if onProcess != nil {
		if err := onProcess(proc); err != nil {
			_ = proc.Kill()
			_, _ = proc.Wait()
			return nil, fmt.Errorf("register process: %w", err)
		}
	}

	exitCode, waitErr := r.await(ctx, proc)
	duration := time.Since(started)
	if stdout.truncated {
		slog.Warn("Agent stdout truncated", "group", group.Name, "limit", r.cfg.MaxOutputBytes)
	}
	r.writeLog(groupDir, name, in, exitCode, duration, waitErr, stdout, stderr)

	if waitErr != nil {
		return nil, waitErr
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("agent exited with code %d: %s", exitCode, tail(stderr.Bytes(), 200))
	}

	out, err := ParseOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if out.Status == "error" {
		return out, fmt.Errorf("agent reported error: %s", out.Error)
	}
	if out.Result == nil {
		out.Result = &Result{OutputType: OutputLog}
	}
	slog.Info("Agent finished", "group", group.Name, "duration", duration.Round(time.Millisecond), "output", out.Result.OutputType)
	return out, nil
}

// await waits for the process under the hard timeout. Timeout and context
// cancellation both kill the process.
func (r *Runner) await(ctx context.Context, proc Process) (int, error) {
	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := proc.Wait()
		done <- result{code, err}
	}()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	var cause error
	select {
	case res := <-done:
		return res.code, res.err
	case <-timer.C:
		cause = fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	slog.Warn("Killing agent", "container", proc.Name(), "reason", cause)
	if err := proc.Kill(); err != nil {
		slog.Warn("Kill failed", "container", proc.Name(), "error", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Error("Agent did not exit after kill", "container", proc.Name())
	}
	return -1, cause
}

func (r *Runner) writeSnapshots(ipcDir, folder string, isMain bool) error {
	if r.snaps == nil {
		return nil
	}
	tasks, err := r.snaps.AllTasks()
	if err != nil {
		return fmt.Errorf("load tasks snapshot: %w", err)
	}
	if err := WriteTasksSnapshot(ipcDir, folder, isMain, tasks); err != nil {
		return fmt.Errorf("write tasks snapshot: %w", err)
	}
	var groups []AvailableGroup
	if isMain {
		if groups, err = r.snaps.AvailableGroups(); err != nil {
			return fmt.Errorf("load groups snapshot: %w", err)
		}
	}
	if err := WriteGroupsSnapshot(ipcDir, isMain, groups); err != nil {
		return fmt.Errorf("write groups snapshot: %w", err)
	}
	return nil
}

func (r *Runner) mounts(folder string, isMain bool) []Mount {
	mounts := []Mount{{Source: absPath(r.paths.GroupDir(folder)), Target: GroupMountTarget}}
	if isMain {
		if root := r.cfg.ProjectRoot; root != "" {
			mounts = append(mounts, Mount{Source: absPath(root), Target: ProjectMountTarget})
		}
	} else if global := r.paths.GlobalDir(); dirExists(global) {
		mounts = append(mounts, Mount{Source: absPath(global), Target: GlobalMountTarget, ReadOnly: true})
	}
	mounts = append(mounts,
		Mount{Source: absPath(r.paths.SessionDir(folder)), Target: SessionMountTarget},
		Mount{Source: absPath(r.paths.IPCDir(folder)), Target: IPCMountTarget},
	)
	return mounts
}

func (r *Runner) env() []string {
	var env []string
	for _, key := range r.cfg.PassEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if r.cfg.Timezone != "" {
		env = append(env, "TZ="+r.cfg.Timezone)
	}
	return env
}

func (r *Runner) writeLog(groupDir, name string, in Input, exitCode int, d time.Duration, waitErr error, stdout, stderr *cappedBuffer) {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Agent run %s ===\n", name)
	fmt.Fprintf(&b, "Time: %s\n", store.FormatTimestamp(time.Now()))
	fmt.Fprintf(&b, "Group: %s\nMain: %t\nScheduled: %t\n", in.GroupFolder, in.IsMain, in.IsScheduledTask)
	fmt.Fprintf(&b, "Session: %s\nPrompt length: %d\n", in.SessionID, len(in.Prompt))
	fmt.Fprintf(&b, "Duration: %s\nExit code: %d\n", d.Round(time.Millisecond), exitCode)
	if waitErr != nil {
		fmt.Fprintf(&b, "Error: %v\n", waitErr)
	}
	fmt.Fprintf(&b, "Stdout bytes: %d (truncated: %t)\n", len(stdout.Bytes()), stdout.truncated)
	fmt.Fprintf(&b, "\n=== Stderr (tail) ===\n%s\n", tail(stderr.Bytes(), 4000))
	if exitCode != 0 || waitErr != nil {
		fmt.Fprintf(&b, "\n=== Stdout (tail) ===\n%s\n", tail(stdout.Bytes(), 4000))
	}

	path := filepath.Join(groupDir, "logs", "container-"+time.Now().UTC().Format("20060102T150405.000")+".log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		slog.Warn("Failed to write agent log", "path", path, "error", err)
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func dirExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
