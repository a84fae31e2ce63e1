package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ExecRuntime runs the agent command directly on the host. Mounts become
// NANOCLAW_MOUNT_<TARGET> environment variables and the group mount (if any)
// becomes the working directory. Intended for development and tests.
type ExecRuntime struct {
	mu      sync.Mutex
	running map[string]*execProcess
}

func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{running: make(map[string]*execProcess)}
}

func (r *ExecRuntime) Ping(ctx context.Context) error { return nil }

// Cleanup kills any process this runtime still tracks under prefix.
func (r *ExecRuntime) Cleanup(ctx context.Context, prefix string) error {
	r.mu.Lock()
	var stale []*execProcess
	for name, p := range r.running {
		if strings.HasPrefix(name, prefix) {
			stale = append(stale, p)
		}
	}
	r.mu.Unlock()
	for _, p := range stale {
		_ = p.Kill()
	}
	return nil
}

func (r *ExecRuntime) Start(ctx context.Context, spec Spec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("exec runtime: empty command")
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	for _, m := range spec.Mounts {
		cmd.Env = append(cmd.Env, mountEnvName(m.Target)+"="+m.Source)
		if m.Target == GroupMountTarget {
			cmd.Dir = m.Source
		}
	}
	cmd.Stdin = bytes.NewReader(spec.Stdin)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}
	p := &execProcess{rt: r, name: spec.Name, cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.running[spec.Name] = p
	r.mu.Unlock()

	go func() {
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.waitErr = err
		}
		r.mu.Lock()
		delete(r.running, spec.Name)
		r.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// mountEnvName maps "/workspace/group" to NANOCLAW_MOUNT_WORKSPACE_GROUP.
func mountEnvName(target string) string {
	t := strings.Trim(target, "/")
	t = strings.NewReplacer("/", "_", ".", "", "-", "_").Replace(t)
	return "NANOCLAW_MOUNT_" + strings.ToUpper(t)
}

type execProcess struct {
	rt   *ExecRuntime
	name string
	cmd  *exec.Cmd
	done chan struct{}

	exitCode int
	waitErr  error
}

func (p *execProcess) Name() string { return p.name }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
