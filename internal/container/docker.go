package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime runs agents as Docker containers through the Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using the standard DOCKER_* environment.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker is not reachable: %w", err)
	}
	return nil
}

// Cleanup force-removes every container whose name starts with prefix.
func (r *DockerRuntime) Cleanup(ctx context.Context, prefix string) error {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	removed := 0
	for _, c := range list {
		if !hasNamePrefix(c.Names, prefix) {
			continue
		}
		if err := r.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("Failed to remove stale container", "id", c.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed stale containers", "count", removed)
	}
	return nil
}

func hasNamePrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(strings.TrimPrefix(n, "/"), prefix) {
			return true
		}
	}
	return false
}

func (r *DockerRuntime) Start(ctx context.Context, spec Spec) (Process, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          spec.Env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{"app": "nanoclaw"},
	}, &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: true,
	}, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		r.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	// Registered before start so a fast exit cannot be missed.
	statusCh, errCh := r.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		r.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	p := &dockerProcess{
		rt:       r,
		id:       resp.ID,
		name:     spec.Name,
		copyDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	go func() {
		if _, err := io.Copy(attach.Conn, bytes.NewReader(spec.Stdin)); err != nil {
			slog.Warn("Failed to write container stdin", "container", spec.Name, "error", err)
		}
		_ = attach.CloseWrite()
	}()

	go func() {
		defer close(p.copyDone)
		stdout, stderr := spec.Stdout, spec.Stderr
		if stdout == nil {
			stdout = io.Discard
		}
		if stderr == nil {
			stderr = io.Discard
		}
		_, _ = stdcopy.StdCopy(stdout, stderr, attach.Reader)
	}()

	go func() {
		defer attach.Close()
		select {
		case st := <-statusCh:
			p.exitCode = int(st.StatusCode)
			if st.Error != nil && st.Error.Message != "" {
				p.waitErr = fmt.Errorf("container wait: %s", st.Error.Message)
			}
		case err := <-errCh:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("container wait: %w", err)
		}
		<-p.copyDone
		close(p.done)
	}()

	return p, nil
}

func (r *DockerRuntime) remove(id string) {
	_ = r.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
}

type dockerProcess struct {
	rt       *DockerRuntime
	id       string
	name     string
	copyDone chan struct{}
	done     chan struct{}

	// Written before done is closed.
	exitCode int
	waitErr  error
}

func (p *dockerProcess) Name() string { return p.name }

func (p *dockerProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *dockerProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.rt.cli.ContainerKill(context.Background(), p.id, "SIGKILL")
	if err != nil && (errdefs.IsNotFound(err) || errdefs.IsConflict(err)) {
		return nil
	}
	return err
}
