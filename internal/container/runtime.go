// Package container runs one agent invocation inside an isolated process and
// maps its outcome onto success or failure.
package container

import (
	"context"
	"io"
)

// Mount binds a host path into the isolated process.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a process to start.
type Spec struct {
	Name    string
	Image   string
	Command []string
	Env     []string // KEY=VALUE
	Mounts  []Mount
	Stdin   []byte
	Stdout  io.Writer
	Stderr  io.Writer
}

// Process is a started invocation.
type Process interface {
	Name() string
	// Wait blocks until the process exits and all output has been copied.
	Wait() (exitCode int, err error)
	// Kill terminates the process. Killing an exited process is not an error.
	Kill() error
}

// Runtime starts isolated processes.
type Runtime interface {
	Start(ctx context.Context, spec Spec) (Process, error)
	// Cleanup removes leftovers from previous runs whose names start with prefix.
	Cleanup(ctx context.Context, prefix string) error
	// Ping fails when the runtime is unusable.
	Ping(ctx context.Context) error
}
