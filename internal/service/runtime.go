package service

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotRunning is returned by Process.Kill when the process has already
// exited.
var ErrNotRunning = errors.New("process not running")

// Command describes what a Runtime should execute.
type Command struct {
	// Path is the executable for ExecRuntime or the image for DockerRuntime.
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// WithArgs returns a copy of c with args appended.
func (c Command) WithArgs(args ...string) Command {
	c.Args = append(append([]string(nil), c.Args...), args...)
	c.Env = append([]string(nil), c.Env...)
	return c
}

// Runtime starts processes in an execution environment and reclaims the
// environment once a process has exited.
type Runtime interface {
	// Start launches cmd in an execution unit called name.
	Start(ctx context.Context, name string, cmd Command) (Process, error)
	// Remove reclaims the execution unit called name. Removing a unit that
	// does not exist is not an error.
	Remove(ctx context.Context, name string) error
}

// Process is a started worker.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It must be called only after both
	// streams reached EOF.
	Wait(ctx context.Context) Outcome
	// Kill requests termination. It returns ErrNotRunning if the process has
	// already exited.
	Kill(ctx context.Context) error
}

// Outcome is how a process terminated.
type Outcome struct {
	Code    int    // -1 when terminated by a signal or unknown
	Signal  string // signal name, empty on a normal exit
	Err     error  // error reported while waiting, if any
	Started time.Time
	Stopped time.Time
}

// Success reports a zero exit code without a signal.
func (o Outcome) Success() bool {
	return o.Err == nil && o.Code == 0 && o.Signal == ""
}
