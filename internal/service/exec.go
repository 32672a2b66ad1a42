package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// defaultWaitDelay bounds how long the output of an exited worker is still
// read while a leftover child process holds it open.
const defaultWaitDelay = 2 * time.Second

// ExecRuntime runs workers as local processes. The environment of the
// current process is inherited and extended by Command.Env. Every worker
// gets its own process group, so Kill and cleanup reach its children too.
type ExecRuntime struct {
	// WaitDelay is how long output pipes are kept open after the worker
	// exited, defaultWaitDelay when zero.
	WaitDelay time.Duration
}

func (r ExecRuntime) Start(_ context.Context, _ string, proto Command) (Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	// the pipes are closed by us once Wait returned, not by a child which
	// inherited them
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("starting %s: %w", proto.Path, err)
	}
	p := &execProcess{
		cmd:     cmd,
		stdout:  stdoutR,
		stderr:  stderrR,
		started: started,
		exited:  make(chan struct{}),
	}
	go p.wait(stdoutW, stderrW)
	return p, nil
}

// Remove is a no-op, leftover children are killed when the worker is reaped.
func (ExecRuntime) Remove(context.Context, string) error {
	return nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  io.Reader
	stderr  io.Reader
	started time.Time

	exited  chan struct{}
	err     error
	stopped time.Time
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

// wait reaps the worker. Output still held open by a child is force-closed
// WaitDelay after the worker exited, and the rest of its group is killed.
func (p *execProcess) wait(stdout, stderr *io.PipeWriter) {
	err := p.cmd.Wait()
	p.stopped = time.Now().UTC()
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	p.err = err
	_ = stdout.Close()
	_ = stderr.Close()
	close(p.exited)
}

func (p *execProcess) Wait(ctx context.Context) Outcome {
	out := Outcome{Code: -1, Started: p.started}
	select {
	case <-p.exited:
	case <-ctx.Done():
		out.Err = ctx.Err()
		out.Stopped = time.Now().UTC()
		return out
	}
	out.Stopped = p.stopped

	state := p.cmd.ProcessState
	if state == nil {
		out.Err = p.err
		return out
	}
	out.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.Signal = ws.Signal().String()
	}
	// a non-zero exit is reported through Code, and output cut after
	// WaitDelay is not a failure of the worker
	var exitErr *exec.ExitError
	if p.err != nil && !errors.As(p.err, &exitErr) && !errors.Is(p.err, exec.ErrWaitDelay) {
		out.Err = p.err
	}
	return out
}

// Kill sends SIGKILL to the whole process group of the worker.
func (p *execProcess) Kill(context.Context) error {
	select {
	case <-p.exited:
		return ErrNotRunning
	default:
	}
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return ErrNotRunning
	}
	return err
}
