package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/telemetry"
)

// ErrAlreadyRunning is returned by Spawn when a process for the job id is
// still supervised.
var ErrAlreadyRunning = errors.New("job already running")

// ErrUnknownJob is returned by Kill for a job id with no live process.
var ErrUnknownJob = errors.New("no such running job")

// SpawnError is returned when the runtime fails to start a worker.
type SpawnError struct {
	JobID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning job %s: %v", e.JobID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Stream identifies the output a line was read from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives every output line of a worker. It is called from two
// goroutines, one per stream, so it must be safe for concurrent use.
type LineFunc func(ctx context.Context, stream Stream, line string)

// Supervisor starts workers through a Runtime and tracks them until they
// exit. At most one process per job id is live at any time.
type Supervisor struct {
	rt      Runtime
	mx      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

func NewSupervisor(rt Runtime) *Supervisor {
	return &Supervisor{
		rt:      rt,
		handles: make(map[string]*Handle),
	}
}

// Handle tracks a single supervised worker.
type Handle struct {
	jobID   string
	name    string
	proc    Process
	done    chan struct{}
	once    sync.Once
	outcome Outcome
}

func (h *Handle) JobID() string { return h.jobID }

// Name is the execution unit name given to the runtime.
func (h *Handle) Name() string { return h.name }

// Done is closed after every output line was delivered, the process was
// reaped and its execution unit removed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome is valid only after Done is closed.
func (h *Handle) Outcome() Outcome {
	<-h.done
	return h.outcome
}

// Wait blocks until the handle is done or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Spawn starts cmd for jobID in an execution unit called name. Each output
// line is passed to fn. Spawn does not wait for the process, use the returned
// Handle for that.
func (s *Supervisor) Spawn(ctx context.Context, jobID, name string, cmd Command, fn LineFunc) (*Handle, error) {
	ctx = log.WithJob(ctx, jobID)

	// the slot is reserved before starting, so a concurrent Spawn of the same
	// id can't race past the check
	h := &Handle{jobID: jobID, name: name, done: make(chan struct{})}
	s.mx.Lock()
	if _, ok := s.handles[jobID]; ok {
		s.mx.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.handles[jobID] = h
	s.mx.Unlock()

	if cmd.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", cmd.Path)
	}

	proc, err := s.rt.Start(ctx, name, cmd)
	if err != nil {
		s.release(jobID)
		return nil, &SpawnError{JobID: jobID, Err: err}
	}
	s.mx.Lock()
	h.proc = proc
	s.mx.Unlock()
	slog.InfoContext(ctx, "worker started", "name", name, "path", cmd.Path)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(context.WithoutCancel(ctx), h, cmd.Timeout, fn)
	}()
	return h, nil
}

func (s *Supervisor) supervise(ctx context.Context, h *Handle, timeout time.Duration, fn LineFunc) {
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() {
			slog.WarnContext(ctx, "worker timed out", "timeout", timeout)
			if err := h.proc.Kill(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				slog.ErrorContext(ctx, "killing timed out worker", "error", err)
			}
		})
		defer t.Stop()
	}

	// every line is delivered before the outcome is collected
	var g errgroup.Group
	g.Go(func() error { return drain(ctx, h.proc.Stdout(), Stdout, fn) })
	g.Go(func() error { return drain(ctx, h.proc.Stderr(), Stderr, fn) })
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "reading worker output", "error", err)
	}

	out := h.proc.Wait(ctx)
	slog.InfoContext(ctx, "worker exited",
		"code", out.Code,
		"signal", out.Signal,
		"duration", out.Stopped.Sub(out.Started),
	)
	if out.Err != nil {
		slog.ErrorContext(ctx, "waiting for worker", "error", out.Err)
	}

	if err := s.rt.Remove(ctx, h.name); err != nil {
		slog.WarnContext(ctx, "removing worker", "name", h.name, "error", err)
	}

	s.release(h.jobID)
	h.once.Do(func() {
		h.outcome = out
		close(h.done)
	})
}

// drain delivers lines of r to fn. After a read error the rest of r is
// discarded, so the worker never blocks on a full pipe.
func drain(ctx context.Context, r io.Reader, stream Stream, fn LineFunc) error {
	err := telemetry.Scan(r, func(line string) { fn(ctx, stream, line) })
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
		return fmt.Errorf("%s: %w", stream, err)
	}
	return nil
}

func (s *Supervisor) release(jobID string) {
	s.mx.Lock()
	delete(s.handles, jobID)
	s.mx.Unlock()
}

// Kill terminates the worker of jobID. Killing a worker which is already
// exiting is not an error.
func (s *Supervisor) Kill(ctx context.Context, jobID string) error {
	var proc Process
	s.mx.Lock()
	if h, ok := s.handles[jobID]; ok {
		proc = h.proc
	}
	s.mx.Unlock()
	if proc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	err := proc.Kill(ctx)
	if errors.Is(err, ErrNotRunning) {
		slog.WarnContext(log.WithJob(ctx, jobID), "kill: worker already exited")
		return nil
	}
	return err
}

// Running returns the ids of jobs with a live worker.
func (s *Supervisor) Running() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if h.proc != nil {
			ret = append(ret, id)
		}
	}
	return ret
}

// Wait blocks until every supervised worker has been reaped.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
