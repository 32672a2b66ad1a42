// Package orchestrator ties the job registry, the process supervisor, the
// event bus and the packager together. It owns the lifecycle of a job from
// submission to its terminal done event.
//
//	StartJob ──► Register(Pending) ──► Spawn ──► Running
//	                                     │
//	           every output line ──► ParseLine ──► Bus.Publish
//	                                     │
//	           worker exit ──► Finalizing ──► Package ──► Retire(Done) ──► Publish(Done)
//
// The Running to Finalizing transition is a compare-and-swap on the
// registry, so finalization runs at most once per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/packager"
	"github.com/CZERTAINLY/harmonizer/internal/registry"
	"github.com/CZERTAINLY/harmonizer/internal/service"
	"github.com/CZERTAINLY/harmonizer/internal/telemetry"
)

var (
	// ErrNotFinished is returned by Archive for a job still in flight.
	ErrNotFinished = errors.New("job not finished")
	// ErrNotAvailable is returned by Archive when the job finished without
	// a retrievable archive.
	ErrNotAvailable = errors.New("archive not available")
	// ErrClosed is returned by StartJob after Close was called.
	ErrClosed = errors.New("orchestrator closed")
)

// Ledger persists finished jobs.
type Ledger interface {
	Record(ctx context.Context, j registry.Job) error
	List(ctx context.Context) ([]registry.Job, error)
	Delete(ctx context.Context, jobID string) error
}

type Config struct {
	Runtime service.Runtime
	// Command is the worker command, job arguments are appended to it.
	Command service.Command
	// OutputsDir is the host directory the workers write to, one
	// subdirectory per job.
	OutputsDir  string
	ArchivesDir string
	// Ledger is optional.
	Ledger Ledger
}

type Orchestrator struct {
	reg     *registry.Registry
	bus     *telemetry.Bus
	sup     *service.Supervisor
	pkg     *packager.Packager
	ledger  Ledger
	cmd     service.Command
	outputs string

	// StartJob holds lifeMx for reading, so Close observes every worker
	// spawned before closing was set
	lifeMx    sync.RWMutex
	closing   atomic.Bool
	wg        sync.WaitGroup // finalizers
	retention *retention
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		reg:     registry.New(),
		bus:     telemetry.NewBus(),
		sup:     service.NewSupervisor(cfg.Runtime),
		pkg:     packager.New(cfg.ArchivesDir),
		ledger:  cfg.Ledger,
		cmd:     cfg.Command,
		outputs: cfg.OutputsDir,
	}
}

// ContainerName is the execution unit name of a job.
func ContainerName(ownerID, jobID string) string {
	return ownerID + "_processing_" + jobID
}

// Restore loads the finished jobs of previous runs from the ledger.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.ledger == nil {
		return nil
	}
	jobs, err := o.ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("restoring finished jobs: %w", err)
	}
	o.reg.Restore(jobs...)
	slog.InfoContext(ctx, "restored finished jobs", "count", len(jobs))
	return nil
}

// StartJob registers jobID and spawns its worker with args appended to the
// configured command. Duplicate ids and spawn failures are returned
// synchronously. Once StartJob returned nil, the job is guaranteed to reach
// the done event.
func (o *Orchestrator) StartJob(ctx context.Context, ownerID, jobID, dataset string, args []string) (registry.Job, error) {
	o.lifeMx.RLock()
	defer o.lifeMx.RUnlock()
	if o.closing.Load() {
		return registry.Job{}, ErrClosed
	}
	ctx = log.WithJob(ctx, jobID)

	if _, err := o.reg.Register(jobID, ownerID, dataset); err != nil {
		return registry.Job{}, err
	}

	cmd := o.cmd.WithArgs(args...)
	h, err := o.sup.Spawn(ctx, jobID, ContainerName(ownerID, jobID), cmd, o.onLine(jobID))
	if err != nil {
		slog.ErrorContext(ctx, "spawning worker failed", "error", err)
		if ferr := o.reg.Fail(jobID, err.Error()); ferr != nil {
			slog.WarnContext(ctx, "marking job as failed", "error", ferr)
		} else if o.ledger != nil {
			job, _ := o.reg.Get(jobID)
			if lerr := o.ledger.Record(ctx, job); lerr != nil {
				slog.WarnContext(ctx, "recording failed job", "error", lerr)
			}
		}
		o.bus.Publish(telemetry.Done{JobID: jobID})
		return registry.Job{}, err
	}

	if err := o.reg.Transition(jobID, registry.PhasePending, registry.PhaseRunning); err != nil {
		// nothing else moves a Pending job
		panic(err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.finalize(context.WithoutCancel(ctx), h)
	}()

	return o.reg.Get(jobID)
}

func (o *Orchestrator) onLine(jobID string) service.LineFunc {
	return func(ctx context.Context, stream service.Stream, line string) {
		rec, ok := telemetry.ParseLine(line)
		if !ok {
			return
		}
		if _, isLog := rec.(telemetry.LogLine); isLog && telemetry.IsMalformedProgress(line) {
			slog.DebugContext(ctx, "malformed progress line", "stream", stream, "line", line)
		}
		o.bus.Publish(telemetry.FromRecord(jobID, rec))
	}
}

// finalize runs once the worker exited and every line of its output was
// published.
func (o *Orchestrator) finalize(ctx context.Context, h *service.Handle) {
	jobID := h.JobID()
	out := h.Outcome()

	if err := o.reg.Transition(jobID, registry.PhaseRunning, registry.PhaseFinalizing); err != nil {
		slog.WarnContext(ctx, "finalization skipped", "error", err)
		return
	}

	result := registry.Outcome{ExitCode: out.Code, Signal: out.Signal}
	archive, err := o.pkg.Package(ctx, jobID, filepath.Join(o.outputs, jobID))
	if err != nil {
		slog.WarnContext(ctx, "packaging output", "error", err)
		o.bus.Publish(telemetry.Log{JobID: jobID, Line: "packaging failed: " + err.Error()})
		result.Error = err.Error()
	} else {
		result.Archive = archive
	}
	if out.Err != nil && result.Error == "" {
		result.Error = out.Err.Error()
	}

	job, err := o.reg.Retire(jobID, result)
	if err != nil {
		// the job was removed meanwhile, subscribers still get their done
		slog.WarnContext(ctx, "retiring job", "error", err)
	} else if o.ledger != nil {
		if err := o.ledger.Record(ctx, job); err != nil {
			slog.WarnContext(ctx, "recording finished job", "error", err)
		}
	}

	o.bus.Publish(telemetry.Done{JobID: jobID})
	slog.InfoContext(ctx, "job done", "status", job.Status(), "archive", job.Archive)
}

// Subscribe attaches an observer to jobID. A job which has already reached
// a terminal phase yields a single Done. Unknown ids return
// registry.ErrNotFound.
func (o *Orchestrator) Subscribe(jobID string) (*telemetry.Subscription, error) {
	if _, err := o.reg.Get(jobID); err != nil {
		return nil, err
	}

	// subscribe first and check the phase second: a job retired in between
	// publishes its Done to this subscription, and a duplicate is dropped
	s := o.bus.Subscribe(jobID)
	j, err := o.reg.Get(jobID)
	if err != nil {
		o.bus.Unsubscribe(s)
		return nil, err
	}
	if j.Phase.Terminal() {
		s.Inject(telemetry.Done{JobID: jobID})
	}
	return s, nil
}

// Unsubscribe detaches s. It is safe to call more than once.
func (o *Orchestrator) Unsubscribe(s *telemetry.Subscription) {
	o.bus.Unsubscribe(s)
}

// Kill requests termination of the worker of jobID. Killing a job whose
// worker has already exited is logged and ignored.
func (o *Orchestrator) Kill(ctx context.Context, jobID string) error {
	if _, err := o.reg.Get(jobID); err != nil {
		return err
	}
	ctx = log.WithJob(ctx, jobID)
	err := o.sup.Kill(ctx, jobID)
	if errors.Is(err, service.ErrUnknownJob) {
		slog.WarnContext(ctx, "kill: no running worker")
		return nil
	}
	return err
}

// Job returns a snapshot of jobID.
func (o *Orchestrator) Job(jobID string) (registry.Job, error) {
	return o.reg.Get(jobID)
}

// AddUpload records a staged dataset in the uploaded listing.
func (o *Orchestrator) AddUpload(name string) {
	o.reg.AddUpload(name)
}

// Uploaded lists staged datasets which were not processed yet.
func (o *Orchestrator) Uploaded() []string {
	return o.reg.Uploads()
}

// Finished lists finished jobs in the order they finished.
func (o *Orchestrator) Finished() []registry.Job {
	return o.reg.Finished()
}

// Archive returns the path of the archive of jobID.
func (o *Orchestrator) Archive(jobID string) (string, error) {
	j, err := o.reg.Get(jobID)
	if err != nil {
		return "", err
	}
	if !j.Phase.Terminal() {
		return "", ErrNotFinished
	}
	if j.Archive == "" {
		return "", ErrNotAvailable
	}
	if _, err := os.Stat(j.Archive); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotAvailable, err)
	}
	return j.Archive, nil
}

// Close stops accepting jobs, kills running workers and waits until every
// job is finalized or ctx ends.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.lifeMx.Lock()
	first := o.closing.CompareAndSwap(false, true)
	o.lifeMx.Unlock()
	if !first {
		return nil
	}
	o.stopRetention(ctx)

	for _, jobID := range o.sup.Running() {
		if err := o.Kill(ctx, jobID); err != nil {
			slog.WarnContext(log.WithJob(ctx, jobID), "kill on close", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.sup.Wait()
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
