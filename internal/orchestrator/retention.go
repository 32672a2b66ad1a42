package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/registry"
	"github.com/CZERTAINLY/harmonizer/internal/store"
)

type retention struct {
	scheduler gocron.Scheduler
}

// Sweep removes finished jobs which finished before now-maxAge, together
// with their archive, output directory and ledger entry. It returns the
// number of removed jobs.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	cutoff := now.Add(-maxAge)
	var errs []error
	var removed int
	for _, j := range o.reg.Finished() {
		if !j.Finished.Before(cutoff) {
			continue
		}
		if err := o.purge(ctx, j); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (o *Orchestrator) purge(ctx context.Context, j registry.Job) error {
	ctx = log.WithJob(ctx, j.ID)
	if o.ledger != nil {
		if err := o.ledger.Delete(ctx, j.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting job %s from ledger: %w", j.ID, err)
		}
	}
	o.reg.Remove(j.ID)

	if j.Archive != "" {
		if err := os.Remove(j.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.WarnContext(ctx, "removing archive", "path", j.Archive, "error", err)
		}
	}
	if err := os.RemoveAll(filepath.Join(o.outputs, j.ID)); err != nil {
		slog.WarnContext(ctx, "removing outputs", "error", err)
	}
	slog.InfoContext(ctx, "finished job removed", "finished", j.Finished)
	return nil
}

// StartRetention runs Sweep on the cron schedule. It is stopped by Close.
func (o *Orchestrator) StartRetention(ctx context.Context, schedule string, maxAge time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			n, err := o.Sweep(ctx, time.Now(), maxAge)
			if err != nil {
				slog.ErrorContext(ctx, "retention sweep", "error", err)
			}
			slog.DebugContext(ctx, "retention sweep", "removed", n)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	s.Start()
	o.retention = &retention{scheduler: s}
	slog.InfoContext(ctx, "retention enabled", "schedule", schedule, "max_age", maxAge)
	return nil
}

func (o *Orchestrator) stopRetention(ctx context.Context) {
	if o.retention == nil {
		return
	}
	if err := o.retention.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}
