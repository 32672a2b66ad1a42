package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/harmonizer/internal/httpapi"
	"github.com/CZERTAINLY/harmonizer/internal/log"
	"github.com/CZERTAINLY/harmonizer/internal/model"
	"github.com/CZERTAINLY/harmonizer/internal/orchestrator"
	"github.com/CZERTAINLY/harmonizer/internal/service"
	"github.com/CZERTAINLY/harmonizer/internal/store"
)

const shutdownTimeout = 30 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("harmonizer",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	for _, dir := range []string{config.Storage.UploadsDir, config.Storage.OutputsDir, config.Storage.ArchivesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	rt, closeRuntime, err := newRuntime(ctx, config)
	if err != nil {
		return err
	}
	defer closeRuntime()

	ledger, err := store.Open(ctx, config.Storage.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = ledger.Close()
	}()

	o := orchestrator.New(orchestrator.Config{
		Runtime:     rt,
		Command:     config.Worker.Cmd(),
		OutputsDir:  config.Storage.OutputsDir,
		ArchivesDir: config.Storage.ArchivesDir,
		Ledger:      ledger,
	})
	if err := o.Restore(ctx); err != nil {
		return err
	}
	if config.Retention.Schedule != "" {
		maxAge, err := model.ParseDuration(config.Retention.MaxAge)
		if err != nil {
			return fmt.Errorf("parsing retention.max_age: %w", err)
		}
		if err := o.StartRetention(ctx, config.Retention.Schedule, maxAge); err != nil {
			return err
		}
	}

	inputRoot, outputRoot, err := config.Roots()
	if err != nil {
		return err
	}
	api := httpapi.New(o, httpapi.Options{
		UploadsDir: config.Storage.UploadsDir,
		InputRoot:  inputRoot,
		OutputRoot: outputRoot,
		PublicDir:  config.Server.PublicDir,
	})
	srv := &http.Server{
		Addr:              config.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// requests survive the signal, live streams end with their job
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.InfoContext(ctx, "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.InfoContext(ctx, "shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		// stream handlers end once their jobs are killed, so the server is
		// shut down in parallel with the orchestrator
		var sg errgroup.Group
		sg.Go(func() error { return srv.Shutdown(sctx) })
		sg.Go(func() error { return o.Close(sctx) })
		return sg.Wait()
	})
	return g.Wait()
}

func newRuntime(ctx context.Context, cfg model.Config) (service.Runtime, func(), error) {
	if cfg.Worker.Runtime == model.RuntimeExec {
		return service.ExecRuntime{}, func() {}, nil
	}

	binds, err := cfg.Binds()
	if err != nil {
		return nil, nil, err
	}
	docker, err := service.NewDockerRuntime(binds)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		_ = docker.Close()
	}
	if err := docker.EnsureImage(ctx, cfg.Worker.Image, cfg.Worker.Pull); err != nil {
		closeFn()
		return nil, nil, err
	}
	return docker, closeFn, nil
}

func doPull(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if config.Worker.Runtime != model.RuntimeDocker {
		return fmt.Errorf("pull needs the %s runtime, configured is %s", model.RuntimeDocker, config.Worker.Runtime)
	}
	docker, err := service.NewDockerRuntime(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = docker.Close()
	}()
	if err := docker.EnsureImage(ctx, config.Worker.Image, true); err != nil {
		return err
	}
	slog.InfoContext(ctx, "worker image ready", "image", config.Worker.Image)
	return nil
}
