package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"syscall"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// killTimeout bounds the docker API call issued by Kill.
const killTimeout = 10 * time.Second

// DockerRuntime runs every worker in its own container. The container is
// named after the job, so cleanup can remove it by name.
type DockerRuntime struct {
	cli   *client.Client
	binds []string
}

// NewDockerRuntime connects to the docker daemon configured by the
// environment (DOCKER_HOST and friends). binds are host:container volume
// mappings shared by every worker.
func NewDockerRuntime(binds []string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	return &DockerRuntime{cli: cli, binds: binds}, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// EnsureImage checks that ref is present locally and pulls it when pull is
// true. Building the worker image is outside of this package.
func (d *DockerRuntime) EnsureImage(ctx context.Context, ref string, pull bool) error {
	_, err := d.cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	if !pull {
		return fmt.Errorf("image %s not found locally", ref)
	}

	slog.InfoContext(ctx, "pulling worker image", "image", ref)
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	// the pull completes when the progress stream ends
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string, cmd Command) (Process, error) {
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        cmd.Path,
			Cmd:          cmd.Args,
			Env:          cmd.Env,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{
			Binds: d.binds,
		},
		nil, nil, name,
	)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", name, err)
	}
	for _, w := range resp.Warnings {
		slog.WarnContext(ctx, "container create", "container", name, "warning", w)
	}

	// attach before start, so no early output is lost
	hj, err := d.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.removeQuietly(ctx, name)
		return nil, fmt.Errorf("attaching container %s: %w", name, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hj.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		hj.Close()
	}()

	started := time.Now().UTC()
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hj.Close()
		d.removeQuietly(ctx, name)
		return nil, fmt.Errorf("starting container %s: %w", name, err)
	}

	return &dockerProcess{
		cli:     d.cli,
		id:      resp.ID,
		stdout:  stdoutR,
		stderr:  stderrR,
		started: started,
	}, nil
}

// Remove force-removes the container called name. A missing container is
// not an error, so Remove is idempotent.
func (d *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) removeQuietly(ctx context.Context, name string) {
	if err := d.Remove(context.WithoutCancel(ctx), name); err != nil {
		slog.WarnContext(ctx, "removing container after failed start", "container", name, "error", err)
	}
}

type dockerProcess struct {
	cli     *client.Client
	id      string
	stdout  io.Reader
	stderr  io.Reader
	started time.Time
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

func (p *dockerProcess) Wait(ctx context.Context) Outcome {
	out := Outcome{Code: -1, Started: p.started}
	statusCh, errCh := p.cli.ContainerWait(ctx, p.id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		out.Code = int(st.StatusCode)
		if st.Error != nil && st.Error.Message != "" {
			out.Err = errors.New(st.Error.Message)
		}
	case err := <-errCh:
		out.Err = err
	}
	out.Stopped = time.Now().UTC()

	// docker reports death by signal N as exit code 128+N
	if out.Code > 128 && out.Code < 128+65 {
		out.Signal = syscall.Signal(out.Code - 128).String()
	}
	return out
}

func (p *dockerProcess) Kill(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	err := p.cli.ContainerKill(ctx, p.id, "SIGKILL")
	if err != nil && (cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err)) {
		return ErrNotRunning
	}
	return err
}
