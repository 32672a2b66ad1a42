package service_test

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/harmonizer/internal/service"
)

type lines struct {
	mx     sync.Mutex
	stdout []string
	stderr []string
}

func (l *lines) add(_ context.Context, stream service.Stream, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	if stream == service.Stderr {
		l.stderr = append(l.stderr, line)
		return
	}
	l.stdout = append(l.stdout, line)
}

func shell(t *testing.T, script string) service.Command {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return service.Command{Path: sh, Args: []string{"-c", script}}
}

func TestSpawnStreams(t *testing.T) {
	t.Parallel()
	cmd := shell(t, "echo one; echo 'PROGRESS 1 2'; echo err 1>&2; printf 'last'")

	var got lines
	sup := service.NewSupervisor(service.ExecRuntime{})
	h, err := sup.Spawn(t.Context(), "j1", "u_processing_j1", cmd, got.add)
	require.NoError(t, err)
	require.Equal(t, "j1", h.JobID())
	require.Equal(t, "u_processing_j1", h.Name())

	out, err := h.Wait(t.Context())
	require.NoError(t, err)
	require.True(t, out.Success())
	require.Equal(t, 0, out.Code)
	require.Empty(t, out.Signal)
	require.False(t, out.Stopped.Before(out.Started))

	require.Equal(t, []string{"one", "PROGRESS 1 2", "last"}, got.stdout)
	require.Equal(t, []string{"err"}, got.stderr)
	require.Empty(t, sup.Running())
	sup.Wait()
}

func TestSpawnExitCode(t *testing.T) {
	t.Parallel()
	cmd := shell(t, "exit 3")

	sup := service.NewSupervisor(service.ExecRuntime{})
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, func(context.Context, service.Stream, string) {})
	require.NoError(t, err)
	out := h.Outcome()
	require.Equal(t, 3, out.Code)
	require.False(t, out.Success())
	require.NoError(t, out.Err)
	sup.Wait()
}

func TestSpawnError(t *testing.T) {
	t.Parallel()
	sup := service.NewSupervisor(service.ExecRuntime{})
	_, err := sup.Spawn(t.Context(), "j1", "j1", service.Command{Path: "does not exist"}, nil)
	require.Error(t, err)

	var spawnErr *service.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, "j1", spawnErr.JobID)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)

	// the slot is released after a failed start
	require.Empty(t, sup.Running())
	cmd := shell(t, "true")
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, func(context.Context, service.Stream, string) {})
	require.NoError(t, err)
	<-h.Done()
	sup.Wait()
}

func TestAlreadyRunningAndKill(t *testing.T) {
	t.Parallel()
	cmd := shell(t, "echo started; exec sleep 30")

	started := make(chan struct{})
	var once sync.Once
	fn := func(context.Context, service.Stream, string) { once.Do(func() { close(started) }) }

	sup := service.NewSupervisor(service.ExecRuntime{})
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, fn)
	require.NoError(t, err)
	<-started

	_, err = sup.Spawn(t.Context(), "j1", "j1", cmd, fn)
	require.ErrorIs(t, err, service.ErrAlreadyRunning)
	require.Equal(t, []string{"j1"}, sup.Running())

	require.NoError(t, sup.Kill(t.Context(), "j1"))
	out := h.Outcome()
	require.Equal(t, "killed", out.Signal)
	require.Equal(t, -1, out.Code)

	err = sup.Kill(t.Context(), "j1")
	require.ErrorIs(t, err, service.ErrUnknownJob)
	sup.Wait()
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	cmd := shell(t, "exec sleep 30")
	cmd.Timeout = 50 * time.Millisecond

	sup := service.NewSupervisor(service.ExecRuntime{})
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, func(context.Context, service.Stream, string) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, out.Signal)
	sup.Wait()
}

func TestChildHoldingOutput(t *testing.T) {
	t.Parallel()
	// the background sleep inherits stdout and outlives the worker
	cmd := shell(t, "sleep 30 & echo hi")

	var got lines
	sup := service.NewSupervisor(service.ExecRuntime{WaitDelay: 100 * time.Millisecond})
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, got.add)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.True(t, out.Success())
	require.Less(t, out.Stopped.Sub(out.Started), 5*time.Second)
	require.Equal(t, []string{"hi"}, got.stdout)
	sup.Wait()
}

func TestTimeoutKillsChildren(t *testing.T) {
	t.Parallel()
	cmd := shell(t, "sleep 30 & echo hi; sleep 30")
	cmd.Timeout = 200 * time.Millisecond

	// a long WaitDelay, so only killing the whole group ends the job early
	sup := service.NewSupervisor(service.ExecRuntime{WaitDelay: time.Minute})
	h, err := sup.Spawn(t.Context(), "j1", "j1", cmd, func(context.Context, service.Stream, string) {})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "killed", out.Signal)
	sup.Wait()
}

// fakeRuntime emits scripted output and counts removals.
type fakeRuntime struct {
	output  string
	removed atomic.Int32
	killErr error
}

func (f *fakeRuntime) Start(context.Context, string, service.Command) (service.Process, error) {
	return &fakeProcess{stdout: strings.NewReader(f.output), killErr: f.killErr}, nil
}

func (f *fakeRuntime) Remove(context.Context, string) error {
	f.removed.Add(1)
	return errors.New("remove failed")
}

type fakeProcess struct {
	stdout  io.Reader
	killErr error
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return strings.NewReader("") }
func (p *fakeProcess) Wait(context.Context) service.Outcome {
	return service.Outcome{Code: 0}
}
func (p *fakeProcess) Kill(context.Context) error { return p.killErr }

func TestRemoveOnce(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{output: "a\r\nb\n\nc"}
	var got lines

	sup := service.NewSupervisor(rt)
	h, err := sup.Spawn(t.Context(), "j1", "j1", service.Command{Path: "img"}, got.add)
	require.NoError(t, err)
	<-h.Done()
	sup.Wait()

	// a failing removal is only logged
	require.Equal(t, int32(1), rt.removed.Load())
	require.Equal(t, []string{"a", "b", "", "c"}, got.stdout)
	require.True(t, h.Outcome().Success())
}

func TestLongLine(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", 2<<20)
	rt := &fakeRuntime{output: "PROGRESS 1 3\n" + long + "\nPROGRESS 2 3\nfinished\n"}
	var got lines

	sup := service.NewSupervisor(rt)
	h, err := sup.Spawn(t.Context(), "j1", "j1", service.Command{Path: "img"}, got.add)
	require.NoError(t, err)
	<-h.Done()
	sup.Wait()

	require.Len(t, got.stdout, 4)
	require.Equal(t, "PROGRESS 1 3", got.stdout[0])
	require.Equal(t, long[:1<<20], got.stdout[1])
	require.Equal(t, []string{"PROGRESS 2 3", "finished"}, got.stdout[2:])
}

func TestCommandWithArgs(t *testing.T) {
	t.Parallel()
	base := service.Command{Path: "worker", Args: []string{"a"}, Env: []string{"X=1"}}
	c := base.WithArgs("b", "c")
	require.Equal(t, []string{"a", "b", "c"}, c.Args)
	require.Equal(t, []string{"a"}, base.Args)
	c.Env[0] = "X=2"
	require.Equal(t, "X=1", base.Env[0])
}
