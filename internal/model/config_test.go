package model_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/harmonizer/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := model.Load(nil)
	require.NoError(t, err)

	def := model.Default()
	require.Equal(t, def.Server, cfg.Server)
	require.Equal(t, def.Storage, cfg.Storage)
	require.Equal(t, def.Retention, cfg.Retention)
	require.Equal(t, def.Worker.Runtime, cfg.Worker.Runtime)
	require.Equal(t, def.Worker.Image, cfg.Worker.Image)
	require.Empty(t, cfg.Worker.Args)
	require.Empty(t, cfg.Worker.Env)
}

func TestLoad(t *testing.T) {
	yml := `
verbose: true
server:
  addr: "127.0.0.1:8080"
worker:
  runtime: exec
  command: /usr/local/bin/harmonize
  args:
    - --quiet
  env:
    HOME: $HOME
    GODEBUG: "madvdontneed=1"
  timeout: "15m"
retention:
  schedule: "@daily"
  max_age: 7d
`
	// can't be parallel as it touches the environment
	t.Setenv("HARMONIZER_STORAGE_UPLOADS_DIR", "/srv/uploads")
	t.Setenv("HOME", "/home/worker")

	cfg, err := model.Load(strings.NewReader(yml))
	require.NoError(t, err)

	require.True(t, cfg.Verbose)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.Equal(t, "/srv/uploads", cfg.Storage.UploadsDir)
	require.Equal(t, "outputs", cfg.Storage.OutputsDir)
	require.Equal(t, 15*time.Minute, cfg.Worker.Timeout)

	cmd := cfg.Worker.Cmd()
	require.Equal(t, "/usr/local/bin/harmonize", cmd.Path)
	require.Equal(t, []string{"--quiet"}, cmd.Args)
	require.Equal(t, []string{"GODEBUG=madvdontneed=1", "HOME=/home/worker"}, cmd.Env)
	require.Equal(t, 15*time.Minute, cmd.Timeout)

	in, out, err := cfg.Roots()
	require.NoError(t, err)
	require.Equal(t, "/srv/uploads", in)
	require.True(t, strings.HasSuffix(out, "/outputs"))
}

func TestLoadInvalid(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"runtime", "worker: {runtime: podman}", `worker.runtime "podman"`},
		{"exec command", "worker: {runtime: exec}", "worker.command is empty"},
		{"relative root", "worker: {input_root: uploads}", "must be absolute"},
		{"schedule", "retention: {schedule: '* * 32 * *', max_age: 1d}", "retention.schedule"},
		{"max age", "retention: {schedule: '@daily', max_age: soon}", "retention.max_age"},
		{"yaml", "server: [", "parsing config"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.Load(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, model.WriteDefault(&buf))
	require.Contains(t, buf.String(), `addr: :3000`)
	require.Contains(t, buf.String(), "image: dataset-worker")
}

func TestBinds(t *testing.T) {
	t.Parallel()
	cfg := model.Default()
	cfg.Storage.UploadsDir = "/data/up"
	cfg.Storage.OutputsDir = "/data/out"
	binds, err := cfg.Binds()
	require.NoError(t, err)
	require.Equal(t, []string{"/data/up:/uploads", "/data/out:/outputs"}, binds)

	in, out, err := cfg.Roots()
	require.NoError(t, err)
	require.Equal(t, "/uploads", in)
	require.Equal(t, "/outputs", out)

	require.Equal(t, "dataset-worker", cfg.Worker.Cmd().Path)
}
