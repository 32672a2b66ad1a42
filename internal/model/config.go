// Package model holds the harmonizer configuration and its parsing.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/harmonizer/internal/service"
)

const (
	RuntimeDocker = "docker"
	RuntimeExec   = "exec"

	// EnvPrefix prefixes environment overrides, e.g. HARMONIZER_SERVER_ADDR.
	EnvPrefix = "HARMONIZER"
)

type Config struct {
	Verbose   bool      `mapstructure:"verbose" yaml:"verbose"`
	Server    Server    `mapstructure:"server" yaml:"server"`
	Storage   Storage   `mapstructure:"storage" yaml:"storage"`
	Worker    Worker    `mapstructure:"worker" yaml:"worker"`
	Retention Retention `mapstructure:"retention" yaml:"retention"`
}

type Server struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	PublicDir string `mapstructure:"public_dir" yaml:"public_dir"` // static files, disabled when empty
}

// Storage lists host paths. Relative paths are resolved against the working
// directory.
type Storage struct {
	UploadsDir  string `mapstructure:"uploads_dir" yaml:"uploads_dir"`
	OutputsDir  string `mapstructure:"outputs_dir" yaml:"outputs_dir"`
	ArchivesDir string `mapstructure:"archives_dir" yaml:"archives_dir"`
	Database    string `mapstructure:"database" yaml:"database"`
}

// Worker describes how a dataset worker is started.
type Worker struct {
	Runtime string            `mapstructure:"runtime" yaml:"runtime"` // "docker" | "exec"
	Image   string            `mapstructure:"image" yaml:"image"`     // docker runtime
	Command string            `mapstructure:"command" yaml:"command"` // exec runtime
	Args    []string          `mapstructure:"args" yaml:"args"`       // prepended to the dataset arguments
	Env     map[string]string `mapstructure:"env" yaml:"env"`
	// InputRoot and OutputRoot are the storage dirs as mounted inside the
	// container. The exec runtime always uses the host paths.
	InputRoot  string        `mapstructure:"input_root" yaml:"input_root"`
	OutputRoot string        `mapstructure:"output_root" yaml:"output_root"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Pull       bool          `mapstructure:"pull" yaml:"pull"`
}

// Retention removes finished jobs periodically. Disabled when Schedule is
// empty.
type Retention struct {
	Schedule string `mapstructure:"schedule" yaml:"schedule"` // cron expression
	MaxAge   string `mapstructure:"max_age" yaml:"max_age"`   // e.g. 7d, 12h, P7D
}

func Default() Config {
	return Config{
		Server: Server{
			Addr: ":3000",
		},
		Storage: Storage{
			UploadsDir:  "uploads",
			OutputsDir:  "outputs",
			ArchivesDir: "outputs",
			Database:    "harmonizer.db",
		},
		Worker: Worker{
			Runtime:    RuntimeDocker,
			Image:      "dataset-worker",
			Args:       []string{},
			Env:        map[string]string{},
			InputRoot:  "/uploads",
			OutputRoot: "/outputs",
		},
	}
}

// Load reads YAML configuration from r on top of the defaults and applies
// HARMONIZER_* environment overrides. A nil r yields the defaults with
// environment overrides only.
func Load(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults make every key known to viper, so env overrides apply to keys
	// absent from the file too
	var defaults bytes.Buffer
	if err := WriteDefault(&defaults); err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(&defaults); err != nil {
		return Config{}, fmt.Errorf("reading defaults: %w", err)
	}
	if r != nil {
		if err := v.MergeConfig(r); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteDefault stores the default configuration as YAML.
func WriteDefault(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	return enc.Close()
}

var ErrInvalidConfig = errors.New("invalid config")

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	for key, val := range map[string]string{
		"storage.uploads_dir":  c.Storage.UploadsDir,
		"storage.outputs_dir":  c.Storage.OutputsDir,
		"storage.archives_dir": c.Storage.ArchivesDir,
		"storage.database":     c.Storage.Database,
	} {
		if val == "" {
			errs = append(errs, fmt.Errorf("%s is empty", key))
		}
	}

	switch c.Worker.Runtime {
	case RuntimeDocker:
		if c.Worker.Image == "" {
			errs = append(errs, errors.New("worker.image is empty"))
		}
		if !filepath.IsAbs(c.Worker.InputRoot) || !filepath.IsAbs(c.Worker.OutputRoot) {
			errs = append(errs, errors.New("worker.input_root and worker.output_root must be absolute"))
		}
	case RuntimeExec:
		if c.Worker.Command == "" {
			errs = append(errs, errors.New("worker.command is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("worker.runtime %q: expected %s or %s", c.Worker.Runtime, RuntimeDocker, RuntimeExec))
	}
	if c.Worker.Timeout < 0 {
		errs = append(errs, errors.New("worker.timeout is negative"))
	}

	if c.Retention.Schedule != "" {
		if err := ParseCron(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("retention.schedule: %w", err))
		}
		if _, err := ParseDuration(c.Retention.MaxAge); err != nil {
			errs = append(errs, fmt.Errorf("retention.max_age: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Cmd returns the command every worker is started with, before the
// dataset arguments are appended.
func (w Worker) Cmd() service.Command {
	path := w.Image
	if w.Runtime == RuntimeExec {
		path = w.Command
	}

	keys := make([]string, 0, len(w.Env))
	for k := range w.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	env := make([]string, 0, len(w.Env))
	for _, k := range keys {
		v := w.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		// viper lowercases keys
		env = append(env, strings.ToUpper(k)+"="+v)
	}

	return service.Command{
		Path:    path,
		Args:    append([]string(nil), w.Args...),
		Env:     env,
		Timeout: w.Timeout,
	}
}

// Roots returns the dataset input root and the output root as seen by the
// worker.
func (c Config) Roots() (input, output string, err error) {
	if c.Worker.Runtime == RuntimeDocker {
		return c.Worker.InputRoot, c.Worker.OutputRoot, nil
	}
	input, err = filepath.Abs(c.Storage.UploadsDir)
	if err != nil {
		return "", "", err
	}
	output, err = filepath.Abs(c.Storage.OutputsDir)
	return input, output, err
}

// Binds returns the docker volume mappings of the storage dirs.
func (c Config) Binds() ([]string, error) {
	uploads, err := filepath.Abs(c.Storage.UploadsDir)
	if err != nil {
		return nil, err
	}
	outputs, err := filepath.Abs(c.Storage.OutputsDir)
	if err != nil {
		return nil, err
	}
	return []string{
		uploads + ":" + c.Worker.InputRoot,
		outputs + ":" + c.Worker.OutputRoot,
	}, nil
}
