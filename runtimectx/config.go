package runtimectx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-dbruntime/eventloop"
	"github.com/joeycumines/go-dbruntime/taskpool"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the file form of the [Context] options. Zero values keep the
	// defaults.
	Config struct {
		// Backend is one of auto, epoll, or timer.
		Backend      string         `yaml:"backend"`
		TaskPool     TaskPoolConfig `yaml:"task_pool"`
		MaxTimerID   uint64         `yaml:"max_timer_id"`
		ProcessLabel string         `yaml:"process_label"`
	}

	TaskPoolConfig struct {
		MinWorkers  *int          `yaml:"min_workers"`
		MaxWorkers  int           `yaml:"max_workers"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
	}
)

// LoadConfig decodes a YAML config, rejecting unknown fields.
func LoadConfig(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("runtimectx: decode config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFile is [LoadConfig] for the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadConfig(f)
}

// Options converts the config into options for [New].
func (c *Config) Options() ([]Option, error) {
	var opts []Option

	switch c.Backend {
	case ``, eventloop.BackendAuto.String():
	case eventloop.BackendEpoll.String():
		opts = append(opts, WithLoopOptions(eventloop.WithBackend(eventloop.BackendEpoll)))
	case eventloop.BackendTimer.String():
		opts = append(opts, WithLoopOptions(eventloop.WithBackend(eventloop.BackendTimer)))
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidArgs, c.Backend)
	}

	var poolOpts []taskpool.Option
	if c.TaskPool.MinWorkers != nil {
		poolOpts = append(poolOpts, taskpool.WithMinWorkers(*c.TaskPool.MinWorkers))
	}
	if c.TaskPool.MaxWorkers != 0 {
		poolOpts = append(poolOpts, taskpool.WithMaxWorkers(c.TaskPool.MaxWorkers))
	}
	if c.TaskPool.IdleTimeout != 0 {
		poolOpts = append(poolOpts, taskpool.WithIdleTimeout(c.TaskPool.IdleTimeout))
	}
	if len(poolOpts) != 0 {
		opts = append(opts, WithTaskPoolOptions(poolOpts...))
	}

	if c.MaxTimerID != 0 {
		opts = append(opts, WithMaxTimerID(TimerID(c.MaxTimerID)))
	}

	if c.ProcessLabel != `` {
		opts = append(opts, WithProcessLabel(c.ProcessLabel))
	}

	return opts, nil
}
