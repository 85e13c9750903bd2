// Package workload defines soak test workloads, and runs them against a
// scheduler.
package workload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Workload is a set of timers and tasks, to be run concurrently.
	Workload struct {
		Name       string      `yaml:"name"`
		Timers     []Timer     `yaml:"timers"`
		TaskGroups []TaskGroup `yaml:"task_groups"`
	}

	// Timer is a periodic timer. Fires limits the number of times it fires,
	// zero meaning until the run ends.
	Timer struct {
		Name     string        `yaml:"name"`
		Interval time.Duration `yaml:"interval"`
		Fires    int           `yaml:"fires"`
	}

	// TaskGroup is a batch of tasks, each of which sleeps for Work. Tasks
	// with a tag run in order, one at a time.
	TaskGroup struct {
		Tag   string        `yaml:"tag"`
		Count int           `yaml:"count"`
		Work  time.Duration `yaml:"work"`
	}
)

var ErrInvalidWorkload = errors.New("workload: invalid workload")

// Load decodes and validates a YAML workload, rejecting unknown fields.
func Load(r io.Reader) (*Workload, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var w Workload
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidWorkload)
		}
		return nil, fmt.Errorf("workload: decode: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// LoadFile is [Load] for the file at path.
func LoadFile(path string) (*Workload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Validate checks that the workload is runnable.
func (w *Workload) Validate() error {
	if len(w.Timers) == 0 && len(w.TaskGroups) == 0 {
		return fmt.Errorf("%w: no timers or task groups", ErrInvalidWorkload)
	}
	names := make(map[string]struct{}, len(w.Timers))
	for i, t := range w.Timers {
		if t.Name == `` {
			return fmt.Errorf("%w: timer %d: missing name", ErrInvalidWorkload, i)
		}
		if _, ok := names[t.Name]; ok {
			return fmt.Errorf("%w: timer %q: duplicate name", ErrInvalidWorkload, t.Name)
		}
		names[t.Name] = struct{}{}
		if t.Interval <= 0 {
			return fmt.Errorf("%w: timer %q: interval must be positive", ErrInvalidWorkload, t.Name)
		}
		if t.Fires < 0 {
			return fmt.Errorf("%w: timer %q: negative fires", ErrInvalidWorkload, t.Name)
		}
	}
	for i, g := range w.TaskGroups {
		if g.Count <= 0 {
			return fmt.Errorf("%w: task group %d: count must be positive", ErrInvalidWorkload, i)
		}
		if g.Work < 0 {
			return fmt.Errorf("%w: task group %d: negative work", ErrInvalidWorkload, i)
		}
	}
	return nil
}

// bounded reports whether every timer has a fire limit.
func (w *Workload) bounded() bool {
	for _, t := range w.Timers {
		if t.Fires == 0 {
			return false
		}
	}
	return true
}
