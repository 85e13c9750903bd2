package taskpool

import (
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
)

type (
	// Option configures a [Pool], see [New].
	Option func(*options) error

	options struct {
		logger      *logiface.Logger[logiface.Event]
		minWorkers  int
		maxWorkers  int
		idleTimeout time.Duration
	}
)

// WithMinWorkers sets the number of workers kept alive while idle.
// Defaults to 1.
func WithMinWorkers(n int) Option {
	return func(o *options) error {
		o.minWorkers = n
		return nil
	}
}

// WithMaxWorkers sets the maximum number of concurrent tasks. Defaults to
// 10.
func WithMaxWorkers(n int) Option {
	return func(o *options) error {
		o.maxWorkers = n
		return nil
	}
}

// WithIdleTimeout sets how long workers above the minimum may idle before
// exiting. Defaults to 5s.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("%w: idle timeout %s", ErrInvalidArgs, d)
		}
		o.idleTimeout = d
		return nil
	}
}

// WithLogger configures logging of lifecycle events and task panics.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}
