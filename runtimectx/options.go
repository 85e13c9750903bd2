package runtimectx

import (
	"fmt"

	"github.com/joeycumines/go-dbruntime/eventloop"
	"github.com/joeycumines/go-dbruntime/taskpool"
	"github.com/joeycumines/logiface"
)

// Option configures a [Context], see [New].
type Option func(*Context) error

// WithLogger sets the logger, which is also passed to the loop and the task
// pool.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(x *Context) error {
		x.logger = logger
		return nil
	}
}

// WithLoopOptions appends options used to create the main loop.
func WithLoopOptions(opts ...eventloop.LoopOption) Option {
	return func(x *Context) error {
		x.loopOpts = append(x.loopOpts, opts...)
		return nil
	}
}

// WithTaskPoolOptions appends options used to create the task pool.
func WithTaskPoolOptions(opts ...taskpool.Option) Option {
	return func(x *Context) error {
		x.poolOpts = append(x.poolOpts, opts...)
		return nil
	}
}

// WithMaxTimerID limits the timer ID space to [1, max]. Defaults to the
// full range of [TimerID].
func WithMaxTimerID(max TimerID) Option {
	return func(x *Context) error {
		if max == 0 {
			return fmt.Errorf("%w: max timer id must be positive", ErrInvalidArgs)
		}
		x.maxTimerID = max
		return nil
	}
}

// WithProcessLabel sets the initial process label.
func WithProcessLabel(label string) Option {
	return func(x *Context) error {
		x.shared.processLabel = label
		return nil
	}
}
