// Package runtimectx provides the process-wide scheduling facade: periodic
// timers, run on a lazily started [eventloop.Loop], and background tasks, run
// on a lazily started [taskpool.Pool]. It also holds a small amount of
// shared process state, such as the communicator and security adapters.
//
// Most callers should use the singleton returned by [Instance]. [New] builds
// independent instances, e.g. for tests.
package runtimectx

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-dbruntime/eventloop"
	"github.com/joeycumines/go-dbruntime/taskpool"
	"github.com/joeycumines/logiface"
)

type (
	// Context is the scheduling facade. Instances must be initialized using
	// [New], or obtained using [Instance].
	Context struct {
		_ [0]func()

		logger     *logiface.Logger[logiface.Event]
		loopOpts   []eventloop.LoopOption
		poolOpts   []taskpool.Option
		maxTimerID TimerID

		closed atomic.Bool

		loopMu sync.Mutex
		loop   *eventloop.Loop

		timerMu     sync.Mutex
		timers      map[TimerID]*eventloop.Event
		lastTimerID TimerID

		poolMu sync.Mutex
		pool   *taskpool.Pool

		shared sharedState
	}

	// Stats is a point-in-time snapshot of a [Context].
	Stats struct {
		Timers int
		Loop   eventloop.Stats
		Pool   taskpool.Stats
	}
)

var (
	// ErrInvalidArgs is returned for malformed input.
	ErrInvalidArgs = errors.New("runtimectx: invalid arguments")

	// ErrNoSuchEntry is returned for unknown timer IDs.
	ErrNoSuchEntry = errors.New("runtimectx: no such entry")

	// ErrOutOfTimerIDs is returned when every timer ID is in use.
	ErrOutOfTimerIDs = errors.New("runtimectx: out of timer ids")

	// ErrNotInit is returned by accessors for state that hasn't been set.
	ErrNotInit = errors.New("runtimectx: not initialized")

	// ErrNotSupported is returned when no adapter is available for an
	// operation.
	ErrNotSupported = errors.New("runtimectx: not supported")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("runtimectx: context closed")
)

var (
	instance     *Context
	instanceOnce sync.Once
)

// Instance returns the process-wide context, creating it on first use. It
// is never torn down implicitly.
func Instance() *Context {
	instanceOnce.Do(func() {
		var err error
		if instance, err = New(); err != nil {
			panic(err)
		}
	})
	return instance
}

// New initializes a new, independent context.
func New(opts ...Option) (*Context, error) {
	x := Context{
		maxTimerID: maxTimerID,
		timers:     make(map[TimerID]*eventloop.Event),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&x); err != nil {
			return nil, err
		}
	}
	return &x, nil
}

// Close removes every timer, stops the task pool (waiting for queued
// tasks), then kills the loop, waiting for it to exit. Further calls to
// SetTimer and ScheduleTask fail with [ErrClosed].
//
// This method is unsafe to call from within a task, or a timer action.
func (x *Context) Close() error {
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}

	x.timerMu.Lock()
	timers := x.timers
	x.timers = make(map[TimerID]*eventloop.Event)
	x.timerMu.Unlock()

	for _, event := range timers {
		_ = event.Detach(false)
		event.Release()
	}

	x.poolMu.Lock()
	pool := x.pool
	x.pool = nil
	x.poolMu.Unlock()

	if pool != nil {
		pool.Stop()
	}

	x.loopMu.Lock()
	loop := x.loop
	x.loop = nil
	x.loopMu.Unlock()

	if loop != nil {
		loop.Kill()
		<-loop.Done()
		loop.Release()
	}

	x.logger.Debug().
		Int(`timers`, len(timers)).
		Log(`runtimectx: closed`)

	return nil
}

// Stats returns a snapshot of the context.
func (x *Context) Stats() (stats Stats) {
	x.timerMu.Lock()
	stats.Timers = len(x.timers)
	x.timerMu.Unlock()

	x.loopMu.Lock()
	if x.loop != nil {
		stats.Loop = x.loop.Stats()
	}
	x.loopMu.Unlock()

	x.poolMu.Lock()
	if x.pool != nil {
		stats.Pool = x.pool.Stats()
	}
	x.poolMu.Unlock()

	return stats
}

// mainLoop returns the loop, starting it on first use. The loop goroutine
// holds its own reference, released once Run returns.
func (x *Context) mainLoop() (*eventloop.Loop, error) {
	x.loopMu.Lock()
	defer x.loopMu.Unlock()

	if x.closed.Load() {
		return nil, ErrClosed
	}
	if x.loop != nil {
		return x.loop, nil
	}

	loop, err := eventloop.New(append([]eventloop.LoopOption{eventloop.WithLogger(x.logger)}, x.loopOpts...)...)
	if err != nil {
		return nil, err
	}

	loop.IncRef()
	go func() {
		defer loop.Release()
		if err := loop.Run(); err != nil {
			x.logger.Err().
				Err(err).
				Log(`runtimectx: main loop failed`)
		}
	}()

	x.loop = loop

	return loop, nil
}

// taskPool returns the pool, starting it on first use.
func (x *Context) taskPool() (*taskpool.Pool, error) {
	x.poolMu.Lock()
	defer x.poolMu.Unlock()

	if x.closed.Load() {
		return nil, ErrClosed
	}
	if x.pool != nil {
		return x.pool, nil
	}

	pool, err := taskpool.New(append([]taskpool.Option{taskpool.WithLogger(x.logger)}, x.poolOpts...)...)
	if err != nil {
		return nil, err
	}
	if err := pool.Start(); err != nil {
		return nil, err
	}

	x.pool = pool

	return pool, nil
}
