// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package eventloop

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testBackends = [...]BackendKind{BackendAuto, BackendTimer}

// startLoop runs a new loop, which is killed and released on test cleanup.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run() }()
	t.Cleanup(func() {
		loop.Kill()
		select {
		case err := <-runErr:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error(`loop did not stop`)
		}
		loop.Release()
	})
	waitFor(t, func() bool { return loop.State() == StateRunning })
	return loop
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func forEachBackend(t *testing.T, fn func(t *testing.T, kind BackendKind)) {
	for _, kind := range testBackends {
		t.Run(kind.String(), func(t *testing.T) { fn(t, kind) })
	}
}

func newCountingTimer(t *testing.T, timeout time.Duration, count *atomic.Int32, result error, finalized *atomic.Int32) *Event {
	t.Helper()
	e, err := NewTimerEvent(timeout)
	require.NoError(t, err)
	var finalizer EventFinalizer
	if finalized != nil {
		finalizer = func() { finalized.Add(1) }
	}
	require.NoError(t, e.SetAction(func(revents EventsMask) error {
		if revents != EventTimeout {
			t.Errorf(`unexpected revents: %s`, revents)
		}
		count.Add(1)
		return result
	}, finalizer))
	return e
}

func TestNew_invalidBackend(t *testing.T) {
	_, err := New(WithBackend(BackendKind(99)))
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestLoop_periodicTimer(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))

		var count atomic.Int32
		e := newCountingTimer(t, 10*time.Millisecond, &count, nil, nil)
		require.NoError(t, loop.Add(e))
		e.Release()

		time.Sleep(100 * time.Millisecond)
		assert.Positive(t, count.Load())

		waitFor(t, func() bool { return count.Load() >= 5 })

		stats := loop.Stats()
		assert.Positive(t, stats.Dispatches)
		assert.Positive(t, stats.Polls)
		assert.Equal(t, int64(1), stats.Members)
	})
}

func TestLoop_timerStopsOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))

		var count, finalized atomic.Int32
		e := newCountingTimer(t, 10*time.Millisecond, &count, errors.New(`stale`), &finalized)
		require.NoError(t, loop.Add(e))
		e.Release()

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(1), count.Load())
		assert.Equal(t, int32(1), finalized.Load())
		assert.Zero(t, loop.Stats().Members)
		assert.Equal(t, uint64(1), loop.Stats().Removals)
	})
}

func TestLoop_stopEvent(t *testing.T) {
	loop := startLoop(t)

	var count, finalized atomic.Int32
	e := newCountingTimer(t, 0, &count, ErrStopEvent, &finalized)
	require.NoError(t, loop.Add(e))

	waitFor(t, func() bool { return loop.Stats().Members == 0 && loop.Stats().Removals == 1 })
	assert.True(t, e.attachedTo(nil))
	assert.Zero(t, finalized.Load())

	e.Release()
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, int32(1), finalized.Load())
}

func TestLoop_actionPanic(t *testing.T) {
	loop := startLoop(t)

	var finalized atomic.Int32
	e, err := NewTimerEvent(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error {
		panic(`some panic`)
	}, func() { finalized.Add(1) }))
	require.NoError(t, loop.Add(e))
	e.Release()

	waitFor(t, func() bool { return finalized.Load() == 1 })
	assert.Zero(t, loop.Stats().Members)
	assert.Equal(t, uint64(1), loop.Stats().Dispatches)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *lockedBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *lockedBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func TestLoop_finalizerPanic(t *testing.T) {
	var buf lockedBuffer
	loop := startLoop(t, WithLogger(stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&buf))).Logger()))

	e, err := NewTimerEvent(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error { return ErrStopEvent }, func() {
		panic(`finalizer boom`)
	}))
	require.NoError(t, loop.Add(e))
	// the loop holds the last reference
	e.Release()

	waitFor(t, func() bool { return strings.Contains(buf.String(), `eventloop: finalizer panicked`) })
	assert.Contains(t, buf.String(), `finalizer boom`)

	var count atomic.Int32
	next := newCountingTimer(t, time.Millisecond, &count, ErrStopEvent, nil)
	defer next.Release()
	require.NoError(t, loop.Add(next))
	waitFor(t, func() bool { return count.Load() == 1 })
	assert.Equal(t, StateRunning, loop.State())
}

func TestLoop_attachUniqueness(t *testing.T) {
	l1 := startLoop(t)
	l2 := startLoop(t)

	e, err := NewTimerEvent(time.Hour)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error { return nil }, nil))
	defer e.Release()

	require.NoError(t, l1.Add(e))
	assert.ErrorIs(t, l2.Add(e), ErrInvalidArgs)
	assert.ErrorIs(t, l1.Add(e), ErrInvalidArgs)
	assert.ErrorIs(t, l2.Remove(e), ErrUnexpectedData)

	require.NoError(t, e.Detach(true))
	require.NoError(t, l2.Add(e))
	assert.ErrorIs(t, l1.Add(e), ErrInvalidArgs)
	require.NoError(t, e.Detach(true))
}

func TestLoop_addInvalid(t *testing.T) {
	loop := startLoop(t, WithBackend(BackendTimer))

	assert.ErrorIs(t, loop.Add(nil), ErrInvalidArgs)
	assert.ErrorIs(t, loop.Remove(nil), ErrInvalidArgs)

	e, err := NewEvent(0, EventRead, -1)
	require.NoError(t, err)
	defer e.Release()
	assert.ErrorIs(t, loop.Add(e), ErrInvalidArgs)
	assert.True(t, e.attachedTo(nil))

	killed, err := NewTimerEvent(time.Second)
	require.NoError(t, err)
	defer killed.Release()
	killed.Kill()
	assert.ErrorIs(t, loop.Add(killed), ErrObjectKilled)

	unattached, err := NewTimerEvent(time.Second)
	require.NoError(t, err)
	defer unattached.Release()
	assert.ErrorIs(t, loop.Remove(unattached), ErrUnexpectedData)
}

func TestLoop_detachWaits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))

		var count, finalized atomic.Int32
		e := newCountingTimer(t, time.Millisecond, &count, nil, &finalized)
		require.NoError(t, loop.Add(e))
		waitFor(t, func() bool { return count.Load() > 0 })

		require.NoError(t, e.Detach(true))

		// observable only once the loop has applied the removal
		assert.True(t, e.attachedTo(nil))
		assert.Zero(t, loop.Stats().Members)
		assert.Equal(t, uint64(1), loop.Stats().Removals)

		n := count.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, n, count.Load())

		assert.Zero(t, finalized.Load())
		e.Release()
		assert.Equal(t, int32(1), finalized.Load())
	})
}

func TestLoop_detachFromAction(t *testing.T) {
	loop := startLoop(t)

	var count atomic.Int32
	e, err := NewTimerEvent(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error {
		count.Add(1)
		// on the loop goroutine, so this must not block
		return e.Detach(true)
	}, nil))
	require.NoError(t, loop.Add(e))
	defer e.Release()

	waitFor(t, func() bool { return e.attachedTo(nil) })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestLoop_removeOtherFromAction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))

		for range 20 {
			var counts [2]atomic.Int32
			var events [2]*Event
			for i := range events {
				e, err := NewTimerEvent(0)
				require.NoError(t, err)
				events[i] = e
			}
			for i, e := range events {
				other := events[1-i]
				require.NoError(t, e.SetAction(func(EventsMask) error {
					counts[i].Add(1)
					if other.attachedTo(loop) {
						if err := loop.Remove(other); err != nil {
							return err
						}
					}
					return ErrStopEvent
				}, nil))
			}

			// both join the polling set together, so are due in the same dispatch
			setup, err := NewTimerEvent(0)
			require.NoError(t, err)
			require.NoError(t, setup.SetAction(func(EventsMask) error {
				for _, e := range events {
					if err := loop.Add(e); err != nil {
						return err
					}
				}
				return ErrStopEvent
			}, nil))
			require.NoError(t, loop.Add(setup))
			setup.Release()

			waitFor(t, func() bool { return counts[0].Load()+counts[1].Load() != 0 })
			waitFor(t, func() bool { return loop.Stats().Members == 0 })
			time.Sleep(time.Millisecond)
			assert.Equal(t, int32(1), counts[0].Load()+counts[1].Load())
			for _, e := range events {
				assert.True(t, e.attachedTo(nil))
				e.Release()
			}
		}
	})
}

func TestLoop_addFromAction(t *testing.T) {
	loop := startLoop(t)

	var inner atomic.Int32
	innerEvent := newCountingTimer(t, time.Millisecond, &inner, ErrStopEvent, nil)
	defer innerEvent.Release()

	outer, err := NewTimerEvent(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, outer.SetAction(func(EventsMask) error {
		if err := loop.Add(innerEvent); err != nil {
			return err
		}
		return ErrStopEvent
	}, nil))
	require.NoError(t, loop.Add(outer))
	outer.Release()

	waitFor(t, func() bool { return inner.Load() == 1 })
	waitFor(t, func() bool { return loop.Stats().Members == 0 })
}

func TestLoop_setTimeoutAttached(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))

		var count atomic.Int32
		e := newCountingTimer(t, time.Hour, &count, nil, nil)
		defer e.Release()
		require.NoError(t, loop.Add(e))

		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, count.Load())

		require.NoError(t, e.SetTimeout(5*time.Millisecond))
		waitFor(t, func() bool { return count.Load() >= 2 })
		assert.Equal(t, 5*time.Millisecond, e.Timeout())

		assert.ErrorIs(t, e.RemoveEvents(EventTimeout), ErrInvalidArgs)
		require.NoError(t, e.Detach(true))
	})
}

// A loop with nothing to do sleeps indefinitely, so this relies on Add
// waking it.
func TestLoop_crossGoroutineAdd(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop := startLoop(t, WithBackend(kind))
		time.Sleep(20 * time.Millisecond)

		const n = 16
		fired := make(chan struct{}, n)
		var g errgroup.Group
		for range n {
			g.Go(func() error {
				e, err := NewTimerEvent(0)
				if err != nil {
					return err
				}
				defer e.Release()
				if err := e.SetAction(func(EventsMask) error {
					fired <- struct{}{}
					return ErrStopEvent
				}, nil); err != nil {
					return err
				}
				return loop.Add(e)
			})
		}
		require.NoError(t, g.Wait())

		for range n {
			select {
			case <-fired:
			case <-time.After(5 * time.Second):
				t.Fatal(`event not dispatched`)
			}
		}
		waitFor(t, func() bool { return loop.Stats().Members == 0 })
	})
}

func TestLoop_runTwice(t *testing.T) {
	loop := startLoop(t)
	assert.ErrorIs(t, loop.Run(), ErrLoopBusy)

	reentrant := make(chan error, 1)
	e, err := NewTimerEvent(0)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error {
		reentrant <- loop.Run()
		return ErrStopEvent
	}, nil))
	require.NoError(t, loop.Add(e))
	e.Release()

	select {
	case err := <-reentrant:
		assert.ErrorIs(t, err, ErrLoopBusy)
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out`)
	}
}

func TestLoop_killBeforeRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Release()

	var count, finalized atomic.Int32
	e := newCountingTimer(t, 0, &count, nil, &finalized)
	require.NoError(t, loop.Add(e))
	e.Release()
	assert.Zero(t, finalized.Load())

	loop.Kill()
	loop.Kill()

	select {
	case <-loop.Done():
	default:
		t.Fatal(`expected done`)
	}
	assert.Equal(t, StateTerminated, loop.State())
	assert.True(t, loop.IsKilled())
	assert.Equal(t, int32(1), finalized.Load())
	assert.Zero(t, count.Load())

	assert.ErrorIs(t, loop.Run(), ErrObjectKilled)

	e2, err := NewTimerEvent(0)
	require.NoError(t, err)
	defer e2.Release()
	assert.ErrorIs(t, loop.Add(e2), ErrObjectKilled)
}

func TestLoop_releaseNeverRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var count, finalized atomic.Int32
	e := newCountingTimer(t, 0, &count, nil, &finalized)
	require.NoError(t, loop.Add(e))
	e.Release()

	loop.Release()
	assert.Equal(t, StateTerminated, loop.State())
	assert.Equal(t, int32(1), finalized.Load())
}

func TestLoop_killReleasesMembers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		loop, err := New(WithBackend(kind))
		require.NoError(t, err)
		defer loop.Release()

		runErr := make(chan error, 1)
		go func() { runErr <- loop.Run() }()

		const n = 8
		var count, finalized atomic.Int32
		events := make([]*Event, n)
		for i := range events {
			events[i] = newCountingTimer(t, time.Millisecond, &count, nil, &finalized)
			require.NoError(t, loop.Add(events[i]))
		}
		waitFor(t, func() bool { return count.Load() >= n })

		loop.Kill()
		select {
		case err := <-runErr:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal(`loop did not stop`)
		}
		<-loop.Done()

		assert.Zero(t, loop.Stats().Members)
		for _, e := range events {
			assert.True(t, e.IsKilled())
			assert.True(t, e.attachedTo(nil))
			assert.NoError(t, e.Detach(true))
		}
		assert.Zero(t, finalized.Load())

		for _, e := range events {
			e.Release()
		}
		assert.Equal(t, int32(n), finalized.Load())
	})
}

func TestLoop_killFromAction(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Release()

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run() }()

	e, err := NewTimerEvent(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, e.SetAction(func(EventsMask) error {
		loop.Kill()
		return nil
	}, nil))
	require.NoError(t, loop.Add(e))
	e.Release()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(`loop did not stop`)
	}
	assert.Equal(t, StateTerminated, loop.State())
}
