package runtimectx

import (
	"fmt"
	"math"
	"time"

	"github.com/joeycumines/go-dbruntime/eventloop"
)

type (
	// TimerID identifies a timer. Zero is never a valid ID.
	TimerID uint64

	// TimerAction is called every interval, on the loop goroutine. Returning
	// a non-nil error removes the timer.
	TimerAction func(id TimerID) error

	// TimerFinalizer is called once the timer has been removed, and is no
	// longer referenced.
	TimerFinalizer func()
)

const maxTimerID = TimerID(math.MaxUint64)

// SetTimer starts a periodic timer, returning its ID. The timer fires every
// interval, until removed using [Context.RemoveTimer], or its action fails.
// On failure, no timer exists, and the returned ID is zero.
func (x *Context) SetTimer(interval time.Duration, action TimerAction, finalizer TimerFinalizer) (TimerID, error) {
	if interval < 0 {
		return 0, fmt.Errorf("%w: negative interval %s", ErrInvalidArgs, interval)
	}
	if action == nil {
		return 0, fmt.Errorf("%w: nil action", ErrInvalidArgs)
	}

	loop, err := x.mainLoop()
	if err != nil {
		return 0, err
	}

	event, err := eventloop.NewTimerEvent(interval)
	if err != nil {
		return 0, err
	}

	// held until return, guarding against a concurrent RemoveTimer
	event.IncRef()
	defer event.Release()

	x.timerMu.Lock()
	if x.closed.Load() {
		x.timerMu.Unlock()
		event.IgnoreFinalizer()
		event.Release()
		return 0, ErrClosed
	}
	id, err := x.allocTimerIDLocked()
	if err != nil {
		x.timerMu.Unlock()
		event.IgnoreFinalizer()
		event.Release()
		return 0, err
	}
	// the map owns the initial reference
	x.timers[id] = event
	x.timerMu.Unlock()

	var eventFinalizer eventloop.EventFinalizer
	if finalizer != nil {
		eventFinalizer = eventloop.EventFinalizer(finalizer)
	}
	if err := event.SetAction(func(eventloop.EventsMask) error {
		// panics also release the id
		stopped := true
		defer func() {
			if stopped {
				x.removeTimer(id, event, false)
			}
		}()
		if err := action(id); err != nil {
			x.logger.Debug().
				Err(err).
				Uint64(`timer`, uint64(id)).
				Log(`runtimectx: timer stopped by action`)
			return eventloop.ErrStopEvent
		}
		stopped = false
		return nil
	}, eventFinalizer); err != nil {
		x.abandonTimer(id, event)
		return 0, err
	}

	if err := loop.Add(event); err != nil {
		x.abandonTimer(id, event)
		return 0, err
	}

	return id, nil
}

// ModifyTimer changes the interval of a timer, restarting its period.
func (x *Context) ModifyTimer(id TimerID, interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("%w: negative interval %s", ErrInvalidArgs, interval)
	}

	x.timerMu.Lock()
	event := x.timers[id]
	if event == nil {
		x.timerMu.Unlock()
		return ErrNoSuchEntry
	}
	event.IncRef()
	x.timerMu.Unlock()
	defer event.Release()

	return event.SetTimeout(interval)
}

// RemoveTimer removes a timer. The ID is released immediately. If wait is
// true, RemoveTimer blocks until the loop has processed the removal, unless
// called from a timer action. Unknown IDs are ignored.
func (x *Context) RemoveTimer(id TimerID, wait bool) {
	x.removeTimer(id, nil, wait)
}

// removeTimer removes the mapping for id, if it exists, and (if event is
// non-nil) refers to event.
func (x *Context) removeTimer(id TimerID, event *eventloop.Event, wait bool) {
	x.timerMu.Lock()
	current := x.timers[id]
	if current == nil || (event != nil && current != event) {
		x.timerMu.Unlock()
		return
	}
	delete(x.timers, id)
	x.timerMu.Unlock()

	if err := current.Detach(wait); err != nil {
		x.logger.Debug().
			Err(err).
			Uint64(`timer`, uint64(id)).
			Log(`runtimectx: timer detach failed`)
	}

	current.Release()
}

// abandonTimer cleans up after a failed SetTimer, without calling the
// finalizer.
func (x *Context) abandonTimer(id TimerID, event *eventloop.Event) {
	event.IgnoreFinalizer()
	event.Kill()

	x.timerMu.Lock()
	owned := x.timers[id] == event
	if owned {
		delete(x.timers, id)
	}
	x.timerMu.Unlock()

	if owned {
		event.Release()
	}
}

// allocTimerIDLocked probes linearly from the last allocated ID, skipping
// zero.
func (x *Context) allocTimerIDLocked() (TimerID, error) {
	if uint64(len(x.timers)) >= uint64(x.maxTimerID) {
		return 0, ErrOutOfTimerIDs
	}
	id := x.lastTimerID
	for {
		id++
		if id == 0 || id > x.maxTimerID {
			id = 1
		}
		if _, ok := x.timers[id]; !ok {
			x.lastTimerID = id
			return id, nil
		}
	}
}
