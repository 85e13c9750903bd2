package eventloop

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-dbruntime/refobj"
	"github.com/joeycumines/logiface"
)

type (
	// EventAction is called by the loop goroutine when the event is ready,
	// with the observed conditions. Returning a non-nil error stops the
	// event, removing it from its loop. See also [ErrStopEvent].
	EventAction func(revents EventsMask) error

	// EventFinalizer is called exactly once, when the last reference to the
	// event is released, unless [Event.IgnoreFinalizer] was called.
	EventFinalizer func()

	// Event is a single schedulable unit, either a file descriptor watch, or
	// a pure (periodic) timer. Events must be created using [NewEvent] or
	// [NewTimerEvent], and are reference counted, starting with one reference
	// owned by the caller, which must eventually be released via
	// [Event.Release].
	//
	// An event may be attached to at most one [Loop] at a time. While
	// attached, mutations are routed to the loop, and applied by the loop
	// goroutine.
	Event struct {
		_ [0]func()

		obj refobj.Object

		mu       sync.Mutex
		detached sync.Cond // signalled (on mu) whenever loop is cleared

		// loop is a non-owning back-reference, used only to route requests
		loop *Loop

		// logger of the last loop the event was attached to
		logger *logiface.Logger[logiface.Event]

		action    EventAction
		finalizer EventFinalizer
		start     time.Time
		timeout   time.Duration
		fd        int
		events    EventsMask
		revents   EventsMask

		ignoreFinalizer bool
	}
)

// NewTimerEvent creates a pure timer event, which fires every timeout.
func NewTimerEvent(timeout time.Duration) (*Event, error) {
	if timeout < 0 {
		return nil, invalidArgs("negative timeout %s", timeout)
	}
	return newEvent(InvalidFD, EventTimeout, timeout), nil
}

// NewEvent creates an event watching fd for the given events. If events
// includes [EventTimeout], the event also fires every timeout. A negative
// fd is only valid for pure timers.
func NewEvent(fd int, events EventsMask, timeout time.Duration) (*Event, error) {
	if !events.valid() {
		return nil, invalidArgs("events mask %s", events)
	}
	if events&EventTimeout != 0 && timeout < 0 {
		return nil, invalidArgs("negative timeout %s", timeout)
	}
	if fd < 0 {
		if events&EventGeneric != 0 {
			return nil, invalidArgs("events %s require a valid fd", events)
		}
		fd = InvalidFD
	}
	if timeout < 0 {
		timeout = MaxTimeout
	}
	return newEvent(fd, events, timeout), nil
}

func newEvent(fd int, events EventsMask, timeout time.Duration) *Event {
	e := &Event{
		fd:      fd,
		events:  events,
		timeout: timeout,
		start:   time.Now(),
	}
	e.detached.L = &e.mu
	e.obj.Init(refobj.Hooks{OnLastRef: e.onLastRef})
	return e
}

// SetAction registers the action and optional finalizer. It may only be
// called once per event.
func (e *Event) SetAction(action EventAction, finalizer EventFinalizer) error {
	if action == nil {
		return invalidArgs("nil action")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.obj.IsKilled() {
		return ErrObjectKilled
	}
	if e.action != nil {
		return invalidArgs("action already set")
	}
	e.action = action
	e.finalizer = finalizer
	return nil
}

// AddEvents adds to the events of interest.
func (e *Event) AddEvents(events EventsMask) error {
	return e.modifyEvents(events, true)
}

// RemoveEvents removes from the events of interest.
func (e *Event) RemoveEvents(events EventsMask) error {
	return e.modifyEvents(events, false)
}

func (e *Event) modifyEvents(events EventsMask, add bool) error {
	if !events.valid() {
		return invalidArgs("events mask %s", events)
	}
	if !e.fdValid() {
		if events&EventGeneric != 0 {
			return invalidArgs("events %s on a timer", events)
		}
		if !add {
			return invalidArgs("timers must keep %s", EventTimeout)
		}
	}

	e.mu.Lock()
	loop := e.loop
	if loop == nil {
		if add {
			e.events |= events
		} else {
			e.events &^= events
		}
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	kind := requestRemoveEvents
	if add {
		kind = requestAddEvents
	}
	return loop.sendRequest(&request{kind: kind, event: e, events: events})
}

// SetTimeout changes the timeout, restarting the elapsed time.
func (e *Event) SetTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return invalidArgs("negative timeout %s", timeout)
	}

	e.mu.Lock()
	loop := e.loop
	if loop == nil {
		e.timeout = timeout
		e.start = time.Now()
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	return loop.sendRequest(&request{kind: requestSetTimeout, event: e, timeout: timeout})
}

// Detach removes the event from its loop, if any. If wait is true, and the
// caller isn't the loop goroutine, it blocks until the loop has processed
// the removal.
func (e *Event) Detach(wait bool) error {
	e.mu.Lock()
	loop := e.loop
	e.mu.Unlock()
	if loop == nil {
		return nil
	}

	switch err := loop.Remove(e); {
	case err == nil, errors.Is(err, ErrObjectKilled):
		// a killed loop detaches everything during cleanup
	case errors.Is(err, ErrUnexpectedData):
		// lost a race with another detach
		return nil
	default:
		return err
	}

	if wait && !loop.inLoopGoroutine() {
		e.mu.Lock()
		for e.loop == loop {
			e.detached.Wait()
		}
		e.mu.Unlock()
	}

	return nil
}

// IgnoreFinalizer prevents the finalizer from being called.
func (e *Event) IgnoreFinalizer() {
	e.mu.Lock()
	e.ignoreFinalizer = true
	e.mu.Unlock()
}

// Kill marks the event as torn down. A killed event is never dispatched.
func (e *Event) Kill() { e.obj.Kill() }

// IsKilled reports whether the event has been killed.
func (e *Event) IsKilled() bool { return e.obj.IsKilled() }

// IncRef takes an additional reference, which must be paired with Release.
func (e *Event) IncRef() { e.obj.IncRef() }

// Release drops a reference. The finalizer runs when the last one is
// dropped.
func (e *Event) Release() { e.obj.DecRef() }

// FD returns the watched file descriptor, or [InvalidFD] for timers.
func (e *Event) FD() int { return e.fd }

// IsTimer reports whether this is a pure timer event.
func (e *Event) IsTimer() bool { return !e.fdValid() }

// Events returns the current events of interest.
func (e *Event) Events() EventsMask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// Timeout returns the current timeout.
func (e *Event) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeout
}

func (e *Event) onLastRef() {
	e.mu.Lock()
	finalizer := e.finalizer
	ignore := e.ignoreFinalizer
	e.action = nil
	e.finalizer = nil
	logger := e.logger
	e.mu.Unlock()
	if finalizer == nil || ignore {
		return
	}
	// may run on the loop goroutine, which must survive
	defer func() {
		if r := recover(); r != nil {
			logger.Err().
				Str(`panic`, fmt.Sprint(r)).
				Int(`fd`, e.fd).
				Log(`eventloop: finalizer panicked`)
		}
	}()
	finalizer()
}

func (e *Event) fdValid() bool { return e.fd >= 0 }

// attach claims the event for l, failing if it's already claimed.
func (e *Event) attach(l *Loop) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loop != nil {
		return false
	}
	e.loop = l
	e.logger = l.logger
	return true
}

// detachFrom clears the back-reference, if it is l, waking Detach waiters.
func (e *Event) detachFrom(l *Loop) {
	e.mu.Lock()
	if e.loop == l {
		e.loop = nil
		e.detached.Broadcast()
	}
	e.mu.Unlock()
}

func (e *Event) attachedTo(l *Loop) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loop == l
}

func (e *Event) genericEvents() EventsMask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events & EventGeneric
}

// setRevents records generic conditions if there are any, otherwise the
// timeout condition.
func (e *Event) setRevents(revents EventsMask) {
	e.mu.Lock()
	e.setReventsLocked(revents)
	e.mu.Unlock()
}

func (e *Event) setReventsLocked(revents EventsMask) {
	if generic := revents & EventGeneric; generic != 0 {
		e.revents |= generic
	} else {
		e.revents |= revents & EventTimeout
	}
}

func (e *Event) clearRevents() {
	e.mu.Lock()
	e.revents = 0
	e.mu.Unlock()
}

// updateElapsedTime fires the timeout condition once timeout has elapsed
// since start, or if the clock appears to have gone backwards, restarting
// the period from now.
func (e *Event) updateElapsedTime(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events&EventTimeout == 0 || e.timeout == MaxTimeout {
		return
	}
	if elapsed := now.Sub(e.start); elapsed < 0 || elapsed >= e.timeout {
		e.setReventsLocked(EventTimeout)
		e.start = now
	}
}

// remaining returns the time until the timeout fires, or false if the event
// has no timeout.
func (e *Event) remaining(now time.Time) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events&EventTimeout == 0 || e.timeout == MaxTimeout {
		return 0, false
	}
	elapsed := now.Sub(e.start)
	if elapsed < 0 || elapsed >= e.timeout {
		return 0, true
	}
	return e.timeout - elapsed, true
}

func (e *Event) restart(now time.Time) {
	e.mu.Lock()
	e.start = now
	e.mu.Unlock()
}

// dispatch calls the action, if there is anything to report, returning
// true if it was called.
func (e *Event) dispatch() (bool, error) {
	if e.obj.IsKilled() {
		return false, nil
	}
	e.mu.Lock()
	action, revents := e.action, e.revents
	e.mu.Unlock()
	if revents == 0 || action == nil {
		return false, nil
	}
	return true, action(revents)
}
