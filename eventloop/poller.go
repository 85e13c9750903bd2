package eventloop

import (
	"fmt"
	"time"
)

// BackendKind selects the readiness-waiting mechanism of a [Loop].
type BackendKind int

const (
	// BackendAuto selects the best backend for the platform, i.e. epoll on
	// Linux, and the timer backend elsewhere.
	BackendAuto BackendKind = iota
	// BackendEpoll supports both fd and timer events (Linux only).
	BackendEpoll
	// BackendTimer supports only timer events, but works everywhere.
	BackendTimer
)

// String returns a human-readable representation of the kind.
func (k BackendKind) String() string {
	switch k {
	case BackendAuto:
		return "auto"
	case BackendEpoll:
		return "epoll"
	case BackendTimer:
		return "timer"
	default:
		return fmt.Sprintf("BackendKind(%d)", int(k))
	}
}

// backend is the platform-specific part of a [Loop]. All methods except
// wakeUp are only called from the loop goroutine (or, during cleanup of a
// loop that never ran, by the goroutine that killed it).
type backend interface {
	fmt.Stringer

	// initialize acquires any resources, and is called once, by New.
	initialize() error

	// prepare is called before each poll, with the current polling set.
	prepare(polling map[*Event]struct{})

	// poll blocks until an fd is ready, wakeUp is called, or sleep has
	// elapsed. A negative sleep blocks indefinitely. Readiness is recorded
	// on the events, via setRevents.
	poll(sleep time.Duration) error

	// wakeUp interrupts poll, and may be called from any goroutine, until
	// exit has been called.
	wakeUp() error

	// exit releases all resources.
	exit(polling map[*Event]struct{}) error

	addEvent(e *Event) error
	removeEvent(e *Event) error
	modifyEvent(e *Event, events EventsMask) error

	// supportsFD reports whether fd events may be added.
	supportsFD() bool
}

func newBackend(kind BackendKind) (backend, error) {
	if kind == BackendAuto {
		kind = defaultBackendKind
	}
	switch kind {
	case BackendEpoll:
		return newEpollBackend()
	case BackendTimer:
		return newTimerBackend(), nil
	default:
		return nil, invalidArgs("unknown backend %s", kind)
	}
}
