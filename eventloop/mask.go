package eventloop

import (
	"math"
	"strings"
	"time"
)

// EventsMask is a set of event conditions, used both for interest (what an
// [Event] watches) and readiness (what was observed, passed to the action).
type EventsMask uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead EventsMask = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventTimeout indicates the event's timeout elapsed.
	EventTimeout
)

const (
	// EventGeneric is the set of I/O conditions, which require a valid fd.
	EventGeneric = EventRead | EventWrite | EventError

	eventsAll = EventGeneric | EventTimeout
)

const (
	// InvalidFD is the fd of pure timer events.
	InvalidFD = -1

	// MaxTimeout is the "never fires" timeout.
	MaxTimeout = time.Duration(math.MaxInt64)
)

// String returns a human-readable representation of the mask, e.g.
// "READ|TIMEOUT".
func (m EventsMask) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	for _, v := range [...]struct {
		bit  EventsMask
		name string
	}{
		{EventRead, "READ"},
		{EventWrite, "WRITE"},
		{EventError, "ERROR"},
		{EventTimeout, "TIMEOUT"},
	} {
		if m&v.bit != 0 {
			parts = append(parts, v.name)
		}
	}
	if m&^eventsAll != 0 {
		parts = append(parts, "UNKNOWN")
	}
	return strings.Join(parts, "|")
}

// valid reports whether m is a non-empty subset of the known flags.
func (m EventsMask) valid() bool {
	return m != 0 && m&^eventsAll == 0
}
