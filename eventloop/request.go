package eventloop

import (
	"time"
)

// requestKind identifies a pending mutation of a loop's polling set.
type requestKind uint8

const (
	requestAdd requestKind = iota
	requestRemove
	requestSetTimeout
	requestAddEvents
	requestRemoveEvents
)

// String returns a human-readable representation of the kind.
func (k requestKind) String() string {
	switch k {
	case requestAdd:
		return "ADD"
	case requestRemove:
		return "REMOVE"
	case requestSetTimeout:
		return "SET_TIMEOUT"
	case requestAddEvents:
		return "MOD_EVENTS_ADD"
	case requestRemoveEvents:
		return "MOD_EVENTS_REMOVE"
	default:
		return "UNKNOWN"
	}
}

// request is a command, queued on a loop's mailbox. While queued, it owns a
// reference to its event.
type request struct {
	event   *Event
	timeout time.Duration
	events  EventsMask
	kind    requestKind
}
