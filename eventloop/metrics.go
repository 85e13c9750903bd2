package eventloop

import (
	"sync/atomic"
)

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	// Dispatches is the number of actions invoked.
	Dispatches uint64
	// Requests is the number of mailbox requests applied.
	Requests uint64
	// Polls is the number of completed backend waits.
	Polls uint64
	// Removals is the number of events removed from the polling set,
	// including those stopped by their action.
	Removals uint64
	// Members is the current size of the polling set.
	Members int64
}

// loopStats are updated by the loop goroutine, and read from anywhere.
type loopStats struct {
	dispatches atomic.Uint64
	requests   atomic.Uint64
	polls      atomic.Uint64
	removals   atomic.Uint64
	members    atomic.Int64
}

// Stats returns a snapshot of the loop's counters. It is safe to call from
// any goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Dispatches: l.stats.dispatches.Load(),
		Requests:   l.stats.requests.Load(),
		Polls:      l.stats.polls.Load(),
		Removals:   l.stats.removals.Load(),
		Members:    l.stats.members.Load(),
	}
}
