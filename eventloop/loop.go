package eventloop

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-dbruntime/refobj"
	"github.com/joeycumines/logiface"
)

// Loop is a single-goroutine reactor, multiplexing [Event] values.
//
// All mutations of the polling set are marshalled to the loop goroutine, via
// a FIFO mailbox. Mutations requested from the loop goroutine itself (e.g.
// from within an [EventAction]) are applied synchronously.
//
// Loops are reference counted, starting with one reference owned by the
// caller of [New]. The loop goroutine holds its own reference, for the
// duration of [Loop.Run].
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	obj refobj.Object

	backend backend
	logger  *logiface.Logger[logiface.Event]

	// State machine (cache-line padded internally)
	state *FastState

	// Loop termination signaling, closed after cleanup
	done chan struct{}

	// Goroutine tracking
	goroutineID atomic.Uint64

	// Owned by the loop goroutine (or the Kill caller, if the loop never ran)
	polling  map[*Event]struct{}
	snapshot []*Event

	// fds guards against two events for the same descriptor, claimed by Add
	fdMu sync.Mutex
	fds  map[int]*Event

	// Mailbox
	reqMu    sync.Mutex
	requests *queue.Queue
	spare    *queue.Queue
	closed   bool

	stats loopStats
}

// New creates a new loop, initializing its backend. The returned loop must
// be started using [Loop.Run], and stopped using [Loop.Kill].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	b, err := newBackend(cfg.backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendInit, err)
	}
	if err := b.initialize(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBackendInit, b, err)
	}

	l := &Loop{
		backend:  b,
		logger:   cfg.logger,
		state:    NewFastState(),
		done:     make(chan struct{}),
		polling:  make(map[*Event]struct{}),
		fds:      make(map[int]*Event),
		requests: queue.New(),
		spare:    queue.New(),
	}
	l.obj.Init(refobj.Hooks{
		OnKill:    l.onKill,
		OnLastRef: l.Kill,
	})

	return l, nil
}

// Run runs the loop on the calling goroutine, blocking until it is killed.
//
// Run may only be called once. A second (or re-entrant) call returns
// [ErrLoopBusy], and calling it on a loop that was killed before it started
// returns [ErrObjectKilled]. A non-nil error is also returned if the backend
// failed, in which case the loop kills itself.
func (l *Loop) Run() error {
	if l.inLoopGoroutine() {
		return ErrLoopBusy
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.IsTerminal() {
			return ErrObjectKilled
		}
		return ErrLoopBusy
	}

	l.obj.IncRef()
	defer l.obj.DecRef()

	defer close(l.done)

	return l.run()
}

// run is the main loop goroutine.
func (l *Loop) run() (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.goroutineID.Store(getGoroutineID())
	defer l.goroutineID.Store(0)

	l.logger.Debug().
		Str(`backend`, l.backend.String()).
		Log(`eventloop: started`)

	defer func() {
		l.cleanup()
		l.state.Store(StateTerminated)
		l.logger.Debug().
			Uint64(`dispatches`, l.stats.dispatches.Load()).
			Uint64(`polls`, l.stats.polls.Load()).
			Log(`eventloop: stopped`)
	}()

	for !l.obj.IsKilled() {
		l.processRequests()
		if l.obj.IsKilled() {
			break
		}

		sleep := l.sleepTime(time.Now())

		l.backend.prepare(l.polling)

		if err = l.backend.poll(sleep); err != nil {
			l.logger.Err().
				Err(err).
				Str(`backend`, l.backend.String()).
				Log(`eventloop: poll failed, terminating`)
			l.obj.Kill()
			return err
		}
		l.stats.polls.Add(1)

		l.processRequests()

		l.dispatchAll(time.Now())
	}

	return nil
}

// Add attaches e to the loop. The loop takes its own reference to e, which
// is released when e is removed.
//
// Add fails with [ErrInvalidArgs] if e is already attached to a loop, or if
// e watches a descriptor that another event of this loop already watches.
func (l *Loop) Add(e *Event) error {
	if e == nil {
		return invalidArgs("nil event")
	}
	if l.obj.IsKilled() || e.IsKilled() {
		return ErrObjectKilled
	}
	if e.fdValid() && !l.backend.supportsFD() {
		return invalidArgs("%s backend cannot watch fd %d", l.backend, e.fd)
	}

	if !e.attach(l) {
		return invalidArgs("event already attached")
	}

	if !l.claimFD(e) {
		e.detachFrom(l)
		return invalidArgs("fd %d already watched", e.fd)
	}

	if err := l.sendRequest(&request{kind: requestAdd, event: e}); err != nil {
		l.releaseFD(e)
		e.detachFrom(l)
		return err
	}

	return nil
}

// Remove detaches e from the loop, returning [ErrUnexpectedData] if e isn't
// attached to this loop. It doesn't wait, see [Event.Detach].
func (l *Loop) Remove(e *Event) error {
	if e == nil {
		return invalidArgs("nil event")
	}
	if l.obj.IsKilled() {
		return ErrObjectKilled
	}
	if !e.attachedTo(l) {
		return ErrUnexpectedData
	}
	return l.sendRequest(&request{kind: requestRemove, event: e})
}

// Kill stops the loop. It is idempotent, and safe to call from any
// goroutine, including the loop goroutine. It doesn't wait, see
// [Loop.Done].
func (l *Loop) Kill() { l.obj.Kill() }

// IsKilled reports whether the loop has been killed.
func (l *Loop) IsKilled() bool { return l.obj.IsKilled() }

// IncRef takes an additional reference, which must be paired with Release.
func (l *Loop) IncRef() { l.obj.IncRef() }

// Release drops a reference. Releasing the last reference kills the loop.
func (l *Loop) Release() { l.obj.DecRef() }

// Done returns a channel that is closed once the loop has terminated, and
// all its events have been detached.
func (l *Loop) Done() <-chan struct{} { return l.done }

// State returns the current loop state.
func (l *Loop) State() LoopState { return l.state.Load() }

func (l *Loop) onKill() {
	if l.state.TryTransition(StateAwake, StateTerminated) {
		// never ran, so there's no loop goroutine to do this
		l.cleanup()
		close(l.done)
		return
	}

	l.reqMu.Lock()
	defer l.reqMu.Unlock()
	if !l.closed {
		if err := l.backend.wakeUp(); err != nil {
			l.logger.Warning().
				Err(err).
				Log(`eventloop: wake up failed`)
		}
	}
}

// sendRequest queues req, taking a reference to its event until it has been
// applied. Requests from the loop goroutine are applied immediately.
func (l *Loop) sendRequest(req *request) error {
	l.reqMu.Lock()
	if l.closed {
		l.reqMu.Unlock()
		return ErrObjectKilled
	}

	req.event.IncRef()

	if l.inLoopGoroutine() {
		l.reqMu.Unlock()
		return l.applyRequest(req)
	}

	l.requests.Add(req)

	// must not wake a backend that has exited (its handle may be reused)
	err := l.backend.wakeUp()

	l.reqMu.Unlock()

	if err != nil {
		l.logger.Warning().
			Err(err).
			Str(`request`, req.kind.String()).
			Log(`eventloop: wake up failed`)
	}

	return nil
}

// processRequests applies all queued requests, in order.
func (l *Loop) processRequests() {
	l.reqMu.Lock()
	if l.requests.Length() == 0 {
		l.reqMu.Unlock()
		return
	}
	pending := l.requests
	l.requests, l.spare = l.spare, nil
	l.reqMu.Unlock()

	for pending.Length() != 0 {
		req := pending.Remove().(*request)
		if err := l.applyRequest(req); err != nil {
			l.logger.Debug().
				Err(err).
				Str(`request`, req.kind.String()).
				Int(`fd`, req.event.fd).
				Log(`eventloop: request failed`)
		}
	}

	l.reqMu.Lock()
	l.spare = pending
	l.reqMu.Unlock()
}

func (l *Loop) applyRequest(req *request) error {
	e := req.event
	defer e.Release()

	l.stats.requests.Add(1)

	switch req.kind {
	case requestAdd:
		return l.applyAdd(e)

	case requestRemove:
		if !l.applyRemove(e) {
			return ErrUnexpectedData
		}
		return nil

	case requestSetTimeout:
		e.mu.Lock()
		e.timeout = req.timeout
		e.start = time.Now()
		e.mu.Unlock()
		return nil

	case requestAddEvents, requestRemoveEvents:
		e.mu.Lock()
		if req.kind == requestAddEvents {
			e.events |= req.events
		} else {
			e.events &^= req.events
		}
		events := e.events
		e.mu.Unlock()
		if _, ok := l.polling[e]; ok && e.fdValid() {
			return l.backend.modifyEvent(e, events)
		}
		return nil

	default:
		panic(fmt.Sprintf(`eventloop: unexpected request kind %d`, req.kind))
	}
}

func (l *Loop) applyAdd(e *Event) error {
	if _, ok := l.polling[e]; ok {
		return nil
	}

	if !e.attachedTo(l) {
		// cancelled by a remove, queued before this add
		l.releaseFD(e)
		return ErrUnexpectedData
	}

	if e.IsKilled() {
		l.releaseFD(e)
		e.detachFrom(l)
		return ErrObjectKilled
	}

	e.restart(time.Now())

	if e.fdValid() {
		if err := l.backend.addEvent(e); err != nil {
			l.releaseFD(e)
			e.detachFrom(l)
			return err
		}
	}

	e.IncRef()
	l.polling[e] = struct{}{}
	l.stats.members.Add(1)

	return nil
}

// applyRemove drops e from the polling set, and detaches it from the loop,
// returning false if it wasn't a member.
func (l *Loop) applyRemove(e *Event) bool {
	_, member := l.polling[e]
	if member {
		delete(l.polling, e)
		l.stats.members.Add(-1)
		l.stats.removals.Add(1)
		if e.fdValid() {
			if err := l.backend.removeEvent(e); err != nil {
				l.logger.Debug().
					Err(err).
					Int(`fd`, e.fd).
					Log(`eventloop: backend remove failed`)
			}
		}
	}

	e.clearRevents()
	l.releaseFD(e)
	e.detachFrom(l)

	if member {
		e.Release()
	}

	return member
}

// dispatchAll runs every ready member, against a snapshot of the polling
// set, so that actions may freely add or remove events.
func (l *Loop) dispatchAll(now time.Time) {
	for e := range l.polling {
		l.snapshot = append(l.snapshot, e)
	}
	defer func() {
		clear(l.snapshot)
		l.snapshot = l.snapshot[:0]
	}()

	for _, e := range l.snapshot {
		if l.obj.IsKilled() {
			return
		}
		if _, ok := l.polling[e]; !ok {
			continue
		}

		e.IncRef()

		e.updateElapsedTime(now)

		fired, err := l.safeDispatch(e)
		if fired {
			l.stats.dispatches.Add(1)
		}

		if err != nil {
			if _, ok := l.polling[e]; ok {
				l.applyRemove(e)
			}
			if !errors.Is(err, ErrStopEvent) {
				l.logger.Warning().
					Err(err).
					Int(`fd`, e.fd).
					Log(`eventloop: event stopped`)
			}
		} else {
			e.clearRevents()
		}

		e.Release()
	}
}

// safeDispatch calls the event's action with panic recovery.
func (l *Loop) safeDispatch(e *Event) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired, err = true, PanicError{Value: r}
		}
	}()
	return e.dispatch()
}

// sleepTime returns how long to block in poll, negative meaning forever.
func (l *Loop) sleepTime(now time.Time) time.Duration {
	sleep := time.Duration(-1)
	for e := range l.polling {
		if d, ok := e.remaining(now); ok && (sleep < 0 || d < sleep) {
			sleep = d
			if sleep == 0 {
				break
			}
		}
	}
	return sleep
}

// cleanup closes the mailbox, exits the backend, then kills and releases
// every remaining event.
func (l *Loop) cleanup() {
	l.reqMu.Lock()
	l.closed = true
	pending := l.requests
	l.requests, l.spare = nil, nil
	l.reqMu.Unlock()

	var released []*Event

	// events that never made it into the polling set
	for pending.Length() != 0 {
		req := pending.Remove().(*request)
		if _, ok := l.polling[req.event]; !ok {
			l.releaseFD(req.event)
			req.event.detachFrom(l)
		}
		released = append(released, req.event)
	}

	if err := l.backend.exit(l.polling); err != nil {
		l.logger.Warning().
			Err(err).
			Str(`backend`, l.backend.String()).
			Log(`eventloop: backend exit failed`)
	}

	for e := range l.polling {
		delete(l.polling, e)
		l.stats.members.Add(-1)
		e.Kill()
		e.clearRevents()
		l.releaseFD(e)
		e.detachFrom(l)
		released = append(released, e)
	}

	// finalizers run last, once nothing refers back to this loop
	for _, e := range released {
		e.Release()
	}
}

func (l *Loop) claimFD(e *Event) bool {
	if !e.fdValid() {
		return true
	}
	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	if _, ok := l.fds[e.fd]; ok {
		return false
	}
	l.fds[e.fd] = e
	return true
}

func (l *Loop) releaseFD(e *Event) {
	if !e.fdValid() {
		return
	}
	l.fdMu.Lock()
	if l.fds[e.fd] == e {
		delete(l.fds, e.fd)
	}
	l.fdMu.Unlock()
}

// inLoopGoroutine checks if we're on the loop goroutine.
func (l *Loop) inLoopGoroutine() bool {
	loopID := l.goroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
