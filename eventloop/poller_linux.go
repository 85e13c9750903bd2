//go:build linux

package eventloop

import (
	"errors"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

const defaultBackendKind = BackendEpoll

// epollBackend watches file descriptors using epoll, with an eventfd to
// interrupt the wait.
type epollBackend struct {
	epfd   int
	wakeFD int
	buf    []unix.EpollEvent
	events map[int32]*Event
}

func newEpollBackend() (backend, error) {
	return &epollBackend{
		epfd:   -1,
		wakeFD: -1,
		events: make(map[int32]*Event),
	}, nil
}

func (b *epollBackend) String() string { return BackendEpoll.String() }

func (b *epollBackend) initialize() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}

	wakeFD, err := createWakeFD()
	if err != nil {
		_ = closeFD(epfd)
		return err
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFD),
	}); err != nil {
		_ = closeFD(wakeFD)
		_ = closeFD(epfd)
		return err
	}

	b.epfd = epfd
	b.wakeFD = wakeFD
	b.buf = make([]unix.EpollEvent, 1)

	return nil
}

// prepare grows the readiness buffer to fit every watched fd, plus the wake
// fd.
func (b *epollBackend) prepare(map[*Event]struct{}) {
	if n := len(b.events) + 1; n > len(b.buf) {
		b.buf = make([]unix.EpollEvent, n)
	}
}

func (b *epollBackend) poll(sleep time.Duration) error {
	n, err := unix.EpollWait(b.epfd, b.buf, epollTimeout(sleep))
	if err != nil {
		if err == unix.EINTR {
			// the loop recomputes the sleep, then polls again
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		ev := &b.buf[i]
		if int(ev.Fd) == b.wakeFD {
			b.drainWakeUp()
			continue
		}
		if e := b.events[ev.Fd]; e != nil {
			e.setRevents(epollToEvents(ev.Events))
		}
	}

	return nil
}

// drainWakeUp resets the eventfd counter. Errors are ignored, as a failed
// read only results in a spurious wake up.
func (b *epollBackend) drainWakeUp() {
	var buf [8]byte
	_, _ = readFD(b.wakeFD, buf[:])
}

func (b *epollBackend) wakeUp() error {
	var buf [8]byte
	putWakeValue(buf[:])
	// EAGAIN means the counter is saturated, i.e. a wake up is pending
	if _, err := writeFD(b.wakeFD, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return err
	}
	return nil
}

func (b *epollBackend) exit(map[*Event]struct{}) error {
	for fd := range b.events {
		_ = unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
		delete(b.events, fd)
	}
	err := closeFD(b.wakeFD)
	if err2 := closeFD(b.epfd); err == nil {
		err = err2
	}
	b.wakeFD, b.epfd = -1, -1
	return err
}

func (b *epollBackend) addEvent(e *Event) error {
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, e.fd, &unix.EpollEvent{
		Events: eventsToEpoll(e.genericEvents()),
		Fd:     int32(e.fd),
	}); err != nil {
		return err
	}
	b.events[int32(e.fd)] = e
	return nil
}

func (b *epollBackend) removeEvent(e *Event) error {
	if b.events[int32(e.fd)] != e {
		return nil
	}
	delete(b.events, int32(e.fd))
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, e.fd, nil)
}

func (b *epollBackend) modifyEvent(e *Event, events EventsMask) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, e.fd, &unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(e.fd),
	})
}

func (b *epollBackend) supportsFD() bool { return true }

// epollTimeout converts the sleep to milliseconds, rounding up, so timers
// never fire early.
func epollTimeout(sleep time.Duration) int {
	if sleep < 0 {
		return -1
	}
	ms := sleep / time.Millisecond
	if sleep%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// eventsToEpoll converts EventsMask to epoll event flags.
func eventsToEpoll(events EventsMask) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to EventsMask.
func epollToEvents(epollEvents uint32) EventsMask {
	var events EventsMask
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventError
	}
	return events
}
