package eventloop

import (
	"time"
)

// timerBackend waits on a one-slot wake channel, with an optional deadline.
// It cannot watch file descriptors.
type timerBackend struct {
	wake  chan struct{}
	timer *time.Timer
}

func newTimerBackend() *timerBackend {
	return &timerBackend{wake: make(chan struct{}, 1)}
}

func (b *timerBackend) String() string { return BackendTimer.String() }

func (b *timerBackend) initialize() error { return nil }

func (b *timerBackend) prepare(map[*Event]struct{}) {}

func (b *timerBackend) poll(sleep time.Duration) error {
	switch {
	case sleep < 0:
		<-b.wake

	case sleep == 0:
		select {
		case <-b.wake:
		default:
		}

	default:
		if b.timer == nil {
			b.timer = time.NewTimer(sleep)
		} else {
			b.timer.Reset(sleep)
		}
		select {
		case <-b.wake:
			b.timer.Stop()
		case <-b.timer.C:
		}
	}
	return nil
}

func (b *timerBackend) wakeUp() error {
	select {
	case b.wake <- struct{}{}:
	default:
		// already pending
	}
	return nil
}

func (b *timerBackend) exit(map[*Event]struct{}) error {
	if b.timer != nil {
		b.timer.Stop()
	}
	return nil
}

func (b *timerBackend) addEvent(e *Event) error {
	return invalidArgs("%s backend cannot watch fd %d", b, e.fd)
}

func (b *timerBackend) removeEvent(*Event) error { return nil }

func (b *timerBackend) modifyEvent(e *Event, _ EventsMask) error {
	return invalidArgs("%s backend cannot watch fd %d", b, e.fd)
}

func (b *timerBackend) supportsFD() bool { return false }
