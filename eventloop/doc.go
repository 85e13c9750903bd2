// Package eventloop implements a single-goroutine reactor, multiplexing file
// descriptor readiness and periodic timers.
//
// # Events
//
// An [Event] is either a file descriptor watch ([NewEvent]), optionally with
// a timeout, or a pure timer ([NewTimerEvent]). Timers are periodic: once
// the timeout elapses, the action is called, and the period restarts. An
// [EventAction] returning a non-nil error stops the event, removing it from
// its loop. Return [ErrStopEvent] to stop without the error being logged.
//
// Events and loops are reference counted (see package refobj). Finalizers
// run exactly once, when the last reference is released.
//
// # Backends
//
// Readiness waiting is implemented by a backend, selected at runtime using
// [WithBackend]:
//   - Linux: epoll, with an eventfd wake handle
//   - Everywhere: a timer-only backend, which cannot watch descriptors
//
// # Thread Safety
//
// [Loop.Add], [Loop.Remove], [Loop.Kill], and the mutating methods of
// [Event] are safe to call from any goroutine. Mutations are queued on the
// loop's mailbox, and applied in order by the loop goroutine. Calls made
// from the loop goroutine, i.e. from within an action, are applied
// immediately.
//
// # Usage
//
//	loop, err := eventloop.New()
//	if err != nil {
//		return err
//	}
//	defer loop.Release()
//	go loop.Run()
//	defer loop.Kill()
//
//	ev, _ := eventloop.NewTimerEvent(time.Second)
//	_ = ev.SetAction(func(eventloop.EventsMask) error {
//		fmt.Println("tick")
//		return nil
//	}, nil)
//	if err := loop.Add(ev); err != nil {
//		return err
//	}
//	ev.Release() // the loop holds its own reference
package eventloop
