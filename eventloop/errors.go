package eventloop

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrInvalidArgs is returned for malformed input, e.g. an empty events
	// mask, a negative timeout, or an event that is already attached.
	ErrInvalidArgs = errors.New("eventloop: invalid arguments")

	// ErrObjectKilled is returned when operating on a killed event or loop.
	ErrObjectKilled = errors.New("eventloop: object has been killed")

	// ErrLoopBusy is returned when Run is called on a loop that is already
	// running, or from within the loop itself.
	ErrLoopBusy = errors.New("eventloop: loop is already running")

	// ErrUnexpectedData is returned when an event is not attached to the
	// loop being operated on.
	ErrUnexpectedData = errors.New("eventloop: event is not attached to this loop")

	// ErrBackendInit wraps failures to set up the polling backend.
	ErrBackendInit = errors.New("eventloop: backend initialization failed")

	// ErrStopEvent may be returned by an [EventAction] to stop the event
	// without it being logged as a failure.
	ErrStopEvent = errors.New("eventloop: stop event")
)

// PanicError wraps a value recovered from a panicking [EventAction]. The
// loop treats it like any other action error, removing the event.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("eventloop: action panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, enabling [errors.Is]
// and [errors.As] through the panic.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func invalidArgs(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgs, fmt.Sprintf(format, args...))
}
