//go:build !linux

package eventloop

import (
	"errors"
)

const defaultBackendKind = BackendTimer

func newEpollBackend() (backend, error) {
	return nil, errors.New("eventloop: epoll backend requires linux")
}
