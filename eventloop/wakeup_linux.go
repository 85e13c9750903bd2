//go:build linux

package eventloop

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// createWakeFD creates a non-blocking eventfd for wake-up notifications.
func createWakeFD() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// putWakeValue encodes the eventfd increment, in native byte order.
func putWakeValue(buf []byte) {
	binary.NativeEndian.PutUint64(buf, 1)
}
