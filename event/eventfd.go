// Package event provides the file-descriptor based notification primitives
// the device model is driven by: eventfds for queue kicks and interrupts, and
// a single-threaded epoll loop that dispatches readiness to handlers.
package event

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// ErrWouldBlock is returned by a non-blocking Read on an eventfd whose
// counter is zero.
var ErrWouldBlock = errors.New("eventfd counter is zero")

// EventFd is a non-blocking Linux eventfd.
type EventFd struct {
	fd int
}

func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

// Notify adds one to the counter.
func (e *EventFd) Notify() error {
	return e.Write(1)
}

func (e *EventFd) Write(val uint64) error {
	var buf [sizeofUint64]byte

	binary.NativeEndian.PutUint64(buf[:], val)

	for {
		_, err := unix.Write(e.fd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}

		return err
	}
}

// Read returns and resets the counter. It fails with ErrWouldBlock when
// nothing was written since the last read.
func (e *EventFd) Read() (uint64, error) {
	var buf [sizeofUint64]byte

	for {
		n, err := unix.Read(e.fd, buf[:])

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n != sizeofUint64:
			return 0, fmt.Errorf("short read from eventfd: got %d bytes", n)
		}

		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

func (e *EventFd) FD() int {
	return e.fd
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
