package event

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a non-blocking monotonic timerfd.
type Timer struct {
	fd int
}

func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd: %w", err)
	}

	return &Timer{fd: fd}, nil
}

// Arm starts the timer so that it expires after d, and then every d when
// periodic is set. A zero d disarms it.
func (t *Timer) Arm(d time.Duration, periodic bool) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}

	if periodic {
		spec.Interval = spec.Value
	}

	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *Timer) Disarm() error {
	return t.Arm(0, false)
}

// Read returns the number of expirations since the last read, failing with
// ErrWouldBlock if the timer has not expired.
func (t *Timer) Read() (uint64, error) {
	var buf [sizeofUint64]byte

	for {
		n, err := unix.Read(t.fd, buf[:])

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n != sizeofUint64:
			return 0, fmt.Errorf("short read from timerfd: got %d bytes", n)
		}

		return binary.NativeEndian.Uint64(buf[:]), nil
	}
}

func (t *Timer) FD() int {
	return t.fd
}

func (t *Timer) Close() error {
	return unix.Close(t.fd)
}
