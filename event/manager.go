package event

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxEvents = 32

var errHandlerExists = errors.New("fd already registered")

// Handler is invoked on the loop goroutine when its fd becomes readable.
type Handler func()

// Manager dispatches fd readiness to handlers. Handlers run one at a time on
// the goroutine calling Run or RunWithTimeout, so state only touched from
// handlers needs no locking. Add and Remove may be called from a handler.
type Manager struct {
	epfd     int
	handlers map[int]Handler
	wake     *EventFd
	stopped  bool

	l *logrus.Logger
}

func NewManager(l *logrus.Logger) (*Manager, error) {
	if l == nil {
		l = logrus.StandardLogger()
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wake, err := NewEventFd()
	if err != nil {
		unix.Close(epfd)

		return nil, err
	}

	m := &Manager{
		epfd:     epfd,
		handlers: make(map[int]Handler),
		wake:     wake,
		l:        l,
	}

	if err := m.Add(wake.FD(), m.onWake); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Manager) Add(fd int, h Handler) error {
	if _, ok := m.handlers[fd]; ok {
		return fmt.Errorf("%w: %d", errHandlerExists, fd)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}

	m.handlers[fd] = h

	return nil
}

func (m *Manager) Remove(fd int) error {
	if _, ok := m.handlers[fd]; !ok {
		return nil
	}

	delete(m.handlers, fd)

	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}

	return nil
}

// RunWithTimeout waits up to timeoutMs milliseconds (-1 waits forever) for
// ready fds and runs their handlers. It returns the number of handlers run.
func (m *Manager) RunWithTimeout(timeoutMs int) (int, error) {
	var events [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(m.epfd, events[:], timeoutMs)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	dispatched := 0

	for _, ev := range events[:n] {
		fd := int(ev.Fd)

		h, ok := m.handlers[fd]
		if !ok {
			m.l.WithField("fd", fd).Debug("event for unregistered fd")

			continue
		}

		h()

		if fd != m.wake.FD() {
			dispatched++
		}
	}

	return dispatched, nil
}

// Run dispatches events until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)

		select {
		case <-ctx.Done():
			if err := m.wake.Notify(); err != nil {
				m.l.WithError(err).Error("failed to wake event loop")
			}
		case <-done:
		}
	}()

	defer func() {
		close(done)
		<-exited
	}()

	m.stopped = false

	for {
		if _, err := m.RunWithTimeout(-1); err != nil {
			return err
		}

		if m.stopped || ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Manager) onWake() {
	if _, err := m.wake.Read(); err != nil && !errors.Is(err, ErrWouldBlock) {
		m.l.WithError(err).Error("failed to read wake event")
	}

	m.stopped = true
}

func (m *Manager) Close() error {
	return errors.Join(m.wake.Close(), unix.Close(m.epfd))
}
