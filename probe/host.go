package probe

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bobuhiro11/gokvm-rng/event"
	"github.com/bobuhiro11/gokvm-rng/virtio"
	"golang.org/x/sys/unix"
)

// Capability is one host facility the device model relies on.
type Capability struct {
	Name string
	Err  error
}

func (c Capability) Available() bool {
	return c.Err == nil
}

func probeGetrandom() error {
	return virtio.HostRandom{}.Fill(make([]byte, 16))
}

func probeMemfdMirror() error {
	d, err := virtio.NewIovDeque()
	if err != nil {
		return err
	}
	defer d.Close()

	if !d.Mirrored() {
		return fmt.Errorf("double mapping unavailable, copying fallback in use: %w", unix.ENOSYS)
	}

	return nil
}

func probeEventFd() error {
	e, err := event.NewEventFd()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.Notify(); err != nil {
		return err
	}

	_, err = e.Read()

	return err
}

func probeTimerFd() error {
	t, err := event.NewTimer()
	if err != nil {
		return err
	}
	defer t.Close()

	return t.Arm(time.Millisecond, false)
}

func probeEpoll() error {
	m, err := event.NewManager(nil)
	if err != nil {
		return err
	}

	return m.Close()
}

// Capabilities checks every host facility.
func Capabilities() []Capability {
	return []Capability{
		{"getrandom", probeGetrandom()},
		{"memfd-double-mapping", probeMemfdMirror()},
		{"eventfd", probeEventFd()},
		{"timerfd", probeTimerFd()},
		{"epoll", probeEpoll()},
	}
}

// HostCapabilities prints which facilities are available.
func HostCapabilities() error {
	return printCapabilities(os.Stdout, Capabilities())
}

func printCapabilities(w io.Writer, caps []Capability) error {
	enabled := []Capability{}
	disabled := []Capability{}

	for _, c := range caps {
		if c.Available() {
			enabled = append(enabled, c)
		} else {
			disabled = append(disabled, c)
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, c := range enabled {
		fmt.Fprintf(w, " %s", c.Name)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, c := range disabled {
		fmt.Fprintf(w, " %s", c.Name)
	}

	fmt.Fprintf(w, "\n\n")

	for _, c := range disabled {
		fmt.Fprintf(w, "%s: %v\n", c.Name, c.Err)
	}

	return nil
}
