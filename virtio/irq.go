package virtio

import (
	"sync/atomic"

	"github.com/bobuhiro11/gokvm-rng/event"
)

// ISR status bits.
const (
	ISRUsedBuffer    uint32 = 0x1
	ISRConfigChanged uint32 = 0x2
)

// IRQTrigger raises the device interrupt by setting the ISR status and
// writing an eventfd, the way an irqfd would be wired to the interrupt
// controller.
type IRQTrigger struct {
	status atomic.Uint32
	fd     *event.EventFd
	line   uint8
}

func NewIRQTrigger(line uint8) (*IRQTrigger, error) {
	fd, err := event.NewEventFd()
	if err != nil {
		return nil, err
	}

	return &IRQTrigger{fd: fd, line: line}, nil
}

func (i *IRQTrigger) Line() uint8 {
	return i.line
}

// Trigger sets bits in the ISR status and signals the interrupt.
func (i *IRQTrigger) Trigger(bits uint32) error {
	i.status.Or(bits)

	return i.fd.Notify()
}

// TriggerUsedBuffer signals that the used ring of some queue advanced.
func (i *IRQTrigger) TriggerUsedBuffer() error {
	return i.Trigger(ISRUsedBuffer)
}

// Status returns the ISR status without clearing it.
func (i *IRQTrigger) Status() uint32 {
	return i.status.Load()
}

// ReadAndClear returns the ISR status and clears it, as a legacy driver's
// ISR read does.
func (i *IRQTrigger) ReadAndClear() uint32 {
	return i.status.Swap(0)
}

// FD returns the eventfd written on each interrupt.
func (i *IRQTrigger) FD() int {
	return i.fd.FD()
}

// Wait consumes pending interrupt notifications. It returns
// event.ErrWouldBlock if none are pending.
func (i *IRQTrigger) Wait() (uint64, error) {
	return i.fd.Read()
}

func (i *IRQTrigger) Close() error {
	return i.fd.Close()
}
