package vmm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/gokvm-rng/event"
	"github.com/bobuhiro11/gokvm-rng/pci"
	"github.com/bobuhiro11/gokvm-rng/virtio"
	"github.com/bobuhiro11/gokvm-rng/virtio/driver"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Guest physical layout used by the built-in driver.
const (
	queueBase   = 0x10000
	queueStride = 0x4000
	dataBase    = 0x100000

	// each queue owns one buffer slot per descriptor.
	maxRequestSize = 0x1000
	queueDataSize  = maxRequestSize * virtio.QueueSize

	guestMemoryMin = dataBase + virtio.RNGNumQueues*queueDataSize

	irqPollMs = 100
)

var (
	ErrDeviceNotFound = errors.New("virtio-rng device not found on the pci bus")
	errDeviceFailed   = errors.New("device reported failure")
)

// WorkloadResult summarizes what the guest driver got back from the device.
type WorkloadResult struct {
	Requests     int
	Bytes        uint64
	LeakRequests int
	LeakBytes    uint64
	ZeroBuffers  int
}

// guest is a minimal virtio-rng driver talking to the device through the
// pci bus, the way a legacy guest kernel would.
type guest struct {
	bus *pci.PCI
	mem driver.Memory
	irq *virtio.IRQTrigger
	c   WorkloadConfig
	l   *logrus.Entry

	port   uint64
	queues [virtio.RNGNumQueues]*driver.Queue
}

func newGuest(bus *pci.PCI, mem driver.Memory, irq *virtio.IRQTrigger, c WorkloadConfig, l *logrus.Logger) *guest {
	return &guest{
		bus: bus,
		mem: mem,
		irq: irq,
		c:   c,
		l:   l.WithField("component", "guest"),
	}
}

func (g *guest) confRead(slot, offset uint32, size int) (uint64, error) {
	if err := g.bus.IOOut(pci.ConfAddrPort, pci.NumToBytes(pci.MakeAddress(0, slot, 0, offset))); err != nil {
		return 0, err
	}

	b := make([]byte, size)
	if err := g.bus.IOIn(pci.ConfDataPort, b); err != nil {
		return 0, err
	}

	return pci.BytesToNum(b), nil
}

// probe scans bus 0 for a virtio entropy function and returns its I/O BAR.
func (g *guest) probe() error {
	for slot := uint32(0); slot < 32; slot++ {
		ids, err := g.confRead(slot, 0, 4)
		if err != nil {
			return err
		}

		if ids&0xffff != 0x1af4 {
			continue
		}

		sub, err := g.confRead(slot, 0x2c, 4)
		if err != nil {
			return err
		}

		if sub>>16 != virtio.TypeRNG {
			continue
		}

		bar, err := g.confRead(slot, 0x10, 4)
		if err != nil {
			return err
		}

		g.port = bar &^ 0x3
		g.l.WithField("slot", slot).WithField("port", fmt.Sprintf("%#x", g.port)).Info("found virtio-rng")

		return nil
	}

	return ErrDeviceNotFound
}

func (g *guest) in(reg uint64, size int) (uint64, error) {
	b := make([]byte, size)
	if err := g.bus.IOIn(g.port+reg, b); err != nil {
		return 0, err
	}

	return pci.BytesToNum(b), nil
}

func (g *guest) out(reg uint64, v interface{}) error {
	return g.bus.IOOut(g.port+reg, pci.NumToBytes(v))
}

// setup runs the legacy initialization sequence and leaves the device
// DRIVER_OK.
func (g *guest) setup() error {
	if err := g.out(virtio.RegDeviceStatus, uint8(0)); err != nil {
		return err
	}

	status := uint8(virtio.StatusAcknowledge | virtio.StatusDriver)
	if err := g.out(virtio.RegDeviceStatus, status); err != nil {
		return err
	}

	host, err := g.in(virtio.RegHostFeatures, 4)
	if err != nil {
		return err
	}

	if err := g.out(virtio.RegGuestFeatures, uint32(host&(1<<virtio.FeatureRNGLeak))); err != nil {
		return err
	}

	for i := range g.queues {
		if err := g.out(virtio.RegQueueSelect, uint16(i)); err != nil {
			return err
		}

		size, err := g.in(virtio.RegQueueSize, 2)
		if err != nil {
			return err
		}

		q, err := driver.New(g.mem, queueBase+uint64(i)*queueStride, uint16(size))
		if err != nil {
			return err
		}

		if err := g.out(virtio.RegQueuePFN, q.PFN()); err != nil {
			return err
		}

		g.queues[i] = q
	}

	if err := g.out(virtio.RegDeviceStatus, status|virtio.StatusDriverOK); err != nil {
		return err
	}

	s, err := g.in(virtio.RegDeviceStatus, 1)
	if err != nil {
		return err
	}

	if s&virtio.StatusFailed != 0 {
		return errDeviceFailed
	}

	return nil
}

// submit queues one device-writable buffer on queue q. The buffer lives in
// the slot of its head descriptor.
func (g *guest) submit(q int) error {
	dq := g.queues[q]

	next, ok := dq.NextFree()
	if !ok {
		return driver.ErrNoFreeDescriptors
	}

	addr := g.slot(q, next)

	// zero the slot so an unfilled completion is visible.
	if _, err := g.mem.WriteAt(make([]byte, g.c.RequestSize), int64(addr)); err != nil {
		return err
	}

	_, err := dq.AddChain(driver.Buffer{Addr: addr, Len: g.c.RequestSize, Write: true})

	return err
}

func (g *guest) slot(q int, head uint16) uint64 {
	return dataBase + uint64(q)*queueDataSize + uint64(head)*maxRequestSize
}

func (g *guest) notify(q int) error {
	return g.out(virtio.RegQueueNotify, uint16(q))
}

// wait blocks until the device raises its interrupt or ctx is done. The ISR
// read acknowledges it.
func (g *guest) wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(g.irq.FD()), Events: unix.POLLIN}}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := unix.Poll(fds, irqPollMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return fmt.Errorf("poll irq: %w", err)
		}

		if n == 0 {
			continue
		}

		if _, err := g.irq.Wait(); err != nil && !errors.Is(err, event.ErrWouldBlock) {
			return err
		}

		if _, err := g.in(virtio.RegISR, 1); err != nil {
			return err
		}

		return nil
	}
}

// collect reaps completions on queue q into res.
func (g *guest) collect(q int, res *WorkloadResult) (int, error) {
	used, err := g.queues[q].Used()
	if err != nil {
		return 0, err
	}

	for _, u := range used {
		if u.Len > 0 && g.isZero(g.slot(q, u.ID), u.Len) {
			res.ZeroBuffers++
		}

		if q == 0 {
			res.Requests++
			res.Bytes += uint64(u.Len)
		} else {
			res.LeakRequests++
			res.LeakBytes += uint64(u.Len)
		}
	}

	return len(used), nil
}

func (g *guest) isZero(addr uint64, length uint32) bool {
	b := make([]byte, length)
	if _, err := g.mem.ReadAt(b, int64(addr)); err != nil {
		return false
	}

	for _, v := range b {
		if v != 0 {
			return false
		}
	}

	return true
}

// run drives the configured workload to completion.
func (g *guest) run(ctx context.Context) (WorkloadResult, error) {
	var res WorkloadResult

	if err := g.probe(); err != nil {
		return res, err
	}

	if err := g.setup(); err != nil {
		return res, err
	}

	// leak buffers sit on both leak queues until the host signals them.
	for _, q := range []int{virtio.LeakQueue1.Index(), virtio.LeakQueue2.Index()} {
		for i := 0; i < g.c.LeakRequests; i++ {
			if err := g.submit(q); err != nil {
				return res, err
			}
		}

		if g.c.LeakRequests > 0 {
			if err := g.notify(q); err != nil {
				return res, err
			}
		}
	}

	for i := 0; i < g.c.Requests; i++ {
		if err := g.submit(0); err != nil {
			return res, err
		}

		if err := g.notify(0); err != nil {
			return res, err
		}

		if err := g.drain(ctx, &res, i+1); err != nil {
			return res, err
		}

		if g.c.Interval > 0 && i+1 < g.c.Requests {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(g.c.Interval):
			}
		}
	}

	if err := g.drain(ctx, &res, g.c.Requests); err != nil {
		return res, err
	}

	g.l.WithField("requests", res.Requests).
		WithField("bytes", res.Bytes).
		WithField("leak_requests", res.LeakRequests).
		WithField("leak_bytes", res.LeakBytes).
		Info("workload finished")

	return res, nil
}

// drain waits until at least mainDone main requests completed and, once all
// main requests are in, every leak buffer came back.
func (g *guest) drain(ctx context.Context, res *WorkloadResult, mainDone int) error {
	for {
		for q := range g.queues {
			if _, err := g.collect(q, res); err != nil {
				return err
			}
		}

		leakDone := mainDone < g.c.Requests || res.LeakRequests >= 2*g.c.LeakRequests
		if res.Requests >= mainDone && leakDone {
			return nil
		}

		if err := g.wait(ctx); err != nil {
			return err
		}
	}
}
