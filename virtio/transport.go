package virtio

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/bobuhiro11/gokvm-rng/pci"
	"github.com/sirupsen/logrus"
)

const (
	RNGIOPortStart = 0x6200
	RNGIOPortSize  = 0x100
)

// Legacy virtio-pci register offsets within BAR0.
const (
	RegHostFeatures  = 0
	RegGuestFeatures = 4
	RegQueuePFN      = 8
	RegQueueSize     = 12
	RegQueueSelect   = 14
	RegQueueNotify   = 16
	RegDeviceStatus  = 18
	RegISR           = 19
	RegConfig        = 20
)

// Device status bits.
const (
	StatusAcknowledge = 0x1
	StatusDriver      = 0x2
	StatusDriverOK    = 0x4
	StatusFeaturesOK  = 0x8
	StatusFailed      = 0x80
)

var errUnknownQueue = errors.New("queue select out of range")

// Transport exposes an Entropy device as a legacy virtio-pci function with
// an I/O port BAR.
type Transport struct {
	dev  *Entropy
	mem  GuestMemory
	port uint64

	mu            sync.Mutex
	guestFeatures uint32
	queueSel      uint16
	status        uint8

	l *logrus.Entry
}

func NewTransport(dev *Entropy, mem GuestMemory, port uint64) *Transport {
	return &Transport{
		dev:  dev,
		mem:  mem,
		port: port,
		l:    dev.log.WithField("transport", "pci-legacy"),
	}
}

func (t *Transport) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		// transitional device IDs are 0x1000 + type - 1.
		DeviceID:          0x1000 + uint16(t.dev.DeviceType()) - 1,
		VendorID:          0x1AF4,
		HeaderType:        0,
		SubsystemVendorID: 0x1AF4,
		SubsystemID:       uint16(t.dev.DeviceType()),
		ClassCode:         [3]uint8{0x00, 0xff, 0x00},
		Command:           1, // Enable IO port
		BAR: [6]uint32{
			uint32(t.port) | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin:  1,
		InterruptLine: t.dev.IRQ().Line(),
	}
}

func (t *Transport) GetIORange() (start, end uint64) {
	return t.port, t.port + RNGIOPortSize
}

func (t *Transport) selectedQueue() (*Queue, error) {
	qs := t.dev.Queues()
	if int(t.queueSel) >= len(qs) {
		return nil, errUnknownQueue
	}

	return qs[t.queueSel], nil
}

func (t *Transport) registers() []byte {
	b := make([]byte, RegConfig)

	binary.LittleEndian.PutUint32(b[RegHostFeatures:], t.dev.Features().AvailFeaturesByPage(0))
	binary.LittleEndian.PutUint32(b[RegGuestFeatures:], t.guestFeatures)

	if q, err := t.selectedQueue(); err == nil {
		binary.LittleEndian.PutUint32(b[RegQueuePFN:], uint32(q.DescTable/LegacyVringAlign))
		binary.LittleEndian.PutUint16(b[RegQueueSize:], q.Size)
	}

	binary.LittleEndian.PutUint16(b[RegQueueSelect:], t.queueSel)
	b[RegDeviceStatus] = t.status

	return b
}

func (t *Transport) IOInHandler(port uint64, bytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	offset := int(port - t.port)

	switch {
	case offset == RegISR && len(bytes) == 1:
		// reading the ISR acknowledges the interrupt.
		bytes[0] = uint8(t.dev.IRQ().ReadAndClear())

		return nil
	case offset >= RegConfig:
		t.dev.ReadConfig(uint64(offset-RegConfig), bytes)

		return nil
	}

	b := t.registers()
	if offset+len(bytes) > len(b) {
		return nil
	}

	copy(bytes, b[offset:])

	return nil
}

func (t *Transport) IOOutHandler(port uint64, bytes []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	offset := int(port - t.port)
	v := pci.BytesToNum(bytes)

	switch offset {
	case RegGuestFeatures:
		t.guestFeatures = uint32(v)
		t.dev.Features().AckFeaturesByPage(0, uint32(v))
	case RegQueuePFN:
		q, err := t.selectedQueue()
		if err != nil {
			return err
		}

		if v == 0 {
			q.Ready = false

			return nil
		}

		// Queue PFN is aligned to page (4096 bytes)
		q.SetAddresses(LegacyRingAddresses(v*LegacyVringAlign, q.Size))
		q.Ready = true
	case RegQueueSelect:
		t.queueSel = uint16(v)
	case RegQueueNotify:
		evs := t.dev.QueueEvents()
		if int(v) >= len(evs) {
			t.l.WithField("queue", v).Warn("notify for unknown queue")

			return nil
		}

		return evs[v].Notify()
	case RegDeviceStatus:
		return t.setStatus(uint8(v))
	default:
		if offset >= RegConfig {
			t.dev.WriteConfig(uint64(offset-RegConfig), bytes)

			return nil
		}

		t.l.WithField("offset", offset).Debug("write to read-only register")
	}

	return nil
}

func (t *Transport) setStatus(s uint8) error {
	if s == 0 {
		if err := t.dev.Reset(); err != nil {
			t.l.WithError(err).Warn("device reset ignored")

			return nil
		}

		t.status = 0
		t.guestFeatures = 0
		t.queueSel = 0

		return nil
	}

	t.status = s

	if s&StatusDriverOK == 0 || t.dev.IsActivated() {
		return nil
	}

	if err := t.dev.Activate(t.mem); err != nil {
		t.status |= StatusFailed
		t.l.WithError(err).Error("failed to activate device")

		return err
	}

	return nil
}
