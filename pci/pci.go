package pci

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	ConfAddrPort = 0xCF8
	ConfDataPort = 0xCFC

	// 32 devices on bus 0.
	maxSlots = 32

	barOffset = 0x10
	barCount  = 6
)

var ErrNoDevice = errors.New("no device handles this port")

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 0x1
}

// MakeAddress builds the value written to ConfAddrPort to select a register.
func MakeAddress(bus, device, function, offset uint32) uint32 {
	return 1<<31 | (bus&0xff)<<16 | (device&0x1f)<<11 | (function&0x7)<<8 | offset&0xfc
}

// DeviceHeader is the type 0 configuration space header.
type DeviceHeader struct {
	VendorID                uint16
	DeviceID                uint16
	Command                 uint16
	Status                  uint16
	RevisionID              uint8
	ClassCode               [3]uint8
	CacheLineSize           uint8
	LatencyTimer            uint8
	HeaderType              uint8
	BIST                    uint8
	BAR                     [barCount]uint32
	CardbusCISPointer       uint32
	SubsystemVendorID       uint16
	SubsystemID             uint16
	ExpansionROMBaseAddress uint32
	CapabilitiesPointer     uint8
	_                       [7]uint8
	InterruptLine           uint8
	InterruptPin            uint8
	MinGnt                  uint8
	MaxLat                  uint8
}

func (h DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// Device is a PCI function whose BAR0 is an I/O port range.
type Device interface {
	GetDeviceHeader() DeviceHeader
	IOInHandler(port uint64, data []byte) error
	IOOutHandler(port uint64, data []byte) error
	GetIORange() (start, end uint64)
}

// PCI is bus 0. Slot i holds Devices[i]; slot 0 is the host bridge.
type PCI struct {
	addr    address
	Devices []Device

	// BARs the guest wrote all ones to, so the next read reports the size.
	sizing map[[2]uint32]bool

	l *logrus.Logger
}

func New(l *logrus.Logger, devs ...Device) *PCI {
	if l == nil {
		l = logrus.StandardLogger()
	}

	p := &PCI{
		Devices: append([]Device{NewBridge()}, devs...),
		sizing:  make(map[[2]uint32]bool),
		l:       l,
	}

	return p
}

func (p *PCI) selected() (Device, bool) {
	if !p.addr.isEnable() || p.addr.getBusNumber() != 0 || p.addr.getFunctionNumber() != 0 {
		return nil, false
	}

	slot := int(p.addr.getDeviceNumber())
	if slot >= len(p.Devices) || slot >= maxSlots {
		return nil, false
	}

	return p.Devices[slot], true
}

func barIndex(offset uint32) (uint32, bool) {
	if offset < barOffset || offset >= barOffset+4*barCount {
		return 0, false
	}

	return (offset - barOffset) / 4, true
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	offset := p.addr.getRegisterOffset() + uint32(port-ConfDataPort)

	dev, ok := p.selected()
	if !ok {
		// no device: all ones, so the vendor ID reads as 0xffff.
		for i := range values {
			values[i] = 0xff
		}

		return nil
	}

	b, err := dev.GetDeviceHeader().Bytes()
	if err != nil {
		return err
	}

	if i, ok := barIndex(offset); ok && p.sizing[[2]uint32{p.addr.getDeviceNumber(), i}] {
		start, end := dev.GetIORange()
		binary.LittleEndian.PutUint32(b[barOffset+4*i:], SizeToBits(end-start)|0x1)
	}

	if int(offset)+len(values) > len(b) {
		return nil
	}

	copy(values, b[offset:])

	p.l.WithField("offset", fmt.Sprintf("%#x", offset)).
		WithField("values", fmt.Sprintf("%#v", values)).
		Trace("PciConfDataIn")

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	offset := p.addr.getRegisterOffset() + uint32(port-ConfDataPort)

	p.l.WithField("offset", fmt.Sprintf("%#x", offset)).
		WithField("values", fmt.Sprintf("%#v", values)).
		Trace("PciConfDataOut")

	i, ok := barIndex(offset)
	if !ok || len(values) != 4 {
		return nil
	}

	key := [2]uint32{p.addr.getDeviceNumber(), i}
	p.sizing[key] = BytesToNum(values) == 0xffffffff

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	binary.LittleEndian.PutUint32(values, uint32(p.addr))

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	p.addr = address(binary.LittleEndian.Uint32(values))

	p.l.WithField("slot", p.addr.getDeviceNumber()).
		WithField("func", p.addr.getFunctionNumber()).
		Trace("PciConfAddrOut")

	return nil
}

func (p *PCI) device(port uint64) (Device, error) {
	for _, d := range p.Devices {
		start, end := d.GetIORange()
		if start <= port && port < end {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoDevice, port)
}

// IOIn handles a port read: the configuration mechanism or a device BAR.
func (p *PCI) IOIn(port uint64, values []byte) error {
	switch {
	case port == ConfAddrPort:
		return p.PciConfAddrIn(port, values)
	case ConfDataPort <= port && port < ConfDataPort+4:
		return p.PciConfDataIn(port, values)
	}

	d, err := p.device(port)
	if err != nil {
		return err
	}

	return d.IOInHandler(port, values)
}

// IOOut handles a port write: the configuration mechanism or a device BAR.
func (p *PCI) IOOut(port uint64, values []byte) error {
	switch {
	case port == ConfAddrPort:
		return p.PciConfAddrOut(port, values)
	case ConfDataPort <= port && port < ConfDataPort+4:
		return p.PciConfDataOut(port, values)
	}

	d, err := p.device(port)
	if err != nil {
		return err
	}

	return d.IOOutHandler(port, values)
}

// SizeToBits returns the value a BAR of size bytes reads back after all ones
// were written to it.
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian value of up to 8 bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)

	for i := len(bytes) - 1; i >= 0; i-- {
		res <<= 8
		res |= uint64(bytes[i])
	}

	return res
}

// NumToBytes encodes an unsigned integer little-endian. Other types give an
// empty slice.
func NumToBytes(x interface{}) []byte {
	switch v := x.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v)
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v)
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v)
	default:
		return []byte{}
	}
}
