// Package driver is the guest half of a split virtqueue: it lays out the
// rings in guest memory, publishes descriptor chains and collects
// completions. It stands in for a guest kernel driver.
package driver

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	DescFNext  uint16 = 0x1
	DescFWrite uint16 = 0x2

	VringAlign = 4096

	descSize = 16
)

var (
	ErrNoFreeDescriptors = errors.New("not enough free descriptors")
	ErrEmptyChain        = errors.New("chain has no buffers")
)

// Memory is how the driver reaches guest memory.
type Memory interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Buffer is one descriptor of a chain. Write marks it device-writable.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool
}

// Used is one completion taken from the used ring.
type Used struct {
	ID  uint16
	Len uint32
}

type Queue struct {
	mem  Memory
	size uint16
	base uint64

	desc  uint64
	avail uint64
	used  uint64

	availIdx uint16
	lastUsed uint16

	free   []uint16
	chains map[uint16][]uint16
}

// RingBytes returns the guest memory a queue of size entries occupies.
func RingBytes(size uint16) uint64 {
	_, _, used := layout(0, size)

	return used + 6 + 8*uint64(size)
}

func layout(base uint64, size uint16) (desc, avail, used uint64) {
	desc = base
	avail = desc + descSize*uint64(size)
	used = avail + 6 + 2*uint64(size)
	used = (used + VringAlign - 1) &^ (VringAlign - 1)

	return desc, avail, used
}

// New lays out a queue of size entries at base, which must be page aligned,
// and zeroes its rings.
func New(mem Memory, base uint64, size uint16) (*Queue, error) {
	if base%VringAlign != 0 {
		return nil, fmt.Errorf("queue base %#x is not %d aligned", base, VringAlign)
	}

	q := &Queue{
		mem:    mem,
		size:   size,
		base:   base,
		free:   make([]uint16, 0, size),
		chains: make(map[uint16][]uint16),
	}

	q.desc, q.avail, q.used = layout(base, size)

	if _, err := mem.WriteAt(make([]byte, RingBytes(size)), int64(base)); err != nil {
		return nil, err
	}

	for i := range size {
		q.free = append(q.free, i)
	}

	return q, nil
}

func (q *Queue) Size() uint16 {
	return q.size
}

func (q *Queue) Addresses() (desc, avail, used uint64) {
	return q.desc, q.avail, q.used
}

// PFN is the value a legacy driver writes to the queue address register.
func (q *Queue) PFN() uint32 {
	return uint32(q.base / VringAlign)
}

func (q *Queue) writeU16(addr uint64, v uint16) error {
	_, err := q.mem.WriteAt(binary.LittleEndian.AppendUint16(nil, v), int64(addr))

	return err
}

func (q *Queue) readU16(addr uint64) (uint16, error) {
	b := make([]byte, 2)
	if _, err := q.mem.ReadAt(b, int64(addr)); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// SetDescriptor writes descriptor i verbatim.
func (q *Queue) SetDescriptor(i uint16, addr uint64, length uint32, flags, next uint16) error {
	b := make([]byte, descSize)
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)

	_, err := q.mem.WriteAt(b, int64(q.desc+descSize*uint64(i)))

	return err
}

// NextFree returns the descriptor the next AddChain will use as its head.
func (q *Queue) NextFree() (uint16, bool) {
	if len(q.free) == 0 {
		return 0, false
	}

	return q.free[0], true
}

// Publish makes head available to the device.
func (q *Queue) Publish(head uint16) error {
	slot := q.avail + 4 + 2*uint64(q.availIdx%q.size)
	if err := q.writeU16(slot, head); err != nil {
		return err
	}

	q.availIdx++

	return q.writeU16(q.avail+2, q.availIdx)
}

// AddChain writes bufs as one descriptor chain and publishes it. It returns
// the head index.
func (q *Queue) AddChain(bufs ...Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, ErrEmptyChain
	}

	if len(bufs) > len(q.free) {
		return 0, ErrNoFreeDescriptors
	}

	ids := append([]uint16(nil), q.free[:len(bufs)]...)
	q.free = q.free[len(bufs):]

	for i, b := range bufs {
		var flags, next uint16

		if b.Write {
			flags |= DescFWrite
		}

		if i+1 < len(bufs) {
			flags |= DescFNext
			next = ids[i+1]
		}

		if err := q.SetDescriptor(ids[i], b.Addr, b.Len, flags, next); err != nil {
			return 0, err
		}
	}

	q.chains[ids[0]] = ids

	return ids[0], q.Publish(ids[0])
}

// UsedIdx returns the device's used index.
func (q *Queue) UsedIdx() (uint16, error) {
	return q.readU16(q.used + 2)
}

// Pending returns how many published heads the device has not completed.
func (q *Queue) Pending() (uint16, error) {
	idx, err := q.UsedIdx()
	if err != nil {
		return 0, err
	}

	return q.availIdx - idx, nil
}

// Used returns the completions posted since the last call and frees their
// descriptors.
func (q *Queue) Used() ([]Used, error) {
	idx, err := q.UsedIdx()
	if err != nil {
		return nil, err
	}

	var res []Used

	b := make([]byte, 8)

	for ; q.lastUsed != idx; q.lastUsed++ {
		addr := q.used + 4 + 8*uint64(q.lastUsed%q.size)
		if _, err := q.mem.ReadAt(b, int64(addr)); err != nil {
			return res, err
		}

		u := Used{
			ID:  uint16(binary.LittleEndian.Uint32(b[0:4])),
			Len: binary.LittleEndian.Uint32(b[4:8]),
		}

		if ids, ok := q.chains[u.ID]; ok {
			q.free = append(q.free, ids...)
			delete(q.chains, u.ID)
		}

		res = append(res, u)
	}

	return res, nil
}
