package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrDescriptorChain      = errors.New("malformed descriptor chain")
	ErrDescIndexOutOfBounds = errors.New("descriptor index out of bounds")
	ErrUsedRingFull         = errors.New("used ring has no free entry")
)

const descSize = 16

// DescriptorQueue is what devices need from a queue while serving requests.
type DescriptorQueue interface {
	Pop(mem GuestMemory) *DescriptorChain
	UndoPop()
	AddUsed(mem GuestMemory, index uint16, length uint32) error
}

// Queue is the device half of a split virtqueue.
type Queue struct {
	MaxSize uint16
	Size    uint16
	Ready   bool

	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	nextAvail uint16
	nextUsed  uint16

	// heads popped and not yet returned through AddUsed. Heads outside the
	// descriptor table can never be returned and are not counted.
	inFlight    uint16
	lastCounted bool
}

func NewQueue(maxSize uint16) *Queue {
	return &Queue{
		MaxSize: maxSize,
		Size:    maxSize,
	}
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescTable = desc
	q.AvailRing = avail
	q.UsedRing = used
}

// Reset returns the queue to the state it had before the driver configured it.
func (q *Queue) Reset() {
	q.Size = q.MaxSize
	q.Ready = false
	q.DescTable, q.AvailRing, q.UsedRing = 0, 0, 0
	q.nextAvail, q.nextUsed, q.inFlight = 0, 0, 0
}

func (q *Queue) NextAvail() uint16 {
	return q.nextAvail
}

func (q *Queue) NextUsed() uint16 {
	return q.nextUsed
}

// IsValid reports whether the queue is ready and all of its rings are backed
// by guest memory.
func (q *Queue) IsValid(mem GuestMemory) bool {
	if !q.Ready || q.Size == 0 || q.Size > q.MaxSize || q.Size&(q.Size-1) != 0 {
		return false
	}

	n := uint32(q.Size)

	for _, r := range []struct {
		addr uint64
		len  uint32
	}{
		{q.DescTable, descSize * n},
		{q.AvailRing, 6 + 2*n},
		{q.UsedRing, 6 + 8*n},
	} {
		if _, err := mem.Slice(r.addr, r.len); err != nil {
			return false
		}
	}

	return true
}

func readU16(mem GuestMemory, addr uint64) (uint16, error) {
	b, err := mem.Slice(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func writeU16(mem GuestMemory, addr uint64, v uint16) error {
	b, err := mem.Slice(addr, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(b, v)
	mem.MarkDirty(addr, 2)

	return nil
}

// Len returns the number of heads the driver has made available and the
// device has not popped yet.
func (q *Queue) Len(mem GuestMemory) uint16 {
	idx, err := readU16(mem, q.AvailRing+2)
	if err != nil {
		return 0
	}

	return idx - q.nextAvail
}

// Pop takes the next available head. It returns nil if the queue is empty,
// not ready, or the available index is corrupt. A head whose descriptor
// cannot be read is still returned; the error surfaces when the chain is
// parsed so the device can retire it.
func (q *Queue) Pop(mem GuestMemory) *DescriptorChain {
	if !q.Ready || q.Size == 0 {
		return nil
	}

	pending := q.Len(mem)
	if pending == 0 || pending > q.Size {
		return nil
	}

	head, err := readU16(mem, q.AvailRing+4+2*uint64(q.nextAvail%q.Size))
	if err != nil {
		return nil
	}

	q.nextAvail++

	q.lastCounted = head < q.Size
	if q.lastCounted {
		q.inFlight++
	}

	return newDescriptorChain(mem, q.DescTable, q.Size, head, q.Size)
}

// UndoPop puts the last popped head back.
func (q *Queue) UndoPop() {
	q.nextAvail--

	if q.lastCounted {
		q.inFlight--
		q.lastCounted = false
	}
}

// AddUsed returns the head at index to the driver with length bytes written.
func (q *Queue) AddUsed(mem GuestMemory, index uint16, length uint32) error {
	if index >= q.Size {
		return fmt.Errorf("%w: %d >= %d", ErrDescIndexOutOfBounds, index, q.Size)
	}

	if q.inFlight == 0 {
		return ErrUsedRingFull
	}

	addr := q.UsedRing + 4 + 8*uint64(q.nextUsed%q.Size)

	elem, err := mem.Slice(addr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(elem[0:4], uint32(index))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	mem.MarkDirty(addr, 8)

	if err := writeU16(mem, q.UsedRing+2, q.nextUsed+1); err != nil {
		return err
	}

	q.nextUsed++
	q.inFlight--

	return nil
}

// DescriptorChain is one descriptor of a chain, with the means to walk to
// the next one.
type DescriptorChain struct {
	mem       GuestMemory
	descTable uint64
	queueSize uint16
	ttl       uint16
	err       error

	Index     uint16
	Addr      uint64
	Len       uint32
	Flags     uint16
	NextIndex uint16
}

func newDescriptorChain(mem GuestMemory, descTable uint64, queueSize, index, ttl uint16) *DescriptorChain {
	d := &DescriptorChain{
		mem:       mem,
		descTable: descTable,
		queueSize: queueSize,
		ttl:       ttl,
		Index:     index,
	}

	if index >= queueSize {
		d.err = fmt.Errorf("%w: %w: descriptor %d", ErrDescriptorChain, ErrDescIndexOutOfBounds, index)

		return d
	}

	b, err := mem.Slice(descTable+descSize*uint64(index), descSize)
	if err != nil {
		d.err = err

		return d
	}

	d.Addr = binary.LittleEndian.Uint64(b[0:8])
	d.Len = binary.LittleEndian.Uint32(b[8:12])
	d.Flags = binary.LittleEndian.Uint16(b[12:14])
	d.NextIndex = binary.LittleEndian.Uint16(b[14:16])

	return d
}

// Err reports why the descriptor could not be read, if it could not.
func (d *DescriptorChain) Err() error {
	return d.err
}

func (d *DescriptorChain) IsWriteOnly() bool {
	return d.Flags&VirtqDescFWrite != 0
}

func (d *DescriptorChain) HasNext() bool {
	return d.Flags&VirtqDescFNext != 0
}

// Next returns the following descriptor, nil at the end of the chain, or an
// error if the chain is longer than the queue.
func (d *DescriptorChain) Next() (*DescriptorChain, error) {
	if !d.HasNext() {
		return nil, nil
	}

	if d.ttl <= 1 {
		return nil, fmt.Errorf("%w: chain longer than queue size %d", ErrDescriptorChain, d.queueSize)
	}

	next := newDescriptorChain(d.mem, d.descTable, d.queueSize, d.NextIndex, d.ttl-1)
	if next.err != nil {
		return nil, next.err
	}

	return next, nil
}
