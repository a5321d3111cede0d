// Package memory maps guest physical memory into the host address space and
// hands out bounds-checked views of it to device emulation.
package memory

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidGuestAddress is returned when a guest range is not backed by
	// exactly one memory slot.
	ErrInvalidGuestAddress = errors.New("invalid guest memory range")

	errNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	errSlotNotFound = errors.New("unable to find MemorySlot")
	errInvalidSize  = errors.New("memory slot size must be a positive multiple of the page size")
)

const (
	PageSize = 4096

	// DefaultMaxSlots mirrors the slot limit of a typical KVM host.
	DefaultMaxSlots = 32
)

type RegionType uint8

const (
	RAM RegionType = 0 + iota
	ROM
	IO
)

// Memory is the guest physical address map. It is safe to look up slices
// concurrently; slots must not be added while devices are running.
type Memory struct {
	Slots    []*MemorySlot
	MaxSlots uint32

	as *AddressSpace
}

type MemorySlot struct {
	Addr  uint64
	Size  int
	Slot  uint8
	Flags uint32
	Type  RegionType
	AS    *AddressSpace
	Buf   []byte

	// one bit per guest page, set whenever the host writes the page.
	dirty []uint64
}

// New returns a guest memory map with a single RAM slot of ramsize bytes at
// guest physical address 0.
func New(ramsize int) (*Memory, error) {
	m := NewEmpty(DefaultMaxSlots)

	if err := m.NewMemorySlot(0, ramsize, 0); err != nil {
		return nil, err
	}

	return m, nil
}

// NewEmpty returns a guest memory map without any slot.
func NewEmpty(maxSlots uint32) *Memory {
	return &Memory{
		MaxSlots: maxSlots,
		as:       NewAddressSpace("guest-phys", 0, math.MaxUint64),
	}
}

func (m *Memory) FindSlot(addr uint64, size int) (*MemorySlot, error) {
	for _, slot := range m.Slots {
		if slot.Addr == addr && slot.Size == size {
			return slot, nil
		}
	}

	return nil, errSlotNotFound
}

// NewMemorySlot maps size bytes of anonymous shared memory at guest physical
// address addr.
func (m *Memory) NewMemorySlot(addr uint64, size int, flags uint32) error {
	var err error

	if len(m.Slots) >= int(m.MaxSlots) {
		return errNoSlotsAvail
	}

	if size <= 0 || size%PageSize != 0 {
		return errInvalidSize
	}

	as := NewAddressSpace(fmt.Sprintf("slot-%d", len(m.Slots)), addr, uint64(size))
	if err := m.as.AddAddress(as); err != nil {
		return fmt.Errorf("slot at %#x: %w", addr, err)
	}

	slot := &MemorySlot{
		Addr:  addr,
		Size:  size,
		Slot:  uint8(len(m.Slots)),
		Flags: flags,
		Type:  RAM,
		AS:    as,
		dirty: make([]uint64, (size/PageSize+63)/64),
	}

	slot.Buf, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		m.as.Addresses = m.as.Addresses[:len(m.as.Addresses)-1]

		return err
	}

	m.Slots = append(m.Slots, slot)

	return nil
}

// Close unmaps every slot. Slices handed out before become invalid.
func (m *Memory) Close() error {
	var errs []error

	for _, slot := range m.Slots {
		if err := unix.Munmap(slot.Buf); err != nil {
			errs = append(errs, err)
		}
	}

	m.Slots = nil
	m.as.Addresses = nil

	return errors.Join(errs...)
}

func (m *Memory) lookup(addr, length uint64) (*MemorySlot, uint64, error) {
	end, carry := bits.Add64(addr, length, 0)
	if carry != 0 {
		return nil, 0, fmt.Errorf("%w: [%#x; %d) overflows", ErrInvalidGuestAddress, addr, length)
	}

	for _, slot := range m.Slots {
		if addr < slot.Addr || end > slot.AS.End() {
			continue
		}

		// zero-length ranges still have to point into the slot.
		if length == 0 && addr == slot.AS.End() {
			continue
		}

		return slot, addr - slot.Addr, nil
	}

	return nil, 0, fmt.Errorf("%w: [%#x; %d)", ErrInvalidGuestAddress, addr, length)
}

// Slice returns the host view of the guest range [addr, addr+length). The
// returned slice has its capacity clipped to length, so it can only be
// re-sliced within the validated range.
func (m *Memory) Slice(addr uint64, length uint32) ([]byte, error) {
	slot, off, err := m.lookup(addr, uint64(length))
	if err != nil {
		return nil, err
	}

	end := off + uint64(length)

	return slot.Buf[off:end:end], nil
}

// MarkDirty records that the host wrote [addr, addr+length). Writes through
// slices returned by Slice are not tracked otherwise.
func (m *Memory) MarkDirty(addr, length uint64) {
	if length == 0 {
		return
	}

	slot, off, err := m.lookup(addr, length)
	if err != nil {
		return
	}

	first := off / PageSize
	last := (off + length - 1) / PageSize

	for page := first; page <= last; page++ {
		atomic.OrUint64(&slot.dirty[page/64], 1<<(page%64))
	}
}

// DirtyPages returns the guest physical addresses of every page marked dirty
// since the last ClearDirty.
func (m *Memory) DirtyPages() []uint64 {
	var pages []uint64

	for _, slot := range m.Slots {
		for i := range slot.dirty {
			word := atomic.LoadUint64(&slot.dirty[i])
			for word != 0 {
				bit := uint64(bits.TrailingZeros64(word))
				word &^= 1 << bit
				pages = append(pages, slot.Addr+(uint64(i)*64+bit)*PageSize)
			}
		}
	}

	return pages
}

func (m *Memory) ClearDirty() {
	for _, slot := range m.Slots {
		for i := range slot.dirty {
			atomic.StoreUint64(&slot.dirty[i], 0)
		}
	}
}

// ReadAt copies guest memory starting at guest physical address off into p.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(len(p)) > math.MaxUint32 {
		return 0, ErrInvalidGuestAddress
	}

	buf, err := m.Slice(uint64(off), uint32(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, buf), nil
}

// WriteAt copies p into guest memory at guest physical address off and marks
// the range dirty.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(len(p)) > math.MaxUint32 {
		return 0, ErrInvalidGuestAddress
	}

	buf, err := m.Slice(uint64(off), uint32(len(p)))
	if err != nil {
		return 0, err
	}

	n := copy(buf, p)
	m.MarkDirty(uint64(off), uint64(n))

	return n, nil
}
