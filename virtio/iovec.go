package virtio

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrGuestMemory          = errors.New("guest memory access")
	ErrReadOnlyDescriptor   = errors.New("unexpected read-only descriptor")
	ErrWriteOnlyDescriptor  = errors.New("unexpected write-only descriptor")
	ErrBufferSizeMismatch   = errors.New("buffer sizes differ")
	errDescriptorOverflowed = fmt.Errorf("%w: total length overflows u32", ErrDescriptorChain)
)

// IoVecBuffer holds host views of the buffers of one descriptor chain. The
// readable (device reads) buffers come first, followed by the writable ones.
// Regions alias guest memory; nothing is copied at parse time.
type IoVecBuffer struct {
	descID  uint16
	hasDesc bool

	vecs  [][]byte
	split int

	readLen  uint32
	writeLen uint32
}

func NewIoVecBuffer() *IoVecBuffer {
	return &IoVecBuffer{
		vecs: make([][]byte, 0, 16),
	}
}

func (b *IoVecBuffer) clear() {
	b.descID = 0
	b.hasDesc = false
	clear(b.vecs)
	b.vecs = b.vecs[:0]
	b.split = 0
	b.readLen = 0
	b.writeLen = 0
}

func classify(err error) error {
	if errors.Is(err, ErrDescriptorChain) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrGuestMemory, err)
}

type parseMode int

const (
	parseMixed parseMode = iota
	parseReadOnly
	parseWriteOnly
)

// Parse walks the chain starting at head. Readable descriptors must precede
// writable ones. Writable regions are marked dirty as they are parsed.
//
// On error the buffer may hold a partial chain, but DescriptorID is always
// set so the caller can retire the head.
func (b *IoVecBuffer) Parse(mem GuestMemory, head *DescriptorChain) error {
	return b.parse(mem, head, parseMixed)
}

// ParseReadOnly rejects chains containing writable descriptors.
func (b *IoVecBuffer) ParseReadOnly(mem GuestMemory, head *DescriptorChain) error {
	return b.parse(mem, head, parseReadOnly)
}

// ParseWriteOnly rejects chains containing readable descriptors.
func (b *IoVecBuffer) ParseWriteOnly(mem GuestMemory, head *DescriptorChain) error {
	return b.parse(mem, head, parseWriteOnly)
}

func (b *IoVecBuffer) parse(mem GuestMemory, head *DescriptorChain, mode parseMode) error {
	b.clear()

	if head == nil {
		return fmt.Errorf("%w: no head descriptor", ErrDescriptorChain)
	}

	b.descID = head.Index
	b.hasDesc = true

	if head.Err() != nil {
		return classify(head.Err())
	}

	inWrite := false

	for d := head; d != nil; {
		switch {
		case d.IsWriteOnly() && mode == parseReadOnly:
			return ErrWriteOnlyDescriptor
		case !d.IsWriteOnly() && mode == parseWriteOnly:
			return ErrReadOnlyDescriptor
		case !d.IsWriteOnly() && inWrite:
			return ErrReadOnlyDescriptor
		}

		region, err := mem.Slice(d.Addr, d.Len)
		if err != nil {
			return classify(err)
		}

		if d.IsWriteOnly() {
			if !inWrite {
				b.split = len(b.vecs)
				inWrite = true
			}

			if uint64(b.writeLen)+uint64(d.Len) > math.MaxUint32 {
				return errDescriptorOverflowed
			}

			b.writeLen += d.Len
			mem.MarkDirty(d.Addr, uint64(d.Len))
		} else {
			if uint64(b.readLen)+uint64(d.Len) > math.MaxUint32 {
				return errDescriptorOverflowed
			}

			b.readLen += d.Len
		}

		b.vecs = append(b.vecs, region)

		next, err := d.Next()
		if err != nil {
			return classify(err)
		}

		d = next
	}

	if !inWrite {
		b.split = len(b.vecs)
	}

	return nil
}

// DescriptorID returns the head index of the parsed chain.
func (b *IoVecBuffer) DescriptorID() (uint16, bool) {
	return b.descID, b.hasDesc
}

// Read returns the regions the device reads from.
func (b *IoVecBuffer) Read() [][]byte {
	return b.vecs[:b.split]
}

// Write returns the regions the device writes to.
func (b *IoVecBuffer) Write() [][]byte {
	return b.vecs[b.split:]
}

func (b *IoVecBuffer) ReadLen() uint32 {
	return b.readLen
}

func (b *IoVecBuffer) WriteLen() uint32 {
	return b.writeLen
}

// ReadAt copies readable bytes starting at off into p. It returns false if
// off is past the readable part or p is empty.
func (b *IoVecBuffer) ReadAt(p []byte, off uint32) (int, bool) {
	frags, ok := subregion(b.Read(), b.readLen, off, len(p))
	if !ok {
		return 0, false
	}

	n := 0
	for _, f := range frags {
		n += copy(p[n:], f)
	}

	return n, true
}

// WriteAt copies p into the writable part starting at off. It returns false
// if off is past the writable part or p is empty.
func (b *IoVecBuffer) WriteAt(p []byte, off uint32) (int, bool) {
	frags, ok := subregion(b.Write(), b.writeLen, off, len(p))
	if !ok {
		return 0, false
	}

	n := 0
	for _, f := range frags {
		n += copy(f, p[n:])
	}

	return n, true
}

// subregion returns the fragments of regions covering [off, off+size),
// truncated at total.
func subregion(regions [][]byte, total, off uint32, size int) ([][]byte, bool) {
	if off >= total || size == 0 {
		return nil, false
	}

	remaining := min(uint64(size), uint64(total-off))
	skip := uint64(off)

	var frags [][]byte

	for _, r := range regions {
		if remaining == 0 {
			break
		}

		l := uint64(len(r))
		if skip >= l {
			skip -= l

			continue
		}

		n := min(l-skip, remaining)
		frags = append(frags, r[skip:skip+n])
		remaining -= n
		skip = 0
	}

	return frags, true
}
