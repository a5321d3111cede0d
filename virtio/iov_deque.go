package virtio

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// IovDequeCapacity is the number of entries an IovDeque holds. It matches
// the queue size so every available descriptor can be staged at once.
const IovDequeCapacity = QueueSize

var (
	ErrIovDequeFull  = errors.New("iov deque is full")
	ErrIovDequeEmpty = errors.New("iov deque is empty")
)

const sizeofIovec = int(unsafe.Sizeof(unix.Iovec{}))

// IovDeque is a fixed-capacity FIFO of iovecs whose live entries are always
// contiguous, so they can be handed to readv/writev as one slice.
//
// The backing pages are mapped twice, back to back, from the same memfd. An
// entry written at index i is therefore also visible at i+capacity, and
// [head, tail) never needs to wrap. If the double mapping cannot be set up
// the deque falls back to a single buffer and AsMutSlice copies wrapped
// entries into a scratch slice.
//
// The iovecs live outside the Go heap, so Base must point at memory the
// garbage collector does not manage, such as guest memory.
type IovDeque struct {
	iov      []unix.Iovec
	head     int
	tail     int
	mirrored bool

	mapping unsafe.Pointer
	mapLen  uintptr

	scratch []unix.Iovec
}

// NewIovDeque returns a double-mapped deque, or a copying one if the host
// does not allow the double mapping.
func NewIovDeque() (*IovDeque, error) {
	d, err := newMirroredIovDeque()
	if err == nil {
		return d, nil
	}

	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL) {
		return NewCopyingIovDeque(), nil
	}

	return nil, err
}

// NewCopyingIovDeque returns a deque backed by a single Go slice.
func NewCopyingIovDeque() *IovDeque {
	return &IovDeque{
		iov:     make([]unix.Iovec, IovDequeCapacity),
		scratch: make([]unix.Iovec, 0, IovDequeCapacity),
	}
}

func newMirroredIovDeque() (*IovDeque, error) {
	pageSize := os.Getpagesize()

	bytes := IovDequeCapacity * sizeofIovec
	bytes = (bytes + pageSize - 1) &^ (pageSize - 1)

	fd, err := unix.MemfdCreate("iov_deque", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	// the mappings keep the file alive.
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(bytes)); err != nil {
		return nil, fmt.Errorf("ftruncate: %w", err)
	}

	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
		unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
		return nil, fmt.Errorf("seal memfd: %w", err)
	}

	mapLen := uintptr(2 * bytes)

	// reserve a contiguous range, then map the file over both halves.
	base, err := unix.MmapPtr(-1, 0, nil, mapLen, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("reserve iov deque: %w", err)
	}

	for i := 0; i < 2; i++ {
		addr := unsafe.Add(base, i*bytes)

		if _, err := unix.MmapPtr(fd, 0, addr, uintptr(bytes),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED); err != nil {
			_ = unix.MunmapPtr(base, mapLen)

			return nil, fmt.Errorf("map iov deque half %d: %w", i, err)
		}
	}

	return &IovDeque{
		iov:      unsafe.Slice((*unix.Iovec)(base), 2*bytes/sizeofIovec),
		mirrored: true,
		mapping:  base,
		mapLen:   mapLen,
	}, nil
}

// Mirrored reports whether the deque is double-mapped.
func (d *IovDeque) Mirrored() bool {
	return d.mirrored
}

func (d *IovDeque) Len() int {
	return d.tail - d.head
}

func (d *IovDeque) IsEmpty() bool {
	return d.tail == d.head
}

func (d *IovDeque) IsFull() bool {
	return d.Len() == IovDequeCapacity
}

func (d *IovDeque) slot(i int) *unix.Iovec {
	if d.mirrored {
		return &d.iov[i]
	}

	return &d.iov[i%IovDequeCapacity]
}

// PushBack appends an entry covering b.
func (d *IovDeque) PushBack(b []byte) error {
	if d.IsFull() {
		return ErrIovDequeFull
	}

	v := d.slot(d.tail)
	*v = unix.Iovec{}

	if len(b) > 0 {
		v.Base = &b[0]
		v.SetLen(len(b))
	}

	d.tail++

	return nil
}

// PopFront removes the oldest entry and returns it.
func (d *IovDeque) PopFront() (unix.Iovec, error) {
	if d.IsEmpty() {
		return unix.Iovec{}, ErrIovDequeEmpty
	}

	v := *d.slot(d.head)
	d.head++

	if d.head > IovDequeCapacity {
		d.head -= IovDequeCapacity
		d.tail -= IovDequeCapacity
	}

	return v, nil
}

// DropIovs pops entries until their total length reaches size. It returns
// the bytes covered by the dropped entries, which may exceed size by part
// of the last one. If the deque empties first the error wraps
// ErrIovDequeEmpty.
func (d *IovDeque) DropIovs(size uint64) (uint64, error) {
	var dropped uint64

	for dropped < size {
		v, err := d.PopFront()
		if err != nil {
			return dropped, fmt.Errorf("dropped %d of %d bytes: %w", dropped, size, err)
		}

		dropped += uint64(v.Len)
	}

	return dropped, nil
}

// AsMutSlice returns the live entries in order as one contiguous slice. The
// slice is only valid until the next mutation of the deque.
func (d *IovDeque) AsMutSlice() []unix.Iovec {
	if d.mirrored {
		return d.iov[d.head:d.tail]
	}

	h, t := d.head%IovDequeCapacity, d.head%IovDequeCapacity+d.Len()
	if t <= IovDequeCapacity {
		return d.iov[h:t]
	}

	d.scratch = append(d.scratch[:0], d.iov[h:]...)
	d.scratch = append(d.scratch, d.iov[:t-IovDequeCapacity]...)

	return d.scratch
}

func (d *IovDeque) Clear() {
	d.head = 0
	d.tail = 0
}

// Close unmaps the backing pages. The deque must not be used afterwards.
func (d *IovDeque) Close() error {
	if d.mapping == nil {
		return nil
	}

	err := unix.MunmapPtr(d.mapping, d.mapLen)
	d.mapping = nil
	d.iov = nil

	return err
}
