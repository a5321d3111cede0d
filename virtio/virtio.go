// Package virtio implements the device side of virtio: split virtqueues,
// zero-copy I/O vectors over guest memory, and the entropy device.
package virtio

const (
	// QueueSize is the depth of every queue exposed by the devices here.
	QueueSize = 256

	VirtqDescFNext     uint16 = 0x1
	VirtqDescFWrite    uint16 = 0x2
	VirtqDescFIndirect uint16 = 0x4

	// LegacyVringAlign is the used ring alignment of legacy virtio-pci.
	LegacyVringAlign = 4096
)

// Feature bits.
const (
	FeatureRNGLeak  = 0
	FeatureVersion1 = 32
)

// Device types.
const (
	TypeNet     = 1
	TypeBlock   = 2
	TypeConsole = 3
	TypeRNG     = 4
)

// GuestMemory is the view of guest memory devices need: bounds-checked
// translation of a guest range to a host slice, and dirty tracking for
// writes done through such slices.
type GuestMemory interface {
	Slice(addr uint64, length uint32) ([]byte, error)
	MarkDirty(addr, length uint64)
}

// LegacyRingAddresses returns the descriptor table, available ring and used
// ring addresses of a queue laid out contiguously at base.
func LegacyRingAddresses(base uint64, size uint16) (desc, avail, used uint64) {
	desc = base
	avail = desc + 16*uint64(size)
	used = avail + 4 + 2*uint64(size) + 2
	used = (used + LegacyVringAlign - 1) &^ (LegacyVringAlign - 1)

	return desc, avail, used
}
