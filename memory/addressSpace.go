package memory

import (
	"errors"
)

var errAddrSpaceOccupied = errors.New("address space occupied")

// AddressSpace is a named [Start, Start+Size) range of guest physical
// addresses. Children must not overlap each other.
type AddressSpace struct {
	Name      string
	Start     uint64
	Size      uint64
	Addresses []*AddressSpace
}

func NewAddressSpace(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

func (a *AddressSpace) End() uint64 {
	return a.Start + a.Size
}

func (a *AddressSpace) AddAddress(addr *AddressSpace) error {
	if !a.InRange(addr) || !a.IsFree(addr) {
		return errAddrSpaceOccupied
	}

	a.Addresses = append(a.Addresses, addr)

	return nil
}

// InRange reports whether addr lies completely inside a.
func (a *AddressSpace) InRange(addr *AddressSpace) bool {
	if addr.End() < addr.Start {
		return false
	}

	return addr.Start >= a.Start && addr.End() <= a.End()
}

func (a *AddressSpace) Overlaps(b *AddressSpace) bool {
	return a.Start < b.End() && b.Start < a.End()
}

func (a *AddressSpace) IsFree(ad *AddressSpace) bool {
	for _, addr := range a.Addresses {
		if addr.Overlaps(ad) {
			return false
		}
	}

	return true
}
