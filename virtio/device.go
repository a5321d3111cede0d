package virtio

// Features tracks what a device offers and what the driver accepted. The
// bits are exchanged 32 at a time, one page per access.
type Features struct {
	avail uint64
	acked uint64

	// called with the page and bits when the driver asks for something
	// that was not offered.
	OnUnrequested func(page uint32, bits uint32)
}

func NewFeatures(avail uint64) Features {
	return Features{avail: avail}
}

func (f *Features) Avail() uint64 {
	return f.avail
}

func (f *Features) Acked() uint64 {
	return f.acked
}

// AvailFeaturesByPage returns the offered bits of page 0 (low) or 1 (high).
// Other pages read as zero.
func (f *Features) AvailFeaturesByPage(page uint32) uint32 {
	switch page {
	case 0:
		return uint32(f.avail)
	case 1:
		return uint32(f.avail >> 32)
	default:
		return 0
	}
}

// AckFeaturesByPage records the driver's accepted bits for page. Bits the
// device never offered are dropped.
func (f *Features) AckFeaturesByPage(page, value uint32) {
	var v uint64

	switch page {
	case 0:
		v = uint64(value)
	case 1:
		v = uint64(value) << 32
	default:
		if f.OnUnrequested != nil {
			f.OnUnrequested(page, value)
		}

		return
	}

	if unrequested := v &^ f.avail; unrequested != 0 {
		if f.OnUnrequested != nil {
			f.OnUnrequested(page, uint32(unrequested>>(32*page)))
		}

		v &^= unrequested
	}

	f.acked |= v
}

// HasFeature reports whether bit was offered and accepted.
func (f *Features) HasFeature(bit uint) bool {
	return f.acked&(1<<bit) != 0
}

// Reset forgets the driver's acknowledgements.
func (f *Features) Reset() {
	f.acked = 0
}
