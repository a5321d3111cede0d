package pci

import "errors"

var ErrIONotPermit = errors.New("IO is not permitted for PCI bridge")

type bridge struct{}

// host bridge, 8086:0d57
func (br bridge) GetDeviceHeader() DeviceHeader {
	return DeviceHeader{
		DeviceID:   0x0d57,
		VendorID:   0x8086,
		HeaderType: 1,
		ClassCode:  [3]uint8{0x00, 0x04, 0x06},
	}
}

func (br bridge) IOInHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) IOOutHandler(port uint64, bytes []byte) error {
	return ErrIONotPermit
}

func (br bridge) GetIORange() (start, end uint64) {
	return 0, 0
}

func NewBridge() Device {
	return &bridge{}
}
