package canopen

import (
	"github.com/soypat/peagate/canbus"
)

const (
	// RPDOCount is the number of receive PDOs a node listens to.
	RPDOCount = 4
	rpdoBase  = 0x200
	tpdoBase  = 0x180
	pdoStride = 0x100
)

// RPDO is a process data object received from the bus.
type RPDO struct {
	Number uint8 // 0..3
	Data   [8]byte
}

// TPDO is a process data object queued for transmission.
type TPDO struct {
	number uint16
	size   uint8
	data   [8]byte
}

// NewTPDO returns TPDO number n carrying data. data must be at most 8 bytes.
func NewTPDO(n uint16, data []byte) (TPDO, error) {
	if len(data) > 8 {
		return TPDO{}, canbus.ErrInvalidLen
	}
	p := TPDO{number: n, size: uint8(len(data))}
	copy(p.data[:], data)
	return p, nil
}

// Number returns the PDO number.
func (p TPDO) Number() uint16 { return p.number }

// Data returns the PDO payload.
func (p TPDO) Data() []byte { return p.data[:p.size] }

// Frame returns the CAN frame transmitting p from node.
func (p TPDO) Frame(node uint8) (canbus.Frame, error) {
	return canbus.NewFrame(COBID(node, p.number), p.data[:p.size])
}

// COBID returns the transmit identifier of PDO n for node. PDOs 0..3 use the
// four standard function codes; every further group of four shifts the
// identifier up by one.
func COBID(node uint8, n uint16) uint32 {
	pdo := uint32(n)
	return uint32(node) + pdo/4 + tpdoBase + (pdo%4)*pdoStride
}

// rpdoNumber returns the RPDO number addressed by id for node.
func rpdoNumber(node uint8, id uint32) (uint8, bool) {
	for n := uint32(0); n < RPDOCount; n++ {
		if id == rpdoBase+n*pdoStride+uint32(node) {
			return uint8(n), true
		}
	}
	return 0, false
}
