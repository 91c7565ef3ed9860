package encoder

// SlaveNumber selects one of up to 8 logical encoder instances sharing a bus segment.
type SlaveNumber uint8

// MaxSlaves is the number of addressable slave instances.
const MaxSlaves = 8

// SlaveNumberFrom maps v to a SlaveNumber. Values past the last instance map to slave 0.
func SlaveNumberFrom(v uint8) SlaveNumber {
	return SlaveNumber(v).valid()
}

func (s SlaveNumber) valid() SlaveNumber {
	if s >= MaxSlaves {
		return 0
	}
	return s
}

// Slaves is a pair of slave addresses packed into one 32 bit configuration value.
type Slaves struct {
	Low, High uint16
}

// SlavesFromUint32 unpacks v, low half first.
func SlavesFromUint32(v uint32) Slaves {
	return Slaves{Low: uint16(v), High: uint16(v >> 16)}
}

// Uint32 packs s with Low in the least significant half.
func (s Slaves) Uint32() uint32 {
	return uint32(s.Low) | uint32(s.High)<<16
}
