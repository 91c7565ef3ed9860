/*
	package peagate implements the shared register bank and Modbus PDU codec of
	a fieldbus gateway that serves the same registers over Modbus RTU and CAN.

# Glossary

  - ADU: Application Data Unit. Encapsulates the PDU with the fields the serial
    line adds: slave address and CRC.
  - PDU: Protocol Data Unit. Function code followed by the data associated with it.
  - Composite value: a 32 bit quantity stored in two adjacent 16 bit registers,
    the register at the lower address holding the high half.

# Modbus Data Model

	Data table type   | Structure  | Access     | Comments
	Discrete Inputs   | Single bit | Read-only  | Data provided by an IO system
	Coils             | Single bit | Read/Write | Alterable by application program
	Input Registers   | 16bit word | Read-only  | Data provided by an IO system
	Holding Registers | 16bit word | Read/Write | Alterable by application program
*/
package peagate

import (
	"encoding/binary"
	"sync"
)

// DataModel is the core abstraction of the register data in the modbus protocol.
// Accessors return [ExceptionIllegalDataAddr] for addresses outside of the bank.
type DataModel interface {
	// GetCoil checks if coil at position i is set.
	GetCoil(i int) (bool, Exception)
	// SetCoil sets the coil at position i to b.
	SetCoil(i int, b bool) Exception

	// GetDiscreteInput checks if discrete input at position i is set.
	GetDiscreteInput(i int) (bool, Exception)
	// SetDiscreteInput sets the discrete input at position i to b.
	SetDiscreteInput(i int, b bool) Exception

	// GetInputRegister returns the 16-bit value of the input register at position i.
	GetInputRegister(i int) (uint16, Exception)
	// SetInputRegister sets the 16-bit value of the input register at position i.
	SetInputRegister(i int, value uint16) Exception

	// GetHoldingRegister returns the 16-bit value of the holding register at position i.
	GetHoldingRegister(i int) (uint16, Exception)
	// SetHoldingRegister sets the 16-bit value of the holding register at position i.
	SetHoldingRegister(i int, value uint16) Exception
}

// Protocol limits on the number of items in one request.
const (
	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegister = 123
)

// readFromModel reads data from the model into dst as per specified by fc, the start address and
// quantity. It is a low level primitive that receives raw modbus PDU data.
// The caller is responsible for serializing access to model.
func readFromModel(dst []byte, model DataModel, fc FunctionCode, startAddress, quantity uint16) (exc Exception) {
	bitSize := fc == FCReadCoils || fc == FCReadDiscreteInputs
	switch {
	case !bitSize && fc != FCReadHoldingRegisters && fc != FCReadInputRegisters:
		return ExceptionIllegalFunction
	case quantity == 0:
		return ExceptionIllegalDataValue
	case bitSize && quantity > maxReadBits:
		return ExceptionIllegalDataValue
	case !bitSize && quantity > maxReadRegisters:
		return ExceptionIllegalDataValue
	case int(startAddress)+int(quantity) > 0x10000:
		return ExceptionIllegalDataAddr
	}
	var gotu16 uint16
	var gotb bool
	for i := uint16(0); exc == ExceptionNone && i < quantity; i++ {
		ireg := int(startAddress) + int(i)
		switch fc {
		case FCReadHoldingRegisters:
			gotu16, exc = model.GetHoldingRegister(ireg)
			binary.BigEndian.PutUint16(dst[2*i:], gotu16)
		case FCReadInputRegisters:
			gotu16, exc = model.GetInputRegister(ireg)
			binary.BigEndian.PutUint16(dst[2*i:], gotu16)
		case FCReadCoils:
			gotb, exc = model.GetCoil(ireg)
			putBit(dst, i, gotb)
		case FCReadDiscreteInputs:
			gotb, exc = model.GetDiscreteInput(ireg)
			putBit(dst, i, gotb)
		}
	}
	return exc
}

func putBit(dst []byte, i uint16, b bool) {
	if b {
		dst[i/8] |= (1 << (i % 8)) // Set bit.
	} else {
		dst[i/8] &^= (1 << (i % 8)) // Unset bit.
	}
}

// writeToModel implements the low level API for modifying the register data
// using PDU data obtained directly from a modbus transaction.
// The caller is responsible for serializing access to model.
func writeToModel(model DataModel, fc FunctionCode, startAddress, quantity uint16, data []byte) (exc Exception) {
	bitSize := fc == FCWriteSingleCoil || fc == FCWriteMultipleCoils
	switch {
	case !bitSize && fc != FCWriteSingleRegister && fc != FCWriteMultipleRegisters:
		return ExceptionIllegalFunction
	case quantity == 0:
		return ExceptionIllegalDataValue
	case quantity != 1 && (fc == FCWriteSingleCoil || fc == FCWriteSingleRegister):
		return ExceptionIllegalDataValue
	case bitSize && quantity > maxWriteBits, !bitSize && quantity > maxWriteRegister:
		return ExceptionIllegalDataValue
	case int(startAddress)+int(quantity) > 0x10000:
		return ExceptionIllegalDataAddr
	}
	// Probe the last address so a partially out of range request does not
	// leave the bank half written.
	last := int(startAddress) + int(quantity) - 1
	if bitSize {
		_, exc = model.GetCoil(last)
	} else {
		_, exc = model.GetHoldingRegister(last)
	}
	for i := uint16(0); exc == ExceptionNone && i < quantity; i++ {
		ireg := int(startAddress) + int(i)
		switch fc {
		case FCWriteMultipleRegisters, FCWriteSingleRegister:
			exc = model.SetHoldingRegister(ireg, binary.BigEndian.Uint16(data[i*2:]))
		case FCWriteSingleCoil:
			exc = model.SetCoil(ireg, binary.BigEndian.Uint16(data) == 0xff00)
		case FCWriteMultipleCoils:
			bit := data[i/8] & (1 << (i % 8))
			exc = model.SetCoil(ireg, bit != 0)
		}
	}
	return exc
}

// Capacity sets the number of items in each bank of [Registers].
type Capacity struct {
	Coils            int `yaml:"coils"`
	DiscreteInputs   int `yaml:"discrete_inputs"`
	InputRegisters   int `yaml:"input_registers"`
	HoldingRegisters int `yaml:"holding_registers"`
}

// DefaultCapacity returns the bank sizes of a fully populated Modbus node
// restricted to what one request can address.
func DefaultCapacity() Capacity {
	return Capacity{
		Coils:            2000,
		DiscreteInputs:   2000,
		InputRegisters:   125,
		HoldingRegisters: 125,
	}
}

// Registers is a fixed capacity DataModel implementation.
// Each data type (coil, registers) occupies its own block of memory.
// Coils and discrete inputs are packed 16 to a word.
// Registers is not safe for concurrent use, see [Store].
type Registers struct {
	capacity       Capacity
	coils          []uint16
	discreteInputs []uint16
	inputs         []uint16
	holding        []uint16
}

var _ DataModel = (*Registers)(nil)

// NewRegisters allocates banks of the given capacity. Negative capacities panic.
func NewRegisters(c Capacity) *Registers {
	if c.Coils < 0 || c.DiscreteInputs < 0 || c.InputRegisters < 0 || c.HoldingRegisters < 0 {
		panic("negative register capacity")
	}
	return &Registers{
		capacity:       c,
		coils:          make([]uint16, (c.Coils+15)/16),
		discreteInputs: make([]uint16, (c.DiscreteInputs+15)/16),
		inputs:         make([]uint16, c.InputRegisters),
		holding:        make([]uint16, c.HoldingRegisters),
	}
}

// Capacity returns the bank sizes r was created with.
func (r *Registers) Capacity() Capacity { return r.capacity }

func (r *Registers) GetHoldingRegister(i int) (uint16, Exception) {
	if i < 0 || i >= len(r.holding) {
		return 0, ExceptionIllegalDataAddr
	}
	return r.holding[i], ExceptionNone
}

func (r *Registers) SetHoldingRegister(i int, v uint16) Exception {
	if i < 0 || i >= len(r.holding) {
		return ExceptionIllegalDataAddr
	}
	r.holding[i] = v
	return ExceptionNone
}

func (r *Registers) GetInputRegister(i int) (uint16, Exception) {
	if i < 0 || i >= len(r.inputs) {
		return 0, ExceptionIllegalDataAddr
	}
	return r.inputs[i], ExceptionNone
}

func (r *Registers) SetInputRegister(i int, v uint16) Exception {
	if i < 0 || i >= len(r.inputs) {
		return ExceptionIllegalDataAddr
	}
	r.inputs[i] = v
	return ExceptionNone
}

// GetCoil reports whether the coil at position i is set.
func (r *Registers) GetCoil(i int) (bool, Exception) {
	return getPacked(r.coils, r.capacity.Coils, i)
}

// SetCoil sets the coil at position i to value.
func (r *Registers) SetCoil(i int, value bool) Exception {
	return setPacked(r.coils, r.capacity.Coils, i, value)
}

// GetDiscreteInput reports whether the discrete input at position i is set.
func (r *Registers) GetDiscreteInput(i int) (bool, Exception) {
	return getPacked(r.discreteInputs, r.capacity.DiscreteInputs, i)
}

// SetDiscreteInput sets the discrete input at position i to value.
func (r *Registers) SetDiscreteInput(i int, value bool) Exception {
	return setPacked(r.discreteInputs, r.capacity.DiscreteInputs, i, value)
}

func getPacked(words []uint16, n, i int) (bool, Exception) {
	if i < 0 || i >= n {
		return false, ExceptionIllegalDataAddr
	}
	idx, bit := i/16, i%16
	return words[idx]&(1<<bit) != 0, ExceptionNone
}

func setPacked(words []uint16, n, i int, value bool) Exception {
	if i < 0 || i >= n {
		return ExceptionIllegalDataAddr
	}
	idx, bit := i/16, i%16
	if value {
		words[idx] |= (1 << bit)
	} else {
		words[idx] &^= (1 << bit)
	}
	return ExceptionNone
}

// Store is the register bank shared by all protocol engines of a node.
// A single lock guards all four banks so that multi-register reads such as
// [Store.Uint32Holding] observe one consistent snapshot.
//
// The DataModel methods of Store each take the lock for one access. Use
// [Store.View] and [Store.Update] to hold it for a whole transaction.
type Store struct {
	mu   sync.RWMutex
	regs *Registers
}

var _ DataModel = (*Store)(nil)

// NewStore returns a Store with zeroed banks of capacity c.
func NewStore(c Capacity) *Store {
	return &Store{regs: NewRegisters(c)}
}

// Capacity returns the bank sizes of the store.
func (s *Store) Capacity() Capacity { return s.regs.capacity }

// View calls fn with the store read locked. Setters of the DataModel handed to fn
// return ExceptionIllegalFunction. fn must not retain dm.
func (s *Store) View(fn func(dm DataModel) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(readOnlyModel{s.regs})
}

// Update calls fn with the store exclusively locked. fn must not retain dm.
func (s *Store) Update(fn func(dm DataModel) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.regs)
}

func (s *Store) GetHoldingRegister(i int) (uint16, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regs.GetHoldingRegister(i)
}

func (s *Store) SetHoldingRegister(i int, v uint16) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.SetHoldingRegister(i, v)
}

func (s *Store) GetInputRegister(i int) (uint16, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regs.GetInputRegister(i)
}

func (s *Store) SetInputRegister(i int, v uint16) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.SetInputRegister(i, v)
}

func (s *Store) GetCoil(i int) (bool, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regs.GetCoil(i)
}

func (s *Store) SetCoil(i int, v bool) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.SetCoil(i, v)
}

func (s *Store) GetDiscreteInput(i int) (bool, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.regs.GetDiscreteInput(i)
}

func (s *Store) SetDiscreteInput(i int, v bool) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs.SetDiscreteInput(i, v)
}

// Uint32Holding reads the composite value at holding registers i and i+1 atomically.
func (s *Store) Uint32Holding(i int) (uint32, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Uint32Holding(s.regs, i)
}

// PutUint32Holding stores v into holding registers i and i+1 atomically.
func (s *Store) PutUint32Holding(i int, v uint32) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PutUint32Holding(s.regs, i, v)
}

// Uint32Input reads the composite value at input registers i and i+1 atomically.
func (s *Store) Uint32Input(i int) (uint32, Exception) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Uint32Input(s.regs, i)
}

// PutUint32Input stores v into input registers i and i+1 atomically.
func (s *Store) PutUint32Input(i int, v uint32) Exception {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PutUint32Input(s.regs, i, v)
}

// Uint32Holding interprets consecutive holding registers at startIdx as an unsigned
// integer, high half first.
func Uint32Holding(dm DataModel, startIdx int) (v uint32, _ Exception) {
	return uint32From(dm.GetHoldingRegister, startIdx)
}

// PutUint32Holding stores v into 2 holding registers at startIdx, high half first.
// Nothing is written if either register is out of range.
func PutUint32Holding(dm DataModel, startIdx int, v uint32) Exception {
	return putUint32(dm.SetHoldingRegister, dm.GetHoldingRegister, startIdx, v)
}

// Uint32Input interprets consecutive input registers at startIdx as an unsigned
// integer, high half first.
func Uint32Input(dm DataModel, startIdx int) (v uint32, _ Exception) {
	return uint32From(dm.GetInputRegister, startIdx)
}

// PutUint32Input stores v into 2 input registers at startIdx, high half first.
// Nothing is written if either register is out of range.
func PutUint32Input(dm DataModel, startIdx int, v uint32) Exception {
	return putUint32(dm.SetInputRegister, dm.GetInputRegister, startIdx, v)
}

func uint32From(get16 func(int) (uint16, Exception), startIdx int) (v uint32, _ Exception) {
	for i := 0; i < 2; i++ {
		u16, exc := get16(startIdx + i)
		if exc != ExceptionNone {
			return 0, exc
		}
		v |= uint32(u16) << (16 - i*16)
	}
	return v, ExceptionNone
}

func putUint32(set16 func(int, uint16) Exception, get16 func(int) (uint16, Exception), startIdx int, v uint32) Exception {
	const sizeInWords = 2
	if _, exc := get16(startIdx + sizeInWords - 1); exc != ExceptionNone {
		return exc
	}
	for i := 0; i < sizeInWords; i++ {
		shift := (sizeInWords - i - 1) * 16
		exc := set16(startIdx+i, uint16(v>>shift))
		if exc != ExceptionNone {
			return exc
		}
	}
	return ExceptionNone
}

type readOnlyModel struct{ r *Registers }

func (m readOnlyModel) GetCoil(i int) (bool, Exception)            { return m.r.GetCoil(i) }
func (m readOnlyModel) GetDiscreteInput(i int) (bool, Exception)   { return m.r.GetDiscreteInput(i) }
func (m readOnlyModel) GetInputRegister(i int) (uint16, Exception) { return m.r.GetInputRegister(i) }
func (m readOnlyModel) GetHoldingRegister(i int) (uint16, Exception) {
	return m.r.GetHoldingRegister(i)
}
func (readOnlyModel) SetCoil(int, bool) Exception            { return ExceptionIllegalFunction }
func (readOnlyModel) SetDiscreteInput(int, bool) Exception   { return ExceptionIllegalFunction }
func (readOnlyModel) SetInputRegister(int, uint16) Exception { return ExceptionIllegalFunction }
func (readOnlyModel) SetHoldingRegister(int, uint16) Exception {
	return ExceptionIllegalFunction
}
