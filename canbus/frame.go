// Package canbus provides classic CAN frames and the bus abstraction the
// gateway runs on, with SocketCAN and in-memory implementations.
package canbus

import (
	"errors"
	"fmt"
)

// Frame represents a classical CAN (2.0A/2.0B) data or remote frame.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool   // true for 29-bit identifier
	RTR      bool   // remote transmission request
	Len      uint8  // 0..8
	Data     [8]byte
}

// Validation limits.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// NewFrame returns a standard data frame carrying data.
func NewFrame(id uint32, data []byte) (Frame, error) {
	var f Frame
	if len(data) > 8 {
		return f, ErrInvalidLen
	}
	f.ID = id
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f, f.Validate()
}

// MustFrame is like NewFrame but panics on invalid input.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	if f.Extended && f.ID > MaxExtID || !f.Extended && f.ID > MaxStdID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid data bytes of the frame.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > 8 {
		n = 8
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	id := fmt.Sprintf("%03X", f.ID)
	if f.Extended {
		id = fmt.Sprintf("%08X", f.ID)
	}
	if f.RTR {
		return fmt.Sprintf("%s#R%d", id, f.Len)
	}
	return fmt.Sprintf("%s#% X", id, f.Payload())
}
