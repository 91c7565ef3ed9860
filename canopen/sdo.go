package canopen

import (
	"encoding/binary"
	"strconv"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/canbus"
)

// SDO request and response identifiers, offset by node id.
const (
	SDORxBase = 0x600
	SDOTxBase = 0x580
)

// Expedited SDO frame layout.
const (
	sdoCmd      = 0
	sdoIndex    = 1
	sdoSubIndex = 3
	sdoData     = 4
	sdoHeader   = 4
)

// SDOCommand is the command byte of an SDO request.
type SDOCommand uint8

const (
	SDOReadAny SDOCommand = 0x40
	SDORead1B  SDOCommand = 0x4F
	SDORead2B  SDOCommand = 0x4B
	SDORead4B  SDOCommand = 0x43
	SDOWrite1B SDOCommand = 0x2F
	SDOWrite2B SDOCommand = 0x2B
	SDOWrite4B SDOCommand = 0x23
	// SDOCommandUnknown is what every other byte parses to.
	SDOCommandUnknown SDOCommand = 0xFF
)

// ParseSDOCommand maps b to its command. Unrecognized bytes map to SDOCommandUnknown.
func ParseSDOCommand(b byte) SDOCommand {
	switch c := SDOCommand(b); c {
	case SDOReadAny, SDORead1B, SDORead2B, SDORead4B, SDOWrite1B, SDOWrite2B, SDOWrite4B:
		return c
	}
	return SDOCommandUnknown
}

// Byte returns the wire encoding of c.
func (c SDOCommand) Byte() byte { return byte(c) }

func (c SDOCommand) String() string {
	switch c {
	case SDOReadAny:
		return "read any"
	case SDORead1B:
		return "read 1B"
	case SDORead2B:
		return "read 2B"
	case SDORead4B:
		return "read 4B"
	case SDOWrite1B:
		return "write 1B"
	case SDOWrite2B:
		return "write 2B"
	case SDOWrite4B:
		return "write 4B"
	}
	return "unknown command"
}

// SDOResponse is the command byte of an SDO reply.
type SDOResponse uint8

const (
	SDOResponseRead1B       SDOResponse = 0x4F
	SDOResponseRead2B       SDOResponse = 0x4B
	SDOResponseRead4B       SDOResponse = 0x43
	SDOResponseWriteSuccess SDOResponse = 0x60
	SDOResponseError        SDOResponse = 0x80
	SDOResponseUnknown      SDOResponse = 0xFF
)

// ParseSDOResponse maps b to its response code. Unrecognized bytes map to SDOResponseUnknown.
func ParseSDOResponse(b byte) SDOResponse {
	switch r := SDOResponse(b); r {
	case SDOResponseRead1B, SDOResponseRead2B, SDOResponseRead4B, SDOResponseWriteSuccess, SDOResponseError:
		return r
	}
	return SDOResponseUnknown
}

// Byte returns the wire encoding of r.
func (r SDOResponse) Byte() byte { return byte(r) }

// AbortCode is carried in the last four bytes of an SDO abort frame.
// Codes not listed below are carried unchanged.
type AbortCode uint32

const (
	AbortInvalidCommand  AbortCode = 0x01
	AbortInvalidQuery    AbortCode = 0x02
	AbortInvalidSubindex AbortCode = 0x03
	AbortReadError       AbortCode = 0x04
	AbortInvalidData     AbortCode = 0x05
	AbortNotImplemented  AbortCode = 0xFF
)

// Error implements the error interface.
func (a AbortCode) Error() string {
	switch a {
	case AbortInvalidCommand:
		return "sdo abort: invalid command"
	case AbortInvalidQuery:
		return "sdo abort: invalid query"
	case AbortInvalidSubindex:
		return "sdo abort: invalid subindex"
	case AbortReadError:
		return "sdo abort: register access failed"
	case AbortInvalidData:
		return "sdo abort: invalid data"
	case AbortNotImplemented:
		return "sdo abort: not implemented"
	}
	return "sdo abort: code 0x" + strconv.FormatUint(uint64(a), 16)
}

// SubIndex selects the register bank an SDO addresses.
type SubIndex uint8

const (
	SubIndexCoil SubIndex = iota
	SubIndexDiscrete
	SubIndexHolding
	SubIndexInput
)

// Known reports whether s names a register bank.
func (s SubIndex) Known() bool { return s <= SubIndexInput }

func (s SubIndex) String() string {
	switch s {
	case SubIndexCoil:
		return "coil"
	case SubIndexDiscrete:
		return "discrete"
	case SubIndexHolding:
		return "holding"
	case SubIndexInput:
		return "input"
	}
	return "subindex(" + strconv.Itoa(int(s)) + ")"
}

// HandleSDO executes the expedited SDO request in data against store and returns
// the reply frame to transmit on SDOTxBase+node. A reply is always produced: when
// the request is rejected the frame is an abort frame and the returned error is
// the AbortCode it carries.
func HandleSDO(store *peagate.Store, node uint8, data []byte) (canbus.Frame, error) {
	if len(data) < sdoHeader {
		return AbortFrame(node, nil, AbortInvalidQuery), AbortInvalidQuery
	}
	var buf [8]byte
	var n int
	var abort AbortCode
	switch cmd := ParseSDOCommand(data[sdoCmd]); cmd {
	case SDOCommandUnknown:
		abort = AbortInvalidCommand
	case SDOReadAny, SDORead2B, SDORead4B:
		n, abort = sdoRead(store, cmd, data, buf[:])
	case SDOWrite2B, SDOWrite4B:
		n, abort = sdoWrite(store, cmd, data, buf[:])
	default:
		abort = AbortNotImplemented
	}
	if abort != 0 {
		return AbortFrame(node, data, abort), abort
	}
	return canbus.MustFrame(SDOTxBase+uint32(node), buf[:n]), nil
}

// AbortFrame builds the 8 byte abort reply for req. The index and subindex of
// req are echoed when req carries a full header, otherwise they are zero and the
// code is forced to AbortInvalidQuery.
func AbortFrame(node uint8, req []byte, code AbortCode) canbus.Frame {
	var buf [8]byte
	buf[sdoCmd] = SDOResponseError.Byte()
	if len(req) >= sdoHeader {
		copy(buf[sdoIndex:sdoData], req[sdoIndex:sdoData])
	} else {
		code = AbortInvalidQuery
	}
	binary.BigEndian.PutUint32(buf[sdoData:], uint32(code))
	return canbus.MustFrame(SDOTxBase+uint32(node), buf[:])
}

func sdoAddress(data []byte) (int, SubIndex) {
	return int(binary.BigEndian.Uint16(data[sdoIndex:])), SubIndex(data[sdoSubIndex])
}

func sdoRead(store *peagate.Store, cmd SDOCommand, data, dst []byte) (int, AbortCode) {
	if cmd == SDOReadAny {
		return 0, AbortInvalidQuery
	}
	addr, sub := sdoAddress(data)
	if !sub.Known() {
		return 0, AbortInvalidSubindex
	}
	if sub != SubIndexHolding && sub != SubIndexInput {
		return 0, AbortNotImplemented
	}
	// 2 and 4 byte reads are both answered with the 4 byte response code.
	n := copy(dst, data[:sdoHeader])
	dst[sdoCmd] = SDOResponseRead4B.Byte()
	var exc peagate.Exception
	if cmd == SDORead2B {
		var v uint16
		if sub == SubIndexHolding {
			v, exc = store.GetHoldingRegister(addr)
		} else {
			v, exc = store.GetInputRegister(addr)
		}
		binary.BigEndian.PutUint16(dst[n:], v)
		n += 2
	} else {
		var v uint32
		if sub == SubIndexHolding {
			v, exc = store.Uint32Holding(addr)
		} else {
			v, exc = store.Uint32Input(addr)
		}
		binary.BigEndian.PutUint32(dst[n:], v)
		n += 4
	}
	if exc != peagate.ExceptionNone {
		return 0, AbortReadError
	}
	return n, 0
}

func sdoWrite(store *peagate.Store, cmd SDOCommand, data, dst []byte) (int, AbortCode) {
	addr, sub := sdoAddress(data)
	if sub != SubIndexHolding {
		return 0, AbortInvalidSubindex
	}
	size := 2
	if cmd == SDOWrite4B {
		size = 4
	}
	if len(data) < sdoData+size {
		return 0, AbortInvalidData
	}
	payload := data[sdoData : sdoData+size]
	var exc peagate.Exception
	if size == 2 {
		exc = store.SetHoldingRegister(addr, binary.BigEndian.Uint16(payload))
	} else {
		exc = store.PutUint32Holding(addr, binary.BigEndian.Uint32(payload))
	}
	if exc != peagate.ExceptionNone {
		return 0, AbortReadError
	}
	n := copy(dst, data[:sdoHeader])
	dst[sdoCmd] = SDOResponseWriteSuccess.Byte()
	n += copy(dst[n:], payload)
	return n, 0
}
