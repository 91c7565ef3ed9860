package peagate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	ErrMissingPacketData = errors.New("missing packet data")
	ErrBadFunctionCode   = errors.New("bad function code")
)

// InferRequestPacketLength returns the expected length of a client (master) request PDU in bytes
// by looking at the function code as the first byte of the packet and the
// contained data in the packet.
//
// If there is not enough data in the packet to infer the length of the packet then
// InferRequestPacketLength returns ErrMissingPacketData and the number of bytes
// needed to be able to infer the packet length while guaranteeing no over-reads.
//
// Returns ExceptionIllegalFunction if the function code is known but not implemented.
func InferRequestPacketLength(b []byte) (fc FunctionCode, n uint16, err error) {
	if len(b) < 1 {
		return 0, 1, ErrMissingPacketData
	}
	fc = FunctionCode(b[0])
	switch fc {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters,
		FCWriteSingleCoil, FCWriteSingleRegister:
		n = 5
	case FCReadExceptionStatus, FCGetComEventCounter, FCGetComEventLog, FCReportServerID:
		n = 1
	case FCWriteMultipleCoils, FCWriteMultipleRegisters:
		if len(b) < 6 {
			return fc, uint16(6 - len(b)), ErrMissingPacketData
		}
		n = uint16(b[5]) + 6

	case FCDiagnostic, FCMaskWriteRegister, FCReadDeviceIdentification,
		FCReadFIFOQueue, FCReadFileRecord, FCReadWriteMultipleRegisters,
		FCWriteFileRecord:
		err = ExceptionIllegalFunction

	default:
		err = ErrBadFunctionCode
	}
	return fc, n, err
}

// InferResponsePacketLength returns the expected length of a server response PDU in bytes
// by looking at the function code as the first byte of the response packet and the
// contained data in the packet.
//
// If there is not enough data in the packet to infer the length of the packet then
// InferResponsePacketLength returns ErrMissingPacketData and the number of bytes
// needed to be able to infer the packet length.
func InferResponsePacketLength(b []byte) (fc FunctionCode, n uint16, err error) {
	if len(b) < 1 {
		return 0, 1, ErrMissingPacketData
	}
	fc = FunctionCode(b[0])
	if fc.IsException() {
		// Only contains an error code byte and exception code byte.
		return fc, 2, nil
	}
	switch fc {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters,
		FCGetComEventLog:
		if len(b) < 2 {
			return fc, uint16(2 - len(b)), ErrMissingPacketData
		}
		n = 2 + uint16(b[1])
	case FCWriteSingleCoil, FCWriteSingleRegister, FCGetComEventCounter, FCWriteMultipleCoils, FCWriteMultipleRegisters:
		n = 5
	case FCReadExceptionStatus:
		n = 2
	default:
		err = ErrBadFunctionCode
	}
	return fc, n, err
}

// Request is a client (master) request meant for a server (instrument).
type Request struct {
	FC             FunctionCode
	maybeByteCount uint8
	// First value usually contains Modbus address value.
	maybeAddr uint16
	// Second value contains the quantity of addresses or the value written.
	maybeValueQuantity uint16
}

// Address returns the start address of the request.
func (req Request) Address() uint16 { return req.maybeAddr }

func (req Request) String() string {
	var quantityOrValue string = ", Quantity "
	if req.FC == FCWriteSingleCoil || req.FC == FCWriteSingleRegister {
		quantityOrValue = ", Value "
	}
	return "request to " + req.FC.String() + " @ Addr: " + strconv.Itoa(int(req.maybeAddr)) + quantityOrValue + strconv.Itoa(int(req.maybeValueQuantity))
}

// PutResponse serves the request against model and writes the response PDU into dst.
// data is the request PDU data following the header returned by [DecodeRequest].
//
// If the model refuses the request the exception response is written to dst and
// the returned error is the [Exception].
func (req *Request) PutResponse(model DataModel, dst, data []byte) (packetLenWritten int, err error) {
	var tx Tx
	fc := req.FC
	address := req.maybeAddr
	quantity := req.maybeValueQuantity
	var exc Exception
	switch fc {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters:
		nbytes := int(quantity) * 2
		if fc == FCReadCoils || fc == FCReadDiscreteInputs {
			nbytes = (int(quantity) + 7) / 8
		}
		if nbytes > 250 || quantity == 0 {
			exc = ExceptionIllegalDataValue
			break
		}
		if len(dst) < 2+nbytes {
			return 0, errResponseTooLargeTx
		}
		readData := dst[2 : 2+nbytes]
		for i := range readData {
			readData[i] = 0
		}
		exc = readFromModel(readData, model, fc, address, quantity)
		if exc != ExceptionNone {
			break
		}
		switch fc {
		case FCReadHoldingRegisters:
			packetLenWritten, err = tx.ResponseReadHoldingRegisters(dst, readData)
		case FCReadInputRegisters:
			packetLenWritten, err = tx.ResponseReadInputRegisters(dst, readData)
		case FCReadCoils:
			packetLenWritten, err = tx.ResponseReadCoils(dst, readData)
		default:
			packetLenWritten, err = tx.ResponseReadDiscreteInputs(dst, readData)
		}

	case FCWriteSingleRegister, FCWriteSingleCoil:
		if fc == FCWriteSingleCoil && quantity != 0 && quantity != 0xff00 {
			exc = ExceptionIllegalDataValue
			break
		}
		var scratch [2]byte
		binary.BigEndian.PutUint16(scratch[:], quantity)
		exc = writeToModel(model, fc, address, 1, scratch[:])
		if exc == ExceptionNone {
			packetLenWritten, err = tx.writeSimple2U16(dst, fc, address, quantity, nil)
		}

	case FCWriteMultipleCoils, FCWriteMultipleRegisters:
		want := int(quantity) * 2
		if fc == FCWriteMultipleCoils {
			want = (int(quantity) + 7) / 8
		}
		if int(req.maybeByteCount) != want || len(data) < want {
			exc = ExceptionIllegalDataValue
			break
		}
		exc = writeToModel(model, fc, address, quantity, data[:want])
		if exc == ExceptionNone {
			packetLenWritten, err = tx.writeSimple2U16(dst, fc, address, quantity, nil)
		}

	default:
		exc = ExceptionIllegalFunction
	}
	if exc != ExceptionNone {
		if exc > ExceptionMemoryParityError {
			return 0, fmt.Errorf("unknown exception code returned by DataModel (%d)", exc)
		}
		return exc.PutResponse(dst, fc), exc
	}
	return packetLenWritten, err
}

// ReceiveSingleWriteResponse decodes the response to a single coil or register write.
// An exception response is returned as an [Exception] error.
func ReceiveSingleWriteResponse(pdu []byte) (addr, value uint16, err error) {
	if err = exceptionFrom(pdu); err != nil {
		return 0, 0, err
	}
	if len(pdu) < 5 {
		return 0, 0, io.ErrShortBuffer
	}
	fc := FunctionCode(pdu[0])
	switch fc {
	case FCWriteSingleCoil, FCWriteSingleRegister, FCWriteMultipleRegisters, FCWriteMultipleCoils:
		addr = binary.BigEndian.Uint16(pdu[1:])
		value = binary.BigEndian.Uint16(pdu[3:])
	default:
		err = ErrBadFunctionCode
	}
	return addr, value, err
}

// ReceiveDataResponse decodes a response packet for any of the following packets:
//
//	FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters
//
// An exception response is returned as an [Exception] error.
func ReceiveDataResponse(pdu []byte) (data []byte, err error) {
	if err = exceptionFrom(pdu); err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, io.ErrShortBuffer
	}
	fc := FunctionCode(pdu[0])
	switch fc {
	case FCReadCoils, FCReadDiscreteInputs, FCReadHoldingRegisters, FCReadInputRegisters:
		if len(pdu) < 2+int(pdu[1]) { // pdu[1] Always contains byte count.
			return nil, io.ErrShortBuffer
		}
		data = pdu[2 : 2+int(pdu[1])]
	default:
		err = ErrBadFunctionCode
	}
	return data, err
}

func exceptionFrom(pdu []byte) error {
	if len(pdu) == 0 || !FunctionCode(pdu[0]).IsException() {
		return nil
	}
	if len(pdu) < 2 {
		return io.ErrShortBuffer
	}
	exc := Exception(pdu[1])
	if exc == ExceptionNone {
		return ErrBadFunctionCode
	}
	return exc
}

// DecodeRequest parses a request packet and returns the request and the offset
// into the packet where the data starts, if there is any.
func DecodeRequest(pdu []byte) (req Request, dataoffset int, err error) {
	if len(pdu) < 1 {
		return req, 0, io.ErrShortBuffer
	}
	fc := FunctionCode(pdu[0])
	req.FC = fc
	switch fc {
	case FCReadHoldingRegisters, FCReadInputRegisters, FCReadCoils, FCReadDiscreteInputs,
		FCWriteSingleCoil, FCWriteSingleRegister:
		if len(pdu) < 5 {
			return req, 0, ErrMissingPacketData
		}
		req.maybeAddr = binary.BigEndian.Uint16(pdu[1:])
		req.maybeValueQuantity = binary.BigEndian.Uint16(pdu[3:])

	case FCWriteMultipleCoils, FCWriteMultipleRegisters:
		if len(pdu) < 7 || len(pdu) < 6+int(pdu[5]) {
			return req, 0, ErrMissingPacketData
		}
		req.maybeAddr = binary.BigEndian.Uint16(pdu[1:])
		req.maybeValueQuantity = binary.BigEndian.Uint16(pdu[3:])
		req.maybeByteCount = pdu[5]
		dataoffset = 6

	case FCReadFileRecord, FCWriteFileRecord, FCMaskWriteRegister, FCReadWriteMultipleRegisters, FCReadFIFOQueue,
		FCReadExceptionStatus, FCDiagnostic, FCGetComEventCounter, FCGetComEventLog, FCReportServerID,
		FCReadDeviceIdentification:
		err = ExceptionIllegalFunction // Not implemented.

	default:
		err = fmt.Errorf("unhandled function code 0x%02x: %w", byte(fc), ErrBadFunctionCode)
	}
	return req, dataoffset, err
}

// Tx provides the low level functions that marshal modbus packets onto byte slices.
//
// If implementing a modbus server it is very likely one will not interact
// with Tx directly but rather use the higher level PutResponse method of Request.
type Tx struct{}

var (
	errRegisterOOB = errors.New("register address out of bounds (0..0xffff) or too many (1..125 for read, 1..123 for write)")
)

// RequestReadHoldingRegisters writes packet to dst used to read from 1 to 125 contiguous holding registers.
func (tx *Tx) RequestReadHoldingRegisters(dst []byte, startAddr, numberOfRegisters uint16) (int, error) {
	if numberOfRegisters > maxReadRegisters || numberOfRegisters == 0 {
		return 0, errRegisterOOB
	}
	return tx.writeSimple2U16(dst, FCReadHoldingRegisters, startAddr, numberOfRegisters, nil)
}

// RequestReadInputRegisters writes packet to dst used to read from 1 to 125 contiguous input registers in a remote device.
func (tx *Tx) RequestReadInputRegisters(dst []byte, startAddr, numberOfRegisters uint16) (int, error) {
	if numberOfRegisters > maxReadRegisters || numberOfRegisters == 0 {
		return 0, errRegisterOOB
	}
	return tx.writeSimple2U16(dst, FCReadInputRegisters, startAddr, numberOfRegisters, nil)
}

// RequestWriteSingleRegister writes packet to dst used to write a single holding register in a remote device.
func (tx *Tx) RequestWriteSingleRegister(dst []byte, addr, value uint16) (int, error) {
	return tx.writeSimple2U16(dst, FCWriteSingleRegister, addr, value, nil)
}

// RequestWriteMultipleRegisters writes packet to dst used to write contiguous block of holding registers (1 to 123 registers) in a remote device.
func (tx *Tx) RequestWriteMultipleRegisters(dst []byte, startAddr uint16, registers []uint16) (int, error) {
	if len(registers) < 1 || len(registers) > maxWriteRegister {
		return 0, errRegisterOOB
	}
	if len(dst) < 6+len(registers)*2 {
		return 0, errResponseTooLargeTx
	}
	dst[0] = byte(FCWriteMultipleRegisters)
	binary.BigEndian.PutUint16(dst[1:], startAddr)
	binary.BigEndian.PutUint16(dst[3:], uint16(len(registers)))
	NBytes := len(registers) * 2
	dst[5] = byte(NBytes)
	for i, r := range registers {
		binary.BigEndian.PutUint16(dst[6+i*2:], r)
	}
	return 6 + NBytes, nil
}

var errDataLengthMustBeMultipleOf2 = errors.New("data length must be multiple of 2")

func (tx *Tx) ResponseReadInputRegisters(dst, registerData []byte) (int, error) {
	if len(registerData)%2 != 0 {
		return 0, errDataLengthMustBeMultipleOf2
	}
	return tx.writeSimpleU8(dst, FCReadInputRegisters, byte(len(registerData)), registerData)
}

func (tx *Tx) ResponseReadHoldingRegisters(dst, registerData []byte) (int, error) {
	if len(registerData)%2 != 0 {
		return 0, errDataLengthMustBeMultipleOf2
	}
	return tx.writeSimpleU8(dst, FCReadHoldingRegisters, byte(len(registerData)), registerData)
}

func (tx *Tx) ResponseReadCoils(dst, registerData []byte) (int, error) {
	return tx.writeSimpleU8(dst, FCReadCoils, byte(len(registerData)), registerData)
}

func (tx *Tx) ResponseReadDiscreteInputs(dst, registerData []byte) (int, error) {
	return tx.writeSimpleU8(dst, FCReadDiscreteInputs, byte(len(registerData)), registerData)
}

var errResponseTooLargeTx = errors.New("response/request data too large for tx buffer")

// writeSimpleU8 tolerates responseData aliasing dst[2:].
func (tx *Tx) writeSimpleU8(dst []byte, fc FunctionCode, v1 uint8, responseData []byte) (int, error) {
	if len(responseData) > len(dst)-(1+1) {
		return 0, errResponseTooLargeTx
	}
	n := copy(dst[2:], responseData)
	dst[0] = byte(fc)
	dst[1] = v1
	return 2 + n, nil
}

func (tx *Tx) writeSimple2U16(dst []byte, fc FunctionCode, v1, v2 uint16, responseData []byte) (int, error) {
	if len(dst) < 5 || len(responseData) > len(dst)-(1+4) {
		return 0, errResponseTooLargeTx
	}
	dst[0] = byte(fc)
	binary.BigEndian.PutUint16(dst[1:3], v1)
	binary.BigEndian.PutUint16(dst[3:5], v2)
	n := copy(dst[5:], responseData)
	return 5 + n, nil
}
