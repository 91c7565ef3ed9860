// Package modbusrtu implements the Modbus RTU server and client over a
// half-duplex [rs485.Link].
package modbusrtu

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"github.com/sigurn/crc16"
	"golang.org/x/exp/slog"
)

// LevelTrace logs every frame on the wire.
const LevelTrace = slog.LevelDebug - 4

const (
	// BroadcastAddress is accepted by every server; it is never answered.
	BroadcastAddress = 0
	// bufSize is the largest RTU ADU: address, 253 byte PDU and CRC.
	bufSize = 256
	// minADU is address, function code and CRC.
	minADU = 4
)

var (
	ErrBadCRC       = errors.New("bad CRC")
	ErrProcess      = errors.New("modbus frame processing failed")
	ErrTimeout      = errors.New("modbus response timeout")
	ErrTransport    = errors.New("modbus transport failure")
	ErrWrongAddress = errors.New("response from wrong address")
	errShortFrame   = errors.New("frame shorter than 4 bytes")
	errPDUTooLarge  = errors.New("PDU too large for RTU frame")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// CRC returns the Modbus CRC16 of b. It is transmitted low byte first.
func CRC(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// CRCError is returned when the CRC of a packet is wrong.
type CRCError struct {
	Packet []byte
}

func (e CRCError) Error() string {
	return "bad CRC:\n" + hex.Dump(e.Packet)
}

// Is lets errors.Is(err, ErrBadCRC) match a CRCError.
func (e CRCError) Is(target error) bool { return target == ErrBadCRC }

// PutADU writes the address, pdu and CRC into dst and returns the frame length.
func PutADU(dst []byte, addr uint8, pdu []byte) (int, error) {
	n := 1 + len(pdu) + 2
	if n > bufSize {
		return 0, errPDUTooLarge
	}
	if len(dst) < n {
		return 0, io.ErrShortBuffer
	}
	dst[0] = addr
	copy(dst[1:], pdu)
	binary.LittleEndian.PutUint16(dst[n-2:], CRC(dst[:n-2]))
	return n, nil
}

// DecodeADU checks the CRC of a received frame and splits it into address and PDU.
// The returned pdu aliases adu.
func DecodeADU(adu []byte) (addr uint8, pdu []byte, err error) {
	if len(adu) < minADU {
		return 0, nil, errShortFrame
	}
	end := len(adu) - 2
	got := binary.LittleEndian.Uint16(adu[end:])
	if got != CRC(adu[:end]) {
		return 0, nil, CRCError{Packet: adu}
	}
	return adu[0], adu[1:end], nil
}

func nopLogger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
