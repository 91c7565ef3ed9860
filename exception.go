package peagate

import "strconv"

// Exception is a Modbus exception code. A non-zero Exception is an error and is
// returned by [DataModel] implementations when a request cannot be served.
type Exception uint8

const (
	ExceptionNone                Exception = iota
	ExceptionIllegalFunction               // illegal function
	ExceptionIllegalDataAddr               // illegal data address
	ExceptionIllegalDataValue              // illegal data value
	ExceptionDeviceFailure                 // server device failure
	ExceptionAcknowledge                   // acknowledge
	ExceptionDeviceBusy                    // server device busy
	ExceptionNegativeAcknowledge           // negative acknowledge
	ExceptionMemoryParityError             // memory parity error
)

func (e Exception) Error() string {
	switch e {
	case ExceptionNone:
		return "no exception"
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddr:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionDeviceBusy:
		return "server device busy"
	case ExceptionNegativeAcknowledge:
		return "negative acknowledge"
	case ExceptionMemoryParityError:
		return "memory parity error"
	}
	return "exception code " + strconv.Itoa(int(e))
}

// Err returns nil for ExceptionNone and e otherwise. Use it when
// handing an Exception to code that expects a plain error.
func (e Exception) Err() error {
	if e == ExceptionNone {
		return nil
	}
	return e
}

// PutResponse writes the 2 byte exception response PDU for function code fc into dst.
func (e Exception) PutResponse(dst []byte, fc FunctionCode) int {
	_ = dst[1]
	dst[0] = byte(fc) | 0x80
	dst[1] = byte(e)
	return 2
}
