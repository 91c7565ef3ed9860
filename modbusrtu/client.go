package modbusrtu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/rs485"
	"golang.org/x/exp/slog"
)

var errTooManyRegisters = errors.New("too many registers")

// ClientConfig provides configuration parameters to NewClient.
type ClientConfig struct {
	// Timeout bounds the wait for a response. Defaults to 500ms.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client issues Modbus RTU requests on a link that may be shared with other engines.
// The link is held locked from the request write until the response is read or times out.
type Client struct {
	link    *rs485.Link
	tx      peagate.Tx
	timeout time.Duration
	log     *slog.Logger
	// Buffers are only touched with the link locked.
	pdubuf [bufSize]byte
	txbuf  [bufSize]byte
	rxbuf  [bufSize]byte
}

func NewClient(link *rs485.Link, cfg ClientConfig) *Client {
	if link == nil {
		panic("nil link")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	return &Client{link: link, timeout: cfg.Timeout, log: nopLogger(cfg.Logger)}
}

// Timeout returns the response timeout of the client.
func (c *Client) Timeout() time.Duration { return c.timeout }

// ReadHoldingRegisters reads len(regs) holding registers starting at regAddr from device devAddr.
func (c *Client) ReadHoldingRegisters(ctx context.Context, devAddr uint8, regAddr uint16, regs []uint16) error {
	return c.readRegisters(ctx, peagate.FCReadHoldingRegisters, devAddr, regAddr, regs)
}

// ReadInputRegisters reads len(regs) input registers starting at regAddr from device devAddr.
func (c *Client) ReadInputRegisters(ctx context.Context, devAddr uint8, regAddr uint16, regs []uint16) error {
	return c.readRegisters(ctx, peagate.FCReadInputRegisters, devAddr, regAddr, regs)
}

func (c *Client) readRegisters(ctx context.Context, fc peagate.FunctionCode, devAddr uint8, regAddr uint16, regs []uint16) error {
	if len(regs) > 125 {
		return errTooManyRegisters
	}
	c.link.Lock()
	defer c.link.Unlock()
	var n int
	var err error
	if fc == peagate.FCReadInputRegisters {
		n, err = c.tx.RequestReadInputRegisters(c.pdubuf[:], regAddr, uint16(len(regs)))
	} else {
		n, err = c.tx.RequestReadHoldingRegisters(c.pdubuf[:], regAddr, uint16(len(regs)))
	}
	if err != nil {
		return err
	}
	pdu, err := c.exchange(ctx, devAddr, c.pdubuf[:n])
	if err != nil {
		return err
	}
	data, err := peagate.ReceiveDataResponse(pdu)
	if err != nil {
		return err
	}
	if len(data) != 2*len(regs) {
		return fmt.Errorf("%w: got %d data bytes for %d registers", ErrProcess, len(data), len(regs))
	}
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return nil
}

// WriteSingleRegister writes value to the holding register at regAddr of device devAddr.
// Writes to BroadcastAddress return as soon as the request is sent.
func (c *Client) WriteSingleRegister(ctx context.Context, devAddr uint8, regAddr, value uint16) error {
	c.link.Lock()
	defer c.link.Unlock()
	n, err := c.tx.RequestWriteSingleRegister(c.pdubuf[:], regAddr, value)
	if err != nil {
		return err
	}
	return c.write(ctx, devAddr, n, regAddr, value)
}

// WriteMultipleRegisters writes values to consecutive holding registers starting at regAddr.
func (c *Client) WriteMultipleRegisters(ctx context.Context, devAddr uint8, regAddr uint16, values []uint16) error {
	c.link.Lock()
	defer c.link.Unlock()
	n, err := c.tx.RequestWriteMultipleRegisters(c.pdubuf[:], regAddr, values)
	if err != nil {
		return err
	}
	return c.write(ctx, devAddr, n, regAddr, uint16(len(values)))
}

// write sends the request in pdubuf[:n] and checks the echoed address and value.
func (c *Client) write(ctx context.Context, devAddr uint8, n int, regAddr, value uint16) error {
	if devAddr == BroadcastAddress {
		return c.send(ctx, devAddr, c.pdubuf[:n])
	}
	pdu, err := c.exchange(ctx, devAddr, c.pdubuf[:n])
	if err != nil {
		return err
	}
	addr, v, err := peagate.ReceiveSingleWriteResponse(pdu)
	if err != nil {
		return err
	}
	if addr != regAddr || v != value {
		return fmt.Errorf("%w: write echo mismatch addr=%d value=%d", ErrProcess, addr, v)
	}
	return nil
}

func (c *Client) send(ctx context.Context, devAddr uint8, pdu []byte) error {
	n, err := PutADU(c.txbuf[:], devAddr, pdu)
	if err != nil {
		return err
	}
	c.log.Log(ctx, LevelTrace, "modbus client tx", slog.String("frame", fmt.Sprintf("% x", c.txbuf[:n])))
	if _, err = c.link.Write(c.txbuf[:n]); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// exchange sends pdu to devAddr and waits up to the client timeout for the
// response PDU. The caller must hold the link lock. The response aliases rxbuf.
func (c *Client) exchange(ctx context.Context, devAddr uint8, pdu []byte) ([]byte, error) {
	if err := c.send(ctx, devAddr, pdu); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.link.ReadUntilIdle(rctx, c.rxbuf[:])
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.log.Log(ctx, LevelTrace, "modbus client rx", slog.String("frame", fmt.Sprintf("% x", c.rxbuf[:n])))
	addr, resp, err := DecodeADU(c.rxbuf[:n])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcess, err)
	}
	if addr != devAddr {
		return nil, ErrWrongAddress
	}
	fc, want, err := peagate.InferResponsePacketLength(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcess, err)
	}
	if fc&^0x80 != peagate.FunctionCode(pdu[0]) || int(want) != len(resp) {
		return nil, fmt.Errorf("%w: unexpected response %s (%d bytes)", ErrProcess, fc, len(resp))
	}
	return resp, nil
}
