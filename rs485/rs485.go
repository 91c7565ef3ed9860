// Package rs485 implements a half-duplex serial link with an optional
// driver-enable (direction) signal as used by RS-485 transceivers.
package rs485

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the byte stream under a Link. A Read that times out returns 0 bytes and
// a nil error, which is how [go.bug.st/serial.Port] behaves.
type Port interface {
	io.ReadWriter
	// SetReadTimeout sets the longest a Read waits for the first byte.
	// A negative duration blocks until data arrives.
	SetReadTimeout(t time.Duration) error
}

// DirectionPin drives the transmit enable input of a transceiver.
type DirectionPin interface {
	SetTransmit(transmit bool) error
}

// RTSPin uses the RTS modem line of a serial port as direction signal.
type RTSPin struct {
	Port interface{ SetRTS(rts bool) error }
}

func (p RTSPin) SetTransmit(transmit bool) error { return p.Port.SetRTS(transmit) }

// Config configures a Link.
type Config struct {
	// Idle is the line silence that terminates a frame. If zero it is
	// derived from Baud, see [IdleTime].
	Idle time.Duration
	// Baud is used only to compute Idle.
	Baud int
	// Direction is asserted while transmitting. May be nil.
	Direction DirectionPin
}

// Link is a half-duplex serial line shared by protocol engines.
// Read and write methods do not lock; engines that share a Link call Lock
// around each request/response pair or use [Link.Exchange].
type Link struct {
	mu   sync.Mutex
	port Port
	de   DirectionPin
	idle time.Duration
}

// NewLink wraps port. It panics if port is nil.
func NewLink(port Port, cfg Config) *Link {
	if port == nil {
		panic("nil port")
	}
	idle := cfg.Idle
	if idle <= 0 {
		idle = IdleTime(cfg.Baud)
	}
	return &Link{port: port, de: cfg.Direction, idle: idle}
}

// IdleTime returns the 3.5 character silence that separates RTU frames at the
// given baud rate. Above 19200 baud (or for non-positive rates) the fixed
// 1.75ms interval applies.
func IdleTime(baud int) time.Duration {
	const frameDelayUS = 1750
	if baud <= 0 || baud > 19200 {
		return frameDelayUS * time.Microsecond
	}
	// 11 bits per character on the wire.
	return time.Duration(35000000/baud) * time.Microsecond
}

// Idle returns the frame terminating silence of l.
func (l *Link) Idle() time.Duration { return l.idle }

// Lock acquires exclusive use of the link.
func (l *Link) Lock() { l.mu.Lock() }

// Unlock releases the link.
func (l *Link) Unlock() { l.mu.Unlock() }

// Write transmits p with the direction signal asserted for the duration of the write.
func (l *Link) Write(p []byte) (n int, err error) {
	if l.de != nil {
		if err = l.de.SetTransmit(true); err != nil {
			return 0, fmt.Errorf("assert direction: %w", err)
		}
	}
	n, err = l.port.Write(p)
	if err == nil {
		if d, ok := l.port.(interface{ Drain() error }); ok {
			// Keep the driver enabled until the last bit leaves the UART.
			err = d.Drain()
		}
	}
	if l.de != nil {
		if derr := l.de.SetTransmit(false); derr != nil && err == nil {
			err = fmt.Errorf("deassert direction: %w", derr)
		}
	}
	return n, err
}

// Read reads whatever is available within one idle period.
func (l *Link) Read(p []byte) (int, error) {
	if err := l.receive(); err != nil {
		return 0, err
	}
	return l.port.Read(p)
}

// ReadUntilIdle reads into buf until at least one byte has been received and the
// line has then been silent for the idle period, or buf is full. Before the
// first byte it waits until ctx is done.
func (l *Link) ReadUntilIdle(ctx context.Context, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, io.ErrShortBuffer
	}
	if err = l.receive(); err != nil {
		return 0, err
	}
	for n < len(buf) {
		if err = ctx.Err(); err != nil {
			return n, err
		}
		var m int
		m, err = l.port.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 && n > 0 {
			break // Line went idle after a frame.
		}
	}
	return n, nil
}

// Exchange writes req and reads the reply into resp with the link locked for
// the whole round trip.
func (l *Link) Exchange(ctx context.Context, req, resp []byte) (int, error) {
	l.Lock()
	defer l.Unlock()
	if _, err := l.Write(req); err != nil {
		return 0, err
	}
	return l.ReadUntilIdle(ctx, resp)
}

// Close closes the underlying port if it is an io.Closer.
func (l *Link) Close() error {
	if c, ok := l.port.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Link) receive() error {
	if l.de != nil {
		if err := l.de.SetTransmit(false); err != nil {
			return fmt.Errorf("deassert direction: %w", err)
		}
	}
	return l.port.SetReadTimeout(l.idle)
}

// SerialConfig selects and configures a serial device.
type SerialConfig struct {
	Device   string        `yaml:"device"`
	Baud     int           `yaml:"baud"`
	Parity   string        `yaml:"parity"` // none, even or odd.
	StopBits int           `yaml:"stop_bits"`
	Idle     time.Duration `yaml:"idle"`
	// RTSDirection drives the transceiver direction with the RTS line.
	RTSDirection bool `yaml:"rts_direction"`
}

var errBadParity = errors.New("parity must be none, even or odd")

// Mode converts c into the mode expected by [serial.Open].
func (c SerialConfig) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch c.Parity {
	case "", "none":
	case "even":
		mode.Parity = serial.EvenParity
	case "odd":
		mode.Parity = serial.OddParity
	default:
		return nil, errBadParity
	}
	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d", c.StopBits)
	}
	return mode, nil
}

// Open opens the serial device described by cfg and returns a Link on it.
func Open(cfg SerialConfig) (*Link, error) {
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	lcfg := Config{Idle: cfg.Idle, Baud: cfg.Baud}
	if cfg.RTSDirection {
		lcfg.Direction = RTSPin{Port: port}
	}
	return NewLink(port, lcfg), nil
}
