//go:build linux

package canbus

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN identifier flags and masks, see linux/can.h.
const (
	effFlag = 1 << 31
	rtrFlag = 1 << 30
	errFlag = 1 << 29
	effMask = MaxExtID
	sffMask = MaxStdID
)

// OpenSocketCAN opens a raw SocketCAN socket on the named interface, e.g. "can0".
func OpenSocketCAN(ifname string) (Bus, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("canbus: %w", err)
	}
	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", ifname, err)
	}
	return newSocketBus(conn), nil
}

type socketBus struct {
	conn   can.ReadWriteCloser
	rx     chan Frame
	done   chan struct{}
	once   sync.Once
	muErr  sync.Mutex
	rxErr  error
	muSend sync.Mutex
}

func newSocketBus(conn can.ReadWriteCloser) *socketBus {
	b := &socketBus{conn: conn, rx: make(chan Frame, 64), done: make(chan struct{})}
	go b.readLoop()
	return b
}

// readLoop moves frames from the socket to the rx channel until the socket fails.
func (b *socketBus) readLoop() {
	defer b.Close()
	for {
		var raw can.Frame
		if err := b.conn.ReadFrame(&raw); err != nil {
			b.muErr.Lock()
			b.rxErr = err
			b.muErr.Unlock()
			return
		}
		if raw.ID&errFlag != 0 {
			continue // Error frames are not data.
		}
		f := fromSocketCAN(raw)
		select {
		case b.rx <- f:
		case <-b.done:
			return
		}
	}
}

func (b *socketBus) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.muSend.Lock()
	defer b.muSend.Unlock()
	return b.conn.WriteFrame(toSocketCAN(frame))
}

func (b *socketBus) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-b.done:
		b.muErr.Lock()
		err := b.rxErr
		b.muErr.Unlock()
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return Frame{}, ErrClosed
	}
}

func (b *socketBus) Close() (err error) {
	b.once.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}

func toSocketCAN(f Frame) can.Frame {
	raw := can.Frame{ID: f.ID, Length: f.Len, Data: f.Data}
	if f.Extended {
		raw.ID |= effFlag
	}
	if f.RTR {
		raw.ID |= rtrFlag
	}
	return raw
}

func fromSocketCAN(raw can.Frame) Frame {
	f := Frame{
		Extended: raw.ID&effFlag != 0,
		RTR:      raw.ID&rtrFlag != 0,
		Len:      raw.Length,
		Data:     raw.Data,
	}
	if f.Extended {
		f.ID = raw.ID & effMask
	} else {
		f.ID = raw.ID & sffMask
	}
	if f.Len > 8 {
		f.Len = 8
	}
	return f
}
