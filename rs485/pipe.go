package rs485

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrClosed is returned when writing to a closed pipe end.
var ErrClosed = errors.New("rs485: closed pipe")

// Pipe returns two connected in-memory ports for tests and simulation.
// Bytes written to one end are read from the other.
func Pipe() (a, b *PipePort) {
	ab, ba := newWire(), newWire()
	return &PipePort{rx: ba, tx: ab, timeout: -1}, &PipePort{rx: ab, tx: ba, timeout: -1}
}

// PipePort is one end of a [Pipe]. It implements [Port].
type PipePort struct {
	rx, tx  *wire
	mu      sync.Mutex
	timeout time.Duration
}

var _ Port = (*PipePort)(nil)

func (p *PipePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

// Read waits up to the read timeout for data. On timeout it returns 0, nil.
func (p *PipePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()
	return p.rx.read(b, timeout)
}

func (p *PipePort) Write(b []byte) (int, error) { return p.tx.write(b) }

// Close closes both directions. The peer reads io.EOF once drained.
func (p *PipePort) Close() error {
	p.tx.close()
	p.rx.close()
	return nil
}

type wire struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
}

func newWire() *wire { return &wire{notify: make(chan struct{}, 1)} }

func (w *wire) write(b []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, ErrClosed
	}
	w.buf = append(w.buf, b...)
	w.mu.Unlock()
	w.signal()
	return len(b), nil
}

func (w *wire) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *wire) read(b []byte, timeout time.Duration) (int, error) {
	var expire <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	for {
		w.mu.Lock()
		if len(w.buf) > 0 {
			n := copy(b, w.buf)
			w.buf = w.buf[n:]
			w.mu.Unlock()
			return n, nil
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		select {
		case <-w.notify:
		case <-expire:
			return 0, nil
		}
	}
}

func (w *wire) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}
