package modbusrtu

import (
	"context"
	"errors"
	"fmt"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/rs485"
	"golang.org/x/exp/slog"
)

// Server answers Modbus RTU requests against a shared register store.
type Server struct {
	link  *rs485.Link
	store *peagate.Store
	log   *slog.Logger
	rxbuf [bufSize]byte
	txbuf [bufSize]byte
}

// ServerConfig provides configuration parameters to NewServer.
type ServerConfig struct {
	// Store is the register bank served. It must not be nil.
	Store *peagate.Store
	// Logger receives frame traces and exceptions. If nil nothing is logged.
	Logger *slog.Logger
}

// NewServer returns a server reading requests from link. The server expects to be the
// only reader of link.
func NewServer(link *rs485.Link, cfg ServerConfig) *Server {
	if link == nil {
		panic("nil link")
	}
	if cfg.Store == nil {
		panic("nil store")
	}
	return &Server{link: link, store: cfg.Store, log: nopLogger(cfg.Logger)}
}

// Update waits for the next frame on the line and serves it if it is addressed
// to nodeID or broadcast. Frames for other nodes are dropped without error.
// Serial errors and malformed frames are returned, the latter wrapping ErrProcess.
func (sv *Server) Update(ctx context.Context, nodeID uint8) error {
	n, err := sv.link.ReadUntilIdle(ctx, sv.rxbuf[:])
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	frame := sv.rxbuf[:n]
	sv.log.Log(ctx, LevelTrace, "modbus server rx", slog.String("frame", fmt.Sprintf("% x", frame)))
	addr, pdu, err := DecodeADU(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcess, err)
	}
	if addr != nodeID && addr != BroadcastAddress {
		sv.log.Log(ctx, LevelTrace, "modbus server ignore", slog.Int("addr", int(addr)))
		return nil
	}
	plen, err := sv.serve(ctx, pdu)
	if err != nil {
		return err
	}
	if addr == BroadcastAddress {
		return nil
	}
	// Reply goes out with our own address.
	alen, err := PutADU(sv.txbuf[:], nodeID, sv.txbuf[1:1+plen])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProcess, err)
	}
	sv.log.Log(ctx, LevelTrace, "modbus server tx", slog.String("frame", fmt.Sprintf("% x", sv.txbuf[:alen])))
	sv.link.Lock()
	_, err = sv.link.Write(sv.txbuf[:alen])
	sv.link.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// serve processes pdu and writes the response PDU to txbuf[1:].
func (sv *Server) serve(ctx context.Context, pdu []byte) (plen int, err error) {
	resp := sv.txbuf[1 : bufSize-2]
	fc, want, err := peagate.InferRequestPacketLength(pdu)
	if err == nil && int(want) != len(pdu) {
		return 0, fmt.Errorf("%w: %s request of %d bytes, expected %d", ErrProcess, fc, len(pdu), want)
	}
	req, off, err := peagate.DecodeRequest(pdu)
	switch {
	case errors.Is(err, peagate.ErrBadFunctionCode), errors.Is(err, peagate.ExceptionIllegalFunction):
		sv.log.Debug("modbus server unsupported function", slog.String("fc", fc.String()))
		return peagate.ExceptionIllegalFunction.PutResponse(resp, fc), nil
	case err != nil:
		return 0, fmt.Errorf("%w: %w", ErrProcess, err)
	}

	transaction := sv.store.Update
	if req.FC.IsRead() {
		transaction = sv.store.View
	}
	err = transaction(func(dm peagate.DataModel) (err error) {
		plen, err = req.PutResponse(dm, resp, pdu[off:])
		return err
	})
	var exc peagate.Exception
	if errors.As(err, &exc) {
		sv.log.Debug("modbus server exception", slog.String("req", req.String()), slog.String("exception", exc.Error()))
		return plen, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProcess, err)
	}
	sv.log.Log(ctx, LevelTrace, "modbus server served", slog.String("req", req.String()))
	return plen, nil
}
