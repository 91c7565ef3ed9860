// Package canopen exposes a register store on a CAN bus through a small
// CANopen subset: expedited SDO access to holding and input registers plus
// four receive and any number of transmit PDOs.
package canopen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/canbus"
	"golang.org/x/exp/slog"
)

// LevelTrace logs every unhandled frame.
const LevelTrace = slog.LevelDebug - 4

// ErrIncorrectDataLength is returned when an RPDO does not carry 8 bytes.
var ErrIncorrectDataLength = errors.New("canopen: RPDO data length is not 8")

// GatewayConfig provides configuration parameters to NewGateway.
type GatewayConfig struct {
	NodeID uint8
	// Store is served over SDO. It must not be nil.
	Store *peagate.Store
	// TPDO is drained and transmitted by Update. May be nil.
	TPDO <-chan TPDO
	// Logger receives SDO aborts and frame traces. If nil nothing is logged.
	Logger *slog.Logger
}

// Gateway serves SDO requests for its node and relays PDOs.
type Gateway struct {
	bus    canbus.Bus
	store  *peagate.Store
	tpdo   <-chan TPDO
	log    *slog.Logger
	nodeID atomic.Uint32

	rx     chan rxResult
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type rxResult struct {
	frame canbus.Frame
	err   error
}

// NewGateway starts receiving from bus. Call Close to stop receiving; the bus
// itself is not closed.
func NewGateway(bus canbus.Bus, cfg GatewayConfig) *Gateway {
	if bus == nil {
		panic("nil bus")
	}
	if cfg.Store == nil {
		panic("nil store")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		bus:    bus,
		store:  cfg.Store,
		tpdo:   cfg.TPDO,
		log:    log,
		rx:     make(chan rxResult),
		cancel: cancel,
	}
	g.nodeID.Store(uint32(cfg.NodeID))
	g.wg.Add(1)
	go g.receive(ctx)
	return g
}

// NodeID returns the node id the gateway answers to.
func (g *Gateway) NodeID() uint8 { return uint8(g.nodeID.Load()) }

// SetNodeID changes the node id. It takes effect on the next frame handled.
func (g *Gateway) SetNodeID(id uint8) { g.nodeID.Store(uint32(id)) }

// Close stops the receive goroutine. Frames it already pulled off the bus are dropped.
func (g *Gateway) Close() error {
	g.cancel()
	g.wg.Wait()
	return nil
}

// receive forwards bus frames to Update until ctx is cancelled or the bus closes.
func (g *Gateway) receive(ctx context.Context) {
	defer g.wg.Done()
	defer close(g.rx)
	for {
		f, err := g.bus.Receive(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case g.rx <- rxResult{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if errors.Is(err, canbus.ErrClosed) {
			return
		}
	}
}

// Update services one event: either a frame received from the bus or a TPDO
// queued for transmission, whichever is ready first. A received RPDO addressed
// to this node is returned. SDO requests are answered on the bus and their
// failures are logged, never returned.
func (g *Gateway) Update(ctx context.Context) (*RPDO, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-g.rx:
		if !ok {
			return nil, fmt.Errorf("canopen: receive: %w", canbus.ErrClosed)
		}
		if r.err != nil {
			return nil, fmt.Errorf("canopen: receive: %w", r.err)
		}
		return g.handleFrame(ctx, r.frame)
	case p := <-g.tpdo:
		f, err := p.Frame(g.NodeID())
		if err != nil {
			return nil, fmt.Errorf("canopen: TPDO%d: %w", p.Number(), err)
		}
		if err := g.bus.Send(ctx, f); err != nil {
			return nil, fmt.Errorf("canopen: send TPDO%d: %w", p.Number(), err)
		}
		return nil, nil
	}
}

func (g *Gateway) handleFrame(ctx context.Context, f canbus.Frame) (*RPDO, error) {
	if f.Extended {
		g.log.Log(ctx, LevelTrace, "canopen unhandled", slog.String("frame", f.String()))
		return nil, nil
	}
	node := g.NodeID()
	if f.ID == SDORxBase+uint32(node) {
		g.processSDO(ctx, node, f.Payload())
		return nil, nil
	}
	n, ok := rpdoNumber(node, f.ID)
	if !ok {
		g.log.Log(ctx, LevelTrace, "canopen unhandled", slog.String("frame", f.String()))
		return nil, nil
	}
	if f.Len != 8 {
		return nil, fmt.Errorf("RPDO%d of %d bytes: %w", n, f.Len, ErrIncorrectDataLength)
	}
	return &RPDO{Number: n, Data: f.Data}, nil
}

func (g *Gateway) processSDO(ctx context.Context, node uint8, data []byte) {
	resp, err := HandleSDO(g.store, node, data)
	if err != nil {
		g.log.Warn("canopen sdo abort", slog.String("req", fmt.Sprintf("% x", data)), slog.String("err", err.Error()))
	}
	if err := g.bus.Send(ctx, resp); err != nil {
		g.log.Error("canopen sdo reply", slog.String("err", err.Error()))
	}
}
