// Package encoder polls a rotary encoder Modbus RTU slave and keeps its
// configuration registers in line with the values the node wants.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/soypat/peagate/modbusrtu"
	"golang.org/x/exp/slog"
)

// Holding registers of the encoder.
const (
	RegRotationAngle     uint16 = 0
	RegRotationAngleFrac uint16 = 1
	RegCurrentCounter    uint16 = 2
	RegZeroPoint         uint16 = 3
	RegShaftDiameter     uint16 = 4
	RegLinearSpeed       uint16 = 5
	RegRotationFrequency uint16 = 6
	RegNodeID            uint16 = 250
)

// regsCount is the length of the measurement block starting at RegRotationAngle.
const regsCount = 7

// Errors returned by the poller can be matched with errors.Is.
var (
	ErrTimeout   = modbusrtu.ErrTimeout
	ErrTransport = modbusrtu.ErrTransport
	ErrParse     = modbusrtu.ErrProcess
	errBadNodeID = errors.New("encoder node id must be in 1..247")
)

// Measurement indexes into the array returned by [Poller.Update].
const (
	RotationAngle = iota
	RotationAngleFrac
	CurrentCounter
	LinearSpeed
	RotationFrequency
)

// Desired is the configuration the poller converges the encoder to.
type Desired struct {
	ZeroPoint     uint16
	ShaftDiameter uint16
	// NodeID is the slave address the encoder should answer to. Zero keeps the
	// current address.
	NodeID uint16
}

// Config provides configuration parameters to NewPoller.
type Config struct {
	// NodeID is the slave address the encoder currently answers to.
	NodeID uint8
	// Slave selects the logical slave instance on a shared bus segment.
	// Configuration writes are offset by 10 registers per instance.
	Slave  SlaveNumber
	Logger *slog.Logger
}

// Poller is the Modbus master side of one encoder slave.
type Poller struct {
	client *modbusrtu.Client
	nodeID uint8
	slave  SlaveNumber
	log    *slog.Logger
}

func NewPoller(client *modbusrtu.Client, cfg Config) *Poller {
	if client == nil {
		panic("nil client")
	}
	if cfg.NodeID < 1 || cfg.NodeID > 247 {
		panic("invalid encoder address")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{client: client, nodeID: cfg.NodeID, slave: cfg.Slave.valid(), log: log}
}

// NodeID returns the address the poller currently talks to.
func (p *Poller) NodeID() uint8 { return p.nodeID }

// Update reads the measurement block of the encoder, writes every configuration
// register that differs from want and returns rotation angle, rotation angle
// fraction, current counter, linear speed and rotation frequency in that order.
//
// The first failed exchange ends the cycle and its error is returned. Update
// does not retry; calling it periodically converges the encoder configuration.
func (p *Poller) Update(ctx context.Context, want Desired) (meas [5]uint16, err error) {
	if want.NodeID > 247 {
		return meas, errBadNodeID
	}
	regs, err := p.readBlock(ctx)
	if err != nil {
		return meas, err
	}
	if regs[RegZeroPoint] != want.ZeroPoint {
		if err = p.SetZeroPoint(ctx, want.ZeroPoint); err != nil {
			return meas, err
		}
	}
	if regs[RegShaftDiameter] != want.ShaftDiameter {
		if err = p.SetShaftDiameter(ctx, want.ShaftDiameter); err != nil {
			return meas, err
		}
	}
	if want.NodeID != 0 && want.NodeID != uint16(p.nodeID) {
		if err = p.SetNodeID(ctx, want.NodeID); err != nil {
			return meas, err
		}
	}
	return measurements(regs), nil
}

// Measure reads the measurement block without reconciling configuration. The
// result is ordered as in Update.
func (p *Poller) Measure(ctx context.Context) ([5]uint16, error) {
	regs, err := p.readBlock(ctx)
	if err != nil {
		return [5]uint16{}, err
	}
	return measurements(regs), nil
}

func (p *Poller) readBlock(ctx context.Context) (regs [regsCount]uint16, err error) {
	err = p.client.ReadHoldingRegisters(ctx, p.nodeID, RegRotationAngle, regs[:])
	if err != nil {
		return regs, fmt.Errorf("encoder %d read: %w", p.nodeID, err)
	}
	return regs, nil
}

func measurements(regs [regsCount]uint16) [5]uint16 {
	return [5]uint16{
		regs[RegRotationAngle],
		regs[RegRotationAngleFrac],
		regs[RegCurrentCounter],
		regs[RegLinearSpeed],
		regs[RegRotationFrequency],
	}
}

// SetZeroPoint writes the zero point register of the encoder.
func (p *Poller) SetZeroPoint(ctx context.Context, v uint16) error {
	return p.setReg(ctx, RegZeroPoint, v)
}

// SetShaftDiameter writes the shaft diameter register of the encoder.
func (p *Poller) SetShaftDiameter(ctx context.Context, v uint16) error {
	return p.setReg(ctx, RegShaftDiameter, v)
}

// SetNodeID changes the slave address of the encoder. Subsequent requests are
// sent to the new address.
func (p *Poller) SetNodeID(ctx context.Context, id uint16) error {
	if id < 1 || id > 247 {
		return errBadNodeID
	}
	if err := p.setReg(ctx, RegNodeID, id); err != nil {
		return err
	}
	p.log.Info("encoder address changed", slog.Int("from", int(p.nodeID)), slog.Int("to", int(id)))
	p.nodeID = uint8(id)
	return nil
}

// ZeroPoint reads the zero point register of the encoder.
func (p *Poller) ZeroPoint(ctx context.Context) (uint16, error) {
	return p.reg(ctx, RegZeroPoint)
}

// ShaftDiameter reads the shaft diameter register of the encoder.
func (p *Poller) ShaftDiameter(ctx context.Context) (uint16, error) {
	return p.reg(ctx, RegShaftDiameter)
}

// ReadNodeID reads the address register of the encoder.
func (p *Poller) ReadNodeID(ctx context.Context) (uint16, error) {
	return p.reg(ctx, RegNodeID)
}

func (p *Poller) setReg(ctx context.Context, reg, v uint16) error {
	addr := reg + uint16(p.slave)*10
	p.log.Debug("encoder config write", slog.Int("reg", int(addr)), slog.Int("value", int(v)))
	if err := p.client.WriteSingleRegister(ctx, p.nodeID, addr, v); err != nil {
		return fmt.Errorf("encoder %d write reg %d: %w", p.nodeID, addr, err)
	}
	return nil
}

func (p *Poller) reg(ctx context.Context, reg uint16) (uint16, error) {
	var v [1]uint16
	if err := p.client.ReadHoldingRegisters(ctx, p.nodeID, reg, v[:]); err != nil {
		return 0, fmt.Errorf("encoder %d read reg %d: %w", p.nodeID, reg, err)
	}
	return v[0], nil
}
