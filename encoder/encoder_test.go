package encoder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/modbusrtu"
	"github.com/soypat/peagate/rs485"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// countingPort counts the request frames the master writes per function code.
type countingPort struct {
	*rs485.PipePort
	mu     sync.Mutex
	frames map[peagate.FunctionCode]int
}

func (c *countingPort) Write(p []byte) (int, error) {
	c.mu.Lock()
	if len(p) > 1 {
		c.frames[peagate.FunctionCode(p[1])]++
	}
	c.mu.Unlock()
	return c.PipePort.Write(p)
}

func (c *countingPort) count(fc peagate.FunctionCode) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[fc]
}

// simulateEncoder runs a Modbus slave that answers to the address held in its
// own node id register.
func simulateEncoder(t *testing.T, nodeID uint8) (*peagate.Store, *countingPort, *modbusrtu.Client) {
	t.Helper()
	store := peagate.NewStore(peagate.Capacity{HoldingRegisters: 300})
	store.SetHoldingRegister(int(RegNodeID), uint16(nodeID))
	a, b := rs485.Pipe()
	master := &countingPort{PipePort: a, frames: make(map[peagate.FunctionCode]int)}
	const idle = 5 * time.Millisecond
	srv := modbusrtu.NewServer(rs485.NewLink(b, rs485.Config{Idle: idle}), modbusrtu.ServerConfig{Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			id, _ := store.GetHoldingRegister(int(RegNodeID))
			srv.Update(ctx, uint8(id))
		}
	}()
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
		<-done
	})
	client := modbusrtu.NewClient(rs485.NewLink(master, rs485.Config{Idle: idle}), modbusrtu.ClientConfig{Timeout: 200 * time.Millisecond})
	return store, master, client
}

func TestUpdateWritesDifferingZeroPoint(t *testing.T) {
	store, port, client := simulateEncoder(t, 1)
	for i, v := range []uint16{100, 5, 42, 10, 50, 7, 8} {
		store.SetHoldingRegister(i, v)
	}
	p := NewPoller(client, Config{NodeID: 1})
	meas, err := p.Update(context.Background(), Desired{ZeroPoint: 20, ShaftDiameter: 50, NodeID: 1})
	require.NoError(t, err)
	assert.Equal(t, [5]uint16{100, 5, 42, 7, 8}, meas)
	assert.Equal(t, 1, port.count(peagate.FCReadHoldingRegisters))
	assert.Equal(t, 1, port.count(peagate.FCWriteSingleRegister), "exactly one config write expected")
	zp, _ := store.GetHoldingRegister(int(RegZeroPoint))
	assert.EqualValues(t, 20, zp)

	// Converged: the next cycle only reads.
	_, err = p.Update(context.Background(), Desired{ZeroPoint: 20, ShaftDiameter: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, port.count(peagate.FCReadHoldingRegisters))
	assert.Equal(t, 1, port.count(peagate.FCWriteSingleRegister))
}

func TestUpdateSlaveOffset(t *testing.T) {
	store, port, client := simulateEncoder(t, 3)
	p := NewPoller(client, Config{NodeID: 3, Slave: 2})
	_, err := p.Update(context.Background(), Desired{ShaftDiameter: 60})
	require.NoError(t, err)
	assert.Equal(t, 1, port.count(peagate.FCWriteSingleRegister))
	got, _ := store.GetHoldingRegister(int(RegShaftDiameter) + 20)
	assert.EqualValues(t, 60, got)
}

func TestUpdateChangesNodeID(t *testing.T) {
	store, _, client := simulateEncoder(t, 1)
	p := NewPoller(client, Config{NodeID: 1})
	_, err := p.Update(context.Background(), Desired{NodeID: 9})
	require.NoError(t, err)
	assert.EqualValues(t, 9, p.NodeID())
	id, _ := store.GetHoldingRegister(int(RegNodeID))
	assert.EqualValues(t, 9, id)

	// The encoder now answers on its new address.
	got, err := p.ReadNodeID(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 9, got)
}

func TestHelpers(t *testing.T) {
	_, _, client := simulateEncoder(t, 4)
	p := NewPoller(client, Config{NodeID: 4})
	ctx := context.Background()
	require.NoError(t, p.SetZeroPoint(ctx, 11))
	require.NoError(t, p.SetShaftDiameter(ctx, 12))
	zp, err := p.ZeroPoint(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 11, zp)
	sd, err := p.ShaftDiameter(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, sd)
	assert.Error(t, p.SetNodeID(ctx, 0))
}

func TestMeasureDoesNotWrite(t *testing.T) {
	store, port, client := simulateEncoder(t, 2)
	for i, v := range []uint16{1, 2, 3, 99, 99, 6, 7} {
		store.SetHoldingRegister(i, v)
	}
	p := NewPoller(client, Config{NodeID: 2})
	meas, err := p.Measure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [5]uint16{1, 2, 3, 6, 7}, meas)
	assert.Zero(t, port.count(peagate.FCWriteSingleRegister))
}

func TestUpdateTimeout(t *testing.T) {
	a, _ := rs485.Pipe()
	defer a.Close()
	const timeout = 50 * time.Millisecond
	client := modbusrtu.NewClient(rs485.NewLink(a, rs485.Config{Idle: 5 * time.Millisecond}), modbusrtu.ClientConfig{Timeout: timeout})
	p := NewPoller(client, Config{NodeID: 1})
	start := time.Now()
	_, err := p.Update(context.Background(), Desired{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), timeout+500*time.Millisecond)
}

func TestSlaves(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Uint32().Draw(t, "v")
		s := SlavesFromUint32(v)
		if s.Uint32() != v {
			t.Fatalf("roundtrip %#x -> %#x", v, s.Uint32())
		}
		if s.Low != uint16(v) {
			t.Fatalf("low half %#x of %#x", s.Low, v)
		}
	})
	assert.Equal(t, SlaveNumber(7), SlaveNumberFrom(7))
	assert.Equal(t, SlaveNumber(0), SlaveNumberFrom(8))
}
