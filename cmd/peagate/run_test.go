package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/canbus"
	"github.com/soypat/peagate/canopen"
	"github.com/soypat/peagate/encoder"
	"github.com/soypat/peagate/modbusrtu"
	"github.com/soypat/peagate/rs485"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestStoreRPDO(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	err := storeRPDO(store, canopen.RPDO{Number: 2, Data: [8]byte{0, 1, 0, 2, 0, 3, 0xff, 0xff}})
	require.NoError(t, err)
	var got [4]uint16
	for i := range got {
		got[i], _ = store.GetHoldingRegister(rpdoHolding + 8 + i)
	}
	assert.Equal(t, [4]uint16{1, 2, 3, 0xffff}, got)

	small := peagate.NewStore(peagate.Capacity{HoldingRegisters: 20})
	assert.ErrorIs(t, storeRPDO(small, canopen.RPDO{Number: 1}), peagate.ExceptionIllegalDataAddr)
}

func TestTelemetryToTPDO(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	require.NoError(t, storeTelemetry(store, [5]uint16{0x0102, 0x0304, 0x0506, 0x0708, 9}))
	p, err := tpdoFromStore(store)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), p.Number())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, p.Data())

	_, err = tpdoFromStore(peagate.NewStore(peagate.Capacity{InputRegisters: 2}))
	assert.Error(t, err)
}

func TestDesiredFromStore(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	store.SetHoldingRegister(desiredHolding, 10)
	store.SetHoldingRegister(desiredHolding+1, 20)
	store.SetHoldingRegister(desiredHolding+2, 3)
	assert.Equal(t, encoder.Desired{ZeroPoint: 10, ShaftDiameter: 20, NodeID: 3}, desiredFromStore(store))
}

func TestRelayCAN(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	tpdo := make(chan canopen.TPDO, 1)
	gw := canopen.NewGateway(bus.Open(), canopen.GatewayConfig{NodeID: 5, Store: store, TPDO: tpdo})
	defer gw.Close()
	peer := bus.Open()

	require.NoError(t, storeTelemetry(store, [5]uint16{0xaabb, 1, 2, 3, 4}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- relayCAN(ctx, gw, store, discard) }()
	go func() { done <- publishTPDO(ctx, store, tpdo, 10*time.Millisecond, discard) }()

	// A short RPDO is dropped without stopping the relay.
	require.NoError(t, peer.Send(ctx, canbus.MustFrame(0x205, []byte{1})))
	require.NoError(t, peer.Send(ctx, canbus.MustFrame(0x205, []byte{0, 7, 0, 8, 0, 9, 0, 10})))
	assert.Eventually(t, func() bool {
		v, _ := store.GetHoldingRegister(rpdoHolding + 3)
		return v == 10
	}, time.Second, 5*time.Millisecond)

	f, err := peer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x185), f.ID)
	assert.Equal(t, []byte{0xaa, 0xbb, 0, 1, 0, 2, 0, 3}, f.Payload())

	cancel()
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-done, context.Canceled)
	}
}

func newEncoderSim(t *testing.T, regs []uint16) (*peagate.Store, *encoder.Poller) {
	const idle = 5 * time.Millisecond
	sim := peagate.NewStore(peagate.Capacity{HoldingRegisters: 300})
	for i, v := range regs {
		sim.SetHoldingRegister(i, v)
	}
	a, b := rs485.Pipe()
	srv := modbusrtu.NewServer(rs485.NewLink(b, rs485.Config{Idle: idle}), modbusrtu.ServerConfig{Store: sim})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		serveModbus(ctx, srv, 1, discard)
	}()
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
		<-stopped
	})
	client := modbusrtu.NewClient(rs485.NewLink(a, rs485.Config{Idle: idle}), modbusrtu.ClientConfig{Timeout: 200 * time.Millisecond})
	return sim, encoder.NewPoller(client, encoder.Config{NodeID: 1})
}

func TestPollEncoder(t *testing.T) {
	sim, poller := newEncoderSim(t, []uint16{11, 12, 13, 0, 0, 16, 17})
	store := peagate.NewStore(peagate.DefaultCapacity())
	store.SetHoldingRegister(desiredHolding, 33)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pollEncoder(ctx, poller, store, 10*time.Millisecond, discard) }()

	assert.Eventually(t, func() bool {
		v, _ := store.GetInputRegister(telemetryInput + 4)
		return v == 17
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		v, _ := sim.GetHoldingRegister(int(encoder.RegZeroPoint))
		return v == 33
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPrintEncoder(t *testing.T) {
	_, poller := newEncoderSim(t, []uint16{11, 12, 13, 14, 15, 16, 17})
	var buf bytes.Buffer
	require.NoError(t, printEncoder(context.Background(), &buf, poller))
	out := buf.String()
	assert.Contains(t, out, "rotation angle      11 (frac 12)")
	assert.Contains(t, out, "zero point          14")
	assert.Contains(t, out, "shaft diameter      15")
}
