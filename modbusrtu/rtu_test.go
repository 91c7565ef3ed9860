package modbusrtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/soypat/peagate"
	"github.com/soypat/peagate/rs485"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCRC(t *testing.T) {
	testCases := []struct {
		msgWithAddr []byte
		expected    uint16
	}{
		{
			msgWithAddr: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, // Read 1 register at 0x0000 from device 1.
			expected:    0x0a84,
		},
		{
			msgWithAddr: []byte{0x11, 0x03, 0x00, 0x6b, 0x00, 0x03}, // Read 3 registers at 0x006b from device 0x11.
			expected:    0x8776,
		},
		{
			msgWithAddr: []byte{0x01, 0x06, 0x00, 0x01, 0x00, 0x03}, // Write 3 to register 1 of device 1.
			expected:    0x0b98,
		},
	}
	for _, tC := range testCases {
		t.Run(fmt.Sprintf("% x", tC.msgWithAddr), func(t *testing.T) {
			got := CRC(tC.msgWithAddr)
			if got != tC.expected {
				t.Fatalf("expected %x, got %x", tC.expected, got)
			}
		})
	}
}

func TestADURoundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		addr := rapid.Uint8().Draw(t, "addr")
		pdu := rapid.SliceOfN(rapid.Byte(), 1, 253).Draw(t, "pdu")
		var buf [bufSize]byte
		n, err := PutADU(buf[:], addr, pdu)
		if err != nil {
			t.Fatal(err)
		}
		gotAddr, gotPDU, err := DecodeADU(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if gotAddr != addr || string(gotPDU) != string(pdu) {
			t.Fatalf("roundtrip mismatch")
		}
		// Any single bit flip is caught by the CRC.
		bit := rapid.IntRange(0, 8*n-1).Draw(t, "bit")
		buf[bit/8] ^= 1 << (bit % 8)
		_, _, err = DecodeADU(buf[:n])
		if !errors.Is(err, ErrBadCRC) {
			t.Fatalf("expected bad CRC, got %v", err)
		}
	})
}

// newPair returns a client and a running server on connected pipe ends.
func newPair(t *testing.T, devAddr uint8, store *peagate.Store) (*Client, *rs485.PipePort) {
	t.Helper()
	a, b := rs485.Pipe()
	srvLink := rs485.NewLink(rw{label: "Server Pipe", PipePort: b, t: t}, rs485.Config{Idle: 5 * time.Millisecond})
	cliLink := rs485.NewLink(rw{label: "Client Pipe", PipePort: a, t: t}, rs485.Config{Idle: 5 * time.Millisecond})
	srv := NewServer(srvLink, ServerConfig{Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			srv.Update(ctx, devAddr)
		}
	}()
	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
		<-done
	})
	return NewClient(cliLink, ClientConfig{Timeout: 200 * time.Millisecond}), a
}

func TestIntegration(t *testing.T) {
	const (
		numTests  = 20
		devAddr   = 1
		startAddr = 3
		nRegs     = 4
	)
	store := peagate.NewStore(peagate.DefaultCapacity())
	cli, _ := newPair(t, devAddr, store)
	ctx := context.Background()

	var buf [nRegs]uint16
	for test := 0; test < numTests; test++ {
		for i := 0; i < nRegs; i++ {
			store.SetHoldingRegister(startAddr+i, uint16(test*100+i))
		}
		err := cli.ReadHoldingRegisters(ctx, devAddr, startAddr, buf[:])
		require.NoError(t, err)
		for i := 0; i < nRegs; i++ {
			want, _ := store.GetHoldingRegister(startAddr + i)
			require.Equal(t, want, buf[i], "register %d test %d", startAddr+i, test)
		}
	}

	require.NoError(t, cli.WriteSingleRegister(ctx, devAddr, 9, 0xcafe))
	v, _ := store.GetHoldingRegister(9)
	assert.EqualValues(t, 0xcafe, v)

	require.NoError(t, cli.WriteMultipleRegisters(ctx, devAddr, 20, []uint16{1, 2, 3}))
	v32, _ := store.Uint32Holding(20)
	assert.EqualValues(t, 0x00010002, v32)

	store.SetInputRegister(0, 77)
	require.NoError(t, cli.ReadInputRegisters(ctx, devAddr, 0, buf[:1]))
	assert.EqualValues(t, 77, buf[0])
}

func TestServerException(t *testing.T) {
	store := peagate.NewStore(peagate.Capacity{HoldingRegisters: 8})
	cli, _ := newPair(t, 5, store)
	var buf [4]uint16
	err := cli.ReadHoldingRegisters(context.Background(), 5, 6, buf[:])
	assert.ErrorIs(t, err, peagate.ExceptionIllegalDataAddr)

	// The server keeps serving after an exception.
	err = cli.ReadHoldingRegisters(context.Background(), 5, 0, buf[:])
	assert.NoError(t, err)
}

func TestServerIgnoresOtherAddress(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	cli, _ := newPair(t, 1, store)
	start := time.Now()
	var buf [1]uint16
	err := cli.ReadHoldingRegisters(context.Background(), 2, 0, buf[:])
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), cli.Timeout()+time.Second)
}

func TestServerBroadcastWrite(t *testing.T) {
	store := peagate.NewStore(peagate.DefaultCapacity())
	cli, _ := newPair(t, 1, store)
	require.NoError(t, cli.WriteSingleRegister(context.Background(), BroadcastAddress, 4, 44))
	assert.Eventually(t, func() bool {
		v, _ := store.GetHoldingRegister(4)
		return v == 44
	}, time.Second, 5*time.Millisecond)
}

func TestServerUpdateErrors(t *testing.T) {
	a, b := rs485.Pipe()
	defer a.Close()
	store := peagate.NewStore(peagate.DefaultCapacity())
	srv := NewServer(rs485.NewLink(b, rs485.Config{Idle: 5 * time.Millisecond}), ServerConfig{Store: store})
	ctx := context.Background()

	a.Write([]byte{1, 3, 0, 0, 0, 1, 0, 0}) // Bad CRC.
	err := srv.Update(ctx, 1)
	assert.ErrorIs(t, err, ErrProcess)
	assert.ErrorIs(t, err, ErrBadCRC)

	var frame [bufSize]byte
	n, _ := PutADU(frame[:], 1, []byte{byte(peagate.FCReadHoldingRegisters), 0, 0})
	a.Write(frame[:n])
	assert.ErrorIs(t, srv.Update(ctx, 1), ErrProcess)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Update(ctx, 1), context.DeadlineExceeded)
}

func TestServerUnsupportedFunction(t *testing.T) {
	a, b := rs485.Pipe()
	defer a.Close()
	store := peagate.NewStore(peagate.DefaultCapacity())
	srv := NewServer(rs485.NewLink(b, rs485.Config{Idle: 5 * time.Millisecond}), ServerConfig{Store: store})
	var frame [bufSize]byte
	n, _ := PutADU(frame[:], 1, []byte{0x41, 1, 2})
	a.Write(frame[:n])
	require.NoError(t, srv.Update(context.Background(), 1))

	link := rs485.NewLink(a, rs485.Config{Idle: 5 * time.Millisecond})
	n, err := link.ReadUntilIdle(context.Background(), frame[:])
	require.NoError(t, err)
	addr, pdu, err := DecodeADU(frame[:n])
	require.NoError(t, err)
	assert.EqualValues(t, 1, addr)
	assert.Equal(t, []byte{0x41 | 0x80, byte(peagate.ExceptionIllegalFunction)}, pdu)
}

type rw struct {
	label string
	*rs485.PipePort
	t testing.TB
}

func (r rw) Read(p []byte) (n int, err error) {
	n, err = r.PipePort.Read(p)
	if n > 0 || (err != nil && err != io.EOF) {
		r.t.Logf("%v: read %v bytes ERR=%v (% x)", r.label, n, err, p[:n])
	}
	return n, err
}

func (r rw) Write(p []byte) (n int, err error) {
	n, err = r.PipePort.Write(p)
	r.t.Logf("%v: wrote %v bytes ERR=%v (% x)", r.label, n, err, p)
	return n, err
}
