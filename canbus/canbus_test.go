package canbus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestFrameValidate(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
		want error
	}{
		{"std ok", Frame{ID: 0x7FF, Len: 8}, nil},
		{"std id too large", Frame{ID: 0x800}, ErrInvalidID},
		{"ext ok", Frame{ID: 0x800, Extended: true}, nil},
		{"ext id too large", Frame{ID: MaxExtID + 1, Extended: true}, ErrInvalidID},
		{"len too large", Frame{ID: 1, Len: 9}, ErrInvalidLen},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.ErrorIs(t, c.f.Validate(), c.want)
		})
	}
	_, err := NewFrame(0x100, make([]byte, 9))
	assert.ErrorIs(t, err, ErrInvalidLen)
	assert.Panics(t, func() { MustFrame(0x1000, nil) })
}

func TestFrameString(t *testing.T) {
	f := MustFrame(0x585, []byte{0x43, 0x00, 0x01, 0x02})
	assert.Equal(t, "585#43 00 01 02", f.String())
	assert.Equal(t, "00000100#R2", Frame{ID: 0x100, Extended: true, RTR: true, Len: 2}.String())
}

func TestLoopback(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	want := MustFrame(0x605, []byte{0x4B, 0, 1, 2})
	require.NoError(t, a.Send(ctx, want))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Sender does not see its own frame.
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = a.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Close())
	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Send(ctx, want), ErrClosed)
	// a keeps working after b leaves.
	require.NoError(t, a.Send(ctx, want))

	require.NoError(t, bus.Close())
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, bus.Open().Send(ctx, want), ErrClosed)
}

func TestLoggedBus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	bus := NewLoopbackBus()
	defer bus.Close()
	a := NewLoggedBus(bus.Open(), logger, slog.LevelDebug)
	b := bus.Open()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, MustFrame(0x185, []byte{1, 2})))
	assert.Contains(t, buf.String(), "canbus send")
	assert.Contains(t, buf.String(), "185#01 02")

	err := a.Send(ctx, Frame{ID: 0x800})
	assert.True(t, errors.Is(err, ErrInvalidID))
	assert.Contains(t, buf.String(), "canbus send error")

	require.NoError(t, b.Send(ctx, MustFrame(0x205, nil)))
	_, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "canbus receive")
}
