package canbus

import (
	"context"

	"golang.org/x/exp/slog"
)

// NewLoggedBus wraps inner and logs every frame sent and received at level.
// Errors are logged at error level.
func NewLoggedBus(inner Bus, logger *slog.Logger, level slog.Level) Bus {
	return &loggedBus{inner: inner, logger: logger, level: level}
}

type loggedBus struct {
	inner  Bus
	logger *slog.Logger
	level  slog.Level
}

func (l *loggedBus) Send(ctx context.Context, frame Frame) error {
	l.logger.Log(ctx, l.level, "canbus send", slog.String("frame", frame.String()))
	err := l.inner.Send(ctx, frame)
	if err != nil {
		l.logger.Log(ctx, slog.LevelError, "canbus send error",
			slog.Uint64("id", uint64(frame.ID)),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (l *loggedBus) Receive(ctx context.Context) (Frame, error) {
	f, err := l.inner.Receive(ctx)
	switch {
	case err == nil:
		l.logger.Log(ctx, l.level, "canbus receive", slog.String("frame", f.String()))
	case ctx.Err() == nil:
		l.logger.Log(ctx, slog.LevelError, "canbus receive error", slog.String("error", err.Error()))
	}
	return f, err
}

// Close forwards to the inner Bus without logging.
func (l *loggedBus) Close() error {
	return l.inner.Close()
}
