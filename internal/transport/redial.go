package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

// Dialer opens a fresh channel.
type Dialer func(ctx context.Context) (Channel, error)

// RedialConfig tunes the reconnect loop.
type RedialConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger

	// OnConnect is called with every newly attached Conn, before Redial
	// waits for it to close. The sync engine attaches its session here.
	OnConnect func(*Conn)
}

func (c RedialConfig) backoff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	// Retry forever; the context ends the loop.
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// Redial keeps one channel from dial attached to m. Dial failures back off
// exponentially; every successful dial becomes a fresh Conn, and when that
// Conn closes the loop dials again with a reset backoff. Redial returns when
// ctx ends or the Mux closes.
func Redial(ctx context.Context, m *Mux, dial Dialer, cfg RedialConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for {
		var ch Channel
		op := func() error {
			var err error
			ch, err = dial(ctx)
			return err
		}
		notify := func(err error, wait time.Duration) {
			logger.Warn("dial failed, retrying", "error", err, "wait", wait)
		}
		if err := backoff.RetryNotify(op, cfg.backoff(ctx), notify); err != nil {
			// The backoff stops early once the deadline is nearer than the
			// next interval. Redial still runs until ctx ends.
			if _, ok := ctx.Deadline(); ok {
				<-ctx.Done()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		conn, err := m.Add(ch)
		if err != nil {
			return err
		}
		logger.Info("connected", "conn", conn.ID(), "kind", conn.Kind().String())
		if cfg.OnConnect != nil {
			cfg.OnConnect(conn)
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			return ctx.Err()
		case <-conn.Done():
			logger.Info("connection lost, redialing", "conn", conn.ID(), "error", conn.Err())
		}
	}
}
