package enginesync

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PgTransport uses Postgres LISTEN/NOTIFY on one channel. The listener
// holds a dedicated pooled connection and reconnects with backoff.
type PgTransport struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

func NewPgTransport(pool *pgxpool.Pool, channel string, logger *zap.Logger) *PgTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgTransport{pool: pool, channel: channel, logger: logger.Named("pgnotify")}
}

func (t *PgTransport) Publish(ctx context.Context, payload []byte) error {
	_, err := t.pool.Exec(ctx, "select pg_notify($1, $2)", t.channel, string(payload))
	return err
}

func (t *PgTransport) Listen(ctx context.Context, handle func([]byte)) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		err := t.listenOnce(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		t.logger.Warn("listener disconnected", zap.String("channel", t.channel), zap.Duration("retry_in", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *PgTransport) listenOnce(ctx context.Context, handle func([]byte)) error {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		return err
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(uctx, "unlisten *")
	}()
	t.logger.Info("listening", zap.String("channel", t.channel))
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		handle([]byte(n.Payload))
	}
}
