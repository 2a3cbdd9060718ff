package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	identitydomain "freight-marketplace/identity/internal/identity/domain"
	profiledomain "freight-marketplace/identity/internal/profile/domain"
)

// DefaultChannel is the NOTIFY channel the profile trigger publishes on.
const DefaultChannel = "profile_changes"

// listenConn is the part of *pgx.Conn used for LISTEN.
type listenConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PostgresFeed delivers changes published with pg_notify by the profiles trigger. A dropped
// connection is re-established with exponential backoff.
type PostgresFeed struct {
	dsn            string
	channel        string
	connectTimeout time.Duration
	maxTries       uint
	logger         *slog.Logger
	dial           func(ctx context.Context) (listenConn, error)
	newBackOff     func() backoff.BackOff
}

// NewPostgresFeed returns a feed listening on channel (DefaultChannel if empty).
func NewPostgresFeed(dsn, channel string, logger *slog.Logger) *PostgresFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &PostgresFeed{
		dsn:            dsn,
		channel:        channel,
		connectTimeout: 10 * time.Second,
		maxTries:       8,
		logger:         logger,
	}
	f.dial = func(ctx context.Context) (listenConn, error) {
		conn, err := pgx.Connect(ctx, f.dsn)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	f.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		return b
	}
	return f
}

var _ Feed = (*PostgresFeed)(nil)

// Subscribe starts listening for changes to identity's profiles.
func (f *PostgresFeed) Subscribe(ctx context.Context, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) (Subscription, error) {
	if identity == "" {
		return nil, identitydomain.ErrNoSession
	}
	return startSubscription(ctx, func(ctx context.Context) {
		f.run(ctx, identity, onChange, onStatus)
	}), nil
}

func (f *PostgresFeed) run(ctx context.Context, identity identitydomain.Identity, onChange func(profiledomain.Change), onStatus func(Status, error)) {
	defer onStatus(StatusClosed, nil)
	for ctx.Err() == nil {
		conn, err := backoff.Retry(ctx, func() (listenConn, error) {
			return f.listen(ctx)
		},
			backoff.WithBackOff(f.newBackOff()),
			backoff.WithMaxTries(f.maxTries),
			backoff.WithNotify(func(err error, next time.Duration) {
				f.logger.Warn("realtime: listen failed, retrying", "channel", f.channel, "retry_in", next, "error", err)
				onStatus(connectStatus(err), err)
			}),
		)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Error("realtime: giving up on change feed", "channel", f.channel, "error", err)
				onStatus(connectStatus(err), err)
			}
			return
		}
		onStatus(StatusConnected, nil)
		err = f.receive(ctx, conn, identity, onChange)
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("realtime: change feed connection lost", "channel", f.channel, "error", err)
		onStatus(StatusError, err)
	}
}

func (f *PostgresFeed) listen(ctx context.Context) (listenConn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	return conn, nil
}

func (f *PostgresFeed) receive(ctx context.Context, conn listenConn, identity identitydomain.Identity, onChange func(profiledomain.Change)) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		c, err := decodeChange([]byte(n.Payload))
		if err != nil {
			f.logger.Warn("realtime: dropping notification", "channel", n.Channel, "error", err)
			continue
		}
		if c.Identity == identity {
			onChange(c)
		}
	}
}

func connectStatus(err error) Status {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return StatusTimedOut
	}
	return StatusError
}
