package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

// Notification is the small envelope carried over Postgres NOTIFY, the
// optional cross-instance pub/sub bus. It carries no event body (well
// under NOTIFY's 8000-byte payload ceiling); receivers call Read to fetch
// the actual event.
type Notification struct {
	OriginID   string             `json:"origin_id"`
	StreamKind eventlog.StreamKind `json:"stream_kind"`
	StreamID   string             `json:"stream_id"`
	Seq        int64              `json:"seq"`
}

// connIface abstracts the single dedicated connection a Notifier listens on,
// so Notifications can be unit tested without a real socket.
type connIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

type pgxConnAdapter struct {
	conn *pgx.Conn
}

func (a *pgxConnAdapter) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return a.conn.Exec(ctx, sql, arguments...)
}

func (a *pgxConnAdapter) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	return a.conn.WaitForNotification(ctx)
}

func (a *pgxConnAdapter) Close(ctx context.Context) error {
	return a.conn.Close(ctx)
}

func defaultConnector(ctx context.Context, dsn string) (connIface, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &pgxConnAdapter{conn: conn}, nil
}

// channelFor derives the Postgres NOTIFY channel name for a stream, using a
// "game:<gid>" / "room:<rid>" naming, sanitized to the identifier charset
// NOTIFY channels allow.
func channelFor(kind eventlog.StreamKind, id string) string {
	return sanitizeChannel(fmt.Sprintf("%s:%s", kind, id))
}

func sanitizeChannel(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Notifier publishes and listens for cross-instance stream notifications
// using Postgres LISTEN/NOTIFY. Each call to Notifications opens its own
// dedicated connection (LISTEN is connection-scoped).
type Notifier struct {
	dsn       string
	pool      poolIface
	connector func(ctx context.Context, dsn string) (connIface, error)
}

// NewNotifier creates a Notifier. pool is used to send NOTIFY (pg_notify
// works over any connection in the pool); dsn is used to open the dedicated
// LISTEN connection.
func NewNotifier(dsn string, pool poolIface) *Notifier {
	return &Notifier{dsn: dsn, pool: pool, connector: defaultConnector}
}

// Publish sends a Notification on the channel for (kind, id). Best-effort: a
// bus publish failure is logged by the caller and does not affect
// single-instance correctness.
func (n *Notifier) Publish(ctx context.Context, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return oops.Code("NOTIFY_MARSHAL_FAILED").Wrap(err)
	}
	channel := channelFor(note.StreamKind, note.StreamID)
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return oops.Code("NOTIFY_PUBLISH_FAILED").With("channel", channel).Wrap(eventlog.ErrBackendUnavailable)
	}
	return nil
}

// Notifications opens a dedicated connection, issues LISTEN on the channel
// for (kind, id), and streams decoded Notification values until ctx is
// cancelled. The returned channels are closed on cancellation.
func (n *Notifier) Notifications(ctx context.Context, kind eventlog.StreamKind, id string) (<-chan Notification, <-chan error, error) {
	channel := channelFor(kind, id)

	conn, err := n.connector(ctx, n.dsn)
	if err != nil {
		return nil, nil, oops.Code("NOTIFY_CONNECT_FAILED").With("channel", channel).Wrap(err)
	}

	if _, err := conn.Exec(ctx, `LISTEN "`+channel+`"`); err != nil {
		_ = conn.Close(context.Background())
		return nil, nil, oops.Code("NOTIFY_LISTEN_FAILED").With("channel", channel).Wrap(err)
	}

	notes := make(chan Notification)
	errs := make(chan error, 1)

	go func() {
		defer close(notes)
		defer close(errs)
		defer conn.Close(ctx) //nolint:errcheck // best-effort cleanup

		for {
			pgNotification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case errs <- err:
				case <-ctx.Done():
				}
				return
			}

			var note Notification
			if err := json.Unmarshal([]byte(pgNotification.Payload), &note); err != nil {
				select {
				case errs <- oops.Code("NOTIFY_DECODE_FAILED").Wrap(err):
				case <-ctx.Done():
					return
				}
				continue
			}

			select {
			case notes <- note:
			case <-ctx.Done():
				return
			}
		}
	}()

	return notes, errs, nil
}
