// Package store provides the PostgreSQL-backed implementation of
// eventlog.EventStore plus schema migration and cross-instance notification
// plumbing.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/observability"
)

// DefaultAppendMaxRetries and DefaultAppendRetryBase are the append retry
// parameters used when NewPostgresEventStore is not given WithAppendRetry.
const (
	DefaultAppendMaxRetries = 5
	DefaultAppendRetryBase  = 10 * time.Millisecond
)

// poolIface abstracts the subset of *pgxpool.Pool used by PostgresEventStore,
// allowing unit tests to substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresEventStore implements eventlog.EventStore against a Postgres
// schema of game_events/room_events + game_snapshots/room_snapshots, using
// a serialized-next-seq append strategy with a unique-index backstop.
type PostgresEventStore struct {
	pool poolIface

	appendMaxRetries int
	appendRetryBase  time.Duration
	metrics          *observability.Metrics
}

// Option configures a PostgresEventStore at construction time.
type Option func(*PostgresEventStore)

// WithAppendRetry overrides the default append retry attempts/backoff base.
func WithAppendRetry(maxRetries int, base time.Duration) Option {
	return func(s *PostgresEventStore) {
		s.appendMaxRetries = maxRetries
		s.appendRetryBase = base
	}
}

// WithMetrics wires m so Append records conflicts against it. Without this
// option the store runs unmetered.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *PostgresEventStore) { s.metrics = m }
}

// NewPostgresEventStore connects to Postgres and returns a ready store.
func NewPostgresEventStore(ctx context.Context, dsn string, opts ...Option) (*PostgresEventStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("EVENTSTORE_CONNECT_FAILED").Wrap(err)
	}
	s := &PostgresEventStore{
		pool:             pool,
		appendMaxRetries: DefaultAppendMaxRetries,
		appendRetryBase:  DefaultAppendRetryBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying connection pool. Only valid when the store
// was constructed with NewPostgresEventStore (a real *pgxpool.Pool).
func (s *PostgresEventStore) Close() {
	if p, ok := s.pool.(*pgxpool.Pool); ok {
		p.Close()
	}
}

func tableForKind(kind eventlog.StreamKind) (table, idCol string, err error) {
	switch kind {
	case eventlog.StreamGame:
		return "game_events", "gid", nil
	case eventlog.StreamRoom:
		return "room_events", "rid", nil
	default:
		return "", "", fmt.Errorf("%w: unknown stream kind %q", eventlog.ErrValidation, kind)
	}
}

func snapshotTableForKind(kind eventlog.StreamKind) (table, idCol string, err error) {
	switch kind {
	case eventlog.StreamGame:
		return "game_snapshots", "gid", nil
	case eventlog.StreamRoom:
		return "room_snapshots", "rid", nil
	default:
		return "", "", fmt.Errorf("%w: unknown stream kind %q", eventlog.ErrValidation, kind)
	}
}

// isSeqConflict reports whether err is the unique-violation or
// serialization-failure Postgres raises when two transactions race to
// assign the same next seq.
func isSeqConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation || pgErr.Code == pgerrcode.SerializationFailure
}

// countConflict records a seq conflict against the configured metrics, if any.
func (s *PostgresEventStore) countConflict(kind eventlog.StreamKind) {
	if s.metrics != nil {
		s.metrics.AppendConflictsTotal.WithLabelValues(string(kind)).Inc()
	}
}

// Append assigns the next contiguous seq for (kind, id) inside a Serializable
// transaction and inserts the event, retrying with exponential backoff on a
// sequence race (mirrors the retry idiom of world.emitWithRetry, retargeted
// at the Postgres error codes for the race instead of a generic emit
// failure).
func (s *PostgresEventStore) Append(ctx context.Context, kind eventlog.StreamKind, id string, typ eventlog.EventType, payload []byte, userID *string, timestampMS int64, schemaVersion int) (eventlog.Event, error) {
	if !eventlog.ValidType(kind, typ) {
		return eventlog.Event{}, oops.Code("EVENT_TYPE_INVALID").With("stream_kind", string(kind)).With("type", string(typ)).Wrap(eventlog.ErrValidation)
	}
	table, idCol, err := tableForKind(kind)
	if err != nil {
		return eventlog.Event{}, err
	}

	var result eventlog.Event
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(s.appendMaxRetries), retry.NewExponential(s.appendRetryBase))
	retryErr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			if isSeqConflict(err) {
				s.countConflict(kind)
				return retry.RetryableError(err)
			}
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

		query := fmt.Sprintf(
			`INSERT INTO %s (%s, seq, event_type, payload, user_id, ts, schema_version)
			 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6 FROM %s WHERE %s = $1
			 RETURNING seq`,
			table, idCol, table, idCol)

		var seq int64
		if err := tx.QueryRow(ctx, query, id, string(typ), payload, userID, timestampMS, schemaVersion).Scan(&seq); err != nil {
			if isSeqConflict(err) {
				s.countConflict(kind)
				return retry.RetryableError(err)
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			if isSeqConflict(err) {
				s.countConflict(kind)
				return retry.RetryableError(err)
			}
			return err
		}

		result = eventlog.Event{
			StreamKind:    kind,
			StreamID:      id,
			Seq:           seq,
			Type:          typ,
			Payload:       payload,
			UserID:        userID,
			TimestampMS:   timestampMS,
			SchemaVersion: schemaVersion,
		}
		return nil
	})

	if retryErr != nil {
		if isSeqConflict(retryErr) {
			return eventlog.Event{}, oops.Code("EVENT_APPEND_CONFLICT").
				With("stream_kind", string(kind)).With("stream_id", id).With("attempts", attempt).
				Wrap(eventlog.ErrConflict)
		}
		return eventlog.Event{}, oops.Code("EVENT_APPEND_FAILED").
			With("stream_kind", string(kind)).With("stream_id", id).With("cause", retryErr.Error()).
			Wrap(eventlog.ErrBackendUnavailable)
	}
	return result, nil
}

// Read returns events for (kind, id) in ascending seq order within the given
// inclusive bounds (0 meaning unbounded on that side).
func (s *PostgresEventStore) Read(ctx context.Context, kind eventlog.StreamKind, id string, fromSeq, toSeq int64) ([]eventlog.Event, error) {
	table, idCol, err := tableForKind(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT seq, event_type, payload, user_id, ts, schema_version FROM %s WHERE %s = $1`, table, idCol)
	args := []any{id}
	if fromSeq > 0 {
		args = append(args, fromSeq)
		query += fmt.Sprintf(" AND seq >= $%d", len(args))
	}
	if toSeq > 0 {
		args = append(args, toSeq)
		query += fmt.Sprintf(" AND seq <= $%d", len(args))
	}
	query += " ORDER BY seq"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").With("stream_kind", string(kind)).With("stream_id", id).Wrap(eventlog.ErrBackendUnavailable)
	}
	defer rows.Close()

	var events []eventlog.Event
	for rows.Next() {
		var e eventlog.Event
		var typ string
		if err := rows.Scan(&e.Seq, &typ, &e.Payload, &e.UserID, &e.TimestampMS, &e.SchemaVersion); err != nil {
			return nil, oops.Code("EVENT_SCAN_FAILED").With("stream_kind", string(kind)).With("stream_id", id).Wrap(err)
		}
		e.StreamKind = kind
		e.StreamID = id
		e.Type = eventlog.EventType(typ)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("EVENT_READ_FAILED").With("stream_kind", string(kind)).With("stream_id", id).Wrap(err)
	}
	return events, nil
}

// GetSnapshot returns the snapshot slot for (kind, id), or nil if none
// exists (I2: correctness never depends on this being present).
func (s *PostgresEventStore) GetSnapshot(ctx context.Context, kind eventlog.StreamKind, id string) (*eventlog.Snapshot, error) {
	snapTable, idCol, err := snapshotTableForKind(kind)
	if err != nil {
		return nil, err
	}

	var snap eventlog.Snapshot
	var createdAt, updatedAt time.Time
	query := fmt.Sprintf(`SELECT data, snapshot_seq, created_at, updated_at FROM %s WHERE %s = $1`, snapTable, idCol)
	err = s.pool.QueryRow(ctx, query, id).Scan(&snap.Data, &snap.SnapshotSeq, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("SNAPSHOT_GET_FAILED").With("stream_kind", string(kind)).With("stream_id", id).Wrap(eventlog.ErrBackendUnavailable)
	}
	snap.StreamKind = kind
	snap.StreamID = id
	snap.CreatedAt = createdAt.UnixMilli()
	snap.UpdatedAt = updatedAt.UnixMilli()
	return &snap, nil
}

// UpsertSnapshot overwrites the snapshot slot for (kind, id). One-writer-wins;
// stale snapshots are tolerated (I2), they just waste a replay.
func (s *PostgresEventStore) UpsertSnapshot(ctx context.Context, kind eventlog.StreamKind, id string, data []byte, snapshotSeq int64) error {
	snapTable, idCol, err := snapshotTableForKind(kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s, data, snapshot_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())
		 ON CONFLICT (%s) DO UPDATE SET data = $2, snapshot_seq = $3, updated_at = now()`,
		snapTable, idCol, idCol)
	if _, err := s.pool.Exec(ctx, query, id, data, snapshotSeq); err != nil {
		return oops.Code("SNAPSHOT_UPSERT_FAILED").With("stream_kind", string(kind)).With("stream_id", id).Wrap(eventlog.ErrBackendUnavailable)
	}
	return nil
}
