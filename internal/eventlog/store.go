package eventlog

import "context"

// EventStore persists events with contiguous per-stream sequencing (I1) and
// holds the one snapshot slot per stream (I2). Implementations must be safe
// for concurrent callers.
type EventStore interface {
	// Append assigns the next sequence number for (kind, id) and persists the
	// event atomically. Returns ErrConflict if retries on the sequence race
	// are exhausted, or ErrBackendUnavailable on a transport/store outage.
	Append(ctx context.Context, kind StreamKind, id string, typ EventType, payload []byte, userID *string, timestampMS int64, schemaVersion int) (Event, error)

	// Read returns events for (kind, id) in ascending seq order. fromSeq and
	// toSeq are inclusive bounds; a zero value means unbounded on that side.
	Read(ctx context.Context, kind StreamKind, id string, fromSeq, toSeq int64) ([]Event, error)

	// GetSnapshot returns the snapshot slot for (kind, id), or nil if none
	// exists yet.
	GetSnapshot(ctx context.Context, kind StreamKind, id string) (*Snapshot, error)

	// UpsertSnapshot overwrites the snapshot slot for (kind, id).
	UpsertSnapshot(ctx context.Context, kind StreamKind, id string, data []byte, snapshotSeq int64) error
}
