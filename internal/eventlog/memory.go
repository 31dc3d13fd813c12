package eventlog

import (
	"context"
	"sync"
)

type streamKey struct {
	kind StreamKind
	id   string
}

// MemoryEventStore is an in-memory EventStore for tests and property-based
// projector tests. It enforces the same contiguous-seq invariant as the
// Postgres implementation, just without a SQL backend.
type MemoryEventStore struct {
	mu        sync.Mutex
	streams   map[streamKey][]Event
	snapshots map[streamKey]Snapshot
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams:   make(map[streamKey][]Event),
		snapshots: make(map[streamKey]Snapshot),
	}
}

// Append assigns seq := len(stream)+1 under the store's single mutex. This
// serializes all writers, which is fine for an in-memory test double; the
// Postgres implementation is what actually needs the retry/conflict dance
// under concurrent transactions.
func (s *MemoryEventStore) Append(_ context.Context, kind StreamKind, id string, typ EventType, payload []byte, userID *string, timestampMS int64, schemaVersion int) (Event, error) {
	if !ValidType(kind, typ) {
		return Event{}, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{kind, id}
	events := s.streams[key]
	event := Event{
		StreamKind:    kind,
		StreamID:      id,
		Seq:           int64(len(events)) + 1,
		Type:          typ,
		Payload:       payload,
		UserID:        userID,
		TimestampMS:   timestampMS,
		SchemaVersion: schemaVersion,
	}
	s.streams[key] = append(events, event)
	return event, nil
}

// Read returns the events in [fromSeq, toSeq] (inclusive, 0 meaning
// unbounded on that side) in ascending seq order.
func (s *MemoryEventStore) Read(_ context.Context, kind StreamKind, id string, fromSeq, toSeq int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.streams[streamKey{kind, id}]
	result := make([]Event, 0, len(events))
	for _, e := range events {
		if fromSeq > 0 && e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// GetSnapshot returns the stored snapshot, or nil if none exists.
func (s *MemoryEventStore) GetSnapshot(_ context.Context, kind StreamKind, id string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[streamKey{kind, id}]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// UpsertSnapshot overwrites the snapshot slot for (kind, id).
func (s *MemoryEventStore) UpsertSnapshot(_ context.Context, kind StreamKind, id string, data []byte, snapshotSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey{kind, id}
	existing, ok := s.snapshots[key]
	createdAt := snapshotSeq
	if ok {
		createdAt = existing.CreatedAt
	}
	s.snapshots[key] = Snapshot{
		StreamKind:  kind,
		StreamID:    id,
		Data:        data,
		SnapshotSeq: snapshotSeq,
		CreatedAt:   createdAt,
		UpdatedAt:   snapshotSeq,
	}
	return nil
}
