// Package eventlog contains the core append-only event log types: the
// stream/event/snapshot shapes and the EventStore contract, independent of
// any particular storage backend.
package eventlog

import "errors"

// StreamKind identifies which of the two stream namespaces an event belongs
// to. Sequence numbers are local to a (kind, id) pair, never global.
type StreamKind string

const (
	StreamGame StreamKind = "game"
	StreamRoom StreamKind = "room"
)

// EventType is the closed tag set for event payloads. Game and room streams
// each have their own disjoint set of valid types; validating that a type
// belongs to its stream's set is the caller's job (see ValidType).
type EventType string

const (
	EventCreate        EventType = "create"
	EventCellFill       EventType = "cell_fill"
	EventCellClear      EventType = "cell_clear"
	EventCellCheck      EventType = "cell_check"
	EventCellReveal     EventType = "cell_reveal"
	EventCursorMove     EventType = "cursor_move"
	EventChatMessage    EventType = "chat_message"
	EventClockUpdate    EventType = "clock_update"
	EventPuzzleSolved   EventType = "puzzle_solved"

	EventUserJoin           EventType = "user_join"
	EventUserLeave          EventType = "user_leave"
	EventRoomSettingsUpdate EventType = "room_settings_update"
)

// GameEventTypes is the closed set of types valid on a game stream.
var GameEventTypes = map[EventType]struct{}{
	EventCreate:       {},
	EventCellFill:     {},
	EventCellClear:    {},
	EventCellCheck:    {},
	EventCellReveal:   {},
	EventCursorMove:   {},
	EventChatMessage:  {},
	EventClockUpdate:  {},
	EventPuzzleSolved: {},
}

// RoomEventTypes is the closed set of types valid on a room stream.
var RoomEventTypes = map[EventType]struct{}{
	EventUserJoin:           {},
	EventUserLeave:          {},
	EventChatMessage:        {},
	EventRoomSettingsUpdate: {},
}

// ValidType reports whether typ is a member of the closed event-type set for
// kind. Unknown types must fail loud per I1 rather than being silently
// dropped at read time.
func ValidType(kind StreamKind, typ EventType) bool {
	switch kind {
	case StreamGame:
		_, ok := GameEventTypes[typ]
		return ok
	case StreamRoom:
		_, ok := RoomEventTypes[typ]
		return ok
	default:
		return false
	}
}

// Event is the common envelope persisted for every stream entry. Payload is
// the tagged-union member matching Type, stored as raw JSON and decoded by
// callers that know the type (the projector).
type Event struct {
	StreamKind    StreamKind
	StreamID      string
	Seq           int64
	Type          EventType
	Payload       []byte
	UserID        *string
	TimestampMS   int64
	SchemaVersion int
}

// Snapshot is a cached projection for a stream at a known sequence. It is an
// optimization only; correctness never depends on its presence (I2).
type Snapshot struct {
	StreamKind  StreamKind
	StreamID    string
	Data        []byte
	SnapshotSeq int64
	CreatedAt   int64
	UpdatedAt   int64
}

// Sentinel errors forming the event store's error taxonomy. Backends wrap
// these with structured context; callers match with errors.Is.
var (
	// ErrConflict is returned when sequence-number assignment could not be
	// resolved after retrying (I1 enforcement exhausted its liveness budget).
	ErrConflict = errors.New("sequence conflict: retries exhausted")
	// ErrBackendUnavailable surfaces a transport/store outage to the caller
	// with no local retry.
	ErrBackendUnavailable = errors.New("event store backend unavailable")
	// ErrNotFound indicates a stream has no events at all.
	ErrNotFound = errors.New("stream has no events")
	// ErrValidation indicates a malformed draft: unknown type, missing
	// required field, or a type outside its stream kind's closed set.
	ErrValidation = errors.New("invalid event draft")
)
