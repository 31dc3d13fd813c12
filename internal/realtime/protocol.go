// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package realtime is the concrete websocket wire adapter for internal/hub:
// it frames the JSON join/leave/sync/event control protocol over a
// github.com/gorilla/websocket connection.
package realtime

import (
	"encoding/json"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

// MessageType is the closed set of client-to-server and server-to-client
// frame tags.
type MessageType string

const (
	// Client -> server
	MessageJoin             MessageType = "join"
	MessageLeave            MessageType = "leave"
	MessageSyncAllGame      MessageType = "sync_all_game_events"
	MessageSyncAllRoom      MessageType = "sync_all_room_events"
	MessageGameEventInbound MessageType = "game_event"
	MessageRoomEventInbound MessageType = "room_event"

	// Server -> client
	MessageGameEvent MessageType = "game_event"
	MessageRoomEvent MessageType = "room_event"
	MessageError     MessageType = "error"
)

// Envelope is the outer frame every message is wrapped in. Type selects how
// Payload is interpreted.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is carried by a join control message.
type JoinPayload struct {
	StreamKind eventlog.StreamKind `json:"stream_kind"`
	StreamID   string              `json:"stream_id"`
}

// LeavePayload is carried by a leave control message.
type LeavePayload struct {
	StreamKind eventlog.StreamKind `json:"stream_kind"`
	StreamID   string              `json:"stream_id"`
}

// PublishPayload is carried by an inbound game_event/room_event message: an
// event draft to append. Payload may contain the timestamp sentinel form the
// hub normalizes, so it is passed through untouched.
type PublishPayload struct {
	StreamID string              `json:"stream_id"`
	Type     eventlog.EventType  `json:"event_type"`
	Payload  json.RawMessage     `json:"payload"`
	UserID   *string             `json:"user_id,omitempty"`
}

// EventPayload is the server push for a single stored event.
type EventPayload struct {
	StreamKind    eventlog.StreamKind `json:"stream_kind"`
	StreamID      string              `json:"stream_id"`
	Seq           int64               `json:"seq"`
	Type          eventlog.EventType  `json:"type"`
	Payload       json.RawMessage     `json:"payload"`
	UserID        *string             `json:"user_id,omitempty"`
	TimestampMS   int64               `json:"timestamp_ms"`
	SchemaVersion int                 `json:"schema_version"`
}

// ErrorPayload is the server push for a request that could not be handled.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func eventPayload(ev eventlog.Event) EventPayload {
	return EventPayload{
		StreamKind:    ev.StreamKind,
		StreamID:      ev.StreamID,
		Seq:           ev.Seq,
		Type:          ev.Type,
		Payload:       json.RawMessage(ev.Payload),
		UserID:        ev.UserID,
		TimestampMS:   ev.TimestampMS,
		SchemaVersion: ev.SchemaVersion,
	}
}

func eventMessageType(kind eventlog.StreamKind) MessageType {
	if kind == eventlog.StreamRoom {
		return MessageRoomEvent
	}
	return MessageGameEvent
}

func encodeEnvelope(typ MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}
