// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package projector

import (
	"encoding/json"

	"github.com/samber/oops"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

// ProjectRoom folds a full ordered room event list into a RoomState. Unlike
// game streams, a room stream has no required first event.
func ProjectRoom(events []eventlog.Event) (*RoomState, error) {
	state := &RoomState{
		Users:    map[string]RoomUser{},
		Settings: map[string]interface{}{},
		Chat:     ChatState{Messages: []ChatMessage{}},
	}
	if err := ApplyRoomEvents(state, events); err != nil {
		return nil, err
	}
	return state, nil
}

// ProjectRoomFromSnapshot resumes a fold from a cached snapshot plus the
// tail of events after snapshot.SnapshotSeq.
func ProjectRoomFromSnapshot(snapshot *eventlog.Snapshot, tail []eventlog.Event) (*RoomState, error) {
	if snapshot == nil {
		return ProjectRoom(tail)
	}
	var state RoomState
	if err := json.Unmarshal(snapshot.Data, &state); err != nil {
		return nil, oops.Code("SNAPSHOT_DECODE_FAILED").With("stream_id", snapshot.StreamID).Wrap(err)
	}
	if err := ApplyRoomEvents(&state, tail); err != nil {
		return nil, err
	}
	return &state, nil
}

// ApplyRoomEvents mutates state in place, applying events in order.
func ApplyRoomEvents(state *RoomState, events []eventlog.Event) error {
	for _, ev := range events {
		if err := applyRoomEvent(state, ev); err != nil {
			return err
		}
	}
	return nil
}

func applyRoomEvent(state *RoomState, ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.EventUserJoin:
		return applyUserJoin(state, ev)
	case eventlog.EventUserLeave:
		return applyUserLeave(state, ev)
	case eventlog.EventChatMessage:
		return applyRoomChatMessage(state, ev)
	case eventlog.EventRoomSettingsUpdate:
		return applyRoomSettingsUpdate(state, ev)
	default:
		return oops.Code("UNKNOWN_EVENT_TYPE").With("type", string(ev.Type)).Errorf("unhandled room event type")
	}
}

func applyUserJoin(state *RoomState, ev eventlog.Event) error {
	var p UserJoinPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	state.Users[p.UserID] = RoomUser{
		DisplayName: p.DisplayName,
		JoinedAtMS:  ev.TimestampMS,
	}
	return nil
}

func applyUserLeave(state *RoomState, ev eventlog.Event) error {
	var p UserLeavePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	delete(state.Users, p.UserID)
	return nil
}

func applyRoomChatMessage(state *RoomState, ev eventlog.Event) error {
	var p ChatMessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	state.Chat.Messages = append(state.Chat.Messages, ChatMessage{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Message:     p.Message,
		TimestampMS: ev.TimestampMS,
	})
	return nil
}

// applyRoomSettingsUpdate merges the event's settings into the existing
// map rather than replacing it, so a partial update does not clobber
// unrelated keys.
func applyRoomSettingsUpdate(state *RoomState, ev eventlog.Event) error {
	var p RoomSettingsUpdatePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	if state.Settings == nil {
		state.Settings = map[string]interface{}{}
	}
	for k, v := range p.Settings {
		state.Settings[k] = v
	}
	return nil
}
