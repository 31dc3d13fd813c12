// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package projector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

func appendRoom(t *testing.T, store *eventlog.MemoryEventStore, rid string, typ eventlog.EventType, payload interface{}, ts int64) eventlog.Event {
	t.Helper()
	ev, err := store.Append(context.Background(), eventlog.StreamRoom, rid, typ, mustMarshal(t, payload), nil, ts, 1)
	require.NoError(t, err)
	return ev
}

func TestProjectRoom_UserJoinAndLeave(t *testing.T) {
	store := eventlog.NewMemoryEventStore()
	ctx := context.Background()
	appendRoom(t, store, "r1", eventlog.EventUserJoin, UserJoinPayload{UserID: "u1", DisplayName: "Ann"}, 1000)
	appendRoom(t, store, "r1", eventlog.EventUserJoin, UserJoinPayload{UserID: "u2", DisplayName: "Bo"}, 1100)

	events, err := store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	state, err := ProjectRoom(events)
	require.NoError(t, err)

	require.Len(t, state.Users, 2)
	assert.Equal(t, "Ann", state.Users["u1"].DisplayName)

	appendRoom(t, store, "r1", eventlog.EventUserLeave, UserLeavePayload{UserID: "u1"}, 1200)
	events, err = store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	state, err = ProjectRoom(events)
	require.NoError(t, err)

	require.Len(t, state.Users, 1)
	_, stillPresent := state.Users["u1"]
	assert.False(t, stillPresent)
}

func TestProjectRoom_SettingsUpdateMergesNotReplaces(t *testing.T) {
	store := eventlog.NewMemoryEventStore()
	ctx := context.Background()
	appendRoom(t, store, "r1", eventlog.EventRoomSettingsUpdate, RoomSettingsUpdatePayload{
		Settings: map[string]interface{}{"allow_chat": true, "max_players": float64(4)},
	}, 1000)
	appendRoom(t, store, "r1", eventlog.EventRoomSettingsUpdate, RoomSettingsUpdatePayload{
		Settings: map[string]interface{}{"max_players": float64(6)},
	}, 1100)

	events, err := store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	state, err := ProjectRoom(events)
	require.NoError(t, err)

	assert.Equal(t, true, state.Settings["allow_chat"])
	assert.Equal(t, float64(6), state.Settings["max_players"])
}

func TestProjectRoom_ChatMessageAppends(t *testing.T) {
	store := eventlog.NewMemoryEventStore()
	ctx := context.Background()
	appendRoom(t, store, "r1", eventlog.EventChatMessage, ChatMessagePayload{UserID: "u1", DisplayName: "Ann", Message: "hello"}, 1000)

	events, err := store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	state, err := ProjectRoom(events)
	require.NoError(t, err)

	require.Len(t, state.Chat.Messages, 1)
	assert.Equal(t, "hello", state.Chat.Messages[0].Message)
}

func TestProjectRoomFromSnapshot_AppliesOnlyTail(t *testing.T) {
	store := eventlog.NewMemoryEventStore()
	ctx := context.Background()
	appendRoom(t, store, "r1", eventlog.EventUserJoin, UserJoinPayload{UserID: "u1", DisplayName: "Ann"}, 1000)

	events, err := store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	fullState, err := ProjectRoom(events)
	require.NoError(t, err)
	snapshot := &eventlog.Snapshot{StreamKind: eventlog.StreamRoom, StreamID: "r1", Data: mustMarshal(t, fullState), SnapshotSeq: 1}

	appendRoom(t, store, "r1", eventlog.EventUserJoin, UserJoinPayload{UserID: "u2", DisplayName: "Bo"}, 1100)
	tail, err := store.Read(ctx, eventlog.StreamRoom, "r1", 2, 0)
	require.NoError(t, err)

	resumed, err := ProjectRoomFromSnapshot(snapshot, tail)
	require.NoError(t, err)
	assert.Len(t, resumed.Users, 2)
}

func TestProjectRoom_UnknownEventType(t *testing.T) {
	store := eventlog.NewMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, eventlog.StreamRoom, "r1", eventlog.EventUserJoin, mustMarshal(t, UserJoinPayload{UserID: "u1"}), nil, 1000, 1)
	require.NoError(t, err)

	events, err := store.Read(ctx, eventlog.StreamRoom, "r1", 0, 0)
	require.NoError(t, err)
	events[0].Type = "bogus"
	_, err = ProjectRoom(events)
	assert.Error(t, err)
}
