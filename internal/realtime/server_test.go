// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puzzlehub/puzzlehub/internal/catalog"
	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/hub"
	"github.com/puzzlehub/puzzlehub/internal/solve"
)

func newTestServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	es := eventlog.NewMemoryEventStore()
	h := hub.New(es, nil)
	s := NewServer(h)
	ts := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	t.Cleanup(ts.Close)
	return ts, h
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, typ MessageType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	msg, err := json.Marshal(Envelope{Type: typ, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func TestServer_JoinThenPublishDeliversEvent(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)

	writeEnvelope(t, conn, MessageJoin, JoinPayload{StreamKind: eventlog.StreamGame, StreamID: "g1"})

	writeEnvelope(t, conn, MessageGameEventInbound, PublishPayload{
		StreamID: "g1",
		Type:     eventlog.EventCellFill,
		Payload:  json.RawMessage(`{"row":0,"col":0,"value":"C"}`),
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, MessageGameEvent, env.Type)

	var got EventPayload
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, eventlog.EventCellFill, got.Type)
}

func TestServer_SyncReturnsFullStream(t *testing.T) {
	ts, h := newTestServer(t)
	ctx := t.Context()
	_, err := h.Publish(ctx, eventlog.StreamGame, "g1", eventlog.EventCellFill, []byte(`{"row":0,"col":0,"value":"A"}`), nil, 1)
	require.NoError(t, err)
	_, err = h.Publish(ctx, eventlog.StreamGame, "g1", eventlog.EventCellFill, []byte(`{"row":0,"col":1,"value":"B"}`), nil, 1)
	require.NoError(t, err)

	conn := dial(t, ts)
	writeEnvelope(t, conn, MessageSyncAllGame, map[string]string{"stream_id": "g1"})

	first := readEnvelope(t, conn)
	second := readEnvelope(t, conn)

	var e1, e2 EventPayload
	require.NoError(t, json.Unmarshal(first.Payload, &e1))
	require.NoError(t, json.Unmarshal(second.Payload, &e2))
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
}

func TestServer_PuzzleSolvedTriggersRecordSolve(t *testing.T) {
	es := eventlog.NewMemoryEventStore()
	h := hub.New(es, nil)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	cat := catalog.NewRepository(nil)
	svc := solve.NewService(es, mock, cat)

	s := NewServer(h, WithSolveService(svc))
	ts := httptest.NewServer(http.HandlerFunc(s.ServeHTTP))
	t.Cleanup(ts.Close)

	ctx := t.Context()
	_, err = h.Publish(ctx, eventlog.StreamGame, "g1", eventlog.EventCreate, []byte(`{"pid":"p1"}`), nil, 1)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, pid, gid, solved_at, time_taken_seconds, revealed_squares_count, checked_squares_count`).
		WithArgs("p1", "g1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "pid", "gid", "solved_at", "time_taken_seconds", "revealed_squares_count", "checked_squares_count"}).
			AddRow(int64(1), "p1", "g1", time.Now(), 42, 0, 0))
	mock.ExpectCommit()

	conn := dial(t, ts)
	writeEnvelope(t, conn, MessageJoin, JoinPayload{StreamKind: eventlog.StreamGame, StreamID: "g1"})
	writeEnvelope(t, conn, MessageGameEventInbound, PublishPayload{
		StreamID: "g1",
		Type:     eventlog.EventPuzzleSolved,
		Payload:  json.RawMessage(`{"total_time_ms":42000}`),
	})

	env := readEnvelope(t, conn)
	assert.Equal(t, MessageGameEvent, env.Type)

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_UnknownMessageTypeReturnsError(t *testing.T) {
	ts, _ := newTestServer(t)
	conn := dial(t, ts)

	writeEnvelope(t, conn, "bogus", map[string]string{})

	env := readEnvelope(t, conn)
	assert.Equal(t, MessageError, env.Type)
}
