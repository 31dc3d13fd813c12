// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/hub"
	"github.com/puzzlehub/puzzlehub/internal/projector"
	"github.com/puzzlehub/puzzlehub/internal/solve"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = pongWait / 2
	maxMessageSize = 1 << 20 // 1 MiB
)

// Server upgrades HTTP requests to websocket connections and bridges them
// to a hub.Hub: inbound join/leave/sync/*_event frames drive hub
// subscriptions and publishes; hub fanout is framed back out as
// game_event/room_event pushes.
type Server struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
	solves   *solve.Service
}

// ServerOption configures optional Server behavior, mirroring hub.Option.
type ServerOption func(*Server)

// WithSolveService attaches a solve.Service so that an inbound
// puzzle_solved game event triggers solve recording right after its append
// succeeds, instead of requiring a separate client call.
func WithSolveService(s *solve.Service) ServerOption {
	return func(srv *Server) { srv.solves = s }
}

// NewServer creates a Server wired to hub h.
func NewServer(h *hub.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub:      h,
		upgrader: websocket.Upgrader{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &connection{
		conn:   conn,
		hub:    s.hub,
		solves: s.solves,
		out:    make(chan []byte, 256),
		subs:   make(map[streamKey]*hub.Subscriber),
	}
	c.run()
}

type streamKey struct {
	kind eventlog.StreamKind
	id   string
}

// connection is the per-socket state: one reader pump, one writer pump, a
// set of active hub subscriptions, and a fan-in channel (out) multiplexing
// hub deliveries and control-message replies onto the single websocket.
type connection struct {
	conn   *websocket.Conn
	hub    *hub.Hub
	solves *solve.Service
	out    chan []byte

	mu   sync.Mutex
	subs map[streamKey]*hub.Subscriber
}

func (c *connection) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()

	c.readPump(ctx)

	c.closeAllSubscriptions()
	close(c.out)
	wg.Wait()
	_ = c.conn.Close()
}

func (c *connection) readPump(ctx context.Context) {
	waitDuration := pongWait
	_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	for {
		messageType, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				var netErr net.Error
				if !errors.As(err, &netErr) {
					slog.Debug("websocket read ended", "error", err)
				}
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(waitDuration))

		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.sendError(ctx, "BAD_FRAME", "malformed message envelope")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *connection) handle(ctx context.Context, env Envelope) {
	switch env.Type {
	case MessageJoin:
		c.handleJoin(ctx, env.Payload)
	case MessageLeave:
		c.handleLeave(env.Payload)
	case MessageSyncAllGame:
		c.handleSync(ctx, eventlog.StreamGame, env.Payload)
	case MessageSyncAllRoom:
		c.handleSync(ctx, eventlog.StreamRoom, env.Payload)
	case MessageGameEventInbound:
		c.handlePublish(ctx, eventlog.StreamGame, env.Payload)
	case MessageRoomEventInbound:
		c.handlePublish(ctx, eventlog.StreamRoom, env.Payload)
	default:
		c.sendError(ctx, "UNKNOWN_MESSAGE_TYPE", "unrecognized message type: "+string(env.Type))
	}
}

func (c *connection) handleJoin(ctx context.Context, raw json.RawMessage) {
	var p JoinPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(ctx, "BAD_FRAME", "malformed join payload")
		return
	}
	key := streamKey{p.StreamKind, p.StreamID}

	c.mu.Lock()
	if _, already := c.subs[key]; already {
		c.mu.Unlock()
		return
	}
	sub := c.hub.Subscribe(ctx, p.StreamKind, p.StreamID)
	c.subs[key] = sub
	c.mu.Unlock()

	go c.pumpSubscriber(sub)
}

func (c *connection) handleLeave(raw json.RawMessage) {
	var p LeavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	key := streamKey{p.StreamKind, p.StreamID}

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if ok {
		c.hub.Unsubscribe(sub)
	}
}

func (c *connection) handleSync(ctx context.Context, kind eventlog.StreamKind, raw json.RawMessage) {
	var p struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(ctx, "BAD_FRAME", "malformed sync request")
		return
	}
	events, err := c.hub.Sync(ctx, kind, p.StreamID)
	if err != nil {
		c.sendError(ctx, "SYNC_FAILED", err.Error())
		return
	}
	for _, ev := range events {
		c.sendEvent(ev)
	}
}

func (c *connection) handlePublish(ctx context.Context, kind eventlog.StreamKind, raw json.RawMessage) {
	var p PublishPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.sendError(ctx, "BAD_FRAME", "malformed event payload")
		return
	}
	if _, err := c.hub.Publish(ctx, kind, p.StreamID, p.Type, p.Payload, p.UserID, 1); err != nil {
		c.sendError(ctx, "PUBLISH_FAILED", err.Error())
		return
	}
	if kind == eventlog.StreamGame && p.Type == eventlog.EventPuzzleSolved {
		c.recordSolve(ctx, p.StreamID, p.Payload)
	}
}

// recordSolve runs C4 (solve.Service.RecordSolve) right after a
// puzzle_solved event has been durably appended: it resolves the game's
// source pid from its create event, then reports the client-supplied
// elapsed time in seconds. Failures are logged rather than surfaced to the
// client, since the event itself already committed successfully.
func (c *connection) recordSolve(ctx context.Context, gid string, payload json.RawMessage) {
	if c.solves == nil {
		return
	}
	var solved projector.PuzzleSolvedPayload
	if err := json.Unmarshal(payload, &solved); err != nil || solved.TotalTimeMS == nil {
		slog.Warn("puzzle_solved event missing total_time_ms, skipping solve recording", "gid", gid)
		return
	}
	seconds := int(*solved.TotalTimeMS / 1000)

	events, err := c.hub.Sync(ctx, eventlog.StreamGame, gid)
	if err != nil || len(events) == 0 {
		slog.Error("failed to resolve pid for solve recording", "gid", gid, "error", err)
		return
	}
	var created projector.CreatePayload
	if err := json.Unmarshal(events[0].Payload, &created); err != nil {
		slog.Error("failed to decode create event for solve recording", "gid", gid, "error", err)
		return
	}

	if _, err := c.solves.RecordSolve(ctx, created.PID, gid, seconds); err != nil {
		slog.Error("solve recording failed", "pid", created.PID, "gid", gid, "error", err)
	}
}

// pumpSubscriber relays a subscription's hub deliveries onto the
// connection's single outbound channel until the subscriber is dropped.
func (c *connection) pumpSubscriber(sub *hub.Subscriber) {
	for ev := range sub.Outbox() {
		c.sendEvent(ev)
	}
}

func (c *connection) sendEvent(ev eventlog.Event) {
	msg, err := encodeEnvelope(eventMessageType(ev.StreamKind), eventPayload(ev))
	if err != nil {
		slog.Error("failed to encode event frame", "error", err)
		return
	}
	c.enqueue(msg)
}

func (c *connection) sendError(_ context.Context, code, message string) {
	msg, err := encodeEnvelope(MessageError, ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *connection) enqueue(msg []byte) {
	select {
	case c.out <- msg:
	default:
		slog.Warn("dropping frame: connection outbound buffer full")
	}
}

func (c *connection) closeAllSubscriptions() {
	c.mu.Lock()
	subs := make([]*hub.Subscriber, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = map[streamKey]*hub.Subscriber{}
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.Unsubscribe(sub)
	}
}
