// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package hub implements the transport-agnostic real-time fan-out layer:
// persist-then-broadcast delivery to local subscribers, with an optional
// cross-instance bus for multi-instance deployments.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/observability"
	"github.com/puzzlehub/puzzlehub/internal/store"
)

// DefaultQueueSize is the bounded outbound queue depth per subscriber. A
// queue that fills means the subscriber is too slow; the hub drops it
// rather than backing up the rest of the stream's subscribers.
const DefaultQueueSize = 1024

// DefaultReorderWindow is how long the hub waits for a bus-sourced gap to
// fill before falling back to a gap-fill read from the store.
const DefaultReorderWindow = 250 * time.Millisecond

// timestampSentinelKey and timestampSentinelValue form the draft-payload
// marker replaced with the server's wall-clock time at publish time.
const timestampSentinelKey = ".sv"
const timestampSentinelValue = "timestamp"

// Bus is the subset of store.Notifier the hub needs: publish a notification
// after a successful append, and listen for notifications other instances
// publish. Accepting the interface (not *store.Notifier) keeps the hub
// testable without Postgres.
type Bus interface {
	Publish(ctx context.Context, note store.Notification) error
	Notifications(ctx context.Context, kind eventlog.StreamKind, id string) (<-chan store.Notification, <-chan error, error)
}

type streamKey struct {
	kind eventlog.StreamKind
	id   string
}

func (k streamKey) String() string {
	return fmt.Sprintf("%s:%s", k.kind, k.id)
}

// Hub is the in-process subscriber registry plus persist-then-broadcast
// pipeline. One Hub is shared by every connection handled by an instance.
type Hub struct {
	store eventlog.EventStore
	bus   Bus

	originID      string
	queueSize     int
	reorderWindow time.Duration
	metrics       *observability.Metrics

	mu       sync.RWMutex
	subs     map[streamKey]map[string]*Subscriber
	listener map[streamKey]context.CancelFunc
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// WithReorderWindow overrides DefaultReorderWindow.
func WithReorderWindow(d time.Duration) Option {
	return func(h *Hub) { h.reorderWindow = d }
}

// WithMetrics wires m so Publish, Subscribe/Unsubscribe, and fanout record
// their counts against it. Without this option the hub runs unmetered.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a Hub. bus may be nil, in which case the hub operates as a
// single-instance broadcaster with no cross-instance distribution.
func New(es eventlog.EventStore, bus Bus, opts ...Option) *Hub {
	h := &Hub{
		store:         es,
		bus:           bus,
		originID:      ulid.Make().String(),
		queueSize:     DefaultQueueSize,
		reorderWindow: DefaultReorderWindow,
		subs:          make(map[streamKey]map[string]*Subscriber),
		listener:      make(map[streamKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber for (kind, id) and, if this is the
// stream's first local subscriber, starts listening for bus-sourced
// notifications (when a bus is configured).
func (h *Hub) Subscribe(ctx context.Context, kind eventlog.StreamKind, id string) *Subscriber {
	key := streamKey{kind, id}
	sub := newSubscriber(kind, id, h.queueSize)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[string]*Subscriber)
	}
	h.subs[key][sub.ID] = sub
	firstSubscriber := len(h.subs[key]) == 1
	h.mu.Unlock()

	if firstSubscriber && h.bus != nil {
		h.startListening(ctx, key)
	}
	if h.metrics != nil {
		h.metrics.HubSubscribers.Inc()
	}
	return sub
}

// Unsubscribe removes a subscriber and, if it was the stream's last local
// subscriber, stops the bus listener for that stream.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	key := streamKey{sub.Kind, sub.StreamID}

	h.mu.Lock()
	set := h.subs[key]
	_, removed := set[sub.ID]
	if set != nil {
		delete(set, sub.ID)
	}
	last := len(set) == 0
	var cancel context.CancelFunc
	if last {
		cancel = h.listener[key]
		delete(h.listener, key)
		delete(h.subs, key)
	}
	h.mu.Unlock()

	sub.close()
	if cancel != nil {
		cancel()
	}
	if removed && h.metrics != nil {
		h.metrics.HubSubscribers.Dec()
	}
}

// Sync returns the full ordered stream, used by a client on reconnect.
func (h *Hub) Sync(ctx context.Context, kind eventlog.StreamKind, id string) ([]eventlog.Event, error) {
	return h.store.Read(ctx, kind, id, 0, 0)
}

// Publish normalizes draft sentinels, appends the event, fans it out to
// local subscribers, and best-effort publishes it to the bus.
func (h *Hub) Publish(ctx context.Context, kind eventlog.StreamKind, id string, typ eventlog.EventType, draft []byte, userID *string, schemaVersion int) (eventlog.Event, error) {
	nowMS := time.Now().UnixMilli()

	payload, err := normalizeTimestampSentinels(draft, nowMS)
	if err != nil {
		return eventlog.Event{}, err
	}

	ev, err := h.store.Append(ctx, kind, id, typ, payload, userID, nowMS, schemaVersion)
	if err != nil {
		return eventlog.Event{}, err
	}
	if h.metrics != nil {
		h.metrics.EventsAppendedTotal.WithLabelValues(string(kind)).Inc()
	}

	h.fanout(ev)

	if h.bus != nil {
		note := store.Notification{OriginID: h.originID, StreamKind: kind, StreamID: id, Seq: ev.Seq}
		if err := h.bus.Publish(ctx, note); err != nil {
			slog.Warn("bus publish failed, continuing single-instance",
				"stream_kind", kind, "stream_id", id, "seq", ev.Seq, "error", err)
		}
	}

	return ev, nil
}

// fanout delivers ev to every current local subscriber of its stream.
// Subscriber-set reads take a snapshot under RLock so the send loop never
// holds the lock across a (potentially blocking) channel send.
func (h *Hub) fanout(ev eventlog.Event) {
	key := streamKey{ev.StreamKind, ev.StreamID}

	h.mu.RLock()
	set := h.subs[key]
	subs := make([]*Subscriber, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if !s.deliver(ev) {
			slog.Warn("event dropped: subscriber outbox full, disconnecting",
				"stream_kind", ev.StreamKind, "stream_id", ev.StreamID, "subscriber_id", s.ID)
			if h.metrics != nil {
				h.metrics.HubSubscriberDrops.WithLabelValues(string(ev.StreamKind)).Inc()
			}
			h.Unsubscribe(s)
		}
	}
}

// normalizeTimestampSentinels walks payload looking for {".sv":"timestamp"}
// objects anywhere in the tree and replaces them with nowMS.
func normalizeTimestampSentinels(payload []byte, nowMS int64) ([]byte, error) {
	var tree interface{}
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("hub: decode draft payload: %w", err)
	}
	normalized := normalizeSentinelValue(tree, nowMS)
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("hub: re-encode normalized payload: %w", err)
	}
	return out, nil
}

func normalizeSentinelValue(v interface{}, nowMS int64) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 1 {
			if sentinel, ok := t[timestampSentinelKey]; ok && sentinel == timestampSentinelValue {
				return nowMS
			}
		}
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeSentinelValue(val, nowMS)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeSentinelValue(val, nowMS)
		}
		return out
	default:
		return v
	}
}
