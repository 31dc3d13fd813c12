// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package hub

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

// Subscriber is one connection's registration on a single stream. A
// transport adapter (internal/realtime) owns reading from Outbox() and
// writing it to the wire.
type Subscriber struct {
	ID       string
	Kind     eventlog.StreamKind
	StreamID string

	outbox chan eventlog.Event

	closeOnce sync.Once
}

func newSubscriber(kind eventlog.StreamKind, streamID string, queueSize int) *Subscriber {
	return &Subscriber{
		ID:       ulid.Make().String(),
		Kind:     kind,
		StreamID: streamID,
		outbox:   make(chan eventlog.Event, queueSize),
	}
}

// Outbox is the channel a transport adapter drains to deliver events to the
// client. It is closed when the subscriber is unsubscribed or dropped.
func (s *Subscriber) Outbox() <-chan eventlog.Event {
	return s.outbox
}

// deliver attempts a non-blocking send. It reports false if the outbox was
// full, signaling the caller to drop this subscriber.
func (s *Subscriber) deliver(ev eventlog.Event) bool {
	select {
	case s.outbox <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.outbox)
	})
}
