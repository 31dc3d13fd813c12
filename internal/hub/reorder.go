// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/puzzlehub/puzzlehub/internal/store"
)

// startListening subscribes to the bus channel for key and spawns a
// goroutine that delivers bus-sourced notifications to local subscribers in
// increasing seq order. The goroutine's cancel func is stashed in
// h.listener[key]; calling it stops the goroutine.
func (h *Hub) startListening(parent context.Context, key streamKey) {
	ctx, cancel := context.WithCancel(parent)

	h.mu.Lock()
	h.listener[key] = cancel
	h.mu.Unlock()

	notes, errs, err := h.bus.Notifications(ctx, key.kind, key.id)
	if err != nil {
		slog.Warn("bus listen failed, continuing single-instance for this stream",
			"stream_kind", key.kind, "stream_id", key.id, "error", err)
		cancel()
		return
	}

	go h.runReorderLoop(ctx, key, notes, errs)
}

// runReorderLoop absorbs minor cross-instance reordering with a bounded
// buffer and timeout: a notification that isn't the next expected seq waits
// up to reorderWindow for the gap to fill, then falls back to a gap-fill
// Read from the store.
func (h *Hub) runReorderLoop(ctx context.Context, key streamKey, notes <-chan store.Notification, errs <-chan error) {
	var (
		mu      sync.Mutex
		lastSeq int64
		pending = map[int64]store.Notification{}
		timer   *time.Timer
	)

	initial, err := h.store.Read(ctx, key.kind, key.id, 0, 0)
	if err == nil && len(initial) > 0 {
		lastSeq = initial[len(initial)-1].Seq
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
	defer stopTimer()

	// deliverThrough reads and fans out every event after lastSeq up to
	// (and including) through, then advances lastSeq.
	deliverThrough := func(through int64) {
		if through <= lastSeq {
			return
		}
		events, err := h.store.Read(ctx, key.kind, key.id, lastSeq+1, through)
		if err != nil {
			slog.Warn("gap-fill read failed", "stream_kind", key.kind, "stream_id", key.id, "error", err)
			return
		}
		for _, ev := range events {
			h.fanout(ev)
		}
		lastSeq = through
	}

	// drainPending delivers any contiguous run starting at lastSeq+1 that is
	// already sitting in the pending buffer, without waiting on the timer.
	drainPending := func() {
		for {
			next, ok := pending[lastSeq+1]
			if !ok {
				return
			}
			delete(pending, next.Seq)
			deliverThrough(next.Seq)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			slog.Warn("bus notification stream error", "stream_kind", key.kind, "stream_id", key.id, "error", err)
		case note, ok := <-notes:
			if !ok {
				return
			}
			if note.OriginID == h.originID {
				// This instance already delivered the event locally in
				// Publish; suppress the echo.
				continue
			}

			mu.Lock()
			switch {
			case note.Seq <= lastSeq:
				// stale or duplicate notification
			case note.Seq == lastSeq+1:
				deliverThrough(note.Seq)
				drainPending()
				stopTimer()
			default:
				pending[note.Seq] = note
				stopTimer()
				timer = time.AfterFunc(h.reorderWindow, func() {
					mu.Lock()
					defer mu.Unlock()
					// Timeout: the gap never filled in time. Gap-fill read
					// through the highest pending seq we've seen.
					var maxSeq int64
					for seq := range pending {
						if seq > maxSeq {
							maxSeq = seq
						}
					}
					if maxSeq > lastSeq {
						deliverThrough(maxSeq)
						for seq := range pending {
							if seq <= lastSeq {
								delete(pending, seq)
							}
						}
					}
				})
			}
			mu.Unlock()
		}
	}
}
