// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

package projector

import (
	"encoding/json"

	"github.com/samber/oops"

	"github.com/puzzlehub/puzzlehub/internal/eventlog"
)

// ProjectGame folds a full ordered game event list into a GameState. The
// first event must be create; everything after it is applied in order.
func ProjectGame(events []eventlog.Event) (*GameState, error) {
	if len(events) == 0 || events[0].Type != eventlog.EventCreate {
		return nil, ErrNoCreateEvent
	}
	state, err := newGameState(events[0])
	if err != nil {
		return nil, err
	}
	if err := ApplyGameEvents(state, events[1:]); err != nil {
		return nil, err
	}
	return state, nil
}

// ProjectGameFromSnapshot resumes a fold from a cached snapshot plus the
// tail of events after snapshot.SnapshotSeq (I2: a snapshot is an
// optimization only, never required for correctness). A nil snapshot falls
// back to a plain ProjectGame over tail.
func ProjectGameFromSnapshot(snapshot *eventlog.Snapshot, tail []eventlog.Event) (*GameState, error) {
	if snapshot == nil {
		return ProjectGame(tail)
	}
	var state GameState
	if err := json.Unmarshal(snapshot.Data, &state); err != nil {
		return nil, oops.Code("SNAPSHOT_DECODE_FAILED").With("stream_id", snapshot.StreamID).Wrap(err)
	}
	if err := ApplyGameEvents(&state, tail); err != nil {
		return nil, err
	}
	return &state, nil
}

// ApplyGameEvents mutates state in place, applying events in order. It does
// not validate that events[0] is create — callers that need that guarantee
// should go through ProjectGame.
func ApplyGameEvents(state *GameState, events []eventlog.Event) error {
	for _, ev := range events {
		if err := applyGameEvent(state, ev); err != nil {
			return err
		}
	}
	return nil
}

func newGameState(create eventlog.Event) (*GameState, error) {
	var payload CreatePayload
	if err := json.Unmarshal(create.Payload, &payload); err != nil {
		return nil, oops.Code("EVENT_DECODE_FAILED").With("type", string(create.Type)).Wrap(err)
	}

	grid := blankGridFromSolution(payload.Solution)

	return &GameState{
		PID:      payload.PID,
		Info:     payload.Info,
		Grid:     grid,
		Solution: payload.Solution,
		Clues:    payload.Clues,
		Circles:  payload.Circles,
		Shades:   payload.Shades,
		Clock: ClockState{
			Phase:       ClockPaused,
			CreatedAtMS: create.TimestampMS,
		},
		Users: map[string]UserPresence{},
		Chat:  ChatState{Messages: []ChatMessage{}},
	}, nil
}

// blankGridFromSolution derives the initial grid from the solution: a cell
// whose solution entry is empty is a black (unplayable) cell, everything
// else starts blank.
func blankGridFromSolution(solution [][]string) [][]Cell {
	grid := make([][]Cell, len(solution))
	for r, row := range solution {
		grid[r] = make([]Cell, len(row))
		for c, ch := range row {
			if ch == "" {
				grid[r][c] = Cell{Black: true}
			}
		}
	}
	return grid
}

func applyGameEvent(state *GameState, ev eventlog.Event) error {
	switch ev.Type {
	case eventlog.EventCellFill:
		return applyCellFill(state, ev)
	case eventlog.EventCellClear:
		return applyCellClear(state, ev)
	case eventlog.EventCellCheck:
		return applyCellCheck(state, ev)
	case eventlog.EventCellReveal:
		return applyCellReveal(state, ev)
	case eventlog.EventCursorMove:
		return applyCursorMove(state, ev)
	case eventlog.EventChatMessage:
		return applyGameChatMessage(state, ev)
	case eventlog.EventClockUpdate:
		return applyClockUpdate(state, ev)
	case eventlog.EventPuzzleSolved:
		return applyPuzzleSolved(state, ev)
	case eventlog.EventCreate:
		return oops.Code("DUPLICATE_CREATE_EVENT").With("seq", ev.Seq).Errorf("create event seen past the first position")
	default:
		return oops.Code("UNKNOWN_EVENT_TYPE").With("type", string(ev.Type)).Errorf("unhandled game event type")
	}
}

func applyCellFill(state *GameState, ev eventlog.Event) error {
	var p CellFillPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	cell := cellAt(state, p.Row, p.Col)
	if cell == nil {
		return nil
	}
	cell.Value = p.Value
	cell.Pencil = p.Pencil
	cell.Bad = false
	if p.SolvedBy != nil {
		cell.SolvedBy = p.SolvedBy
	}
	return nil
}

func applyCellClear(state *GameState, ev eventlog.Event) error {
	var p CellClearPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	cell := cellAt(state, p.Row, p.Col)
	if cell == nil {
		return nil
	}
	// cell_clear always blanks both value and pencil: the closed event-type
	// set has no separate pencil-clear/eraser-clear event.
	cell.Value = ""
	cell.Pencil = false
	cell.Good = false
	cell.Bad = false
	return nil
}

func applyCellCheck(state *GameState, ev eventlog.Event) error {
	var p CellScopePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	for _, ref := range p.Targets() {
		cell := cellAt(state, ref.Row, ref.Col)
		solutionVal := solutionAt(state, ref.Row, ref.Col)
		if cell == nil {
			continue
		}
		if cell.Value != "" && cell.Value == solutionVal {
			cell.Good = true
			cell.Bad = false
		} else {
			cell.Good = false
			cell.Bad = true
		}
	}
	return nil
}

func applyCellReveal(state *GameState, ev eventlog.Event) error {
	var p CellScopePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	for _, ref := range p.Targets() {
		cell := cellAt(state, ref.Row, ref.Col)
		if cell == nil {
			continue
		}
		cell.Value = solutionAt(state, ref.Row, ref.Col)
		cell.Revealed = true
		cell.Bad = false
		cell.Good = true
	}
	return nil
}

func applyCursorMove(state *GameState, ev eventlog.Event) error {
	var p CursorMovePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	if ev.UserID == nil {
		return nil
	}
	presence := state.Users[*ev.UserID]
	presence.Cursor = &Cursor{Row: p.Row, Col: p.Col}
	state.Users[*ev.UserID] = presence
	return nil
}

func applyGameChatMessage(state *GameState, ev eventlog.Event) error {
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

// applyClockUpdate drives the {paused, running} state machine. start and
// resume behave identically; redundant transitions (start while running,
// pause while paused) are idempotent no-ops.
func applyClockUpdate(state *GameState, ev eventlog.Event) error {
	var p ClockUpdatePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	clock := &state.Clock
	switch p.Action {
	case ClockActionStart, ClockActionResume:
		if clock.Phase == ClockRunning {
			return nil
		}
		clock.Phase = ClockRunning
		clock.LastUpdatedMS = ev.TimestampMS
	case ClockActionPause:
		if clock.Phase == ClockPaused {
			return nil
		}
		clock.TotalTimeMS += ev.TimestampMS - clock.LastUpdatedMS
		clock.Phase = ClockPaused
		clock.LastUpdatedMS = ev.TimestampMS
	default:
		return oops.Code("UNKNOWN_CLOCK_ACTION").With("action", string(p.Action)).Errorf("unrecognized clock_update action")
	}
	if p.TotalTimeMS != nil {
		clock.TotalTimeMS = *p.TotalTimeMS
	}
	return nil
}

func applyPuzzleSolved(state *GameState, ev eventlog.Event) error {
	var p PuzzleSolvedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return oops.Code("EVENT_DECODE_FAILED").With("type", string(ev.Type)).Wrap(err)
	}
	state.Solved = true
	if p.TotalTimeMS != nil {
		state.Clock.TotalTimeMS = *p.TotalTimeMS
	}
	return nil
}

func cellAt(state *GameState, row, col int) *Cell {
	if row < 0 || row >= len(state.Grid) {
		return nil
	}
	if col < 0 || col >= len(state.Grid[row]) {
		return nil
	}
	return &state.Grid[row][col]
}

func solutionAt(state *GameState, row, col int) string {
	if row < 0 || row >= len(state.Solution) {
		return ""
	}
	if col < 0 || col >= len(state.Solution[row]) {
		return ""
	}
	return state.Solution[row][col]
}
