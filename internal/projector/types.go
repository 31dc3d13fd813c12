// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package projector folds ordered event streams into typed game/room state.
// Every function here is pure: given the same (snapshot?, events) input it
// always produces the same output, with no I/O of its own (I4).
package projector

import "errors"

// ErrNoCreateEvent is returned when a game stream's first event is not
// create, or the event list is empty. A game stream with no create event
// has no state to fold from.
var ErrNoCreateEvent = errors.New("projector: game stream has no create event")

// PuzzleInfo mirrors the puzzle metadata carried on the create event so
// clients can render a header without a second fetch.
type PuzzleInfo struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Type        string `json:"type"`
	Copyright   string `json:"copyright,omitempty"`
	Description string `json:"description,omitempty"`
}

// Clues holds the across/down clue text keyed by clue number as a string
// (e.g. "1", "12").
type Clues struct {
	Across map[string]string `json:"across"`
	Down   map[string]string `json:"down"`
}

// Cell is one square of the solve grid. Black cells carry no value and are
// never targeted by cell_* events.
type Cell struct {
	Black    bool    `json:"black,omitempty"`
	Value    string  `json:"value"`
	Pencil   bool    `json:"pencil,omitempty"`
	Good     bool    `json:"good,omitempty"`
	Bad      bool    `json:"bad,omitempty"`
	Revealed bool    `json:"revealed,omitempty"`
	SolvedBy *string `json:"solved_by,omitempty"`
}

// Cursor is a user's current grid position within a game.
type Cursor struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// UserPresence is the per-user state tracked on a game stream.
type UserPresence struct {
	DisplayName string  `json:"display_name"`
	Cursor      *Cursor `json:"cursor,omitempty"`
}

// ChatMessage is one line of stream chat, game or room.
type ChatMessage struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Message     string `json:"message"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// ChatState is the accumulated chat log for a stream.
type ChatState struct {
	Messages []ChatMessage `json:"messages"`
}

// ClockPhase is one of the two states of the clock state machine.
type ClockPhase string

const (
	ClockPaused  ClockPhase = "paused"
	ClockRunning ClockPhase = "running"
)

// ClockState tracks the solve clock. TotalTimeMS accumulates only while
// running; TrueTotalTime (wall-clock since create) is deliberately not
// stored here — it depends on "now" and is computed on demand by
// TrueTotalTimeMS so the fold itself stays pure.
type ClockState struct {
	Phase         ClockPhase `json:"phase"`
	TotalTimeMS   int64      `json:"total_time_ms"`
	LastUpdatedMS int64      `json:"last_updated_ms"`
	CreatedAtMS   int64      `json:"created_at_ms"`
}

// TrueTotalTimeMS returns wall-clock time elapsed since the game was
// created, given the caller's current time in epoch milliseconds. This is
// distinct from TotalTimeMS, which only accumulates while the clock is
// running.
func (c ClockState) TrueTotalTimeMS(nowMS int64) int64 {
	elapsed := nowMS - c.CreatedAtMS
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// GameState is the full fold of a game stream.
type GameState struct {
	PID      string                  `json:"pid"`
	Info     PuzzleInfo              `json:"info"`
	Grid     [][]Cell                `json:"grid"`
	Solution [][]string              `json:"solution"`
	Clues    Clues                   `json:"clues"`
	Circles  [][]bool                `json:"circles,omitempty"`
	Shades   [][]bool                `json:"shades,omitempty"`
	Solved   bool                    `json:"solved"`
	Clock    ClockState              `json:"clock"`
	Users    map[string]UserPresence `json:"users"`
	Chat     ChatState               `json:"chat"`
}

// RoomUser is the per-user state tracked on a room stream.
type RoomUser struct {
	DisplayName string `json:"display_name"`
	JoinedAtMS  int64  `json:"joined_at_ms"`
}

// RoomState is the full fold of a room stream.
type RoomState struct {
	Users    map[string]RoomUser    `json:"users"`
	Settings map[string]interface{} `json:"settings"`
	Chat     ChatState              `json:"chat"`
}
