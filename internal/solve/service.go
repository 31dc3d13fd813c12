// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package solve detects puzzle completion and records it exactly once per
// (pid, gid), keeping the puzzle's times_solved counter consistent with the
// solve records that exist (I3).
package solve

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"

	"github.com/puzzlehub/puzzlehub/internal/catalog"
	"github.com/puzzlehub/puzzlehub/internal/eventlog"
	"github.com/puzzlehub/puzzlehub/internal/observability"
)

// pool is the subset of *pgxpool.Pool the service needs, narrowed so tests
// can substitute pgxmock — the same shape as internal/store's poolIface.
type pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Record is a persisted solve row.
type Record struct {
	ID                   int64
	PID                  string
	GID                  string
	SolvedAt             time.Time
	TimeTakenSeconds     int
	RevealedSquaresCount int
	CheckedSquaresCount  int
}

// ErrInvalidDuration is returned when timeToSolveSeconds is not positive.
var ErrInvalidDuration = errors.New("solve: time_to_solve_seconds must be > 0")

// Service records puzzle completions.
type Service struct {
	store   eventlog.EventStore
	pool    pool
	catalog *catalog.Repository
	metrics *observability.Metrics
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithMetrics wires m so a newly recorded solve increments it. Without this
// option the service runs unmetered.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service backed by es (to read the game tail for
// reveal/check counts), db (to run the insert+increment transaction), and
// cat (to perform the times_solved increment within that transaction).
func NewService(es eventlog.EventStore, db pool, cat *catalog.Repository, opts ...Option) *Service {
	s := &Service{store: es, pool: db, catalog: cat}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordSolve records a game's completion exactly once per (pid, gid) and
// keeps the puzzle's times_solved in sync with solve records. It is
// idempotent: a second call for an already-recorded game returns the
// existing record rather than an error.
func (s *Service) RecordSolve(ctx context.Context, pid, gid string, timeToSolveSeconds int) (Record, error) {
	if timeToSolveSeconds <= 0 {
		return Record{}, oops.Code("SOLVE_INVALID_DURATION").With("time_to_solve_seconds", timeToSolveSeconds).Wrap(ErrInvalidDuration)
	}

	events, err := s.store.Read(ctx, eventlog.StreamGame, gid, 0, 0)
	if err != nil {
		return Record{}, oops.Code("SOLVE_READ_TAIL_FAILED").With("gid", gid).Wrap(err)
	}
	revealedCount, checkedCount := countRevealedAndChecked(events)

	record, err := s.insertSolve(ctx, pid, gid, timeToSolveSeconds, revealedCount, checkedCount)
	if err == nil {
		return record, nil
	}

	if !isUniqueViolation(err) {
		return Record{}, oops.Code("SOLVE_RECORD_FAILED").With("pid", pid).With("gid", gid).Wrap(err)
	}

	// Another writer inserted first; re-read is the idempotent success path.
	existing, getErr := s.find(ctx, pid, gid)
	if getErr != nil {
		return Record{}, oops.Code("SOLVE_RECORD_FAILED").With("pid", pid).With("gid", gid).Wrap(getErr)
	}
	if existing == nil {
		return Record{}, oops.Code("SOLVE_RECORD_FAILED").With("pid", pid).With("gid", gid).Errorf("unique violation but no row found on re-read")
	}
	return *existing, nil
}

// insertSolve runs the lookup-or-insert plus the puzzle counter increment
// atomically, inside a READ COMMITTED transaction.
func (s *Service) insertSolve(ctx context.Context, pid, gid string, timeTakenSeconds, revealedCount, checkedCount int) (Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if existing, err := findInTx(ctx, tx, pid, gid); err != nil {
		return Record{}, err
	} else if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return Record{}, err
		}
		return *existing, nil
	}

	var record Record
	insertQuery := `INSERT INTO puzzle_solves (pid, gid, time_taken_seconds, revealed_squares_count, checked_squares_count)
	                VALUES ($1, $2, $3, $4, $5)
	                RETURNING id, pid, gid, solved_at, time_taken_seconds, revealed_squares_count, checked_squares_count`
	err = tx.QueryRow(ctx, insertQuery, pid, gid, timeTakenSeconds, revealedCount, checkedCount).Scan(
		&record.ID, &record.PID, &record.GID, &record.SolvedAt,
		&record.TimeTakenSeconds, &record.RevealedSquaresCount, &record.CheckedSquaresCount)
	if err != nil {
		return Record{}, err
	}

	if err := s.catalog.IncrementSolveCount(ctx, tx, pid); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	if s.metrics != nil {
		s.metrics.SolvesRecordedTotal.Inc()
	}
	return record, nil
}

func findInTx(ctx context.Context, tx pgx.Tx, pid, gid string) (*Record, error) {
	var r Record
	query := `SELECT id, pid, gid, solved_at, time_taken_seconds, revealed_squares_count, checked_squares_count
	          FROM puzzle_solves WHERE pid = $1 AND gid = $2`
	err := tx.QueryRow(ctx, query, pid, gid).Scan(&r.ID, &r.PID, &r.GID, &r.SolvedAt, &r.TimeTakenSeconds, &r.RevealedSquaresCount, &r.CheckedSquaresCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// find re-reads a solve row in its own read-only transaction, separate from
// the failed insert's, used on the unique-violation idempotent-success path.
func (s *Service) find(ctx context.Context, pid, gid string) (*Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only, rollback is always safe

	record, err := findInTx(ctx, tx, pid, gid)
	if err != nil {
		return nil, err
	}
	return record, tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.UniqueViolation
}

// countRevealedAndChecked computes the size of the sets of (row,col) cells
// touched by cell_reveal and cell_check events respectively, using each
// event's scope if present, else its single (row,col).
func countRevealedAndChecked(events []eventlog.Event) (revealed, checked int) {
	revealedCells := map[cellKey]struct{}{}
	checkedCells := map[cellKey]struct{}{}

	for _, ev := range events {
		switch ev.Type {
		case eventlog.EventCellReveal:
			addTargets(revealedCells, ev.Payload)
		case eventlog.EventCellCheck:
			addTargets(checkedCells, ev.Payload)
		}
	}
	return len(revealedCells), len(checkedCells)
}

type cellKey struct{ row, col int }

// cellScopePayload mirrors internal/projector's CellScopePayload shape
// locally: solve has no dependency on the projector package, just the
// handful of fields it needs to decode cell_reveal/cell_check payloads.
type cellScopePayload struct {
	Row   int `json:"row"`
	Col   int `json:"col"`
	Scope []struct {
		Row int `json:"row"`
		Col int `json:"col"`
	} `json:"scope,omitempty"`
}

func addTargets(set map[cellKey]struct{}, payload []byte) {
	var p cellScopePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}
	if len(p.Scope) == 0 {
		set[cellKey{p.Row, p.Col}] = struct{}{}
		return
	}
	for _, ref := range p.Scope {
		set[cellKey{ref.Row, ref.Col}] = struct{}{}
	}
}
