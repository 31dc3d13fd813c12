// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PuzzleHub Contributors

// Package catalog is the minimal puzzle repository: lookup by public id,
// the solve-count increment called from within the solve service's
// transaction, and a filtered/paginated public listing.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// ErrNotFound is returned when a pid has no matching puzzle.
var ErrNotFound = errors.New("catalog: puzzle not found")

// Info is the subset of puzzle content the catalog queries against; it
// mirrors internal/projector.PuzzleInfo's fields without importing that
// package, since the catalog only ever reads content->'info', never folds
// game state from it.
type Info struct {
	Title       string `json:"title"`
	Author      string `json:"author"`
	Type        string `json:"type"`
	Copyright   string `json:"copyright"`
	Description string `json:"description"`
}

// Puzzle is a full catalog row.
type Puzzle struct {
	ID          int64
	PID         string
	PIDNumeric  *int64
	IsPublic    bool
	UploadedAt  time.Time
	TimesSolved int
	Content     []byte
	CreatedBy   *string
}

// Listing is one row of a ListPublic result: just enough to render a
// public catalog page, not the full puzzle content.
type Listing struct {
	PID         string
	PIDNumeric  *int64
	Info        Info
	TimesSolved int
	UploadedAt  time.Time
}

// Filter narrows ListPublic by puzzle type and free-text search.
type Filter struct {
	// Types, if non-empty, restricts results to content.info.type values
	// that exactly match one of these (set membership).
	Types []string
	// Search, if non-empty, is tokenized on whitespace; every token must
	// match case-insensitively as a substring of (title || ' ' || author).
	Search string
}

// pool is the subset of *pgxpool.Pool the repository needs for its own
// (non-transactional) reads, narrowed for pgxmock substitution in tests —
// the same shape as internal/store's poolIface.
type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements FindByPid/IncrementSolveCount/ListPublic against
// PostgreSQL.
type Repository struct {
	pool pool
}

// NewRepository creates a Repository backed by pool.
func NewRepository(p *pgxpool.Pool) *Repository {
	return &Repository{pool: p}
}

// FindByPid retrieves a puzzle by its public id, or ErrNotFound.
func (r *Repository) FindByPid(ctx context.Context, pid string) (*Puzzle, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, pid, pid_numeric, is_public, uploaded_at, times_solved, content, created_by
		FROM puzzles WHERE pid = $1
	`, pid)

	var p Puzzle
	err := row.Scan(&p.ID, &p.PID, &p.PIDNumeric, &p.IsPublic, &p.UploadedAt, &p.TimesSolved, &p.Content, &p.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.Code("PUZZLE_NOT_FOUND").With("pid", pid).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, oops.Code("PUZZLE_FIND_FAILED").With("pid", pid).Wrap(err)
	}
	return &p, nil
}

// txQuerier is the subset of pgx.Tx that IncrementSolveCount needs, so a
// caller running inside solve.Service's transaction can pass its pgx.Tx
// directly without this package importing internal/solve.
type txQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// IncrementSolveCount bumps times_solved for pid by one. It is only ever
// called from within the solve service's transaction, so it takes a tx
// rather than opening its own.
func (r *Repository) IncrementSolveCount(ctx context.Context, tx txQuerier, pid string) error {
	result, err := tx.Exec(ctx, `UPDATE puzzles SET times_solved = times_solved + 1 WHERE pid = $1`, pid)
	if err != nil {
		return oops.Code("PUZZLE_SOLVE_COUNT_FAILED").With("pid", pid).Wrap(err)
	}
	if result.RowsAffected() == 0 {
		return oops.Code("PUZZLE_NOT_FOUND").With("pid", pid).Wrap(ErrNotFound)
	}
	return nil
}

// ListPublic returns public puzzles matching filter, ordered by
// pid_numeric DESC NULLS LAST, paginated via limit/offset.
func (r *Repository) ListPublic(ctx context.Context, filter Filter, limit, offset int) ([]Listing, error) {
	query := `
		SELECT pid, pid_numeric, content, times_solved, uploaded_at
		FROM puzzles
		WHERE is_public
	`
	args := []any{}
	argN := 0
	nextArg := func(v any) string {
		argN++
		args = append(args, v)
		return "$" + strconv.Itoa(argN)
	}

	if len(filter.Types) > 0 {
		query += " AND content->'info'->>'type' = ANY(" + nextArg(filter.Types) + ")"
	}
	for _, token := range strings.Fields(filter.Search) {
		pattern := "%" + escapeLike(token) + "%"
		query += " AND (content->'info'->>'title' || ' ' || content->'info'->>'author') ILIKE " + nextArg(pattern)
	}

	query += " ORDER BY pid_numeric DESC NULLS LAST LIMIT " + nextArg(limit) + " OFFSET " + nextArg(offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, oops.Code("PUZZLE_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	listings := make([]Listing, 0)
	for rows.Next() {
		var (
			l       Listing
			content []byte
		)
		if err := rows.Scan(&l.PID, &l.PIDNumeric, &content, &l.TimesSolved, &l.UploadedAt); err != nil {
			return nil, oops.Code("PUZZLE_LIST_SCAN_FAILED").Wrap(err)
		}
		info, err := decodeInfo(content)
		if err != nil {
			return nil, oops.Code("PUZZLE_LIST_DECODE_FAILED").With("pid", l.PID).Wrap(err)
		}
		l.Info = info
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("PUZZLE_LIST_ITERATE_FAILED").Wrap(err)
	}
	return listings, nil
}

// contentEnvelope is the subset of a puzzle's JSONB content this package
// reads: just the info block, never the grid/solution/clues.
type contentEnvelope struct {
	Info Info `json:"info"`
}

func decodeInfo(content []byte) (Info, error) {
	var env contentEnvelope
	if err := json.Unmarshal(content, &env); err != nil {
		return Info{}, err
	}
	return env.Info, nil
}

// escapeLike escapes LIKE/ILIKE wildcard characters in a user-supplied
// search token so a token like "50%" matches literally rather than as a
// wildcard.
func escapeLike(token string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(token)
}
