package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leapmux/ralph/internal/agent"
	"github.com/leapmux/ralph/internal/protocol"
	"github.com/leapmux/ralph/internal/util/timefmt"
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// Run is one row of the runs table.
type Run struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Loop      int       `json:"loop"`
	Iteration uint32    `json:"iteration"`
	Total     int32     `json:"total"`
	Spec      string    `json:"spec,omitempty"`
	StartedAt time.Time `json:"started_at"`

	// Set by Finish.
	EndedAt  *time.Time `json:"ended_at,omitempty"`
	Outcome  string     `json:"outcome,omitempty"`
	ExitCode *int       `json:"exit_code,omitempty"`

	// Set by RecordResult.
	NumTurns     *int     `json:"num_turns,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	InputTokens  *uint64  `json:"input_tokens,omitempty"`
	OutputTokens *uint64  `json:"output_tokens,omitempty"`
	DurationMS   *uint64  `json:"duration_ms,omitempty"`
}

// Store reads and writes runs.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin inserts a run when its process is spawned.
func (s *Store) Begin(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, session_id, loop, iteration, total, spec, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Loop, r.Iteration, r.Total, r.Spec, timefmt.Format(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records how the run's process ended.
func (s *Store) Finish(ctx context.Context, id string, endedAt time.Time, outcome agent.ExitOutcome) error {
	var code *int
	if outcome.Kind != agent.KilledOrUnknown {
		c := outcome.Code
		code = &c
	}
	return s.update(ctx, id,
		`UPDATE runs SET ended_at = ?, outcome = ?, exit_code = ? WHERE id = ?`,
		timefmt.Format(endedAt), outcome.Label(), code, id)
}

// RecordResult stores the usage figures of the run's result event.
func (s *Store) RecordResult(ctx context.Context, id string, res protocol.ResultEvent) error {
	var in, out *uint64
	if res.Usage != nil {
		in, out = res.Usage.InputTokens, res.Usage.OutputTokens
	}
	return s.update(ctx, id,
		`UPDATE runs SET num_turns = ?, cost_usd = ?, input_tokens = ?, output_tokens = ?, duration_ms = ?
		 WHERE id = ?`,
		res.NumTurns, res.TotalCostUSD, in, out, res.DurationMS, id)
}

func (s *Store) update(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, loop, iteration, total, spec, started_at, ended_at, outcome,
		        exit_code, num_turns, cost_usd, input_tokens, output_tokens, duration_ms
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Totals sums cost and tokens over all finished and unfinished runs.
type Totals struct {
	Runs         int     `json:"runs"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  uint64  `json:"input_tokens"`
	OutputTokens uint64  `json:"output_tokens"`
}

// Totals aggregates the whole table, optionally limited to one session.
func (s *Store) Totals(ctx context.Context, sessionID string) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), coalesce(sum(cost_usd), 0), coalesce(sum(input_tokens), 0), coalesce(sum(output_tokens), 0)
		 FROM runs WHERE ? = '' OR session_id = ?`, sessionID, sessionID).
		Scan(&t.Runs, &t.CostUSD, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return Totals{}, fmt.Errorf("sum runs: %w", err)
	}
	return t, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		r         Run
		startedAt string
		endedAt   sql.NullString
		outcome   sql.NullString
		exitCode  sql.NullInt64
		numTurns  sql.NullInt64
		cost      sql.NullFloat64
		in, out   sql.NullInt64
		duration  sql.NullInt64
	)
	if err := rows.Scan(&r.ID, &r.SessionID, &r.Loop, &r.Iteration, &r.Total, &r.Spec,
		&startedAt, &endedAt, &outcome, &exitCode, &numTurns, &cost, &in, &out, &duration); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	var err error
	if r.StartedAt, err = timefmt.Parse(startedAt); err != nil {
		return Run{}, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		t, err := timefmt.Parse(endedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse ended_at: %w", err)
		}
		r.EndedAt = &t
	}
	r.Outcome = outcome.String
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if numTurns.Valid {
		n := int(numTurns.Int64)
		r.NumTurns = &n
	}
	if cost.Valid {
		r.CostUSD = &cost.Float64
	}
	r.InputTokens = nullUint(in)
	r.OutputTokens = nullUint(out)
	r.DurationMS = nullUint(duration)
	return r, nil
}

func nullUint(v sql.NullInt64) *uint64 {
	if !v.Valid || v.Int64 < 0 {
		return nil
	}
	u := uint64(v.Int64)
	return &u
}
