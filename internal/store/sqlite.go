package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/grburgess/cmdstanpy/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    method      TEXT NOT NULL,
    status      TEXT NOT NULL,
    exe_path    TEXT NOT NULL,
    exe_hash    TEXT,
    chains      INTEGER NOT NULL,
    converged   INTEGER,
    error       TEXT,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createChainsTable = `
CREATE TABLE IF NOT EXISTS run_chains (
    run_id      TEXT NOT NULL,
    chain       INTEGER NOT NULL,
    status      TEXT NOT NULL,
    output_path TEXT NOT NULL,
    exit_code   INTEGER,
    error       TEXT,
    advisories  TEXT,
    duration_ms INTEGER,
    started_at  DATETIME,
    finished_at DATETIME,
    PRIMARY KEY (run_id, chain)
)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    chain      INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_run_chain ON log_lines (run_id, chain, seq)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection also keeps
	// in-memory databases coherent across goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createChainsTable, createLogLinesTable, createLogLinesIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, method, status, exe_path, exe_hash, chains, converged,
			error, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Method, r.Status, r.ExePath, r.ExeHash, r.Chains, r.Converged,
		r.Error, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, method, status, exe_path, exe_hash, chains, converged,
			error, duration_ms, created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.Method, &r.Status, &r.ExePath, &r.ExeHash, &r.Chains, &r.Converged,
		&r.Error, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, method, status, exe_path, exe_hash, chains, converged,
			error, duration_ms, created_at, started_at, finished_at
		FROM runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(
			&r.ID, &r.Method, &r.Status, &r.ExePath, &r.ExeHash, &r.Chains, &r.Converged,
			&r.Error, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus updates the status of a run. The running transition sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	var result sql.Result
	var err error

	switch {
	case status == model.StatusRunning:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	case model.TerminalStatus(status):
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		)
	default:
		result, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?",
			status, id,
		)
	}

	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// UpdateRun updates a run's terminal fields: status, convergence verdict,
// error message, duration and timestamps.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, converged = ?, error = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.Converged, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats returns aggregate statistics across all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByMethod: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, method, COUNT(*) FROM runs GROUP BY status, method")
	if err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, method string
		var count int
		if err := rows.Scan(&status, &method, &count); err != nil {
			return nil, fmt.Errorf("scan run aggregate: %w", err)
		}
		stats.Total += count
		stats.CountByStatus[status] += count
		stats.CountByMethod[method] += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run aggregates: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM runs WHERE duration_ms IS NOT NULL",
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average run duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	return stats, nil
}

// advisoriesValue encodes a chain's advisory lines as a JSON array, or NULL
// when there are none so COALESCE updates leave the stored value alone.
func advisoriesValue(advisories []string) (any, error) {
	if len(advisories) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(advisories)
	if err != nil {
		return nil, fmt.Errorf("encode advisories: %w", err)
	}
	return string(b), nil
}

// CreateChain inserts a new per-chain record.
func (s *SQLiteStore) CreateChain(ctx context.Context, c *model.Chain) error {
	advisories, err := advisoriesValue(c.Advisories)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_chains (
			run_id, chain, status, output_path, exit_code, error, advisories,
			duration_ms, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Chain, c.Status, c.OutputPath, c.ExitCode, c.Error, advisories,
		c.DurationMS, c.StartedAt, c.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

// UpdateChain updates a chain record identified by (run_id, chain). Nil
// optional fields leave the stored values untouched, so a later status
// correction does not wipe the exit code or timings.
func (s *SQLiteStore) UpdateChain(ctx context.Context, c *model.Chain) error {
	advisories, err := advisoriesValue(c.Advisories)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE run_chains SET status = ?, exit_code = COALESCE(?, exit_code), error = ?,
			advisories = COALESCE(?, advisories),
			duration_ms = COALESCE(?, duration_ms),
			started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at)
		WHERE run_id = ? AND chain = ?`,
		c.Status, c.ExitCode, c.Error, advisories, c.DurationMS, c.StartedAt, c.FinishedAt,
		c.RunID, c.Chain,
	)
	if err != nil {
		return fmt.Errorf("update chain: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetChains returns all chain records of a run, ordered by chain id.
func (s *SQLiteStore) GetChains(ctx context.Context, runID string) ([]model.Chain, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, chain, status, output_path, exit_code, error, advisories,
			duration_ms, started_at, finished_at
		FROM run_chains WHERE run_id = ? ORDER BY chain`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	defer rows.Close()

	var chains []model.Chain
	for rows.Next() {
		var c model.Chain
		var advisories sql.NullString
		if err := rows.Scan(
			&c.RunID, &c.Chain, &c.Status, &c.OutputPath, &c.ExitCode, &c.Error,
			&advisories, &c.DurationMS, &c.StartedAt, &c.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		if advisories.Valid && advisories.String != "" {
			if err := json.Unmarshal([]byte(advisories.String), &c.Advisories); err != nil {
				return nil, fmt.Errorf("decode advisories: %w", err)
			}
		}
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}

	return chains, nil
}

// InsertLogLine persists one console line of a chain.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, chain, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (run_id, chain, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, chain, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a chain's persisted transcript in emission order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string, chain int) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, chain, seq, line, created_at
		FROM log_lines WHERE run_id = ? AND chain = ? ORDER BY seq`, runID, chain,
	)
	if err != nil {
		return nil, fmt.Errorf("list log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Chain, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}

	return lines, nil
}
