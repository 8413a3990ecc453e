package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Run struct {
	ID        string
	Backend   string
	StartedAt time.Time
}

// HandleRecord is the journaled state of one sandbox.
type HandleRecord struct {
	RunID     string
	ID        string
	Running   bool
	Dropped   bool
	UpdatedAt time.Time
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	backend     TEXT NOT NULL,
	started_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS outcomes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	sandbox_id   TEXT NOT NULL DEFAULT '',
	duration_ms  REAL NOT NULL,
	success      INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	at           DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS handles (
	run_id      TEXT NOT NULL,
	id          TEXT NOT NULL,
	running     INTEGER NOT NULL,
	dropped     INTEGER NOT NULL DEFAULT 0,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (run_id, id)
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_kind ON outcomes(run_id, kind);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// dsnWithPragmas applies WAL and a busy timeout to every new connection;
// workers and replenishers write concurrently.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`INSERT INTO runs (id, backend, started_at) VALUES (?, ?, ?)`,
			run.ID, run.Backend, run.StartedAt.UTC())
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun() (*Run, error) {
	var run Run
	err := s.db.QueryRow(`SELECT id, backend, started_at FROM runs ORDER BY started_at DESC LIMIT 1`).
		Scan(&run.ID, &run.Backend, &run.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}
	return &run, nil
}

func (s *Store) InsertOutcome(runID string, o lifecycle.Outcome, at time.Time) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO outcomes (run_id, kind, sandbox_id, duration_ms, success, error, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, string(o.Kind), o.ID, float64(o.Duration)/float64(time.Millisecond), o.Success, o.Err, at.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the outcomes of a run in insertion order.
func (s *Store) ListOutcomes(runID string) ([]lifecycle.Outcome, error) {
	rows, err := s.db.Query(
		`SELECT kind, sandbox_id, duration_ms, success, error FROM outcomes WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Outcome
	for rows.Next() {
		var (
			o    lifecycle.Outcome
			kind string
			ms   float64
		)
		if err := rows.Scan(&kind, &o.ID, &ms, &o.Success, &o.Err); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		o.Kind = lifecycle.Kind(kind)
		o.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcomes: %w", err)
	}
	return out, nil
}

// UpsertHandle records the current state of a live handle.
func (s *Store) UpsertHandle(runID string, h lifecycle.Handle) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO handles (run_id, id, running, dropped, updated_at) VALUES (?, ?, ?, 0, ?)
			 ON CONFLICT (run_id, id) DO UPDATE SET running = excluded.running, dropped = 0, updated_at = excluded.updated_at`,
			runID, h.ID, h.Running, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting handle: %w", err)
	}
	return nil
}

// DropHandle marks a handle as no longer tracked by the run.
func (s *Store) DropHandle(runID, id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE handles SET dropped = 1, updated_at = ? WHERE run_id = ? AND id = ?`,
			time.Now().UTC(), runID, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("dropping handle: %w", err)
	}
	return checkRowAffected(result, id)
}

// LiveHandles returns the handles of a run that were never dropped.
func (s *Store) LiveHandles(runID string) ([]HandleRecord, error) {
	rows, err := s.db.Query(
		`SELECT run_id, id, running, dropped, updated_at FROM handles
		 WHERE run_id = ? AND dropped = 0 ORDER BY updated_at`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing handles: %w", err)
	}
	defer rows.Close()

	var out []HandleRecord
	for rows.Next() {
		var h HandleRecord
		if err := rows.Scan(&h.RunID, &h.ID, &h.Running, &h.Dropped, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning handle: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating handles: %w", err)
	}
	return out, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("handle %s: %w", id, ErrNotFound)
	}
	return nil
}
