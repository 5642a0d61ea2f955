// Package registry persists the production baseline, the promotion history
// and the per-cycle attempt records in SQLite.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
)

// ErrNoBaseline is returned before the first promotion.
var ErrNoBaseline = errors.New("no production baseline")

// ErrCycleNotFound is returned for unknown cycle ids.
var ErrCycleNotFound = errors.New("cycle not found")

// productionSlot is the single well-known key for the active baseline.
const productionSlot = "production"

// Baseline is the metric set currently marked as the production reference.
type Baseline struct {
	Identifier string         `json:"identifier"`
	Metrics    gate.MetricSet `json:"metrics"`
	PromotedAt time.Time      `json:"promoted_at"`
}

// Cycle is one evaluation cycle's persisted state.
type Cycle struct {
	ID       int64      `json:"id"`
	State    string     `json:"state"`
	Winner   string     `json:"winner,omitempty"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// StoredAttempt is an attempt record with its gate outcome.
type StoredAttempt struct {
	gate.Attempt
	Passed bool `json:"passed"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return store, nil
}

func (s *Store) createTables() error {
	query := `
    CREATE TABLE IF NOT EXISTS baselines (
        slot TEXT PRIMARY KEY,
        identifier TEXT NOT NULL,
        metrics TEXT NOT NULL,
        promoted_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS baseline_history (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        identifier TEXT NOT NULL,
        metrics TEXT NOT NULL,
        promoted_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS cycles (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        state TEXT NOT NULL,
        winner TEXT DEFAULT '',
        opened_at DATETIME NOT NULL,
        closed_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS attempts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        cycle_id INTEGER NOT NULL,
        attempt_id TEXT NOT NULL,
        metrics TEXT NOT NULL,
        passed INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE(cycle_id, attempt_id)
    );
    CREATE TABLE IF NOT EXISTS production_snapshots (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        identifier TEXT NOT NULL,
        metrics TEXT NOT NULL,
        observed_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_attempts_cycle ON attempts(cycle_id);
    CREATE INDEX IF NOT EXISTS idx_history_promoted ON baseline_history(promoted_at);
    CREATE INDEX IF NOT EXISTS idx_snapshots_observed ON production_snapshots(observed_at);
    `
	_, err := s.db.Exec(query)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CurrentBaseline returns the active production baseline.
func (s *Store) CurrentBaseline(ctx context.Context) (*Baseline, error) {
	var identifier, metricsJSON string
	var promotedAt time.Time
	err := s.db.QueryRowContext(ctx, `
        SELECT identifier, metrics, promoted_at FROM baselines WHERE slot = ?`,
		productionSlot).Scan(&identifier, &metricsJSON, &promotedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoBaseline
	}
	if err != nil {
		return nil, err
	}

	metrics, err := decodeMetrics(metricsJSON)
	if err != nil {
		return nil, err
	}
	return &Baseline{Identifier: identifier, Metrics: metrics, PromotedAt: promotedAt}, nil
}

// Promote replaces the active baseline with the selected metric set. The
// history insert and the slot upsert commit in one transaction, so readers
// either see the previous baseline or the new one, never a half-updated
// record.
func (s *Store) Promote(ctx context.Context, metrics gate.MetricSet, identifier string) (*Baseline, error) {
	if identifier == "" {
		return nil, errors.New("identifier required")
	}
	if len(metrics) == 0 {
		return nil, errors.New("metrics required")
	}

	metricsJSON, err := encodeMetrics(metrics)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO baseline_history (identifier, metrics, promoted_at)
        VALUES (?, ?, ?)`, identifier, metricsJSON, now); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO baselines (slot, identifier, metrics, promoted_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(slot) DO UPDATE SET
            identifier = excluded.identifier,
            metrics = excluded.metrics,
            promoted_at = excluded.promoted_at`,
		productionSlot, identifier, metricsJSON, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Baseline{Identifier: identifier, Metrics: metrics.Clone(), PromotedAt: now}, nil
}

// History returns past promotions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]Baseline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT identifier, metrics, promoted_at
        FROM baseline_history
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Baseline
	for rows.Next() {
		var identifier, metricsJSON string
		var promotedAt time.Time
		if err := rows.Scan(&identifier, &metricsJSON, &promotedAt); err != nil {
			return nil, err
		}
		metrics, err := decodeMetrics(metricsJSON)
		if err != nil {
			return nil, err
		}
		history = append(history, Baseline{Identifier: identifier, Metrics: metrics, PromotedAt: promotedAt})
	}
	return history, rows.Err()
}

// OpenCycle inserts a new cycle row in the given state and returns its id.
func (s *Store) OpenCycle(ctx context.Context, state string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO cycles (state, opened_at) VALUES (?, ?)`,
		state, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetCycle returns one cycle row.
func (s *Store) GetCycle(ctx context.Context, id int64) (*Cycle, error) {
	var c Cycle
	var closedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
        SELECT id, state, winner, opened_at, closed_at FROM cycles WHERE id = ?`,
		id).Scan(&c.ID, &c.State, &c.Winner, &c.OpenedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.Time
	}
	return &c, nil
}

// UpdateCycleState records a state transition; terminal states also set the
// close timestamp and the winner.
func (s *Store) UpdateCycleState(ctx context.Context, id int64, state, winner string, terminal bool) error {
	var res sql.Result
	var err error
	if terminal {
		res, err = s.db.ExecContext(ctx, `
            UPDATE cycles SET state = ?, winner = ?, closed_at = ? WHERE id = ?`,
			state, winner, time.Now().UTC(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `
            UPDATE cycles SET state = ? WHERE id = ?`, state, id)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// SaveAttempt records one training attempt for a cycle.
func (s *Store) SaveAttempt(ctx context.Context, cycleID int64, attempt gate.Attempt) error {
	metricsJSON, err := encodeMetrics(attempt.Metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO attempts (cycle_id, attempt_id, metrics)
        VALUES (?, ?, ?)`, cycleID, attempt.ID, metricsJSON)
	return err
}

// MarkAttempt stores the gate outcome for one attempt.
func (s *Store) MarkAttempt(ctx context.Context, cycleID int64, attemptID string, passed bool) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE attempts SET passed = ? WHERE cycle_id = ? AND attempt_id = ?`,
		passed, cycleID, attemptID)
	return err
}

// Attempts returns a cycle's attempts in insertion order.
func (s *Store) Attempts(ctx context.Context, cycleID int64) ([]StoredAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT attempt_id, metrics, passed FROM attempts
        WHERE cycle_id = ? ORDER BY id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []StoredAttempt
	for rows.Next() {
		var a StoredAttempt
		var metricsJSON string
		if err := rows.Scan(&a.ID, &metricsJSON, &a.Passed); err != nil {
			return nil, err
		}
		if a.Metrics, err = decodeMetrics(metricsJSON); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SaveSnapshot records an observed production metric set, e.g. from the
// periodic tracking-server sync.
func (s *Store) SaveSnapshot(ctx context.Context, identifier string, metrics gate.MetricSet) error {
	metricsJSON, err := encodeMetrics(metrics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO production_snapshots (identifier, metrics, observed_at)
        VALUES (?, ?, ?)`, identifier, metricsJSON, time.Now().UTC())
	return err
}

// Snapshots returns recorded production snapshots, newest first.
func (s *Store) Snapshots(ctx context.Context, limit int) ([]Baseline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT identifier, metrics, observed_at
        FROM production_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []Baseline
	for rows.Next() {
		var b Baseline
		var metricsJSON string
		if err := rows.Scan(&b.Identifier, &metricsJSON, &b.PromotedAt); err != nil {
			return nil, err
		}
		if b.Metrics, err = decodeMetrics(metricsJSON); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, b)
	}
	return snapshots, rows.Err()
}

func encodeMetrics(m gate.MetricSet) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMetrics(s string) (gate.MetricSet, error) {
	var m gate.MetricSet
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metrics failed: %w", err)
	}
	return m, nil
}
