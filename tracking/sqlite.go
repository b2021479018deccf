package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	_ "modernc.org/sqlite"
)

// SQLiteTracker records runs, epoch metrics and artifacts in a local SQLite
// database so a run can be inspected without a tracking server
type SQLiteTracker struct {
	path    string
	runName string

	mu    sync.Mutex
	db    *sql.DB
	runID string
	step  int
}

// NewSQLiteTracker creates a tracker backed by the database at path
func NewSQLiteTracker(path, runName string) *SQLiteTracker {
	return &SQLiteTracker{path: path, runName: runName}
}

// RunID returns the id of the active run, empty before Initialize
func (s *SQLiteTracker) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Initialize opens the database, creates the schema and inserts a run row
func (s *SQLiteTracker) Initialize(ctx context.Context, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db == nil {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			return err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return err
		}
		if err := createTables(ctx, db); err != nil {
			_ = db.Close()
			return err
		}
		s.db = db
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode run config: %w", err)
	}

	runID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, name, config, started_at, status)
		VALUES (?, ?, ?, ?, 'running')
	`, runID, s.runName, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	s.runID = runID
	s.step = 0
	return nil
}

// LogEpochMetrics stores one row per metric for the current step
func (s *SQLiteTracker) LogEpochMetrics(ctx context.Context, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil || s.runID == "" {
		return errNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, value := range metrics {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO epoch_metrics (run_id, step, name, value)
			VALUES (?, ?, ?, ?)
		`, s.runID, s.step, name, value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.step++
	return nil
}

// LogModel records a checkpoint artifact by location and size
func (s *SQLiteTracker) LogModel(ctx context.Context, path, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil || s.runID == "" {
		return errNotInitialized
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, name, path, size_bytes, logged_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.runID, name, path, info.Size(), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	klog.V(1).Infof("Logged artifact %s (%s)", name, humanize.Bytes(uint64(info.Size())))
	return nil
}

// Finish marks the run finished and closes the database
func (s *SQLiteTracker) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	var err error
	if s.runID != "" {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = 'finished', finished_at = ?, steps = ? WHERE id = ?
		`, time.Now().UTC().Format(time.RFC3339Nano), s.step, s.runID)
	}

	closeErr := s.db.Close()
	s.db = nil
	return errors.Join(err, closeErr)
}

// MetricHistory returns the values logged for one metric of a run, by step
func MetricHistory(ctx context.Context, db *sql.DB, runID, name string) ([]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT value FROM epoch_metrics WHERE run_id = ? AND name = ? ORDER BY step
	`, runID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v sql.NullFloat64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if !v.Valid {
			// SQLite stores NaN as NULL
			v.Float64 = math.NaN()
		}
		values = append(values, v.Float64)
	}
	return values, rows.Err()
}

func createTables(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			config TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			steps INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS epoch_metrics (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL,
			PRIMARY KEY (run_id, step, name)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			logged_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
