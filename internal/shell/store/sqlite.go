package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tnorth/btcfleet/internal/core/deployplan"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the state database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Applied Fingerprints
// =============================================================================

type fingerprintRow struct {
	Host        string `db:"host"`
	Fingerprint string `db:"fingerprint"`
	RunID       string `db:"run_id"`
	UpdatedAt   string `db:"updated_at"`
}

func (s *SQLiteStore) AppliedFingerprint(ctx context.Context, host string) (string, error) {
	query := `SELECT * FROM applied_fingerprints WHERE host = ?`

	var row fingerprintRow
	err := s.db.GetContext(ctx, &row, query, host)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewStoreError("AppliedFingerprint", "fingerprint", host, "host never deployed", ErrNotFound)
		}
		return "", NewStoreError("AppliedFingerprint", "fingerprint", host, err.Error(), err)
	}

	return row.Fingerprint, nil
}

func (s *SQLiteStore) AppliedFingerprints(ctx context.Context) (map[string]string, error) {
	query := `SELECT * FROM applied_fingerprints`

	var rows []fingerprintRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, NewStoreError("AppliedFingerprints", "fingerprint", "", err.Error(), err)
	}

	result := make(map[string]string, len(rows))
	for _, row := range rows {
		result[row.Host] = row.Fingerprint
	}
	return result, nil
}

func (s *SQLiteStore) SetAppliedFingerprint(ctx context.Context, host, fingerprint, runID string) error {
	query := `
		INSERT INTO applied_fingerprints (host, fingerprint, run_id, updated_at)
		VALUES (:host, :fingerprint, :run_id, :updated_at)
		ON CONFLICT(host) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`

	row := fingerprintRow{
		Host:        host,
		Fingerprint: fingerprint,
		RunID:       runID,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SetAppliedFingerprint", "fingerprint", host, err.Error(), err)
	}
	return nil
}

// =============================================================================
// Run History
// =============================================================================

type runRow struct {
	ID         string  `db:"id"`
	Selector   string  `db:"selector"`
	StartedAt  string  `db:"started_at"`
	FinishedAt *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `INSERT INTO runs (id, selector, started_at, finished_at)
		VALUES (:id, :selector, :started_at, :finished_at)`

	row := runRow{
		ID:        run.ID,
		Selector:  run.Selector,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		f := run.FinishedAt.UTC().Format(time.RFC3339)
		row.FinishedAt = &f
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	query := `UPDATE runs SET finished_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, finishedAt.UTC().Format(time.RFC3339), runID)
	if err != nil {
		return NewStoreError("FinishRun", "run", runID, err.Error(), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("FinishRun", "run", runID, err.Error(), err)
	}
	if affected == 0 {
		return NewStoreError("FinishRun", "run", runID, "run not found", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `SELECT * FROM runs WHERE id = ?`

	var row runRow
	err := s.db.GetContext(ctx, &row, query, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", runID, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", runID, err.Error(), err)
	}

	return rowToRun(&row)
}

func rowToRun(row *runRow) (*Run, error) {
	startedAt, err := time.Parse(time.RFC3339, row.StartedAt)
	if err != nil {
		return nil, NewStoreError("GetRun", "run", row.ID, "invalid started_at", err)
	}

	run := &Run{
		ID:        row.ID,
		Selector:  row.Selector,
		StartedAt: startedAt,
	}
	if row.FinishedAt != nil {
		finishedAt, err := time.Parse(time.RFC3339, *row.FinishedAt)
		if err != nil {
			return nil, NewStoreError("GetRun", "run", row.ID, "invalid finished_at", err)
		}
		run.FinishedAt = &finishedAt
	}
	return run, nil
}

// =============================================================================
// Run Outcomes
// =============================================================================

type outcomeRow struct {
	RunID       string `db:"run_id"`
	Host        string `db:"host"`
	Status      string `db:"status"`
	ElapsedMS   int64  `db:"elapsed_ms"`
	Diagnostic  string `db:"diagnostic"`
	Fingerprint string `db:"fingerprint"`
	CreatedAt   string `db:"created_at"`
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, outcome deployplan.Outcome) error {
	query := `
		INSERT INTO run_outcomes (run_id, host, status, elapsed_ms, diagnostic, fingerprint, created_at)
		VALUES (:run_id, :host, :status, :elapsed_ms, :diagnostic, :fingerprint, :created_at)`

	row := outcomeRow{
		RunID:       runID,
		Host:        outcome.Host,
		Status:      string(outcome.Status),
		ElapsedMS:   outcome.Elapsed.Milliseconds(),
		Diagnostic:  outcome.Diagnostic,
		Fingerprint: outcome.Fingerprint,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("RecordOutcome", "outcome", outcome.Host, err.Error(), err)
	}
	return nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]deployplan.Outcome, error) {
	query := `SELECT * FROM run_outcomes WHERE run_id = ? ORDER BY created_at, host`

	var rows []outcomeRow
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, NewStoreError("ListOutcomes", "outcome", runID, err.Error(), err)
	}

	outcomes := make([]deployplan.Outcome, 0, len(rows))
	for _, row := range rows {
		outcomes = append(outcomes, deployplan.Outcome{
			Host:        row.Host,
			Status:      deployplan.Status(row.Status),
			Elapsed:     time.Duration(row.ElapsedMS) * time.Millisecond,
			Diagnostic:  row.Diagnostic,
			Fingerprint: row.Fingerprint,
		})
	}
	return outcomes, nil
}
