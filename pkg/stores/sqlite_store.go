// Package stores provides the durable SQLite backing for resource state,
// advisory locks, and the apply run journal.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/skyform/skyform/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the SQLite-backed state store and run journal. It implements
// engine.StateStore and engine.Journal.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs pending migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Get returns the record for a key, or (nil, nil) when none exists.
func (s *SQLiteStore) Get(ctx context.Context, key engine.Key) (*engine.StateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, name, provider_id, attributes, outputs, dependencies, token, created_at, updated_at
		FROM state_records WHERE kind = ? AND name = ?`,
		string(key.Kind), key.Name)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state record %s: %w", key, err)
	}
	return rec, nil
}

// List returns every state record.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, name, provider_id, attributes, outputs, dependencies, token, created_at, updated_at
		FROM state_records ORDER BY kind, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	var records []*engine.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*engine.StateRecord, error) {
	var (
		kind, name, providerID string
		attrsJSON, outputsJSON []byte
		depsJSON               []byte
		token                  int64
		createdAt, updatedAt   string
	)
	if err := row.Scan(&kind, &name, &providerID, &attrsJSON, &outputsJSON, &depsJSON, &token, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec := &engine.StateRecord{
		Key:        engine.Key{Kind: engine.Kind(kind), Name: name},
		ProviderID: providerID,
		Token:      token,
	}
	if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	if err := json.Unmarshal(outputsJSON, &rec.Outputs); err != nil {
		return nil, fmt.Errorf("decoding outputs: %w", err)
	}
	if err := json.Unmarshal(depsJSON, &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies: %w", err)
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("decoding updated_at: %w", err)
	}
	return rec, nil
}

// Put writes a record if and only if the stored token matches expectedToken.
// A zero expectedToken asserts the record does not exist yet. The stored
// token advances to expectedToken+1 on success.
func (s *SQLiteStore) Put(ctx context.Context, record *engine.StateRecord, expectedToken int64) error {
	attrsJSON, err := json.Marshal(record.Attributes)
	if err != nil {
		return fmt.Errorf("encoding attributes: %w", err)
	}
	outputsJSON, err := json.Marshal(record.Outputs)
	if err != nil {
		return fmt.Errorf("encoding outputs: %w", err)
	}
	deps := record.Dependencies
	if deps == nil {
		deps = []engine.Key{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encoding dependencies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT token FROM state_records WHERE kind = ? AND name = ?`,
		string(record.Key.Kind), record.Key.Name).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("failed to read current token: %w", err)
	}

	if current != expectedToken {
		return engine.NewConflictError(
			fmt.Sprintf("state token mismatch for %s: expected %d, have %d",
				record.Key, expectedToken, current), nil).
			WithCode(engine.ErrCodeConflict).WithResource(record.Key)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	createdAt := record.CreatedAt.UTC().Format(time.RFC3339Nano)
	if record.CreatedAt.IsZero() {
		createdAt = now
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_records (kind, name, provider_id, attributes, outputs, dependencies, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, name) DO UPDATE SET
			provider_id = excluded.provider_id,
			attributes = excluded.attributes,
			outputs = excluded.outputs,
			dependencies = excluded.dependencies,
			token = excluded.token,
			updated_at = excluded.updated_at`,
		string(record.Key.Kind), record.Key.Name, record.ProviderID,
		attrsJSON, outputsJSON, depsJSON, expectedToken+1, createdAt, now)
	if err != nil {
		return fmt.Errorf("failed to write state record %s: %w", record.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state record %s: %w", record.Key, err)
	}
	record.Token = expectedToken + 1
	return nil
}

// Delete removes a record if and only if the stored token matches
// expectedToken.
func (s *SQLiteStore) Delete(ctx context.Context, key engine.Key, expectedToken int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM state_records WHERE kind = ? AND name = ? AND token = ?`,
		string(key.Kind), key.Name, expectedToken)
	if err != nil {
		return fmt.Errorf("failed to delete state record %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("state token mismatch for %s: expected %d", key, expectedToken), nil).
			WithCode(engine.ErrCodeConflict).WithResource(key)
	}
	return nil
}

// Lock acquires the advisory lock for a scope and returns the holder token.
// A lock held longer than its own timeout is considered stale and taken over.
func (s *SQLiteStore) Lock(ctx context.Context, scope string, timeout time.Duration) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var acquiredAt string
	var timeoutMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT acquired_at, timeout_ms FROM locks WHERE scope = ?`, scope).
		Scan(&acquiredAt, &timeoutMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Free.
	case err != nil:
		return "", fmt.Errorf("failed to read lock for scope %q: %w", scope, err)
	default:
		held, parseErr := time.Parse(time.RFC3339Nano, acquiredAt)
		if parseErr != nil {
			return "", fmt.Errorf("decoding lock timestamp: %w", parseErr)
		}
		if time.Since(held) < time.Duration(timeoutMS)*time.Millisecond {
			return "", engine.NewConflictError(
				fmt.Sprintf("scope %q is locked since %s", scope, acquiredAt), nil).
				WithCode(engine.ErrCodeLockBusy)
		}
	}

	token := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO locks (scope, token, acquired_at, timeout_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope) DO UPDATE SET
			token = excluded.token,
			acquired_at = excluded.acquired_at,
			timeout_ms = excluded.timeout_ms`,
		scope, token, time.Now().UTC().Format(time.RFC3339Nano), timeout.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock for scope %q: %w", scope, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit lock for scope %q: %w", scope, err)
	}
	return token, nil
}

// Unlock releases a lock. The token must match the holder's.
func (s *SQLiteStore) Unlock(ctx context.Context, scope, token string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE scope = ? AND token = ?`, scope, token)
	if err != nil {
		return fmt.Errorf("failed to release lock for scope %q: %w", scope, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return engine.NewConflictError(
			fmt.Sprintf("lock on scope %q not held with given token", scope), nil).
			WithCode(engine.ErrCodeConflict)
	}
	return nil
}

// RecordRun persists a finished apply report.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.ApplyReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encoding apply report: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, plan_id, status, started_at, completed_at, report)
		VALUES (?, ?, ?, ?, ?, ?)`,
		report.RunID, report.PlanID, string(report.Status),
		report.StartedAt.UTC().Format(time.RFC3339Nano),
		report.CompletedAt.UTC().Format(time.RFC3339Nano),
		reportJSON)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", report.RunID, err)
	}
	return nil
}

// AppendEvent appends one entry to the apply audit trail.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, resource, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Resource, event.Level, event.Message,
		event.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns the audit trail of one run in append order.
func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]*engine.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, resource, level, message, created_at
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*engine.Event
	for rows.Next() {
		var event engine.Event
		var createdAt string
		if err := rows.Scan(&event.RunID, &event.Resource, &event.Level, &event.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if event.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("decoding event timestamp: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// LastRun returns the most recent apply report, or (nil, nil) when no run has
// been recorded.
func (s *SQLiteStore) LastRun(ctx context.Context) (*engine.ApplyReport, error) {
	var reportJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&reportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last run: %w", err)
	}
	var report engine.ApplyReport
	if err := json.Unmarshal(reportJSON, &report); err != nil {
		return nil, fmt.Errorf("decoding apply report: %w", err)
	}
	return &report, nil
}
