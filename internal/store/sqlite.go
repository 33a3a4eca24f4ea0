// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/coinflow/coinflow/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and runs
// pending migrations. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent appliers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("instantiate migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetCursor implements Store.
func (s *SQLiteStore) GetCursor(ctx context.Context, userID, sourceID string) (*models.SyncCursor, error) {
	cursor := &models.SyncCursor{UserID: userID, SourceID: sourceID}
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, last_synced_at FROM sync_cursors WHERE user_id = ? AND source_id = ?`,
		userID, sourceID).Scan(&cursor.Cursor, &cursor.LastSyncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return cursor, nil
}

// ApplyBatch implements Store. The whole batch and the cursor update run in
// one transaction: a failure anywhere rolls everything back and leaves the
// previous cursor intact.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, userID, sourceID string,
	added, modified []models.Transaction,
	removed []models.RemovedTransaction,
	newCursor string) ([]models.Transaction, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var newRows []models.Transaction
	for i := range added {
		t := added[i]
		if t.DedupKey == "" {
			t.DedupKey = t.ComputeDedupKey()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO transactions (dedup_key, external_id, user_id, source_id, account_id, amount, tx_date, description, pending)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (dedup_key) DO NOTHING`,
			t.DedupKey, t.ExternalID, userID, sourceID, t.AccountID,
			t.Amount.String(), t.Date.UTC(), t.Description, t.Pending)
		if err != nil {
			return nil, fmt.Errorf("insert transaction %s: %w", t.DedupKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			newRows = append(newRows, t)
		}
	}

	for i := range modified {
		t := modified[i]
		if t.DedupKey == "" {
			t.DedupKey = t.ComputeDedupKey()
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET amount = ?, tx_date = ?, description = ?, pending = ? WHERE dedup_key = ?`,
			t.Amount.String(), t.Date.UTC(), t.Description, t.Pending, t.DedupKey); err != nil {
			return nil, fmt.Errorf("update transaction %s: %w", t.DedupKey, err)
		}
	}

	for _, r := range removed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET removed = 1 WHERE external_id = ? AND user_id = ? AND source_id = ?`,
			r.ExternalID, userID, sourceID); err != nil {
			return nil, fmt.Errorf("remove transaction %s: %w", r.ExternalID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_cursors (user_id, source_id, cursor, last_synced_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, source_id) DO UPDATE SET cursor = excluded.cursor, last_synced_at = excluded.last_synced_at`,
		userID, sourceID, newCursor, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("persist cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return newRows, nil
}

// GetSchedule implements Store.
func (s *SQLiteStore) GetSchedule(ctx context.Context, userID string) (*models.SyncSchedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, sources, interval_seconds, last_run_at, next_run_at, status, consecutive_failures
		 FROM sync_schedules WHERE user_id = ?`, userID)
	return scanSchedule(row)
}

// PutSchedule implements Store.
func (s *SQLiteStore) PutSchedule(ctx context.Context, schedule *models.SyncSchedule) error {
	sources, err := json.Marshal(schedule.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sync_schedules (user_id, sources, interval_seconds, last_run_at, next_run_at, status, consecutive_failures)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   sources = excluded.sources,
		   interval_seconds = excluded.interval_seconds,
		   last_run_at = excluded.last_run_at,
		   next_run_at = excluded.next_run_at,
		   status = excluded.status,
		   consecutive_failures = excluded.consecutive_failures`,
		schedule.UserID, string(sources), int64(schedule.Interval.Seconds()),
		nullableTime(schedule.LastRunAt), nullableTime(schedule.NextRunAt),
		string(schedule.Status), schedule.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("put schedule: %w", err)
	}
	return nil
}

// DeleteSchedule implements Store.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_schedules WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

// ListSchedules implements Store.
func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]*models.SyncSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, sources, interval_seconds, last_run_at, next_run_at, status, consecutive_failures
		 FROM sync_schedules ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*models.SyncSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// CountTransactions implements Store.
func (s *SQLiteStore) CountTransactions(ctx context.Context, userID, sourceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = ? AND source_id = ? AND removed = 0`,
		userID, sourceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// ListTransactions returns live transactions for a user/source, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, userID, sourceID string) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dedup_key, external_id, account_id, amount, tx_date, description, pending
		 FROM transactions WHERE user_id = ? AND source_id = ? AND removed = 0
		 ORDER BY tx_date DESC`, userID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var amount string
		if err := rows.Scan(&t.DedupKey, &t.ExternalID, &t.AccountID, &amount, &t.Date, &t.Description, &t.Pending); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*models.SyncSchedule, error) {
	var (
		schedule        models.SyncSchedule
		sources         string
		intervalSeconds int64
		lastRun, next   sql.NullTime
		status          string
	)
	err := row.Scan(&schedule.UserID, &sources, &intervalSeconds, &lastRun, &next, &status, &schedule.ConsecutiveFailures)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &schedule.Sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	schedule.Interval = time.Duration(intervalSeconds) * time.Second
	schedule.Status = models.ScheduleStatus(status)
	if lastRun.Valid {
		schedule.LastRunAt = lastRun.Time
	}
	if next.Valid {
		schedule.NextRunAt = next.Time
	}
	return &schedule, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
