//go:build sqlite
// +build sqlite

package lookuppool

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the HistoryBackend interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteBackend(dbPath string, logger *slog.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend := &SQLiteBackend{db: db, logger: logger}

	// Initialize schema
	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		requester TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		id_number TEXT NOT NULL,
		duration_sec REAL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_run_records_requester ON run_records(requester, seq);

	CREATE TABLE IF NOT EXISTS queries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL,
		id_number TEXT NOT NULL,
		duration_sec REAL NOT NULL,
		status TEXT NOT NULL
	);
	`

	_, err := b.db.Exec(schema)
	return err
}

// Append stores a run record at the end of the requester's history
func (b *SQLiteBackend) Append(ctx context.Context, requester RequesterID, record RunRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if requester == "" {
		return fmt.Errorf("requester is required")
	}

	var duration sql.NullFloat64
	if record.DurationSec != nil {
		duration = sql.NullFloat64{Float64: *record.DurationSec, Valid: true}
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO run_records (requester, timestamp, id_number, duration_sec, status)
		VALUES (?, ?, ?, ?, ?)
	`, string(requester), record.Timestamp.UnixNano(), record.Identifier, duration, string(record.Status))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	b.logger.Debug("Append: stored record", "requester", requester, "status", record.Status)
	return nil
}

// Records returns the requester's full history in append order
func (b *SQLiteBackend) Records(ctx context.Context, requester RequesterID) ([]RunRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT timestamp, id_number, duration_sec, status
		FROM run_records
		WHERE requester = ?
		ORDER BY seq ASC
	`, string(requester))
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	records := make([]RunRecord, 0)
	for rows.Next() {
		var (
			timestamp int64
			record    RunRecord
			duration  sql.NullFloat64
			status    string
		)
		if err := rows.Scan(&timestamp, &record.Identifier, &duration, &status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		record.Timestamp = time.Unix(0, timestamp)
		record.Status = RunStatus(status)
		if duration.Valid {
			d := duration.Float64
			record.DurationSec = &d
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// AppendQuery stores an audit entry for a successful drive
func (b *SQLiteBackend) AppendQuery(ctx context.Context, entry QueryEntry) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO queries (timestamp, user_id, user_name, id_number, duration_sec, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Timestamp.UnixNano(), string(entry.Requester), entry.RequesterName, entry.Identifier, entry.DurationSec, entry.Status)
	if err != nil {
		return fmt.Errorf("failed to insert query entry: %w", err)
	}
	return nil
}

// Queries returns up to limit most recent audit entries, oldest first
func (b *SQLiteBackend) Queries(ctx context.Context, limit int) ([]QueryEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT timestamp, user_id, user_name, id_number, duration_sec, status
		FROM (SELECT * FROM queries ORDER BY seq DESC LIMIT ?)
		ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]QueryEntry, 0)
	for rows.Next() {
		var (
			timestamp int64
			requester string
			entry     QueryEntry
		)
		if err := rows.Scan(&timestamp, &requester, &entry.RequesterName, &entry.Identifier, &entry.DurationSec, &entry.Status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		entry.Timestamp = time.Unix(0, timestamp)
		entry.Requester = RequesterID(requester)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit log: %w", err)
	}
	return entries, nil
}
