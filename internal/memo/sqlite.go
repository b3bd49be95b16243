package memo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cwbudde/blackboxserve/internal/request"
)

// SQLiteStore is a durable report cache backed by SQLite. The database
// serializes writers, so no extra lock is needed.
type SQLiteStore struct {
	db *sql.DB
	counters
}

const createReportTable = `
CREATE TABLE IF NOT EXISTS report_cache (
	key_hash   TEXT PRIMARY KEY,
	key_json   TEXT NOT NULL,
	report     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// NewSQLiteStore opens (or creates) the cache database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createReportTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Lookup returns the cached report for key.
func (s *SQLiteStore) Lookup(ctx context.Context, key request.Key) (string, bool, error) {
	var report string
	err := s.db.QueryRowContext(ctx,
		`SELECT report FROM report_cache WHERE key_hash = ?`, key.Hash(),
	).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		s.record(false)
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache lookup: %w", err)
	}
	s.record(true)
	return report, true, nil
}

// Store upserts the report for key.
func (s *SQLiteStore) Store(ctx context.Context, key request.Key, report string) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO report_cache (key_hash, key_json, report, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET report = excluded.report, updated_at = excluded.updated_at`,
		key.Hash(), string(keyJSON), report, now, now,
	)
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// LoadEntry reads the full entry stored under keyHash.
func (s *SQLiteStore) LoadEntry(ctx context.Context, keyHash string) (*Entry, error) {
	var (
		entry   Entry
		keyJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash, key_json, report, created_at, updated_at FROM report_cache WHERE key_hash = ?`,
		keyHash,
	).Scan(&entry.KeyHash, &keyJSON, &entry.Report, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{KeyHash: keyHash}
	}
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(keyJSON), &entry.Key); err != nil {
		return nil, fmt.Errorf("decode cache key: %w", err)
	}
	return &entry, nil
}

// Stats returns the entry count and counters.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_cache`).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	return s.stats("sqlite", count), nil
}

// Clear removes every entry.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM report_cache`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
