// Package storage persists model load events to SQLite so load history
// survives eviction and restarts. Vectors are never stored here.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LoadRecord is one recorded model load.
type LoadRecord struct {
	Model        string
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// SQLiteAudit records model loads in a SQLite database. It satisfies
// modelcache.AuditLog.
type SQLiteAudit struct {
	db *sql.DB
}

// NewSQLiteAudit opens or creates the database at dbPath and initializes the
// schema. Parent directories are created if they do not exist.
func NewSQLiteAudit(dbPath string) (*SQLiteAudit, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteAudit{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS model_loads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		loaded_at TIMESTAMP NOT NULL,
		load_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_model_loads_model ON model_loads(model, loaded_at);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordLoad inserts one load event.
func (s *SQLiteAudit) RecordLoad(ctx context.Context, model string, loadedAt time.Time, loadDuration time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO model_loads (model, loaded_at, load_ms) VALUES (?, ?, ?)",
		model, loadedAt.UTC(), loadDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record model load: %w", err)
	}
	return nil
}

// LastLoad returns the most recent load event for model. The second return
// value is false when the model has never been loaded.
func (s *SQLiteAudit) LastLoad(ctx context.Context, model string) (LoadRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT loaded_at, load_ms FROM model_loads WHERE model = ? ORDER BY loaded_at DESC, id DESC LIMIT 1",
		model,
	)
	var loadedAt time.Time
	var loadMs int64
	if err := row.Scan(&loadedAt, &loadMs); err != nil {
		if err == sql.ErrNoRows {
			return LoadRecord{}, false, nil
		}
		return LoadRecord{}, false, fmt.Errorf("failed to query model load: %w", err)
	}
	return LoadRecord{
		Model:        model,
		LoadedAt:     loadedAt,
		LoadDuration: time.Duration(loadMs) * time.Millisecond,
	}, true, nil
}

// LoadHistory returns up to limit load events for model, newest first.
func (s *SQLiteAudit) LoadHistory(ctx context.Context, model string, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT loaded_at, load_ms FROM model_loads WHERE model = ? ORDER BY loaded_at DESC, id DESC LIMIT ?",
		model, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query load history: %w", err)
	}
	defer rows.Close()

	var records []LoadRecord
	for rows.Next() {
		var loadedAt time.Time
		var loadMs int64
		if err := rows.Scan(&loadedAt, &loadMs); err != nil {
			return nil, fmt.Errorf("failed to scan load record: %w", err)
		}
		records = append(records, LoadRecord{
			Model:        model,
			LoadedAt:     loadedAt,
			LoadDuration: time.Duration(loadMs) * time.Millisecond,
		})
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *SQLiteAudit) Close() error {
	return s.db.Close()
}
