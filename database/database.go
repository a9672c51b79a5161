// Package database persists per-run session summaries so the benchmark
// harness can compare runs without parsing trace files.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB handles session storage.
type DB struct {
	db *sql.DB
}

// SessionRecord summarizes one capture run.
type SessionRecord struct {
	StartedAt   time.Time
	StoppedAt   time.Time
	Library     string
	Symbol      string
	Offset      uint64
	Entries     int
	Exits       int
	RingDrops   uint64 // reservation failures in the kernel ring buffer
	BufferDrops uint64 // capture array overflow in userspace
}

// FileName is the database file created under the data directory.
const FileName = "trace_sessions.db"

// New opens (creating if needed) the session database under dataDir.
func New(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at   DATETIME NOT NULL,
		stopped_at   DATETIME NOT NULL,
		library      TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		offset       INTEGER NOT NULL,
		entries      INTEGER NOT NULL,
		exits        INTEGER NOT NULL,
		ring_drops   INTEGER NOT NULL,
		buffer_drops INTEGER NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_started ON sessions(started_at);"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// InsertSession records one completed run.
func (d *DB) InsertSession(rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (
			started_at, stopped_at, library, symbol, offset,
			entries, exits, ring_drops, buffer_drops
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query,
		rec.StartedAt,
		rec.StoppedAt,
		rec.Library,
		rec.Symbol,
		int64(rec.Offset),
		rec.Entries,
		rec.Exits,
		int64(rec.RingDrops),
		int64(rec.BufferDrops),
	)
	return err
}

// RecentSessions returns up to limit sessions, newest first.
func (d *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := d.db.Query(`
		SELECT started_at, stopped_at, library, symbol, offset,
		       entries, exits, ring_drops, buffer_drops
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var offset, ringDrops, bufferDrops int64
		if err := rows.Scan(&rec.StartedAt, &rec.StoppedAt, &rec.Library, &rec.Symbol,
			&offset, &rec.Entries, &rec.Exits, &ringDrops, &bufferDrops); err != nil {
			return nil, err
		}
		rec.Offset = uint64(offset)
		rec.RingDrops = uint64(ringDrops)
		rec.BufferDrops = uint64(bufferDrops)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
