// Package journal keeps an optional SQLite record of every finalized shard,
// so a later process can enumerate and verify a run's output without listing
// the storage backend.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS shards (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	shard_key TEXT NOT NULL,
	items INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	checksum TEXT NOT NULL DEFAULT '',
	completed_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shards_run ON shards(run_id);
`

// Entry is one finalized shard. Checksum is the hex BLAKE2b-256 of the shard
// bytes as written by the run (empty for shards resumed in append mode).
type Entry struct {
	RunID       string
	Key         string
	Items       int
	Bytes       int64
	Checksum    string
	CompletedAt time.Time
}

// Journal is a SQLite-backed shard ledger.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts a finalized shard.
func (j *Journal) Record(e Entry) error {
	_, err := j.db.Exec(
		`INSERT INTO shards (run_id, shard_key, items, bytes, checksum, completed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Key, e.Items, e.Bytes, e.Checksum,
		float64(e.CompletedAt.UnixNano())/1e9,
	)
	return err
}

// List returns all recorded shards in completion order.
func (j *Journal) List() ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT run_id, shard_key, items, bytes, checksum, completed_at FROM shards ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts float64
		if err := rows.Scan(&e.RunID, &e.Key, &e.Items, &e.Bytes, &e.Checksum, &ts); err != nil {
			return nil, err
		}
		e.CompletedAt = time.Unix(0, int64(ts*1e9))
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRun returns the shards recorded by one run, in completion order.
func (j *Journal) ListRun(runID string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT run_id, shard_key, items, bytes, checksum, completed_at FROM shards WHERE run_id = ? ORDER BY id ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts float64
		if err := rows.Scan(&e.RunID, &e.Key, &e.Items, &e.Bytes, &e.Checksum, &ts); err != nil {
			return nil, err
		}
		e.CompletedAt = time.Unix(0, int64(ts*1e9))
		out = append(out, e)
	}
	return out, rows.Err()
}
