/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package limiter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Registers the "sqlite3" driver.
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_events (
    bucket_key TEXT NOT NULL,
    ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_key_ts ON rate_limit_events(bucket_key, ts);
`

// SQLiteBucketStore keeps buckets in a SQLite database file, so recorded
// request history survives process restarts and may be shared between
// processes on the same machine.
type SQLiteBucketStore struct {
	db *sql.DB
}

// NewSQLiteBucketStore opens (creating if needed) a SQLite database at the
// given path and prepares the schema.
func NewSQLiteBucketStore(path string) (*SQLiteBucketStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=10000", path))
	if err != nil {
		return nil, fmt.Errorf("open SQLite database: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init SQLite schema: %w", err)
	}
	return &SQLiteBucketStore{db: db}, nil
}

// NewSQLBucketStore wraps an already opened database connection.
// The schema is prepared on the first call; the connection is not closed by
// the store's Close since it may be shared with other components.
func NewSQLBucketStore(db *sql.DB) (*SQLiteBucketStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("init SQLite schema: %w", err)
	}
	return &SQLiteBucketStore{db: db}, nil
}

// Bucket returns the bucket for the given key. Rows are created lazily on the
// first Put, so the call itself never touches the database.
func (s *SQLiteBucketStore) Bucket(key string) (Bucket, error) {
	return &sqliteBucket{db: s.db, key: key}, nil
}

// Close closes the underlying database.
func (s *SQLiteBucketStore) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	db  *sql.DB
	key string
}

func (b *sqliteBucket) Put(ctx context.Context, t time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO rate_limit_events (bucket_key, ts) VALUES (?, ?)`, b.key, t.UnixNano())
	if err != nil {
		return fmt.Errorf("insert bucket event: %w", err)
	}
	return nil
}

func (b *sqliteBucket) CountSince(ctx context.Context, t time.Time) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_events WHERE bucket_key = ? AND ts >= ?`,
		b.key, t.UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count bucket events: %w", err)
	}
	return count, nil
}

func (b *sqliteBucket) NthRecent(ctx context.Context, n int) (time.Time, error) {
	var ts int64
	err := b.db.QueryRowContext(ctx,
		`SELECT ts FROM rate_limit_events WHERE bucket_key = ? ORDER BY ts DESC LIMIT 1 OFFSET ?`,
		b.key, n-1).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("bucket holds fewer than %d events", n)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query bucket event: %w", err)
	}
	return time.Unix(0, ts), nil
}

func (b *sqliteBucket) Prune(ctx context.Context, t time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM rate_limit_events WHERE bucket_key = ? AND ts < ?`, b.key, t.UnixNano())
	if err != nil {
		return fmt.Errorf("prune bucket events: %w", err)
	}
	return nil
}
