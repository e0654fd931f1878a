package querylog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteWriter persists query events into a single sqlite table, one
// transaction per batch.
type SQLiteWriter struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS queries (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp       DATETIME NOT NULL,
    domain          TEXT NOT NULL,
    type            TEXT NOT NULL,
    client_ip       TEXT NOT NULL,
    blocked         INTEGER NOT NULL DEFAULT 0,
    block_source    TEXT,
    cache_hit       INTEGER NOT NULL DEFAULT 0,
    cache_refresh   INTEGER NOT NULL DEFAULT 0,
    dnssec_status   TEXT,
    upstream_server TEXT,
    response_status TEXT NOT NULL,
    response_time_us INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
`

// NewSQLiteWriter opens (and if needed initializes) the database file.
func NewSQLiteWriter(path string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open query log database: %w", err)
	}
	// A single writer avoids sqlite lock contention; readers use WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize query log schema: %w", err)
	}
	return &SQLiteWriter{db: db}, nil
}

// WriteBatch inserts a batch in one transaction.
func (w *SQLiteWriter) WriteBatch(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin query log transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queries (timestamp, domain, type, client_ip, blocked, block_source,
			cache_hit, cache_refresh, dnssec_status, upstream_server, response_status, response_time_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare query log insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.Timestamp, ev.Domain, ev.Type, ev.ClientIP,
			ev.Blocked, ev.BlockSource,
			ev.CacheHit, ev.CacheRefresh,
			ev.DnssecStatus, ev.UpstreamServer,
			ev.ResponseStatus, ev.ResponseTimeUs,
		); err != nil {
			return fmt.Errorf("failed to insert query log row: %w", err)
		}
	}

	return tx.Commit()
}

// CountSince reports how many events were logged at or after t. Used by
// status surfaces and tests.
func (w *SQLiteWriter) CountSince(ctx context.Context, t interface{}) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queries WHERE timestamp >= ?", t).Scan(&n)
	return n, err
}

// Close closes the database.
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}
