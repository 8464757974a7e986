package audit

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, no CGo
)

// SQLiteIndex is an optional secondary index over the append-only JSONL
// audit log, giving SQL-filterable queries (by caller, tool, result, time
// range) without scanning the whole file on every call. The `get_events`
// MCP tool does not read it. It is not the system of record — FileStore is — so a
// corrupt or missing index can always be rebuilt from audit.jsonl.
//
// Implementation notes:
// same WAL-mode pure-Go sqlite driver and migrate-on-open discipline,
// repurposed from a fleet-node/executions schema to a single
// audit_records table.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (and migrates) the index database at dbPath. Use
// ":memory:" for tests.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite index %s: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: set WAL mode: %w", err)
	}
	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (s *SQLiteIndex) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS audit_records (
		ts INTEGER NOT NULL,
		caller TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		args_hash TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		latency_ms INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return fmt.Errorf("audit: migrate index: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_caller_tool ON audit_records(caller, tool)`)
	return err
}

// Insert adds rec to the index. Safe to call from FileStore's writer
// goroutine as a parallel sink.
func (s *SQLiteIndex) Insert(rec Record) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_records(ts, caller, tool, args_hash, result, latency_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), rec.Caller, rec.Tool, rec.ArgsHash, string(rec.Result), rec.LatencyMS,
	)
	return err
}

// Query runs a filtered SQL query equivalent to FileStore.Query's
// filters, ordered oldest-first.
func (s *SQLiteIndex) Query(opts QueryOptions) ([]Record, error) {
	query := `SELECT ts, caller, tool, args_hash, result, latency_ms FROM audit_records WHERE 1=1`
	var args []any
	if opts.Caller != "" {
		query += ` AND caller = ?`
		args = append(args, opts.Caller)
	}
	if opts.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, opts.Tool)
	}
	if opts.Result != "" {
		query += ` AND result = ?`
		args = append(args, string(opts.Result))
	}
	if !opts.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, opts.Since.UnixNano())
	}
	query += ` ORDER BY ts ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var result string
		if err := rows.Scan(&ts, &rec.Caller, &rec.Tool, &rec.ArgsHash, &result, &rec.LatencyMS); err != nil {
			return nil, fmt.Errorf("audit: scan index row: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		rec.Result = Result(result)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
