// Package audit keeps the append-only trail of reasoning stages. Every query
// leaves a fixed footprint: one decomposition entry, one retrieval and one
// scoring entry per branch, and one synthesis entry. Entries are never updated
// or deleted; a failed audit write degrades observability, never the answer.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Stage identifies which pipeline step an entry records.
type Stage string

const (
	StageDecomposed  Stage = "decomposed"
	StageRetrieved   Stage = "retrieved"
	StageScored      Stage = "scored"
	StageSynthesized Stage = "synthesized"
)

// WriteError wraps an audit persistence failure. Callers log it and move on.
type WriteError struct {
	Stage Stage
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write (%s): %v", e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Entry is one immutable audit record. Seq is a per-query monotonic sequence
// number assigned at write time; Branch is empty for whole-query stages.
type Entry struct {
	QueryID string
	Seq     int64
	Stage   Stage
	Branch  string
	Payload string
	At      time.Time
}

// Log is the append-only audit store, backed by its own SQLite database so a
// wedged knowledge store cannot take the trail down with it.
type Log struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open creates or opens the audit database at path (":memory:" for tests).
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		query_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(query_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_query ON audit_entries(query_id);
	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Record appends one entry for the query, assigning the next sequence number.
// The mutex serializes seq assignment with the insert so two concurrent writes
// for the same query cannot race onto the same seq.
func (l *Log) Record(ctx context.Context, queryID string, stage Stage, branch, payload string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var seq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE query_id = ?`,
		queryID).Scan(&seq)
	if err != nil {
		return &WriteError{Stage: stage, Err: err}
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_entries (query_id, seq, stage, branch, payload)
		VALUES (?, ?, ?, ?, ?)`,
		queryID, seq, string(stage), branch, payload)
	if err != nil {
		return &WriteError{Stage: stage, Err: err}
	}
	return nil
}

// RecordAnomaly notes an out-of-band event (tampered trust file, audit write
// failure) outside any query's trail. Best effort.
func (l *Log) RecordAnomaly(ctx context.Context, kind, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.ExecContext(ctx,
		`INSERT INTO anomalies (kind, detail) VALUES (?, ?)`, kind, detail); err != nil {
		return fmt.Errorf("record anomaly: %w", err)
	}
	return nil
}

// EntriesFor returns the query's entries in sequence order.
func (l *Log) EntriesFor(ctx context.Context, queryID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT query_id, seq, stage, branch, payload, created_at
		FROM audit_entries
		WHERE query_id = ?
		ORDER BY seq`, queryID)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var stage string
		if err := rows.Scan(&e.QueryID, &e.Seq, &stage, &e.Branch, &e.Payload, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Stage = Stage(stage)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CheckStages validates that a query's trail has the expected shape for
// branchCount branches: decomposed, then branchCount retrieved, then
// branchCount scored, then synthesized, with no phase overlap.
func (l *Log) CheckStages(ctx context.Context, queryID string, branchCount int) error {
	entries, err := l.EntriesFor(ctx, queryID)
	if err != nil {
		return err
	}

	want := make([]Stage, 0, 2*branchCount+2)
	want = append(want, StageDecomposed)
	for i := 0; i < branchCount; i++ {
		want = append(want, StageRetrieved)
	}
	for i := 0; i < branchCount; i++ {
		want = append(want, StageScored)
	}
	want = append(want, StageSynthesized)

	if len(entries) != len(want) {
		return fmt.Errorf("query %s: %d audit entries, want %d", queryID, len(entries), len(want))
	}
	for i, e := range entries {
		if e.Stage != want[i] {
			return fmt.Errorf("query %s: entry %d is %s, want %s", queryID, i, e.Stage, want[i])
		}
	}
	return nil
}

// Close releases the underlying database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}
