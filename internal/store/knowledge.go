// Package store provides the embedded local knowledge store backed by SQLite.
// All lookups are offline: nothing here ever touches the network.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// AccessError wraps a store failure so callers can distinguish "the store
// could not be consulted" from "the store held nothing". The pipeline treats
// the former as a degraded answer, never as a fatal error.
type AccessError struct {
	Op  string
	Err error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("knowledge store %s: %v", e.Op, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Record is one row of local knowledge. Angle is empty for records that apply
// to every angle of inquiry, or one of the lowercase angle labels to scope the
// record to a single branch.
type Record struct {
	ID      int64
	Topic   string
	Content string
	Angle   string
	Source  string
}

// Evidence is the retrieval result: the matched row plus a deterministic
// strength in [0,1] derived from how often the subject occurs in the content.
type Evidence struct {
	Record
	MatchStrength float64
}

// Stats summarizes the store for the status command.
type Stats struct {
	Records int64
	Topics  int64
	Path    string
}

// KnowledgeStore is an embedded SQLite-backed corpus. A single connection
// guarded by a mutex keeps SQLite happy under concurrent branch retrieval.
type KnowledgeStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// NewKnowledgeStore opens (creating if needed) the store at path.
// Use ":memory:" for an ephemeral store in tests.
func NewKnowledgeStore(path string, logger *zap.Logger) (*KnowledgeStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &AccessError{Op: "create directory", Err: err}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &AccessError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &KnowledgeStore{db: db, dbPath: path, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("knowledge store opened", zap.String("path", path))
	return s, nil
}

func (s *KnowledgeStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledge (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		content TEXT NOT NULL,
		angle TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_topic ON knowledge(topic);
	CREATE INDEX IF NOT EXISTS idx_knowledge_angle ON knowledge(angle);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &AccessError{Op: "initialize schema", Err: err}
	}
	return nil
}

// escapeLike makes a user-supplied subject safe inside a LIKE pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// matchStrength counts case-insensitive occurrences of subject in content and
// maps them onto [0,1], saturating at five occurrences. Purely lexical, so the
// same inputs always score the same.
func matchStrength(content, subject string) float64 {
	c := strings.ToLower(content)
	q := strings.ToLower(subject)
	if q == "" {
		return 0
	}
	n := strings.Count(c, q)
	if n > 5 {
		n = 5
	}
	return float64(n) / 5
}

// Retrieve returns up to limit records whose content mentions subject, scoped
// to the given angle (untagged records match every angle). An empty or
// whitespace subject matches nothing and is not an error; neither is an empty
// result set. Ordering is by row id, so repeated calls over an unchanged store
// return identical slices.
func (s *KnowledgeStore) Retrieve(ctx context.Context, subject, angle string, limit int) ([]Evidence, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pattern := "%" + escapeLike(subject) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, content, angle, source
		FROM knowledge
		WHERE content LIKE ? ESCAPE '\' AND (angle = ? OR angle = '')
		ORDER BY id
		LIMIT ?`, pattern, strings.ToLower(angle), limit)
	if err != nil {
		return nil, &AccessError{Op: "retrieve", Err: err}
	}
	defer rows.Close()

	var out []Evidence
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.Content, &ev.Angle, &ev.Source); err != nil {
			return nil, &AccessError{Op: "scan", Err: err}
		}
		ev.MatchStrength = matchStrength(ev.Content, subject)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &AccessError{Op: "retrieve", Err: err}
	}
	return out, nil
}

// StoreKnowledge inserts one record and returns its id.
func (s *KnowledgeStore) StoreKnowledge(ctx context.Context, rec Record) (int64, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return 0, &AccessError{Op: "store", Err: fmt.Errorf("content is empty")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge (topic, content, angle, source)
		VALUES (?, ?, ?, ?)`,
		rec.Topic, rec.Content, strings.ToLower(strings.TrimSpace(rec.Angle)), rec.Source)
	if err != nil {
		return 0, &AccessError{Op: "store", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &AccessError{Op: "store", Err: err}
	}
	return id, nil
}

// Stats reports record and distinct-topic counts.
func (s *KnowledgeStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Path: s.dbPath}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge`).Scan(&st.Records); err != nil {
		return st, &AccessError{Op: "stats", Err: err}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT topic) FROM knowledge`).Scan(&st.Topics); err != nil {
		return st, &AccessError{Op: "stats", Err: err}
	}
	return st, nil
}

// Close releases the underlying database.
func (s *KnowledgeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
