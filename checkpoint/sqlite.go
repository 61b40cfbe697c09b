package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a pure-Go SQLite-backed Saver: WAL with a busy timeout,
// and a commit shape that inserts the idempotency key before upserting
// the checkpoint row inside one transaction, keyed to (thread_id,
// namespace, checkpoint_id) with a parent_id column forming the
// checkpoint DAG.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("checkpoint: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			state TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_ns_time
			ON checkpoints(thread_id, namespace, created_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			node_id TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_writes_checkpoint
			ON checkpoint_writes(thread_id, namespace, checkpoint_id)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			thread_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			PRIMARY KEY (thread_id, idempotency_key)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("checkpoint: create schema: %w", err)
		}
	}
	return nil
}

// Put commits cp and writes atomically: the idempotency key insert and the
// checkpoint/writes upsert happen in a single transaction, so a duplicate
// key aborts the whole commit rather than partially applying it.
func (s *SQLiteStore) Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("checkpoint: store closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (thread_id, idempotency_key) VALUES (?, ?)`,
			cp.ThreadID, idempotencyKey,
		); err != nil {
			return ErrIdempotencyViolation
		}
	}

	metaJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, namespace, checkpoint_id) DO UPDATE SET
		   parent_id=excluded.parent_id, state=excluded.state, metadata=excluded.metadata, created_at=excluded.created_at`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentID, string(cp.State), string(metaJSON), cp.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("checkpoint: upsert checkpoint: %w", err)
	}

	for _, w := range writes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoint_writes (thread_id, namespace, checkpoint_id, channel, node_id, value)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cp.ThreadID, cp.Namespace, cp.CheckpointID, w.Channel, w.NodeID, string(w.Value),
		); err != nil {
			return fmt.Errorf("checkpoint: insert write: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var row *sql.Row
	if checkpointID == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
			 WHERE thread_id = ? AND namespace = ? ORDER BY created_at DESC LIMIT 1`,
			threadID, namespace,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
			 WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?`,
			threadID, namespace, checkpointID,
		)
	}

	var (
		id, parentID, stateStr, metaStr, createdAtStr string
	)
	if err := row.Scan(&id, &parentID, &stateStr, &metaStr, &createdAtStr); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, nil, ErrNotFound
		}
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: get: %w", err)
	}

	cp := Checkpoint{ThreadID: threadID, Namespace: namespace, CheckpointID: id, ParentID: parentID, State: json.RawMessage(stateStr)}
	if err := json.Unmarshal([]byte(metaStr), &cp.Metadata); err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: decode created_at: %w", err)
	}
	cp.CreatedAt = createdAt

	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, node_id, value FROM checkpoint_writes WHERE thread_id = ? AND namespace = ? AND checkpoint_id = ?`,
		threadID, namespace, id,
	)
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var writes []Write
	for rows.Next() {
		var w Write
		var valueStr string
		if err := rows.Scan(&w.Channel, &w.NodeID, &valueStr); err != nil {
			return Checkpoint{}, nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		w.Value = json.RawMessage(valueStr)
		writes = append(writes, w)
	}
	return cp, writes, rows.Err()
}

func (s *SQLiteStore) List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
		WHERE thread_id = ? AND namespace = ? ORDER BY created_at DESC`
	args := []any{threadID, namespace}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var stateStr, metaStr, createdAtStr string
		if err := rows.Scan(&cp.CheckpointID, &cp.ParentID, &stateStr, &metaStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		cp.State = json.RawMessage(stateStr)
		cp.ThreadID, cp.Namespace = threadID, namespace
		if err := json.Unmarshal([]byte(metaStr), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decode created_at: %w", err)
		}
		cp.CreatedAt = createdAt
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Close shuts down the underlying database connection. Safe to call more
// than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string { return s.path }
