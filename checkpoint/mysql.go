package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Saver sharing SQLiteStore's
// transactional-commit shape, with MySQL's upsert dialect
// (ON DUPLICATE KEY UPDATE) in place of SQLite's ON CONFLICT.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens dsn (a standard go-sql-driver/mysql DSN) and ensures
// schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open mysql: %w", err)
	}
	s := &MySQLStore{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(191) NOT NULL,
			namespace VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			parent_id VARCHAR(191),
			state LONGTEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (thread_id, namespace, checkpoint_id),
			INDEX idx_thread_ns_time (thread_id, namespace, created_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
			thread_id VARCHAR(191) NOT NULL,
			namespace VARCHAR(191) NOT NULL,
			checkpoint_id VARCHAR(191) NOT NULL,
			channel VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			value LONGTEXT NOT NULL,
			INDEX idx_writes_checkpoint (thread_id, namespace, checkpoint_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			thread_id VARCHAR(191) NOT NULL,
			idempotency_key VARCHAR(191) NOT NULL,
			PRIMARY KEY (thread_id, idempotency_key)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: create schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error {
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
		 ON DUPLICATE KEY UPDATE parent_id=VALUES(parent_id), state=VALUES(state),
		   metadata=VALUES(metadata), created_at=VALUES(created_at)`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentID, string(cp.State), string(metaJSON), cp.CreatedAt,
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

func (s *MySQLStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error) {
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

	var id, parentID, stateStr, metaStr string
	var createdAt time.Time
	if err := row.Scan(&id, &parentID, &stateStr, &metaStr, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Checkpoint{}, nil, ErrNotFound
		}
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: get: %w", err)
	}

	cp := Checkpoint{
		ThreadID: threadID, Namespace: namespace, CheckpointID: id,
		ParentID: parentID, State: json.RawMessage(stateStr), CreatedAt: createdAt,
	}
	if err := json.Unmarshal([]byte(metaStr), &cp.Metadata); err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
	}

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

func (s *MySQLStore) List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error) {
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
		var metaStr string
		if err := rows.Scan(&cp.CheckpointID, &cp.ParentID, &cp.State, &metaStr, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		cp.ThreadID, cp.Namespace = threadID, namespace
		if err := json.Unmarshal([]byte(metaStr), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *MySQLStore) Close() error { return s.db.Close() }
