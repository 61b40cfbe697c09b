package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Postgres-backed Saver using jackc/pgx/v5. It shares
// the same transactional-commit shape as SQLiteStore/MySQLStore, using
// Postgres's $N placeholders and ON CONFLICT ... DO UPDATE upsert syntax.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			namespace TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_id TEXT,
			state JSONB NOT NULL,
			metadata JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
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
			value JSONB NOT NULL
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
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("checkpoint: create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, cp Checkpoint, writes []Write, idempotencyKey string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idempotencyKey != "" {
		if _, err := tx.Exec(ctx,
			`INSERT INTO idempotency_keys (thread_id, idempotency_key) VALUES ($1, $2)`,
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

	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, namespace, checkpoint_id, parent_id, state, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (thread_id, namespace, checkpoint_id) DO UPDATE SET
		   parent_id=EXCLUDED.parent_id, state=EXCLUDED.state, metadata=EXCLUDED.metadata, created_at=EXCLUDED.created_at`,
		cp.ThreadID, cp.Namespace, cp.CheckpointID, cp.ParentID, cp.State, metaJSON, cp.CreatedAt,
	); err != nil {
		return fmt.Errorf("checkpoint: upsert checkpoint: %w", err)
	}

	for _, w := range writes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO checkpoint_writes (thread_id, namespace, checkpoint_id, channel, node_id, value)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			cp.ThreadID, cp.Namespace, cp.CheckpointID, w.Channel, w.NodeID, w.Value,
		); err != nil {
			return fmt.Errorf("checkpoint: insert write: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (Checkpoint, []Write, error) {
	var row pgx.Row
	if checkpointID == "" {
		row = s.pool.QueryRow(ctx,
			`SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
			 WHERE thread_id = $1 AND namespace = $2 ORDER BY created_at DESC LIMIT 1`,
			threadID, namespace,
		)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
			 WHERE thread_id = $1 AND namespace = $2 AND checkpoint_id = $3`,
			threadID, namespace, checkpointID,
		)
	}

	var id, parentID string
	var stateRaw, metaRaw []byte
	var createdAt time.Time
	if err := row.Scan(&id, &parentID, &stateRaw, &metaRaw, &createdAt); err != nil {
		if err == pgx.ErrNoRows {
			return Checkpoint{}, nil, ErrNotFound
		}
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: get: %w", err)
	}

	cp := Checkpoint{
		ThreadID: threadID, Namespace: namespace, CheckpointID: id,
		ParentID: parentID, State: stateRaw, CreatedAt: createdAt,
	}
	if err := json.Unmarshal(metaRaw, &cp.Metadata); err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT channel, node_id, value FROM checkpoint_writes WHERE thread_id = $1 AND namespace = $2 AND checkpoint_id = $3`,
		threadID, namespace, id,
	)
	if err != nil {
		return Checkpoint{}, nil, fmt.Errorf("checkpoint: load writes: %w", err)
	}
	defer rows.Close()

	var writes []Write
	for rows.Next() {
		var w Write
		var valueRaw []byte
		if err := rows.Scan(&w.Channel, &w.NodeID, &valueRaw); err != nil {
			return Checkpoint{}, nil, fmt.Errorf("checkpoint: scan write: %w", err)
		}
		w.Value = valueRaw
		writes = append(writes, w)
	}
	return cp, writes, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context, threadID, namespace string, limit int) ([]Checkpoint, error) {
	query := `SELECT checkpoint_id, parent_id, state, metadata, created_at FROM checkpoints
		WHERE thread_id = $1 AND namespace = $2 ORDER BY created_at DESC`
	args := []any{threadID, namespace}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var stateRaw, metaRaw []byte
		if err := rows.Scan(&cp.CheckpointID, &cp.ParentID, &stateRaw, &metaRaw, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		cp.ThreadID, cp.Namespace, cp.State = threadID, namespace, stateRaw
		if err := json.Unmarshal(metaRaw, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
