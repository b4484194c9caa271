// Package postgres implements relay.CheckpointStore using PostgreSQL.
// Checkpoint histories are stored as JSONB.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/relay"
)

// Store implements relay.CheckpointStore backed by PostgreSQL. Useful when a
// deployment already runs Postgres and a local SQLite file would be lost on
// container redeploy.
type Store struct {
	pool *pgxpool.Pool
}

var _ relay.CheckpointStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the checkpoints table. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS checkpoints (
		session_id TEXT PRIMARY KEY,
		continuation TEXT NOT NULL DEFAULT '',
		messages JSONB NOT NULL,
		saved_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("postgres: create checkpoints table: %w", err)
	}
	return nil
}

// Save upserts the checkpoint for a session.
func (s *Store) Save(ctx context.Context, sessionID string, cp relay.Checkpoint) error {
	msgs, err := json.Marshal(cp.Messages)
	if err != nil {
		return fmt.Errorf("postgres: marshal messages: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (session_id, continuation, messages, saved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE
		 SET continuation = EXCLUDED.continuation,
		     messages = EXCLUDED.messages,
		     saved_at = EXCLUDED.saved_at`,
		sessionID, cp.Continuation, msgs, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for a session, reporting whether one exists.
func (s *Store) Load(ctx context.Context, sessionID string) (relay.Checkpoint, bool, error) {
	var cp relay.Checkpoint
	var msgs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT continuation, messages, saved_at FROM checkpoints WHERE session_id = $1`,
		sessionID,
	).Scan(&cp.Continuation, &msgs, &cp.SavedAt)
	if err == pgx.ErrNoRows {
		return relay.Checkpoint{}, false, nil
	}
	if err != nil {
		return relay.Checkpoint{}, false, fmt.Errorf("postgres: load checkpoint: %w", err)
	}
	if err := json.Unmarshal(msgs, &cp.Messages); err != nil {
		return relay.Checkpoint{}, false, fmt.Errorf("postgres: unmarshal messages: %w", err)
	}
	return cp, true, nil
}

// Clear deletes the checkpoint for a session. Clearing a session that has no
// checkpoint is not an error.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: clear checkpoint: %w", err)
	}
	return nil
}
