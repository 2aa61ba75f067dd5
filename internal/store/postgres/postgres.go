// Package postgres stores scenes in PostgreSQL, for deployments where
// several servers share one durable log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manpreetbhatti/scenesync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS scene_checkpoints (
	scene_id    TEXT PRIMARY KEY,
	version     BIGINT NOT NULL,
	clock_state JSONB NOT NULL DEFAULT '{}',
	state       BYTEA NOT NULL,
	saved_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS scene_batches (
	scene_id   TEXT NOT NULL,
	version    BIGINT NOT NULL,
	operations BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scene_id, version)
);
`

type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and creates the schema if it is missing.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	clockState := cp.ClockState
	if clockState == nil {
		clockState = map[string]int64{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scene_checkpoints (scene_id, version, clock_state, state, saved_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scene_id) DO UPDATE SET
			version = EXCLUDED.version,
			clock_state = EXCLUDED.clock_state,
			state = EXCLUDED.state,
			saved_at = EXCLUDED.saved_at
	`, cp.SceneID, cp.Version, clockState, cp.State, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SceneID, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sceneID string) (store.Checkpoint, error) {
	cp := store.Checkpoint{SceneID: sceneID}
	var clockState []byte
	err := s.pool.QueryRow(ctx,
		"SELECT version, clock_state, state, saved_at FROM scene_checkpoints WHERE scene_id = $1",
		sceneID,
	).Scan(&cp.Version, &clockState, &cp.State, &cp.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sceneID, err)
	}
	if err := json.Unmarshal(clockState, &cp.ClockState); err != nil {
		return store.Checkpoint{}, fmt.Errorf("decode clock state of %s: %w", sceneID, err)
	}
	cp.SavedAt = cp.SavedAt.UTC()
	return cp, nil
}

func (s *Store) AppendBatches(ctx context.Context, sceneID string, batches []store.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, batch := range batches {
		b.Queue(
			"INSERT INTO scene_batches (scene_id, version, operations, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
			sceneID, batch.Version, batch.Operations, batch.Timestamp,
		)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("append batches %s: %w", sceneID, err)
	}
	return nil
}

func (s *Store) BatchesSince(ctx context.Context, sceneID string, since int64) ([]store.Batch, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT version, operations, created_at FROM scene_batches WHERE scene_id = $1 AND version > $2 ORDER BY version",
		sceneID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b := store.Batch{SceneID: sceneID}
		if err := rows.Scan(&b.Version, &b.Operations, &b.Timestamp); err != nil {
			return nil, err
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListScenes(ctx context.Context) ([]store.SceneInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT scene_id, MAX(cp_version), MAX(latest), MAX(updated) FROM (
			SELECT scene_id, version AS cp_version, version AS latest, saved_at AS updated
			FROM scene_checkpoints
			UNION ALL
			SELECT scene_id, 0::BIGINT, MAX(version), MAX(created_at)
			FROM scene_batches GROUP BY scene_id
		) AS scenes GROUP BY scene_id ORDER BY scene_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SceneInfo
	for rows.Next() {
		var info store.SceneInfo
		var updated time.Time
		if err := rows.Scan(&info.SceneID, &info.CheckpointVersion, &info.LatestVersion, &updated); err != nil {
			return nil, err
		}
		info.UpdatedAt = updated.UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScene(ctx context.Context, sceneID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM scene_batches WHERE scene_id = $1", sceneID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "DELETE FROM scene_checkpoints WHERE scene_id = $1", sceneID)
		return err
	})
}

// Truncate empties both tables. Used by tests sharing one database.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE scene_batches, scene_checkpoints")
	return err
}
