// Package sqlite is the default durable store, a single SQLite file in WAL
// mode with goose-managed schema.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/scenesync/internal/store"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func New(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("sqlite store ready", "path", dbPath)
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	clockState, err := json.Marshal(nonNil(cp.ClockState))
	if err != nil {
		return fmt.Errorf("encode clock state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scene_checkpoints (scene_id, version, clock_state, state, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scene_id) DO UPDATE SET
			version = excluded.version,
			clock_state = excluded.clock_state,
			state = excluded.state,
			saved_at = excluded.saved_at
	`, cp.SceneID, cp.Version, string(clockState), cp.State, cp.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SceneID, err)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, sceneID string) (store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT version, clock_state, state, saved_at FROM scene_checkpoints WHERE scene_id = ?",
		sceneID,
	)

	cp := store.Checkpoint{SceneID: sceneID}
	var clockState string
	var savedAt int64
	err := row.Scan(&cp.Version, &clockState, &cp.State, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Checkpoint{}, store.ErrNotFound
	}
	if err != nil {
		return store.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sceneID, err)
	}
	if err := json.Unmarshal([]byte(clockState), &cp.ClockState); err != nil {
		return store.Checkpoint{}, fmt.Errorf("decode clock state of %s: %w", sceneID, err)
	}
	cp.SavedAt = time.UnixMilli(savedAt).UTC()
	return cp, nil
}

func (s *Store) AppendBatches(ctx context.Context, sceneID string, batches []store.Batch) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO scene_batches (scene_id, version, operations, created_at) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range batches {
		if _, err := stmt.ExecContext(ctx, sceneID, b.Version, b.Operations, b.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("append batch %s@%d: %w", sceneID, b.Version, err)
		}
	}
	return tx.Commit()
}

func (s *Store) BatchesSince(ctx context.Context, sceneID string, since int64) ([]store.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, operations, created_at FROM scene_batches WHERE scene_id = ? AND version > ? ORDER BY version ASC",
		sceneID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		b := store.Batch{SceneID: sceneID}
		var created int64
		if err := rows.Scan(&b.Version, &b.Operations, &created); err != nil {
			return nil, err
		}
		b.Timestamp = time.UnixMilli(created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListScenes(ctx context.Context) ([]store.SceneInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scene_id, MAX(cp_version), MAX(latest), MAX(updated) FROM (
			SELECT scene_id, version AS cp_version, version AS latest, saved_at AS updated
			FROM scene_checkpoints
			UNION ALL
			SELECT scene_id, 0, MAX(version), MAX(created_at)
			FROM scene_batches GROUP BY scene_id
		) GROUP BY scene_id ORDER BY scene_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SceneInfo
	for rows.Next() {
		var info store.SceneInfo
		var updated int64
		if err := rows.Scan(&info.SceneID, &info.CheckpointVersion, &info.LatestVersion, &updated); err != nil {
			return nil, err
		}
		info.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScene(ctx context.Context, sceneID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM scene_batches WHERE scene_id = ?", sceneID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM scene_checkpoints WHERE scene_id = ?", sceneID); err != nil {
		return err
	}
	return tx.Commit()
}

// Stats reports row counts for the admin API.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	var checkpoints int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scene_checkpoints").Scan(&checkpoints); err != nil {
		return nil, err
	}
	stats["checkpoint_count"] = checkpoints

	var batches int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scene_batches").Scan(&batches); err != nil {
		return nil, err
	}
	stats["batch_count"] = batches

	return stats, nil
}

func nonNil(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
