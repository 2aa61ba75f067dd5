// Package store defines durable storage for scenes: one checkpoint per scene
// and the append-only log of applied batches.
//
// Records carry already-encoded JSON so backends stay independent of the
// sync engine's types.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Checkpoint is the materialized state of a scene at Version.
type Checkpoint struct {
	SceneID    string           `json:"scene_id"`
	Version    int64            `json:"version"`
	ClockState map[string]int64 `json:"clock_state"`
	State      []byte           `json:"state"`
	SavedAt    time.Time        `json:"saved_at"`
}

// Batch is one log entry. (SceneID, Version) is unique; writing the same
// key twice keeps the first write.
type Batch struct {
	SceneID    string    `json:"scene_id"`
	Version    int64     `json:"version"`
	Operations []byte    `json:"operations"`
	Timestamp  time.Time `json:"timestamp"`
}

// SceneInfo summarizes what is stored for a scene.
type SceneInfo struct {
	SceneID           string    `json:"scene_id"`
	CheckpointVersion int64     `json:"checkpoint_version"`
	LatestVersion     int64     `json:"latest_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Store interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	// LoadCheckpoint returns ErrNotFound when the scene has no checkpoint.
	LoadCheckpoint(ctx context.Context, sceneID string) (Checkpoint, error)
	AppendBatches(ctx context.Context, sceneID string, batches []Batch) error
	// BatchesSince returns batches with Version > since in ascending order.
	BatchesSince(ctx context.Context, sceneID string, since int64) ([]Batch, error)
	ListScenes(ctx context.Context) ([]SceneInfo, error)
	// DeleteScene removes the checkpoint and the whole log of a scene.
	DeleteScene(ctx context.Context, sceneID string) error
	Close() error
}
