// Package persist makes scenes durable: it writes checkpoints and log
// batches to a store.Store and rebuilds a scene on load by replaying the
// log on top of the last checkpoint.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/crdt"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/scene"
	"github.com/manpreetbhatti/scenesync/internal/store"
)

// Point is a consistent copy of a scene taken under its document lock.
type Point struct {
	SceneID  string
	Version  int64
	Clock    clock.State
	State    *crdt.State
	Unsynced []oplog.Batch
}

// Loaded is a scene rebuilt from storage.
type Loaded struct {
	Found   bool
	Version int64
	Clock   *clock.Clock
	State   *crdt.State
	// Tail holds the batches replayed after the checkpoint.
	Tail              []oplog.Batch
	CheckpointVersion int64
}

type Gateway struct {
	store      store.Store
	log        *slog.Logger
	newBackOff func() backoff.BackOff
}

type Option func(*Gateway)

// WithBackOff replaces the retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(g *Gateway) { g.newBackOff = fn }
}

func NewGateway(s store.Store, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		store: s,
		log:   logger.With("component", "persist"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store returns the underlying store.
func (g *Gateway) Store() store.Store {
	return g.store
}

func (g *Gateway) retry(ctx context.Context, what string, fn func() error) error {
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err != nil && ctx.Err() == nil {
			g.log.Warn("storage call failed, retrying", "op", what, "attempt", attempt, "error", err)
		}
		return err
	}, backoff.WithContext(g.newBackOff(), ctx))
	if err != nil {
		return fmt.Errorf("%s after %d attempts: %w", what, attempt, err)
	}
	return nil
}

// SyncLog writes batches to the durable log. Batches already stored are
// left untouched.
func (g *Gateway) SyncLog(ctx context.Context, sceneID string, batches []oplog.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	records := make([]store.Batch, 0, len(batches))
	for _, b := range batches {
		ops, err := json.Marshal(b.Operations)
		if err != nil {
			return fmt.Errorf("encode batch %s@%d: %w", sceneID, b.Version, err)
		}
		records = append(records, store.Batch{
			SceneID:    sceneID,
			Version:    b.Version,
			Operations: ops,
			Timestamp:  b.Timestamp,
		})
	}
	return g.retry(ctx, "append log", func() error {
		return g.store.AppendBatches(ctx, sceneID, records)
	})
}

// Flush makes p durable: first its unsynced batches, then the checkpoint.
func (g *Gateway) Flush(ctx context.Context, p Point) error {
	if err := g.SyncLog(ctx, p.SceneID, p.Unsynced); err != nil {
		return err
	}

	state, err := json.Marshal(p.State)
	if err != nil {
		return fmt.Errorf("encode state of %s: %w", p.SceneID, err)
	}
	cp := store.Checkpoint{
		SceneID:    p.SceneID,
		Version:    p.Version,
		ClockState: p.Clock,
		State:      state,
		SavedAt:    time.Now().UTC(),
	}
	if err := g.retry(ctx, "save checkpoint", func() error {
		return g.store.SaveCheckpoint(ctx, cp)
	}); err != nil {
		return err
	}
	g.log.Debug("scene flushed", "scene", p.SceneID, "version", p.Version, "batches", len(p.Unsynced))
	return nil
}

// Load rebuilds a scene from its checkpoint and the batches logged after
// it. A scene with neither is reported as not found, not as an error.
func (g *Gateway) Load(ctx context.Context, sceneID string) (*Loaded, error) {
	var cp store.Checkpoint
	err := g.retry(ctx, "load checkpoint", func() error {
		var err error
		cp, err = g.store.LoadCheckpoint(ctx, sceneID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	found := cp.SceneID != ""

	base := crdt.NewState()
	if found {
		if err := json.Unmarshal(cp.State, base); err != nil {
			return nil, fmt.Errorf("decode checkpoint of %s: %w", sceneID, err)
		}
	}

	tail, err := g.BatchesSince(ctx, sceneID, cp.Version)
	if err != nil {
		return nil, err
	}
	for i, b := range tail {
		if want := cp.Version + int64(i) + 1; b.Version != want {
			return nil, fmt.Errorf("log of %s has a gap: want version %d, found %d", sceneID, want, b.Version)
		}
	}

	state, _ := crdt.Replay(base, tail)
	clk := clock.Restore(cp.ClockState)
	for _, b := range tail {
		for _, op := range b.Operations {
			if err := clk.Observe(op.ID); err != nil {
				return nil, fmt.Errorf("replay %s@%d: %w", sceneID, b.Version, err)
			}
		}
	}

	version := cp.Version
	if len(tail) > 0 {
		version = tail[len(tail)-1].Version
	}
	return &Loaded{
		Found:             found || len(tail) > 0,
		Version:           version,
		Clock:             clk,
		State:             state,
		Tail:              tail,
		CheckpointVersion: cp.Version,
	}, nil
}

// BatchesSince reads durable history. It satisfies oplog.Source.
func (g *Gateway) BatchesSince(ctx context.Context, sceneID string, since int64) ([]oplog.Batch, error) {
	var records []store.Batch
	err := g.retry(ctx, "read log", func() error {
		var err error
		records, err = g.store.BatchesSince(ctx, sceneID, since)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]oplog.Batch, 0, len(records))
	for _, r := range records {
		var ops []scene.Operation
		if err := json.Unmarshal(r.Operations, &ops); err != nil {
			return nil, fmt.Errorf("decode batch %s@%d: %w", sceneID, r.Version, err)
		}
		out = append(out, oplog.Batch{Version: r.Version, Operations: ops, Timestamp: r.Timestamp})
	}
	return out, nil
}

// Rebuild replays the whole durable log from version 0, ignoring the
// checkpoint.
func (g *Gateway) Rebuild(ctx context.Context, sceneID string) (*crdt.State, int64, error) {
	batches, err := g.BatchesSince(ctx, sceneID, 0)
	if err != nil {
		return nil, 0, err
	}
	state, _ := crdt.Replay(nil, batches)
	var version int64
	if len(batches) > 0 {
		version = batches[len(batches)-1].Version
	}
	return state, version, nil
}

func (g *Gateway) ListScenes(ctx context.Context) ([]store.SceneInfo, error) {
	return g.store.ListScenes(ctx)
}

func (g *Gateway) Delete(ctx context.Context, sceneID string) error {
	return g.retry(ctx, "delete scene", func() error {
		return g.store.DeleteScene(ctx, sceneID)
	})
}
