// Package storetest is a behaviour suite every store.Store backend runs.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/store"
)

// Run exercises a backend. open must return an empty store; Run closes it.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CheckpointRoundTrip", testCheckpointRoundTrip},
		{"CheckpointNotFound", testCheckpointNotFound},
		{"CheckpointOverwrite", testCheckpointOverwrite},
		{"AppendIsIdempotent", testAppendIsIdempotent},
		{"BatchesSince", testBatchesSince},
		{"ScenesAreIsolated", testScenesAreIsolated},
		{"ListScenes", testListScenes},
		{"DeleteScene", testDeleteScene},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer func() {
				assert.NoError(t, s.Close())
			}()
			tt.fn(t, s)
		})
	}
}

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func batches(sceneID string, from, to int64) []store.Batch {
	var out []store.Batch
	for v := from; v <= to; v++ {
		out = append(out, store.Batch{
			SceneID:    sceneID,
			Version:    v,
			Operations: []byte(fmt.Sprintf(`[{"kind":"delete_node","target_id":"n%d"}]`, v)),
			Timestamp:  ts(int(v)),
		})
	}
	return out
}

func versions(bs []store.Batch) []int64 {
	out := make([]int64, len(bs))
	for i, b := range bs {
		out[i] = b.Version
	}
	return out
}

func testCheckpointRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	cp := store.Checkpoint{
		SceneID:    "scene-1",
		Version:    42,
		ClockState: map[string]int64{"alice": 7, "bob": 3},
		State:      []byte(`{"nodes":{},"lines":{},"applied":[]}`),
		SavedAt:    ts(5),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	got, err := s.LoadCheckpoint(ctx, "scene-1")
	require.NoError(t, err)
	assert.Equal(t, cp.SceneID, got.SceneID)
	assert.Equal(t, cp.Version, got.Version)
	assert.Equal(t, cp.ClockState, got.ClockState)
	assert.JSONEq(t, string(cp.State), string(got.State))
	assert.True(t, cp.SavedAt.Equal(got.SavedAt), "saved_at %v != %v", cp.SavedAt, got.SavedAt)
}

func testCheckpointNotFound(t *testing.T, s store.Store) {
	_, err := s.LoadCheckpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCheckpointOverwrite(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{SceneID: "s", Version: 1, State: []byte(`{}`), SavedAt: ts(1)}))
	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{SceneID: "s", Version: 9, State: []byte(`{"v":9}`), SavedAt: ts(2)}))

	got, err := s.LoadCheckpoint(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.Version)
	assert.JSONEq(t, `{"v":9}`, string(got.State))
}

func testAppendIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendBatches(ctx, "s", batches("s", 1, 3)))

	again := batches("s", 2, 4)
	again[0].Operations = []byte(`[{"kind":"delete_node","target_id":"changed"}]`)
	require.NoError(t, s.AppendBatches(ctx, "s", again))

	got, err := s.BatchesSince(ctx, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, versions(got))
	assert.JSONEq(t, `[{"kind":"delete_node","target_id":"n2"}]`, string(got[1].Operations), "first write wins")

	require.NoError(t, s.AppendBatches(ctx, "s", nil))
}

func testBatchesSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendBatches(ctx, "s", batches("s", 6, 10)))
	require.NoError(t, s.AppendBatches(ctx, "s", batches("s", 1, 5)))

	got, err := s.BatchesSince(ctx, "s", 4)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 10}, versions(got))
	assert.True(t, ts(5).Equal(got[0].Timestamp))
	assert.Equal(t, "s", got[0].SceneID)

	got, err = s.BatchesSince(ctx, "s", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.BatchesSince(ctx, "unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testScenesAreIsolated(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendBatches(ctx, "a", batches("a", 1, 2)))
	require.NoError(t, s.AppendBatches(ctx, "b", batches("b", 1, 3)))

	got, err := s.BatchesSince(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions(got))
}

func testListScenes(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{SceneID: "b", Version: 2, State: []byte(`{}`), SavedAt: ts(30)}))
	require.NoError(t, s.AppendBatches(ctx, "b", batches("b", 1, 4)))
	require.NoError(t, s.AppendBatches(ctx, "a", batches("a", 1, 1)))

	infos, err := s.ListScenes(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "a", infos[0].SceneID)
	assert.Equal(t, int64(0), infos[0].CheckpointVersion)
	assert.Equal(t, int64(1), infos[0].LatestVersion)

	assert.Equal(t, "b", infos[1].SceneID)
	assert.Equal(t, int64(2), infos[1].CheckpointVersion)
	assert.Equal(t, int64(4), infos[1].LatestVersion)
	assert.True(t, ts(30).Equal(infos[1].UpdatedAt))
}

func testDeleteScene(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, store.Checkpoint{SceneID: "s", Version: 1, State: []byte(`{}`), SavedAt: ts(1)}))
	require.NoError(t, s.AppendBatches(ctx, "s", batches("s", 1, 2)))
	require.NoError(t, s.AppendBatches(ctx, "keep", batches("keep", 1, 1)))

	require.NoError(t, s.DeleteScene(ctx, "s"))
	require.NoError(t, s.DeleteScene(ctx, "never-existed"))

	_, err := s.LoadCheckpoint(ctx, "s")
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.BatchesSince(ctx, "s", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	infos, err := s.ListScenes(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "keep", infos[0].SceneID)
}
