package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/crdt"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/scene"
	"github.com/manpreetbhatti/scenesync/internal/store"
	"github.com/manpreetbhatti/scenesync/internal/store/memstore"
)

func fastBackOff() Option {
	return WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	})
}

func insert(n int64, p, target string) scene.Operation {
	return scene.Operation{
		ID:      clock.OpID{Counter: n, Participant: p},
		Kind:    scene.KindInsertNode,
		Target:  target,
		Payload: scene.InsertNode{Type: "shape"},
	}
}

func buildLog(t *testing.T) (*crdt.State, *clock.Clock, []oplog.Batch) {
	t.Helper()
	state := crdt.NewState()
	clk := clock.New()
	log := oplog.New("s1", 0, nil)
	for i, target := range []string{"a", "b", "c", "d"} {
		op := insert(int64(i+1), "alice", target)
		require.NoError(t, clk.Observe(op.ID))
		state.Apply(op)
		log.Append([]scene.Operation{op}, time.Now())
	}
	return state, clk, log.Unsynced()
}

func TestGateway_FlushAndLoad(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(memstore.New(), nil, fastBackOff())
	state, clk, batches := buildLog(t)

	// Checkpoint at version 2, then log versions 3 and 4 only.
	partial, _ := crdt.Replay(nil, batches[:2])
	require.NoError(t, gw.Flush(ctx, Point{
		SceneID:  "s1",
		Version:  2,
		Clock:    clock.State{"alice": 2},
		State:    partial,
		Unsynced: batches[:2],
	}))
	require.NoError(t, gw.SyncLog(ctx, "s1", batches[2:]))

	loaded, err := gw.Load(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, loaded.Found)
	assert.Equal(t, int64(4), loaded.Version)
	assert.Equal(t, int64(2), loaded.CheckpointVersion)
	assert.Len(t, loaded.Tail, 2)
	assert.Equal(t, state.Snapshot(), loaded.State.Snapshot())
	assert.Equal(t, clk.State(), loaded.Clock.State())

	rebuilt, version, err := gw.Rebuild(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)
	assert.Equal(t, state.Snapshot(), rebuilt.Snapshot())
}

func TestGateway_LoadUnknownScene(t *testing.T) {
	gw := NewGateway(memstore.New(), nil, fastBackOff())
	loaded, err := gw.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, loaded.Found)
	assert.Zero(t, loaded.Version)
	assert.Empty(t, loaded.State.Snapshot().Nodes)
}

func TestGateway_LoadDetectsGap(t *testing.T) {
	ctx := context.Background()
	gw := NewGateway(memstore.New(), nil, fastBackOff())
	_, _, batches := buildLog(t)
	require.NoError(t, gw.SyncLog(ctx, "s1", []oplog.Batch{batches[0], batches[2]}))

	_, err := gw.Load(ctx, "s1")
	assert.ErrorContains(t, err, "gap")
}

type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) AppendBatches(ctx context.Context, sceneID string, batches []store.Batch) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Store.AppendBatches(ctx, sceneID, batches)
}

func TestGateway_RetriesWrites(t *testing.T) {
	ctx := context.Background()
	fs := &flakyStore{Store: memstore.New(), failures: 2}
	gw := NewGateway(fs, nil, fastBackOff())
	_, _, batches := buildLog(t)

	require.NoError(t, gw.SyncLog(ctx, "s1", batches))
	assert.Equal(t, 3, fs.calls)

	got, err := gw.BatchesSince(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, batches[0].Operations, got[0].Operations)
}

func TestGateway_GivesUp(t *testing.T) {
	fs := &flakyStore{Store: memstore.New(), failures: 100}
	gw := NewGateway(fs, nil, fastBackOff())
	_, _, batches := buildLog(t)

	err := gw.SyncLog(context.Background(), "s1", batches)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 6, fs.calls)
}

type fakeTarget struct {
	mu      sync.Mutex
	dirty   []string
	synced  []string
	flushed []string
	syncCh  chan string
}

func (f *fakeTarget) DirtyScenes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dirty...)
}

func (f *fakeTarget) SyncScene(_ context.Context, sceneID string) error {
	f.mu.Lock()
	f.synced = append(f.synced, sceneID)
	f.mu.Unlock()
	f.syncCh <- sceneID
	return nil
}

func (f *fakeTarget) FlushScene(_ context.Context, sceneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, sceneID)
	return nil
}

func TestFlusher_ScheduleAndStop(t *testing.T) {
	target := &fakeTarget{dirty: []string{"s1", "s2"}, syncCh: make(chan string, 4)}
	f := NewFlusher(target, FlusherConfig{Interval: time.Hour}, nil)
	f.Start()

	f.Schedule("s1")
	select {
	case got := <-target.syncCh:
		assert.Equal(t, "s1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled sync did not run")
	}

	f.Stop()
	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, []string{"s1", "s2"}, target.flushed, "stop checkpoints dirty scenes")
}
