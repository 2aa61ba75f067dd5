package room

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/persist"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

type countingScheduler struct {
	mu     sync.Mutex
	scenes []string
}

func (s *countingScheduler) Schedule(sceneID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes = append(s.scenes, sceneID)
}

func TestValidateSceneID(t *testing.T) {
	for _, good := range []string{"s1", "Scene_2.v3", "a-b"} {
		assert.NoError(t, ValidateSceneID(good), good)
	}
	for _, bad := range []string{"", "-lead", "has space", "a/b", string(make([]byte, 200))} {
		assert.Error(t, ValidateSceneID(bad), bad)
	}
}

func TestRegistry_OpenIsShared(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	docs := make([]*Document, 8)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := env.registry.Open(ctx, "s1")
			if assert.NoError(t, err) {
				docs[i] = d
			}
		}(i)
	}
	wg.Wait()
	for _, d := range docs {
		assert.Same(t, docs[0], d)
	}
	assert.Equal(t, 1, env.registry.Len())
}

func TestRegistry_LookupUnknown(t *testing.T) {
	env := setup(t)
	_, err := env.registry.Lookup(context.Background(), "never")
	assert.True(t, scene.IsUnknownDocument(err))
	assert.Zero(t, env.registry.Len(), "lookup does not create")

	_, err = env.registry.Open(context.Background(), "bad id")
	assert.True(t, scene.IsInvalid(err))
}

func TestRegistry_FlushAndRestart(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	sched := &countingScheduler{}
	env.registry.SetScheduler(sched)

	d := env.open(t, "s1")
	join(t, d, "a1", "alice")
	_, err := d.Submit(Origin{Participant: "alice"}, []scene.Operation{insertNode(clock.OpID{}, "n1", "box")})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sched.scenes)
	assert.Equal(t, []string{"s1"}, env.registry.DirtyScenes())

	version, err := env.registry.Flush(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Empty(t, env.registry.DirtyScenes())

	_, err = d.Submit(Origin{Participant: "alice"}, []scene.Operation{updateNode(clock.OpID{}, "n1", "color", `"blue"`)})
	require.NoError(t, err)
	require.NoError(t, env.registry.SyncScene(ctx, "s1"))
	want, _ := d.Snapshot()

	restarted := NewRegistry(env.gateway, DefaultConfig(), discard)
	r, err := restarted.Lookup(ctx, "s1")
	require.NoError(t, err)
	got, gotVersion := r.Snapshot()
	assert.Equal(t, int64(2), gotVersion, "checkpoint plus synced tail")
	assert.Equal(t, want, got)
	assert.Empty(t, r.Presence(), "presence does not survive a restart")

	res, err := r.Submit(Origin{Participant: "alice"}, []scene.Operation{updateNode(clock.OpID{}, "n1", "w", "2")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Version)
	assert.Greater(t, res.Operations[0].ID.Counter, int64(2), "the clock resumes past restored ids")

	batches, _, err := r.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, batches, 3)
}

func TestRegistry_TrimsTailAfterCheckpoint(t *testing.T) {
	env := setup(t)
	env.registry.config.TailRetain = 2
	ctx := context.Background()
	d := env.open(t, "s1")

	for i := 0; i < 5; i++ {
		_, err := d.Submit(Origin{Participant: "alice"}, []scene.Operation{insertNode(clock.OpID{}, "", "box")})
		require.NoError(t, err)
	}
	_, err := env.registry.Flush(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Info().TailBatches)
	assert.Equal(t, int64(5), d.Info().CheckpointVersion)
	assert.Equal(t, int64(5), d.Info().SyncedVersion)

	batches, _, err := d.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 5, "older history comes from the store")
	assert.Equal(t, int64(1), batches[0].Version)
}

func TestRegistry_Destroy(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	d := env.open(t, "s1")
	alice := join(t, d, "a1", "alice")
	_, err := env.registry.Flush(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, env.registry.Destroy(ctx, "s1"))
	assert.True(t, alice.isClosed())
	assert.Zero(t, env.registry.Len())

	_, err = d.Submit(Origin{Participant: "alice"}, []scene.Operation{insertNode(clock.OpID{}, "n1", "box")})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = env.registry.Lookup(ctx, "s1")
	assert.True(t, scene.IsUnknownDocument(err), "persisted state is gone")
	assert.True(t, scene.IsUnknownDocument(env.registry.Destroy(ctx, "s1")))
}

func TestRegistry_Maintain(t *testing.T) {
	env := setup(t)
	d := env.open(t, "s1")
	alice := join(t, d, "a1", "alice")

	env.clock.advance(DefaultConfig().HeartbeatTimeout + 1)
	env.registry.Maintain(env.clock.now())
	assert.True(t, alice.isClosed())
	assert.Empty(t, d.Presence())
}

func TestRegistry_OpenLoadsSyncedLog(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	d := env.open(t, "s1")
	_, err := d.Submit(Origin{Participant: "alice"}, []scene.Operation{insertNode(clock.OpID{}, "n1", "box")})
	require.NoError(t, err)
	require.NoError(t, env.registry.SyncScene(ctx, "s1"))

	restarted := NewRegistry(persist.NewGateway(env.gateway.Store(), discard), DefaultConfig(), discard)
	r, err := restarted.Open(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Version())
}
