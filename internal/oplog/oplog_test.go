package oplog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

type fakeSource struct {
	batches []Batch
	err     error
	calls   int
}

func (f *fakeSource) BatchesSince(_ context.Context, _ string, since int64) ([]Batch, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Batch
	for _, b := range f.batches {
		if b.Version > since {
			out = append(out, b)
		}
	}
	return out, nil
}

func op(n int64) scene.Operation {
	return scene.Operation{
		ID:     clock.OpID{Counter: n, Participant: "a"},
		Kind:   scene.KindDeleteNode,
		Target: "n1",
	}
}

func versions(batches []Batch) []int64 {
	out := make([]int64, len(batches))
	for i, b := range batches {
		out[i] = b.Version
	}
	return out
}

func TestLog_AppendAssignsVersions(t *testing.T) {
	l := New("s1", 0, nil)
	now := time.Now()

	b1 := l.Append([]scene.Operation{op(1)}, now)
	b2 := l.Append([]scene.Operation{op(2), op(3)}, now)

	assert.Equal(t, int64(1), b1.Version)
	assert.Equal(t, int64(2), b2.Version)
	assert.Equal(t, int64(2), l.Version())
	assert.Len(t, b2.Operations, 2)
	assert.Equal(t, time.UTC, b1.Timestamp.Location())
}

func TestLog_History(t *testing.T) {
	l := New("s1", 0, nil)
	for i := int64(1); i <= 5; i++ {
		l.Append([]scene.Operation{op(i)}, time.Now())
	}

	tests := []struct {
		since int64
		want  []int64
	}{
		{0, []int64{1, 2, 3, 4, 5}},
		{-3, []int64{1, 2, 3, 4, 5}},
		{3, []int64{4, 5}},
		{5, []int64{}},
		{99, []int64{}},
	}
	for _, tt := range tests {
		got, err := l.History(context.Background(), tt.since)
		require.NoError(t, err)
		assert.Equal(t, tt.want, versions(got), "since %d", tt.since)
	}
}

func TestLog_TrimKeepsUnsynced(t *testing.T) {
	l := New("s1", 0, nil)
	for i := int64(1); i <= 6; i++ {
		l.Append([]scene.Operation{op(i)}, time.Now())
	}

	assert.Zero(t, l.Trim(2), "nothing is durable yet")
	assert.Len(t, l.Unsynced(), 6)

	l.MarkSynced(3)
	assert.Equal(t, 3, l.Trim(2))
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []int64{4, 5, 6}, versions(l.Unsynced()))

	l.MarkSynced(2)
	assert.Equal(t, int64(3), l.Synced(), "synced never moves back")
}

func TestLog_HistoryFallsBackToSource(t *testing.T) {
	src := &fakeSource{}
	l := New("s1", 0, src)
	for i := int64(1); i <= 5; i++ {
		b := l.Append([]scene.Operation{op(i)}, time.Now())
		src.batches = append(src.batches, b)
	}
	l.MarkSynced(5)
	l.Trim(2)

	got, err := l.History(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, versions(got))
	assert.Zero(t, src.calls)

	got, err = l.History(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4, 5}, versions(got))
	assert.Equal(t, 1, src.calls)

	src.err = errors.New("disk gone")
	_, err = l.History(context.Background(), 0)
	assert.ErrorIs(t, err, src.err)
}

func TestLog_HistoryWithoutSource(t *testing.T) {
	l := New("s1", 10, nil)
	l.Append([]scene.Operation{op(11)}, time.Now())

	_, err := l.History(context.Background(), 4)
	assert.Error(t, err)

	got, err := l.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, versions(got))
}

func TestLog_Restore(t *testing.T) {
	l := New("s1", 3, nil)
	err := l.Restore([]Batch{{Version: 1}, {Version: 3}})
	assert.Error(t, err)

	err = l.Restore([]Batch{{Version: 1}, {Version: 2}})
	assert.Error(t, err, "tail must end at the log version")

	require.NoError(t, l.Restore([]Batch{{Version: 2}, {Version: 3}}))
	got, err := l.History(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, versions(got))
	assert.Empty(t, l.Unsynced())

	next := l.Append(nil, time.Now())
	assert.Equal(t, int64(4), next.Version)
}
