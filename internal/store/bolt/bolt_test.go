package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/manpreetbhatti/scenesync/internal/store"
	"github.com/manpreetbhatti/scenesync/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(context.Background(), filepath.Join(t.TempDir(), "scenes.bolt"))
		require.NoError(t, err)
		return s
	})
}

func TestStore_VersionKeysSortNumerically(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, filepath.Join(t.TempDir(), "scenes.bolt"))
	require.NoError(t, err)
	defer s.Close()

	var bs []store.Batch
	for _, v := range []int64{255, 1, 256, 2} {
		bs = append(bs, store.Batch{Version: v, Operations: []byte(`[]`), Timestamp: time.Now()})
	}
	require.NoError(t, s.AppendBatches(ctx, "s", bs))

	got, err := s.BatchesSince(ctx, "s", 1)
	require.NoError(t, err)
	var vs []int64
	for _, b := range got {
		vs = append(vs, b.Version)
	}
	assert.Equal(t, []int64{2, 255, 256}, vs)

	err = s.db.View(func(tx *bbolt.Tx) error {
		assert.NotNil(t, tx.Bucket(bucketLogs).Bucket([]byte("s")))
		return nil
	})
	require.NoError(t, err)
}
