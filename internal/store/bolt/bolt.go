// Package bolt stores scenes in a single bbolt file: one bucket of
// checkpoints and one nested bucket per scene log, keyed by big-endian
// version so cursor order is version order.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/manpreetbhatti/scenesync/internal/store"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketLogs        = []byte("logs")
)

type Store struct {
	db *bbolt.DB
}

type batchRecord struct {
	Operations json.RawMessage `json:"operations"`
	Timestamp  time.Time       `json:"timestamp"`
}

// New opens the bbolt file at dbPath.
func New(_ context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCheckpoints, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func versionKey(v int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(v))
	return k
}

func (s *Store) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(cp.SceneID), data)
	})
}

func (s *Store) LoadCheckpoint(_ context.Context, sceneID string) (store.Checkpoint, error) {
	var cp store.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCheckpoints).Get([]byte(sceneID))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &cp)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Checkpoint{}, err
		}
		return store.Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", sceneID, err)
	}
	return cp, nil
}

func (s *Store) AppendBatches(_ context.Context, sceneID string, batches []store.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		log, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(sceneID))
		if err != nil {
			return fmt.Errorf("create log bucket %s: %w", sceneID, err)
		}
		for _, b := range batches {
			key := versionKey(b.Version)
			if log.Get(key) != nil {
				continue
			}
			data, err := json.Marshal(batchRecord{Operations: b.Operations, Timestamp: b.Timestamp})
			if err != nil {
				return fmt.Errorf("encode batch %s@%d: %w", sceneID, b.Version, err)
			}
			if err := log.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) BatchesSince(_ context.Context, sceneID string, since int64) ([]store.Batch, error) {
	if since < 0 {
		since = 0
	}
	var out []store.Batch
	err := s.db.View(func(tx *bbolt.Tx) error {
		log := tx.Bucket(bucketLogs).Bucket([]byte(sceneID))
		if log == nil {
			return nil
		}
		c := log.Cursor()
		for k, v := c.Seek(versionKey(since + 1)); k != nil; k, v = c.Next() {
			var rec batchRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}
			out = append(out, store.Batch{
				SceneID:    sceneID,
				Version:    int64(binary.BigEndian.Uint64(k)),
				Operations: []byte(rec.Operations),
				Timestamp:  rec.Timestamp,
			})
		}
		return nil
	})
	return out, err
}

func (s *Store) ListScenes(_ context.Context) ([]store.SceneInfo, error) {
	infos := make(map[string]*store.SceneInfo)
	get := func(id string) *store.SceneInfo {
		if info, ok := infos[id]; ok {
			return info
		}
		info := &store.SceneInfo{SceneID: id}
		infos[id] = info
		return info
	}

	err := s.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var cp store.Checkpoint
			if err := json.Unmarshal(v, &cp); err != nil {
				return err
			}
			info := get(string(k))
			info.CheckpointVersion = cp.Version
			if cp.Version > info.LatestVersion {
				info.LatestVersion = cp.Version
			}
			if cp.SavedAt.After(info.UpdatedAt) {
				info.UpdatedAt = cp.SavedAt
			}
			return nil
		})
		if err != nil {
			return err
		}

		logs := tx.Bucket(bucketLogs)
		return logs.ForEach(func(k, _ []byte) error {
			log := logs.Bucket(k)
			if log == nil {
				return nil
			}
			lastKey, lastVal := log.Cursor().Last()
			if lastKey == nil {
				return nil
			}
			var rec batchRecord
			if err := json.Unmarshal(lastVal, &rec); err != nil {
				return err
			}
			info := get(string(k))
			if v := int64(binary.BigEndian.Uint64(lastKey)); v > info.LatestVersion {
				info.LatestVersion = v
			}
			if rec.Timestamp.After(info.UpdatedAt) {
				info.UpdatedAt = rec.Timestamp
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.SceneInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneID < out[j].SceneID })
	return out, nil
}

func (s *Store) DeleteScene(_ context.Context, sceneID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketCheckpoints).Delete([]byte(sceneID)); err != nil {
			return err
		}
		err := tx.Bucket(bucketLogs).DeleteBucket([]byte(sceneID))
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}
