// Package memstore is an in-memory store.Store for tests and ephemeral
// servers.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/manpreetbhatti/scenesync/internal/store"
)

type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]store.Checkpoint
	logs        map[string]map[int64]store.Batch
	closed      bool
}

func New() *Store {
	return &Store{
		checkpoints: make(map[string]store.Checkpoint),
		logs:        make(map[string]map[int64]store.Batch),
	}
}

func (s *Store) SaveCheckpoint(_ context.Context, cp store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.checkpoints[cp.SceneID] = copyCheckpoint(cp)
	return nil
}

func (s *Store) LoadCheckpoint(_ context.Context, sceneID string) (store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.Checkpoint{}, store.ErrClosed
	}
	cp, ok := s.checkpoints[sceneID]
	if !ok {
		return store.Checkpoint{}, store.ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

func (s *Store) AppendBatches(_ context.Context, sceneID string, batches []store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	log, ok := s.logs[sceneID]
	if !ok {
		log = make(map[int64]store.Batch)
		s.logs[sceneID] = log
	}
	for _, b := range batches {
		if _, exists := log[b.Version]; exists {
			continue
		}
		b.SceneID = sceneID
		b.Operations = append([]byte(nil), b.Operations...)
		log[b.Version] = b
	}
	return nil
}

func (s *Store) BatchesSince(_ context.Context, sceneID string, since int64) ([]store.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	var out []store.Batch
	for v, b := range s.logs[sceneID] {
		if v > since {
			b.Operations = append([]byte(nil), b.Operations...)
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) ListScenes(_ context.Context) ([]store.SceneInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	infos := make(map[string]*store.SceneInfo)
	get := func(id string) *store.SceneInfo {
		if info, ok := infos[id]; ok {
			return info
		}
		info := &store.SceneInfo{SceneID: id}
		infos[id] = info
		return info
	}
	for id, cp := range s.checkpoints {
		info := get(id)
		info.CheckpointVersion = cp.Version
		if cp.Version > info.LatestVersion {
			info.LatestVersion = cp.Version
		}
		if cp.SavedAt.After(info.UpdatedAt) {
			info.UpdatedAt = cp.SavedAt
		}
	}
	for id, log := range s.logs {
		if len(log) == 0 {
			continue
		}
		info := get(id)
		for v, b := range log {
			if v > info.LatestVersion {
				info.LatestVersion = v
			}
			if b.Timestamp.After(info.UpdatedAt) {
				info.UpdatedAt = b.Timestamp
			}
		}
	}

	out := make([]store.SceneInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SceneID < out[j].SceneID })
	return out, nil
}

func (s *Store) DeleteScene(_ context.Context, sceneID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	delete(s.checkpoints, sceneID)
	delete(s.logs, sceneID)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyCheckpoint(cp store.Checkpoint) store.Checkpoint {
	out := cp
	out.State = append([]byte(nil), cp.State...)
	out.ClockState = make(map[string]int64, len(cp.ClockState))
	for k, v := range cp.ClockState {
		out.ClockState[k] = v
	}
	return out
}
