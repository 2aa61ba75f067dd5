// Package oplog keeps the per-scene sequence of applied operation batches.
//
// Each accepted batch gets the next document version. Recent batches are
// held in memory; older ones are served from durable storage through a
// Source once they have been synced and trimmed from the tail.
package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/manpreetbhatti/scenesync/internal/scene"
)

// Batch is a set of operations applied atomically, tagged with the
// document version it produced.
type Batch struct {
	Version    int64             `json:"version"`
	Operations []scene.Operation `json:"operations"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Source reads batches that are no longer held in memory.
type Source interface {
	BatchesSince(ctx context.Context, sceneID string, since int64) ([]Batch, error)
}

// Log is the append-only operation log of one scene. It is safe for
// concurrent use.
type Log struct {
	mu      sync.RWMutex
	sceneID string
	version int64
	// base is the highest version no longer held in tail.
	base   int64
	tail   []Batch
	synced int64
	source Source
}

// New returns a log that continues after version. Batches up to version
// are assumed durable.
func New(sceneID string, version int64, source Source) *Log {
	return &Log{
		sceneID: sceneID,
		version: version,
		base:    version,
		synced:  version,
		source:  source,
	}
}

// Restore seeds the in-memory tail with durable batches replayed on load.
// They must be contiguous and end at the log's current version.
func (l *Log) Restore(batches []Batch) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(batches) == 0 {
		return nil
	}
	first := batches[0].Version
	for i, b := range batches {
		if b.Version != first+int64(i) {
			return fmt.Errorf("oplog %s: gap before version %d", l.sceneID, b.Version)
		}
	}
	if batches[len(batches)-1].Version != l.version {
		return fmt.Errorf("oplog %s: restored tail ends at %d, log is at %d",
			l.sceneID, batches[len(batches)-1].Version, l.version)
	}
	l.tail = append([]Batch(nil), batches...)
	l.base = first - 1
	return nil
}

// Version returns the version of the last appended batch.
func (l *Log) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Append records ops as the next batch.
func (l *Log) Append(ops []scene.Operation, now time.Time) Batch {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.version++
	b := Batch{
		Version:    l.version,
		Operations: append([]scene.Operation(nil), ops...),
		Timestamp:  now.UTC(),
	}
	l.tail = append(l.tail, b)
	return b
}

// Unsynced returns the batches that have not been marked durable.
func (l *Log) Unsynced() []Batch {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Batch
	for _, b := range l.tail {
		if b.Version > l.synced {
			out = append(out, b)
		}
	}
	return out
}

// MarkSynced records that every batch up to version is durable.
func (l *Log) MarkSynced(version int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version > l.synced {
		l.synced = version
	}
}

// Synced returns the highest durable version.
func (l *Log) Synced() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.synced
}

// Trim drops durable batches from memory, keeping at least retain of the
// most recent ones. Unsynced batches are never dropped.
func (l *Log) Trim(retain int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	drop := len(l.tail) - retain
	if drop <= 0 {
		return 0
	}
	n := 0
	for n < drop && l.tail[n].Version <= l.synced {
		n++
	}
	if n == 0 {
		return 0
	}
	l.base = l.tail[n-1].Version
	l.tail = append([]Batch(nil), l.tail[n:]...)
	return n
}

// Len returns the number of batches held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tail)
}

// History returns every batch with a version greater than since, in
// ascending order. A since at or past the current version yields nothing.
func (l *Log) History(ctx context.Context, since int64) ([]Batch, error) {
	if since < 0 {
		since = 0
	}

	l.mu.RLock()
	base := l.base
	var local []Batch
	for _, b := range l.tail {
		if b.Version > since {
			local = append(local, b)
		}
	}
	l.mu.RUnlock()

	if since >= base {
		return local, nil
	}
	if l.source == nil {
		return nil, fmt.Errorf("oplog %s: versions %d..%d are not in memory", l.sceneID, since+1, base)
	}

	durable, err := l.source.BatchesSince(ctx, l.sceneID, since)
	if err != nil {
		return nil, fmt.Errorf("oplog %s: read durable history: %w", l.sceneID, err)
	}
	out := make([]Batch, 0, len(durable)+len(local))
	for _, b := range durable {
		if b.Version <= base {
			out = append(out, b)
		}
	}
	return append(out, local...), nil
}
