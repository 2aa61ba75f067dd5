package crdt

import (
	"time"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

// Pending is a batch held back until its causal dependencies arrive.
// Meta carries whatever the caller needs to answer the submitter later.
type Pending[T any] struct {
	Ops      []scene.Operation
	Meta     T
	Received time.Time
}

// Buffer holds batches whose dependencies are not yet applied. Batches are
// kept whole: a batch is either applied entirely or not at all.
type Buffer[T any] struct {
	items []Pending[T]
}

// Add queues a batch.
func (b *Buffer[T]) Add(p Pending[T]) {
	b.items = append(b.items, p)
}

// Len returns the number of queued batches.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Release hands every batch whose dependencies are satisfied by s to
// apply, in arrival order. apply is expected to fold the batch into s, so
// releasing one batch may unblock another; Release loops until no queued
// batch is ready.
func (b *Buffer[T]) Release(s *State, apply func(Pending[T])) int {
	released := 0
	for {
		idx := -1
		for i, p := range b.items {
			if len(s.Missing(p.Ops)) == 0 {
				idx = i
				break
			}
		}
		if idx < 0 {
			return released
		}
		p := b.items[idx]
		b.items = append(b.items[:idx], b.items[idx+1:]...)
		apply(p)
		released++
	}
}

// Expire removes and returns batches received before now-window.
func (b *Buffer[T]) Expire(now time.Time, window time.Duration) []Pending[T] {
	cutoff := now.Add(-window)
	var expired []Pending[T]
	kept := b.items[:0]
	for _, p := range b.items {
		if p.Received.Before(cutoff) {
			expired = append(expired, p)
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(b.items); i++ {
		var zero Pending[T]
		b.items[i] = zero
	}
	b.items = kept
	return expired
}

// Waiting returns the distinct dependencies the queued batches still need.
func (b *Buffer[T]) Waiting(s *State) []clock.OpID {
	seen := make(map[clock.OpID]struct{})
	var out []clock.OpID
	for _, p := range b.items {
		for _, id := range s.Missing(p.Ops) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
