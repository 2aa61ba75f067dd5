package presence

import (
	"sort"
	"time"

	"github.com/manpreetbhatti/scenesync/internal/scene"
)

// Lock is an exclusive edit lock on one target with its FIFO wait queue.
type Lock struct {
	Target     string    `json:"target_id"`
	Holder     string    `json:"holder"`
	Queue      []string  `json:"queue"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Grant is the answer to an acquire request. Position is 1-based and only
// set when the request was queued.
type Grant struct {
	Target   string `json:"target_id"`
	Granted  bool   `json:"granted"`
	Holder   string `json:"holder"`
	Position int    `json:"position,omitempty"`
}

// Transfer describes a lock changing hands. Next is empty when the lock was
// freed.
type Transfer struct {
	Target   string `json:"target_id"`
	Previous string `json:"previous"`
	Next     string `json:"next_holder,omitempty"`
}

type LockTable struct {
	sceneID string
	locks   map[string]*Lock
}

func NewLockTable(sceneID string) *LockTable {
	return &LockTable{sceneID: sceneID, locks: make(map[string]*Lock)}
}

// Acquire grants the lock if it is free or already held by participant,
// and queues the participant otherwise. Asking again while queued keeps
// the original place in line.
func (t *LockTable) Acquire(target, participant string, now time.Time) Grant {
	l, ok := t.locks[target]
	if !ok {
		t.locks[target] = &Lock{Target: target, Holder: participant, AcquiredAt: now}
		return Grant{Target: target, Granted: true, Holder: participant}
	}
	if l.Holder == participant {
		return Grant{Target: target, Granted: true, Holder: participant}
	}
	for i, p := range l.Queue {
		if p == participant {
			return Grant{Target: target, Holder: l.Holder, Position: i + 1}
		}
	}
	l.Queue = append(l.Queue, participant)
	return Grant{Target: target, Holder: l.Holder, Position: len(l.Queue)}
}

// Release hands the lock to the next queued participant, or frees it.
func (t *LockTable) Release(target, participant string, now time.Time) (Transfer, error) {
	l, ok := t.locks[target]
	if !ok || l.Holder != participant {
		return Transfer{}, scene.NotLockHolder(t.sceneID, target, participant)
	}
	return t.promote(l, now), nil
}

// ReleaseAll releases every lock participant holds and removes it from
// every wait queue. It is the lock half of leaving a scene.
func (t *LockTable) ReleaseAll(participant string, now time.Time) []Transfer {
	var out []Transfer
	for _, target := range t.targets() {
		l := t.locks[target]
		l.Queue = without(l.Queue, participant)
		if l.Holder == participant {
			out = append(out, t.promote(l, now))
		}
	}
	return out
}

func (t *LockTable) promote(l *Lock, now time.Time) Transfer {
	tr := Transfer{Target: l.Target, Previous: l.Holder}
	if len(l.Queue) == 0 {
		delete(t.locks, l.Target)
		return tr
	}
	l.Holder = l.Queue[0]
	l.Queue = l.Queue[1:]
	l.AcquiredAt = now
	tr.Next = l.Holder
	return tr
}

// Get returns a copy of the lock on target.
func (t *LockTable) Get(target string) (Lock, bool) {
	l, ok := t.locks[target]
	if !ok {
		return Lock{}, false
	}
	cp := *l
	cp.Queue = append([]string{}, l.Queue...)
	return cp, true
}

// List returns a copy of every lock, ordered by target.
func (t *LockTable) List() []Lock {
	out := make([]Lock, 0, len(t.locks))
	for _, target := range t.targets() {
		l := t.locks[target]
		cp := *l
		cp.Queue = append([]string{}, l.Queue...)
		out = append(out, cp)
	}
	return out
}

func (t *LockTable) Len() int {
	return len(t.locks)
}

func (t *LockTable) targets() []string {
	keys := make([]string, 0, len(t.locks))
	for k := range t.locks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func without(queue []string, participant string) []string {
	out := queue[:0]
	for _, p := range queue {
		if p != participant {
			out = append(out, p)
		}
	}
	return out
}
