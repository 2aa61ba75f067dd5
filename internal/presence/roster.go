// Package presence tracks who is connected to a scene and arbitrates
// exclusive edit locks.
//
// Neither Roster nor LockTable is safe for concurrent use; both are owned by
// a document and mutated only under its lock.
package presence

import (
	"sort"
	"time"
)

// Entry is one participant's presence in a scene.
type Entry struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastSeen      time.Time `json:"last_seen"`
	Sessions      int       `json:"sessions"`
}

type Roster struct {
	entries map[string]*Entry
}

func NewRoster() *Roster {
	return &Roster{entries: make(map[string]*Entry)}
}

// Join registers a session for participant. It reports true when this is
// the participant's first session, i.e. when others should be told.
func (r *Roster) Join(participant, displayName string, now time.Time) (Entry, bool) {
	if e, ok := r.entries[participant]; ok {
		e.Sessions++
		e.LastSeen = now
		if displayName != "" {
			e.DisplayName = displayName
		}
		return *e, false
	}
	e := &Entry{
		ParticipantID: participant,
		DisplayName:   displayName,
		ConnectedAt:   now,
		LastSeen:      now,
		Sessions:      1,
	}
	r.entries[participant] = e
	return *e, true
}

// Leave drops one session. It reports true when the participant has no
// sessions left and was removed.
func (r *Roster) Leave(participant string) (Entry, bool) {
	e, ok := r.entries[participant]
	if !ok {
		return Entry{}, false
	}
	e.Sessions--
	if e.Sessions > 0 {
		return *e, false
	}
	delete(r.entries, participant)
	return *e, true
}

// Touch records a heartbeat.
func (r *Roster) Touch(participant string, now time.Time) bool {
	e, ok := r.entries[participant]
	if !ok {
		return false
	}
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return true
}

// Expire removes every participant whose last heartbeat is older than
// timeout and returns them.
func (r *Roster) Expire(now time.Time, timeout time.Duration) []Entry {
	var gone []Entry
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > timeout {
			gone = append(gone, *e)
			delete(r.entries, id)
		}
	}
	sortEntries(gone)
	return gone
}

func (r *Roster) Has(participant string) bool {
	_, ok := r.entries[participant]
	return ok
}

func (r *Roster) Len() int {
	return len(r.entries)
}

// List returns the roster ordered by connection time.
func (r *Roster) List() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ConnectedAt.Equal(entries[j].ConnectedAt) {
			return entries[i].ConnectedAt.Before(entries[j].ConnectedAt)
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
}
