package crdt

import (
	"sort"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
)

// Replay applies batches on top of base in version order and returns the
// resulting state together with the highest op id seen. base is not
// modified; a nil base starts from an empty state.
func Replay(base *State, batches []oplog.Batch) (*State, clock.OpID) {
	s := NewState()
	if base != nil {
		s = base.Clone()
	}

	ordered := append([]oplog.Batch(nil), batches...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	var last clock.OpID
	for _, b := range ordered {
		for _, op := range b.Operations {
			s.Apply(op)
			if last.Less(op.ID) {
				last = op.ID
			}
		}
	}
	return s, last
}
