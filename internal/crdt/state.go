// Package crdt applies scene operations to a replica state so that every
// delivery order of the same operations converges to the same snapshot.
//
// Every scalar attribute (node type and parent, line owner and order key,
// each field) is a last-writer-wins register stamped with the op id that
// wrote it; the higher id wins. Concurrent inserts of the same id do not
// merge: the highest insert supplies the record and updates apply on top
// of it. Deletes leave a tombstone that clears all
// registers and swallows any later write to the same id. Operations that
// reach an id before its insert are kept on a hidden "ghost" entry, so
// arrival order never changes the outcome.
package crdt

import (
	"encoding/json"
	"sort"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

// Outcome reports what applying one operation did.
type Outcome int

const (
	// Applied means the operation changed the state.
	Applied Outcome = iota + 1
	// NoOp means the op id was already applied, or the target is a tombstone.
	NoOp
	// Superseded means every register the operation wrote already held a
	// higher stamp.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case NoOp:
		return "no_op"
	case Superseded:
		return "superseded"
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Register is a last-writer-wins string value.
type Register struct {
	Value string     `json:"value,omitempty"`
	Stamp clock.OpID `json:"stamp"`
}

func (r *Register) set(value string, stamp clock.OpID) bool {
	if !r.Stamp.Less(stamp) {
		return false
	}
	r.Value = value
	r.Stamp = stamp
	return true
}

// Field is a last-writer-wins JSON value.
type Field struct {
	Value json.RawMessage `json:"value"`
	Stamp clock.OpID      `json:"stamp"`
}

// entry keeps the payload of the winning insert apart from the fields
// written by updates. A field shows whichever layer holds the higher stamp,
// so a losing insert contributes nothing and an update survives a later
// winning insert that does not name its field.
type entry struct {
	Created *clock.OpID      `json:"created,omitempty"`
	Deleted *clock.OpID      `json:"deleted,omitempty"`
	Initial map[string]Field `json:"initial,omitempty"`
	Fields  map[string]Field `json:"fields,omitempty"`
}

func (e *entry) live() bool {
	return e.Created != nil && e.Deleted == nil
}

// created records stamp as the winning insert and replaces the insert
// layer with fields. It returns false when a higher insert already won.
func (e *entry) created(fields scene.Fields, stamp clock.OpID) bool {
	if e.Created != nil && !e.Created.Less(stamp) {
		return false
	}
	id := stamp
	e.Created = &id
	e.Initial = nil
	for name, value := range fields {
		if e.Initial == nil {
			e.Initial = make(map[string]Field, len(fields))
		}
		e.Initial[name] = Field{Value: append(json.RawMessage(nil), value...), Stamp: stamp}
	}
	return true
}

func (e *entry) mergeFields(fields scene.Fields, stamp clock.OpID) bool {
	changed := false
	for _, name := range sortedKeys(fields) {
		cur, ok := e.Fields[name]
		if ok && !cur.Stamp.Less(stamp) {
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]Field)
		}
		e.Fields[name] = Field{Value: append(json.RawMessage(nil), fields[name]...), Stamp: stamp}
		if ini, ok := e.Initial[name]; !ok || ini.Stamp.Less(stamp) {
			changed = true
		}
	}
	return changed
}

// tombstone records the delete and forgets everything else. It returns
// false when the entry was already deleted.
func (e *entry) tombstone(stamp clock.OpID) bool {
	if e.Deleted != nil {
		if e.Deleted.Less(stamp) {
			id := stamp
			e.Deleted = &id
		}
		return false
	}
	id := stamp
	e.Deleted = &id
	e.Created = nil
	e.Initial = nil
	e.Fields = nil
	return true
}

func (e *entry) values() scene.Fields {
	if len(e.Fields) == 0 && len(e.Initial) == 0 {
		return nil
	}
	out := make(scene.Fields, len(e.Fields)+len(e.Initial))
	for k, f := range e.Initial {
		out[k] = append(json.RawMessage(nil), f.Value...)
	}
	for k, f := range e.Fields {
		if ini, ok := e.Initial[k]; ok && f.Stamp.Less(ini.Stamp) {
			continue
		}
		out[k] = append(json.RawMessage(nil), f.Value...)
	}
	return out
}

func cloneFields(fields map[string]Field) map[string]Field {
	if fields == nil {
		return nil
	}
	out := make(map[string]Field, len(fields))
	for k, f := range fields {
		out[k] = Field{Value: append(json.RawMessage(nil), f.Value...), Stamp: f.Stamp}
	}
	return out
}

func (e entry) clone() entry {
	out := entry{Initial: cloneFields(e.Initial), Fields: cloneFields(e.Fields)}
	if e.Created != nil {
		id := *e.Created
		out.Created = &id
	}
	if e.Deleted != nil {
		id := *e.Deleted
		out.Deleted = &id
	}
	return out
}

// NodeEntry is the replica record of a node, including ghosts and tombstones.
type NodeEntry struct {
	entry
	Type   Register `json:"type"`
	Parent Register `json:"parent"`
}

// LineEntry is the replica record of a line.
type LineEntry struct {
	entry
	Node Register `json:"node"`
	Key  Register `json:"key"`
}

// State is a full replica of one scene.
type State struct {
	Nodes   map[string]*NodeEntry
	Lines   map[string]*LineEntry
	applied map[clock.OpID]struct{}
}

// NewState returns an empty replica.
func NewState() *State {
	return &State{
		Nodes:   make(map[string]*NodeEntry),
		Lines:   make(map[string]*LineEntry),
		applied: make(map[clock.OpID]struct{}),
	}
}

// Has reports whether op id has been applied.
func (s *State) Has(id clock.OpID) bool {
	_, ok := s.applied[id]
	return ok
}

// AppliedCount returns the number of distinct operations applied.
func (s *State) AppliedCount() int {
	return len(s.applied)
}

// Applied returns every applied op id in total order.
func (s *State) Applied() []clock.OpID {
	ids := make([]clock.OpID, 0, len(s.applied))
	for id := range s.applied {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Missing returns the causal dependencies of a batch that are neither
// applied nor satisfied by an earlier operation of the same batch.
func (s *State) Missing(ops []scene.Operation) []clock.OpID {
	inBatch := make(map[clock.OpID]struct{}, len(ops))
	seen := make(map[clock.OpID]struct{})
	var missing []clock.OpID
	for _, op := range ops {
		for _, dep := range op.Deps {
			if _, ok := s.applied[dep]; ok {
				continue
			}
			if _, ok := inBatch[dep]; ok {
				continue
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			missing = append(missing, dep)
		}
		inBatch[op.ID] = struct{}{}
	}
	return missing
}

// Apply folds one stamped operation into the state. It never fails:
// validation happens before an operation is accepted.
func (s *State) Apply(op scene.Operation) Outcome {
	if _, dup := s.applied[op.ID]; dup {
		return NoOp
	}
	s.applied[op.ID] = struct{}{}

	switch op.Kind {
	case scene.KindInsertNode:
		p, _ := op.Payload.(scene.InsertNode)
		return s.insertNode(op.ID, op.Target, p)
	case scene.KindUpdateNode:
		p, _ := op.Payload.(scene.UpdateNode)
		n := s.node(op.Target)
		if n.Deleted != nil {
			return NoOp
		}
		return outcome(n.mergeFields(p.Fields, op.ID))
	case scene.KindDeleteNode:
		n := s.node(op.Target)
		if !n.tombstone(op.ID) {
			return NoOp
		}
		n.Type = Register{}
		n.Parent = Register{}
		return Applied
	case scene.KindInsertLine:
		p, _ := op.Payload.(scene.InsertLine)
		return s.insertLine(op.ID, op.Target, p)
	case scene.KindUpdateLine:
		p, _ := op.Payload.(scene.UpdateLine)
		l := s.line(op.Target)
		if l.Deleted != nil {
			return NoOp
		}
		return outcome(l.mergeFields(p.Fields, op.ID))
	case scene.KindDeleteLine:
		l := s.line(op.Target)
		if !l.tombstone(op.ID) {
			return NoOp
		}
		l.Node = Register{}
		l.Key = Register{}
		return Applied
	case scene.KindReorderLines:
		p, _ := op.Payload.(scene.ReorderLines)
		return s.reorder(op.ID, p)
	}
	return NoOp
}

// ApplyBatch applies ops in order and returns one outcome per op.
func (s *State) ApplyBatch(ops []scene.Operation) []Outcome {
	out := make([]Outcome, len(ops))
	for i, op := range ops {
		out[i] = s.Apply(op)
	}
	return out
}

func (s *State) insertNode(id clock.OpID, target string, p scene.InsertNode) Outcome {
	n := s.node(target)
	if n.Deleted != nil {
		return NoOp
	}
	if !n.created(p.Fields, id) {
		return Superseded
	}
	n.Type.set(p.Type, id)
	n.Parent.set(p.Parent, id)
	return Applied
}

func (s *State) insertLine(id clock.OpID, target string, p scene.InsertLine) Outcome {
	l := s.line(target)
	if l.Deleted != nil {
		return NoOp
	}
	if !l.created(p.Fields, id) {
		return Superseded
	}
	l.Node.set(p.NodeID, id)
	l.Key.set(p.Key, id)
	return Applied
}

func (s *State) reorder(id clock.OpID, p scene.ReorderLines) Outcome {
	changed := false
	live := false
	for _, pos := range p.Lines {
		l := s.line(pos.LineID)
		if l.Deleted != nil {
			continue
		}
		live = true
		if l.Key.set(pos.Key, id) {
			changed = true
		}
	}
	if !live {
		return NoOp
	}
	return outcome(changed)
}

func (s *State) node(id string) *NodeEntry {
	n, ok := s.Nodes[id]
	if !ok {
		n = &NodeEntry{}
		s.Nodes[id] = n
	}
	return n
}

func (s *State) line(id string) *LineEntry {
	l, ok := s.Lines[id]
	if !ok {
		l = &LineEntry{}
		s.Lines[id] = l
	}
	return l
}

func outcome(changed bool) Outcome {
	if changed {
		return Applied
	}
	return Superseded
}

// Snapshot materializes the live view: nodes that were inserted and not
// deleted and whose parent chain is visible, and their live lines sorted
// by order key, ties broken by the id of the winning insert.
func (s *State) Snapshot() scene.Snapshot {
	snap := scene.Empty()
	visible := s.visibleNodes()
	for id, n := range s.Nodes {
		if !visible[id] {
			continue
		}
		snap.Nodes[id] = scene.Node{
			ID:     id,
			Type:   n.Type.Value,
			Parent: n.Parent.Value,
			Fields: n.values(),
		}
	}

	created := make(map[string]clock.OpID)
	for id, l := range s.Lines {
		if !l.live() {
			continue
		}
		if _, ok := snap.Nodes[l.Node.Value]; !ok {
			continue
		}
		snap.Lines[l.Node.Value] = append(snap.Lines[l.Node.Value], scene.Line{
			ID:     id,
			NodeID: l.Node.Value,
			Key:    l.Key.Value,
			Fields: l.values(),
		})
		created[id] = *l.Created
	}
	for _, lines := range snap.Lines {
		sort.Slice(lines, func(i, j int) bool {
			if lines[i].Key != lines[j].Key {
				return lines[i].Key < lines[j].Key
			}
			return created[lines[i].ID].Less(created[lines[j].ID])
		})
	}
	return snap
}

// visibleNodes reports, for every node entry, whether it is live and
// either has no parent or has a visible parent. A node whose parent is
// deleted, not yet inserted or part of a cycle is hidden along with its
// subtree.
func (s *State) visibleNodes() map[string]bool {
	const (
		unknown = iota
		visiting
		shown
		hidden
	)
	mark := make(map[string]int, len(s.Nodes))
	var walk func(id string) bool
	walk = func(id string) bool {
		switch mark[id] {
		case shown:
			return true
		case hidden, visiting:
			return false
		}
		n, ok := s.Nodes[id]
		if !ok || !n.live() {
			mark[id] = hidden
			return false
		}
		mark[id] = visiting
		ok = n.Parent.Value == "" || walk(n.Parent.Value)
		if ok {
			mark[id] = shown
		} else {
			mark[id] = hidden
		}
		return ok
	}

	out := make(map[string]bool, len(s.Nodes))
	for id := range s.Nodes {
		out[id] = walk(id)
	}
	return out
}

// OrderedLines returns the live lines attached to nodeID in display order,
// whether or not the node itself is live. It is what positions given
// relative to neighbouring lines are resolved against.
func (s *State) OrderedLines(nodeID string) []scene.Line {
	var lines []scene.Line
	for id, l := range s.Lines {
		if l.live() && l.Node.Value == nodeID {
			lines = append(lines, scene.Line{ID: id, NodeID: nodeID, Key: l.Key.Value})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Key != lines[j].Key {
			return lines[i].Key < lines[j].Key
		}
		return s.Lines[lines[i].ID].Created.Less(*s.Lines[lines[j].ID].Created)
	})
	return lines
}

// Clone returns a deep copy, used to hand a point-in-time state to the
// persistence layer.
func (s *State) Clone() *State {
	out := NewState()
	for id, n := range s.Nodes {
		out.Nodes[id] = &NodeEntry{entry: n.entry.clone(), Type: n.Type, Parent: n.Parent}
	}
	for id, l := range s.Lines {
		out.Lines[id] = &LineEntry{entry: l.entry.clone(), Node: l.Node, Key: l.Key}
	}
	for id := range s.applied {
		out.applied[id] = struct{}{}
	}
	return out
}

type wireState struct {
	Nodes   map[string]*NodeEntry `json:"nodes"`
	Lines   map[string]*LineEntry `json:"lines"`
	Applied []clock.OpID          `json:"applied"`
}

func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireState{Nodes: s.Nodes, Lines: s.Lines, Applied: s.Applied()})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = *NewState()
	for id, n := range w.Nodes {
		s.Nodes[id] = n
	}
	for id, l := range w.Lines {
		s.Lines[id] = l
	}
	for _, id := range w.Applied {
		s.applied[id] = struct{}{}
	}
	return nil
}

func sortedKeys(fields scene.Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
