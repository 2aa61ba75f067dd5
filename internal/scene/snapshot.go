package scene

// Node is a live scene-graph node as seen by clients.
type Node struct {
	ID     string `json:"id"`
	Type   string `json:"type,omitempty"`
	Parent string `json:"parent,omitempty"`
	Fields Fields `json:"fields,omitempty"`
}

// Line is a live, ordered line belonging to a node.
type Line struct {
	ID     string `json:"id"`
	NodeID string `json:"node_id"`
	Key    string `json:"key"`
	Fields Fields `json:"fields,omitempty"`
}

// Snapshot is the materialized view of a scene: live nodes and, per node,
// its live lines in order. It is derived from the replica state and never
// edited directly.
type Snapshot struct {
	Nodes map[string]Node   `json:"nodes"`
	Lines map[string][]Line `json:"lines"`
}

// Empty returns a snapshot with no nodes.
func Empty() Snapshot {
	return Snapshot{
		Nodes: make(map[string]Node),
		Lines: make(map[string][]Line),
	}
}

// LineIDs returns the ordered line ids of a node.
func (s Snapshot) LineIDs(nodeID string) []string {
	lines := s.Lines[nodeID]
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
	}
	return ids
}
