package crdt

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

func id(n int64, p string) clock.OpID {
	return clock.OpID{Counter: n, Participant: p}
}

func fields(kv ...string) scene.Fields {
	f := scene.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[kv[i]] = json.RawMessage(kv[i+1])
	}
	return f
}

func insertNode(stamp clock.OpID, target, typ string, f scene.Fields) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindInsertNode, Target: target,
		Payload: scene.InsertNode{Type: typ, Fields: f}}
}

func updateNode(stamp clock.OpID, target string, f scene.Fields) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindUpdateNode, Target: target,
		Payload: scene.UpdateNode{Fields: f}}
}

func deleteNode(stamp clock.OpID, target string) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindDeleteNode, Target: target}
}

func insertLine(stamp clock.OpID, target, node, key string, f scene.Fields) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindInsertLine, Target: target,
		Payload: scene.InsertLine{NodeID: node, Key: key, Fields: f}}
}

func deleteLine(stamp clock.OpID, target string) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindDeleteLine, Target: target}
}

func reorder(stamp clock.OpID, node string, pos ...scene.LinePosition) scene.Operation {
	return scene.Operation{ID: stamp, Kind: scene.KindReorderLines, Target: node,
		Payload: scene.ReorderLines{Lines: pos}}
}

func encode(t *testing.T, s *State) string {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return string(data)
}

func TestApply_SnapshotGolden(t *testing.T) {
	s := NewState()
	s.ApplyBatch([]scene.Operation{
		insertNode(id(1, "a"), "n1", "shape", fields("color", `"red"`)),
		insertLine(id(2, "a"), "l1", "n1", "V", fields("text", `"one"`)),
		insertLine(id(3, "a"), "l2", "n1", "G", nil),
		insertNode(id(1, "b"), "n2", "group", nil),
		updateNode(id(4, "a"), "n1", fields("color", `"blue"`)),
		deleteNode(id(2, "b"), "n2"),
	})

	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "snapshot", append(data, '\n'))
}

func TestApply_ConcurrentInsertSameTarget(t *testing.T) {
	a := insertNode(id(1, "A"), "n1", "shape", fields("name", `"from A"`))
	b := insertNode(id(1, "B"), "n1", "shape", fields("name", `"from B"`))

	s1 := NewState()
	assert.Equal(t, Applied, s1.Apply(a))
	assert.Equal(t, Applied, s1.Apply(b))

	s2 := NewState()
	assert.Equal(t, Applied, s2.Apply(b))
	assert.Equal(t, Superseded, s2.Apply(a))

	assert.Equal(t, s1.Snapshot(), s2.Snapshot())
	assert.Equal(t, `"from B"`, string(s1.Snapshot().Nodes["n1"].Fields["name"]))
}

func TestApply_WinningInsertDefinesTheRecord(t *testing.T) {
	a := insertNode(id(1, "A"), "n1", "shape", fields("color", `"red"`, "size", "1"))
	b := insertNode(id(1, "B"), "n1", "shape", fields("color", `"blue"`))

	s1 := NewState()
	s1.Apply(a)
	s1.Apply(b)

	s2 := NewState()
	s2.Apply(b)
	assert.Equal(t, Superseded, s2.Apply(a))

	want := scene.Fields{"color": json.RawMessage(`"blue"`)}
	assert.Equal(t, want, s1.Snapshot().Nodes["n1"].Fields, "the losing insert leaves no field behind")
	assert.Equal(t, want, s2.Snapshot().Nodes["n1"].Fields)

	la := insertLine(id(1, "A"), "l1", "n1", "V", fields("text", `"a"`, "bold", "true"))
	lb := insertLine(id(1, "B"), "l1", "n1", "V", fields("text", `"b"`))
	s1.Apply(la)
	s1.Apply(lb)
	s2.Apply(lb)
	s2.Apply(la)
	wantLine := scene.Fields{"text": json.RawMessage(`"b"`)}
	assert.Equal(t, wantLine, s1.Snapshot().Lines["n1"][0].Fields)
	assert.Equal(t, wantLine, s2.Snapshot().Lines["n1"][0].Fields)
}

func TestApply_UpdateSurvivesLaterWinningInsert(t *testing.T) {
	update := updateNode(id(2, "A"), "n1", fields("size", "3"))
	overwrite := insertNode(id(3, "C"), "n1", "shape", fields("size", "9"))
	winner := insertNode(id(4, "D"), "n1", "shape", nil)

	orders := [][]scene.Operation{
		{update, overwrite, winner},
		{winner, update, overwrite},
		{overwrite, winner, update},
		{winner, overwrite, update},
	}
	for _, ops := range orders {
		s := NewState()
		s.ApplyBatch(ops)
		assert.Equal(t, scene.Fields{"size": json.RawMessage("3")}, s.Snapshot().Nodes["n1"].Fields)
	}

	s := NewState()
	s.Apply(overwrite)
	assert.Equal(t, Superseded, s.Apply(update), "the insert holds a newer size")
	assert.Equal(t, "9", string(s.Snapshot().Nodes["n1"].Fields["size"]))
}

func TestApply_Idempotent(t *testing.T) {
	s := NewState()
	op := insertNode(id(1, "a"), "n1", "shape", nil)

	assert.Equal(t, Applied, s.Apply(op))
	before := encode(t, s)

	assert.Equal(t, NoOp, s.Apply(op))
	assert.Equal(t, before, encode(t, s))
	assert.Equal(t, 1, s.AppliedCount())
}

func TestApply_TombstoneWins(t *testing.T) {
	s := NewState()
	require.Equal(t, Applied, s.Apply(insertNode(id(1, "a"), "n1", "shape", nil)))
	require.Equal(t, Applied, s.Apply(deleteNode(id(2, "a"), "n1")))

	assert.Equal(t, NoOp, s.Apply(updateNode(id(9, "b"), "n1", fields("x", "1"))))
	assert.Equal(t, NoOp, s.Apply(insertNode(id(10, "b"), "n1", "shape", nil)))
	assert.Equal(t, NoOp, s.Apply(deleteNode(id(11, "b"), "n1")))
	assert.NotContains(t, s.Snapshot().Nodes, "n1")

	// The delete arriving before its insert converges to the same state.
	r := NewState()
	r.Apply(deleteNode(id(2, "a"), "n1"))
	r.Apply(insertNode(id(1, "a"), "n1", "shape", nil))
	r.Apply(updateNode(id(9, "b"), "n1", fields("x", "1")))
	r.Apply(deleteNode(id(11, "b"), "n1"))
	r.Apply(insertNode(id(10, "b"), "n1", "shape", nil))
	assert.Equal(t, encode(t, s), encode(t, r))
}

func TestApply_UpdateBeforeInsertStaysHidden(t *testing.T) {
	s := NewState()
	assert.Equal(t, Applied, s.Apply(updateNode(id(5, "b"), "n1", fields("color", `"green"`))))
	assert.Empty(t, s.Snapshot().Nodes)

	assert.Equal(t, Applied, s.Apply(insertNode(id(3, "a"), "n1", "shape", fields("color", `"red"`))))
	node := s.Snapshot().Nodes["n1"]
	assert.Equal(t, `"green"`, string(node.Fields["color"]))
}

func TestApply_FieldLevelMerge(t *testing.T) {
	s := NewState()
	s.Apply(insertNode(id(1, "a"), "n1", "shape", fields("x", "0", "y", "0")))
	s.Apply(updateNode(id(3, "a"), "n1", fields("x", "10")))
	assert.Equal(t, Superseded, s.Apply(updateNode(id(2, "b"), "n1", fields("x", "20"))))
	assert.Equal(t, Applied, s.Apply(updateNode(id(2, "c"), "n1", fields("x", "30", "y", "5"))))

	got := s.Snapshot().Nodes["n1"].Fields
	assert.Equal(t, "10", string(got["x"]))
	assert.Equal(t, "5", string(got["y"]))
}

func TestApply_LineOrdering(t *testing.T) {
	s := NewState()
	s.ApplyBatch([]scene.Operation{
		insertNode(id(1, "a"), "n1", "text", nil),
		insertLine(id(2, "a"), "l1", "n1", "V", nil),
		insertLine(id(2, "b"), "l2", "n1", "V", nil),
		insertLine(id(3, "a"), "l3", "n1", "G", nil),
	})
	assert.Equal(t, []string{"l3", "l1", "l2"}, s.Snapshot().LineIDs("n1"))

	assert.Equal(t, Applied, s.Apply(reorder(id(4, "a"), "n1",
		scene.LinePosition{LineID: "l2", Key: "1"},
		scene.LinePosition{LineID: "l3", Key: "z"},
	)))
	assert.Equal(t, []string{"l2", "l1", "l3"}, s.Snapshot().LineIDs("n1"))

	assert.Equal(t, Applied, s.Apply(deleteLine(id(5, "b"), "l1")))
	assert.Equal(t, NoOp, s.Apply(reorder(id(6, "a"), "n1", scene.LinePosition{LineID: "l1", Key: "0V"})))
	assert.Equal(t, []string{"l2", "l3"}, s.Snapshot().LineIDs("n1"))
}

func TestApply_LinesOfDeletedNodeAreHidden(t *testing.T) {
	s := NewState()
	s.Apply(insertLine(id(2, "a"), "l1", "n1", "V", nil))
	assert.Empty(t, s.Snapshot().Lines, "line whose node is unknown")

	s.Apply(insertNode(id(1, "a"), "n1", "text", nil))
	assert.Equal(t, []string{"l1"}, s.Snapshot().LineIDs("n1"))

	s.Apply(deleteNode(id(3, "b"), "n1"))
	assert.Empty(t, s.Snapshot().Lines)
}

func TestApply_ChildrenOfDeletedNodeAreHidden(t *testing.T) {
	child := insertNode(id(2, "a"), "child", "shape", nil)
	child.Payload = scene.InsertNode{Type: "shape", Parent: "group"}
	grandchild := insertNode(id(3, "a"), "leaf", "text", nil)
	grandchild.Payload = scene.InsertNode{Type: "text", Parent: "child"}

	s := NewState()
	s.ApplyBatch([]scene.Operation{
		insertNode(id(1, "a"), "group", "group", nil),
		child,
		grandchild,
		insertLine(id(4, "a"), "l1", "leaf", "V", nil),
	})
	snap := s.Snapshot()
	assert.Len(t, snap.Nodes, 3)
	assert.Equal(t, "group", snap.Nodes["child"].Parent)
	assert.Equal(t, []string{"l1"}, snap.LineIDs("leaf"))

	s.Apply(deleteNode(id(5, "b"), "group"))
	snap = s.Snapshot()
	assert.Empty(t, snap.Nodes, "the subtree goes with its root")
	assert.Empty(t, snap.Lines)

	orphan := NewState()
	orphan.Apply(grandchild)
	assert.Empty(t, orphan.Snapshot().Nodes, "parent not inserted yet")
	orphan.Apply(child)
	orphan.Apply(insertNode(id(1, "a"), "group", "group", nil))
	assert.Len(t, orphan.Snapshot().Nodes, 3)

	loop := NewState()
	a := insertNode(id(1, "a"), "x", "shape", nil)
	a.Payload = scene.InsertNode{Type: "shape", Parent: "y"}
	b := insertNode(id(1, "b"), "y", "shape", nil)
	b.Payload = scene.InsertNode{Type: "shape", Parent: "x"}
	loop.ApplyBatch([]scene.Operation{a, b})
	assert.Empty(t, loop.Snapshot().Nodes, "a parent cycle has no visible root")
}

func TestApply_Convergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := randomOps(rng, 200)

	ref := NewState()
	ref.ApplyBatch(ops)
	want := encode(t, ref)

	for i := 0; i < 25; i++ {
		shuffled := append([]scene.Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		s := NewState()
		s.ApplyBatch(shuffled)
		// Redelivery changes nothing.
		s.ApplyBatch(shuffled[:len(shuffled)/2])

		require.Equal(t, want, encode(t, s), "permutation %d", i)
		require.Equal(t, ref.Snapshot(), s.Snapshot(), "permutation %d", i)
	}
}

func randomOps(rng *rand.Rand, n int) []scene.Operation {
	participants := []string{"a", "b", "c"}
	counters := map[string]int64{}
	keys := []string{"G", "V", "l", "VV", "0V"}
	var ops []scene.Operation

	for i := 0; i < n; i++ {
		p := participants[rng.Intn(len(participants))]
		counters[p]++
		stamp := id(counters[p], p)
		node := fmt.Sprintf("n%d", rng.Intn(3))
		line := fmt.Sprintf("l%d", rng.Intn(5))
		val := fmt.Sprintf("%d", rng.Intn(100))

		switch rng.Intn(7) {
		case 0:
			ops = append(ops, insertNode(stamp, node, "shape", fields("v", val)))
		case 1:
			ops = append(ops, updateNode(stamp, node, fields("v", val, "w", val)))
		case 2:
			ops = append(ops, deleteNode(stamp, node))
		case 3:
			ops = append(ops, insertLine(stamp, line, node, keys[rng.Intn(len(keys))], fields("t", val)))
		case 4:
			ops = append(ops, scene.Operation{ID: stamp, Kind: scene.KindUpdateLine, Target: line,
				Payload: scene.UpdateLine{Fields: fields("t", val)}})
		case 5:
			ops = append(ops, deleteLine(stamp, line))
		case 6:
			ops = append(ops, reorder(stamp, node, scene.LinePosition{LineID: line, Key: keys[rng.Intn(len(keys))]}))
		}
	}
	return ops
}

func TestState_JSONRoundTrip(t *testing.T) {
	s := NewState()
	s.ApplyBatch(randomOps(rand.New(rand.NewSource(3)), 60))

	var back State
	require.NoError(t, json.Unmarshal([]byte(encode(t, s)), &back))
	assert.Equal(t, encode(t, s), encode(t, &back))
	assert.Equal(t, s.Snapshot(), back.Snapshot())
	assert.Equal(t, s.Applied(), back.Applied())
}

func TestState_CloneIsIndependent(t *testing.T) {
	s := NewState()
	s.Apply(insertNode(id(1, "a"), "n1", "shape", fields("x", "1")))
	c := s.Clone()

	s.Apply(updateNode(id(2, "a"), "n1", fields("x", "2")))
	assert.Equal(t, "1", string(c.Snapshot().Nodes["n1"].Fields["x"]))
	assert.False(t, c.Has(id(2, "a")))
}

func TestMissing(t *testing.T) {
	s := NewState()
	s.Apply(insertNode(id(1, "a"), "n1", "shape", nil))

	batch := []scene.Operation{
		{ID: id(2, "a"), Kind: scene.KindUpdateNode, Target: "n1", Deps: []clock.OpID{id(1, "a")}},
		{ID: id(3, "a"), Kind: scene.KindUpdateNode, Target: "n1", Deps: []clock.OpID{id(2, "a"), id(7, "b"), id(7, "b")}},
	}
	assert.Equal(t, []clock.OpID{id(7, "b")}, s.Missing(batch))
}

func TestBuffer_ReleaseChains(t *testing.T) {
	s := NewState()
	var buf Buffer[string]
	now := time.Now()

	second := []scene.Operation{updateNode(id(3, "b"), "n1", fields("x", "2"))}
	second[0].Deps = []clock.OpID{id(2, "a")}
	first := []scene.Operation{updateNode(id(2, "a"), "n1", fields("x", "1"))}
	first[0].Deps = []clock.OpID{id(1, "a")}

	buf.Add(Pending[string]{Ops: second, Meta: "second", Received: now})
	buf.Add(Pending[string]{Ops: first, Meta: "first", Received: now})

	var order []string
	apply := func(p Pending[string]) {
		s.ApplyBatch(p.Ops)
		order = append(order, p.Meta)
	}

	assert.Equal(t, 0, buf.Release(s, apply))
	assert.ElementsMatch(t, []clock.OpID{id(2, "a"), id(1, "a")}, buf.Waiting(s))

	s.Apply(insertNode(id(1, "a"), "n1", "shape", nil))
	assert.Equal(t, 2, buf.Release(s, apply))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Zero(t, buf.Len())
}

func TestBuffer_Expire(t *testing.T) {
	var buf Buffer[int]
	now := time.Now()
	buf.Add(Pending[int]{Meta: 1, Received: now.Add(-time.Minute)})
	buf.Add(Pending[int]{Meta: 2, Received: now})

	expired := buf.Expire(now, 30*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].Meta)
	assert.Equal(t, 1, buf.Len())
}

func TestReplay_MatchesLiveState(t *testing.T) {
	ops := randomOps(rand.New(rand.NewSource(11)), 90)
	live := NewState()
	var batches []oplog.Batch
	for i := 0; i < len(ops); i += 10 {
		live.ApplyBatch(ops[i : i+10])
		batches = append(batches, oplog.Batch{Version: int64(i/10 + 1), Operations: ops[i : i+10]})
	}

	checkpoint, _ := Replay(nil, batches[:4])
	// Batches already folded into the checkpoint are harmless to replay.
	got, last := Replay(checkpoint, batches[2:])

	assert.Equal(t, encode(t, live), encode(t, got))
	for _, op := range ops[20:] {
		assert.False(t, last.Less(op.ID))
	}
	assert.Equal(t, 40, len(checkpoint.Applied()), "base is not modified")
}
