package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	session     string
	participant string
	capacity    int
	got         [][]byte
	closed      bool
}

func (f *fakeMember) SessionID() string   { return f.session }
func (f *fakeMember) Participant() string { return f.participant }
func (f *fakeMember) Close()              { f.closed = true }

func (f *fakeMember) Deliver(msg []byte) bool {
	if len(f.got) >= f.capacity {
		return false
	}
	f.got = append(f.got, msg)
	return true
}

func TestGroup_BroadcastSkipsOrigin(t *testing.T) {
	g := NewGroup()
	a := &fakeMember{session: "s1", participant: "alice", capacity: 10}
	b := &fakeMember{session: "s2", participant: "bob", capacity: 10}
	g.Add(a)
	g.Add(b)

	dropped := g.Broadcast([]byte("x"), "s1")
	assert.Empty(t, dropped)
	assert.Empty(t, a.got)
	assert.Equal(t, [][]byte{[]byte("x")}, b.got)

	g.Broadcast([]byte("y"), "")
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 2)
}

func TestGroup_SlowMemberIsDropped(t *testing.T) {
	g := NewGroup()
	slow := &fakeMember{session: "s1", participant: "alice", capacity: 1}
	fast := &fakeMember{session: "s2", participant: "bob", capacity: 10}
	g.Add(slow)
	g.Add(fast)

	g.Broadcast([]byte("1"), "")
	dropped := g.Broadcast([]byte("2"), "")

	require.Len(t, dropped, 1)
	assert.Same(t, slow, dropped[0])
	assert.False(t, g.Has("s1"))
	assert.Len(t, fast.got, 2, "others keep receiving")
}

func TestGroup_SendTo(t *testing.T) {
	g := NewGroup()
	a1 := &fakeMember{session: "s1", participant: "alice", capacity: 10}
	a2 := &fakeMember{session: "s3", participant: "alice", capacity: 10}
	b := &fakeMember{session: "s2", participant: "bob", capacity: 10}
	g.Add(a1)
	g.Add(a2)
	g.Add(b)

	g.SendTo("alice", []byte("hi"))
	assert.Len(t, a1.got, 1)
	assert.Len(t, a2.got, 1)
	assert.Empty(t, b.got)

	g.Send("s2", []byte("only bob"))
	assert.Len(t, b.got, 1)

	assert.Len(t, g.Sessions("alice"), 2)
	assert.True(t, g.Remove("s3"))
	assert.False(t, g.Remove("s3"))
	assert.Equal(t, 2, g.Len())
}
