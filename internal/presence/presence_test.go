package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/scene"
)

func TestRoster_JoinLeaveSessions(t *testing.T) {
	r := NewRoster()
	now := time.Now()

	e, first := r.Join("alice", "Alice", now)
	assert.True(t, first)
	assert.Equal(t, 1, e.Sessions)

	e, first = r.Join("alice", "", now.Add(time.Second))
	assert.False(t, first)
	assert.Equal(t, 2, e.Sessions)
	assert.Equal(t, "Alice", e.DisplayName)

	_, gone := r.Leave("alice")
	assert.False(t, gone)
	assert.True(t, r.Has("alice"))

	_, gone = r.Leave("alice")
	assert.True(t, gone)
	assert.False(t, r.Has("alice"))

	_, gone = r.Leave("nobody")
	assert.False(t, gone)
}

func TestRoster_ListOrder(t *testing.T) {
	r := NewRoster()
	now := time.Now()
	r.Join("carol", "", now.Add(2*time.Second))
	r.Join("bob", "", now)
	r.Join("alice", "", now)

	var ids []string
	for _, e := range r.List() {
		ids = append(ids, e.ParticipantID)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, ids)
}

func TestRoster_Expire(t *testing.T) {
	r := NewRoster()
	start := time.Now()
	r.Join("alice", "", start)
	r.Join("bob", "", start)

	assert.True(t, r.Touch("bob", start.Add(50*time.Second)))
	assert.False(t, r.Touch("ghost", start))

	gone := r.Expire(start.Add(61*time.Second), time.Minute)
	require.Len(t, gone, 1)
	assert.Equal(t, "alice", gone[0].ParticipantID)
	assert.Equal(t, 1, r.Len())
}

func TestLockTable_GrantAndQueue(t *testing.T) {
	lt := NewLockTable("s1")
	now := time.Now()

	g := lt.Acquire("n1", "A", now)
	assert.True(t, g.Granted)

	g = lt.Acquire("n1", "A", now)
	assert.True(t, g.Granted, "holder asking again")

	g = lt.Acquire("n1", "B", now)
	assert.False(t, g.Granted)
	assert.Equal(t, 1, g.Position)
	assert.Equal(t, "A", g.Holder)

	g = lt.Acquire("n1", "C", now)
	assert.Equal(t, 2, g.Position)
	g = lt.Acquire("n1", "B", now)
	assert.Equal(t, 1, g.Position, "re-request keeps place")

	tr, err := lt.Release("n1", "A", now)
	require.NoError(t, err)
	assert.Equal(t, Transfer{Target: "n1", Previous: "A", Next: "B"}, tr)

	holder, ok := holderOf(lt, "n1")
	require.True(t, ok)
	assert.Equal(t, "B", holder)
}

func TestLockTable_ReleaseByNonHolder(t *testing.T) {
	lt := NewLockTable("s1")
	now := time.Now()
	lt.Acquire("n1", "A", now)
	lt.Acquire("n1", "B", now)

	_, err := lt.Release("n1", "B", now)
	require.Error(t, err)
	assert.True(t, scene.IsNotLockHolder(err))

	_, err = lt.Release("missing", "A", now)
	assert.True(t, scene.IsNotLockHolder(err))

	holder, _ := holderOf(lt, "n1")
	assert.Equal(t, "A", holder, "failed release changes nothing")
}

func TestLockTable_Fairness(t *testing.T) {
	lt := NewLockTable("s1")
	now := time.Now()

	const n = 8
	for i := 1; i <= n; i++ {
		lt.Acquire("n1", fmt.Sprintf("p%d", i), now)
	}

	var granted []string
	for i := 1; i <= n; i++ {
		holder, ok := holderOf(lt, "n1")
		require.True(t, ok)
		granted = append(granted, holder)
		_, err := lt.Release("n1", holder, now)
		require.NoError(t, err)
	}

	for i := 1; i <= n; i++ {
		assert.Equal(t, fmt.Sprintf("p%d", i), granted[i-1])
	}
	assert.Zero(t, lt.Len(), "lock is destroyed once holder and queue are empty")
}

func TestLockTable_ReleaseAll(t *testing.T) {
	lt := NewLockTable("s1")
	now := time.Now()
	lt.Acquire("a", "X", now)
	lt.Acquire("b", "X", now)
	lt.Acquire("b", "Y", now)
	lt.Acquire("c", "Y", now)
	lt.Acquire("c", "X", now)
	lt.Acquire("c", "Z", now)

	transfers := lt.ReleaseAll("X", now)
	assert.Equal(t, []Transfer{
		{Target: "a", Previous: "X"},
		{Target: "b", Previous: "X", Next: "Y"},
	}, transfers)

	locks := lt.List()
	require.Len(t, locks, 2)
	assert.Equal(t, "c", locks[1].Target)
	assert.Equal(t, []string{"Z"}, locks[1].Queue)
}

// holderOf returns the current holder of target via LockTable.Get.
func holderOf(lt *LockTable, target string) (string, bool) {
	l, ok := lt.Get(target)
	return l.Holder, ok
}
