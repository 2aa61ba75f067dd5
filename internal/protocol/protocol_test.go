package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

func TestDecodeSubmit(t *testing.T) {
	frame := []byte(`{"type":"ops.submit","request_id":"r1","data":{"operations":[
		{"kind":"insert_node","target_id":"n1","payload":{"type":"shape"}},
		{"kind":"delete_node","target_id":"n2"}
	]}}`)

	m, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeSubmit, m.Type)
	assert.Equal(t, "r1", m.RequestID)

	var s Submit
	require.NoError(t, m.Bind(&s))
	require.Len(t, s.Operations, 2)
	assert.Equal(t, scene.InsertNode{Type: "shape"}, s.Operations[0].Payload)
	assert.Equal(t, scene.DeleteNode{}, s.Operations[1].Payload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)

	m, err := Decode([]byte(`{"type":"lock.acquire"}`))
	require.NoError(t, err)
	assert.Error(t, m.Bind(&LockRequest{}))
}

func TestEncode(t *testing.T) {
	b, err := Encode(TypeLockQueued, "r9", "s1", LockQueued{Target: "n1", Holder: "A", Position: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"lock.queued","request_id":"r9","scene_id":"s1",
		"data":{"target_id":"n1","holder":"A","position":1}}`, string(b))

	b = MustEncode(TypeHeartbeat, "", "", nil)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(b))
}

func TestErrorPayloads(t *testing.T) {
	r := RejectedFrom(scene.DependencyTimeout("s1", []clock.OpID{{Counter: 2, Participant: "a"}}))
	assert.False(t, r.Applied)
	assert.Equal(t, scene.CodeDependencyTimeout, r.Code)

	r = RejectedFrom(errors.New("boom"))
	assert.Equal(t, scene.CodeInvalidOperation, r.Code)

	e := ErrorFrom(scene.UnknownDocument("s2"))
	assert.Equal(t, "UNKNOWN_DOCUMENT", e.Code)
	assert.Equal(t, "INTERNAL", ErrorFrom(errors.New("x")).Code)
}
