// Package protocol defines the JSON messages exchanged over a scene's live
// channel.
//
// Every frame is a Message envelope; Data holds the payload for Type.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/oplog"
	"github.com/manpreetbhatti/scenesync/internal/presence"
	"github.com/manpreetbhatti/scenesync/internal/scene"
)

// Client to server.
const (
	TypeSubmit       = "ops.submit"
	TypeLockAcquire  = "lock.acquire"
	TypeLockRelease  = "lock.release"
	TypeHistoryFetch = "history.fetch"
	TypeHeartbeat    = "heartbeat"
)

// Server to client.
const (
	TypeJoined         = "room.joined"
	TypeAck            = "ops.ack"
	TypeApplied        = "ops.applied"
	TypeBuffered       = "ops.buffered"
	TypeRejected       = "ops.rejected"
	TypePresenceJoined = "presence.joined"
	TypePresenceLeft   = "presence.left"
	TypeLockGranted    = "lock.granted"
	TypeLockQueued     = "lock.queued"
	TypeLockReleased   = "lock.released"
	TypeLockChanged    = "lock.changed"
	TypeHistory        = "history"
	TypeError          = "error"
)

type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	SceneID   string          `json:"scene_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode parses a client frame.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return m, nil
}

// Encode builds a frame. data may be nil.
func Encode(typ, requestID, sceneID string, data any) ([]byte, error) {
	m := Message{Type: typ, RequestID: requestID, SceneID: sceneID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		m.Data = raw
	}
	return json.Marshal(m)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(typ, requestID, sceneID string, data any) []byte {
	b, err := Encode(typ, requestID, sceneID, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Bind decodes m.Data into v.
func (m Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: missing data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%s: %w", m.Type, err)
	}
	return nil
}

type Submit struct {
	Operations []scene.Operation `json:"operations"`
}

type LockRequest struct {
	Target string `json:"target_id"`
}

type HistoryFetch struct {
	Since int64 `json:"since"`
}

// Joined is the first message of every session.
type Joined struct {
	SessionID   string           `json:"session_id"`
	Participant presence.Entry   `json:"participant"`
	Snapshot    scene.Snapshot   `json:"snapshot"`
	Presence    []presence.Entry `json:"presence"`
	Locks       []presence.Lock  `json:"locks"`
	Version     int64            `json:"version"`
}

// Applied is sent for a committed batch: as ops.ack to the submitter and
// as ops.applied to everyone else.
type Applied struct {
	Version    int64             `json:"version"`
	Operations []scene.Operation `json:"operations"`
	Applied    bool              `json:"applied"`
	Outcomes   []string          `json:"outcomes,omitempty"`
	Author     string            `json:"author,omitempty"`
}

type Buffered struct {
	Missing []clock.OpID `json:"missing"`
}

type Rejected struct {
	Applied bool       `json:"applied"`
	Reason  string     `json:"reason"`
	Code    scene.Code `json:"code"`
}

type PresenceChange struct {
	Participant presence.Entry `json:"participant"`
	Reason      string         `json:"reason,omitempty"`
}

type LockGranted struct {
	Target string `json:"target_id"`
	Holder string `json:"holder"`
}

type LockQueued struct {
	Target   string `json:"target_id"`
	Holder   string `json:"holder"`
	Position int    `json:"position"`
}

type LockReleased struct {
	Target     string `json:"target_id"`
	NextHolder string `json:"next_holder,omitempty"`
}

type LockChanged struct {
	Target string   `json:"target_id"`
	Holder string   `json:"holder,omitempty"`
	Queue  []string `json:"queue"`
}

type History struct {
	Since   int64         `json:"since"`
	Version int64         `json:"version"`
	Batches []oplog.Batch `json:"batches"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrom maps err onto an error payload, keeping the domain code when
// there is one.
func ErrorFrom(err error) Error {
	code := string(scene.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	return Error{Code: code, Message: err.Error()}
}

// RejectedFrom is the ops.rejected payload for err.
func RejectedFrom(err error) Rejected {
	code := scene.CodeOf(err)
	if code == "" {
		code = scene.CodeInvalidOperation
	}
	return Rejected{Applied: false, Reason: err.Error(), Code: code}
}
