package scene

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/manpreetbhatti/scenesync/internal/clock"
	"github.com/manpreetbhatti/scenesync/internal/orderkey"
)

// Kind names the mutation an Operation performs.
type Kind string

const (
	KindInsertNode   Kind = "insert_node"
	KindUpdateNode   Kind = "update_node"
	KindDeleteNode   Kind = "delete_node"
	KindInsertLine   Kind = "insert_line"
	KindUpdateLine   Kind = "update_line"
	KindDeleteLine   Kind = "delete_line"
	KindReorderLines Kind = "reorder_lines"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInsertNode, KindUpdateNode, KindDeleteNode,
		KindInsertLine, KindUpdateLine, KindDeleteLine, KindReorderLines:
		return true
	}
	return false
}

// IsInsert reports whether k creates a record.
func (k Kind) IsInsert() bool {
	return k == KindInsertNode || k == KindInsertLine
}

// Fields holds the scalar attributes of a node or line. Values are raw
// JSON, compacted on decode so that replayed operations compare equal to
// the live ones byte for byte.
type Fields map[string]json.RawMessage

func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*f = nil
		return nil
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = json.RawMessage(buf.Bytes())
	}
	*f = out
	return nil
}

// Clone returns a copy that shares no backing arrays with f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (f Fields) validate() error {
	for k, v := range f {
		if k == "" {
			return Invalid("field names must not be empty")
		}
		if !json.Valid(v) {
			return Invalid("field %q is not valid JSON", k)
		}
	}
	return nil
}

// Payload is the kind-specific body of an Operation. The set of payloads
// is closed: only the types in this file implement it.
type Payload interface {
	payloadKind() Kind
}

type InsertNode struct {
	Type   string `json:"type,omitempty"`
	Parent string `json:"parent,omitempty"`
	Fields Fields `json:"fields,omitempty"`
}

type UpdateNode struct {
	Fields Fields `json:"fields"`
}

type DeleteNode struct{}

// InsertLine adds a line to a node. Position is given either by Key or by
// the neighbouring lines After/Before, which the document resolves into a
// Key before the operation is logged.
type InsertLine struct {
	NodeID string `json:"node_id"`
	Key    string `json:"key,omitempty"`
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
	Fields Fields `json:"fields,omitempty"`
}

type UpdateLine struct {
	Fields Fields `json:"fields"`
}

type DeleteLine struct{}

// ReorderLines moves lines of the target node. Lines are listed in the
// desired order; a missing Key is filled in by the document.
type ReorderLines struct {
	Lines []LinePosition `json:"lines"`
}

type LinePosition struct {
	LineID string `json:"line_id"`
	Key    string `json:"key,omitempty"`
}

func (InsertNode) payloadKind() Kind   { return KindInsertNode }
func (UpdateNode) payloadKind() Kind   { return KindUpdateNode }
func (DeleteNode) payloadKind() Kind   { return KindDeleteNode }
func (InsertLine) payloadKind() Kind   { return KindInsertLine }
func (UpdateLine) payloadKind() Kind   { return KindUpdateLine }
func (DeleteLine) payloadKind() Kind   { return KindDeleteLine }
func (ReorderLines) payloadKind() Kind { return KindReorderLines }

// Operation is one atomic, idempotent mutation of a scene. It is
// immutable once it has been stamped and logged.
type Operation struct {
	ID      clock.OpID
	SceneID string
	Kind    Kind
	Target  string
	Payload Payload
	Deps    []clock.OpID
}

type wireOperation struct {
	ID      clock.OpID      `json:"op_id"`
	SceneID string          `json:"scene_id,omitempty"`
	Kind    Kind            `json:"kind"`
	Target  string          `json:"target_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Deps    []clock.OpID    `json:"causal_deps,omitempty"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{
		ID:      op.ID,
		SceneID: op.SceneID,
		Kind:    op.Kind,
		Target:  op.Target,
		Deps:    op.Deps,
	}
	if op.Payload != nil {
		raw, err := json.Marshal(op.Payload)
		if err != nil {
			return nil, err
		}
		if string(raw) != "{}" {
			w.Payload = raw
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the payload according to kind. An unknown kind is
// not a decode error; it leaves Payload nil and is rejected by Validate.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return fmt.Errorf("%s payload: %w", w.Kind, err)
	}

	*op = Operation{
		ID:      w.ID,
		SceneID: w.SceneID,
		Kind:    w.Kind,
		Target:  w.Target,
		Payload: payload,
		Deps:    w.Deps,
	}
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case KindInsertNode:
		var p InsertNode
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindUpdateNode:
		var p UpdateNode
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindDeleteNode:
		return DeleteNode{}, nil
	case KindInsertLine:
		var p InsertLine
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindUpdateLine:
		var p UpdateLine
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindDeleteLine:
		return DeleteLine{}, nil
	case KindReorderLines:
		var p ReorderLines
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, nil
}

// Validate checks the operation in isolation. Inserts may still lack a
// target id at this point; the document assigns one before logging.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return Invalid("unknown operation kind %q", op.Kind)
	}
	if op.Target == "" && !op.Kind.IsInsert() {
		return withTarget(Invalid("%s requires target_id", op.Kind), op.Target)
	}
	if !op.ID.IsZero() {
		if op.ID.Counter < 0 {
			return &clock.Error{Counter: op.ID.Counter}
		}
		if op.ID.Counter == 0 || op.ID.Participant == "" {
			return Invalid("op_id needs a positive counter and a participant")
		}
	}
	for _, dep := range op.Deps {
		if dep.Counter < 0 {
			return &clock.Error{Counter: dep.Counter}
		}
		if dep.Counter == 0 || dep.Participant == "" {
			return Invalid("causal dependency %s is malformed", dep)
		}
	}

	payload := op.Payload
	if payload == nil {
		switch op.Kind {
		case KindDeleteNode:
			payload = DeleteNode{}
		case KindDeleteLine:
			payload = DeleteLine{}
		default:
			return Invalid("%s requires a payload", op.Kind)
		}
	}
	if payload.payloadKind() != op.Kind {
		return Invalid("payload for %s does not match kind %s", payload.payloadKind(), op.Kind)
	}

	if err := validatePayload(payload); err != nil {
		return withTarget(err, op.Target)
	}
	return nil
}

func validatePayload(payload Payload) error {
	switch p := payload.(type) {
	case InsertNode:
		return p.Fields.validate()
	case UpdateNode:
		if len(p.Fields) == 0 {
			return Invalid("update_node changes no fields")
		}
		return p.Fields.validate()
	case InsertLine:
		if p.NodeID == "" {
			return Invalid("insert_line requires node_id")
		}
		if p.Key != "" && !orderkey.Valid(p.Key) {
			return Invalid("malformed order key %q", p.Key)
		}
		return p.Fields.validate()
	case UpdateLine:
		if len(p.Fields) == 0 {
			return Invalid("update_line changes no fields")
		}
		return p.Fields.validate()
	case ReorderLines:
		if len(p.Lines) == 0 {
			return Invalid("reorder_lines lists no lines")
		}
		seen := make(map[string]bool, len(p.Lines))
		for _, pos := range p.Lines {
			if pos.LineID == "" {
				return Invalid("reorder_lines has an empty line_id")
			}
			if seen[pos.LineID] {
				return Invalid("reorder_lines lists %q twice", pos.LineID)
			}
			seen[pos.LineID] = true
			if pos.Key != "" && !orderkey.Valid(pos.Key) {
				return Invalid("malformed order key %q", pos.Key)
			}
		}
	}
	return nil
}

func withTarget(err error, target string) error {
	if se, ok := err.(*Error); ok && se.Target == "" {
		se.Target = target
	}
	return err
}
