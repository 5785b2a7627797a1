package schema

import "encoding/json"

// EncodeNode/DecodeNode and friends wrap encoding/json the way every method
// in cuemby-warren/pkg/storage.BoltStore does (json.Marshal/Unmarshal per
// bucket value) — justified as standard-library-only in DESIGN.md: the
// teacher itself reaches for plain JSON envelopes rather than a schema
// library, and HierarchiDB's per-node-type payloads are arbitrary plugin
// data with no fixed relational shape an ORM could exploit.

func EncodeNode(n *Node) ([]byte, error) { return json.Marshal(n) }
func DecodeNode(b []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func EncodeTree(t *Tree) ([]byte, error) { return json.Marshal(t) }
func DecodeTree(b []byte) (*Tree, error) {
	var t Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func EncodeEntity(e *Entity) ([]byte, error) { return json.Marshal(e) }
func DecodeEntity(b []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func EncodeGroupEntity(g *GroupEntity) ([]byte, error) { return json.Marshal(g) }
func DecodeGroupEntity(b []byte) (*GroupEntity, error) {
	var g GroupEntity
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func EncodeRelationalEntity(r *RelationalEntity) ([]byte, error) { return json.Marshal(r) }
func DecodeRelationalEntity(b []byte) (*RelationalEntity, error) {
	var r RelationalEntity
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func EncodeWorkingCopy(w *WorkingCopy) ([]byte, error) { return json.Marshal(w) }
func DecodeWorkingCopy(b []byte) (*WorkingCopy, error) {
	var w WorkingCopy
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func EncodeMeta(m *Meta) ([]byte, error) { return json.Marshal(m) }
func DecodeMeta(b []byte) (*Meta, error) {
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
