package schema

import (
	"encoding/binary"
	"strings"
	"time"
)

// Composite index keys are built from \x00-joined fields. Node ids, tree
// ids, and names are caller-controlled but are always generated by this
// module (uuid strings) or validated against a name pattern that excludes
// \x00, so \x00 never appears inside a field — see
// registry.DefaultNamePattern.
const sep = "\x00"

// NodeKey is the primary key for TableNodes.
func NodeKey(nodeID string) []byte { return []byte(nodeID) }

// ParentNameKey builds the IndexNodesByParentName key.
func ParentNameKey(treeID, parentID, name string) []byte {
	return []byte(strings.Join([]string{treeID, parentID, name}, sep))
}

// ParentNamePrefix builds a scan prefix for all children of parentID.
func ParentNamePrefix(treeID, parentID string) []byte {
	return []byte(strings.Join([]string{treeID, parentID, ""}, sep))
}

// ParentUpdatedKey builds the IndexNodesByParentUpdated key. Timestamps are
// encoded big-endian so byte order matches chronological order.
func ParentUpdatedKey(treeID, parentID string, updatedAt time.Time, nodeID string) []byte {
	var buf []byte
	buf = append(buf, []byte(treeID)...)
	buf = append(buf, sep...)
	buf = append(buf, []byte(parentID)...)
	buf = append(buf, sep...)
	buf = append(buf, encodeTime(updatedAt)...)
	buf = append(buf, sep...)
	buf = append(buf, []byte(nodeID)...)
	return buf
}

// ParentUpdatedPrefix builds a scan prefix for all children of parentID,
// ordered by updatedAt.
func ParentUpdatedPrefix(treeID, parentID string) []byte {
	return []byte(strings.Join([]string{treeID, parentID, ""}, sep))
}

// RemovedKey builds the IndexNodesByRemoved key for a trashed node.
func RemovedKey(treeID string, removedAt time.Time, nodeID string) []byte {
	var buf []byte
	buf = append(buf, []byte(treeID)...)
	buf = append(buf, sep...)
	buf = append(buf, encodeTime(removedAt)...)
	buf = append(buf, sep...)
	buf = append(buf, []byte(nodeID)...)
	return buf
}

// RemovedPrefix builds a scan prefix for every trashed node in a tree.
func RemovedPrefix(treeID string) []byte {
	return []byte(treeID + sep)
}

// WorkingCopyViewKey builds the IndexWorkingCopiesByView unique key,
// enforcing invariant W1 (at most one active working copy per
// (sourceNodeId, viewId)).
func WorkingCopyViewKey(sourceNodeID, viewID string) []byte {
	return []byte(strings.Join([]string{sourceNodeID, viewID}, sep))
}

// EntityByNodeKey builds the unique nodeId -> entityId index key.
func EntityByNodeKey(nodeID string) []byte { return []byte(nodeID) }

// GroupEntityKey builds the (nodeId, ordinal) primary key for a group
// entity table.
func GroupEntityKey(nodeID string, ordinal int) []byte {
	var buf []byte
	buf = append(buf, []byte(nodeID)...)
	buf = append(buf, sep...)
	buf = append(buf, encodeInt(ordinal)...)
	return buf
}

// GroupEntityPrefix builds a scan prefix for all group entities of a node.
func GroupEntityPrefix(nodeID string) []byte {
	return []byte(nodeID + sep)
}

// UndoEntryKey builds the primary key for one undo-ring entry, ordered by
// a monotonically increasing sequence (spec.md §4.7).
func UndoEntryKey(sequence uint64) []byte {
	return encodeUint64(sequence)
}

func encodeTime(t time.Time) []byte {
	return encodeInt64(t.UnixMilli())
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v)^0x8000000000000000)
	return buf
}

func encodeInt(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(v))^0x8000000000000000)
	return buf
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64 reverses encodeUint64, recovering a sequence number from an
// UndoEntryKey.
func DecodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
