// Package schema describes the tables and row types of spec.md §4.2 on top
// of the generic kvstore.Store, generalizing cuemby-warren's
// pkg/storage.BoltStore (one Go method pair per resource type) into a single
// set of table-name constants plus JSON-encoded row structs shared by every
// node type.
package schema

import "time"

// Table name constants. Per-node-type and per-group-type tables are formed
// by EntityTable/GroupEntityTable/RelationalEntityTable below.
const (
	TableTrees        = "trees"
	TableNodes        = "nodes"
	TableWorkingCopies = "workingCopies"
	TableMeta          = "meta"

	// Secondary indexes over TableNodes, maintained alongside it (bbolt has
	// no native secondary index support, so these are plain tables keyed by
	// the index's composite key, mirroring the "physical layout may differ"
	// note in spec.md §4.2).
	IndexNodesByParentName    = "idx_nodes_parent_name"    // unique: (treeId,parentId,name) -> nodeId
	IndexNodesByParentUpdated = "idx_nodes_parent_updated" // (treeId,parentId,updatedAt,nodeId) -> nodeId
	IndexNodesByRemoved       = "idx_nodes_removed"         // (treeId,removedAt,nodeId) -> nodeId, trash subtree only

	IndexWorkingCopiesByView = "idx_workingcopies_by_view" // unique: (sourceNodeId,viewId) -> workingCopyId

	UndoLogTablePrefix = "undoLog:"
)

// EntityTable returns the per-node-type peer entity table name, per
// spec.md §4.2 ("entities:{nodeType}").
func EntityTable(nodeType string) string { return "entities:" + nodeType }

// EntityByNodeIndex returns the unique nodeId -> entityId index for a
// node type's peer entity table.
func EntityByNodeIndex(nodeType string) string { return "idx_entities_by_node:" + nodeType }

// GroupEntityTable returns the per-(nodeType,groupType) group entity table
// name, keyed by (nodeId, ordinal).
func GroupEntityTable(nodeType, groupType string) string {
	return "groupEntities:" + nodeType + ":" + groupType
}

// RelationalEntityTable returns the table holding a shared relational
// entity kind, keyed directly by its content hash / surrogate key.
func RelationalEntityTable(kind string) string { return "relationalEntities:" + kind }

// UndoLogTable returns the per-tree undo/redo ring table name.
func UndoLogTable(treeID string) string { return UndoLogTablePrefix + treeID }

// AllCoreTables lists every table that must exist regardless of which node
// types are registered, used by kvstore.Open to pre-create buckets.
func AllCoreTables() []string {
	return []string{
		TableTrees, TableNodes, TableWorkingCopies, TableMeta,
		IndexNodesByParentName, IndexNodesByParentUpdated, IndexNodesByRemoved,
		IndexWorkingCopiesByView,
	}
}

// Tree is a named root container owning a live root and a trash root.
type Tree struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LiveRootID string    `json:"liveRootId"`
	TrashRootID string   `json:"trashRootId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Node is the unit of hierarchy, spec.md §3.
type Node struct {
	ID               string     `json:"id"`
	ParentID         string     `json:"parentId"` // "" only for roots
	TreeID           string     `json:"treeId"`
	NodeType         string     `json:"nodeType"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	Version          int64      `json:"version"`
	RemovedAt        *time.Time `json:"removedAt,omitempty"`
	OriginalParentID string     `json:"originalParentId,omitempty"`
}

// IsRoot reports whether n is a tree's live or trash root (no parent).
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// InTrash reports whether n currently lives under its tree's trash root.
func (n *Node) InTrash() bool { return n.RemovedAt != nil }

// Entity is the 1:1 peer payload owned by a node, spec.md §3.
type Entity struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"nodeId"`
	Data      map[string]any `json:"data"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// GroupEntity is a 1:N child record of a node, keyed by (nodeId, groupType,
// ordinal).
type GroupEntity struct {
	NodeID    string         `json:"nodeId"`
	GroupType string         `json:"groupType"`
	Ordinal   int            `json:"ordinal"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RelationalEntity is shared content addressed by contentHash with an
// explicit reference count (spec.md §3, invariant R1).
type RelationalEntity struct {
	Kind      string         `json:"kind"`
	Key       string         `json:"key"` // contentHash or surrogate id
	Data      map[string]any `json:"data"`
	RefCount  int64          `json:"refCount"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// WorkingCopyMode is the closed set edit|create from spec.md §3.
type WorkingCopyMode string

const (
	WorkingCopyEdit   WorkingCopyMode = "edit"
	WorkingCopyCreate WorkingCopyMode = "create"
)

// WorkingCopy is an isolated draft of a node+entity, spec.md §3.
type WorkingCopy struct {
	ID                string          `json:"id"`
	Mode              WorkingCopyMode `json:"mode"`
	SourceNodeID      string          `json:"sourceNodeId,omitempty"`      // edit mode
	ParentNodeID      string          `json:"parentNodeId,omitempty"`      // create mode
	TreeID            string          `json:"treeId"`
	NodeType          string          `json:"nodeType"`
	ViewID            string          `json:"viewId"`
	ExpectedUpdatedAt *time.Time      `json:"expectedUpdatedAt,omitempty"` // edit mode snapshot
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	EntityData        map[string]any  `json:"entityData"`
	Dirty             bool            `json:"dirty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// Meta holds the single storeVersion row per spec.md §6.
type Meta struct {
	StoreVersion int `json:"storeVersion"`
}

const MetaKey = "meta"

// CurrentStoreVersion is the schema version this build understands. No code
// path writes or reads the meta row, so opening a store never checks its
// version and never fails UnsupportedStoreVersion; there is no
// forward-migration contract.
const CurrentStoreVersion = 1
