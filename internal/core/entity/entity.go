// Package entity implements C4, the entity handler base: default CRUD for a
// node type's peer entity, working-copy helpers, group-entity cascades,
// relational ref-counting, and backup/restore.
//
// Grounded on cuemby-warren/pkg/storage.BoltStore's CRUD method bodies
// (generalized from one Go method pair per resource type into one generic
// handler parameterized by node type and table names) and on the
// mark/sweep refcount-to-zero deletion pattern in
// other_examples/0c22cfb9_poxiaoyun-common__garbagecollector-gc.go.go.
package entity

import (
	"context"
	"time"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/schema"
)

// Backup is the atomic snapshot returned by Handler.Backup, spec.md §4.4.
type Backup struct {
	Entity     *schema.Entity
	Groups     map[string][]*schema.GroupEntity // groupType -> ordered entries
	BackupDate time.Time
}

// Handler is the per-node-type contract of spec.md §4.4, implemented by
// BaseHandler (and overridable per plugin by embedding BaseHandler and
// shadowing individual methods).
type Handler interface {
	NodeType() string

	CreateEntity(ctx context.Context, tx kvstore.Tx, nodeID string, data map[string]any, clk clock.Clock) (*schema.Entity, error)
	GetEntity(ctx context.Context, tx kvstore.Tx, nodeID string) (*schema.Entity, error)
	UpdateEntity(ctx context.Context, tx kvstore.Tx, nodeID string, patch map[string]any, clk clock.Clock) (*schema.Entity, error)
	DeleteEntity(ctx context.Context, tx kvstore.Tx, nodeID string, clk clock.Clock) error

	CreateWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string) (map[string]any, error)
	CommitWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string, wcData map[string]any, clk clock.Clock) error
	DiscardWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string) error

	CreateGroupEntity(ctx context.Context, tx kvstore.Tx, nodeID, groupType string, data map[string]any, clk clock.Clock) (*schema.GroupEntity, error)
	GetGroupEntities(ctx context.Context, tx kvstore.Tx, nodeID, groupType string) ([]*schema.GroupEntity, error)
	DeleteGroupEntities(ctx context.Context, tx kvstore.Tx, nodeID, groupType string) error

	Duplicate(ctx context.Context, tx kvstore.Tx, sourceNodeID, targetNodeID string, clk clock.Clock) error
	Backup(ctx context.Context, tx kvstore.Tx, nodeID string, clk clock.Clock) (*Backup, error)
	Restore(ctx context.Context, tx kvstore.Tx, nodeID string, backup *Backup, clk clock.Clock) error

	// Cleanup removes working copies and group entities for nodeID; invoked
	// from C5's beforeDelete.
	Cleanup(ctx context.Context, tx kvstore.Tx, nodeID string) error
}

// RelConfig declares that this node type's peer entity holds a weak
// reference to a shared relational entity, spec.md §4.4's ref-counting
// algorithm.
type RelConfig struct {
	// Field is the key in Entity.Data holding the relational entity's key
	// (contentHash or surrogate id). Empty/missing means "no reference".
	Field string
	// Kind names the relational entity table (schema.RelationalEntityTable).
	Kind string
}

// BaseHandler is the default CRUD implementation shared by every node type;
// plugins construct one per type and may embed it to override individual
// methods (the tagged-variant dispatch from spec.md §9 applies at the
// registry level, not here).
type BaseHandler struct {
	Type       string
	GroupTypes []string
	Rel        *RelConfig
	NewID      func() string
}

func NewBaseHandler(nodeType string, groupTypes []string, rel *RelConfig, newID func() string) *BaseHandler {
	return &BaseHandler{Type: nodeType, GroupTypes: groupTypes, Rel: rel, NewID: newID}
}

func (h *BaseHandler) NodeType() string { return h.Type }

func (h *BaseHandler) entityTable(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.EntityTable(h.Type))
}

func (h *BaseHandler) entityByNodeIndex(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.EntityByNodeIndex(h.Type))
}

func (h *BaseHandler) CreateEntity(ctx context.Context, tx kvstore.Tx, nodeID string, data map[string]any, clk clock.Clock) (*schema.Entity, error) {
	idx, err := h.entityByNodeIndex(tx)
	if err != nil {
		return nil, err
	}
	existing, err := idx.Get(schema.EntityByNodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, coreerr.New(coreerr.DuplicatePeer, "entity already exists for node %s", nodeID).WithNode(nodeID)
	}

	now := clk.Now()
	ent := &schema.Entity{
		ID:        h.NewID(),
		NodeID:    nodeID,
		Data:      cloneData(data),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tbl, err := h.entityTable(tx)
	if err != nil {
		return nil, err
	}
	enc, err := schema.EncodeEntity(ent)
	if err != nil {
		return nil, err
	}
	if err := tbl.Put([]byte(ent.ID), enc); err != nil {
		return nil, err
	}
	if err := idx.Put(schema.EntityByNodeKey(nodeID), []byte(ent.ID)); err != nil {
		return nil, err
	}

	if h.Rel != nil {
		if key, ok := relKey(ent.Data, h.Rel.Field); ok {
			if err := h.incrementRel(ctx, tx, key, clk); err != nil {
				return nil, err
			}
		}
	}
	return ent, nil
}

func (h *BaseHandler) GetEntity(ctx context.Context, tx kvstore.Tx, nodeID string) (*schema.Entity, error) {
	idx, err := h.entityByNodeIndex(tx)
	if err != nil {
		return nil, err
	}
	entID, err := idx.Get(schema.EntityByNodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	if entID == nil {
		return nil, nil
	}
	tbl, err := h.entityTable(tx)
	if err != nil {
		return nil, err
	}
	raw, err := tbl.Get(entID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return schema.DecodeEntity(raw)
}

func (h *BaseHandler) UpdateEntity(ctx context.Context, tx kvstore.Tx, nodeID string, patch map[string]any, clk clock.Clock) (*schema.Entity, error) {
	ent, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, coreerr.New(coreerr.NodeNotFound, "no entity for node %s", nodeID).WithNode(nodeID)
	}

	oldKey, hadOldKey := "", false
	if h.Rel != nil {
		oldKey, hadOldKey = relKey(ent.Data, h.Rel.Field)
	}

	if ent.Data == nil {
		ent.Data = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(ent.Data, k)
			continue
		}
		ent.Data[k] = v
	}
	ent.UpdatedAt = clk.Now()
	ent.Version++

	if h.Rel != nil {
		newKey, hasNewKey := relKey(ent.Data, h.Rel.Field)
		if err := h.adjustRel(ctx, tx, oldKey, hadOldKey, newKey, hasNewKey, clk); err != nil {
			return nil, err
		}
	}

	return ent, h.putEntity(tx, ent)
}

func (h *BaseHandler) putEntity(tx kvstore.Tx, ent *schema.Entity) error {
	tbl, err := h.entityTable(tx)
	if err != nil {
		return err
	}
	enc, err := schema.EncodeEntity(ent)
	if err != nil {
		return err
	}
	return tbl.Put([]byte(ent.ID), enc)
}

func (h *BaseHandler) DeleteEntity(ctx context.Context, tx kvstore.Tx, nodeID string, clk clock.Clock) error {
	ent, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	for _, gt := range h.GroupTypes {
		if err := h.DeleteGroupEntities(ctx, tx, nodeID, gt); err != nil {
			return err
		}
	}
	if ent == nil {
		return nil
	}

	if h.Rel != nil {
		if key, ok := relKey(ent.Data, h.Rel.Field); ok {
			if err := h.decrementRel(ctx, tx, key, clk); err != nil {
				return err
			}
		}
	}

	tbl, err := h.entityTable(tx)
	if err != nil {
		return err
	}
	if err := tbl.Delete([]byte(ent.ID)); err != nil {
		return err
	}
	idx, err := h.entityByNodeIndex(tx)
	if err != nil {
		return err
	}
	return idx.Delete(schema.EntityByNodeKey(nodeID))
}

func (h *BaseHandler) CreateWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string) (map[string]any, error) {
	ent, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return map[string]any{}, nil
	}
	return cloneData(ent.Data), nil
}

func (h *BaseHandler) CommitWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string, wcData map[string]any, clk clock.Clock) error {
	ent, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return err
	}
	if ent == nil {
		// Node type declares no peer entity for this instance; nothing to commit.
		return nil
	}

	oldKey, hadOldKey := "", false
	if h.Rel != nil {
		oldKey, hadOldKey = relKey(ent.Data, h.Rel.Field)
	}

	ent.Data = cloneData(wcData)
	ent.UpdatedAt = clk.Now()
	ent.Version++

	if h.Rel != nil {
		newKey, hasNewKey := relKey(ent.Data, h.Rel.Field)
		if err := h.adjustRel(ctx, tx, oldKey, hadOldKey, newKey, hasNewKey, clk); err != nil {
			return err
		}
	}
	return h.putEntity(tx, ent)
}

// DiscardWorkingCopy is a no-op at the entity level: the working-copy row
// itself lives in schema.TableWorkingCopies and is owned by the
// working-copy service (C6), not by the per-type entity table. This hook
// exists for plugins that stage side-channel draft resources beyond the
// generic working-copy row.
func (h *BaseHandler) DiscardWorkingCopy(ctx context.Context, tx kvstore.Tx, nodeID string) error {
	return nil
}

func (h *BaseHandler) groupTable(tx kvstore.Tx, groupType string) (kvstore.Table, error) {
	return tx.Table(schema.GroupEntityTable(h.Type, groupType))
}

func (h *BaseHandler) CreateGroupEntity(ctx context.Context, tx kvstore.Tx, nodeID, groupType string, data map[string]any, clk clock.Clock) (*schema.GroupEntity, error) {
	tbl, err := h.groupTable(tx, groupType)
	if err != nil {
		return nil, err
	}
	n, err := tbl.CountPrefix(schema.GroupEntityPrefix(nodeID))
	if err != nil {
		return nil, err
	}
	now := clk.Now()
	g := &schema.GroupEntity{
		NodeID:    nodeID,
		GroupType: groupType,
		Ordinal:   n,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
	enc, err := schema.EncodeGroupEntity(g)
	if err != nil {
		return nil, err
	}
	if err := tbl.Put(schema.GroupEntityKey(nodeID, n), enc); err != nil {
		return nil, err
	}
	return g, nil
}

func (h *BaseHandler) GetGroupEntities(ctx context.Context, tx kvstore.Tx, nodeID, groupType string) ([]*schema.GroupEntity, error) {
	tbl, err := h.groupTable(tx, groupType)
	if err != nil {
		return nil, err
	}
	var out []*schema.GroupEntity
	prefix := schema.GroupEntityPrefix(nodeID)
	c := tbl.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.PrefixNext(prefix) {
		g, err := schema.DecodeGroupEntity(v)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (h *BaseHandler) DeleteGroupEntities(ctx context.Context, tx kvstore.Tx, nodeID, groupType string) error {
	entries, err := h.GetGroupEntities(ctx, tx, nodeID, groupType)
	if err != nil {
		return err
	}
	tbl, err := h.groupTable(tx, groupType)
	if err != nil {
		return err
	}
	for _, g := range entries {
		if err := tbl.Delete(schema.GroupEntityKey(g.NodeID, g.Ordinal)); err != nil {
			return err
		}
	}
	return nil
}

func (h *BaseHandler) Duplicate(ctx context.Context, tx kvstore.Tx, sourceNodeID, targetNodeID string, clk clock.Clock) error {
	src, err := h.GetEntity(ctx, tx, sourceNodeID)
	if err != nil {
		return err
	}
	if src != nil {
		if _, err := h.CreateEntity(ctx, tx, targetNodeID, cloneData(src.Data), clk); err != nil {
			return err
		}
		// CreateEntity already incremented the ref for a shared relational
		// key found in the cloned data, satisfying "relational references
		// are shared, with ref counts incremented" (spec.md §4.5).
	}
	for _, gt := range h.GroupTypes {
		entries, err := h.GetGroupEntities(ctx, tx, sourceNodeID, gt)
		if err != nil {
			return err
		}
		tbl, err := h.groupTable(tx, gt)
		if err != nil {
			return err
		}
		for _, g := range entries {
			clone := &schema.GroupEntity{
				NodeID:    targetNodeID,
				GroupType: gt,
				Ordinal:   g.Ordinal,
				Data:      cloneData(g.Data),
				CreatedAt: clk.Now(),
				UpdatedAt: clk.Now(),
			}
			enc, err := schema.EncodeGroupEntity(clone)
			if err != nil {
				return err
			}
			if err := tbl.Put(schema.GroupEntityKey(targetNodeID, g.Ordinal), enc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *BaseHandler) Backup(ctx context.Context, tx kvstore.Tx, nodeID string, clk clock.Clock) (*Backup, error) {
	ent, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][]*schema.GroupEntity, len(h.GroupTypes))
	for _, gt := range h.GroupTypes {
		entries, err := h.GetGroupEntities(ctx, tx, nodeID, gt)
		if err != nil {
			return nil, err
		}
		groups[gt] = entries
	}
	return &Backup{Entity: ent, Groups: groups, BackupDate: clk.Now()}, nil
}

func (h *BaseHandler) Restore(ctx context.Context, tx kvstore.Tx, nodeID string, backup *Backup, clk clock.Clock) error {
	cur, err := h.GetEntity(ctx, tx, nodeID)
	if err != nil {
		return err
	}

	var oldKey string
	var hadOldKey bool
	if h.Rel != nil && cur != nil {
		oldKey, hadOldKey = relKey(cur.Data, h.Rel.Field)
	}

	for _, gt := range h.GroupTypes {
		if err := h.DeleteGroupEntities(ctx, tx, nodeID, gt); err != nil {
			return err
		}
	}

	if backup.Entity == nil {
		if cur != nil {
			// Backup had no entity: restoring means removing the current one.
			if err := h.DeleteEntity(ctx, tx, nodeID, clk); err != nil {
				return err
			}
		}
	} else {
		restored := *backup.Entity
		restored.Data = cloneData(backup.Entity.Data)
		restored.UpdatedAt = clk.Now()
		if err := h.putEntity(tx, &restored); err != nil {
			return err
		}
		idx, err := h.entityByNodeIndex(tx)
		if err != nil {
			return err
		}
		if err := idx.Put(schema.EntityByNodeKey(nodeID), []byte(restored.ID)); err != nil {
			return err
		}

		if h.Rel != nil {
			newKey, hasNewKey := relKey(restored.Data, h.Rel.Field)
			if err := h.adjustRel(ctx, tx, oldKey, hadOldKey, newKey, hasNewKey, clk); err != nil {
				return err
			}
		}
	}

	for gt, entries := range backup.Groups {
		tbl, err := h.groupTable(tx, gt)
		if err != nil {
			return err
		}
		for _, g := range entries {
			enc, err := schema.EncodeGroupEntity(g)
			if err != nil {
				return err
			}
			if err := tbl.Put(schema.GroupEntityKey(g.NodeID, g.Ordinal), enc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Cleanup removes working copies and group entities for nodeID, invoked
// from C5's beforeDelete (spec.md §4.4).
func (h *BaseHandler) Cleanup(ctx context.Context, tx kvstore.Tx, nodeID string) error {
	for _, gt := range h.GroupTypes {
		if err := h.DeleteGroupEntities(ctx, tx, nodeID, gt); err != nil {
			return err
		}
	}
	return cleanupWorkingCopies(tx, nodeID)
}

func cleanupWorkingCopies(tx kvstore.Tx, sourceNodeID string) error {
	viewIdx, err := tx.Table(schema.IndexWorkingCopiesByView)
	if err != nil {
		return err
	}
	wcTbl, err := tx.Table(schema.TableWorkingCopies)
	if err != nil {
		return err
	}
	prefix := []byte(sourceNodeID + "\x00")
	c := viewIdx.Cursor()
	var toDelete [][]byte
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.PrefixNext(prefix) {
		toDelete = append(toDelete, append([]byte(nil), k...))
		if err := wcTbl.Delete(v); err != nil {
			return err
		}
	}
	for _, k := range toDelete {
		if err := viewIdx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- relational ref-counting, spec.md §4.4 ---

func relKey(data map[string]any, field string) (string, bool) {
	if data == nil || field == "" {
		return "", false
	}
	v, ok := data[field]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func (h *BaseHandler) relTable(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.RelationalEntityTable(h.Rel.Kind))
}

func (h *BaseHandler) incrementRel(ctx context.Context, tx kvstore.Tx, key string, clk clock.Clock) error {
	tbl, err := h.relTable(tx)
	if err != nil {
		return err
	}
	raw, err := tbl.Get([]byte(key))
	if err != nil {
		return err
	}
	now := clk.Now()
	var rel *schema.RelationalEntity
	if raw == nil {
		rel = &schema.RelationalEntity{Kind: h.Rel.Kind, Key: key, RefCount: 1, CreatedAt: now, UpdatedAt: now}
	} else {
		rel, err = schema.DecodeRelationalEntity(raw)
		if err != nil {
			return err
		}
		rel.RefCount++
		rel.UpdatedAt = now
	}
	enc, err := schema.EncodeRelationalEntity(rel)
	if err != nil {
		return err
	}
	return tbl.Put([]byte(key), enc)
}

func (h *BaseHandler) decrementRel(ctx context.Context, tx kvstore.Tx, key string, clk clock.Clock) error {
	tbl, err := h.relTable(tx)
	if err != nil {
		return err
	}
	raw, err := tbl.Get([]byte(key))
	if err != nil {
		return err
	}
	if raw == nil {
		return nil // already gone; nothing to decrement
	}
	rel, err := schema.DecodeRelationalEntity(raw)
	if err != nil {
		return err
	}
	rel.RefCount--
	if rel.RefCount <= 0 {
		return tbl.Delete([]byte(key))
	}
	rel.UpdatedAt = clk.Now()
	enc, err := schema.EncodeRelationalEntity(rel)
	if err != nil {
		return err
	}
	return tbl.Put([]byte(key), enc)
}

// adjustRel reconciles a relational reference when a peer entity's
// relational key field changes between oldKey and newKey, keeping (R1):
// refCount reaches zero only ever deleted in the same transaction as the
// last releasing peer.
func (h *BaseHandler) adjustRel(ctx context.Context, tx kvstore.Tx, oldKey string, hadOld bool, newKey string, hasNew bool, clk clock.Clock) error {
	if hadOld == hasNew && oldKey == newKey {
		return nil
	}
	if hadOld {
		if err := h.decrementRel(ctx, tx, oldKey, clk); err != nil {
			return err
		}
	}
	if hasNew {
		if err := h.incrementRel(ctx, tx, newKey, clk); err != nil {
			return err
		}
	}
	return nil
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = deepCloneValue(v)
	}
	return out
}

// deepCloneValue deep-copies the structured-clone-safe value shapes spec.md
// §6 allows as payloads (maps, slices, and scalars — no function refs or
// prototypes).
func deepCloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCloneValue(e)
		}
		return out
	default:
		return t
	}
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
