// Package mutation implements C5: the tree-mutation operations of
// spec.md §4.5, all running inside one caller-supplied store transaction and
// returning the node ids touched plus the change events to emit.
//
// Grounded on cuemby-warren/pkg/manager/fsm.go's apply-style dispatch
// (decode a typed command, run it against the store, return a typed
// result) generalized from container lifecycle transitions to the node
// state machine of spec.md §4.5, and on pkg/reconciler/reconciler.go's
// explicit state-transition checks (AlreadyInTrash/NotInTrash mirror its
// ContainerStateFailed/ContainerStateShutdown guards).
package mutation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/entity"
	"github.com/hierarchidb/core/internal/core/events"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
)

// CollisionPolicy is the closed onNameConflict set of spec.md §4.5.
type CollisionPolicy string

const (
	CollisionError      CollisionPolicy = "error"
	CollisionAutoRename CollisionPolicy = "auto-rename"
	CollisionOverwrite  CollisionPolicy = "overwrite"
)

// InverseFunc undoes one piece of a command's effect. It runs inside the
// same transaction discipline as the forward operation and, like every
// forward operation, always moves version/updatedAt forward rather than
// rewinding them — invariant (P6) holds for undo the same way it holds for
// any other mutation, per spec.md §9's "fresh sequence numbers, not the
// originals" note for cross-tab events.
type InverseFunc func(ctx context.Context, tx kvstore.Tx, clk clock.Clock) (*Result, error)

// Result is what every C5 operation returns on success: the node ids it
// touched, the change events the command pipeline (C7) should stamp with
// sequence numbers and emit, and the steps that undo it (C7's undo ring).
type Result struct {
	AffectedNodeIDs []string
	Events          []events.Event
	Inverse         []InverseFunc
}

func (r *Result) merge(other *Result) {
	r.AffectedNodeIDs = append(r.AffectedNodeIDs, other.AffectedNodeIDs...)
	r.Events = append(r.Events, other.Events...)
	r.Inverse = append(r.Inverse, other.Inverse...)
}

// Service implements C5 against a caller-supplied transaction; it holds no
// transaction state of its own between calls.
type Service struct {
	Registry *registry.Registry
	NewID    func() string
}

func NewService(reg *registry.Registry, newID func() string) *Service {
	return &Service{Registry: reg, NewID: newID}
}

func nodesTable(tx kvstore.Tx) (kvstore.Table, error) { return tx.Table(schema.TableNodes) }

func byParentNameIndex(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.IndexNodesByParentName)
}

func byParentUpdatedIndex(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.IndexNodesByParentUpdated)
}

func byRemovedIndex(tx kvstore.Tx) (kvstore.Table, error) {
	return tx.Table(schema.IndexNodesByRemoved)
}

func getNode(tx kvstore.Tx, nodeID string) (*schema.Node, error) {
	tbl, err := nodesTable(tx)
	if err != nil {
		return nil, err
	}
	raw, err := tbl.Get(schema.NodeKey(nodeID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return schema.DecodeNode(raw)
}

func mustGetNode(tx kvstore.Tx, nodeID string) (*schema.Node, error) {
	n, err := getNode(tx, nodeID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, coreerr.New(coreerr.NodeNotFound, "node %s not found", nodeID).WithNode(nodeID)
	}
	return n, nil
}

// removeNode deletes n's primary row and every secondary index entry for
// its current state. Callers pass the state as currently stored.
func removeNode(tx kvstore.Tx, n *schema.Node) error {
	tbl, err := nodesTable(tx)
	if err != nil {
		return err
	}
	if err := tbl.Delete(schema.NodeKey(n.ID)); err != nil {
		return err
	}
	byName, err := byParentNameIndex(tx)
	if err != nil {
		return err
	}
	if err := byName.Delete(schema.ParentNameKey(n.TreeID, n.ParentID, n.Name)); err != nil {
		return err
	}
	byUpdated, err := byParentUpdatedIndex(tx)
	if err != nil {
		return err
	}
	if err := byUpdated.Delete(schema.ParentUpdatedKey(n.TreeID, n.ParentID, n.UpdatedAt, n.ID)); err != nil {
		return err
	}
	if n.InTrash() {
		byRemoved, err := byRemovedIndex(tx)
		if err != nil {
			return err
		}
		if err := byRemoved.Delete(schema.RemovedKey(n.TreeID, *n.RemovedAt, n.ID)); err != nil {
			return err
		}
	}
	return nil
}

// insertNode writes n's primary row and every secondary index entry for
// its new state.
func insertNode(tx kvstore.Tx, n *schema.Node) error {
	tbl, err := nodesTable(tx)
	if err != nil {
		return err
	}
	enc, err := schema.EncodeNode(n)
	if err != nil {
		return err
	}
	if err := tbl.Put(schema.NodeKey(n.ID), enc); err != nil {
		return err
	}
	byName, err := byParentNameIndex(tx)
	if err != nil {
		return err
	}
	if err := byName.Put(schema.ParentNameKey(n.TreeID, n.ParentID, n.Name), []byte(n.ID)); err != nil {
		return err
	}
	byUpdated, err := byParentUpdatedIndex(tx)
	if err != nil {
		return err
	}
	if err := byUpdated.Put(schema.ParentUpdatedKey(n.TreeID, n.ParentID, n.UpdatedAt, n.ID), []byte(n.ID)); err != nil {
		return err
	}
	if n.InTrash() {
		byRemoved, err := byRemovedIndex(tx)
		if err != nil {
			return err
		}
		if err := byRemoved.Put(schema.RemovedKey(n.TreeID, *n.RemovedAt, n.ID), []byte(n.ID)); err != nil {
			return err
		}
	}
	return nil
}

// replaceNode atomically moves n from its old indexed state to its new
// one (rename, move, trash, recover, or a plain field update all go
// through this).
func replaceNode(tx kvstore.Tx, old, updated *schema.Node) error {
	if err := removeNode(tx, old); err != nil {
		return err
	}
	return insertNode(tx, updated)
}

func children(tx kvstore.Tx, treeID, parentID string) ([]string, error) {
	byName, err := byParentNameIndex(tx)
	if err != nil {
		return nil, err
	}
	prefix := schema.ParentNamePrefix(treeID, parentID)
	var ids []string
	c := byName.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.PrefixNext(prefix) {
		ids = append(ids, string(v))
	}
	return ids, nil
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

// resolveCollision applies onNameConflict under (treeID, parentID) for a
// node named name, returning the name to actually use plus the Result of
// any overwrite deletion (nil if nothing was deleted). Per the decision
// recorded in DESIGN.md, an overwrite's cascade delete happens inside the
// same transaction and undo group as the operation that triggered it, so
// its Result.Inverse is simply folded into the caller's own Result.
func (s *Service) resolveCollision(ctx context.Context, tx kvstore.Tx, treeID, parentID, name string, policy CollisionPolicy, clk clock.Clock) (string, *Result, error) {
	byName, err := byParentNameIndex(tx)
	if err != nil {
		return "", nil, err
	}
	existing, err := byName.Get(schema.ParentNameKey(treeID, parentID, name))
	if err != nil {
		return "", nil, err
	}
	if existing == nil {
		return name, nil, nil
	}

	switch policy {
	case CollisionAutoRename:
		for i := 2; ; i++ {
			candidate := fmt.Sprintf("%s (%d)", name, i)
			hit, err := byName.Get(schema.ParentNameKey(treeID, parentID, candidate))
			if err != nil {
				return "", nil, err
			}
			if hit == nil {
				return candidate, nil, nil
			}
		}
	case CollisionOverwrite:
		res, err := s.PermanentDelete(ctx, tx, []string{string(existing)}, clk)
		if err != nil {
			return "", nil, err
		}
		return name, res, nil
	default:
		return "", nil, coreerr.New(coreerr.NameConflict, "name %q already exists under parent %s", name, parentID)
	}
}

// Create implements spec.md §4.5 create.
func (s *Service) Create(ctx context.Context, tx kvstore.Tx, treeID, parentID, nodeType, name, description string, fields map[string]any, policy CollisionPolicy, clk clock.Clock) (*Result, error) {
	def, err := s.Registry.Resolve(nodeType)
	if err != nil {
		return nil, err
	}
	if err := s.Registry.ValidateName(nodeType, name); err != nil {
		return nil, err
	}
	if _, err := mustGetNode(tx, parentID); err != nil {
		return nil, coreerr.New(coreerr.ParentNotFound, "parent %s not found", parentID).WithNode(parentID)
	}
	for _, v := range def.Validation.CustomValidators {
		if err := v(name, fields); err != nil {
			return nil, err
		}
	}
	if def.Validation.MaxChildren > 0 {
		byName, err := byParentNameIndex(tx)
		if err != nil {
			return nil, err
		}
		n, err := byName.CountPrefix(schema.ParentNamePrefix(treeID, parentID))
		if err != nil {
			return nil, err
		}
		if n >= def.Validation.MaxChildren {
			return nil, coreerr.New(coreerr.MaxChildrenExceeded, "parent %s already has %d children (max %d)", parentID, n, def.Validation.MaxChildren).WithNode(parentID)
		}
	}

	finalName, overwriteRes, err := s.resolveCollision(ctx, tx, treeID, parentID, name, policy, clk)
	if err != nil {
		return nil, err
	}

	if def.Hooks.BeforeCreate != nil {
		if err := def.Hooks.BeforeCreate(ctx, &schema.Node{TreeID: treeID, ParentID: parentID, NodeType: nodeType, Name: finalName}); err != nil {
			return nil, err
		}
	}

	now := clk.Now()
	node := &schema.Node{
		ID:        s.NewID(),
		ParentID:  parentID,
		TreeID:    treeID,
		NodeType:  nodeType,
		Name:      finalName,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if description != "" {
		node.Description = description
	}
	if err := insertNode(tx, node); err != nil {
		return nil, err
	}
	if _, err := def.Handler.CreateEntity(ctx, tx, node.ID, fields, clk); err != nil {
		return nil, coreerr.Wrap(coreerr.Aborted, err, "creating entity for node %s", node.ID).WithNode(node.ID)
	}
	if def.Hooks.AfterCreate != nil {
		if err := def.Hooks.AfterCreate(ctx, node); err != nil {
			return nil, err
		}
	}
	s.Registry.IncrementLive(nodeType)

	res := &Result{
		AffectedNodeIDs: []string{node.ID},
		Events:          []events.Event{{Kind: events.NodeCreated, TreeID: treeID, NodeID: node.ID, NewParentID: parentID, Name: finalName, IssuedAt: now}},
		Inverse: []InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.PermanentDelete(ictx, itx, []string{node.ID}, iclk)
		}},
	}
	if overwriteRes != nil {
		res.merge(overwriteRes)
	}
	return res, nil
}

// Update implements spec.md §4.5 update.
func (s *Service) Update(ctx context.Context, tx kvstore.Tx, nodeID string, patch map[string]any, name *string, expectedUpdatedAt *time.Time, policy CollisionPolicy, clk clock.Clock) (*Result, error) {
	node, err := mustGetNode(tx, nodeID)
	if err != nil {
		return nil, err
	}
	if expectedUpdatedAt != nil && !node.UpdatedAt.Equal(*expectedUpdatedAt) {
		return nil, coreerr.New(coreerr.VersionConflict, "node %s has been modified", nodeID).WithNode(nodeID)
	}
	def, err := s.Registry.Resolve(node.NodeType)
	if err != nil {
		return nil, err
	}

	old := *node
	var overwriteRes *Result

	if name != nil && *name != node.Name {
		if err := s.Registry.ValidateName(node.NodeType, *name); err != nil {
			return nil, err
		}
		finalName, or, err := s.resolveCollision(ctx, tx, node.TreeID, node.ParentID, *name, policy, clk)
		if err != nil {
			return nil, err
		}
		node.Name = finalName
		overwriteRes = or
	}

	if def.Hooks.BeforeUpdate != nil {
		if err := def.Hooks.BeforeUpdate(ctx, node, patch); err != nil {
			return nil, err
		}
	}

	oldBackup, err := def.Handler.Backup(ctx, tx, nodeID, clk)
	if err != nil {
		return nil, err
	}

	node.UpdatedAt = clk.Now()
	node.Version++

	if _, err := def.Handler.UpdateEntity(ctx, tx, nodeID, patch, clk); err != nil {
		return nil, coreerr.Wrap(coreerr.Aborted, err, "updating entity for node %s", nodeID).WithNode(nodeID)
	}
	if err := replaceNode(tx, &old, node); err != nil {
		return nil, err
	}
	if def.Hooks.AfterUpdate != nil {
		if err := def.Hooks.AfterUpdate(ctx, node); err != nil {
			return nil, err
		}
	}

	oldName, oldDescription := old.Name, old.Description
	res := &Result{
		AffectedNodeIDs: []string{node.ID},
		Events:          []events.Event{{Kind: events.NodeUpdated, TreeID: node.TreeID, NodeID: node.ID, NewParentID: node.ParentID, Name: node.Name, IssuedAt: node.UpdatedAt}},
		Inverse: []InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodeFields(ictx, itx, nodeID, oldName, oldDescription, oldBackup, iclk)
		}},
	}
	if overwriteRes != nil {
		res.merge(overwriteRes)
	}
	return res, nil
}

// restoreNodeFields is the shared inverse primitive for update and for
// working-copy commit (through RestoreNodeFields): re-apply a prior name/description/entity snapshot to a node
// that still exists, stamping a fresh version/timestamp rather than
// rewinding them (P6).
func (s *Service) restoreNodeFields(ctx context.Context, tx kvstore.Tx, nodeID, name, description string, backup *entity.Backup, clk clock.Clock) (*Result, error) {
	node, err := mustGetNode(tx, nodeID)
	if err != nil {
		return nil, err
	}
	def, err := s.Registry.Resolve(node.NodeType)
	if err != nil {
		return nil, err
	}
	old := *node
	// Snapshot what this call is about to overwrite, so the Result it
	// returns is itself undoable (undo's own undo is redo, and so on).
	priorName, priorDescription := node.Name, node.Description
	var priorBackup *entity.Backup
	if backup != nil {
		priorBackup, err = def.Handler.Backup(ctx, tx, nodeID, clk)
		if err != nil {
			return nil, err
		}
	}
	node.Name = name
	node.Description = description
	node.UpdatedAt = clk.Now()
	node.Version++
	if backup != nil {
		if err := def.Handler.Restore(ctx, tx, nodeID, backup, clk); err != nil {
			return nil, coreerr.Wrap(coreerr.Aborted, err, "restoring entity for node %s", nodeID).WithNode(nodeID)
		}
	}
	if err := replaceNode(tx, &old, node); err != nil {
		return nil, err
	}
	return &Result{
		AffectedNodeIDs: []string{nodeID},
		Events:          []events.Event{{Kind: events.NodeUpdated, TreeID: node.TreeID, NodeID: node.ID, NewParentID: node.ParentID, Name: node.Name, IssuedAt: node.UpdatedAt}},
		Inverse: []InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodeFields(ictx, itx, nodeID, priorName, priorDescription, priorBackup, iclk)
		}},
	}, nil
}

// isAncestor reports whether candidateAncestor appears on nodeID's parent
// chain (used for cycle detection in MoveNodes).
func isAncestor(tx kvstore.Tx, candidateAncestor, nodeID string) (bool, error) {
	cur := nodeID
	for {
		n, err := getNode(tx, cur)
		if err != nil {
			return false, err
		}
		if n == nil || n.IsRoot() {
			return false, nil
		}
		if n.ParentID == candidateAncestor {
			return true, nil
		}
		cur = n.ParentID
	}
}

// MoveNodes implements spec.md §4.5 moveNodes.
func (s *Service) MoveNodes(ctx context.Context, tx kvstore.Tx, nodeIDs []string, toParentID string, policy CollisionPolicy, clk clock.Clock) (*Result, error) {
	toParent, err := mustGetNode(tx, toParentID)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, id := range nodeIDs {
		if id == toParentID {
			return nil, coreerr.New(coreerr.CycleDetected, "node %s cannot become its own parent", id).WithNode(id)
		}
		cyclic, err := isAncestor(tx, id, toParentID)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, coreerr.New(coreerr.CycleDetected, "moving %s under %s would create a cycle", id, toParentID).WithNode(id)
		}
		node, err := mustGetNode(tx, id)
		if err != nil {
			return nil, err
		}
		if node.TreeID != toParent.TreeID {
			return nil, coreerr.New(coreerr.WrongTree, "node %s and target parent are in different trees", id).WithNode(id)
		}

		finalName, or, err := s.resolveCollision(ctx, tx, node.TreeID, toParentID, node.Name, policy, clk)
		if err != nil {
			return nil, err
		}
		old := *node
		node.ParentID = toParentID
		node.Name = finalName
		node.UpdatedAt = clk.Now()
		node.Version++
		if err := replaceNode(tx, &old, node); err != nil {
			return nil, err
		}
		oldParentID, oldName := old.ParentID, old.Name
		res.AffectedNodeIDs = append(res.AffectedNodeIDs, node.ID)
		res.Events = append(res.Events, events.Event{Kind: events.NodeMoved, TreeID: node.TreeID, NodeID: node.ID, PrevParentID: old.ParentID, NewParentID: node.ParentID, Name: node.Name, IssuedAt: node.UpdatedAt})
		res.Inverse = append(res.Inverse, func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodePosition(ictx, itx, id, oldParentID, oldName, nil, "", iclk)
		})
		if or != nil {
			res.merge(or)
		}
	}
	return res, nil
}

// restoreNodePosition is the shared inverse primitive for move/trash/
// recover: a node still exists and only needs its topology fields (not
// its entity) put back, stamped with a fresh version/timestamp (P6).
func (s *Service) restoreNodePosition(ctx context.Context, tx kvstore.Tx, nodeID, parentID, name string, removedAt *time.Time, originalParentID string, clk clock.Clock) (*Result, error) {
	node, err := mustGetNode(tx, nodeID)
	if err != nil {
		return nil, err
	}
	old := *node
	// Snapshot the topology this call is about to overwrite so its own
	// Result is undoable in turn.
	priorParentID, priorName := old.ParentID, old.Name
	priorRemovedAt, priorOriginalParentID := old.RemovedAt, old.OriginalParentID

	node.ParentID = parentID
	node.Name = name
	node.RemovedAt = removedAt
	node.OriginalParentID = originalParentID
	node.UpdatedAt = clk.Now()
	node.Version++
	if err := replaceNode(tx, &old, node); err != nil {
		return nil, err
	}
	kind := events.NodeMoved
	if old.InTrash() && removedAt == nil {
		kind = events.NodeRestored
	}
	switch {
	case !old.InTrash() && node.InTrash():
		s.Registry.IncrementTrash(node.NodeType)
	case old.InTrash() && !node.InTrash():
		s.Registry.DecrementTrash(node.NodeType)
	}
	return &Result{
		AffectedNodeIDs: []string{nodeID},
		Events:          []events.Event{{Kind: kind, TreeID: node.TreeID, NodeID: node.ID, PrevParentID: old.ParentID, NewParentID: node.ParentID, RemovedAt: node.RemovedAt, Name: node.Name, IssuedAt: node.UpdatedAt}},
		Inverse: []InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodePosition(ictx, itx, nodeID, priorParentID, priorName, priorRemovedAt, priorOriginalParentID, iclk)
		}},
	}, nil
}

func treeRoots(tx kvstore.Tx, treeID string) (*schema.Tree, error) {
	tbl, err := tx.Table(schema.TableTrees)
	if err != nil {
		return nil, err
	}
	raw, err := tbl.Get([]byte(treeID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, coreerr.New(coreerr.NodeNotFound, "tree %s not found", treeID)
	}
	return schema.DecodeTree(raw)
}

// MoveToTrash implements spec.md §4.5 moveToTrash.
func (s *Service) MoveToTrash(ctx context.Context, tx kvstore.Tx, nodeIDs []string, clk clock.Clock) (*Result, error) {
	res := &Result{}
	for _, id := range nodeIDs {
		node, err := mustGetNode(tx, id)
		if err != nil {
			return nil, err
		}
		if node.InTrash() {
			return nil, coreerr.New(coreerr.AlreadyInTrash, "node %s is already in trash", id).WithNode(id)
		}
		tree, err := treeRoots(tx, node.TreeID)
		if err != nil {
			return nil, err
		}

		finalName, or, err := s.resolveCollision(ctx, tx, node.TreeID, tree.TrashRootID, node.Name, CollisionAutoRename, clk)
		if err != nil {
			return nil, err
		}
		old := *node
		now := clk.Now()
		node.OriginalParentID = node.ParentID
		node.ParentID = tree.TrashRootID
		node.Name = finalName
		node.RemovedAt = &now
		node.UpdatedAt = now
		node.Version++
		if err := replaceNode(tx, &old, node); err != nil {
			return nil, err
		}
		s.Registry.IncrementTrash(node.NodeType)
		oldParentID, oldName := old.ParentID, old.Name
		res.AffectedNodeIDs = append(res.AffectedNodeIDs, node.ID)
		res.Events = append(res.Events, events.Event{Kind: events.NodeMoved, TreeID: node.TreeID, NodeID: node.ID, PrevParentID: old.ParentID, NewParentID: node.ParentID, RemovedAt: node.RemovedAt, Name: node.Name, IssuedAt: now})
		res.Inverse = append(res.Inverse, func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodePosition(ictx, itx, id, oldParentID, oldName, nil, "", iclk)
		})
		if or != nil {
			res.merge(or)
		}
	}
	return res, nil
}

// RecoverFromTrash implements spec.md §4.5 recoverFromTrash.
func (s *Service) RecoverFromTrash(ctx context.Context, tx kvstore.Tx, nodeIDs []string, toParentID string, policy CollisionPolicy, clk clock.Clock) (*Result, error) {
	res := &Result{}
	for _, id := range nodeIDs {
		node, err := mustGetNode(tx, id)
		if err != nil {
			return nil, err
		}
		if !node.InTrash() {
			return nil, coreerr.New(coreerr.NotInTrash, "node %s is not in trash", id).WithNode(id)
		}
		tree, err := treeRoots(tx, node.TreeID)
		if err != nil {
			return nil, err
		}

		target := toParentID
		if target == "" {
			target = tree.LiveRootID
			if node.OriginalParentID != "" {
				if orig, err := getNode(tx, node.OriginalParentID); err == nil && orig != nil && !orig.InTrash() {
					target = node.OriginalParentID
				}
			}
		}

		finalName, or, err := s.resolveCollision(ctx, tx, node.TreeID, target, node.Name, policy, clk)
		if err != nil {
			return nil, err
		}
		old := *node
		node.ParentID = target
		node.Name = finalName
		node.RemovedAt = nil
		node.OriginalParentID = ""
		node.UpdatedAt = clk.Now()
		node.Version++
		if err := replaceNode(tx, &old, node); err != nil {
			return nil, err
		}
		s.Registry.DecrementTrash(node.NodeType)
		oldParentID, oldName, oldRemovedAt, oldOriginalParentID := old.ParentID, old.Name, old.RemovedAt, old.OriginalParentID
		res.AffectedNodeIDs = append(res.AffectedNodeIDs, node.ID)
		res.Events = append(res.Events, events.Event{Kind: events.NodeRestored, TreeID: node.TreeID, NodeID: node.ID, PrevParentID: old.ParentID, NewParentID: node.ParentID, Name: node.Name, IssuedAt: node.UpdatedAt})
		res.Inverse = append(res.Inverse, func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.restoreNodePosition(ictx, itx, id, oldParentID, oldName, oldRemovedAt, oldOriginalParentID, iclk)
		})
		if or != nil {
			res.merge(or)
		}
	}
	return res, nil
}

// PermanentDelete implements spec.md §4.5 permanentDelete: depth-first
// collect descendants, then delete leaves-first so an interrupted
// transaction never leaves an orphaned child row.
func (s *Service) PermanentDelete(ctx context.Context, tx kvstore.Tx, nodeIDs []string, clk clock.Clock) (*Result, error) {
	res := &Result{}
	seen := map[string]bool{}
	for _, id := range nodeIDs {
		order, err := postOrderSubtree(tx, id)
		if err != nil {
			return nil, err
		}
		for _, nodeID := range order {
			if seen[nodeID] {
				continue
			}
			seen[nodeID] = true
			node, err := mustGetNode(tx, nodeID)
			if err != nil {
				return nil, err
			}
			def, err := s.Registry.Resolve(node.NodeType)
			if err != nil {
				return nil, err
			}
			if def.Hooks.BeforeDelete != nil {
				if err := def.Hooks.BeforeDelete(ctx, node); err != nil {
					return nil, err
				}
			}
			backup, err := def.Handler.Backup(ctx, tx, nodeID, clk)
			if err != nil {
				return nil, err
			}
			if err := def.Handler.Cleanup(ctx, tx, nodeID); err != nil {
				return nil, coreerr.Wrap(coreerr.Aborted, err, "cleaning up node %s", nodeID).WithNode(nodeID)
			}
			if err := def.Handler.DeleteEntity(ctx, tx, nodeID, clk); err != nil {
				return nil, coreerr.Wrap(coreerr.Aborted, err, "deleting entity for node %s", nodeID).WithNode(nodeID)
			}
			if err := removeNode(tx, node); err != nil {
				return nil, err
			}
			if def.Hooks.AfterDelete != nil {
				if err := def.Hooks.AfterDelete(ctx, node); err != nil {
					return nil, err
				}
			}
			s.Registry.DecrementLive(node.NodeType)
			if node.InTrash() {
				s.Registry.DecrementTrash(node.NodeType)
			}
			res.AffectedNodeIDs = append(res.AffectedNodeIDs, nodeID)
			res.Events = append(res.Events, events.Event{Kind: events.NodeDeleted, TreeID: node.TreeID, NodeID: nodeID, PrevParentID: node.ParentID, IssuedAt: clk.Now()})

			deletedNode := *node
			res.Inverse = append(res.Inverse, func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
				return s.recreateNode(ictx, itx, &deletedNode, backup, iclk)
			})
		}
	}
	// Undo must recreate parents before children; deletion walked
	// children-before-parent, so the inverse list runs in the reverse order.
	for i, j := 0, len(res.Inverse)-1; i < j; i, j = i+1, j-1 {
		res.Inverse[i], res.Inverse[j] = res.Inverse[j], res.Inverse[i]
	}
	return res, nil
}

// recreateNode is PermanentDelete's inverse primitive: reinsert a node row
// exactly as it stood before deletion (fresh version/timestamp, per P6)
// and hand its backup to the type handler's Restore.
func (s *Service) recreateNode(ctx context.Context, tx kvstore.Tx, deleted *schema.Node, backup *entity.Backup, clk clock.Clock) (*Result, error) {
	def, err := s.Registry.Resolve(deleted.NodeType)
	if err != nil {
		return nil, err
	}
	restored := *deleted
	restored.UpdatedAt = clk.Now()
	restored.Version++
	if err := insertNode(tx, &restored); err != nil {
		return nil, err
	}
	if backup != nil {
		if err := def.Handler.Restore(ctx, tx, restored.ID, backup, clk); err != nil {
			return nil, coreerr.Wrap(coreerr.Aborted, err, "restoring entity for node %s", restored.ID).WithNode(restored.ID)
		}
	}
	s.Registry.IncrementLive(restored.NodeType)
	if restored.InTrash() {
		s.Registry.IncrementTrash(restored.NodeType)
	}
	recreatedID := restored.ID
	return &Result{
		AffectedNodeIDs: []string{restored.ID},
		Events:          []events.Event{{Kind: events.NodeCreated, TreeID: restored.TreeID, NodeID: restored.ID, NewParentID: restored.ParentID, Name: restored.Name, IssuedAt: restored.UpdatedAt}},
		Inverse: []InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.PermanentDelete(ictx, itx, []string{recreatedID}, iclk)
		}},
	}, nil
}

// postOrderSubtree returns rootID and every descendant, children before
// their parent, so PermanentDelete never deletes a node before its
// children.
func postOrderSubtree(tx kvstore.Tx, rootID string) ([]string, error) {
	root, err := mustGetNode(tx, rootID)
	if err != nil {
		return nil, err
	}
	kids, err := children(tx, root.TreeID, rootID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, childID := range kids {
		sub, err := postOrderSubtree(tx, childID)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	out = append(out, rootID)
	return out, nil
}

// DuplicateNodes implements spec.md §4.5 duplicateNodes: deep-copies each
// subtree under a fresh id throughout, preserving relative child order.
func (s *Service) DuplicateNodes(ctx context.Context, tx kvstore.Tx, nodeIDs []string, toParentID string, policy CollisionPolicy, clk clock.Clock) (*Result, error) {
	toParent, err := mustGetNode(tx, toParentID)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, id := range nodeIDs {
		newID, err := s.duplicateSubtree(ctx, tx, id, toParentID, toParent.TreeID, policy, clk, res)
		if err != nil {
			return nil, err
		}
		// PermanentDelete cascades to every descendant, so only the
		// top-level clone needs its own inverse step.
		res.Inverse = append(res.Inverse, func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*Result, error) {
			return s.PermanentDelete(ictx, itx, []string{newID}, iclk)
		})
	}
	return res, nil
}

func (s *Service) duplicateSubtree(ctx context.Context, tx kvstore.Tx, sourceID, targetParentID, treeID string, policy CollisionPolicy, clk clock.Clock, res *Result) (string, error) {
	src, err := mustGetNode(tx, sourceID)
	if err != nil {
		return "", err
	}
	def, err := s.Registry.Resolve(src.NodeType)
	if err != nil {
		return "", err
	}

	finalName, or, err := s.resolveCollision(ctx, tx, treeID, targetParentID, autoRenameSuffix(src.Name, policy), policy, clk)
	if err != nil {
		return "", err
	}
	if or != nil {
		res.merge(or)
	}

	now := clk.Now()
	clone := &schema.Node{
		ID:        s.NewID(),
		ParentID:  targetParentID,
		TreeID:    treeID,
		NodeType:  src.NodeType,
		Name:      finalName,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if err := insertNode(tx, clone); err != nil {
		return "", err
	}
	if err := def.Handler.Duplicate(ctx, tx, sourceID, clone.ID, clk); err != nil {
		return "", coreerr.Wrap(coreerr.Aborted, err, "duplicating entity for node %s", sourceID).WithNode(sourceID)
	}
	s.Registry.IncrementLive(src.NodeType)

	res.AffectedNodeIDs = append(res.AffectedNodeIDs, clone.ID)
	res.Events = append(res.Events, events.Event{Kind: events.NodeCreated, TreeID: treeID, NodeID: clone.ID, NewParentID: targetParentID, Name: finalName, IssuedAt: now})

	kids, err := children(tx, src.TreeID, sourceID)
	if err != nil {
		return "", err
	}
	sort.Strings(kids) // stable order; real ordering lives in ParentUpdated index, this only needs determinism
	for _, childID := range kids {
		if _, err := s.duplicateSubtree(ctx, tx, childID, clone.ID, treeID, CollisionError, clk, res); err != nil {
			return "", err
		}
	}
	return clone.ID, nil
}

// autoRenameSuffix appends "(Copy)" for the top-level duplicate entries
// (spec.md §4.5); if that name is taken too, resolveCollision adds its
// usual counter, e.g. "docs (Copy) (2)". Child nodes inside the duplicated subtree keep their original name since their
// parent is brand new and cannot yet collide.
func autoRenameSuffix(name string, policy CollisionPolicy) string {
	if policy == CollisionAutoRename {
		return name + " (Copy)"
	}
	return name
}

// GetNode, ReplaceNode, TreeRoots and ResolveCollision are exported for
// internal/core/workingcopy, which needs the same node-table/index
// maintenance and collision policy but commits a full entity replace
// instead of a patch merge (entity.Handler.CommitWorkingCopy rather than
// UpdateEntity), so it cannot simply call Service.Update.

// RestoreNodeFields is exported for internal/core/workingcopy, whose
// CommitWorkingCopy inverse needs to undo a full entity replace the same
// way Update's inverse undoes a patch (fresh version/timestamp, prior
// name/description/entity content reapplied).
func (s *Service) RestoreNodeFields(ctx context.Context, tx kvstore.Tx, nodeID, name, description string, backup *entity.Backup, clk clock.Clock) (*Result, error) {
	return s.restoreNodeFields(ctx, tx, nodeID, name, description, backup, clk)
}

func GetNode(tx kvstore.Tx, nodeID string) (*schema.Node, error) { return getNode(tx, nodeID) }

func MustGetNode(tx kvstore.Tx, nodeID string) (*schema.Node, error) { return mustGetNode(tx, nodeID) }

func ReplaceNode(tx kvstore.Tx, old, updated *schema.Node) error { return replaceNode(tx, old, updated) }

func InsertNode(tx kvstore.Tx, n *schema.Node) error { return insertNode(tx, n) }

func TreeRoots(tx kvstore.Tx, treeID string) (*schema.Tree, error) { return treeRoots(tx, treeID) }

// ResolveCollision applies onNameConflict under (treeID, parentID),
// returning the name to use plus the Result of any overwrite deletion
// (nil if nothing was overwritten).
func (s *Service) ResolveCollision(ctx context.Context, tx kvstore.Tx, treeID, parentID, name string, policy CollisionPolicy, clk clock.Clock) (string, *Result, error) {
	return s.resolveCollision(ctx, tx, treeID, parentID, name, policy, clk)
}

// PasteNodes implements spec.md §4.5 pasteNodes: the same handler as
// duplicate, optionally deleting the sources afterward when the clipboard
// held a "cut" (the clipboard itself is per-view state owned by C7/C10,
// not by this service).
func (s *Service) PasteNodes(ctx context.Context, tx kvstore.Tx, sourceNodeIDs []string, toParentID string, policy CollisionPolicy, cut bool, clk clock.Clock) (*Result, error) {
	res, err := s.DuplicateNodes(ctx, tx, sourceNodeIDs, toParentID, policy, clk)
	if err != nil {
		return nil, err
	}
	if cut {
		delRes, err := s.PermanentDelete(ctx, tx, sourceNodeIDs, clk)
		if err != nil {
			return nil, err
		}
		res.merge(delRes)
	}
	return res, nil
}

// RootNodeType tags a tree's live/trash root nodes. Roots carry no entity
// and are never routed through the C3 registry: they exist purely as
// addressable parents, per spec.md §3's Tree type.
const RootNodeType = "root"

// CreateTree bootstraps a new tree: a Tree row plus its live and trash root
// nodes, each parentless (schema.Node.IsRoot). This is the one node-
// creation path that does not go through the registry, since roots have no
// plugin-defined entity to back them.
func (s *Service) CreateTree(ctx context.Context, tx kvstore.Tx, treeID, name string, clk clock.Clock) (*schema.Tree, error) {
	tbl, err := tx.Table(schema.TableTrees)
	if err != nil {
		return nil, err
	}
	if existing, err := tbl.Get([]byte(treeID)); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, coreerr.New(coreerr.NameConflict, "tree %s already exists", treeID)
	}

	now := clk.Now()
	liveRoot := &schema.Node{ID: s.NewID(), TreeID: treeID, NodeType: RootNodeType, Name: "root", CreatedAt: now, UpdatedAt: now, Version: 1}
	trashRoot := &schema.Node{ID: s.NewID(), TreeID: treeID, NodeType: RootNodeType, Name: "trash", CreatedAt: now, UpdatedAt: now, Version: 1}
	if err := insertNode(tx, liveRoot); err != nil {
		return nil, err
	}
	if err := insertNode(tx, trashRoot); err != nil {
		return nil, err
	}

	tree := &schema.Tree{ID: treeID, Name: name, LiveRootID: liveRoot.ID, TrashRootID: trashRoot.ID, CreatedAt: now, UpdatedAt: now}
	enc, err := schema.EncodeTree(tree)
	if err != nil {
		return nil, err
	}
	if err := tbl.Put([]byte(treeID), enc); err != nil {
		return nil, err
	}
	return tree, nil
}
