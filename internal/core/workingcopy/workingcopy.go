// Package workingcopy implements C6: the optimistic-concurrency draft
// protocol of spec.md §4.6, isolating in-progress edits and creations from
// the live tree until an atomic commit.
//
// Grounded on cuemby-warren/pkg/manager/token.go's short-lived-token
// issue/redeem/expire lifecycle, generalized here from bearer tokens to
// working-copy drafts: CreateWorkingCopy is issue, CommitWorkingCopy is
// redeem-and-consume, DiscardWorkingCopy is revoke, and SweepExpired is the
// token manager's expiry reaper.
package workingcopy

import (
	"context"
	"time"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/events"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
)

// Service implements C6 against a caller-supplied transaction (the same
// discipline as mutation.Service: no transaction state lives between
// calls).
type Service struct {
	Registry *registry.Registry
	Mutation *mutation.Service
	NewID    func() string
	TTL      time.Duration
}

func NewService(reg *registry.Registry, mut *mutation.Service, newID func() string, ttl time.Duration) *Service {
	return &Service{Registry: reg, Mutation: mut, NewID: newID, TTL: ttl}
}

func wcTable(tx kvstore.Tx) (kvstore.Table, error) { return tx.Table(schema.TableWorkingCopies) }

func wcViewIndex(tx kvstore.Tx) (kvstore.Table, error) { return tx.Table(schema.IndexWorkingCopiesByView) }

func getWorkingCopy(tx kvstore.Tx, id string) (*schema.WorkingCopy, error) {
	tbl, err := wcTable(tx)
	if err != nil {
		return nil, err
	}
	raw, err := tbl.Get([]byte(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, coreerr.New(coreerr.NodeNotFound, "working copy %s not found", id)
	}
	return schema.DecodeWorkingCopy(raw)
}

func putWorkingCopy(tx kvstore.Tx, wc *schema.WorkingCopy) error {
	tbl, err := wcTable(tx)
	if err != nil {
		return err
	}
	enc, err := schema.EncodeWorkingCopy(wc)
	if err != nil {
		return err
	}
	if err := tbl.Put([]byte(wc.ID), enc); err != nil {
		return err
	}
	idx, err := wcViewIndex(tx)
	if err != nil {
		return err
	}
	key := viewKey(wc)
	return idx.Put(key, []byte(wc.ID))
}

func deleteWorkingCopy(tx kvstore.Tx, wc *schema.WorkingCopy) error {
	tbl, err := wcTable(tx)
	if err != nil {
		return err
	}
	if err := tbl.Delete([]byte(wc.ID)); err != nil {
		return err
	}
	idx, err := wcViewIndex(tx)
	if err != nil {
		return err
	}
	return idx.Delete(viewKey(wc))
}

func viewKey(wc *schema.WorkingCopy) []byte {
	source := wc.SourceNodeID
	if wc.Mode == schema.WorkingCopyCreate {
		source = wc.ID // create-flow drafts have no source node; key off the draft itself
	}
	return schema.WorkingCopyViewKey(source, wc.ViewID)
}

// CreateWorkingCopy implements the edit-existing flow's issue step,
// spec.md §4.6.
func (s *Service) CreateWorkingCopy(ctx context.Context, tx kvstore.Tx, workingCopyID, sourceNodeID, viewID string, clk clock.Clock) (*schema.WorkingCopy, error) {
	idx, err := wcViewIndex(tx)
	if err != nil {
		return nil, err
	}
	key := schema.WorkingCopyViewKey(sourceNodeID, viewID)
	existing, err := idx.Get(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, coreerr.New(coreerr.WorkingCopyExists, "working copy already open for node %s in view %s", sourceNodeID, viewID).WithNode(sourceNodeID)
	}

	node, err := mutation.MustGetNode(tx, sourceNodeID)
	if err != nil {
		return nil, err
	}
	def, err := s.Registry.Resolve(node.NodeType)
	if err != nil {
		return nil, err
	}
	entityData, err := def.Handler.CreateWorkingCopy(ctx, tx, sourceNodeID)
	if err != nil {
		return nil, err
	}

	updatedAt := node.UpdatedAt
	wc := &schema.WorkingCopy{
		ID:                workingCopyID,
		Mode:              schema.WorkingCopyEdit,
		SourceNodeID:      sourceNodeID,
		TreeID:            node.TreeID,
		NodeType:          node.NodeType,
		ViewID:            viewID,
		ExpectedUpdatedAt: &updatedAt,
		Name:              node.Name,
		Description:       node.Description,
		EntityData:        entityData,
		CreatedAt:         clk.Now(),
	}
	if err := putWorkingCopy(tx, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// CreateWorkingCopyForCreate implements the create-new flow's issue step,
// spec.md §4.6: a draft under a target parent without materialising a
// node.
func (s *Service) CreateWorkingCopyForCreate(ctx context.Context, tx kvstore.Tx, workingCopyID, parentNodeID, nodeType, name, description string, viewID string, clk clock.Clock) (*schema.WorkingCopy, error) {
	if _, err := mutation.MustGetNode(tx, parentNodeID); err != nil {
		return nil, coreerr.New(coreerr.ParentNotFound, "parent %s not found", parentNodeID).WithNode(parentNodeID)
	}
	if !s.Registry.Has(nodeType) {
		return nil, coreerr.New(coreerr.UnknownNodeType, "unknown node type %q", nodeType)
	}
	wc := &schema.WorkingCopy{
		ID:           workingCopyID,
		Mode:         schema.WorkingCopyCreate,
		ParentNodeID: parentNodeID,
		NodeType:     nodeType,
		ViewID:       viewID,
		Name:         name,
		Description:  description,
		EntityData:   map[string]any{},
		CreatedAt:    clk.Now(),
	}
	if err := putWorkingCopy(tx, wc); err != nil {
		return nil, err
	}
	return wc, nil
}

// CommitWorkingCopy implements the edit-existing flow's commit step,
// spec.md §4.6: re-reads the source node inside this transaction, checks
// expectedUpdatedAt, applies the draft to node+entity via a full entity
// replace (not a patch merge — the draft already holds the complete
// entity content), and deletes the working copy.
func (s *Service) CommitWorkingCopy(ctx context.Context, tx kvstore.Tx, workingCopyID string, expectedUpdatedAt time.Time, policy mutation.CollisionPolicy, clk clock.Clock) (*mutation.Result, error) {
	wc, err := getWorkingCopy(tx, workingCopyID)
	if err != nil {
		return nil, err
	}
	if wc.Mode != schema.WorkingCopyEdit {
		return nil, coreerr.New(coreerr.InvalidEnvelope, "working copy %s is not an edit-flow draft", workingCopyID)
	}

	node, err := mutation.MustGetNode(tx, wc.SourceNodeID)
	if err != nil {
		return nil, err
	}
	if !node.UpdatedAt.Equal(expectedUpdatedAt) {
		return nil, coreerr.New(coreerr.VersionConflict, "node %s has been modified since the working copy was opened", wc.SourceNodeID).WithNode(wc.SourceNodeID)
	}

	def, err := s.Registry.Resolve(node.NodeType)
	if err != nil {
		return nil, err
	}

	old := *node
	var overwriteRes *mutation.Result
	finalName := node.Name
	if wc.Name != "" && wc.Name != node.Name {
		if err := s.Registry.ValidateName(node.NodeType, wc.Name); err != nil {
			return nil, err
		}
		finalName, overwriteRes, err = s.Mutation.ResolveCollision(ctx, tx, node.TreeID, node.ParentID, wc.Name, policy, clk)
		if err != nil {
			return nil, err
		}
	}

	oldName, oldDescription := node.Name, node.Description
	oldBackup, err := def.Handler.Backup(ctx, tx, wc.SourceNodeID, clk)
	if err != nil {
		return nil, err
	}

	node.Name = finalName
	node.Description = wc.Description
	node.UpdatedAt = clk.Now()
	node.Version++

	if err := def.Handler.CommitWorkingCopy(ctx, tx, wc.SourceNodeID, wc.EntityData, clk); err != nil {
		return nil, coreerr.Wrap(coreerr.Aborted, err, "committing working copy for node %s", wc.SourceNodeID).WithNode(wc.SourceNodeID)
	}
	if err := mutation.ReplaceNode(tx, &old, node); err != nil {
		return nil, err
	}
	if err := deleteWorkingCopy(tx, wc); err != nil {
		return nil, err
	}

	sourceNodeID := wc.SourceNodeID
	// W3: exactly one node-updated event carries the committed final state.
	res := &mutation.Result{
		AffectedNodeIDs: []string{node.ID},
		Events:          []events.Event{{Kind: events.NodeUpdated, TreeID: node.TreeID, NodeID: node.ID, NewParentID: node.ParentID, Name: node.Name, IssuedAt: node.UpdatedAt}},
		Inverse: []mutation.InverseFunc{func(ictx context.Context, itx kvstore.Tx, iclk clock.Clock) (*mutation.Result, error) {
			return s.Mutation.RestoreNodeFields(ictx, itx, sourceNodeID, oldName, oldDescription, oldBackup, iclk)
		}},
	}
	if overwriteRes != nil {
		res.AffectedNodeIDs = append(res.AffectedNodeIDs, overwriteRes.AffectedNodeIDs...)
		res.Events = append(res.Events, overwriteRes.Events...)
		res.Inverse = append(res.Inverse, overwriteRes.Inverse...)
	}
	return res, nil
}

// CommitWorkingCopyForCreate implements the create-new flow's commit step:
// runs C5's create using the draft contents atomically with the
// working-copy deletion.
func (s *Service) CommitWorkingCopyForCreate(ctx context.Context, tx kvstore.Tx, workingCopyID string, policy mutation.CollisionPolicy, clk clock.Clock) (*mutation.Result, error) {
	wc, err := getWorkingCopy(tx, workingCopyID)
	if err != nil {
		return nil, err
	}
	if wc.Mode != schema.WorkingCopyCreate {
		return nil, coreerr.New(coreerr.InvalidEnvelope, "working copy %s is not a create-flow draft", workingCopyID)
	}
	parent, err := mutation.MustGetNode(tx, wc.ParentNodeID)
	if err != nil {
		return nil, err
	}

	res, err := s.Mutation.Create(ctx, tx, parent.TreeID, wc.ParentNodeID, wc.NodeType, wc.Name, wc.Description, wc.EntityData, policy, clk)
	if err != nil {
		return nil, err
	}
	if err := deleteWorkingCopy(tx, wc); err != nil {
		return nil, err
	}
	return res, nil
}

// DiscardWorkingCopy implements both flows' discard step: delete the
// working copy without touching the (possibly nonexistent) node/entity.
func (s *Service) DiscardWorkingCopy(ctx context.Context, tx kvstore.Tx, workingCopyID string) error {
	wc, err := getWorkingCopy(tx, workingCopyID)
	if err != nil {
		return err
	}
	if wc.SourceNodeID != "" {
		def, err := s.Registry.Resolve(wc.NodeType)
		if err == nil {
			if err := def.Handler.DiscardWorkingCopy(ctx, tx, wc.SourceNodeID); err != nil {
				return err
			}
		}
	}
	return deleteWorkingCopy(tx, wc)
}

// SweepExpired deletes every working copy older than TTL, grounded on
// pkg/manager/token.go's expiry reaper; invoked by the engine facade's
// startup/ticker GC sweep (C10).
func (s *Service) SweepExpired(ctx context.Context, tx kvstore.Tx, now time.Time) (int, error) {
	if s.TTL <= 0 {
		return 0, nil
	}
	tbl, err := wcTable(tx)
	if err != nil {
		return 0, err
	}
	c := tbl.Cursor()
	var expired []*schema.WorkingCopy
	for k, v := c.First(); k != nil; k, v = c.Next() {
		wc, err := schema.DecodeWorkingCopy(v)
		if err != nil {
			return 0, err
		}
		if now.Sub(wc.CreatedAt) > s.TTL {
			expired = append(expired, wc)
		}
	}
	for _, wc := range expired {
		if err := deleteWorkingCopy(tx, wc); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
