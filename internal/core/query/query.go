// Package query implements C9: the read-only operations of spec.md §4.9,
// executed outside any write transaction.
//
// Grounded on cuemby-warren/pkg/storage/boltdb.go's read methods (db.View
// closures, cursor-based scans for its ListX-style queries) generalized
// from one Go method per resource type to the fixed C9 read surface over
// the generic kvstore/schema tables, and on mutation.Service's index-key
// helpers for the composite (treeId,parentId,...) scan prefixes C5 already
// maintains.
package query

import (
	"context"
	"sort"
	"strings"

	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/schema"
)

// Sort is the closed ordering for getChildren, spec.md §4.9.
type Sort string

const (
	SortByName      Sort = "name"
	SortByUpdatedAt Sort = "updatedAt" // default
)

// ChildrenOptions are the optional parameters of getChildren.
type ChildrenOptions struct {
	Sort   Sort
	Limit  int // 0 means unbounded
	Offset int
}

// Service implements C9 against a store handle; it never opens a write
// transaction.
type Service struct {
	Store kvstore.Store
}

func NewService(store kvstore.Store) *Service {
	return &Service{Store: store}
}

// GetNode returns the node, or nil if it does not exist.
func (s *Service) GetNode(ctx context.Context, nodeID string) (*schema.Node, error) {
	var n *schema.Node
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		var err error
		n, err = mutation.GetNode(tx, nodeID)
		return err
	})
	return n, err
}

// GetChildren returns parentID's direct children, ordered per opts.Sort.
func (s *Service) GetChildren(ctx context.Context, parentID string, opts ChildrenOptions) ([]*schema.Node, error) {
	var out []*schema.Node
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		parent, err := mutation.MustGetNode(tx, parentID)
		if err != nil {
			return err
		}
		nodes, err := childrenOf(tx, parent.TreeID, parentID)
		if err != nil {
			return err
		}
		sortNodes(nodes, opts.Sort)
		out = page(nodes, opts.Offset, opts.Limit)
		return nil
	})
	return out, err
}

// GetAncestors returns the root-to-node path, inclusive of nodeID, spec.md
// §4.9 ("root-to-node path").
func (s *Service) GetAncestors(ctx context.Context, nodeID string) ([]*schema.Node, error) {
	var path []*schema.Node
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		cur, err := mutation.MustGetNode(tx, nodeID)
		if err != nil {
			return err
		}
		chain := []*schema.Node{cur}
		for cur.ParentID != "" {
			parent, err := mutation.MustGetNode(tx, cur.ParentID)
			if err != nil {
				return err
			}
			chain = append(chain, parent)
			cur = parent
		}
		path = make([]*schema.Node, len(chain))
		for i, n := range chain {
			path[len(chain)-1-i] = n
		}
		return nil
	})
	return path, err
}

// SearchByName returns up to limit live nodes in treeID whose name contains
// pattern (case-insensitive). Scope is always a single tree; callers fan
// out across trees themselves.
func (s *Service) SearchByName(ctx context.Context, treeID, pattern string, limit int) ([]*schema.Node, error) {
	needle := strings.ToLower(pattern)
	var out []*schema.Node
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		tbl, err := tx.Table(schema.TableNodes)
		if err != nil {
			return err
		}
		c := tbl.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			n, err := schema.DecodeNode(v)
			if err != nil {
				return err
			}
			if n.TreeID != treeID || n.InTrash() {
				continue
			}
			if strings.Contains(strings.ToLower(n.Name), needle) {
				out = append(out, n)
			}
		}
		return nil
	})
	return out, err
}

// CountDescendants returns the number of nodes strictly below nodeID.
func (s *Service) CountDescendants(ctx context.Context, nodeID string) (int, error) {
	count := 0
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		root, err := mutation.MustGetNode(tx, nodeID)
		if err != nil {
			return err
		}
		var walk func(parentID string) error
		walk = func(parentID string) error {
			kids, err := childrenOf(tx, root.TreeID, parentID)
			if err != nil {
				return err
			}
			count += len(kids)
			for _, k := range kids {
				if err := walk(k.ID); err != nil {
					return err
				}
			}
			return nil
		}
		return walk(nodeID)
	})
	return count, err
}

// GetTrashRoot returns treeID's trash root node.
func (s *Service) GetTrashRoot(ctx context.Context, treeID string) (*schema.Node, error) {
	var n *schema.Node
	err := s.Store.View(ctx, func(tx kvstore.Tx) error {
		tree, err := mutation.TreeRoots(tx, treeID)
		if err != nil {
			return err
		}
		if tree == nil {
			return coreerr.New(coreerr.NodeNotFound, "tree %s not found", treeID)
		}
		n, err = mutation.MustGetNode(tx, tree.TrashRootID)
		return err
	})
	return n, err
}

func childrenOf(tx kvstore.Tx, treeID, parentID string) ([]*schema.Node, error) {
	tbl, err := tx.Table(schema.IndexNodesByParentName)
	if err != nil {
		return nil, err
	}
	nodesTbl, err := tx.Table(schema.TableNodes)
	if err != nil {
		return nil, err
	}
	prefix := schema.ParentNamePrefix(treeID, parentID)
	var out []*schema.Node
	c := tbl.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.PrefixNext(prefix) {
		raw, err := nodesTbl.Get([]byte(v))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		n, err := schema.DecodeNode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
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

func sortNodes(nodes []*schema.Node, by Sort) {
	switch by {
	case SortByName:
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	default:
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].UpdatedAt.Before(nodes[j].UpdatedAt) })
	}
}

func page(nodes []*schema.Node, offset, limit int) []*schema.Node {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(nodes) {
		return nil
	}
	nodes = nodes[offset:]
	if limit > 0 && limit < len(nodes) {
		nodes = nodes[:limit]
	}
	return nodes
}
