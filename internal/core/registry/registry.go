// Package registry implements C3: node-type registration and resolution.
//
// Dynamic dispatch over node types is a map keyed by type tag returning a
// handler object, not inheritance (spec.md §9) — grounded on
// cuemby-warren/pkg/manager/fsm.go's dispatch-by-command-kind table,
// generalized here to dispatch by node-type tag instead.
package registry

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/hierarchidb/core/internal/core/coreerr"
	"github.com/hierarchidb/core/internal/core/entity"
	"github.com/hierarchidb/core/internal/core/schema"
	"github.com/hierarchidb/core/pkg/metrics"
)

// DefaultNamePattern excludes \x00 (which schema's composite index keys use
// as a field separator) and the path separators '/' and '\'; other control
// characters are allowed. Plugins may override it per node type.
var DefaultNamePattern = regexp.MustCompile(`^[^\x00/\\]{1,255}$`)

// Hooks are the lifecycle callbacks invoked around node mutations,
// spec.md §4.3. Any hook may be nil.
type Hooks struct {
	BeforeCreate func(ctx context.Context, node *schema.Node) error
	AfterCreate  func(ctx context.Context, node *schema.Node) error
	BeforeUpdate func(ctx context.Context, node *schema.Node, patch map[string]any) error
	AfterUpdate  func(ctx context.Context, node *schema.Node) error
	BeforeDelete func(ctx context.Context, node *schema.Node) error
	AfterDelete  func(ctx context.Context, node *schema.Node) error
}

// ValidationRules constrain node creation/rename under this type.
type ValidationRules struct {
	NamePattern      *regexp.Regexp
	MaxChildren      int // 0 = unlimited
	CustomValidators []func(name string, fields map[string]any) error
}

// DisplayMetadata is icon/label metadata consumed by UI collaborators,
// opaque to the core itself.
type DisplayMetadata struct {
	Label string
	Icon  string
	Color string
}

// Definition is everything registered for one node type tag.
type Definition struct {
	Tag             string
	Handler         entity.Handler
	Hooks           Hooks
	Validation      ValidationRules
	Display         DisplayMetadata
	GroupTypes      []string
	RelationalKinds []string
}

// Registry resolves a node-type tag to its Definition. It is the "explicit
// core context" object of spec.md §9: constructed once per engine instance,
// never global mutable state.
type Registry struct {
	mu         sync.RWMutex
	defs       map[string]*Definition
	liveCount  map[string]int
	trashCount map[string]int
}

func New() *Registry {
	return &Registry{
		defs:       make(map[string]*Definition),
		liveCount:  make(map[string]int),
		trashCount: make(map[string]int),
	}
}

// Register records a node type definition. Idempotent: registering the same
// tag again simply replaces the definition (spec.md §4.3: "Registration is
// idempotent and happens at process start").
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Tag == "" {
		return coreerr.New(coreerr.UnknownNodeType, "node type definition must have a tag")
	}
	if def.Handler == nil {
		return coreerr.New(coreerr.UnknownNodeType, "node type %q has no entity handler", def.Tag)
	}
	if def.Validation.NamePattern == nil {
		def.Validation.NamePattern = DefaultNamePattern
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Tag] = def
	return nil
}

// Unregister removes a node type, refusing while any live node of that type
// exists (spec.md §4.3).
func (r *Registry) Unregister(tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveCount[tag] > 0 {
		return coreerr.New(coreerr.UnknownNodeType, "cannot unregister node type %q: %d live nodes remain", tag, r.liveCount[tag])
	}
	delete(r.defs, tag)
	delete(r.liveCount, tag)
	return nil
}

// Resolve returns the Definition for tag, or a NodeType error.
func (r *Registry) Resolve(tag string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[tag]
	if !ok {
		return nil, coreerr.New(coreerr.UnknownNodeType, "unknown node type %q", tag)
	}
	return def, nil
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[tag]
	return ok
}

// IncrementLive/DecrementLive track live-node counts per type so Unregister
// can refuse while nodes of that type still exist. Called by the mutation
// service on create/permanent-delete. Every transition also updates
// hierarchidb_nodes_total: the registry is the only component that already
// maintains a per-type count, so it doubles as this gauge's source of
// truth rather than a separate counter living in mutation or engine.
func (r *Registry) IncrementLive(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.liveCount[tag]++
	metrics.NodesTotal.WithLabelValues(tag).Set(float64(r.liveCount[tag]))
}

func (r *Registry) DecrementLive(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveCount[tag] > 0 {
		r.liveCount[tag]--
	}
	metrics.NodesTotal.WithLabelValues(tag).Set(float64(r.liveCount[tag]))
}

// IncrementTrash/DecrementTrash track per-type trash counts (a node stays
// "live" per IncrementLive/DecrementLive while trashed — trashing changes
// where it lives, not whether Unregister should refuse to remove its
// type), feeding hierarchidb_trashed_nodes_total. Called by the mutation
// service on moveToTrash/recoverFromTrash.
func (r *Registry) IncrementTrash(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trashCount[tag]++
	metrics.TrashedNodesTotal.WithLabelValues(tag).Set(float64(r.trashCount[tag]))
}

func (r *Registry) DecrementTrash(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trashCount[tag] > 0 {
		r.trashCount[tag]--
	}
	metrics.TrashedNodesTotal.WithLabelValues(tag).Set(float64(r.trashCount[tag]))
}

// ValidateName applies a type's NamePattern and length bound.
func (r *Registry) ValidateName(tag, name string) error {
	def, err := r.Resolve(tag)
	if err != nil {
		return err
	}
	if name == "" || len(name) > 255 || !def.Validation.NamePattern.MatchString(name) {
		return coreerr.New(coreerr.NameValidationFailed, "invalid name %q for node type %q", name, tag)
	}
	return nil
}

// String implements fmt.Stringer for debugging/log fields.
func (d *Definition) String() string {
	return fmt.Sprintf("nodeType(%s)", d.Tag)
}
