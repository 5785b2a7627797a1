// Package engine implements C10: the single facade spec.md §4.10 describes,
// aggregating C5–C9 behind one set of asynchronous methods, owning the
// store lifetime, the facade-wide onNameConflict default (there is no
// per-view setting), and the background working-copy GC sweep.
//
// Grounded on cuemby-warren/pkg/manager/manager.go's single Manager struct
// wiring store+fsm+events+token-manager behind one API, and on
// pkg/reconciler/reconciler.go's ticker-driven sweep loop for the
// working-copy expiry reaper.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/command"
	"github.com/hierarchidb/core/internal/core/kvstore"
	"github.com/hierarchidb/core/internal/core/mutation"
	"github.com/hierarchidb/core/internal/core/query"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
	"github.com/hierarchidb/core/internal/core/subscribe"
	"github.com/hierarchidb/core/internal/core/workingcopy"
	"github.com/hierarchidb/core/pkg/log"
	"github.com/hierarchidb/core/pkg/metrics"
)

// Options configure a new Engine.
type Options struct {
	// StorePath is the bbolt file path (kvstore.Options.Path).
	StorePath string
	// DefaultOnNameConflict is the facade-wide fallback when a command
	// envelope leaves OnNameConflict unset; every view gets the same
	// default.
	DefaultOnNameConflict mutation.CollisionPolicy
	// WorkingCopyTTL bounds how long an unsubmitted working copy survives
	// before SweepExpired reclaims it.
	WorkingCopyTTL time.Duration
	// SweepInterval is how often the GC loop runs. Defaults to TTL/2.
	SweepInterval time.Duration
	// UndoRingCapacity bounds each tree's undo/redo ring depth.
	UndoRingCapacity int
	// Clock overrides time.Now, for deterministic tests.
	Clock clock.Clock
	// NewID overrides id generation, for deterministic tests.
	NewID func() string
}

// Engine is the single entry point external collaborators use: every
// public method is asynchronous (spec.md §4.10's "suspension occurs at
// each transaction boundary"), expressed here as ctx-aware Go methods
// rather than an explicit async/await surface.
type Engine struct {
	opts Options

	Store       kvstore.Store
	Registry    *registry.Registry
	Mutation    *mutation.Service
	WorkingCopy *workingcopy.Service
	Command     *command.Service
	Query       *query.Service
	Subscribe   *subscribe.Service

	clock clock.Clock

	sf singleflight.Group // dedupes concurrent identical reads before a transaction opens

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens the store, wires C2–C9 behind it, runs one working-copy GC
// sweep, and starts the GC loop.
func New(opts Options) (*Engine, error) {
	if opts.DefaultOnNameConflict == "" {
		opts.DefaultOnNameConflict = mutation.CollisionError
	}
	if opts.WorkingCopyTTL <= 0 {
		opts.WorkingCopyTTL = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.WorkingCopyTTL / 2
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	store, err := kvstore.Open(kvstore.Options{Path: opts.StorePath, Tables: schema.AllCoreTables()})
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return nil, err
	}
	metrics.RegisterComponent("store", true, "")

	reg := registry.New()
	mut := mutation.NewService(reg, opts.NewID)
	wc := workingcopy.NewService(reg, mut, opts.NewID, opts.WorkingCopyTTL)
	cmd := command.NewService(store, mut, wc, opts.Clock, opts.NewID, opts.UndoRingCapacity)
	q := query.NewService(store)
	sub := subscribe.NewService(q, cmd.Broadcaster(), opts.NewID)

	e := &Engine{
		opts:        opts,
		Store:       store,
		Registry:    reg,
		Mutation:    mut,
		WorkingCopy: wc,
		Command:     cmd,
		Query:       q,
		Subscribe:   sub,
		clock:       opts.Clock,
		stopCh:      make(chan struct{}),
	}
	metrics.RegisterComponent("engine", true, "")

	e.sweepOnce(log.WithComponent("engine"))
	e.wg.Add(1)
	go e.sweepLoop()

	return e, nil
}

// Close stops the GC loop and the subscription engine, then releases the
// store.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.Subscribe.Stop()
	e.Command.Broadcaster().Stop()
	return e.Store.Close()
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	logger := log.WithComponent("engine")
	for {
		select {
		case <-ticker.C:
			e.sweepOnce(logger)
		case <-e.stopCh:
			return
		}
	}
}

// sweepOnce reclaims expired working copies in one store transaction,
// taking over the periodic-refresh role cuemby-warren's pkg/metrics
// collector used to play for *manager.Manager.
func (e *Engine) sweepOnce(logger zerolog.Logger) {
	var n int
	err := e.Store.Update(context.Background(), func(tx kvstore.Tx) error {
		var err error
		n, err = e.WorkingCopy.SweepExpired(context.Background(), tx, e.clock.Now())
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("working copy sweep failed")
		return
	}
	if n > 0 {
		metrics.WorkingCopiesExpiredTotal.Add(float64(n))
		logger.Info().Int("count", n).Msg("swept expired working copies")
	}
}

// CreateTree bootstraps a new tree and its live/trash roots.
func (e *Engine) CreateTree(ctx context.Context, treeID, name string) (*schema.Tree, error) {
	var tree *schema.Tree
	err := e.Store.Update(ctx, func(tx kvstore.Tx) error {
		var err error
		tree, err = e.Mutation.CreateTree(ctx, tx, treeID, name, e.clock)
		return err
	})
	return tree, err
}

// RegisterNodeType records a plugin's node-type definition, spec.md §4.3.
func (e *Engine) RegisterNodeType(def *registry.Definition) error {
	return e.Registry.Register(def)
}

// Dispatch applies one command envelope, filling in the facade's default
// onNameConflict when the caller left it unset, per spec.md §4.10.
func (e *Engine) Dispatch(ctx context.Context, env command.Envelope) (command.Result, error) {
	if env.OnNameConflict == "" {
		env.OnNameConflict = e.opts.DefaultOnNameConflict
	}
	return e.Command.Dispatch(ctx, env)
}

// GetNode reads a node, deduplicated across concurrent identical callers:
// two views racing to read the same node before either's View transaction
// has opened collapse into a single store read
// (golang.org/x/sync/singleflight).
func (e *Engine) GetNode(ctx context.Context, nodeID string) (*schema.Node, error) {
	v, err, _ := e.sf.Do("getNode:"+nodeID, func() (any, error) {
		return e.Query.GetNode(ctx, nodeID)
	})
	if v == nil || err != nil {
		return nil, err
	}
	return v.(*schema.Node), nil
}

// GetChildren, GetAncestors, CountDescendants, and GetTrashRoot pass
// through to C9 directly: unlike GetNode they carry caller-specific
// options (sort/limit/offset, depth), so a shared singleflight key would
// either ignore those options (wrong answer for a differently-paged
// caller) or have to encode them into the key, which buys nothing over
// just letting bbolt's own read-only MVCC snapshot serve both readers.
func (e *Engine) GetChildren(ctx context.Context, parentID string, opts query.ChildrenOptions) ([]*schema.Node, error) {
	return e.Query.GetChildren(ctx, parentID, opts)
}

func (e *Engine) GetAncestors(ctx context.Context, nodeID string) ([]*schema.Node, error) {
	return e.Query.GetAncestors(ctx, nodeID)
}

func (e *Engine) CountDescendants(ctx context.Context, nodeID string) (int, error) {
	return e.Query.CountDescendants(ctx, nodeID)
}

func (e *Engine) GetTrashRoot(ctx context.Context, treeID string) (*schema.Node, error) {
	return e.Query.GetTrashRoot(ctx, treeID)
}

// SearchByNameAcrossTrees fans SearchByName out across treeIDs concurrently
// (golang.org/x/sync/errgroup), each tree read in its own independent
// read-only transaction, matching spec.md §4.9's note that cross-tree
// search is the caller's responsibility to fan out, not the core's.
func (e *Engine) SearchByNameAcrossTrees(ctx context.Context, treeIDs []string, pattern string, limitPerTree int) ([]*schema.Node, error) {
	results := make([][]*schema.Node, len(treeIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, treeID := range treeIDs {
		i, treeID := i, treeID
		g.Go(func() error {
			nodes, err := e.Query.SearchByName(gctx, treeID, pattern, limitPerTree)
			if err != nil {
				return err
			}
			results[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*schema.Node
	for _, nodes := range results {
		out = append(out, nodes...)
	}
	return out, nil
}

// ObserveNode, ObserveChildren, ObserveSubtree, and ReleaseView pass
// through to C8.
func (e *Engine) ObserveNode(ctx context.Context, viewID, nodeID string, includeInitialValue bool) (*subscribe.Subscription, *subscribe.NodeSnapshot, error) {
	return e.Subscribe.ObserveNode(ctx, viewID, nodeID, includeInitialValue)
}

func (e *Engine) ObserveChildren(ctx context.Context, viewID, parentID string, includeInitialSnapshot bool) (*subscribe.Subscription, *subscribe.ChildrenSnapshot, error) {
	return e.Subscribe.ObserveChildren(ctx, viewID, parentID, includeInitialSnapshot)
}

func (e *Engine) ObserveSubtree(ctx context.Context, viewID, rootID string, includeInitialSnapshot bool, maxDepth int) (*subscribe.Subscription, []*schema.Node, error) {
	return e.Subscribe.ObserveSubtree(ctx, viewID, rootID, includeInitialSnapshot, maxDepth)
}

func (e *Engine) ReleaseView(viewID string) {
	e.Subscribe.ReleaseView(viewID)
}
