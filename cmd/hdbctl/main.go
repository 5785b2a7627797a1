// Command hdbctl is a local operator CLI over a HierarchiDB store, the
// way cuemby-warren/cmd/warren/main.go wraps the orchestrator in a single
// cobra command tree: persistent flags for the data directory and log
// level, one subcommand group per domain noun (tree, node, history),
// fixed-width table output for list-shaped results.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hierarchidb/core/internal/core/clock"
	"github.com/hierarchidb/core/internal/core/command"
	"github.com/hierarchidb/core/internal/core/engine"
	"github.com/hierarchidb/core/internal/core/entity"
	"github.com/hierarchidb/core/internal/core/query"
	"github.com/hierarchidb/core/internal/core/registry"
	"github.com/hierarchidb/core/internal/core/schema"
	"github.com/hierarchidb/core/pkg/config"
	"github.com/hierarchidb/core/pkg/log"
)

// genericNodeType is the node type hdbctl registers for itself so its
// create/get/move/trash commands have a handler to dispatch through; a
// real embedder registers its own plugin types instead (spec.md §4.3).
const genericNodeType = "item"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	trashStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
)

var rootCmd = &cobra.Command{
	Use:           "hdbctl",
	Short:         "Inspect and mutate a HierarchiDB store",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Store directory (overrides config.yaml/HDB_DATA_DIR)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(treeCmd, nodeCmd, historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// openEngine loads config (flags override file/env) and opens the store at
// cfg.DataDir/store.db, registering the generic node type hdbctl operates
// on. Every subcommand calls this once and Closes the engine on return.
func openEngine(cmd *cobra.Command) (*engine.Engine, error) {
	v := viper.New()
	if d, _ := cmd.Flags().GetString("data-dir"); d != "" {
		v.Set("data-dir", d)
	}
	if l, _ := cmd.Flags().GetString("log-level"); l != "" {
		v.Set("log-level", l)
	}
	if j, _ := cmd.Flags().GetBool("log-json"); j {
		v.Set("log-json", true)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	e, err := engine.New(engine.Options{
		StorePath:             cfg.DataDir + "/store.db",
		DefaultOnNameConflict: cfg.DefaultOnNameConflict,
		WorkingCopyTTL:        cfg.WorkingCopyTTL,
		SweepInterval:         cfg.SweepInterval,
		UndoRingCapacity:      cfg.UndoRingCapacity,
		Clock:                 clock.System{},
		NewID:                 func() string { return uuid.NewString() },
	})
	if err != nil {
		return nil, err
	}

	if err := e.RegisterNodeType(&registry.Definition{
		Tag:     genericNodeType,
		Handler: entity.NewBaseHandler(genericNodeType, nil, nil, func() string { return uuid.NewString() }),
		Display: registry.DisplayMetadata{Label: "Item"},
	}); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// --- tree ---

var treeCmd = &cobra.Command{Use: "tree", Short: "Manage trees"}

var treeCreateCmd = &cobra.Command{
	Use:   "create TREE_ID NAME",
	Short: "Create a new tree with its live and trash roots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		tree, err := e.CreateTree(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("tree %s created: liveRoot=%s trashRoot=%s\n", tree.ID, tree.LiveRootID, tree.TrashRootID)
		return nil
	},
}

func init() { treeCmd.AddCommand(treeCreateCmd) }

// --- node ---

var nodeCmd = &cobra.Command{Use: "node", Short: "Manage nodes"}

var nodeCreateCmd = &cobra.Command{
	Use:   "create TREE_ID PARENT_ID NAME",
	Short: "Create a node under a parent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		res, err := e.Dispatch(cmd.Context(), command.Envelope{
			CommandID: uuid.NewString(),
			Kind:      command.KindCreate,
			Payload: command.Payload{
				TreeID:   args[0],
				ParentID: args[1],
				NodeType: genericNodeType,
				Name:     args[2],
			},
			IssuedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

var nodeGetCmd = &cobra.Command{
	Use:   "get NODE_ID",
	Short: "Show one node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		n, err := e.GetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printNodes([]*schema.Node{n})
		return nil
	},
}

var nodeChildrenCmd = &cobra.Command{
	Use:   "children PARENT_ID",
	Short: "List a node's children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		children, err := e.GetChildren(cmd.Context(), args[0], query.ChildrenOptions{Sort: query.SortByName})
		if err != nil {
			return err
		}
		printNodes(children)
		return nil
	},
}

var nodeTreeCmd = &cobra.Command{
	Use:   "tree ROOT_ID",
	Short: "Render a subtree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		root, err := e.GetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return renderSubtree(cmd.Context(), e, root, "")
	},
}

func renderSubtree(ctx context.Context, e *engine.Engine, n *schema.Node, prefix string) error {
	label := n.Name
	if n.InTrash() {
		label = trashStyle.Render(label + " (trash)")
	} else {
		label = accentStyle.Render(label)
	}
	fmt.Printf("%s%s %s\n", prefix, label, mutedStyle.Render(n.ID))

	children, err := e.GetChildren(ctx, n.ID, query.ChildrenOptions{Sort: query.SortByName})
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := renderSubtree(ctx, e, c, prefix+"  "); err != nil {
			return err
		}
	}
	return nil
}

var nodeMoveCmd = &cobra.Command{
	Use:   "move NODE_ID NEW_PARENT_ID",
	Short: "Move a node to a new parent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		res, err := e.Dispatch(cmd.Context(), command.Envelope{
			CommandID: uuid.NewString(),
			Kind:      command.KindMoveNodes,
			Payload:   command.Payload{NodeIDs: []string{args[0]}, ToParentID: args[1]},
			IssuedAt:  time.Now(),
		})
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

var nodeTrashCmd = &cobra.Command{
	Use:   "trash NODE_ID...",
	Short: "Move nodes to the trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchIDs(cmd, command.KindMoveToTrash, args)
	},
}

var nodeRecoverCmd = &cobra.Command{
	Use:   "recover NODE_ID...",
	Short: "Restore nodes out of the trash",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchIDs(cmd, command.KindRecoverFromTrash, args)
	},
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete NODE_ID...",
	Short: "Permanently delete nodes (a later hdbctl run cannot undo this)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchIDs(cmd, command.KindPermanentDelete, args)
	},
}

func dispatchIDs(cmd *cobra.Command, kind command.Kind, ids []string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	res, err := e.Dispatch(cmd.Context(), command.Envelope{
		CommandID: uuid.NewString(),
		Kind:      kind,
		Payload:   command.Payload{NodeIDs: ids},
		IssuedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	return printResult(res)
}

func init() {
	nodeCmd.AddCommand(nodeCreateCmd, nodeGetCmd, nodeChildrenCmd, nodeTreeCmd, nodeMoveCmd, nodeTrashCmd, nodeRecoverCmd, nodeDeleteCmd)
}

// --- history ---

var historyCmd = &cobra.Command{Use: "history", Short: "Undo/redo a tree's command history (kept in memory; empty at the start of each hdbctl run)"}

var historyUndoCmd = &cobra.Command{
	Use:   "undo TREE_ID",
	Short: "Undo the last command group on a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchTree(cmd, command.KindUndo, args[0])
	},
}

var historyRedoCmd = &cobra.Command{
	Use:   "redo TREE_ID",
	Short: "Redo the last undone command group on a tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchTree(cmd, command.KindRedo, args[0])
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear TREE_ID",
	Short: "Clear a tree's undo/redo rings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchTree(cmd, command.KindClearHistory, args[0])
	},
}

func dispatchTree(cmd *cobra.Command, kind command.Kind, treeID string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	res, err := e.Dispatch(cmd.Context(), command.Envelope{
		CommandID: uuid.NewString(),
		Kind:      kind,
		Payload:   command.Payload{TreeID: treeID},
		IssuedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	return printResult(res)
}

func init() {
	historyCmd.AddCommand(historyUndoCmd, historyRedoCmd, historyClearCmd)
}

// --- output helpers ---

func printResult(res command.Result) error {
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Code, res.Error)
	}
	fmt.Println(accentStyle.Render("ok"), strings.Join(res.AffectedNodeIDs, ", "))
	return nil
}

func printNodes(nodes []*schema.Node) {
	fmt.Printf("%-36s %-20s %-12s %-10s\n", "ID", "NAME", "TYPE", "STATUS")
	for _, n := range nodes {
		status := "live"
		if n.InTrash() {
			status = "trash"
		}
		fmt.Printf("%-36s %-20s %-12s %-10s\n", n.ID, n.Name, n.NodeType, status)
	}
}
