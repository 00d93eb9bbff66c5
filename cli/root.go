// Package cli implements the codegraph command line interface.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codegraphhq/codegraph/config"
	"github.com/codegraphhq/codegraph/graph"
)

var rootCmd = &cobra.Command{
	Use:   "codegraph",
	Short: "Continuously index a codebase into a versioned structural graph",
	Long: `codegraph watches a project tree, extracts its structure (functions,
classes, imports, exports, calls), and maintains a versioned graph of
how that structure evolves across commits and edits.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(jobsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// openStore builds the configured graph store for a project root and
// loads its persisted state.
func openStore(ctx context.Context, cfg *config.Config, projectRoot string) (graph.Store, error) {
	var store graph.Store
	switch cfg.Store.Backend {
	case "", "gob":
		store = graph.NewMemoryStore(config.GetGraphPath(projectRoot))
	case "postgres":
		pg, err := graph.NewPostgresStore(ctx, cfg.Store.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load graph store: %w", err)
	}
	return store, nil
}
