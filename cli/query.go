package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codegraphhq/codegraph/config"
	"github.com/codegraphhq/codegraph/graph"
)

var (
	queryPath     string
	queryName     string
	queryFunction string
	queryImport   string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the structural graph",
}

var queryFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List indexed files, optionally filtered",
	Long: `List the live files of the current project.

Filters combine: --path and --name match substrings of the file path and
name, --function keeps files defining a matching function, --import
keeps files importing a matching source.`,
	RunE: runQueryFiles,
}

var queryDefinesCmd = &cobra.Command{
	Use:   "defines <name>",
	Short: "Show where a function is defined",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueryDefines,
}

var queryMovedCmd = &cobra.Command{
	Use:   "moved",
	Short: "Show entities that moved between files",
	RunE:  runQueryMoved,
}

var queryTreeCmd = &cobra.Command{
	Use:   "tree [dir]",
	Short: "Show the indexed directory tree under a path",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueryTree,
}

func init() {
	queryFilesCmd.Flags().StringVar(&queryPath, "path", "", "Filter by path substring")
	queryFilesCmd.Flags().StringVar(&queryName, "name", "", "Filter by file name substring")
	queryFilesCmd.Flags().StringVar(&queryFunction, "function", "", "Filter by defined function name")
	queryFilesCmd.Flags().StringVar(&queryImport, "import", "", "Filter by import source")

	queryCmd.AddCommand(queryFilesCmd)
	queryCmd.AddCommand(queryDefinesCmd)
	queryCmd.AddCommand(queryMovedCmd)
	queryCmd.AddCommand(queryTreeCmd)
}

// openProjectStore resolves the project root, loads config, and opens
// the store.
func openProjectStore(ctx context.Context) (graph.Store, *config.Config, string, error) {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return nil, nil, "", err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, nil, "", err
	}
	store, err := openStore(ctx, cfg, projectRoot)
	if err != nil {
		return nil, nil, "", err
	}
	return store, cfg, projectRoot, nil
}

func runQueryFiles(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, cfg, projectRoot, err := openProjectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	files, err := store.ListFiles(ctx, cfg.ProjectName(projectRoot), graph.FileFilter{
		PathContains: queryPath,
		NameContains: queryName,
		FunctionName: queryFunction,
		ImportSource: queryImport,
	})
	if err != nil {
		return err
	}

	if len(files) == 0 {
		fmt.Println("No matching files.")
		return nil
	}
	for _, f := range files {
		fmt.Println(f.Path)
	}
	return nil
}

func runQueryDefines(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, _, err := openProjectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	functions, err := store.FindFunctions(ctx, args[0])
	if err != nil {
		return err
	}
	if len(functions) == 0 {
		fmt.Printf("No live definition of %s.\n", args[0])
		return nil
	}
	for _, fn := range functions {
		fmt.Printf("%s:%d-%d  %s(%s)\n", fn.FilePath, fn.StartLine, fn.EndLine, fn.Name, joinParams(fn.Params))
	}
	return nil
}

func runQueryMoved(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, cfg, projectRoot, err := openProjectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	moves, err := store.ListMoves(ctx, cfg.ProjectName(projectRoot))
	if err != nil {
		return err
	}
	if len(moves) == 0 {
		fmt.Println("No recorded moves.")
		return nil
	}
	for _, m := range moves {
		fmt.Printf("%s %s: %s -> %s (in %s)\n", m.Kind, m.Name, m.FromFile, m.ToFile, m.Version)
	}
	return nil
}

func runQueryTree(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, _, err := openProjectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	dirPath := ""
	if len(args) == 1 {
		dirPath = args[0]
	}

	dirs, files, err := store.Subtree(ctx, dirPath)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		fmt.Printf("%s/\n", d.Path)
	}
	for _, f := range files {
		fmt.Println(f.Path)
	}
	if len(dirs) == 0 && len(files) == 0 {
		fmt.Println("Nothing indexed under that path.")
	}
	return nil
}

func joinParams(params []string) string {
	out := ""
	for i, p := range params {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
