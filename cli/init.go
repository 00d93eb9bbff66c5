package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codegraphhq/codegraph/config"
)

var (
	initBackend        string
	initProject        string
	initNonInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize codegraph in the current directory",
	Long: `Initialize codegraph by creating a .codegraph directory with configuration.

This command will:
- Create .codegraph/config.yaml with default settings
- Prompt for storage backend (GOB file or PostgreSQL)
- Add .codegraph/ to .gitignore if present`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initBackend, "backend", "b", "", "Storage backend (gob or postgres)")
	initCmd.Flags().StringVarP(&initProject, "project", "p", "", "Project name (defaults to directory name)")
	initCmd.Flags().BoolVar(&initNonInteractive, "yes", false, "Use defaults without prompting")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	if config.Exists(cwd) {
		fmt.Println("codegraph is already initialized in this directory.")
		fmt.Printf("Configuration: %s\n", config.GetConfigPath(cwd))
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Project = initProject

	if !initNonInteractive && initBackend == "" {
		reader := bufio.NewReader(os.Stdin)

		fmt.Println("\nSelect storage backend:")
		fmt.Println("  1) gob (local file, recommended for most projects)")
		fmt.Println("  2) postgres (shared graph, for large monorepos or teams)")
		fmt.Print("Choice [1]: ")

		input, _ := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		switch input {
		case "2", "postgres":
			cfg.Store.Backend = "postgres"
			fmt.Print("PostgreSQL DSN: ")
			dsn, _ := reader.ReadString('\n')
			cfg.Store.Postgres.DSN = strings.TrimSpace(dsn)
		default:
			cfg.Store.Backend = "gob"
		}
	} else if initBackend != "" {
		if initBackend != "gob" && initBackend != "postgres" {
			return fmt.Errorf("unknown backend %q (expected gob or postgres)", initBackend)
		}
		cfg.Store.Backend = initBackend
	}

	if err := cfg.Save(cwd); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("\nCreated configuration at %s\n", config.GetConfigPath(cwd))

	// Add .codegraph/ to .gitignore
	gitignorePath := filepath.Join(cwd, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		if err := ensureGitignoreEntry(cwd, ".codegraph/"); err != nil {
			fmt.Printf("Warning: could not update .gitignore: %v\n", err)
		} else {
			fmt.Println("Added .codegraph/ to .gitignore")
		}
	}

	fmt.Println("\ncodegraph initialized successfully!")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Start the watch daemon: codegraph watch")
	fmt.Println("  2. Query the graph: codegraph query files --function yourFunc")

	return nil
}

// ensureGitignoreEntry appends an entry to .gitignore if not already
// present.
func ensureGitignoreEntry(dir, entry string) error {
	gitignorePath := filepath.Join(dir, ".gitignore")
	content, err := os.ReadFile(gitignorePath)
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == entry || trimmed == strings.TrimSuffix(entry, "/") {
				return nil
			}
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(content) > 0 && content[len(content)-1] != '\n' {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(entry + "\n")
	return err
}
