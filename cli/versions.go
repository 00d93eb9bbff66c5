package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the versions the graph has seen",
	RunE:  runVersions,
}

func runVersions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, cfg, projectRoot, err := openProjectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	project := cfg.ProjectName(projectRoot)
	versions, err := store.ListVersions(ctx, project)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Println("No versions recorded yet. Run 'codegraph watch' to seed the graph.")
		return nil
	}

	latest, err := store.LatestVersion(ctx, project)
	if err != nil {
		return err
	}
	for _, v := range versions {
		marker := " "
		if latest != nil && v.Name == latest.Name {
			marker = "*"
		}
		fmt.Printf("%s %s  %s\n", marker, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Name)
	}
	return nil
}
