package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/codegraphhq/codegraph/config"
	"github.com/codegraphhq/codegraph/extract"
	"github.com/codegraphhq/codegraph/gitver"
	"github.com/codegraphhq/codegraph/supervisor"
	"github.com/codegraphhq/codegraph/writer"
)

var (
	editOldText   string
	editNewText   string
	editLine      int
	editEndLine   int
	editContent   string
	editNoWait    bool
	editFromStdin bool
)

var editCmd = &cobra.Command{
	Use:   "edit",
	Short: "Apply coordinated edits that keep the graph current",
}

var editWriteCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Replace a file's content and re-index it",
	Args:  cobra.ExactArgs(1),
	RunE:  runEditWrite,
}

var editReplaceCmd = &cobra.Command{
	Use:   "replace <file>",
	Short: "Replace one exact text occurrence and re-index",
	Args:  cobra.ExactArgs(1),
	RunE:  runEditReplace,
}

var editDeleteLinesCmd = &cobra.Command{
	Use:   "delete-lines <file>",
	Short: "Delete a line range and re-index",
	Args:  cobra.ExactArgs(1),
	RunE:  runEditDeleteLines,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show recorded write jobs",
	RunE:  runJobs,
}

func init() {
	editWriteCmd.Flags().StringVar(&editContent, "content", "", "New file content")
	editWriteCmd.Flags().BoolVar(&editFromStdin, "stdin", false, "Read new content from stdin")

	editReplaceCmd.Flags().StringVar(&editOldText, "old", "", "Exact text to replace")
	editReplaceCmd.Flags().StringVar(&editNewText, "new", "", "Replacement text")

	editDeleteLinesCmd.Flags().IntVar(&editLine, "start", 0, "First line to delete (1-indexed)")
	editDeleteLinesCmd.Flags().IntVar(&editEndLine, "end", 0, "Last line to delete (defaults to start)")

	editCmd.PersistentFlags().BoolVar(&editNoWait, "no-wait", false, "Return the job id without waiting for completion")

	editCmd.AddCommand(editWriteCmd)
	editCmd.AddCommand(editReplaceCmd)
	editCmd.AddCommand(editDeleteLinesCmd)
}

// editContext builds the coordinator for one-shot edits: store, cache,
// and journal loaded, with re-indexing wired in.
func editContext(ctx context.Context) (*writer.Coordinator, string, string, func(), error) {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return nil, "", "", nil, err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, "", "", nil, err
	}
	store, err := openStore(ctx, cfg, projectRoot)
	if err != nil {
		return nil, "", "", nil, err
	}

	cache := writer.NewFileCache(config.GetCachePath(projectRoot))
	if err := cache.Load(); err != nil {
		store.Close()
		return nil, "", "", nil, err
	}
	journal := writer.NewJournal(config.GetJournalPath(projectRoot))
	if err := journal.Load(); err != nil {
		store.Close()
		return nil, "", "", nil, err
	}

	indexer := supervisor.NewIndexer(
		store,
		extract.NewTreeSitterExtractor(),
		gitver.NewRegistry(),
		scannerFactory(cfg),
		cache,
	)
	coordinator := writer.NewCoordinator(cache, journal, indexer)

	cleanup := func() {
		if err := coordinator.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to flush writer state: %v\n", err)
		}
		store.Close()
	}
	return coordinator, projectRoot, cfg.ProjectName(projectRoot), cleanup, nil
}

func runEditWrite(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	content := editContent
	if editFromStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		content = string(data)
	}

	coordinator, root, project, cleanup, err := editContext(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID, err := coordinator.Write(ctx, project, root, args[0], content)
	if err != nil {
		return err
	}
	return finishJob(ctx, coordinator, jobID)
}

func runEditReplace(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if editOldText == "" {
		return fmt.Errorf("--old is required")
	}

	coordinator, root, project, cleanup, err := editContext(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID, err := coordinator.Replace(ctx, project, root, args[0], editOldText, editNewText)
	if err != nil {
		return err
	}
	return finishJob(ctx, coordinator, jobID)
}

func runEditDeleteLines(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if editLine < 1 {
		return fmt.Errorf("--start is required and must be at least 1")
	}

	coordinator, root, project, cleanup, err := editContext(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	jobID, err := coordinator.Patch(ctx, project, root, args[0], []writer.PatchOp{{
		Type:      writer.PatchDelete,
		StartLine: editLine,
		EndLine:   editEndLine,
	}})
	if err != nil {
		return err
	}
	return finishJob(ctx, coordinator, jobID)
}

func finishJob(ctx context.Context, coordinator *writer.Coordinator, jobID string) error {
	if editNoWait {
		fmt.Println(jobID)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	job, err := coordinator.WaitFor(waitCtx, jobID)
	if err != nil {
		return err
	}
	if job.Status == writer.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	fmt.Printf("Applied %s to %s (job %s).\n", job.Kind, job.FilePath, job.ID)
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}

	journal := writer.NewJournal(config.GetJournalPath(projectRoot))
	if err := journal.Load(); err != nil {
		return err
	}

	jobs := journal.Jobs()
	if len(jobs) == 0 {
		fmt.Println("No recorded jobs.")
		return nil
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	for _, job := range jobs {
		line := fmt.Sprintf("%s  %-7s %-8s %s", job.CreatedAt.Format("2006-01-02 15:04:05"), job.Kind, job.Status, job.FilePath)
		if job.Error != "" {
			line += "  (" + job.Error + ")"
		}
		fmt.Println(line)
	}
	return nil
}
