package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codegraphhq/codegraph/bus"
	"github.com/codegraphhq/codegraph/config"
	"github.com/codegraphhq/codegraph/daemon"
	"github.com/codegraphhq/codegraph/extract"
	"github.com/codegraphhq/codegraph/gitver"
	"github.com/codegraphhq/codegraph/scan"
	"github.com/codegraphhq/codegraph/supervisor"
	"github.com/codegraphhq/codegraph/writer"
)

var (
	watchBackground bool
	watchStop       bool
	watchStatus     bool
	watchLogDir     string
	watchVerbose    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Seed the graph and keep it current as files change",
	Long: `Seed the structural graph for the current project and watch the tree,
re-indexing files as they are added, changed, or removed.

Runs in the foreground by default. Use --background to run as a daemon,
--status to check a running daemon, and --stop to shut it down.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVarP(&watchBackground, "background", "b", false, "Run as a background daemon")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the background daemon")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "Show background daemon status")
	watchCmd.Flags().StringVar(&watchLogDir, "log-dir", "", "Directory for daemon PID and log files")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Print every change event")
}

func runWatch(cmd *cobra.Command, args []string) error {
	activeFlags := 0
	if watchBackground {
		activeFlags++
	}
	if watchStop {
		activeFlags++
	}
	if watchStatus {
		activeFlags++
	}
	if activeFlags > 1 {
		return fmt.Errorf("--background, --stop, and --status are mutually exclusive")
	}

	logDir := watchLogDir
	if logDir == "" {
		var err error
		logDir, err = daemon.GetDefaultLogDir()
		if err != nil {
			return fmt.Errorf("failed to determine log directory: %w", err)
		}
	}

	switch {
	case watchStop:
		return stopWatchDaemon(logDir)
	case watchStatus:
		return showWatchStatus(logDir)
	case watchBackground:
		return startWatchDaemon(logDir)
	default:
		return runWatchForeground(logDir)
	}
}

func stopWatchDaemon(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Println("codegraph watch is not running.")
		return nil
	}

	if err := daemon.StopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop process %d: %w", pid, err)
	}

	// Give the daemon a moment to shut down cleanly
	for i := 0; i < 50; i++ {
		if !daemon.IsProcessRunning(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if daemon.IsProcessRunning(pid) {
		return fmt.Errorf("process %d did not stop, check logs in %s", pid, logDir)
	}

	_ = daemon.RemovePIDFile(logDir)
	_ = daemon.RemoveReadyFile(logDir)
	fmt.Printf("Stopped codegraph watch (PID %d).\n", pid)
	return nil
}

func showWatchStatus(logDir string) error {
	pid, err := daemon.GetRunningPID(logDir)
	if err != nil {
		return err
	}
	if pid == 0 {
		fmt.Println("codegraph watch is not running.")
		return nil
	}
	if daemon.IsReady(logDir) {
		fmt.Printf("codegraph watch is running and ready (PID %d).\n", pid)
	} else {
		fmt.Printf("codegraph watch is starting (PID %d).\n", pid)
	}
	return nil
}

func startWatchDaemon(logDir string) error {
	if pid, err := daemon.GetRunningPID(logDir); err != nil {
		return err
	} else if pid > 0 {
		fmt.Printf("codegraph watch is already running (PID %d).\n", pid)
		return nil
	}

	// Fail early on config problems instead of inside the detached child
	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	if _, err := config.Load(projectRoot); err != nil {
		return err
	}

	spawnArgs := []string{"watch"}
	if watchLogDir != "" {
		spawnArgs = append(spawnArgs, "--log-dir", watchLogDir)
	}

	pid, exitCh, err := daemon.SpawnBackground(logDir, spawnArgs)
	if err != nil {
		return err
	}

	// Wait for the child to report readiness or die early
	deadline := time.After(60 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-exitCh:
			return fmt.Errorf("daemon exited during startup, check logs in %s", logDir)
		case <-deadline:
			fmt.Printf("Started codegraph watch (PID %d), still seeding. Logs: %s\n", pid, logDir)
			return nil
		case <-ticker.C:
			if daemon.IsReady(logDir) {
				fmt.Printf("Started codegraph watch (PID %d). Logs: %s\n", pid, logDir)
				return nil
			}
		}
	}
}

func runWatchForeground(logDir string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	isBackgroundChild := os.Getenv("CODEGRAPH_BACKGROUND") == "1"
	if isBackgroundChild {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		log.SetPrefix("[codegraph-watch] ")

		if err := daemon.WritePIDFile(logDir); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer daemon.RemovePIDFile(logDir)
		defer daemon.RemoveReadyFile(logDir)
	}

	projectRoot, err := config.FindProjectRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(projectRoot)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, projectRoot)
	if err != nil {
		return err
	}
	defer store.Close()

	cache := writer.NewFileCache(config.GetCachePath(projectRoot))
	if err := cache.Load(); err != nil {
		log.Printf("Starting with an empty file cache: %v", err)
	}
	journal := writer.NewJournal(config.GetJournalPath(projectRoot))
	if err := journal.Load(); err != nil {
		log.Printf("Starting with an empty job journal: %v", err)
	}

	scanners := scannerFactory(cfg)
	oracles := gitver.NewRegistry()
	extractor := extract.NewTreeSitterExtractor()
	indexer := supervisor.NewIndexer(store, extractor, oracles, scanners, cache)
	events := bus.NewMemoryBus()
	sup := supervisor.New(indexer, events, oracles, scanners, cfg.Watch.DebounceMs)

	statusCh, cancelStatus := events.SubscribeStatus()
	defer cancelStatus()
	changeCh, cancelChanges := events.SubscribeChange()
	defer cancelChanges()
	go printEvents(statusCh, changeCh)

	proc, err := sup.Start(ctx, projectRoot, cfg.ProjectName(projectRoot))
	if err != nil {
		return err
	}
	log.Printf("Watching %s (process %s)", projectRoot, proc.ID)

	cfg.Watch.LastIndexTime = time.Now()
	if err := cfg.Save(projectRoot); err != nil {
		log.Printf("Failed to record index time: %v", err)
	}

	if isBackgroundChild {
		if err := daemon.WriteReadyFile(logDir); err != nil {
			log.Printf("Failed to write ready file: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	stopCh := daemon.StopChannel()

	select {
	case sig := <-sigChan:
		log.Printf("Received %v, shutting down", sig)
	case <-stopCh:
		log.Printf("Received stop request, shutting down")
	}

	sup.Cleanup()
	if err := cache.Persist(); err != nil {
		log.Printf("Failed to persist file cache: %v", err)
	}
	if err := journal.Persist(); err != nil {
		log.Printf("Failed to persist job journal: %v", err)
	}
	if err := store.Persist(context.Background()); err != nil {
		log.Printf("Failed to persist graph: %v", err)
	}
	return nil
}

// scannerFactory builds per-root scanners from one config.
func scannerFactory(cfg *config.Config) func(root string) (*scan.Scanner, error) {
	return func(root string) (*scan.Scanner, error) {
		matcher, err := scan.NewIgnoreMatcher(root, cfg.Ignore, cfg.ExternalGitignore)
		if err != nil {
			return nil, err
		}
		return scan.NewScanner(root, matcher, cfg.Index.EnabledLanguages), nil
	}
}

func printEvents(statusCh <-chan bus.StatusEvent, changeCh <-chan bus.ChangeEvent) {
	for {
		select {
		case ev, ok := <-statusCh:
			if !ok {
				return
			}
			if ev.Message != "" {
				log.Printf("[%s] %s: %s", ev.ProcessID[:8], ev.Status, ev.Message)
			} else {
				log.Printf("[%s] %s", ev.ProcessID[:8], ev.Status)
			}
		case ev, ok := <-changeCh:
			if !ok {
				return
			}
			if watchVerbose {
				log.Printf("[%s] %s %s", ev.ProcessID[:8], ev.EventType, ev.FilePath)
			}
		}
	}
}
