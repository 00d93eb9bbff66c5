// Package daemon provides lifecycle management for the codegraph watch
// daemon.
//
// It handles PID file management, process spawning, and lifecycle
// operations for running codegraph watch in background mode.
//
// # Basic Usage
//
// Start a background process:
//
//	logDir, _ := daemon.GetDefaultLogDir()
//	pid, exitCh, err := daemon.SpawnBackground(logDir, []string{"watch"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Started with PID %d\n", pid)
//	// exitCh receives when child exits (detects early failures)
//
// Check if the process is running:
//
//	pid, err := daemon.GetRunningPID(logDir)
//
// Stop the process:
//
//	daemon.StopProcess(pid)
//	daemon.RemovePIDFile(logDir)
//
// # PID File Format
//
// The PID file contains a single line with the process ID as a decimal
// integer. This format is stable; any future metadata goes in separate
// files.
//
// # Platform Support
//
// Cross-platform support for Unix-like systems (Linux, macOS) and
// Windows. Platform-specific behavior lives in daemon_unix.go and
// daemon_windows.go.
//
// # Thread Safety
//
// PID file writes use file locking (flock) to prevent race conditions
// when multiple processes attempt to start simultaneously.
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	pidFileName     = "codegraph-watch.pid"
	logFileName     = "codegraph-watch.log"
	readyFileName   = "codegraph-watch.ready"
	rootPIDPrefix   = "codegraph-root-"
	rootPIDSuffix   = ".pid"
	rootLogPrefix   = "codegraph-root-"
	rootLogSuffix   = ".log"
	rootReadyPrefix = "codegraph-root-"
	rootReadySuffix = ".ready"
)

// RootID derives a stable identifier for a project root, used to key
// per-root PID, log, and ready files.
func RootID(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	hash := sha256.Sum256([]byte(filepath.Clean(abs)))
	return hex.EncodeToString(hash[:])[:12]
}

// GetDefaultLogDir returns the OS-specific default log directory.
//
// Platform-specific defaults:
//   - Linux:   $XDG_STATE_HOME/codegraph/logs or ~/.local/state/codegraph/logs
//   - macOS:   ~/Library/Logs/codegraph
//   - Windows: %LOCALAPPDATA%\codegraph\logs
//
// The directory may not exist yet; callers should create it with
// os.MkdirAll if needed.
func GetDefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "codegraph"), nil
	case "windows":
		if base := os.Getenv("LOCALAPPDATA"); base != "" {
			return filepath.Join(base, "codegraph", "logs"), nil
		}
		return filepath.Join(homeDir, "AppData", "Local", "codegraph", "logs"), nil
	default: // Linux and other Unix-like systems
		if base := os.Getenv("XDG_STATE_HOME"); base != "" {
			return filepath.Join(base, "codegraph", "logs"), nil
		}
		return filepath.Join(homeDir, ".local", "state", "codegraph", "logs"), nil
	}
}

// WritePIDFile writes the current process ID to the PID file.
// Uses file locking to prevent race conditions when multiple processes
// attempt to start simultaneously. The lock is held for the lifetime of
// the process (released by the OS on exit).
func WritePIDFile(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := filepath.Join(logDir, pidFileName)
	lockPath := pidPath + ".lock"

	lockFh, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	// Non-blocking: a held lock means another daemon is mid-startup
	if err := lockFile(lockFh); err != nil {
		lockFh.Close()
		return fmt.Errorf("another codegraph watch process is starting (lock held)")
	}

	// Write PID atomically using temp file + rename
	pid := os.Getpid()
	content := fmt.Sprintf("%d\n", pid)
	tmpPath := pidPath + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		lockFh.Close()
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := os.Rename(tmpPath, pidPath); err != nil {
		os.Remove(tmpPath)
		lockFh.Close()
		return fmt.Errorf("failed to rename PID file: %w", err)
	}

	// Keep lock file open and locked for the lifetime of this process.
	// The OS releases the lock when the process exits.

	return nil
}

// ReadPIDFile reads the process ID from the PID file in the given logDir.
//
// Return values:
//   - (0, nil):     No PID file exists (watcher not running or not started yet)
//   - (pid, nil):   PID file exists and contains a valid process ID
//   - (0, error):   PID file exists but is corrupt or unreadable
//
// This function does NOT check if the process is actually running. Use
// GetRunningPID() for automatic stale PID detection and cleanup.
func ReadPIDFile(logDir string) (int, error) {
	pidPath := filepath.Join(logDir, pidFileName)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// RemovePIDFile removes the PID file and its associated lock file.
func RemovePIDFile(logDir string) error {
	pidPath := filepath.Join(logDir, pidFileName)
	lockPath := pidPath + ".lock"

	_ = os.Remove(lockPath)

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningPID returns the PID of the running watcher process, or 0 if
// not running. Stale PID files (process no longer exists) are cleaned
// up automatically.
func GetRunningPID(logDir string) (int, error) {
	pid, err := ReadPIDFile(logDir)
	if err != nil {
		return 0, err
	}

	if pid == 0 {
		return 0, nil
	}

	if !IsProcessRunning(pid) {
		_ = RemovePIDFile(logDir)
		return 0, nil
	}

	return pid, nil
}

// WriteReadyFile writes the ready marker file to indicate the daemon
// has successfully initialized: store loaded, seeding finished, and
// watchers attached.
func WriteReadyFile(logDir string) error {
	readyPath := filepath.Join(logDir, readyFileName)
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(readyPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveReadyFile removes the ready marker file.
func RemoveReadyFile(logDir string) error {
	readyPath := filepath.Join(logDir, readyFileName)
	if err := os.Remove(readyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsReady checks if the ready marker file exists.
func IsReady(logDir string) bool {
	readyPath := filepath.Join(logDir, readyFileName)
	_, err := os.Stat(readyPath)
	return err == nil
}

// IsProcessRunning checks if a process with the given PID is running.
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// SpawnBackground re-executes the current binary as a background process.
//
// The child runs with:
//   - stdout/stderr redirected to logDir/codegraph-watch.log
//   - stdin set to nil
//   - CODEGRAPH_BACKGROUND=1 environment variable set
//   - process group detachment (Unix only)
//
// Args should be the command-line arguments to pass to the child
// (e.g., []string{"watch"} for "codegraph watch").
//
// Returns the child PID and an exit channel. The exit channel receives
// when the child terminates, so callers can detect early failures
// without relying on kill(0), which cannot distinguish zombie processes.
func SpawnBackground(logDir string, args []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(logDir, logFileName)
	return spawnBackgroundWithLog(logDir, logPath, args)
}

// StopProcess sends a stop signal to the process with the given PID.
//
// On Unix, this sends SIGINT to request graceful shutdown.
// On Windows, this writes a sentinel stop file that the daemon polls for.
//
// The function returns immediately; callers should poll
// IsProcessRunning() to verify the process has stopped.
//
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// StopChannel returns a channel that is closed when a stop signal is detected.
//
// On Unix, this returns a channel that never fires (signals are handled
// via os/signal). On Windows, this polls for a sentinel stop file
// written by StopProcess.
//
// Platform-specific implementations are in daemon_unix.go and daemon_windows.go.

// GetRootPIDFile returns the path to the PID file for one watched root.
func GetRootPIDFile(logDir, rootID string) string {
	return filepath.Join(logDir, rootPIDPrefix+rootID+rootPIDSuffix)
}

// GetRootLogFile returns the path to the log file for one watched root.
func GetRootLogFile(logDir, rootID string) string {
	return filepath.Join(logDir, rootLogPrefix+rootID+rootLogSuffix)
}

// GetRootReadyFile returns the path to the ready file for one watched root.
func GetRootReadyFile(logDir, rootID string) string {
	return filepath.Join(logDir, rootReadyPrefix+rootID+rootReadySuffix)
}

// WriteRootPIDFile writes the current process ID to a root-scoped PID
// file, for daemons watching a single project root.
func WriteRootPIDFile(logDir, rootID string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	pidPath := GetRootPIDFile(logDir, rootID)
	lockPath := pidPath + ".lock"

	lockFh, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if err := lockFile(lockFh); err != nil {
		lockFh.Close()
		return fmt.Errorf("another codegraph watch process for this root is starting (lock held)")
	}

	// The lock only serializes PID file writes; the PID file itself
	// provides the liveness signal.
	defer lockFh.Close()

	pid := os.Getpid()
	content := fmt.Sprintf("%d\n", pid)
	tmpPath := pidPath + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	if err := os.Rename(tmpPath, pidPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename PID file: %w", err)
	}

	return nil
}

// ReadRootPIDFile reads the process ID from a root-scoped PID file.
func ReadRootPIDFile(logDir, rootID string) (int, error) {
	pidPath := GetRootPIDFile(logDir, rootID)

	data, err := os.ReadFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// RemoveRootPIDFile removes a root-scoped PID file and its lock file.
func RemoveRootPIDFile(logDir, rootID string) error {
	pidPath := GetRootPIDFile(logDir, rootID)
	lockPath := pidPath + ".lock"

	_ = os.Remove(lockPath)

	if err := os.Remove(pidPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetRunningRootPID returns the PID of the daemon watching one root, or
// 0 if not running.
func GetRunningRootPID(logDir, rootID string) (int, error) {
	pid, err := ReadRootPIDFile(logDir, rootID)
	if err != nil {
		return 0, err
	}

	if pid == 0 {
		return 0, nil
	}

	if !IsProcessRunning(pid) {
		_ = RemoveRootPIDFile(logDir, rootID)
		return 0, nil
	}

	return pid, nil
}

// WriteRootReadyFile writes the ready marker file for one watched root.
func WriteRootReadyFile(logDir, rootID string) error {
	readyPath := GetRootReadyFile(logDir, rootID)
	content := fmt.Sprintf("ready\n%d\n", os.Getpid())
	if err := os.WriteFile(readyPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write ready file: %w", err)
	}
	return nil
}

// RemoveRootReadyFile removes the ready marker file for one watched root.
func RemoveRootReadyFile(logDir, rootID string) error {
	readyPath := GetRootReadyFile(logDir, rootID)
	if err := os.Remove(readyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove ready file: %w", err)
	}
	return nil
}

// IsRootReady checks if the ready marker file for a root exists.
func IsRootReady(logDir, rootID string) bool {
	readyPath := GetRootReadyFile(logDir, rootID)
	_, err := os.Stat(readyPath)
	return err == nil
}

// SpawnRootBackground re-executes the current binary to watch one root
// in the background, logging to that root's log file.
func SpawnRootBackground(logDir, rootID string, extraArgs []string) (int, <-chan struct{}, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := GetRootLogFile(logDir, rootID)

	return spawnBackgroundWithLog(logDir, logPath, extraArgs)
}

// spawnBackgroundWithLog spawns a background process with a custom log
// file. Returns the child PID and a channel that is closed when the
// child exits. Uses platform-specific liveness detection (pipe on Unix,
// polling on Windows).
func spawnBackgroundWithLog(logDir, logPath string, args []string) (int, <-chan struct{}, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	liveness, err := newLivenessCheck()
	if err != nil {
		logFile.Close()
		return 0, nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "CODEGRAPH_BACKGROUND=1")
	cmd.SysProcAttr = sysProcAttr()
	liveness.configureCmd(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		liveness.cleanup()
		return 0, nil, fmt.Errorf("failed to start background process: %w", err)
	}

	logFile.Close()
	exitCh := liveness.start(cmd.Process.Pid)

	return cmd.Process.Pid, exitCh, nil
}
