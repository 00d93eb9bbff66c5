package daemon

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGetDefaultLogDir(t *testing.T) {
	logDir, err := GetDefaultLogDir()
	if err != nil {
		t.Fatalf("GetDefaultLogDir() failed: %v", err)
	}

	if logDir == "" {
		t.Fatal("GetDefaultLogDir() returned empty string")
	}

	// Check platform-specific expectations
	switch runtime.GOOS {
	case "darwin":
		if !filepath.IsAbs(logDir) {
			t.Errorf("Expected absolute path, got: %s", logDir)
		}
		if !contains(logDir, "Library/Logs/codegraph") {
			t.Errorf("Expected path to contain 'Library/Logs/codegraph', got: %s", logDir)
		}
	case "windows":
		if !filepath.IsAbs(logDir) {
			t.Errorf("Expected absolute path, got: %s", logDir)
		}
		if !contains(logDir, "codegraph") {
			t.Errorf("Expected path to contain 'codegraph', got: %s", logDir)
		}
	default: // Linux and other Unix-like
		if !filepath.IsAbs(logDir) {
			t.Errorf("Expected absolute path, got: %s", logDir)
		}
		if !contains(logDir, "codegraph") {
			t.Errorf("Expected path to contain 'codegraph', got: %s", logDir)
		}
	}
}

func TestWriteAndReadPIDFile(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	// Write PID file
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	// Verify file exists
	pidPath := filepath.Join(logDir, "codegraph-watch.pid")
	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		t.Fatal("PID file was not created")
	}

	// Read PID file
	pid, err := ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}

	// Verify PID matches current process
	expectedPID := os.Getpid()
	if pid != expectedPID {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, expectedPID)
	}
}

func TestReadPIDFile_NotExists(t *testing.T) {
	logDir := t.TempDir()

	// Read non-existent PID file
	pid, err := ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}

	if pid != 0 {
		t.Errorf("ReadPIDFile() = %d, want 0", pid)
	}
}

func TestReadPIDFile_InvalidContent(t *testing.T) {
	logDir := t.TempDir()
	pidPath := filepath.Join(logDir, "codegraph-watch.pid")

	// Write invalid content
	if err := os.WriteFile(pidPath, []byte("not-a-number\n"), 0644); err != nil {
		t.Fatalf("Failed to write invalid PID file: %v", err)
	}

	// Read should fail
	_, err := ReadPIDFile(logDir)
	if err == nil {
		t.Fatal("ReadPIDFile() should have failed with invalid content")
	}
}

func TestRemovePIDFile(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	// Write PID file
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	// Remove PID file
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}

	// Verify file is gone
	pidPath := filepath.Join(logDir, "codegraph-watch.pid")
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatal("PID file still exists after removal")
	}

	// Removing again should not error
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed on non-existent file: %v", err)
	}
}

func TestIsProcessRunning(t *testing.T) {
	// Test with current process (should be running)
	currentPID := os.Getpid()
	if !IsProcessRunning(currentPID) {
		t.Error("IsProcessRunning() returned false for current process")
	}

	// Test with PID 0 (invalid)
	if IsProcessRunning(0) {
		t.Error("IsProcessRunning() returned true for PID 0")
	}

	// Test with negative PID (invalid)
	if IsProcessRunning(-1) {
		t.Error("IsProcessRunning() returned true for negative PID")
	}

	// Test with very high PID (likely not running)
	// Note: We can't guarantee a specific PID won't exist, so we test with a very high number
	if IsProcessRunning(9999999) {
		t.Log("Warning: PID 9999999 appears to be running (rare but possible)")
	}
}

func TestPIDFileLifecycle(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	// Initially, no PID file
	pid, err := ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("Expected no PID, got %d", pid)
	}

	// Write PID file
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	// Read it back
	pid, err = ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("Expected PID %d, got %d", os.Getpid(), pid)
	}

	// Process should be running
	if !IsProcessRunning(pid) {
		t.Error("Current process should be running")
	}

	// Remove PID file
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}

	// Read again (should be 0)
	pid, err = ReadPIDFile(logDir)
	if err != nil {
		t.Fatalf("ReadPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Errorf("Expected no PID after removal, got %d", pid)
	}
}

func TestConcurrentPIDAccess(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	// Write initial PID
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	// Concurrent reads should all succeed
	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func() {
			pid, err := ReadPIDFile(logDir)
			if err != nil {
				t.Errorf("Concurrent ReadPIDFile() failed: %v", err)
			}
			if pid != os.Getpid() {
				t.Errorf("Concurrent ReadPIDFile() got wrong PID: %d", pid)
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Timeout waiting for concurrent reads")
		}
	}
}

func TestRemovePIDFile_CleansUpLockFile(t *testing.T) {
	skipIfWindows(t)
	logDir := t.TempDir()

	// Write PID file (which creates lock file)
	if err := WritePIDFile(logDir); err != nil {
		t.Fatalf("WritePIDFile() failed: %v", err)
	}

	// Verify both files exist
	pidPath := filepath.Join(logDir, "codegraph-watch.pid")
	lockPath := pidPath + ".lock"

	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		t.Fatal("PID file was not created")
	}
	if _, err := os.Stat(lockPath); os.IsNotExist(err) {
		t.Fatal("Lock file was not created")
	}

	// Remove PID file
	if err := RemovePIDFile(logDir); err != nil {
		t.Fatalf("RemovePIDFile() failed: %v", err)
	}

	// Verify both files are gone
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("PID file still exists after removal")
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Error("Lock file still exists after removal")
	}
}

func TestRootPIDLifecycle(t *testing.T) {
	logDir := t.TempDir()
	rootID := "proj-main"

	pid, err := ReadRootPIDFile(logDir, rootID)
	if err != nil {
		t.Fatalf("ReadRootPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("ReadRootPIDFile() = %d, want 0", pid)
	}

	if err := WriteRootPIDFile(logDir, rootID); err != nil {
		t.Fatalf("WriteRootPIDFile() failed: %v", err)
	}

	pid, err = ReadRootPIDFile(logDir, rootID)
	if err != nil {
		t.Fatalf("ReadRootPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("ReadRootPIDFile() = %d, want %d", pid, os.Getpid())
	}

	runningPID, err := GetRunningRootPID(logDir, rootID)
	if err != nil {
		t.Fatalf("GetRunningRootPID() failed: %v", err)
	}
	if runningPID != os.Getpid() {
		t.Fatalf("GetRunningRootPID() = %d, want %d", runningPID, os.Getpid())
	}

	if err := RemoveRootPIDFile(logDir, rootID); err != nil {
		t.Fatalf("RemoveRootPIDFile() failed: %v", err)
	}

	pid, err = ReadRootPIDFile(logDir, rootID)
	if err != nil {
		t.Fatalf("ReadRootPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("ReadRootPIDFile() = %d after remove, want 0", pid)
	}
}

func TestReadRootPIDFileInvalidContent(t *testing.T) {
	logDir := t.TempDir()
	rootID := "proj-invalid"

	pidPath := GetRootPIDFile(logDir, rootID)
	if err := os.WriteFile(pidPath, []byte("not-a-pid\n"), 0644); err != nil {
		t.Fatalf("failed to write invalid PID file: %v", err)
	}

	_, err := ReadRootPIDFile(logDir, rootID)
	if err == nil {
		t.Fatal("ReadRootPIDFile() should fail for invalid content")
	}
}

func TestGetRunningRootPIDCleansStaleFile(t *testing.T) {
	logDir := t.TempDir()
	rootID := "proj-stale"

	pidPath := GetRootPIDFile(logDir, rootID)
	if err := os.WriteFile(pidPath, []byte("9999999\n"), 0644); err != nil {
		t.Fatalf("failed to write stale PID file: %v", err)
	}

	pid, err := GetRunningRootPID(logDir, rootID)
	if err != nil {
		t.Fatalf("GetRunningRootPID() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("GetRunningRootPID() = %d, want 0 for stale PID", pid)
	}

	if !IsProcessRunning(9999999) {
		if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
			t.Fatal("stale root PID file was not removed")
		}
	}
}

func TestRootReadyFileLifecycle(t *testing.T) {
	logDir := t.TempDir()
	rootID := "proj-ready"

	if IsRootReady(logDir, rootID) {
		t.Fatal("IsRootReady() should be false before write")
	}

	if err := WriteRootReadyFile(logDir, rootID); err != nil {
		t.Fatalf("WriteRootReadyFile() failed: %v", err)
	}
	if !IsRootReady(logDir, rootID) {
		t.Fatal("IsRootReady() should be true after write")
	}

	if err := RemoveRootReadyFile(logDir, rootID); err != nil {
		t.Fatalf("RemoveRootReadyFile() failed: %v", err)
	}
	if IsRootReady(logDir, rootID) {
		t.Fatal("IsRootReady() should be false after remove")
	}
}

func TestSpawnBackgroundErrors(t *testing.T) {
	base := t.TempDir()
	logDirFile := filepath.Join(base, "not-a-dir")
	if err := os.WriteFile(logDirFile, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to create log dir blocker file: %v", err)
	}

	if _, _, err := SpawnBackground(logDirFile, []string{"watch"}); err == nil {
		t.Fatal("SpawnBackground() should fail when logDir is a file")
	}
	if _, _, err := SpawnRootBackground(logDirFile, "proj", nil); err == nil {
		t.Fatal("SpawnRootBackground() should fail when logDir is a file")
	}
}

func TestSpawnBackgroundWithLogOpenError(t *testing.T) {
	logDir := t.TempDir()
	logPath := filepath.Join(logDir, "missing-dir", "watch.log")

	if _, _, err := spawnBackgroundWithLog(logDir, logPath, []string{"watch"}); err == nil {
		t.Fatal("spawnBackgroundWithLog() should fail when log file parent does not exist")
	}
}

func TestStopProcessInvalidPID(t *testing.T) {
	tests := []int{0, -1}
	for _, pid := range tests {
		if err := StopProcess(pid); err == nil {
			t.Fatalf("StopProcess(%d) should fail", pid)
		}
	}
}

func TestRootPathHelpers(t *testing.T) {
	logDir := t.TempDir()
	rootID := "feature-123"

	wantPID := filepath.Join(logDir, "codegraph-root-"+rootID+".pid")
	wantLog := filepath.Join(logDir, "codegraph-root-"+rootID+".log")
	wantReady := filepath.Join(logDir, "codegraph-root-"+rootID+".ready")

	if got := GetRootPIDFile(logDir, rootID); got != wantPID {
		t.Fatalf("GetRootPIDFile() = %q, want %q", got, wantPID)
	}
	if got := GetRootLogFile(logDir, rootID); got != wantLog {
		t.Fatalf("GetRootLogFile() = %q, want %q", got, wantLog)
	}
	if got := GetRootReadyFile(logDir, rootID); got != wantReady {
		t.Fatalf("GetRootReadyFile() = %q, want %q", got, wantReady)
	}
}

func TestReadRootPIDFileNotExists(t *testing.T) {
	logDir := t.TempDir()
	pid, err := ReadRootPIDFile(logDir, "missing")
	if err != nil {
		t.Fatalf("ReadRootPIDFile() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("ReadRootPIDFile() = %d, want 0", pid)
	}
}

func TestRemoveRootPIDFileNotExists(t *testing.T) {
	logDir := t.TempDir()
	if err := RemoveRootPIDFile(logDir, "missing"); err != nil {
		t.Fatalf("RemoveRootPIDFile() failed: %v", err)
	}
}

func TestRemoveRootReadyFileNotExists(t *testing.T) {
	logDir := t.TempDir()
	if err := RemoveRootReadyFile(logDir, "missing"); err != nil {
		t.Fatalf("RemoveRootReadyFile() failed: %v", err)
	}
}

func TestGetRunningRootPIDNotExists(t *testing.T) {
	logDir := t.TempDir()
	pid, err := GetRunningRootPID(logDir, "missing")
	if err != nil {
		t.Fatalf("GetRunningRootPID() failed: %v", err)
	}
	if pid != 0 {
		t.Fatalf("GetRunningRootPID() = %d, want 0", pid)
	}
}

func TestReadRootPIDFileCurrentPIDManualWrite(t *testing.T) {
	logDir := t.TempDir()
	rootID := "proj-manual"
	pidPath := GetRootPIDFile(logDir, rootID)
	content := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(pidPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	pid, err := ReadRootPIDFile(logDir, rootID)
	if err != nil {
		t.Fatalf("ReadRootPIDFile() failed: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("ReadRootPIDFile() = %d, want %d", pid, os.Getpid())
	}
}

// Helper functions

func skipIfWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows: cannot delete locked files")
	}
}

func contains(s, substr string) bool {
	return strings.Contains(filepath.ToSlash(s), substr)
}
