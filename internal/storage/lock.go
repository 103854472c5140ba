package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrRunLocked is returned when another live process holds the run lock
var ErrRunLocked = errors.New("pipeline run lock is held")

// RunLock is the lock file format that keeps two sift processes from running
// the pipeline against the same data directory at once.
type RunLock struct {
	Holder    string    `json:"holder"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// RunLockPath returns where the run lock lives for a data directory
func RunLockPath(dataDir string) string {
	return filepath.Join(dataDir, ".run-lock")
}

// AcquireRunLock creates the run lock file in dataDir. A lock left behind by
// a dead process on this host is overwritten.
// Returns the lock file path for cleanup on shutdown.
func AcquireRunLock(dataDir, version string) (lockPath string, err error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	lockPath = RunLockPath(dataDir)

	// Check for existing lock
	if data, err := os.ReadFile(lockPath); err == nil {
		var existing RunLock
		if json.Unmarshal(data, &existing) == nil {
			if isProcessAlive(existing.PID, existing.Hostname) {
				return "", fmt.Errorf("%w: PID %d on %s, started %s", ErrRunLocked,
					existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
			}
			// Stale lock - will overwrite
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lock := RunLock{
		Holder:    "sift",
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		Version:   version,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal lock: %w", err)
	}

	if err := os.WriteFile(lockPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to create run lock: %w", err)
	}

	return lockPath, nil
}

// ReleaseRunLock removes the run lock file.
// Should be called on shutdown (use defer).
func ReleaseRunLock(lockPath string) error {
	if lockPath == "" {
		return nil
	}

	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run lock: %w", err)
	}

	return nil
}

// isProcessAlive checks if a process with the given PID exists on the given hostname.
// Processes on other hosts cannot be checked and are assumed alive.
func isProcessAlive(pid int, hostname string) bool {
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}

	if !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}

	// EPERM means the process exists but belongs to someone else
	if errors.Is(err, syscall.EPERM) {
		return true
	}

	return false
}
