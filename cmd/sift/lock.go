package main

import (
	"fmt"
	"log/slog"

	"github.com/steveyegge/sift/internal/storage"
)

// acquireLock takes the run lock in the data directory so that only one
// process drains the buffer at a time
func acquireLock() (string, error) {
	path, err := storage.AcquireRunLock(cfg.DataDir, version)
	if err != nil {
		return "", fmt.Errorf("cannot start: %w", err)
	}
	return path, nil
}

func releaseLock(path string) {
	if err := storage.ReleaseRunLock(path); err != nil {
		slog.Warn("failed to release run lock", "path", path, "error", err)
	}
}
