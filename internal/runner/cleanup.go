package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// clearDestination removes the destination directory and recreates it empty,
// bounded by timeout. The removal keeps running in its goroutine after a
// timeout, but the caller treats the attempt as failed and escalates.
func clearDestination(path string, timeout time.Duration) error {
	clean := filepath.Clean(path)
	if clean == "" || clean == "/" || clean == "." {
		return fmt.Errorf("refusing to clear %q", path)
	}

	done := make(chan error, 1)
	go func() {
		if err := os.RemoveAll(clean); err != nil {
			done <- err
			return
		}
		done <- os.MkdirAll(clean, 0o755)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("clear destination: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("clear destination: timed out after %s", timeout)
	}
}
