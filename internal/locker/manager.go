// Package locker provides mutual exclusion on evidence-image paths through a
// shared key-value store with expiring keys. At most one job holds the lock
// for a given image at any time, system-wide.
package locker

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/pkg/models"
)

const keyPrefix = "imagelock:"

// CancelledCheck reports whether the requesting job has been externally
// cancelled. It is polled once per acquisition retry so a job waiting on a
// busy image can be cancelled without waiting out the full timeout.
type CancelledCheck func(ctx context.Context) bool

// Manager acquires and releases image locks. The backing store client is
// injected at construction; the manager keeps no process-wide state.
type Manager struct {
	store        Store
	ttl          time.Duration
	pollInterval time.Duration
}

// NewManager creates a Manager with the given lock TTL and retry interval.
func NewManager(store Store, ttl, pollInterval time.Duration) *Manager {
	return &Manager{store: store, ttl: ttl, pollInterval: pollInterval}
}

// KeyFor derives the lock key for an evidence-image path. Paths that differ
// only in case, redundant separators or relative segments map to one key.
func KeyFor(path string) string {
	norm := filepath.ToSlash(filepath.Clean(strings.ToLower(strings.TrimSpace(path))))
	sum := sha256.Sum256([]byte(norm))
	return fmt.Sprintf("%s%x", keyPrefix, sum)
}

// Acquire takes locks on every path, in order, retrying each busy lock every
// pollInterval until timeout. It returns the held keys and true once all
// locks are taken. On timeout, context cancellation or a positive cancelled
// check, every partially acquired lock is released and ok is false. Locks
// are never stolen from another holder.
func (m *Manager) Acquire(ctx context.Context, jobID uuid.UUID, paths []string, timeout time.Duration, cancelled CancelledCheck) (keys []string, ok bool, err error) {
	deadline := time.Now().Add(timeout)
	held := make([]string, 0, len(paths))

	abort := func() ([]string, bool, error) {
		m.Release(ctx, held)
		return nil, false, nil
	}

	value, err := json.Marshal(models.ImageLock{
		OwnerJobID: jobID.String(),
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("marshal lock value: %w", err)
	}

	for _, path := range paths {
		key := KeyFor(path)
		for {
			set, err := m.store.SetIfAbsent(ctx, key, value, m.ttl)
			if err != nil {
				m.Release(ctx, held)
				return nil, false, fmt.Errorf("acquire lock for %s: %w", path, err)
			}
			if set {
				held = append(held, key)
				break
			}

			if holder, found, err := m.store.Get(ctx, key); err == nil && found {
				var lock models.ImageLock
				if json.Unmarshal(holder, &lock) == nil {
					slog.Debug("image lock busy",
						"job_id", jobID, "path", path, "holder", lock.OwnerJobID)
				}
			}

			if cancelled != nil && cancelled(ctx) {
				return abort()
			}
			if time.Now().After(deadline) {
				return abort()
			}

			select {
			case <-ctx.Done():
				return abort()
			case <-time.After(m.pollInterval):
			}
		}
	}

	return held, true, nil
}

// Release deletes the given lock keys unconditionally. Callers pass only
// keys they obtained from Acquire.
func (m *Manager) Release(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil {
			slog.Warn("release image lock", "key", key, "error", err)
		}
	}
}

// ReleaseOwned releases the locks for paths that jobID currently owns. Locks
// held by other jobs, or already expired, are left untouched, so calling this
// on every exit path is safe.
func (m *Manager) ReleaseOwned(ctx context.Context, jobID uuid.UUID, paths []string) {
	owner := jobID.String()
	for _, path := range paths {
		key := KeyFor(path)
		value, found, err := m.store.Get(ctx, key)
		if err != nil {
			slog.Warn("read image lock", "key", key, "error", err)
			continue
		}
		if !found {
			continue
		}
		var lock models.ImageLock
		if err := json.Unmarshal(value, &lock); err != nil || lock.OwnerJobID != owner {
			continue
		}
		if err := m.store.Delete(ctx, key); err != nil {
			slog.Warn("release image lock", "key", key, "error", err)
		}
	}
}
