// Package statefile provides the shared atomic-write-under-advisory-lock
// primitive used by every durable JSON state file the daemon owns (budget,
// queue, pipeline-state, cron lastFiredAt, project registry). Grounded on
// the teacher's internal/storage.FileStorage.atomicWrite (temp file + sync +
// rename) combined with internal/lockfile's bounded-retry flock.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashworth-labs/conductor/internal/lockfile"
)

// WithLocked acquires the advisory lock on path (creating its parent
// directory if needed) and calls fn while holding it. Use this to pair a
// read with a conditional write so the two never race with another writer.
func WithLocked(path string, fn func() error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}
	return lockfile.WithLock(path+".lock", func(_ *os.File) error {
		return fn()
	})
}

// WriteJSONAtomic serializes v as pretty-printed JSON into a temp file in
// the same directory as path, syncs it, and renames it over path. This
// prevents partial writes and crash-time corruption of the primary file.
func WriteJSONAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename to final: %w", err)
	}

	success = true
	return nil
}

// ReadJSON loads and unmarshals path into v. A missing file is reported via
// os.IsNotExist on the returned error so callers can treat it as empty state.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
