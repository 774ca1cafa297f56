// Package store implements persistence for the deskmind core: whole-file
// atomic-replace JSON snapshots plus a SQLite call ledger.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"deskmind/internal/logging"
)

// WriteFileAtomic writes data to path via a temp file in the same
// directory followed by a rename. A crash mid-write leaves the previous
// file intact; readers never observe a partial write.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}

// SaveSnapshot marshals v as indented JSON and atomically replaces path.
func SaveSnapshot(path string, v interface{}) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveSnapshot")
	defer timer.Stop()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := WriteFileAtomic(path, data); err != nil {
		return err
	}

	logging.StoreDebug("Snapshot saved: %s (%d bytes)", path, len(data))
	return nil
}

// LoadSnapshot unmarshals the JSON document at path into v.
// A missing file returns os.ErrNotExist unwrapped via errors.Is.
func LoadSnapshot(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}

	logging.StoreDebug("Snapshot loaded: %s (%d bytes)", path, len(data))
	return nil
}
