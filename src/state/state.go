// Package state persists agent records as single JSON files. Every record is
// one JSON object carrying a schema "version" field; files are rewritten
// wholesale on mutation via temp-file rename. The process holding the
// instance lock is the only writer, so no cross-process locking is needed.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// Load reads the record at path into out. A missing file is normal (fresh
// state) and returns false silently; a corrupt file or an unrecognized
// version logs a warning and returns false so the caller proceeds with its
// zero/default value rather than crashing.
func Load(path string, version int, out interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("state: read %s: %v", path, err)
		}
		return false
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		log.Printf("state: corrupt record %s: %v", path, err)
		return false
	}
	if probe.Version != version {
		log.Printf("state: %s has version %d, want %d; using defaults", path, probe.Version, version)
		return false
	}

	if err := json.Unmarshal(data, out); err != nil {
		log.Printf("state: decode %s: %v", path, err)
		return false
	}
	return true
}

// Save writes the record atomically: marshal, write to a temp file in the
// same directory, rename over the target.
func Save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// Remove deletes a record; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
