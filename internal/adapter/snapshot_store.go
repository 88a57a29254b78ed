package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SnapshotStore persists a single serialized snapshot. Missing or
// corrupt snapshots restore as empty, never fatal.
type SnapshotStore interface {
	Save(path string, value any) error
	// Load decodes the snapshot at path into value. It returns false
	// when no usable snapshot exists.
	Load(path string, value any) (bool, error)
}

// JSONSnapshotStore stores snapshots as JSON with an atomic rename.
type JSONSnapshotStore struct{}

// NewJSONSnapshotStore creates a JSONSnapshotStore.
func NewJSONSnapshotStore() *JSONSnapshotStore { return &JSONSnapshotStore{} }

// Save implements SnapshotStore.
func (s *JSONSnapshotStore) Save(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return writeAtomic(path, data)
}

// Load implements SnapshotStore.
func (s *JSONSnapshotStore) Load(path string, value any) (bool, error) {
	data, ok := readSnapshot(path)
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, value); err != nil {
		slog.Warn("corrupt snapshot treated as empty", "path", path, "error", err)
		return false, nil
	}

	return true, nil
}

// YAMLSnapshotStore stores snapshots as YAML with an atomic rename.
// Used for the impact dependency graph, which benefits from being
// inspectable by hand.
type YAMLSnapshotStore struct{}

// NewYAMLSnapshotStore creates a YAMLSnapshotStore.
func NewYAMLSnapshotStore() *YAMLSnapshotStore { return &YAMLSnapshotStore{} }

// Save implements SnapshotStore.
func (s *YAMLSnapshotStore) Save(path string, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return writeAtomic(path, data)
}

// Load implements SnapshotStore.
func (s *YAMLSnapshotStore) Load(path string, value any) (bool, error) {
	data, ok := readSnapshot(path)
	if !ok {
		return false, nil
	}

	if err := yaml.Unmarshal(data, value); err != nil {
		slog.Warn("corrupt snapshot treated as empty", "path", path, "error", err)
		return false, nil
	}

	return true, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("write snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

func readSnapshot(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("unreadable snapshot treated as empty", "path", path, "error", err)
		}

		return nil, false
	}

	return data, true
}
