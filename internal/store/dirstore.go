// Package store persists booking tasks as one directory per task.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// dirStore provides the file primitives under the task store. Each task
// gets its own subdirectory with a record.json plus companion files.
// Writes are serialized per task id; different ids never block each other.
type dirStore struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDirStore(baseDir string) *dirStore {
	return &dirStore{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}
}

// lockID returns the per-id mutex, creating it on first use.
func (ds *dirStore) lockID(id string) *sync.Mutex {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	l, ok := ds.locks[id]
	if !ok {
		l = &sync.Mutex{}
		ds.locks[id] = l
	}
	return l
}

// dir returns the directory path for a given task id.
func (ds *dirStore) dir(id string) string {
	return filepath.Join(ds.baseDir, id)
}

// filePath returns the path to a named file within a task's directory.
func (ds *dirStore) filePath(id, name string) string {
	return filepath.Join(ds.baseDir, id, name)
}

func (ds *dirStore) ensureDir(id string) error {
	if err := os.MkdirAll(ds.dir(id), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	return nil
}

func (ds *dirStore) removeDir(id string) error {
	return os.RemoveAll(ds.dir(id))
}

// listDirs returns the names of all task subdirectories.
func (ds *dirStore) listDirs() ([]string, error) {
	entries, err := os.ReadDir(ds.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// writeRecord atomically writes record.json using a temp file + rename, so a
// crash mid-write never leaves a reader with a partial record.
func (ds *dirStore) writeRecord(id string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := ds.filePath(id, "record.json")
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write record tmp: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}

	return nil
}

// readRecord reads and unmarshals record.json into out.
func (ds *dirStore) readRecord(id string, out any) error {
	data, err := os.ReadFile(ds.filePath(id, "record.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("read record: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}

	return nil
}
