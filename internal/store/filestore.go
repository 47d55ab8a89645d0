package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gazizti19-bot/ozon-auto-supply-bot-sub000/internal/task"
)

// ErrNotFound is returned when a task id has no persisted record.
var ErrNotFound = errors.New("not found")

// Auditor records a trace of a task before it is physically removed.
type Auditor interface {
	RecordDeletion(t *task.Task, reason string) error
}

// ListFilter narrows List results.
type ListFilter struct {
	Status    task.Status
	Recipient string
}

// FileStore is the sole persistence boundary for booking tasks. Each task
// lives in its own directory as record.json, surviving process restarts.
type FileStore struct {
	ds      *dirStore
	auditor Auditor
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: newDirStore(baseDir)}
}

// SetAuditor installs the deletion audit sink.
func (fs *FileStore) SetAuditor(a Auditor) {
	fs.auditor = a
}

// Create persists a new task, assigning an id if needed.
func (fs *FileStore) Create(t *task.Task) error {
	if t.ID == "" {
		t.ID = task.GenerateID()
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = task.StatusWaitingWindow
	}
	if t.NextAttemptTS.IsZero() {
		t.NextAttemptTS = now
	}

	l := fs.ds.lockID(t.ID)
	l.Lock()
	defer l.Unlock()

	if err := fs.ds.ensureDir(t.ID); err != nil {
		return err
	}
	return fs.ds.writeRecord(t.ID, t)
}

// Get reads a task by id.
func (fs *FileStore) Get(id string) (*task.Task, error) {
	var t task.Task
	if err := fs.ds.readRecord(id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns tasks matching the filter, sorted by UpdatedAt descending.
// Corrupted records are skipped rather than failing the whole listing.
func (fs *FileStore) List(filter ListFilter) ([]*task.Task, error) {
	dirs, err := fs.ds.listDirs()
	if err != nil {
		return nil, err
	}

	var tasks []*task.Task
	for _, name := range dirs {
		var t task.Task
		if err := fs.ds.readRecord(name, &t); err != nil {
			continue // skip corrupted tasks
		}

		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Recipient != "" && t.Recipient != filter.Recipient {
			continue
		}

		tasks = append(tasks, &t)
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})

	return tasks, nil
}

// ListActive returns all tasks not in a terminal status.
func (fs *FileStore) ListActive() ([]*task.Task, error) {
	all, err := fs.List(ListFilter{})
	if err != nil {
		return nil, err
	}

	var active []*task.Task
	for _, t := range all {
		if !t.Status.IsTerminal() {
			active = append(active, t)
		}
	}
	return active, nil
}

// Upsert atomically rewrites a task's record, refreshing UpdatedAt.
func (fs *FileStore) Upsert(t *task.Task) error {
	if t.ID == "" {
		return fmt.Errorf("upsert: task has no id")
	}

	t.UpdatedAt = time.Now().UTC()

	l := fs.ds.lockID(t.ID)
	l.Lock()
	defer l.Unlock()

	if err := fs.ds.ensureDir(t.ID); err != nil {
		return err
	}
	return fs.ds.writeRecord(t.ID, t)
}

// Delete physically removes a task, recording an audit trace first.
func (fs *FileStore) Delete(id, reason string) error {
	t, err := fs.Get(id)
	if err != nil {
		return err
	}

	if fs.auditor != nil {
		if err := fs.auditor.RecordDeletion(t, reason); err != nil {
			return fmt.Errorf("audit deletion: %w", err)
		}
	}

	l := fs.ds.lockID(id)
	l.Lock()
	defer l.Unlock()

	return fs.ds.removeDir(id)
}

// PurgeOlderThan deletes terminal tasks whose last update is older than the
// retention age. Returns the ids removed.
func (fs *FileStore) PurgeOlderThan(age time.Duration) ([]string, error) {
	all, err := fs.List(ListFilter{})
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-age)
	var removed []string
	for _, t := range all {
		if !t.Status.IsTerminal() || t.UpdatedAt.After(cutoff) {
			continue
		}
		if err := fs.Delete(t.ID, "retention purge"); err != nil {
			return removed, err
		}
		removed = append(removed, t.ID)
	}
	return removed, nil
}

// PurgeAll deletes every task regardless of status. Returns the ids removed.
func (fs *FileStore) PurgeAll() ([]string, error) {
	all, err := fs.List(ListFilter{})
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, t := range all {
		if err := fs.Delete(t.ID, "purge all"); err != nil {
			return removed, err
		}
		removed = append(removed, t.ID)
	}
	return removed, nil
}

// WriteLabelFile atomically stores a downloaded label PDF in the task's
// directory and returns the file path.
func (fs *FileStore) WriteLabelFile(id string, content []byte) (string, error) {
	l := fs.ds.lockID(id)
	l.Lock()
	defer l.Unlock()

	if err := fs.ds.ensureDir(id); err != nil {
		return "", err
	}

	path := fs.ds.filePath(id, "labels.pdf")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("write labels tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename labels: %w", err)
	}
	return path, nil
}
