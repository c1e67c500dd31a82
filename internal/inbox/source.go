// Package inbox discovers tasks dropped as JSON files into a directory and
// watches that directory for new arrivals.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"safeline/internal/domain"
)

const (
	SourceName   = "inbox"
	processedDir = "processed"
)

// Source reads one task per *.json file in Dir. Acknowledged files move to
// Dir/processed.
type Source struct {
	Dir string

	mu    sync.Mutex
	files map[string]string
}

func NewSource(dir string) *Source {
	return &Source{Dir: dir, files: map[string]string{}}
}

func (s *Source) Name() string { return SourceName }

// Discover decodes every task file in Dir. Unreadable or malformed files are
// skipped and reported in the returned error.
func (s *Source) Discover(_ context.Context) ([]domain.Task, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		tasks []domain.Task
		errs  []error
	)
	for _, e := range entries {
		if e.IsDir() || !isTaskFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		task, err := readTask(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.files[task.ID] = path
		tasks = append(tasks, task)
	}
	return tasks, errors.Join(errs...)
}

func readTask(path string) (domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Task{}, err
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.Task{}, fmt.Errorf("%s: invalid task json: %w", filepath.Base(path), err)
	}
	if task.ActionType == "" {
		return domain.Task{}, fmt.Errorf("%s: missing action_type", filepath.Base(path))
	}
	if task.ID == "" {
		task.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if task.Source == "" {
		task.Source = SourceName
	}
	if task.Payload == nil {
		task.Payload = map[string]any{}
	}
	return task, nil
}

// Ack moves the file task was read from into the processed directory.
func (s *Source) Ack(_ context.Context, task domain.Task, status string) error {
	s.mu.Lock()
	path, ok := s.files[task.ID]
	delete(s.files, task.ID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("inbox task %s was not discovered", task.ID)
	}
	dst := filepath.Join(s.Dir, processedDir, status)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dst, filepath.Base(path)))
}

// Enqueue writes task into dir, assigning an id when it has none. The file
// appears atomically.
func Enqueue(dir string, task domain.Task) (string, error) {
	if task.ID == "" {
		task.ID = "inbox_" + uuid.NewString()[:8]
	}
	if task.Source == "" {
		task.Source = SourceName
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, task.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return task.ID, nil
}

// isTaskFile skips partial writes.
func isTaskFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
