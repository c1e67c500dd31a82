package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"safeline/internal/action"
	"safeline/internal/domain"
	"safeline/internal/fsutil"
)

// Environment is one isolated copy of the mutable workspace state.
type Environment struct {
	ID        string
	Path      string
	Workspace string
	Datastore string
}

type manifest struct {
	EnvironmentID string `json:"environment_id"`
	TaskID        string `json:"task_id"`
	TaskType      string `json:"task_type"`
	Iteration     int    `json:"iteration"`
	CreatedAt     string `json:"created_at"`
}

// Factory creates environments under Root from the live workspace.
type Factory struct {
	Root          string
	WorkspaceRoot string
	Datastore     string
	Now           func() time.Time
}

func (f Factory) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Create copies the datastore and any file task reads into a fresh
// environment. The live workspace is only ever read.
func (f Factory) Create(task domain.Task, iteration int) (*Environment, error) {
	id := uuid.NewString()
	env := &Environment{ID: id, Path: filepath.Join(f.Root, id)}
	env.Workspace = filepath.Join(env.Path, "workspace")
	env.Datastore = filepath.Join(env.Workspace, filepath.Base(f.Datastore))

	if err := os.MkdirAll(filepath.Join(env.Workspace, action.WorkdirName), 0o755); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}
	if err := fsutil.CopyFile(f.Datastore, env.Datastore); err != nil {
		_ = os.RemoveAll(env.Path)
		return nil, fmt.Errorf("copy datastore: %w", err)
	}
	if task.ActionType == "read_file" {
		src, err := action.ReadPath(f.WorkspaceRoot, task)
		if err == nil && fsutil.Exists(src) {
			dst, _ := action.ReadPath(env.Workspace, task)
			if err := fsutil.CopyFile(src, dst); err != nil {
				_ = os.RemoveAll(env.Path)
				return nil, fmt.Errorf("copy %s: %w", src, err)
			}
		}
	}
	m := manifest{
		EnvironmentID: id,
		TaskID:        task.ID,
		TaskType:      task.ActionType,
		Iteration:     iteration,
		CreatedAt:     f.now().UTC().Format(time.RFC3339Nano),
	}
	if err := writeJSON(filepath.Join(env.Path, "manifest.json"), m); err != nil {
		_ = os.RemoveAll(env.Path)
		return nil, err
	}
	return env, nil
}

// Discard removes the environment.
func (e *Environment) Discard() error {
	return os.RemoveAll(e.Path)
}

// Retain keeps the environment for post-mortem and records the attempt
// that ran in it.
func (e *Environment) Retain(attempt domain.RehearsalAttempt) error {
	return writeJSON(filepath.Join(e.Path, "attempt.json"), attempt)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
