package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/go-jose/go-jose/v4/json"
)

// CheckpointStore persists the orchestrator state between runs.
type CheckpointStore interface {
	// Load returns nil, nil when no checkpoint exists.
	Load(ctx context.Context) (*types.Checkpoint, error)
	Save(ctx context.Context, cp *types.Checkpoint) error
	// Delete is a no-op when no checkpoint exists.
	Delete(ctx context.Context) error
}

// FileCheckpointStore keeps the checkpoint as a JSON file. Saves write a temp file in the
// same directory and rename it over the target, so a crash leaves either the old or the
// new document.
type FileCheckpointStore struct {
	Path string
	mu   sync.Mutex
}

func NewFileCheckpointStore(path string) *FileCheckpointStore {
	return &FileCheckpointStore{Path: path}
}

func (s *FileCheckpointStore) Load(_ context.Context) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", s.Path, err)
	}

	var cp types.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.Path, err)
	}
	return &cp, nil
}

func (s *FileCheckpointStore) Save(_ context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		cleanup()
		return fmt.Errorf("replace checkpoint %s: %w", s.Path, err)
	}
	return nil
}

func (s *FileCheckpointStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", s.Path, err)
	}
	return nil
}

// MemoryCheckpointStore keeps the checkpoint in memory; used for one-shot runs.
type MemoryCheckpointStore struct {
	mu sync.Mutex
	cp *types.Checkpoint
}

func (s *MemoryCheckpointStore) Load(_ context.Context) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Clone(), nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = nil
	return nil
}
