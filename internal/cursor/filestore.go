package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const defaultCursorDirectory = "cursor"

// FileStore persists cursor positions as one JSON file per task under a state
// directory. Writes go through a temp file and rename so a crash mid-save never
// leaves a truncated position behind.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type FileStoreConfig struct {
	// Path is the state directory the cursor directory is created under.
	Path string
}

func (c *FileStoreConfig) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("state directory cannot be empty"))
	}
	return errors.Join(errGrp...)
}

func NewFileStore(cfg *FileStoreConfig) (*FileStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(cfg.Path, defaultCursorDirectory)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.New("failed to create cursor directory: " + err.Error())
	}
	return &FileStore{path: dir}, nil
}

func (s *FileStore) fileFor(taskID string) string {
	return filepath.Join(s.path, taskID+".cursor.json")
}

// Load reads the persisted position for taskID. A missing file is not an
// error: it means the task has never run.
func (s *FileStore) Load(_ context.Context, taskID string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.fileFor(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}

	var pos Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("failed to decode cursor file: %w", err)
	}
	return &pos, nil
}

// Save durably replaces the persisted position for taskID.
func (s *FileStore) Save(_ context.Context, taskID string, pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}

	target := s.fileFor(taskID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}
