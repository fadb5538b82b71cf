package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store keeps a single checkpoint per run inside a directory. The file name is
// derived from the run id, so a later run with the same id overwrites it.
type Store struct {
	dir   string
	saver *CheckpointSaver
}

// NewStore creates a checkpoint store rooted at dir
func NewStore(dir string, format CheckpointFormat) *Store {
	return &Store{
		dir:   dir,
		saver: NewCheckpointSaver(format),
	}
}

// Path returns the checkpoint file path for a run
func (s *Store) Path(runID string) string {
	return filepath.Join(s.dir, runID+s.saver.Format().Extension())
}

// Save writes the checkpoint atomically and returns its path
func (s *Store) Save(checkpoint *Checkpoint) (string, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	path := s.Path(checkpoint.RunID)
	tmp := path + ".tmp"
	if err := s.saver.SaveCheckpoint(checkpoint, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return path, nil
}

// Load reads the checkpoint at path. A missing file yields an error matching os.ErrNotExist.
func (s *Store) Load(path string) (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(path)
}
