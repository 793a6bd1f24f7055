package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/compozy/taskengine/engine/core"
	"github.com/spf13/afero"
)

const filePerm = 0o600

// Store reads and atomically writes the recovery file.
type Store struct {
	fs   afero.Fs
	path string
}

func NewStore(fsys afero.Fs, path string) *Store {
	return &Store{fs: fsys, path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored state; a missing file is an empty state.
func (s *Store) Load() (State, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return State{}, nil
		}
		return nil, fmt.Errorf("failed to read recovery file: %w", err)
	}
	return Decode(data)
}

// Save writes state through a temp file and rename so readers never see a
// partial file.
func (s *Store) Save(state State) error {
	data, err := Encode(state)
	if err != nil {
		return persistenceError(s.path, err)
	}
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return persistenceError(s.path, fmt.Errorf("create directory: %w", err))
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return persistenceError(s.path, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = s.fs.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return persistenceError(s.path, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return persistenceError(s.path, fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return persistenceError(s.path, fmt.Errorf("close temp file: %w", err))
	}
	if err := s.fs.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return persistenceError(s.path, fmt.Errorf("chmod temp file: %w", err))
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return persistenceError(s.path, fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

func persistenceError(path string, err error) error {
	return core.NewError(err, core.ErrCodePersistence, map[string]any{"path": path})
}
