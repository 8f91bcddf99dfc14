package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long a FileStore waits for another process.
const lockTimeout = time.Second

// FileStore keeps the state as JSON in a single file readable only by the
// owner. A sibling .lock file serializes access across processes.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path. The file and its directory
// are created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultStatePath returns ~/.config/uwgate/session.json.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "uwgate", "session.json"), nil
}

// Path returns the state file path.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) lock(ctx context.Context, shared bool) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fileLock := flock.New(f.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	var locked bool
	var err error
	if shared {
		locked, err = fileLock.TryRLockContext(lockCtx, 100*time.Millisecond)
	} else {
		locked, err = fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}
	return fileLock, nil
}

// Load reads the state under a shared lock.
func (f *FileStore) Load(ctx context.Context) (*State, error) {
	fileLock, err := f.lock(ctx, true)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	return f.read()
}

func (f *FileStore) read() (*State, error) {
	state := &State{}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		state.ensureMaps()
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, state); err != nil {
			return nil, fmt.Errorf("failed to parse state file %s: %w", f.path, err)
		}
	}
	state.ensureMaps()
	return state, nil
}

// Update reads, modifies and rewrites the state under an exclusive lock.
// The file is replaced atomically.
func (f *FileStore) Update(ctx context.Context, fn func(*State) error) error {
	fileLock, err := f.lock(ctx, false)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	state, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
