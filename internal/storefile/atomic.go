// Package storefile provides a mutex-guarded, atomically-written JSON file
// primitive shared by the Account Directory, Strategy State Store, and
// Order Log. Every mutation is flushed to stable storage via
// write-to-temp-then-rename before the call returns, so a crash mid-write
// never leaves a torn file behind.
package storefile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/Pranav0209/trade-replicator/pkg/types"
)

// File is a single JSON document backed by one file on disk, guarded by a
// process-wide mutex.
type File struct {
	mu     sync.RWMutex
	logger *zap.Logger
	path   string
}

// New returns a File bound to path. The parent directory is created if
// absent; the file itself is not created until the first Write.
func New(logger *zap.Logger, path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &types.StorageError{Op: "mkdir", Err: err}
	}
	return &File{logger: logger, path: path}, nil
}

// Read decodes the file's contents into out. If the file does not exist,
// Read leaves out untouched and returns nil — absence of a key must never
// be treated as an error by callers.
func (f *File) Read(out any) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &types.StorageError{Op: "read " + f.path, Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &types.StorageError{Op: "decode " + f.path, Err: err}
	}
	return nil
}

// Write marshals v and atomically replaces the file's contents: write to a
// temp file in the same directory, fsync, then rename over the target.
func (f *File) Write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(v)
}

func (f *File) writeLocked(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &types.StorageError{Op: "encode " + f.path, Err: err}
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &types.StorageError{Op: "create temp for " + f.path, Err: err}
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &types.StorageError{Op: "write temp for " + f.path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &types.StorageError{Op: "sync temp for " + f.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &types.StorageError{Op: "close temp for " + f.path, Err: err}
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return &types.StorageError{Op: "rename into " + f.path, Err: err}
	}
	return nil
}

// Update reads the current value into out, lets mutate modify it in place,
// then atomically writes it back — all under a single write-lock, so the
// read-modify-write is serialised against concurrent mutators (e.g. the
// admin API updating a cap-limit while the replicator reads the directory).
func (f *File) Update(out any, mutate func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil && !os.IsNotExist(err) {
		return &types.StorageError{Op: "read " + f.path, Err: err}
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &types.StorageError{Op: "decode " + f.path, Err: err}
		}
	}

	if err := mutate(); err != nil {
		return err
	}

	return f.writeLocked(out)
}

// Path returns the backing file path, for logging.
func (f *File) Path() string {
	return f.path
}
