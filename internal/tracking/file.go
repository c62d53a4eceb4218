package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultDir returns ~/.bedrock_ingestion.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".bedrock_ingestion"), nil
}

// FileStore keeps the set as a JSON array in a single file.
type FileStore struct {
	path   string
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store for record id inside dir. The directory is created on first save.
func NewFileStore(dir, id string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileStore{
		path:   filepath.Join(dir, "processed_files_"+id+".json"),
		logger: logger,
	}
}

func (f *FileStore) Location() string { return f.path }

// Load reads the file. A missing file is an empty set; a corrupt one is logged and
// treated as empty so the run can proceed.
func (f *FileStore) Load(_ context.Context) (*Set, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking file: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		f.logger.Warn("tracking file is corrupt, starting with an empty set",
			"path", f.path,
			"error", err)
		return NewSet(), nil
	}
	return NewSet(keys...), nil
}

// Save writes the set through a temp file and rename so a crash never leaves a partial file.
func (f *FileStore) Save(_ context.Context, set *Set) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create tracking directory: %w", err)
	}

	keys := set.Keys()
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode tracking set: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace tracking file: %w", err)
	}

	f.logger.Debug("tracking file saved", "path", f.path, "keys", len(keys))
	return nil
}

func (f *FileStore) Reset(_ context.Context) error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove tracking file: %w", err)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
