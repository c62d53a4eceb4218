package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	// Dir holds tracking files, or the Badger database. Empty means DefaultDir().
	Dir      string
	RedisURL string
}

// Open returns the store for record id.
func Open(ctx context.Context, opts Options, id string, logger *slog.Logger) (Store, error) {
	dir := opts.Dir
	if dir == "" && opts.Backend != BackendRedis {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	switch opts.Backend {
	case "", BackendFile:
		return NewFileStore(dir, id, logger), nil
	case BackendBadger:
		store, err := OpenBadgerStore(filepath.Join(dir, "badger"), id, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendRedis:
		store, err := OpenRedisStore(ctx, opts.RedisURL, id, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
