package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// BadgerStore keeps every tracked key as its own entry in an embedded Badger database,
// under a per-record prefix. One database directory can hold many records.
type BadgerStore struct {
	db     *badger.DB
	prefix []byte
	dir    string
	logger *slog.Logger
}

var _ Store = (*BadgerStore)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any)   { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l badgerLogger) Warningf(msg string, args ...any) { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l badgerLogger) Infof(msg string, args ...any)    { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l badgerLogger) Debugf(msg string, args ...any)   { l.logger.Debug(fmt.Sprintf(msg, args...)) }

// OpenBadgerStore opens (or creates) the database at dir. An empty dir opens an in-memory
// database, which tests use.
func OpenBadgerStore(dir, id string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStore{
		db:     db,
		prefix: []byte("processed/" + id + "/"),
		dir:    dir,
		logger: logger,
	}, nil
}

func (b *BadgerStore) Location() string {
	if b.dir == "" {
		return "badger:memory/" + string(b.prefix)
	}
	return "badger:" + b.dir + "/" + string(b.prefix)
}

func (b *BadgerStore) Load(_ context.Context) (*Set, error) {
	set := NewSet()
	err := b.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().KeyCopy(nil)
			set.Add(string(key[len(b.prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load tracked keys: %w", err)
	}
	return set, nil
}

// Save adds every key of set. Keys are never removed here; use Reset for that.
func (b *BadgerStore) Save(_ context.Context, set *Set) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, k := range set.Keys() {
		if err := wb.Set(b.entryKey(k), nil); err != nil {
			return fmt.Errorf("stage tracked key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("save tracked keys: %w", err)
	}
	return nil
}

func (b *BadgerStore) Reset(_ context.Context) error {
	if err := b.db.DropPrefix(b.prefix); err != nil {
		return fmt.Errorf("drop tracked keys: %w", err)
	}
	return nil
}

func (b *BadgerStore) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

func (b *BadgerStore) entryKey(k string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(k))
	out = append(out, b.prefix...)
	return append(out, k...)
}
