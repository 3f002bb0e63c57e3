package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// BadgerBackend implements Backend on BadgerDB v4.
type BadgerBackend struct {
	db        *badger.DB
	logger    *logrus.Logger
	stopGC    chan struct{}
	closeOnce sync.Once
}

// NewBadger opens (or creates) a BadgerDB store under cfg.DataDir.
func NewBadger(cfg Config, logger *logrus.Logger) (*BadgerBackend, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("badger backend requires a data directory")
	}

	dbPath := filepath.Join(cfg.DataDir, "kv")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}
	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(logger)).
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	b := &BadgerBackend{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}

	if cfg.GCEnabled {
		go b.runGC()
	}

	logger.WithField("path", dbPath).Info("BadgerDB backend initialized")
	return b, nil
}

func (b *BadgerBackend) Get(ctx context.Context, keys []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		if keys == nil {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				item := it.Item()
				key := string(item.KeyCopy(nil))
				err := item.Value(func(val []byte) error {
					result[key] = string(val)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		}

		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %q: %w", key, err)
			}
			err = item.Value(func(val []byte) error {
				result[key] = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BadgerBackend) Set(ctx context.Context, entries map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for k, v := range entries {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return fmt.Errorf("set %q: %w", k, err)
			}
		}
		return nil
	})
}

func (b *BadgerBackend) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil && err != badger.ErrKeyNotFound {
				return fmt.Errorf("delete %q: %w", k, err)
			}
		}
		return nil
	})
}

func (b *BadgerBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.DropAll()
}

// Close is safe to call more than once; only the first call stops the GC
// loop and closes the database.
func (b *BadgerBackend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopGC)
		err = b.db.Close()
	})
	return err
}

// runGC periodically runs Badger's value-log garbage collection.
func (b *BadgerBackend) runGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				b.logger.WithError(err).Warn("BadgerDB GC failed")
			}
		case <-b.stopGC:
			return
		}
	}
}

// badgerLogger adapts logrus to badger's Logger interface, demoting
// badger's chatty info/debug output.
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Backend = (*BadgerBackend)(nil)
