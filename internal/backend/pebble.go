package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// PebbleBackend implements Backend on Pebble. Unlike BadgerDB, Pebble's WAL
// survives crashes without corrupting the MANIFEST, so it is the safer
// choice on flaky disks.
type PebbleBackend struct {
	db     *pebble.DB
	logger *logrus.Logger
}

// NewPebble opens (or creates) a Pebble store under cfg.DataDir.
func NewPebble(cfg Config, logger *logrus.Logger) (*PebbleBackend, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("pebble backend requires a data directory")
	}

	dbPath := filepath.Join(cfg.DataDir, "kv")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cache := pebble.NewCache(64 << 20) // 64 MB block cache
	defer cache.Unref()

	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{logger: logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	logger.WithField("path", dbPath).Info("Pebble backend initialized")
	return &PebbleBackend{db: db, logger: logger}, nil
}

func (p *PebbleBackend) Get(ctx context.Context, keys []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]string)
	if keys == nil {
		iter, err := p.db.NewIter(&pebble.IterOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create iterator: %w", err)
		}
		defer iter.Close()

		for iter.First(); iter.Valid(); iter.Next() {
			val, err := iter.ValueAndErr()
			if err != nil {
				return nil, err
			}
			result[string(iter.Key())] = string(val)
		}
		return result, iter.Error()
	}

	for _, key := range keys {
		val, closer, err := p.db.Get([]byte(key))
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %q: %w", key, err)
		}
		result[key] = string(val)
		if err := closer.Close(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PebbleBackend) Set(ctx context.Context, entries map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for k, v := range entries {
		if err := batch.Set([]byte(k), []byte(v), nil); err != nil {
			return fmt.Errorf("batch set %q: %w", k, err)
		}
	}
	return batch.Commit(pebble.NoSync)
}

func (p *PebbleBackend) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for _, k := range keys {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("batch delete %q: %w", k, err)
		}
	}
	return batch.Commit(pebble.NoSync)
}

func (p *PebbleBackend) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	batch := p.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	for iter.First(); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		if err := batch.Delete(key, nil); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return batch.Commit(pebble.NoSync)
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}

// pebbleLogger adapts logrus to pebble's Logger interface (Infof + Fatalf).
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Backend = (*PebbleBackend)(nil)
