// Package backend defines the key-value store contract the document engine
// writes through, plus the built-in implementations (in-memory, BadgerDB,
// Pebble). Values are opaque strings; the engine layers its own slot and
// metadata key scheme on top.
package backend

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Supported backend kinds.
const (
	KindMemory = "memory"
	KindBadger = "badger"
	KindPebble = "pebble"
)

// Backend is the key-value store the engine persists into. Get with nil
// keys returns every entry; with explicit keys, absent keys are simply
// omitted from the result map. Set merges the given entries and never
// touches unrelated keys. Clear wipes the ENTIRE backend, including keys
// the engine does not own — the engine therefore never calls it and removes
// only its own reserved keys.
type Backend interface {
	Get(ctx context.Context, keys []string) (map[string]string, error)
	Set(ctx context.Context, entries map[string]string) error
	Remove(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
	Close() error
}

// Config selects and parameterizes a backend implementation.
type Config struct {
	// Kind is one of "memory", "badger", "pebble".
	Kind string
	// DataDir is the on-disk location for persistent backends.
	DataDir string
	// SyncWrites forces every Badger write to disk (slower but safer).
	SyncWrites bool
	// GCEnabled starts the Badger value-log GC loop.
	GCEnabled bool
}

// New creates a backend from configuration. An empty kind defaults to the
// in-memory store.
func New(cfg Config, logger *logrus.Logger) (Backend, error) {
	if logger == nil {
		logger = logrus.New()
	}

	switch cfg.Kind {
	case KindMemory, "":
		return NewMemory(), nil
	case KindBadger:
		return NewBadger(cfg, logger)
	case KindPebble:
		return NewPebble(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported backend kind: %s", cfg.Kind)
	}
}
