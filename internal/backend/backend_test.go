package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// openBackends returns one instance of every backend kind, each with its
// own cleanup registered on t.
func openBackends(t *testing.T) map[string]Backend {
	t.Helper()

	badgerStore, err := NewBadger(Config{Kind: KindBadger, DataDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)

	pebbleStore, err := NewPebble(Config{Kind: KindPebble, DataDir: t.TempDir()}, quietLogger())
	require.NoError(t, err)

	backends := map[string]Backend{
		KindMemory: NewMemory(),
		KindBadger: badgerStore,
		KindPebble: pebbleStore,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			b.Close()
		}
	})
	return backends
}

func TestBackendCRUD(t *testing.T) {
	ctx := context.Background()

	for kind, store := range openBackends(t) {
		t.Run(kind, func(t *testing.T) {
			err := store.Set(ctx, map[string]string{"a": "1", "b": "2", "c": "3"})
			require.NoError(t, err)

			t.Run("GetExplicitKeys", func(t *testing.T) {
				got, err := store.Get(ctx, []string{"a", "c", "missing"})
				require.NoError(t, err)
				assert.Equal(t, map[string]string{"a": "1", "c": "3"}, got)
			})

			t.Run("GetAll", func(t *testing.T) {
				got, err := store.Get(ctx, nil)
				require.NoError(t, err)
				assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, got)
			})

			t.Run("SetMergesWithoutWiping", func(t *testing.T) {
				err := store.Set(ctx, map[string]string{"b": "20", "d": "4"})
				require.NoError(t, err)

				got, err := store.Get(ctx, nil)
				require.NoError(t, err)
				assert.Equal(t, map[string]string{"a": "1", "b": "20", "c": "3", "d": "4"}, got)
			})

			t.Run("RemoveToleratesAbsentKeys", func(t *testing.T) {
				err := store.Remove(ctx, []string{"d", "never-existed"})
				require.NoError(t, err)

				got, err := store.Get(ctx, []string{"d"})
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("Clear", func(t *testing.T) {
				require.NoError(t, store.Clear(ctx))

				got, err := store.Get(ctx, nil)
				require.NoError(t, err)
				assert.Empty(t, got)
			})
		})
	}
}

func TestBackendContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for kind, store := range openBackends(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := store.Get(ctx, nil)
			assert.ErrorIs(t, err, context.Canceled)

			err = store.Set(ctx, map[string]string{"k": "v"})
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Kind: KindBadger, DataDir: dir}

	store, err := NewBadger(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, map[string]string{"persisted": "yes"}))
	require.NoError(t, store.Close())

	store, err = NewBadger(cfg, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, []string{"persisted"})
	require.NoError(t, err)
	assert.Equal(t, "yes", got["persisted"])
}

func TestBadgerCloseIsIdempotent(t *testing.T) {
	store, err := NewBadger(Config{Kind: KindBadger, DataDir: t.TempDir(), GCEnabled: true}, quietLogger())
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.NotPanics(t, func() { store.Close() })
}

func TestBadgerCreatesMissingDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	store, err := NewBadger(Config{Kind: KindBadger, DataDir: dir}, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(context.Background(), map[string]string{"k": "v"}))
}

func TestPebblePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Kind: KindPebble, DataDir: dir}

	store, err := NewPebble(cfg, quietLogger())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, map[string]string{"persisted": "yes"}))
	require.NoError(t, store.Close())

	store, err = NewPebble(cfg, quietLogger())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, []string{"persisted"})
	require.NoError(t, err)
	assert.Equal(t, "yes", got["persisted"])
}

func TestNewFactory(t *testing.T) {
	t.Run("DefaultsToMemory", func(t *testing.T) {
		b, err := New(Config{}, nil)
		require.NoError(t, err)
		_, ok := b.(*Memory)
		assert.True(t, ok)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, err := New(Config{Kind: "etcd"}, quietLogger())
		assert.Error(t, err)
	})

	t.Run("PersistentKindsRequireDataDir", func(t *testing.T) {
		_, err := New(Config{Kind: KindBadger}, quietLogger())
		assert.Error(t, err)

		_, err = New(Config{Kind: KindPebble}, quietLogger())
		assert.Error(t, err)
	})
}
