package document

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotstack/slotstack/internal/backend"
	"github.com/slotstack/slotstack/internal/metrics"
	"github.com/slotstack/slotstack/pkg/codec"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	e, err := New(context.Background(), opts)
	require.NoError(t, err)
	return e
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	items := map[string]any{
		"name":  "slotstack",
		"count": 42,
		"tags":  []any{"a", "b"},
	}
	require.NoError(t, e.Set(ctx, items))

	got, err := e.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, items, got)

	t.Run("SingleKey", func(t *testing.T) {
		got, err := e.Get(ctx, "name")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "slotstack"}, got)
	})

	t.Run("MissingKeyOmittedNotError", func(t *testing.T) {
		got, err := e.Get(ctx, "name", "nope")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "slotstack"}, got)
	})
}

func TestMergeNewKeysWin(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set(ctx, map[string]any{"a": "1", "b": "2"}))
	require.NoError(t, e.Set(ctx, map[string]any{"b": "20", "c": "3"}))

	got, err := e.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "20", "c": "3"}, got)
}

// Concrete scenario: slotSize=4, slotCount=4 → capacity 16. A document
// serializing to exactly 16 bytes fits; 17 bytes overflows by exactly 1 and
// leaves the prior document and hash intact.
func TestConcreteCapacityScenario(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{SlotSize: 4, SlotCount: 4})

	require.NoError(t, e.Set(ctx, map[string]any{"key": "ABCDEF"})) // {"key":"ABCDEF"} = 16 bytes

	used, err := e.CurrentUsed(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 16, used)

	liveUsed, err := e.CurrentUsed(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 16, liveUsed)

	hash, ok := e.Hash()
	require.True(t, ok)
	assert.Equal(t, codec.Hash(`{"key":"ABCDEF"}`), hash)

	err = e.Set(ctx, map[string]any{"key": "ABCDEFG"}) // 17 bytes
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Overage)

	// Prior document and metadata untouched.
	hashAfter, ok := e.Hash()
	require.True(t, ok)
	assert.Equal(t, hash, hashAfter)

	got, err := e.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", got["key"])
}

func TestCapacityErrorBeforeAnyMutation(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	e := newTestEngine(t, Options{SlotSize: 4, SlotCount: 2, Backend: store})

	require.NoError(t, e.Set(ctx, map[string]any{"k": "v"})) // {"k":"v"} = 9 bytes

	before, err := store.Get(ctx, nil)
	require.NoError(t, err)

	err = e.Set(ctx, map[string]any{"k": "way too large for eight bytes"})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)

	after, err := store.Get(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after, "oversized set must not touch slots or metadata")
}

func TestIdempotentHash(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{Compression: codec.AlgorithmGzip})

	require.NoError(t, e.Set(ctx, map[string]any{"key": "value"}))
	first, ok := e.Hash()
	require.True(t, ok)

	require.NoError(t, e.Set(ctx, map[string]any{"key": "value"}))
	second, ok := e.Hash()
	require.True(t, ok)

	assert.Equal(t, first, second)
}

func TestStalenessBetweenInstances(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	a := newTestEngine(t, Options{Backend: shared, InstanceID: "a"})
	b := newTestEngine(t, Options{Backend: shared, InstanceID: "b"})

	require.NoError(t, a.Set(ctx, map[string]any{"owner": "a"}))

	upToDate, err := a.IsUpToDate(ctx)
	require.NoError(t, err)
	assert.True(t, upToDate)

	upToDate, err = b.IsUpToDate(ctx)
	require.NoError(t, err)
	assert.False(t, upToDate)

	t.Run("StaleInstanceReadsBackend", func(t *testing.T) {
		got, err := b.Get(ctx, "owner")
		require.NoError(t, err)
		assert.Equal(t, "a", got["owner"])
	})

	t.Run("ReadingResyncsStalenessCheck", func(t *testing.T) {
		upToDate, err := b.IsUpToDate(ctx)
		require.NoError(t, err)
		assert.True(t, upToDate)
	})
}

// With no explicit keys, Get resolves the keys known to the local cache. A
// stale instance that never wrote anything therefore gets an empty answer
// until it asks for keys explicitly.
func TestStaleGetWithoutKeysUsesCacheKeys(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	a := newTestEngine(t, Options{Backend: shared})
	b := newTestEngine(t, Options{Backend: shared})
	require.NoError(t, a.Set(ctx, map[string]any{"k": "v"}))

	got, err := b.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompressionTransparency(t *testing.T) {
	ctx := context.Background()

	for _, algorithm := range []string{codec.AlgorithmGzip, codec.AlgorithmZstd} {
		t.Run(algorithm, func(t *testing.T) {
			shared := backend.NewMemory()
			e := newTestEngine(t, Options{Backend: shared, Compression: algorithm})
			// Created before the write so it reads the backend, not a cache.
			other := newTestEngine(t, Options{Backend: shared, Compression: algorithm})

			items := map[string]any{"text": "the quick brown fox jumps over the lazy dog"}
			require.NoError(t, e.Set(ctx, items))

			assert.Equal(t, CompressStateCompressed, e.LastCompressState())

			preHash, ok := e.PreCompressHash()
			require.True(t, ok)
			hash, ok := e.Hash()
			require.True(t, ok)
			assert.NotEqual(t, preHash, hash, "stored hash covers post-compression bytes")

			// The second instance decompresses transparently.
			got, err := other.Get(ctx, "text")
			require.NoError(t, err)
			assert.Equal(t, items["text"], got["text"])
		})
	}
}

func TestUncompressedWriteClearsPreCompressHash(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set(ctx, map[string]any{"k": "v"}))

	_, ok := e.PreCompressHash()
	assert.False(t, ok)
	assert.Equal(t, CompressStateUncompressed, e.LastCompressState())
}

func TestIsolationOfUnrelatedKeys(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()
	require.NoError(t, shared.Set(ctx, map[string]string{
		"caller_key":   "caller_value",
		"another_apps": "data",
	}))

	e := newTestEngine(t, Options{Backend: shared})
	require.NoError(t, e.Set(ctx, map[string]any{"k": "v"}))
	require.NoError(t, e.Clear(ctx))

	got, err := shared.Get(ctx, []string{"caller_key", "another_apps"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"caller_key":   "caller_value",
		"another_apps": "data",
	}, got)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, Options{})

	require.NoError(t, e.Set(ctx, map[string]any{"k": "v"}))
	require.NoError(t, e.Clear(ctx))

	used, err := e.CurrentUsed(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, used)

	got, err := e.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Reference behavior: metadata is NOT reset by Clear.
	_, ok := e.Hash()
	assert.True(t, ok)
	_, ok = e.LastUpdated()
	assert.True(t, ok)
}

func TestAccessorsBeforeFirstWrite(t *testing.T) {
	e := newTestEngine(t, Options{})

	_, ok := e.Hash()
	assert.False(t, ok)
	_, ok = e.PreCompressHash()
	assert.False(t, ok)
	_, ok = e.LastUpdated()
	assert.False(t, ok)
	assert.Equal(t, CompressStateUnknown, e.LastCompressState())
}

// failingCompressor breaks on Compress to exercise the failure path.
type failingCompressor struct{}

func (failingCompressor) Compress([]byte) ([]byte, error) {
	return nil, errors.New("codec exploded")
}
func (failingCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (failingCompressor) Algorithm() string                      { return "failing" }

func TestCompressFailureMarksStateAndKeepsData(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	writer := newTestEngine(t, Options{Backend: shared})
	require.NoError(t, writer.Set(ctx, map[string]any{"k": "original"}))

	broken := newTestEngine(t, Options{Backend: shared, Compressor: failingCompressor{}})
	err := broken.Set(ctx, map[string]any{"k": "new"})

	var compErr *CompressionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "compress", compErr.Op)
	assert.Equal(t, CompressStateFailed, broken.LastCompressState())
	assert.Equal(t, StateIdle, broken.State())

	// Slots were never cleared; the original document is still stored.
	stored, err := shared.Get(ctx, []string{slotKey(0)})
	require.NoError(t, err)
	assert.Equal(t, `{"k":"original"}`, stored[slotKey(0)])
}

func TestDecompressFailurePropagates(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	// The reader exists before the write, so the write leaves it stale and
	// its Get goes to the backend.
	reader := newTestEngine(t, Options{Backend: shared, Compression: codec.AlgorithmGzip})

	writer := newTestEngine(t, Options{Backend: shared, Compression: codec.AlgorithmGzip})
	require.NoError(t, writer.Set(ctx, map[string]any{"k": "v"}))

	// Corrupt the stored bytes underneath the stale instance.
	require.NoError(t, shared.Set(ctx, map[string]string{slotKey(0): "not gzip at all"}))

	_, err := reader.Get(ctx, "k")

	var compErr *CompressionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, "decompress", compErr.Op)
	assert.Equal(t, StateIdle, reader.State())
}

func TestParseFailurePropagates(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	reader := newTestEngine(t, Options{Backend: shared})

	writer := newTestEngine(t, Options{Backend: shared})
	require.NoError(t, writer.Set(ctx, map[string]any{"k": "v"}))

	require.NoError(t, shared.Set(ctx, map[string]string{slotKey(0): "{truncated"}))

	_, err := reader.Get(ctx, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
	assert.Equal(t, StateIdle, reader.State())
}

// gatedBackend lets a test hold an operation open at its first backend call
// so the transitional engine state is observable.
type gatedBackend struct {
	*backend.Memory
	mu   sync.Mutex
	gate chan struct{}
}

func (g *gatedBackend) setGate(ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = ch
}

func (g *gatedBackend) Get(ctx context.Context, keys []string) (map[string]string, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.Memory.Get(ctx, keys)
}

func TestStateObservableMidOperation(t *testing.T) {
	ctx := context.Background()
	gated := &gatedBackend{Memory: backend.NewMemory()}
	e := newTestEngine(t, Options{Backend: gated})

	assert.Equal(t, StateIdle, e.State())

	gate := make(chan struct{})
	gated.setGate(gate)

	done := make(chan error, 1)
	go func() {
		_, err := e.Get(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return e.State() == StateDownloading
	}, time.Second, time.Millisecond)

	close(gate)
	gated.setGate(nil)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, e.State())
}

func TestMetadataSurvivesReconstruction(t *testing.T) {
	ctx := context.Background()
	shared := backend.NewMemory()

	first := newTestEngine(t, Options{Backend: shared})
	require.NoError(t, first.Set(ctx, map[string]any{"k": "v"}))
	hash, ok := first.Hash()
	require.True(t, ok)
	ts, ok := first.LastUpdated()
	require.True(t, ok)

	// A new engine on the same backend adopts the persisted record.
	second := newTestEngine(t, Options{Backend: shared})
	gotHash, ok := second.Hash()
	require.True(t, ok)
	assert.Equal(t, hash, gotHash)
	gotTS, ok := second.LastUpdated()
	require.True(t, ok)
	assert.True(t, ts.Equal(gotTS))

	upToDate, err := second.IsUpToDate(ctx)
	require.NoError(t, err)
	assert.True(t, upToDate)
}

func TestMultiSlotDocument(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()
	e := newTestEngine(t, Options{SlotSize: 8, SlotCount: 64, Backend: store})
	other := newTestEngine(t, Options{SlotSize: 8, SlotCount: 64, Backend: store})

	long := ""
	for i := 0; i < 40; i++ {
		long += "0123456789"
	}
	require.NoError(t, e.Set(ctx, map[string]any{"long": long}))

	// The serialized document spans many slots; the stale instance must
	// reassemble it in index order from the backend.
	got, err := other.Get(ctx, "long")
	require.NoError(t, err)
	assert.Equal(t, long, got["long"])
}

func TestMaxCapacity(t *testing.T) {
	e := newTestEngine(t, Options{SlotSize: 4, SlotCount: 4})
	assert.Equal(t, 16, e.MaxCapacity())

	defaults := newTestEngine(t, Options{})
	assert.Equal(t, DefaultSlotSize*DefaultSlotCount, defaults.MaxCapacity())
}

// A disabled-metrics daemon hands the engine a nil *metrics.Metrics. Stored
// in the interface-typed Options field that pointer is non-nil as an
// interface value, so operations must not dereference it.
func TestNilMetricsRecorderDoesNotPanic(t *testing.T) {
	ctx := context.Background()

	var m *metrics.Metrics
	e := newTestEngine(t, Options{Metrics: m})

	require.NoError(t, e.Set(ctx, map[string]any{"k": "v"}))

	got, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])

	require.NoError(t, e.Clear(ctx))
}
