// Package document implements the slot-chunked document engine: one logical
// JSON document, replaced atomically as a whole, stored across fixed-size
// slot entries of a key-value backend, with hash/timestamp metadata for
// staleness detection between engine instances sharing that backend.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/slotstack/slotstack/internal/backend"
	"github.com/slotstack/slotstack/pkg/codec"
)

// Default slot geometry.
const (
	DefaultSlotCount = 256
	DefaultSlotSize  = 1024
)

// State is the engine's operation phase. It is readable at any time, also
// while an operation is in flight on another goroutine.
type State int32

const (
	StateIdle State = iota
	StateUploading
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MetricsRecorder receives operation outcomes and storage gauges. The
// engine works fine with a nil recorder.
type MetricsRecorder interface {
	RecordOperation(operation string, success bool, duration time.Duration)
	SetOccupiedBytes(bytes float64)
}

// Options configures an engine instance. The zero value is usable: 256
// slots of 1024 bytes on a private in-memory backend, no compression.
type Options struct {
	// SlotCount is the number of reserved slot keys (default 256).
	SlotCount int
	// SlotSize is the byte cap per slot (default 1024).
	SlotSize int
	// Backend is the key-value store to persist into. Defaults to a fresh
	// in-memory store private to this engine.
	Backend backend.Backend
	// Compression selects codec.AlgorithmGzip or codec.AlgorithmZstd;
	// empty or codec.AlgorithmNone disables compression.
	Compression string
	// CompressionLevel applies to gzip (1-9, 0 = default).
	CompressionLevel int
	// Compressor overrides Compression with a caller-supplied codec.
	Compressor codec.Compressor
	// InstanceID names this engine in diagnostics (default: random UUID).
	InstanceID string
	// Logger receives diagnostics; defaults to the standard logger.
	Logger *logrus.Logger
	// Metrics receives operation outcomes; may be nil.
	Metrics MetricsRecorder
}

// Engine orchestrates the slot manager, metadata store and codec. One
// operation runs at a time per instance; State is observable concurrently.
type Engine struct {
	mu    sync.Mutex
	state atomic.Int32

	slots      *slotManager
	metaStore  *metaStore
	meta       Metadata // in-memory mirror of the persisted record
	cache      map[string]any
	compressor codec.Compressor
	instanceID string
	metrics    MetricsRecorder
	log        *logrus.Entry
}

// New creates an engine and loads (or initializes) its metadata record from
// the backend.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.SlotCount == 0 {
		opts.SlotCount = DefaultSlotCount
	}
	if opts.SlotSize == 0 {
		opts.SlotSize = DefaultSlotSize
	}
	if opts.SlotCount < 0 || opts.SlotSize < 0 {
		return nil, fmt.Errorf("invalid slot geometry: count=%d size=%d", opts.SlotCount, opts.SlotSize)
	}
	if opts.Backend == nil {
		opts.Backend = backend.NewMemory()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	compressor := opts.Compressor
	if compressor == nil && opts.Compression != "" && opts.Compression != codec.AlgorithmNone {
		var err error
		compressor, err = codec.New(opts.Compression, opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		slots:      newSlotManager(opts.Backend, opts.SlotSize, opts.SlotCount),
		metaStore:  &metaStore{backend: opts.Backend},
		cache:      make(map[string]any),
		compressor: compressor,
		instanceID: opts.InstanceID,
		metrics:    opts.Metrics,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "document-engine",
			"instance":  opts.InstanceID,
		}),
	}

	meta, err := e.metaStore.load(ctx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		// First use of this backend: persist an all-absent record and treat
		// it as source of truth from here on.
		if err := e.metaStore.save(ctx, e.meta); err != nil {
			return nil, err
		}
	} else {
		e.meta = meta.clone()
	}

	e.log.WithFields(logrus.Fields{
		"slot_count": opts.SlotCount,
		"slot_size":  opts.SlotSize,
		"capacity":   e.slots.maxCapacity(),
	}).Debug("Document engine initialized")
	return e, nil
}

// State returns the current operation phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// InstanceID returns the diagnostic identifier of this engine.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// MaxCapacity returns the total byte budget, slotSize*slotCount.
func (e *Engine) MaxCapacity() int {
	return e.slots.maxCapacity()
}

// CurrentUsed reports occupied slot bytes. With live=true the slots are
// re-read and measured; otherwise the incrementally maintained counter is
// returned.
func (e *Engine) CurrentUsed(ctx context.Context, live bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if live {
		return e.slots.liveUsed(ctx)
	}
	return e.slots.occupied, nil
}

// IsUpToDate reports whether this instance's cached last-updated timestamp
// exactly equals the backend's live one. Both being absent counts as equal.
func (e *Engine) IsUpToDate(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	live, err := e.metaStore.load(ctx)
	if err != nil {
		return false, err
	}
	return e.upToDate(live), nil
}

// Get returns the values for keys. With no keys given, all keys currently
// known to the local cache are resolved. Missing keys are omitted from the
// result, never an error. A stale instance reads the backend's document
// instead of its cache; the key cache is not refreshed by that read.
func (e *Engine) Get(ctx context.Context, keys ...string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Store(int32(StateDownloading))
	defer e.state.Store(int32(StateIdle))

	start := time.Now()
	result, err := e.get(ctx, keys)
	e.record("get", err == nil, start)
	return result, err
}

func (e *Engine) get(ctx context.Context, keys []string) (map[string]any, error) {
	if len(keys) == 0 {
		keys = make([]string, 0, len(e.cache))
		for k := range e.cache {
			keys = append(keys, k)
		}
	}

	live, err := e.metaStore.load(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]any, len(keys))
	if e.upToDate(live) {
		for _, k := range keys {
			if v, ok := e.cache[k]; ok {
				result[k] = v
			}
		}
		return result, nil
	}

	doc, err := e.readStored(ctx, live)
	if err != nil {
		return nil, err
	}
	// Re-sync the metadata mirror so staleness checks reflect this read.
	// The key cache keeps the instance's own last-written view.
	if live != nil {
		e.meta = live.clone()
	}
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			result[k] = v
		}
	}
	return result, nil
}

// Set merges items over the currently stored document (new keys win) and
// replaces the stored document wholesale. On a CapacityError nothing was
// mutated. A compression failure records CompressStateFailed and leaves the
// previously stored document intact.
func (e *Engine) Set(ctx context.Context, items map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Store(int32(StateUploading))
	defer e.state.Store(int32(StateIdle))

	start := time.Now()
	err := e.set(ctx, items)
	e.record("set", err == nil, start)
	if err == nil && e.metrics != nil {
		e.metrics.SetOccupiedBytes(float64(e.slots.occupied))
	}
	return err
}

func (e *Engine) set(ctx context.Context, items map[string]any) error {
	live, err := e.metaStore.load(ctx)
	if err != nil {
		return err
	}
	merged, err := e.readStored(ctx, live)
	if err != nil {
		return err
	}
	for k, v := range items {
		merged[k] = v
	}

	serialized, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}
	preCompressHash := codec.Hash(string(serialized))

	payload := string(serialized)
	if e.compressor != nil {
		compressed, err := e.compressor.Compress(serialized)
		if err != nil {
			if saveErr := e.setLastCompressState(ctx, CompressStateFailed); saveErr != nil {
				e.log.WithError(saveErr).Warn("Failed to record compression failure")
			}
			return &CompressionError{Op: "compress", Err: err}
		}
		payload = string(compressed)
	}

	if over := len(payload) - e.slots.maxCapacity(); over > 0 {
		return &CapacityError{Overage: over}
	}

	// In-progress rewrite window: slots and hash are cleared first, so a
	// crash between here and the final hash write reads as "no document"
	// rather than a hash over half-written slots.
	if err := e.slots.clear(ctx); err != nil {
		return err
	}
	if err := e.setHash(ctx, nil); err != nil {
		return err
	}
	if err := e.slots.write(ctx, payload); err != nil {
		return err
	}

	if e.compressor != nil {
		if err := e.setPreCompressHash(ctx, &preCompressHash); err != nil {
			return err
		}
		if err := e.setLastCompressState(ctx, CompressStateCompressed); err != nil {
			return err
		}
	} else {
		if err := e.setPreCompressHash(ctx, nil); err != nil {
			return err
		}
		if err := e.setLastCompressState(ctx, CompressStateUncompressed); err != nil {
			return err
		}
	}

	storedHash := codec.Hash(payload)
	if err := e.setHash(ctx, &storedHash); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if err := e.setLastUpdated(ctx, &now); err != nil {
		return err
	}

	for k, v := range items {
		e.cache[k] = v
	}

	e.log.WithFields(logrus.Fields{
		"bytes":    len(payload),
		"capacity": e.slots.maxCapacity(),
		"hash":     storedHash,
	}).Debug("Document stored")
	return nil
}

// Clear removes all slots and drops the local cache. The metadata hash and
// timestamp are deliberately left as-is, matching the reference behavior:
// IsUpToDate can report true against a cleared backend until the next Set.
func (e *Engine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Store(int32(StateUploading))
	defer e.state.Store(int32(StateIdle))

	start := time.Now()
	err := e.slots.clear(ctx)
	e.record("clear", err == nil, start)
	if err != nil {
		return err
	}
	e.cache = make(map[string]any)
	if e.metrics != nil {
		e.metrics.SetOccupiedBytes(0)
	}
	return nil
}

// Hash returns the digest of the bytes currently stored in slots, per this
// instance's metadata mirror. ok is false when no document was written.
func (e *Engine) Hash() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta.Hash == nil {
		return "", false
	}
	return *e.meta.Hash, true
}

// PreCompressHash returns the digest of the serialized document before
// compression; ok is false when compression is disabled or nothing written.
func (e *Engine) PreCompressHash() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta.HashPreCompress == nil {
		return "", false
	}
	return *e.meta.HashPreCompress, true
}

// LastUpdated returns the timestamp of the last successful write known to
// this instance; ok is false when nothing was written.
func (e *Engine) LastUpdated() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.meta.LastUpdated == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*e.meta.LastUpdated), true
}

// LastCompressState returns the compression outcome of the last write known
// to this instance.
func (e *Engine) LastCompressState() CompressState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.LastCompressState
}

// readStored reconstructs the document currently in the backend: slot
// concatenation, decompression when the live metadata says the bytes are
// compressed, then JSON parsing. An empty backend yields an empty document.
func (e *Engine) readStored(ctx context.Context, live *Metadata) (map[string]any, error) {
	payload, err := e.slots.readAll(ctx)
	if err != nil {
		return nil, err
	}
	if payload == "" {
		return make(map[string]any), nil
	}

	raw := []byte(payload)
	state := CompressStateUnknown
	if live != nil {
		state = live.LastCompressState
	}
	if state == CompressStateCompressed {
		if e.compressor == nil {
			return nil, &CompressionError{
				Op:  "decompress",
				Err: errors.New("stored document is compressed but no compressor is configured"),
			}
		}
		raw, err = e.compressor.Decompress(raw)
		if err != nil {
			return nil, &CompressionError{Op: "decompress", Err: err}
		}
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stored document: %w", err)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	return doc, nil
}

// upToDate compares the mirror's last-updated timestamp with the live
// record's by exact equality.
func (e *Engine) upToDate(live *Metadata) bool {
	var liveTS *int64
	if live != nil {
		liveTS = live.LastUpdated
	}
	cached := e.meta.LastUpdated
	if cached == nil || liveTS == nil {
		return cached == nil && liveTS == nil
	}
	return *cached == *liveTS
}

// Metadata mutators: each is a read-modify-write of one field against the
// in-memory mirror followed by a full save of the record.

func (e *Engine) setHash(ctx context.Context, hash *string) error {
	e.meta.Hash = hash
	return e.metaStore.save(ctx, e.meta)
}

func (e *Engine) setPreCompressHash(ctx context.Context, hash *string) error {
	e.meta.HashPreCompress = hash
	return e.metaStore.save(ctx, e.meta)
}

func (e *Engine) setLastCompressState(ctx context.Context, state CompressState) error {
	e.meta.LastCompressState = state
	return e.metaStore.save(ctx, e.meta)
}

func (e *Engine) setLastUpdated(ctx context.Context, ts *int64) error {
	e.meta.LastUpdated = ts
	return e.metaStore.save(ctx, e.meta)
}

func (e *Engine) record(operation string, success bool, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordOperation(operation, success, time.Since(start))
	}
}
