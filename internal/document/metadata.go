package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slotstack/slotstack/internal/backend"
)

// Reserved backend keys. They live in the same namespace as caller data on
// a shared backend, so they carry a collision-resistant prefix.
const (
	// MetaKey holds the serialized Metadata record.
	MetaKey = "__storage_meta"
	// SlotKeyPrefix + index holds one slot's chunk, index in [0, slotCount).
	SlotKeyPrefix = "__storage_stack_"
)

// CompressState records the outcome of the last write's compression step.
type CompressState string

const (
	// CompressStateUnknown is the zero value: nothing has been written yet.
	CompressStateUnknown CompressState = ""
	// CompressStateUncompressed means the last write stored plain bytes.
	CompressStateUncompressed CompressState = "uncompressed"
	// CompressStateCompressed means the last write stored compressed bytes.
	CompressStateCompressed CompressState = "compressed"
	// CompressStateFailed means the last write's compression step errored.
	CompressStateFailed CompressState = "failed"
)

// Metadata is the single record persisted under MetaKey. Pointer fields
// distinguish "absent" (never written) from real values.
//
// Write ordering invariant: Hash is cleared before slots are rewritten and
// set only after all slots of a version are stored, so a crash mid-write is
// observable as an absent hash, never as a hash pointing at half-written
// slots.
type Metadata struct {
	// Hash is the digest of the exact bytes stored in slots
	// (post-compression when compression is enabled).
	Hash *string `json:"hash,omitempty"`
	// HashPreCompress is the digest of the serialized document before
	// compression. Absent when compression is disabled.
	HashPreCompress *string `json:"hash_pre_compress,omitempty"`
	// LastUpdated is the Unix-millisecond timestamp of the last successful
	// write. Staleness detection compares it by exact equality.
	LastUpdated *int64 `json:"last_updated,omitempty"`
	// LastCompressState is the outcome of the last write's compression step.
	LastCompressState CompressState `json:"last_compress_state,omitempty"`
}

// clone returns a copy with its own pointer cells.
func (m Metadata) clone() Metadata {
	out := Metadata{LastCompressState: m.LastCompressState}
	if m.Hash != nil {
		h := *m.Hash
		out.Hash = &h
	}
	if m.HashPreCompress != nil {
		h := *m.HashPreCompress
		out.HashPreCompress = &h
	}
	if m.LastUpdated != nil {
		ts := *m.LastUpdated
		out.LastUpdated = &ts
	}
	return out
}

// metaStore persists the Metadata record under MetaKey in the backend.
type metaStore struct {
	backend backend.Backend
}

// load reads the current record, or returns nil when none exists yet.
func (s *metaStore) load(ctx context.Context) (*Metadata, error) {
	entries, err := s.backend.Get(ctx, []string{MetaKey})
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	raw, ok := entries[MetaKey]
	if !ok || raw == "" {
		return nil, nil
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata record: %w", err)
	}
	return &meta, nil
}

// save writes the full record.
func (s *metaStore) save(ctx context.Context, meta Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}
	if err := s.backend.Set(ctx, map[string]string{MetaKey: string(raw)}); err != nil {
		return fmt.Errorf("failed to persist metadata: %w", err)
	}
	return nil
}
