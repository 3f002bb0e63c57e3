package document

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/slotstack/slotstack/internal/backend"
)

// slotKey returns the reserved backend key for one slot index.
func slotKey(index int) string {
	return SlotKeyPrefix + strconv.Itoa(index)
}

// slotManager maps one contiguous payload onto up to slotCount ordered
// chunks of at most slotSize bytes each, and reverses the mapping on read.
type slotManager struct {
	backend   backend.Backend
	slotSize  int
	slotCount int

	// occupied counts bytes written since the last clear. A live recount is
	// available via liveUsed.
	occupied int
}

func newSlotManager(b backend.Backend, slotSize, slotCount int) *slotManager {
	return &slotManager{backend: b, slotSize: slotSize, slotCount: slotCount}
}

// maxCapacity is the total byte budget across all slots.
func (s *slotManager) maxCapacity() int {
	return s.slotSize * s.slotCount
}

// keys returns every reserved slot key in index order.
func (s *slotManager) keys() []string {
	out := make([]string, s.slotCount)
	for i := range out {
		out[i] = slotKey(i)
	}
	return out
}

// write splits payload into slots. The capacity check happens before any
// slot is touched, so an oversized payload never partially writes.
//
// Slots past the payload's last chunk are left untouched; the engine clears
// all slots before writing so stale trailing chunks from a longer previous
// document cannot be misread.
func (s *slotManager) write(ctx context.Context, payload string) error {
	if over := len(payload) - s.maxCapacity(); over > 0 {
		return &CapacityError{Overage: over}
	}

	chunks := make(map[string]string)
	for index := 0; index < s.slotCount; index++ {
		start := index * s.slotSize
		end := (index + 1) * s.slotSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks[slotKey(index)] = payload[start:end]
		if end == len(payload) {
			break
		}
	}

	if err := s.backend.Set(ctx, chunks); err != nil {
		return fmt.Errorf("failed to write slots: %w", err)
	}
	s.occupied = len(payload)
	return nil
}

// readAll concatenates every slot's content in index order. A slot missing
// from the backend contributes nothing, which covers documents occupying
// fewer slots than configured.
func (s *slotManager) readAll(ctx context.Context) (string, error) {
	entries, err := s.backend.Get(ctx, s.keys())
	if err != nil {
		return "", fmt.Errorf("failed to read slots: %w", err)
	}

	var sb strings.Builder
	for index := 0; index < s.slotCount; index++ {
		sb.WriteString(entries[slotKey(index)])
	}
	return sb.String(), nil
}

// clear removes every reserved slot key and resets the occupied counter.
func (s *slotManager) clear(ctx context.Context) error {
	if err := s.backend.Remove(ctx, s.keys()); err != nil {
		return fmt.Errorf("failed to clear slots: %w", err)
	}
	s.occupied = 0
	return nil
}

// liveUsed measures actual slot contents in the backend rather than
// trusting the incremental counter.
func (s *slotManager) liveUsed(ctx context.Context) (int, error) {
	entries, err := s.backend.Get(ctx, s.keys())
	if err != nil {
		return 0, fmt.Errorf("failed to read slots: %w", err)
	}

	total := 0
	for _, chunk := range entries {
		total += len(chunk)
	}
	return total, nil
}
