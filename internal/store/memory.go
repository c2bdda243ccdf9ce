package store

import (
	"context"
	"sync"
	"time"

	"github.com/helixir/docdigest-service/internal/domain"
)

// Compile-time interface verification.
var _ Backend = (*MemoryBackend)(nil)

// MemoryBackend is an in-memory slot backend for development and tests.
// It is safe for concurrent use.
type MemoryBackend struct {
	mu    sync.RWMutex
	slots map[string]SlotRecord
	now   func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		slots: make(map[string]SlotRecord),
		now:   time.Now,
	}
}

// WriteSlot stores rec under key, overwriting any existing slot.
func (b *MemoryBackend) WriteSlot(_ context.Context, key string, rec SlotRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	if existing, ok := b.slots[key]; ok {
		rec.Version = existing.Version + 1
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.Version = 1
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Payload = cloneBytes(rec.Payload)
	b.slots[key] = rec
	return nil
}

// WriteSlotIf stores rec only if the existing version matches expected.
func (b *MemoryBackend) WriteSlotIf(_ context.Context, key string, rec SlotRecord, expected int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	existing, ok := b.slots[key]
	switch {
	case !ok && expected != 0:
		return 0, domain.ErrVersionConflict
	case ok && existing.Version != expected:
		return 0, domain.ErrVersionConflict
	}

	if ok {
		rec.Version = existing.Version + 1
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.Version = 1
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Payload = cloneBytes(rec.Payload)
	b.slots[key] = rec
	return rec.Version, nil
}

// ReadSlot returns the slot under key or domain.ErrNotFound.
func (b *MemoryBackend) ReadSlot(_ context.Context, key string) (SlotRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.slots[key]
	if !ok {
		return SlotRecord{}, domain.ErrNotFound
	}
	rec.Payload = cloneBytes(rec.Payload)
	return rec, nil
}

// DeleteSlot removes the slot under key.
func (b *MemoryBackend) DeleteSlot(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, key)
	return nil
}

// Slots returns info for every stored slot.
func (b *MemoryBackend) Slots(_ context.Context) ([]SlotInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]SlotInfo, 0, len(b.slots))
	for key, rec := range b.slots {
		infos = append(infos, SlotInfo{Key: key, Size: int64(len(rec.Payload)), UpdatedAt: rec.UpdatedAt})
	}
	return infos, nil
}

// Ping always succeeds for the in-memory backend.
func (b *MemoryBackend) Ping(_ context.Context) error { return nil }

// Close releases the slot map.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = make(map[string]SlotRecord)
	return nil
}

func cloneBytes(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
