package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/docdigest-service/internal/domain"
	"github.com/helixir/docdigest-service/internal/observability"
)

// blobMeta is the metadata slot payload written alongside chunk slots.
type blobMeta struct {
	ChunkCount int   `json:"chunk_count"`
	SizeBytes  int64 `json:"size_bytes"`
}

// Compile-time interface verification.
var _ Store = (*BoundedStore)(nil)

// BoundedStore implements Store over any Backend, adding chunked storage,
// opportunistic eviction, and the total byte budget.
type BoundedStore struct {
	backend Backend
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// New creates a BoundedStore over the given backend.
func New(backend Backend, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *BoundedStore {
	if cfg.MaxSlotSize <= 0 {
		cfg.MaxSlotSize = DefaultConfig().MaxSlotSize
	}
	return &BoundedStore{
		backend: backend,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "store").Logger(),
	}
}

// Put persists payload under key, chunking transparently when needed.
func (s *BoundedStore) Put(ctx context.Context, key string, payload []byte, tags map[string]string) (PutResult, error) {
	if err := validateKey(key); err != nil {
		return PutResult{}, err
	}

	s.maybeEvict(ctx)

	if err := s.checkBudget(ctx, key, int64(len(payload))); err != nil {
		return PutResult{}, err
	}

	// Remember the previous shape of the entry so stale slots from a larger
	// earlier write can be removed after the overwrite.
	prevMeta, hadMeta := s.readMeta(ctx, key)

	if len(payload) <= s.cfg.MaxSlotSize {
		err := s.backend.WriteSlot(ctx, key, SlotRecord{Payload: payload, Tags: tags})
		if err != nil {
			return PutResult{}, fmt.Errorf("write slot %q: %w", key, err)
		}
		if hadMeta {
			s.deleteChunkSlots(ctx, key, prevMeta.ChunkCount)
			_ = s.backend.DeleteSlot(ctx, metaSlotKey(key))
		}
		s.metrics.RecordStoreWrite(false)
		return PutResult{}, nil
	}

	// Chunked write: slots first, metadata last, so a reader never observes
	// metadata pointing at slots that have not landed yet.
	chunkCount := (len(payload) + s.cfg.MaxSlotSize - 1) / s.cfg.MaxSlotSize
	for i := 0; i < chunkCount; i++ {
		start := i * s.cfg.MaxSlotSize
		end := start + s.cfg.MaxSlotSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.backend.WriteSlot(ctx, chunkSlotKey(key, i), SlotRecord{Payload: payload[start:end]}); err != nil {
			return PutResult{}, fmt.Errorf("write chunk slot %d of %q: %w", i, key, err)
		}
	}

	metaPayload, err := json.Marshal(blobMeta{ChunkCount: chunkCount, SizeBytes: int64(len(payload))})
	if err != nil {
		return PutResult{}, fmt.Errorf("marshal blob metadata for %q: %w", key, err)
	}
	if err := s.backend.WriteSlot(ctx, metaSlotKey(key), SlotRecord{Payload: metaPayload, Tags: tags}); err != nil {
		return PutResult{}, fmt.Errorf("write metadata slot for %q: %w", key, err)
	}

	// The entry is now chunked; remove the single-slot form and any chunk
	// slots beyond the new count left over from a larger earlier write.
	_ = s.backend.DeleteSlot(ctx, key)
	if hadMeta && prevMeta.ChunkCount > chunkCount {
		for i := chunkCount; i < prevMeta.ChunkCount; i++ {
			_ = s.backend.DeleteSlot(ctx, chunkSlotKey(key, i))
		}
	}

	s.metrics.RecordStoreWrite(true)
	return PutResult{Chunked: true, ChunkCount: chunkCount}, nil
}

// Get returns the reconstructed payload and metadata for key.
func (s *BoundedStore) Get(ctx context.Context, key string) ([]byte, Metadata, error) {
	if err := validateKey(key); err != nil {
		return nil, Metadata{}, err
	}

	rec, err := s.backend.ReadSlot(ctx, key)
	if err == nil {
		return rec.Payload, Metadata{
			Key:       key,
			SizeBytes: int64(len(rec.Payload)),
			Version:   rec.Version,
			Tags:      rec.Tags,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, Metadata{}, fmt.Errorf("read slot %q: %w", key, err)
	}

	metaRec, err := s.backend.ReadSlot(ctx, metaSlotKey(key))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, Metadata{}, domain.NewNotFoundError("entry", key)
		}
		return nil, Metadata{}, fmt.Errorf("read metadata slot for %q: %w", key, err)
	}

	var meta blobMeta
	if err := json.Unmarshal(metaRec.Payload, &meta); err != nil {
		return nil, Metadata{}, fmt.Errorf("decode metadata slot for %q: %w", key, err)
	}

	payload := make([]byte, 0, meta.SizeBytes)
	for i := 0; i < meta.ChunkCount; i++ {
		chunk, err := s.backend.ReadSlot(ctx, chunkSlotKey(key, i))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, Metadata{}, &domain.ReconstructionError{Key: key, MissingSlot: i, ChunkCount: meta.ChunkCount}
			}
			return nil, Metadata{}, fmt.Errorf("read chunk slot %d of %q: %w", i, key, err)
		}
		payload = append(payload, chunk.Payload...)
	}

	return payload, Metadata{
		Key:        key,
		Chunked:    true,
		ChunkCount: meta.ChunkCount,
		SizeBytes:  int64(len(payload)),
		Tags:       metaRec.Tags,
		CreatedAt:  metaRec.CreatedAt,
		UpdatedAt:  metaRec.UpdatedAt,
	}, nil
}

// PutIfVersion performs an optimistic single-slot write.
func (s *BoundedStore) PutIfVersion(ctx context.Context, key string, payload []byte, tags map[string]string, expected int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if len(payload) > s.cfg.MaxSlotSize {
		return 0, domain.NewValidationError("payload",
			fmt.Sprintf("conditional writes are limited to one slot (%d bytes)", s.cfg.MaxSlotSize))
	}

	version, err := s.backend.WriteSlotIf(ctx, key, SlotRecord{Payload: payload, Tags: tags}, expected)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return 0, err
		}
		return 0, fmt.Errorf("conditional write of %q: %w", key, err)
	}
	return version, nil
}

// Delete removes the entry under key, whatever its shape.
func (s *BoundedStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	if err := s.backend.DeleteSlot(ctx, key); err != nil {
		return fmt.Errorf("delete slot %q: %w", key, err)
	}

	meta, hadMeta := s.readMeta(ctx, key)
	if hadMeta {
		s.deleteChunkSlots(ctx, key, meta.ChunkCount)
		if err := s.backend.DeleteSlot(ctx, metaSlotKey(key)); err != nil {
			return fmt.Errorf("delete metadata slot for %q: %w", key, err)
		}
	}
	return nil
}

// List returns all logical keys with the given prefix.
func (s *BoundedStore) List(ctx context.Context, prefix string) ([]string, error) {
	slots, err := s.backend.Slots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	var keys []string
	for _, slot := range slots {
		key, primary := baseKey(slot.Key)
		if !primary {
			continue
		}
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats reports aggregate usage in terms of logical entries.
func (s *BoundedStore) Stats(ctx context.Context) (Stats, error) {
	slots, err := s.backend.Slots(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list slots: %w", err)
	}

	seen := make(map[string]bool)
	entrySizes := make(map[string]int64)
	var stats Stats
	for _, slot := range slots {
		stats.TotalBytes += slot.Size
		key, primary := baseKey(slot.Key)
		if primary && !seen[key] {
			seen[key] = true
			stats.EntryCount++
		}
		// Metadata slots contribute bookkeeping bytes, not payload.
		if slot.Key != metaSlotKey(key) {
			entrySizes[key] += slot.Size
		}
	}
	for _, size := range entrySizes {
		if size > stats.LargestEntry {
			stats.LargestEntry = size
		}
	}
	return stats, nil
}

// Ping checks backend health.
func (s *BoundedStore) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases backend resources.
func (s *BoundedStore) Close() error {
	return s.backend.Close()
}

// readMeta reads and decodes the metadata slot for key, reporting whether the
// entry is currently chunked.
func (s *BoundedStore) readMeta(ctx context.Context, key string) (blobMeta, bool) {
	rec, err := s.backend.ReadSlot(ctx, metaSlotKey(key))
	if err != nil {
		return blobMeta{}, false
	}
	var meta blobMeta
	if err := json.Unmarshal(rec.Payload, &meta); err != nil {
		return blobMeta{}, false
	}
	return meta, true
}

// deleteChunkSlots removes chunk slots 0..count-1 of key, best effort.
func (s *BoundedStore) deleteChunkSlots(ctx context.Context, key string, count int) {
	for i := 0; i < count; i++ {
		_ = s.backend.DeleteSlot(ctx, chunkSlotKey(key, i))
	}
}

// maybeEvict runs an opportunistic eviction pass when the logical entry count
// exceeds the configured ceiling. Entries older than MaxAge are deleted
// oldest first. Eviction runs before writes, never on a timer.
func (s *BoundedStore) maybeEvict(ctx context.Context) {
	if s.cfg.MaxEntries <= 0 {
		return
	}
	entries, err := s.logicalEntries(ctx)
	if err != nil || len(entries) <= s.cfg.MaxEntries {
		return
	}
	s.evictAged(ctx, entries, len(entries)-s.cfg.MaxEntries)
}

// checkBudget verifies the payload fits the total byte budget, running one
// forced eviction pass before giving up. Bytes already held under key do not
// count against the projection, since an overwrite replaces them.
func (s *BoundedStore) checkBudget(ctx context.Context, key string, payloadSize int64) error {
	if s.cfg.BudgetBytes <= 0 {
		return nil
	}

	over := func() (bool, error) {
		slots, err := s.backend.Slots(ctx)
		if err != nil {
			return false, err
		}
		var total, current int64
		for _, slot := range slots {
			total += slot.Size
			if base, _ := baseKey(slot.Key); base == key {
				current += slot.Size
			}
		}
		return total-current+payloadSize > s.cfg.BudgetBytes, nil
	}

	exceeded, err := over()
	if err != nil {
		return fmt.Errorf("check storage budget: %w", err)
	}
	if !exceeded {
		return nil
	}

	entries, err := s.logicalEntries(ctx)
	if err == nil {
		s.evictAged(ctx, entries, len(entries))
	}

	exceeded, err = over()
	if err != nil {
		return fmt.Errorf("check storage budget: %w", err)
	}
	if exceeded {
		s.metrics.RecordStoreQuotaRejection()
		return &domain.QuotaError{Key: key, PayloadSize: payloadSize, BudgetBytes: s.cfg.BudgetBytes}
	}
	return nil
}

// logicalEntry pairs a logical key with the timestamp used for age ordering.
type logicalEntry struct {
	key       string
	updatedAt time.Time
}

// logicalEntries lists logical entries sorted oldest first.
func (s *BoundedStore) logicalEntries(ctx context.Context) ([]logicalEntry, error) {
	slots, err := s.backend.Slots(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]time.Time)
	for _, slot := range slots {
		key, primary := baseKey(slot.Key)
		if !primary {
			continue
		}
		byKey[key] = slot.UpdatedAt
	}
	entries := make([]logicalEntry, 0, len(byKey))
	for key, updated := range byKey {
		entries = append(entries, logicalEntry{key: key, updatedAt: updated})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].updatedAt.Before(entries[j].updatedAt) })
	return entries, nil
}

// evictAged deletes up to limit entries older than MaxAge, oldest first.
func (s *BoundedStore) evictAged(ctx context.Context, entries []logicalEntry, limit int) {
	if s.cfg.MaxAge <= 0 || limit <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.MaxAge)
	evicted := 0
	for _, e := range entries {
		if evicted >= limit || e.updatedAt.After(cutoff) {
			break
		}
		if err := s.Delete(ctx, e.key); err != nil {
			s.logger.Warn().Err(err).Str("key", e.key).Msg("eviction delete failed")
			continue
		}
		evicted++
	}
	if evicted > 0 {
		s.metrics.RecordStoreEvictions(evicted)
		s.logger.Info().Int("evicted", evicted).Msg("evicted aged entries")
	}
}
