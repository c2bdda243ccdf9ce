// Package store provides the bounded key-value store used to persist workflow
// continuations, manifests, and results for the Document Digest Service.
//
// # Overview
//
// Backends expose fixed-capacity slots; the store layers transparent chunking
// on top so callers can persist payloads of arbitrary length under a single
// logical key. A payload larger than the per-slot ceiling is split into
// numbered chunk slots plus a metadata slot and reassembled on read.
// Reconstruction either yields the payload byte-for-byte or fails; a chunked
// entry is never silently truncated.
//
// # Backends
//
// Three backends implement the Backend interface:
//
//   - Memory: for development and unit tests
//   - Redis: for single-region production deployments
//   - Postgres: for deployments that already run the service database
//
// # Concurrency
//
// Writes are last-write-wins per key. Workflow keys have a single logical
// owner at a time, enforced by the engine's step discipline rather than by
// the store. The one record that can legitimately receive concurrent writers
// (the fan-in manifest) is updated through PutIfVersion, which performs an
// optimistic compare-and-set on the record's version.
package store

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/helixir/docdigest-service/internal/domain"
)

// Reserved key suffixes used by the chunking layer. Caller keys must not
// collide with derived slot keys.
const (
	chunkKeySeparator = "#chunk#"
	metaKeySuffix     = "#meta"
)

// Metadata describes a stored entry as seen by callers.
type Metadata struct {
	// Key is the logical key of the entry.
	Key string

	// Chunked reports whether the payload was split across multiple slots.
	Chunked bool

	// ChunkCount is the number of chunk slots for a chunked entry, zero otherwise.
	ChunkCount int

	// SizeBytes is the size of the reconstructed payload.
	SizeBytes int64

	// Version is the optimistic-concurrency version of the entry.
	// Only maintained for single-slot entries; zero for chunked entries.
	Version int64

	// Tags are caller-provided labels stored with the entry.
	Tags map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutResult reports how a Put was persisted.
type PutResult struct {
	// Chunked reports whether the payload required chunked storage.
	Chunked bool

	// ChunkCount is the number of chunk slots written, zero for single-slot writes.
	ChunkCount int
}

// Stats reports aggregate store usage.
type Stats struct {
	// EntryCount is the number of logical entries.
	EntryCount int

	// TotalBytes is the total payload bytes across all slots.
	TotalBytes int64

	// LargestEntry is the size of the largest logical entry in bytes.
	LargestEntry int64
}

// Store is the bounded key-value store interface consumed by the engine,
// tracker, and aggregator.
type Store interface {
	// Put persists payload under key, chunking transparently when the payload
	// exceeds the slot ceiling. Put is a full overwrite: no slots from a
	// previous write of the same key remain visible afterwards. A payload
	// that would exceed the total byte budget fails with
	// domain.ErrStorageQuotaExceeded after one eviction pass.
	Put(ctx context.Context, key string, payload []byte, tags map[string]string) (PutResult, error)

	// Get returns the reconstructed payload and metadata for key, or
	// domain.ErrNotFound. A chunked entry missing a slot fails with
	// domain.ErrReconstruction.
	Get(ctx context.Context, key string) ([]byte, Metadata, error)

	// PutIfVersion persists a single-slot payload only if the stored entry's
	// version equals expected (0 means the entry must not exist yet). It
	// returns the new version, or domain.ErrVersionConflict when the
	// comparison fails. Payloads larger than one slot are rejected.
	PutIfVersion(ctx context.Context, key string, payload []byte, tags map[string]string, expected int64) (int64, error)

	// Delete removes the entry under key, including all chunk slots and
	// metadata for a chunked entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all logical keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Stats reports aggregate usage.
	Stats(ctx context.Context) (Stats, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// SlotRecord is one fixed-capacity slot as stored by a backend.
type SlotRecord struct {
	Payload   []byte
	Tags      map[string]string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotInfo describes a slot for stats and eviction scans.
type SlotInfo struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}

// Backend is the raw slot storage implemented per backing service. Backends
// store slots verbatim; all chunking, eviction, and quota logic lives in the
// store layer above.
type Backend interface {
	// WriteSlot stores rec under key, overwriting any existing slot.
	// The backend assigns the slot version (previous version + 1) and
	// preserves CreatedAt across overwrites.
	WriteSlot(ctx context.Context, key string, rec SlotRecord) error

	// WriteSlotIf stores rec only if the existing slot's version equals
	// expected (0 means the slot must not exist). Returns the new version or
	// domain.ErrVersionConflict.
	WriteSlotIf(ctx context.Context, key string, rec SlotRecord, expected int64) (int64, error)

	// ReadSlot returns the slot under key or domain.ErrNotFound.
	ReadSlot(ctx context.Context, key string) (SlotRecord, error)

	// DeleteSlot removes the slot under key. Absent keys are not an error.
	DeleteSlot(ctx context.Context, key string) error

	// Slots returns info for every stored slot.
	Slots(ctx context.Context) ([]SlotInfo, error)

	// Ping checks backend health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Config holds store limits and eviction policy.
type Config struct {
	// MaxSlotSize is the per-slot payload ceiling in bytes. Payloads above
	// this are chunked.
	MaxSlotSize int

	// MaxEntries is the logical entry ceiling that triggers an opportunistic
	// eviction pass before writes.
	MaxEntries int

	// MaxAge is the age past which entries become eviction candidates.
	MaxAge time.Duration

	// BudgetBytes is the total payload byte budget. Zero disables the budget.
	BudgetBytes int64
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSlotSize: 400 * 1024,
		MaxEntries:  500,
		MaxAge:      7 * 24 * time.Hour,
		BudgetBytes: 64 * 1024 * 1024,
	}
}

// validateKey rejects keys that would collide with derived slot keys.
func validateKey(key string) error {
	if key == "" {
		return domain.NewValidationError("key", "key cannot be empty")
	}
	if strings.Contains(key, chunkKeySeparator) || strings.HasSuffix(key, metaKeySuffix) {
		return domain.NewValidationError("key", "key collides with reserved slot suffixes")
	}
	return nil
}

// chunkSlotKey derives the key for chunk slot i of a chunked entry.
func chunkSlotKey(key string, i int) string {
	return key + chunkKeySeparator + strconv.Itoa(i)
}

// metaSlotKey derives the metadata slot key of a chunked entry.
func metaSlotKey(key string) string {
	return key + metaKeySuffix
}

// baseKey maps a slot key back to its logical key.
// Returns the logical key and true for primary slots (single-slot or meta);
// chunk slots return the logical key and false so scans count each logical
// entry exactly once.
func baseKey(slotKey string) (string, bool) {
	if i := strings.Index(slotKey, chunkKeySeparator); i >= 0 {
		return slotKey[:i], false
	}
	if strings.HasSuffix(slotKey, metaKeySuffix) {
		return strings.TrimSuffix(slotKey, metaKeySuffix), true
	}
	return slotKey, true
}
