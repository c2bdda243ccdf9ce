package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helixir/docdigest-service/internal/domain"
)

// Redis key layout, relative to the configured prefix:
//
//	<prefix>slot:<key>  JSON-encoded slot record
//	<prefix>idx         ZSET of slot keys scored by updated-at (unix nanos)
//	<prefix>size        HASH of slot key -> payload size
const (
	redisSlotPrefix = "slot:"
	redisIndexKey   = "idx"
	redisSizeKey    = "size"
)

// redisSlot is the JSON envelope stored per slot.
type redisSlot struct {
	Payload   []byte            `json:"p"`
	Tags      map[string]string `json:"t,omitempty"`
	Version   int64             `json:"v"`
	CreatedAt time.Time         `json:"c"`
	UpdatedAt time.Time         `json:"u"`
}

// Compile-time interface verification.
var _ Backend = (*RedisBackend)(nil)

// RedisBackend stores slots in Redis. Slot payloads live in plain string
// values; a sorted-set index keyed by update time supports eviction scans
// without SCAN round trips.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisBackend creates a backend over an existing Redis client.
// All keys are namespaced under the given prefix (e.g. "docdigest:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (b *RedisBackend) slotKey(key string) string { return b.prefix + redisSlotPrefix + key }
func (b *RedisBackend) indexKey() string          { return b.prefix + redisIndexKey }
func (b *RedisBackend) sizeKey() string           { return b.prefix + redisSizeKey }

// WriteSlot stores rec under key, overwriting any existing slot.
func (b *RedisBackend) WriteSlot(ctx context.Context, key string, rec SlotRecord) error {
	now := b.now().UTC()
	rec.UpdatedAt = now
	rec.CreatedAt = now
	rec.Version = 1

	// Preserve created-at and bump the version when overwriting.
	if existing, err := b.readEnvelope(ctx, key); err == nil {
		rec.CreatedAt = existing.CreatedAt
		rec.Version = existing.Version + 1
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	return b.writeEnvelope(ctx, key, rec)
}

// WriteSlotIf stores rec only if the existing version matches expected.
// The comparison and write run inside an optimistic WATCH transaction, so a
// concurrent writer causes domain.ErrVersionConflict rather than a lost update.
func (b *RedisBackend) WriteSlotIf(ctx context.Context, key string, rec SlotRecord, expected int64) (int64, error) {
	var newVersion int64

	txn := func(tx *redis.Tx) error {
		existing, err := b.readEnvelopeWith(ctx, tx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			if expected != 0 {
				return domain.ErrVersionConflict
			}
			rec.Version = 1
			rec.CreatedAt = b.now().UTC()
		case err != nil:
			return err
		default:
			if existing.Version != expected {
				return domain.ErrVersionConflict
			}
			rec.Version = existing.Version + 1
			rec.CreatedAt = existing.CreatedAt
		}
		rec.UpdatedAt = b.now().UTC()

		env, err := json.Marshal(redisSlot{
			Payload:   rec.Payload,
			Tags:      rec.Tags,
			Version:   rec.Version,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("encode slot %q: %w", key, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.slotKey(key), env, 0)
			pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixNano()), Member: key})
			pipe.HSet(ctx, b.sizeKey(), key, len(rec.Payload))
			return nil
		})
		if err != nil {
			return err
		}
		newVersion = rec.Version
		return nil
	}

	err := b.client.Watch(ctx, txn, b.slotKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		return 0, domain.ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ReadSlot returns the slot under key or domain.ErrNotFound.
func (b *RedisBackend) ReadSlot(ctx context.Context, key string) (SlotRecord, error) {
	env, err := b.readEnvelope(ctx, key)
	if err != nil {
		return SlotRecord{}, err
	}
	return SlotRecord(env), nil
}

// DeleteSlot removes the slot under key and its index entries.
func (b *RedisBackend) DeleteSlot(ctx context.Context, key string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.slotKey(key))
	pipe.ZRem(ctx, b.indexKey(), key)
	pipe.HDel(ctx, b.sizeKey(), key)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete slot %q: %w", key, err)
	}
	return nil
}

// Slots returns info for every stored slot, using the index rather than SCAN.
func (b *RedisBackend) Slots(ctx context.Context) ([]SlotInfo, error) {
	members, err := b.client.ZRangeWithScores(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read slot index: %w", err)
	}
	sizes, err := b.client.HGetAll(ctx, b.sizeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read slot sizes: %w", err)
	}

	infos := make([]SlotInfo, 0, len(members))
	for _, m := range members {
		key, ok := m.Member.(string)
		if !ok {
			continue
		}
		var size int64
		if raw, ok := sizes[key]; ok {
			_, _ = fmt.Sscan(raw, &size)
		}
		infos = append(infos, SlotInfo{
			Key:       key,
			Size:      size,
			UpdatedAt: time.Unix(0, int64(m.Score)).UTC(),
		})
	}
	return infos, nil
}

// Ping checks Redis connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (b *RedisBackend) readEnvelope(ctx context.Context, key string) (redisSlot, error) {
	return b.readEnvelopeWith(ctx, b.client, key)
}

func (b *RedisBackend) readEnvelopeWith(ctx context.Context, c redisGetter, key string) (redisSlot, error) {
	raw, err := c.Get(ctx, b.slotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisSlot{}, domain.ErrNotFound
	}
	if err != nil {
		return redisSlot{}, fmt.Errorf("read slot %q: %w", key, err)
	}
	var env redisSlot
	if err := json.Unmarshal(raw, &env); err != nil {
		return redisSlot{}, fmt.Errorf("decode slot %q: %w", key, err)
	}
	return env, nil
}

func (b *RedisBackend) writeEnvelope(ctx context.Context, key string, rec SlotRecord) error {
	env, err := json.Marshal(redisSlot{
		Payload:   rec.Payload,
		Tags:      rec.Tags,
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode slot %q: %w", key, err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.slotKey(key), env, 0)
	pipe.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixNano()), Member: key})
	pipe.HSet(ctx, b.sizeKey(), key, len(rec.Payload))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write slot %q: %w", key, err)
	}
	return nil
}
