package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/docdigest-service/internal/domain"
)

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client, "docdigest:")
}

func TestRedisWriteReadSlot(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	rec := SlotRecord{Payload: []byte("payload"), Tags: map[string]string{"kind": "workflow"}}
	require.NoError(t, b.WriteSlot(ctx, "workflow#doc-1#item-1", rec))

	got, err := b.ReadSlot(ctx, "workflow#doc-1#item-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got.Payload)
	assert.Equal(t, "workflow", got.Tags["kind"])
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestRedisOverwriteBumpsVersion(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteSlot(ctx, "k", SlotRecord{Payload: []byte("v1")}))
	first, err := b.ReadSlot(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, b.WriteSlot(ctx, "k", SlotRecord{Payload: []byte("v2")}))
	second, err := b.ReadSlot(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, []byte("v2"), second.Payload)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRedisReadMissingSlot(t *testing.T) {
	b := newTestRedisBackend(t)

	_, err := b.ReadSlot(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRedisWriteSlotIf(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	v, err := b.WriteSlotIf(ctx, "manifest#doc-1", SlotRecord{Payload: []byte("v1")}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// Create-only against an existing slot fails.
	_, err = b.WriteSlotIf(ctx, "manifest#doc-1", SlotRecord{Payload: []byte("dup")}, 0)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// Matching version succeeds and bumps.
	v, err = b.WriteSlotIf(ctx, "manifest#doc-1", SlotRecord{Payload: []byte("v2")}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// Stale version fails and leaves the slot untouched.
	_, err = b.WriteSlotIf(ctx, "manifest#doc-1", SlotRecord{Payload: []byte("stale")}, 1)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := b.ReadSlot(ctx, "manifest#doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Payload)
	assert.Equal(t, int64(2), got.Version)
}

func TestRedisWriteSlotIfMissingWithNonzeroExpected(t *testing.T) {
	b := newTestRedisBackend(t)

	_, err := b.WriteSlotIf(context.Background(), "absent", SlotRecord{Payload: []byte("x")}, 3)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestRedisDeleteSlotCleansIndex(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteSlot(ctx, "a", SlotRecord{Payload: []byte("aaa")}))
	require.NoError(t, b.WriteSlot(ctx, "b", SlotRecord{Payload: []byte("bb")}))
	require.NoError(t, b.DeleteSlot(ctx, "a"))
	require.NoError(t, b.DeleteSlot(ctx, "never-existed"))

	_, err := b.ReadSlot(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	infos, err := b.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "b", infos[0].Key)
	assert.Equal(t, int64(2), infos[0].Size)
}

func TestRedisSlotsReportsSizes(t *testing.T) {
	b := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteSlot(ctx, "small", SlotRecord{Payload: []byte("xy")}))
	require.NoError(t, b.WriteSlot(ctx, "large", SlotRecord{Payload: bytes.Repeat([]byte("z"), 512)}))

	infos, err := b.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	sizes := make(map[string]int64, len(infos))
	for _, info := range infos {
		sizes[info.Key] = info.Size
		assert.False(t, info.UpdatedAt.IsZero())
	}
	assert.Equal(t, int64(2), sizes["small"])
	assert.Equal(t, int64(512), sizes["large"])
}

func TestBoundedStoreOverRedis(t *testing.T) {
	b := newTestRedisBackend(t)
	s := New(b, Config{MaxSlotSize: 100}, newTestMetrics(), zerolog.Nop())
	ctx := context.Background()

	payload := bytes.Repeat([]byte("r"), 250)
	res, err := s.Put(ctx, "result#doc-1", payload, map[string]string{"kind": "result"})
	require.NoError(t, err)
	assert.True(t, res.Chunked)
	assert.Equal(t, 3, res.ChunkCount)

	got, meta, err := s.Get(ctx, "result#doc-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 3, meta.ChunkCount)
	assert.Equal(t, "result", meta.Tags["kind"])

	require.NoError(t, s.Delete(ctx, "result#doc-1"))
	infos, err := b.Slots(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)
}
