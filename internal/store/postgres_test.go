package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/docdigest-service/internal/domain"
)

func newTestPgBackend(t *testing.T) (*PgBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgBackend(mock), mock
}

func TestPgWriteSlot(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectExec("INSERT INTO blob_slots").
		WithArgs("workflow#doc-1#item-1", []byte("payload"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := b.WriteSlot(context.Background(), "workflow#doc-1#item-1",
		SlotRecord{Payload: []byte("payload"), Tags: map[string]string{"kind": "workflow"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWriteSlotError(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectExec("INSERT INTO blob_slots").
		WithArgs("k", []byte("x"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := b.WriteSlot(context.Background(), "k", SlotRecord{Payload: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPgWriteSlotIfCreate(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectExec("INSERT INTO blob_slots").
		WithArgs("manifest#doc-1", []byte("v1"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	v, err := b.WriteSlotIf(context.Background(), "manifest#doc-1", SlotRecord{Payload: []byte("v1")}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgWriteSlotIfCreateConflict(t *testing.T) {
	b, mock := newTestPgBackend(t)

	// ON CONFLICT DO NOTHING affecting zero rows means the slot already exists.
	mock.ExpectExec("INSERT INTO blob_slots").
		WithArgs("manifest#doc-1", []byte("dup"), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := b.WriteSlotIf(context.Background(), "manifest#doc-1", SlotRecord{Payload: []byte("dup")}, 0)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestPgWriteSlotIfUpdate(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectQuery("UPDATE blob_slots SET").
		WithArgs("manifest#doc-1", []byte("v2"), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))

	v, err := b.WriteSlotIf(context.Background(), "manifest#doc-1", SlotRecord{Payload: []byte("v2")}, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestPgWriteSlotIfUpdateConflict(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectQuery("UPDATE blob_slots SET").
		WithArgs("manifest#doc-1", []byte("stale"), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(2)).
		WillReturnError(pgx.ErrNoRows)

	_, err := b.WriteSlotIf(context.Background(), "manifest#doc-1", SlotRecord{Payload: []byte("stale")}, 2)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestPgReadSlot(t *testing.T) {
	b, mock := newTestPgBackend(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT payload, tags, version, created_at, updated_at FROM blob_slots").
		WithArgs("workflow#doc-1#item-1").
		WillReturnRows(pgxmock.NewRows([]string{"payload", "tags", "version", "created_at", "updated_at"}).
			AddRow([]byte("payload"), []byte(`{"kind":"workflow"}`), int64(2), now, now))

	rec, err := b.ReadSlot(context.Background(), "workflow#doc-1#item-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), rec.Payload)
	assert.Equal(t, "workflow", rec.Tags["kind"])
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, now, rec.UpdatedAt)
}

func TestPgReadSlotNotFound(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectQuery("SELECT payload, tags, version, created_at, updated_at FROM blob_slots").
		WithArgs("absent").
		WillReturnError(pgx.ErrNoRows)

	_, err := b.ReadSlot(context.Background(), "absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPgDeleteSlot(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectExec("DELETE FROM blob_slots").
		WithArgs("k").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, b.DeleteSlot(context.Background(), "k"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgSlots(t *testing.T) {
	b, mock := newTestPgBackend(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT key, octet_length\\(payload\\), updated_at FROM blob_slots").
		WillReturnRows(pgxmock.NewRows([]string{"key", "octet_length", "updated_at"}).
			AddRow("a", int64(10), now.Add(-time.Minute)).
			AddRow("b", int64(20), now))

	infos, err := b.Slots(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Key)
	assert.Equal(t, int64(10), infos[0].Size)
	assert.Equal(t, "b", infos[1].Key)
	assert.Equal(t, int64(20), infos[1].Size)
}

func TestPgPing(t *testing.T) {
	b, mock := newTestPgBackend(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	assert.NoError(t, b.Ping(context.Background()))
}
