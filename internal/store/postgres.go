package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/docdigest-service/internal/domain"
)

// DBTX is the database interface supporting both pool and transaction contexts.
// Both *pgxpool.Pool and pgx.Tx satisfy it, as do the pgxmock pools used in tests.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Compile-time interface verification.
var _ Backend = (*PgBackend)(nil)

// PgBackend stores slots in the blob_slots table. Versioning is enforced in
// SQL so compare-and-set writes stay correct across service replicas.
type PgBackend struct {
	db DBTX
}

// NewPgBackend creates a backend over an existing database handle.
func NewPgBackend(db DBTX) *PgBackend {
	return &PgBackend{db: db}
}

// WriteSlot stores rec under key, overwriting any existing slot. Overwrites
// bump the version and preserve created_at.
func (b *PgBackend) WriteSlot(ctx context.Context, key string, rec SlotRecord) error {
	tagsJSON, err := marshalTags(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags for slot %q: %w", key, err)
	}

	query := `
		INSERT INTO blob_slots (key, payload, tags, version, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload,
			tags = EXCLUDED.tags,
			version = blob_slots.version + 1,
			updated_at = EXCLUDED.updated_at`

	if _, err := b.db.Exec(ctx, query, key, rec.Payload, tagsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("write slot %q: %w", key, err)
	}
	return nil
}

// WriteSlotIf stores rec only if the existing slot's version equals expected.
// An expected version of zero requires that the slot does not exist yet.
func (b *PgBackend) WriteSlotIf(ctx context.Context, key string, rec SlotRecord, expected int64) (int64, error) {
	tagsJSON, err := marshalTags(rec.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags for slot %q: %w", key, err)
	}
	now := time.Now().UTC()

	if expected == 0 {
		query := `
			INSERT INTO blob_slots (key, payload, tags, version, created_at, updated_at)
			VALUES ($1, $2, $3, 1, $4, $4)
			ON CONFLICT (key) DO NOTHING`

		tag, err := b.db.Exec(ctx, query, key, rec.Payload, tagsJSON, now)
		if err != nil {
			return 0, fmt.Errorf("insert slot %q: %w", key, err)
		}
		if tag.RowsAffected() == 0 {
			return 0, domain.ErrVersionConflict
		}
		return 1, nil
	}

	query := `
		UPDATE blob_slots SET
			payload = $2,
			tags = $3,
			version = version + 1,
			updated_at = $4
		WHERE key = $1 AND version = $5
		RETURNING version`

	var newVersion int64
	err = b.db.QueryRow(ctx, query, key, rec.Payload, tagsJSON, now, expected).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update slot %q: %w", key, err)
	}
	return newVersion, nil
}

// ReadSlot returns the slot under key or domain.ErrNotFound.
func (b *PgBackend) ReadSlot(ctx context.Context, key string) (SlotRecord, error) {
	query := `
		SELECT payload, tags, version, created_at, updated_at
		FROM blob_slots
		WHERE key = $1`

	var (
		rec      SlotRecord
		tagsJSON []byte
	)
	err := b.db.QueryRow(ctx, query, key).Scan(&rec.Payload, &tagsJSON, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return SlotRecord{}, fmt.Errorf("read slot %q: %w", key, err)
	}

	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &rec.Tags); err != nil {
			return SlotRecord{}, fmt.Errorf("unmarshal tags for slot %q: %w", key, err)
		}
	}
	return rec, nil
}

// DeleteSlot removes the slot under key. Absent keys are not an error.
func (b *PgBackend) DeleteSlot(ctx context.Context, key string) error {
	if _, err := b.db.Exec(ctx, `DELETE FROM blob_slots WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete slot %q: %w", key, err)
	}
	return nil
}

// Slots returns info for every stored slot.
func (b *PgBackend) Slots(ctx context.Context) ([]SlotInfo, error) {
	query := `
		SELECT key, octet_length(payload), updated_at
		FROM blob_slots
		ORDER BY updated_at`

	rows, err := b.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var infos []SlotInfo
	for rows.Next() {
		var info SlotInfo
		if err := rows.Scan(&info.Key, &info.Size, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan slot info: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slots: %w", err)
	}
	return infos, nil
}

// Ping checks database connectivity with a trivial query.
func (b *PgBackend) Ping(ctx context.Context) error {
	var one int
	if err := b.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle is owned by the caller.
func (b *PgBackend) Close() error { return nil }

func marshalTags(tags map[string]string) ([]byte, error) {
	if len(tags) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(tags)
}
