package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lorecraft/cardsmith/common/db"
	"github.com/lorecraft/cardsmith/common/models"
)

// IdempotencyRepository handles database operations for request dedup keys.
// Rows are insert-once and never overwritten.
type IdempotencyRepository struct {
	db *db.DB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(database *db.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: database}
}

// Get returns the stored result for the key, or nil when absent.
func (r *IdempotencyRepository) Get(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind) ([]byte, error) {
	var result []byte
	err := r.db.QueryRow(ctx, `
		SELECT result FROM idempotency_keys
		WHERE draft_id = $1 AND request_id = $2 AND kind = $3
	`, draftID, requestID, kind).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return result, nil
}

// SetIfAbsent attempts the insert and returns the authoritative stored
// result: the caller's own value if the insert won, or the pre-existing
// value if another caller got there first. Callers must use the returned
// value regardless of which write won.
func (r *IdempotencyRepository) SetIfAbsent(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind, result []byte) ([]byte, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_keys (draft_id, request_id, kind, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (draft_id, request_id, kind) DO NOTHING
	`, draftID, requestID, kind, result)
	if err != nil {
		return nil, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return result, nil
	}

	existing, err := r.Get(ctx, draftID, requestID, kind)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("idempotency record vanished for %s/%s/%s", draftID, requestID, kind)
	}
	return existing, nil
}
