package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lorecraft/cardsmith/common/db"
	"github.com/lorecraft/cardsmith/common/models"
)

// PendingRepository handles database operations for human-approval gates.
// The primary key on draft_id enforces at most one outstanding action per
// draft by construction.
type PendingRepository struct {
	db *db.DB
}

// NewPendingRepository creates a new pending-action repository
func NewPendingRepository(database *db.DB) *PendingRepository {
	return &PendingRepository{db: database}
}

// Upsert replaces any existing pending action for the draft.
func (r *PendingRepository) Upsert(ctx context.Context, action *models.PendingAction) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("marshal pending payload: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO pending_actions (draft_id, kind, base_version, fingerprint_before, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (draft_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			base_version = EXCLUDED.base_version,
			fingerprint_before = EXCLUDED.fingerprint_before,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, action.DraftID, action.Kind, action.BaseVersion, action.FingerprintBefore, payload)
	if err != nil {
		return fmt.Errorf("failed to upsert pending action: %w", err)
	}
	return nil
}

// Get returns the pending action for a draft, or nil when none exists. The
// caller owns the staleness check against the current head version.
func (r *PendingRepository) Get(ctx context.Context, draftID uuid.UUID) (*models.PendingAction, error) {
	action := &models.PendingAction{}
	var payload []byte
	err := r.db.QueryRow(ctx, `
		SELECT draft_id, kind, base_version, fingerprint_before, payload, created_at, updated_at
		FROM pending_actions
		WHERE draft_id = $1
	`, draftID).Scan(
		&action.DraftID,
		&action.Kind,
		&action.BaseVersion,
		&action.FingerprintBefore,
		&payload,
		&action.CreatedAt,
		&action.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending action: %w", err)
	}
	if err := json.Unmarshal(payload, &action.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode pending payload: %w", err)
	}
	return action, nil
}

// Delete clears the pending action for a draft. Deleting when none exists
// is not an error.
func (r *PendingRepository) Delete(ctx context.Context, draftID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM pending_actions WHERE draft_id = $1`, draftID); err != nil {
		return fmt.Errorf("failed to delete pending action: %w", err)
	}
	return nil
}
