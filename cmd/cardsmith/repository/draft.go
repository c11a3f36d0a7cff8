package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/db"
	"github.com/lorecraft/cardsmith/common/models"
)

// Mutator produces the next snapshot from the current head snapshot. It
// returns the new snapshot, the changed paths, and extra metadata to record
// on the version. Called inside the propose transaction.
type Mutator func(snapshot models.Snapshot) (models.Snapshot, []string, map[string]any, error)

// DraftRepository handles database operations for drafts and their
// versions. All mutations to one draft serialize on a row lock of the
// drafts header, which makes the expected-version check authoritative.
type DraftRepository struct {
	db *db.DB
}

// NewDraftRepository creates a new draft repository
func NewDraftRepository(database *db.DB) *DraftRepository {
	return &DraftRepository{db: database}
}

// Create inserts a new draft at version 1 with the canonical empty snapshot.
func (r *DraftRepository) Create(ctx context.Context) (*models.Draft, error) {
	draftID := uuid.New()
	snapshot, err := json.Marshal(models.EmptySnapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal empty snapshot: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create draft: %w", err)
	}
	defer tx.Rollback(ctx)

	draft := &models.Draft{DraftID: draftID, HeadVersion: 1, MaxVersion: 1}
	err = tx.QueryRow(ctx, `
		INSERT INTO drafts (draft_id, head_version, max_version)
		VALUES ($1, 1, 1)
		RETURNING created_at, updated_at
	`, draftID).Scan(&draft.CreatedAt, &draft.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	meta, _ := json.Marshal(map[string]any{"source": models.SourceUser})
	_, err = tx.Exec(ctx, `
		INSERT INTO draft_versions (draft_id, version, snapshot, meta)
		VALUES ($1, 1, $2, $3)
	`, draftID, snapshot, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create draft: %w", err)
	}

	return draft, nil
}

// Get retrieves a draft header by ID.
func (r *DraftRepository) Get(ctx context.Context, draftID uuid.UUID) (*models.Draft, error) {
	draft := &models.Draft{}
	err := r.db.QueryRow(ctx, `
		SELECT draft_id, head_version, max_version, created_at, updated_at
		FROM drafts
		WHERE draft_id = $1
	`, draftID).Scan(&draft.DraftID, &draft.HeadVersion, &draft.MaxVersion, &draft.CreatedAt, &draft.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return draft, nil
}

// GetHead returns the currently visible version record.
func (r *DraftRepository) GetHead(ctx context.Context, draftID uuid.UUID) (*models.DraftVersion, error) {
	return r.scanVersion(r.db.QueryRow(ctx, `
		SELECT v.draft_id, v.version, v.snapshot, v.meta, v.archived, v.created_at
		FROM drafts d
		JOIN draft_versions v ON v.draft_id = d.draft_id AND v.version = d.head_version
		WHERE d.draft_id = $1
	`, draftID), draftID)
}

// GetVersion returns one version record.
func (r *DraftRepository) GetVersion(ctx context.Context, draftID uuid.UUID, version int64) (*models.DraftVersion, error) {
	return r.scanVersion(r.db.QueryRow(ctx, `
		SELECT draft_id, version, snapshot, meta, archived, created_at
		FROM draft_versions
		WHERE draft_id = $1 AND version = $2
	`, draftID, version), draftID)
}

// ListVersions returns all version records for a draft without snapshots,
// newest first.
func (r *DraftRepository) ListVersions(ctx context.Context, draftID uuid.UUID) ([]*models.DraftVersion, error) {
	rows, err := r.db.Query(ctx, `
		SELECT draft_id, version, meta, archived, created_at
		FROM draft_versions
		WHERE draft_id = $1
		ORDER BY version DESC
	`, draftID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.DraftVersion
	for rows.Next() {
		v := &models.DraftVersion{}
		var meta []byte
		if err := rows.Scan(&v.DraftID, &v.Version, &meta, &v.Archived, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		if err := json.Unmarshal(meta, &v.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode version meta: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ProposeVersion appends the next version under optimistic concurrency
// control, in a single transaction:
//
//  1. replay the stored result if the request id was already processed
//  2. lock the header and compare expectedBase against head_version
//  3. with requireIdle, refuse if a run holds the draft
//  4. run the mutator on the head snapshot
//  5. append the version and advance head_version and max_version
//  6. record the idempotency result
//
// The run check rides inside the same transaction as the version check, so
// a run started after the caller's pre-flight read still blocks the write.
func (r *DraftRepository) ProposeVersion(
	ctx context.Context,
	draftID uuid.UUID,
	expectedBase int64,
	requestID string,
	kind models.IdempotencyKind,
	requireIdle bool,
	mutate Mutator,
) (*models.ProposeResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin propose: %w", err)
	}
	defer tx.Rollback(ctx)

	if requestID != "" {
		if result, err := replayResult(ctx, tx, draftID, requestID, kind); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}
	}

	head, maxVersion, err := lockHeader(ctx, tx, draftID)
	if err != nil {
		return nil, err
	}
	if expectedBase != head {
		return nil, apperr.VersionConflict(expectedBase, head)
	}

	if requireIdle {
		if err := requireNoRunningRun(ctx, tx, draftID); err != nil {
			return nil, err
		}
	}

	snapshot, err := loadSnapshot(ctx, tx, draftID, head)
	if err != nil {
		return nil, err
	}

	next, changed, extraMeta, err := mutate(snapshot)
	if err != nil {
		return nil, err
	}

	newVersion := maxVersion + 1
	result := &models.ProposeResult{Version: newVersion, Snapshot: next, ChangedPaths: changed}

	meta := map[string]any{"changed_paths": changed}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	for k, v := range extraMeta {
		meta[k] = v
	}

	if err := appendVersion(ctx, tx, draftID, newVersion, next, meta); err != nil {
		return nil, err
	}

	if requestID != "" {
		if err := storeResult(ctx, tx, draftID, requestID, kind, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit propose: %w", err)
	}
	return result, nil
}

// Reset is the destructive restore: it points head_version back at
// toVersion, archives everything after it, and deletes derived state newer
// than the target version. History is truncated, not rewritten — archived
// versions stay readable.
func (r *DraftRepository) Reset(
	ctx context.Context,
	draftID uuid.UUID,
	expectedBase int64,
	requestID string,
	toVersion int64,
	confirmation string,
) (*models.ProposeResult, error) {
	if expected := ResetConfirmation(draftID, toVersion); confirmation != expected {
		return nil, apperr.Validation("reset requires confirmation token %q", expected).
			WithDetail("reason", "bad_confirmation")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback(ctx)

	if requestID != "" {
		if result, err := replayResult(ctx, tx, draftID, requestID, models.IdemReset); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}
	}

	head, _, err := lockHeader(ctx, tx, draftID)
	if err != nil {
		return nil, err
	}
	if expectedBase != head {
		return nil, apperr.VersionConflict(expectedBase, head)
	}

	if err := requireNoRunningRun(ctx, tx, draftID); err != nil {
		return nil, err
	}

	target, targetCreatedAt, err := loadSnapshotWithTime(ctx, tx, draftID, toVersion)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE draft_versions SET archived = TRUE
		WHERE draft_id = $1 AND version > $2
	`, draftID, toVersion); err != nil {
		return nil, fmt.Errorf("failed to archive versions: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE drafts SET head_version = $2, updated_at = now()
		WHERE draft_id = $1
	`, draftID, toVersion); err != nil {
		return nil, fmt.Errorf("failed to move head: %w", err)
	}

	// Derived state that refers to the discarded versions goes with them.
	if _, err := tx.Exec(ctx, `
		DELETE FROM draft_messages WHERE draft_id = $1 AND created_at > $2
	`, draftID, targetCreatedAt); err != nil {
		return nil, fmt.Errorf("failed to prune messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM run_events
		WHERE run_id IN (SELECT run_id FROM runs WHERE draft_id = $1)
		  AND created_at > $2
	`, draftID, targetCreatedAt); err != nil {
		return nil, fmt.Errorf("failed to prune run events: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM pending_actions WHERE draft_id = $1
	`, draftID); err != nil {
		return nil, fmt.Errorf("failed to clear pending action: %w", err)
	}

	result := &models.ProposeResult{Version: toVersion, Snapshot: target}

	if requestID != "" {
		if err := storeResult(ctx, tx, draftID, requestID, models.IdemReset, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}
	return result, nil
}

// Rollback is the non-destructive restore: it appends a brand-new version
// whose snapshot equals toVersion's snapshot, preserving all history and
// derived state.
func (r *DraftRepository) Rollback(
	ctx context.Context,
	draftID uuid.UUID,
	expectedBase int64,
	requestID string,
	toVersion int64,
) (*models.ProposeResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rollback: %w", err)
	}
	defer tx.Rollback(ctx)

	if requestID != "" {
		if result, err := replayResult(ctx, tx, draftID, requestID, models.IdemRollback); err != nil {
			return nil, err
		} else if result != nil {
			return result, nil
		}
	}

	head, maxVersion, err := lockHeader(ctx, tx, draftID)
	if err != nil {
		return nil, err
	}
	if expectedBase != head {
		return nil, apperr.VersionConflict(expectedBase, head)
	}

	if err := requireNoRunningRun(ctx, tx, draftID); err != nil {
		return nil, err
	}

	target, err := loadSnapshot(ctx, tx, draftID, toVersion)
	if err != nil {
		return nil, err
	}

	newVersion := maxVersion + 1
	meta := map[string]any{"source": models.SourceRollback, "rolled_back_to": toVersion}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	if err := appendVersion(ctx, tx, draftID, newVersion, target, meta); err != nil {
		return nil, err
	}

	result := &models.ProposeResult{Version: newVersion, Snapshot: target}

	if requestID != "" {
		if err := storeResult(ctx, tx, draftID, requestID, models.IdemRollback, result); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}
	return result, nil
}

// Delete removes a draft and, through cascading foreign keys, all of its
// versions and derived state.
func (r *DraftRepository) Delete(ctx context.Context, draftID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM drafts WHERE draft_id = $1`, draftID)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("draft", draftID.String())
	}
	return nil
}

// ResetConfirmation returns the exact token a caller must echo back to
// execute a reset.
func ResetConfirmation(draftID uuid.UUID, toVersion int64) string {
	return fmt.Sprintf("reset:%s:%d", draftID, toVersion)
}

// --- transaction helpers ---

func lockHeader(ctx context.Context, tx pgx.Tx, draftID uuid.UUID) (head, max int64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT head_version, max_version FROM drafts WHERE draft_id = $1 FOR UPDATE
	`, draftID).Scan(&head, &max)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, apperr.NotFound("draft", draftID.String())
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock draft header: %w", err)
	}
	return head, max, nil
}

func loadSnapshot(ctx context.Context, tx pgx.Tx, draftID uuid.UUID, version int64) (models.Snapshot, error) {
	snapshot, _, err := loadSnapshotWithTime(ctx, tx, draftID, version)
	return snapshot, err
}

func loadSnapshotWithTime(ctx context.Context, tx pgx.Tx, draftID uuid.UUID, version int64) (models.Snapshot, time.Time, error) {
	var raw []byte
	var createdAt time.Time
	err := tx.QueryRow(ctx, `
		SELECT snapshot, created_at FROM draft_versions WHERE draft_id = $1 AND version = $2
	`, draftID, version).Scan(&raw, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, apperr.NotFound("version", fmt.Sprintf("%s@%d", draftID, version))
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snapshot models.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snapshot, createdAt, nil
}

func appendVersion(ctx context.Context, tx pgx.Tx, draftID uuid.UUID, version int64, snapshot models.Snapshot, meta map[string]any) error {
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal version meta: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO draft_versions (draft_id, version, snapshot, meta)
		VALUES ($1, $2, $3, $4)
	`, draftID, version, snapJSON, metaJSON); err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE drafts
		SET head_version = $2, max_version = GREATEST(max_version, $2), updated_at = now()
		WHERE draft_id = $1
	`, draftID, version); err != nil {
		return fmt.Errorf("failed to advance head: %w", err)
	}
	return nil
}

func requireNoRunningRun(ctx context.Context, tx pgx.Tx, draftID uuid.UUID) error {
	var busy bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM runs WHERE draft_id = $1 AND status = $2)
	`, draftID, models.RunRunning).Scan(&busy)
	if err != nil {
		return fmt.Errorf("failed to check running runs: %w", err)
	}
	if busy {
		return apperr.Busy(draftID.String())
	}
	return nil
}

func replayResult(ctx context.Context, tx pgx.Tx, draftID uuid.UUID, requestID string, kind models.IdempotencyKind) (*models.ProposeResult, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `
		SELECT result FROM idempotency_keys
		WHERE draft_id = $1 AND request_id = $2 AND kind = $3
	`, draftID, requestID, kind).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency record: %w", err)
	}

	var result models.ProposeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stored result: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

func storeResult(ctx context.Context, tx pgx.Tx, draftID uuid.UUID, requestID string, kind models.IdempotencyKind, result *models.ProposeResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotency result: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (draft_id, request_id, kind, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (draft_id, request_id, kind) DO NOTHING
	`, draftID, requestID, kind, raw); err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func (r *DraftRepository) scanVersion(row pgx.Row, draftID uuid.UUID) (*models.DraftVersion, error) {
	v := &models.DraftVersion{}
	var snapshot, meta []byte
	err := row.Scan(&v.DraftID, &v.Version, &snapshot, &meta, &v.Archived, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	if err := json.Unmarshal(snapshot, &v.Snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := json.Unmarshal(meta, &v.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode version meta: %w", err)
	}
	return v, nil
}
