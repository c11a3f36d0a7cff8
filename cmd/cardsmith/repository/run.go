package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/db"
	"github.com/lorecraft/cardsmith/common/models"
)

// RunRepository handles database operations for runs and their event
// streams.
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

const runColumns = `run_id, draft_id, request_id, base_version, version, status,
	COALESCE(stop_reason, ''), COALESCE(stop_message, ''), turns,
	auto_apply, max_turns, instruction, created_at, stopped_at`

// CreateIfIdle inserts a new running run for the draft, enforcing the
// at-most-one-running invariant under the same header lock used for version
// writes. When the same request id was already used, the existing run is
// returned instead.
func (r *RunRepository) CreateIfIdle(ctx context.Context, run *models.Run) (*models.Run, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serializes against ProposeVersion and against concurrent starts.
	if _, _, err := lockHeader(ctx, tx, run.DraftID); err != nil {
		return nil, err
	}

	if run.RequestID != nil {
		existing, err := r.getBy(ctx, tx, `draft_id = $1 AND request_id = $2`, run.DraftID, *run.RequestID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	if err := requireNoRunningRun(ctx, tx, run.DraftID); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO runs (run_id, draft_id, request_id, base_version, version, status,
			turns, auto_apply, max_turns, instruction)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
		RETURNING created_at
	`,
		run.RunID, run.DraftID, run.RequestID, run.BaseVersion, run.Version,
		run.Status, run.AutoApply, run.MaxTurns, run.Instruction,
	).Scan(&run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create run: %w", err)
	}
	return run, nil
}

// Get retrieves a run by its ID.
func (r *RunRepository) Get(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, err := r.getBy(ctx, r.db, `run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperr.NotFound("run", runID.String())
	}
	return run, nil
}

// GetRunning returns the draft's running run, or nil.
func (r *RunRepository) GetRunning(ctx context.Context, draftID uuid.UUID) (*models.Run, error) {
	return r.getBy(ctx, r.db, `draft_id = $1 AND status = 'running'`, draftID)
}

// HasRunning reports whether the draft has a running run.
func (r *RunRepository) HasRunning(ctx context.Context, draftID uuid.UUID) (bool, error) {
	run, err := r.GetRunning(ctx, draftID)
	return run != nil, err
}

// UpdateProgress records a completed turn: turn counter and current head
// version.
func (r *RunRepository) UpdateProgress(ctx context.Context, runID uuid.UUID, turns int, version int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE runs SET turns = $2, version = $3 WHERE run_id = $1
	`, runID, turns, version)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// Finish moves the run to its terminal state. Returns false when the run
// had already stopped, so exactly one caller observes the transition.
func (r *RunRepository) Finish(ctx context.Context, runID uuid.UUID, reason models.StopReason, message string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE runs
		SET status = $2, stop_reason = $3, stop_message = $4, stopped_at = now()
		WHERE run_id = $1 AND status = $5
	`, runID, models.RunStopped, reason, message, models.RunRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendEvent appends the next event of the run's stream. Seq allocation
// and insert happen in one statement, so the sequence is gap-free from the
// writer's perspective.
func (r *RunRepository) AppendEvent(ctx context.Context, runID uuid.UUID, eventType models.RunEventType, data map[string]any) (*models.RunEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &models.RunEvent{RunID: runID, Type: eventType, Data: data}
	err = r.db.QueryRow(ctx, `
		INSERT INTO run_events (run_id, seq, type, data)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3
		FROM run_events WHERE run_id = $1
		RETURNING seq, created_at
	`, runID, eventType, payload).Scan(&event.Seq, &event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append run event: %w", err)
	}
	return event, nil
}

// ListEventsAfter returns events with seq > afterSeq in increasing order.
// This is the resumable-stream read: a consumer that replays from its last
// seen seq gets every event exactly once, with no gaps.
func (r *RunRepository) ListEventsAfter(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT run_id, seq, type, data, created_at
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		event := &models.RunEvent{}
		var data []byte
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &data, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		if err := json.Unmarshal(data, &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode run event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// HasTerminalEvent reports whether a final or error event was already
// appended for the run.
func (r *RunRepository) HasTerminalEvent(ctx context.Context, runID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM run_events WHERE run_id = $1 AND type IN ($2, $3))
	`, runID, models.EventFinal, models.EventError).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check terminal event: %w", err)
	}
	return exists, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *RunRepository) getBy(ctx context.Context, q queryRower, where string, args ...any) (*models.Run, error) {
	run := &models.Run{}
	err := q.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE `+where, args...).Scan(
		&run.RunID, &run.DraftID, &run.RequestID, &run.BaseVersion, &run.Version,
		&run.Status, &run.StopReason, &run.StopMessage, &run.Turns,
		&run.AutoApply, &run.MaxTurns, &run.Instruction, &run.CreatedAt, &run.StoppedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
