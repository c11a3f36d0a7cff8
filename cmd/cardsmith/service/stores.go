package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/repository"
	"github.com/lorecraft/cardsmith/common/models"
)

// The services depend on narrow store interfaces rather than the concrete
// pgx repositories, so tests can substitute in-memory fakes.

// DraftStore persists drafts and their version history.
type DraftStore interface {
	Create(ctx context.Context) (*models.Draft, error)
	Get(ctx context.Context, draftID uuid.UUID) (*models.Draft, error)
	GetHead(ctx context.Context, draftID uuid.UUID) (*models.DraftVersion, error)
	GetVersion(ctx context.Context, draftID uuid.UUID, version int64) (*models.DraftVersion, error)
	ListVersions(ctx context.Context, draftID uuid.UUID) ([]*models.DraftVersion, error)
	ProposeVersion(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, kind models.IdempotencyKind, requireIdle bool, mutate repository.Mutator) (*models.ProposeResult, error)
	Reset(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64, confirmation string) (*models.ProposeResult, error)
	Rollback(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64) (*models.ProposeResult, error)
	Delete(ctx context.Context, draftID uuid.UUID) error
}

// PendingStore persists the at-most-one pending approval per draft.
type PendingStore interface {
	Upsert(ctx context.Context, action *models.PendingAction) error
	Get(ctx context.Context, draftID uuid.UUID) (*models.PendingAction, error)
	Delete(ctx context.Context, draftID uuid.UUID) error
}

// RunStore persists runs and their event streams.
type RunStore interface {
	CreateIfIdle(ctx context.Context, run *models.Run) (*models.Run, error)
	Get(ctx context.Context, runID uuid.UUID) (*models.Run, error)
	GetRunning(ctx context.Context, draftID uuid.UUID) (*models.Run, error)
	HasRunning(ctx context.Context, draftID uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, runID uuid.UUID, turns int, version int64) error
	Finish(ctx context.Context, runID uuid.UUID, reason models.StopReason, message string) (bool, error)
	AppendEvent(ctx context.Context, runID uuid.UUID, eventType models.RunEventType, data map[string]any) (*models.RunEvent, error)
	ListEventsAfter(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]*models.RunEvent, error)
	HasTerminalEvent(ctx context.Context, runID uuid.UUID) (bool, error)
}

// MessageStore persists the per-draft conversation log.
type MessageStore interface {
	Append(ctx context.Context, draftID uuid.UUID, role models.MessageRole, content string, meta map[string]any) (*models.Message, error)
	ListRecent(ctx context.Context, draftID uuid.UUID, limit int) ([]*models.Message, error)
}

// IdempotencyStore persists request dedup records.
type IdempotencyStore interface {
	Get(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind) ([]byte, error)
	SetIfAbsent(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind, result []byte) ([]byte, error)
}

// EventPublisher fans events out to live subscribers. The durable record is
// always the run_events table; this is best-effort delivery on top.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, message string) error
}
