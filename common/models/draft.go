package models

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot is a fully-materialized draft document: the character card plus
// its auxiliary artifacts, keyed by the whitelisted roots.
type Snapshot = map[string]any

// EmptySnapshot returns the canonical version-1 snapshot of a new draft.
func EmptySnapshot() Snapshot {
	return Snapshot{
		"card":         map[string]any{},
		"worldInfo":    map[string]any{"entries": []any{}},
		"regexScripts": []any{},
		"scripts":      map[string]any{},
		"raw":          map[string]any{},
	}
}

// Draft is the header row of a versioned document.
// Maps to: drafts table
type Draft struct {
	DraftID uuid.UUID `db:"draft_id" json:"draft_id"`

	// Currently visible version. Advanced by every accepted write; moved
	// backwards only by reset.
	HeadVersion int64 `db:"head_version" json:"head_version"`

	// Highest version ever created. Allocates the next version number even
	// after a rollback, so version numbers are never reused.
	MaxVersion int64 `db:"max_version" json:"max_version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DraftVersion is one immutable snapshot record.
// Maps to: draft_versions table, keyed by (draft_id, version)
type DraftVersion struct {
	DraftID  uuid.UUID `db:"draft_id" json:"draft_id"`
	Version  int64     `db:"version" json:"version"`
	Snapshot Snapshot  `db:"snapshot" json:"snapshot"`

	// Free-form metadata: source of the change, originating request,
	// changed paths, derived diagnostics.
	Meta map[string]any `db:"meta" json:"meta,omitempty"`

	// Set by reset on versions beyond the rollback point. Archived versions
	// stay readable but are no longer part of the visible history.
	Archived bool `db:"archived" json:"archived"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ProposeResult is the outcome of a conditional version append.
type ProposeResult struct {
	Version      int64    `json:"version"`
	Snapshot     Snapshot `json:"snapshot"`
	ChangedPaths []string `json:"changed_paths"`

	// True when the result was served from the idempotency store instead of
	// re-running the mutation.
	Replayed bool `json:"replayed,omitempty"`
}

// ChangeSource values recorded in version metadata.
const (
	SourceUser     = "user"
	SourceAgent    = "agent"
	SourceApproval = "approval"
	SourceRollback = "rollback"
)
