package models

import (
	"time"

	"github.com/google/uuid"
)

// PendingKind distinguishes the two human-approval gates.
type PendingKind string

const (
	// PendingPlanReview holds a proposed task plan. Plan edits steer
	// multiple future turns and never auto-apply.
	PendingPlanReview PendingKind = "plan_review"

	// PendingPatchReview holds proposed artifact patch operations when the
	// run was started without auto-apply.
	PendingPatchReview PendingKind = "patch_review"
)

// PendingAction is the at-most-one outstanding approval request per draft.
// It records the version and fingerprint it was computed against so the
// approval can detect any drift between proposal and decision.
// Maps to: pending_actions table, keyed by draft_id
type PendingAction struct {
	DraftID uuid.UUID   `db:"draft_id" json:"draft_id"`
	Kind    PendingKind `db:"kind" json:"kind"`

	BaseVersion       int64  `db:"base_version" json:"base_version"`
	FingerprintBefore string `db:"fingerprint_before" json:"fingerprint_before"`

	// For plan_review: {"plan": <vibePlan value>}.
	// For patch_review: {"ops": [<raw ops>]}.
	Payload map[string]any `db:"payload" json:"payload"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// IdempotencyKind scopes dedup keys per operation family so the same
// request id can safely be reused across different operations.
type IdempotencyKind string

const (
	IdemPatch       IdempotencyKind = "patch"
	IdemReset       IdempotencyKind = "reset"
	IdemRollback    IdempotencyKind = "rollback"
	IdemTurn        IdempotencyKind = "turn"
	IdemApprovePlan IdempotencyKind = "approve_plan"
	IdemAcceptPatch IdempotencyKind = "accept_patch"
)

// IdempotencyRecord maps (draft, request, kind) to the previously computed
// result. Insert-once; never overwritten.
// Maps to: idempotency_keys table
type IdempotencyRecord struct {
	DraftID   uuid.UUID       `db:"draft_id" json:"draft_id"`
	RequestID string          `db:"request_id" json:"request_id"`
	Kind      IdempotencyKind `db:"kind" json:"kind"`
	Result    []byte          `db:"result" json:"result"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
