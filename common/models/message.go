package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who produced a message log entry.
type MessageRole string

const (
	RoleUser   MessageRole = "user"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// Message is one entry of the append-only per-draft conversation and audit
// log. Seq is strictly increasing per draft; pagination walks backward from
// the latest entry.
// Maps to: draft_messages table, keyed by (draft_id, seq)
type Message struct {
	DraftID uuid.UUID   `db:"draft_id" json:"draft_id"`
	Seq     int64       `db:"seq" json:"seq"`
	Role    MessageRole `db:"role" json:"role"`
	Content string      `db:"content" json:"content"`

	// Audit fields for agent turns: ok, version (or "unapplied"),
	// request_id, error code on failure.
	Meta map[string]any `db:"meta" json:"meta,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
