package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an unattended agent session.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
)

// StopReason explains why a run reached its terminal state.
type StopReason string

const (
	StopDone     StopReason = "done"
	StopNoChange StopReason = "no_change"
	StopMaxTurns StopReason = "max_turns"
	StopCanceled StopReason = "canceled"
	StopError    StopReason = "error"
)

// Run is one unattended multi-turn agent session against a draft. At most
// one run per draft may be running at any instant.
// Maps to: runs table
type Run struct {
	RunID   uuid.UUID `db:"run_id" json:"run_id"`
	DraftID uuid.UUID `db:"draft_id" json:"draft_id"`

	// Client-supplied dedup key; starting a run twice with the same
	// request id returns the existing run.
	RequestID *string `db:"request_id" json:"request_id,omitempty"`

	// Head version when the run started.
	BaseVersion int64 `db:"base_version" json:"base_version"`

	// Head version after the most recent successful turn.
	Version int64 `db:"version" json:"version"`

	Status      RunStatus  `db:"status" json:"status"`
	StopReason  StopReason `db:"stop_reason" json:"stop_reason,omitempty"`
	StopMessage string     `db:"stop_message" json:"stop_message,omitempty"`
	Turns       int        `db:"turns" json:"turns"`

	// Options frozen at start.
	AutoApply   bool   `db:"auto_apply" json:"auto_apply"`
	MaxTurns    int    `db:"max_turns" json:"max_turns"`
	Instruction string `db:"instruction" json:"instruction"`

	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	StoppedAt *time.Time `db:"stopped_at" json:"stopped_at,omitempty"`
}

// Stopped reports whether the run reached its terminal state.
func (r *Run) Stopped() bool {
	return r.Status == RunStopped
}

// RunEventType identifies the kind of run event.
type RunEventType string

const (
	EventProgress      RunEventType = "progress"
	EventOutput        RunEventType = "output"
	EventPatchApplied  RunEventType = "patch_applied"
	EventPendingAction RunEventType = "pending_action"
	EventPing          RunEventType = "ping"
	EventFinal         RunEventType = "final"
	EventError         RunEventType = "error"
)

// Terminal reports whether the event type ends the stream.
func (t RunEventType) Terminal() bool {
	return t == EventFinal || t == EventError
}

// RunEvent is one record of a run's append-only, replayable event stream.
// Seq is strictly increasing and gap-free per run; consumers resume by
// requesting events after the last seq they saw.
// Maps to: run_events table, keyed by (run_id, seq)
type RunEvent struct {
	RunID     uuid.UUID      `db:"run_id" json:"run_id"`
	Seq       int64          `db:"seq" json:"seq"`
	Type      RunEventType   `db:"type" json:"type"`
	Data      map[string]any `db:"data" json:"data,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
