package db

import (
	"context"
	"fmt"
)

// Schema statements for the cardsmith tables. Applied idempotently at
// startup through the bootstrap DB init hook.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS drafts (
		draft_id     UUID PRIMARY KEY,
		head_version BIGINT NOT NULL,
		max_version  BIGINT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS draft_versions (
		draft_id   UUID NOT NULL REFERENCES drafts(draft_id) ON DELETE CASCADE,
		version    BIGINT NOT NULL,
		snapshot   JSONB NOT NULL,
		meta       JSONB NOT NULL DEFAULT '{}',
		archived   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (draft_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		draft_id   UUID NOT NULL REFERENCES drafts(draft_id) ON DELETE CASCADE,
		request_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		result     JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (draft_id, request_id, kind)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_actions (
		draft_id           UUID PRIMARY KEY REFERENCES drafts(draft_id) ON DELETE CASCADE,
		kind               TEXT NOT NULL,
		base_version       BIGINT NOT NULL,
		fingerprint_before TEXT NOT NULL,
		payload            JSONB NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		run_id       UUID PRIMARY KEY,
		draft_id     UUID NOT NULL REFERENCES drafts(draft_id) ON DELETE CASCADE,
		request_id   TEXT,
		base_version BIGINT NOT NULL,
		version      BIGINT NOT NULL,
		status       TEXT NOT NULL,
		stop_reason  TEXT,
		stop_message TEXT,
		turns        INT NOT NULL DEFAULT 0,
		auto_apply   BOOLEAN NOT NULL DEFAULT TRUE,
		max_turns    INT NOT NULL,
		instruction  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		stopped_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS runs_draft_status_idx ON runs (draft_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_draft_request_idx ON runs (draft_id, request_id) WHERE request_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS run_events (
		run_id     UUID NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		seq        BIGINT NOT NULL,
		type       TEXT NOT NULL,
		data       JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS draft_messages (
		draft_id   UUID NOT NULL REFERENCES drafts(draft_id) ON DELETE CASCADE,
		seq        BIGINT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		meta       JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (draft_id, seq)
	)`,
}

// InitSchema creates the cardsmith tables if they do not exist. Intended for
// use with bootstrap.WithDBInitHook.
func InitSchema(database *DB) error {
	ctx := context.Background()
	for _, stmt := range schemaStatements {
		if _, err := database.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	database.log.Info("database schema ready", "tables", 7)
	return nil
}
