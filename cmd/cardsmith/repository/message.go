package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/common/db"
	"github.com/lorecraft/cardsmith/common/models"
)

// MessageRepository handles the per-draft conversation log.
type MessageRepository struct {
	db *db.DB
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(database *db.DB) *MessageRepository {
	return &MessageRepository{db: database}
}

// Append records the next message of the draft's log. Seq is allocated in
// the insert itself so the log is append-only and densely numbered.
func (r *MessageRepository) Append(ctx context.Context, draftID uuid.UUID, role models.MessageRole, content string, meta map[string]any) (*models.Message, error) {
	var payload []byte
	if meta != nil {
		var err error
		payload, err = json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal message meta: %w", err)
		}
	}

	msg := &models.Message{DraftID: draftID, Role: role, Content: content, Meta: meta}
	err := r.db.QueryRow(ctx, `
		INSERT INTO draft_messages (draft_id, seq, role, content, meta)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
		FROM draft_messages WHERE draft_id = $1
		RETURNING seq, created_at
	`, draftID, role, content, payload).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// ListRecent returns the newest messages up to limit, oldest first. This is
// the window handed to the agent as conversational context.
func (r *MessageRepository) ListRecent(ctx context.Context, draftID uuid.UUID, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT draft_id, seq, role, content, meta, created_at
		FROM (
			SELECT draft_id, seq, role, content, meta, created_at
			FROM draft_messages
			WHERE draft_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) latest
		ORDER BY seq ASC
	`, draftID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var meta []byte
		if err := rows.Scan(&msg.DraftID, &msg.Seq, &msg.Role, &msg.Content, &meta, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &msg.Meta); err != nil {
				return nil, fmt.Errorf("failed to decode message meta: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
