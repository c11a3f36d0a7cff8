package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorecraft/cardsmith/common/models"
)

func buildContext(t *testing.T, store *memStore, snapshot models.Snapshot, instruction string) string {
	t.Helper()
	draft, err := store.Create(context.Background())
	require.NoError(t, err)

	b := NewContextBuilder(store)
	head := &models.DraftVersion{DraftID: draft.DraftID, Version: 1, Snapshot: snapshot}
	req, err := b.Build(context.Background(), draft.DraftID, head, instruction)
	require.NoError(t, err)
	return req.Instruction
}

func TestContextBuilder_RendersAddressablePaths(t *testing.T) {
	snap := models.EmptySnapshot()
	snap["card"] = map[string]any{
		"name":        "Vel",
		"description": "a wandering cartographer",
	}
	snap["worldInfo"] = map[string]any{"entries": []any{
		map[string]any{"id": "tavern", "content": "the Gull"},
	}}

	text := buildContext(t, newMemStore(), snap, "add a greeting")

	assert.Contains(t, text, "Name: Vel")
	assert.Contains(t, text, `card.name = "Vel"`)
	assert.Contains(t, text, `worldInfo.entries[0].id = "tavern"`)
	assert.Contains(t, text, "## Instruction\n\nadd a greeting")
	assert.Contains(t, text, "```")
	assert.Contains(t, text, `{"intents": [...]}`)
}

func TestContextBuilder_TruncatesLongValues(t *testing.T) {
	long := strings.Repeat("x", 5000)
	snap := models.EmptySnapshot()
	snap["card"] = map[string]any{"description": long}

	text := buildContext(t, newMemStore(), snap, "")

	assert.NotContains(t, text, long)
	assert.Contains(t, text, "…")
}

func TestContextBuilder_ReportsPlanProgress(t *testing.T) {
	snap := models.EmptySnapshot()
	snap["raw"] = map[string]any{"dataExtensions": map[string]any{"vibePlan": map[string]any{
		"tasks": []any{
			map[string]any{"title": "outline", "status": "done"},
			map[string]any{"title": "fill in", "status": "pending"},
		},
	}}}

	text := buildContext(t, newMemStore(), snap, "")
	assert.Contains(t, text, "Plan: 1/2 tasks done")

	empty := buildContext(t, newMemStore(), models.EmptySnapshot(), "")
	assert.Contains(t, empty, "Plan: none")
}

func TestContextBuilder_WindowsMessageHistory(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	draft, err := store.Create(ctx)
	require.NoError(t, err)

	for i := 0; i < 40; i++ {
		_, err := store.Append(ctx, draft.DraftID, models.RoleUser, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}
	_, err = store.Append(ctx, draft.DraftID, models.RoleSystem, "turn applied version 2", nil)
	require.NoError(t, err)

	b := NewContextBuilder(store)
	head := &models.DraftVersion{DraftID: draft.DraftID, Version: 1, Snapshot: models.EmptySnapshot()}
	req, err := b.Build(ctx, draft.DraftID, head, "")
	require.NoError(t, err)

	assert.Len(t, req.Messages, b.MessageWindow)
	// Audit entries read as user-side context.
	last := req.Messages[len(req.Messages)-1]
	assert.Equal(t, string(models.RoleUser), last.Role)
	assert.Equal(t, "turn applied version 2", last.Content)
}
