package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/fingerprint"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

// parkPatch runs a non-auto-apply turn so a patch_review lands.
func parkPatch(t *testing.T, h *testHarness) (*models.Draft, *models.PendingAction) {
	t.Helper()
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	outcome := execTurn(t, h, draft.DraftID, false, "turn-1")
	require.Equal(t, models.PendingPatchReview, outcome.Paused)

	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	require.NotNil(t, action)
	return draft, action
}

func TestAcceptPatch_AppliesPendingOps(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, action := parkPatch(t, h)

	result, err := h.pending.AcceptPatch(ctx, draft.DraftID, "acc-1", action.FingerprintBefore)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Version)

	head, err := h.drafts.Head(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Equal(t, "Vel", head.Snapshot["card"].(map[string]any)["name"])
	assert.Equal(t, models.SourceApproval, head.Meta["source"])

	// Pending slot is free again.
	after, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestAcceptPatch_WrongFingerprintKeepsPending(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, _ := parkPatch(t, h)

	_, err := h.pending.AcceptPatch(ctx, draft.DraftID, "acc-1", "b3:stale")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDraftChanged, apperr.CodeOf(err))

	// A reviewer with a stale view gets to re-review; the proposal stays.
	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.NotNil(t, action)
}

func TestAcceptPatch_DraftMovedSinceProposal(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, action := parkPatch(t, h)

	// Someone edits the draft directly before the reviewer decides.
	_, err := h.drafts.ApplyPatch(ctx, draft.DraftID, 1, "user-1", []patch.RawOp{
		rawSetOp("card.description", "changed underneath"),
	})
	require.NoError(t, err)

	_, err = h.pending.AcceptPatch(ctx, draft.DraftID, "acc-1", action.FingerprintBefore)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeVersionConflict, apperr.CodeOf(err))
	ae := apperr.AsError(err)
	assert.EqualValues(t, 1, ae.Detail["expected_version"])
	assert.EqualValues(t, 2, ae.Detail["head_version"])

	// The stale proposal is gone for good.
	after, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestAcceptPatch_ContentDriftAtSameVersion(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, action := parkPatch(t, h)

	// Rewrite the stored head snapshot in place. The version number still
	// matches the proposal; only the recomputed fingerprint can catch this.
	h.store.mu.Lock()
	head := h.store.versions[draft.DraftID][action.BaseVersion]
	head.Snapshot["card"] = map[string]any{"name": "tampered"}
	h.store.mu.Unlock()

	_, err := h.pending.AcceptPatch(ctx, draft.DraftID, "acc-1", action.FingerprintBefore)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDraftChanged, apperr.CodeOf(err))

	// The proposal was computed against content that no longer exists, so
	// the slot self-heals.
	after, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Nil(t, after)
}

func TestAcceptPatch_KindMismatch(t *testing.T) {
	h := newHarness(planOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	outcome := execTurn(t, h, draft.DraftID, false, "turn-1")
	require.Equal(t, models.PendingPlanReview, outcome.Paused)

	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)

	_, err = h.pending.AcceptPatch(ctx, draft.DraftID, "acc-1", action.FingerprintBefore)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePendingKindMismatch, apperr.CodeOf(err))
}

func TestApprovePlan_LandsPlanUnderApprovalSource(t *testing.T) {
	h := newHarness(planOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	outcome := execTurn(t, h, draft.DraftID, true, "turn-1")
	require.Equal(t, models.PendingPlanReview, outcome.Paused)

	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)

	result, err := h.pending.ApprovePlan(ctx, draft.DraftID, "appr-1", action.FingerprintBefore)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.Version)

	head, err := h.drafts.Head(ctx, draft.DraftID)
	require.NoError(t, err)
	done, total := models.PlanProgress(head.Snapshot)
	assert.Equal(t, 0, done)
	assert.Equal(t, 1, total)
}

func TestApprovePlan_RetryAfterResolution(t *testing.T) {
	h := newHarness(planOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	execTurn(t, h, draft.DraftID, true, "turn-1")
	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)

	_, err = h.pending.ApprovePlan(ctx, draft.DraftID, "appr-1", action.FingerprintBefore)
	require.NoError(t, err)

	// The slot is empty once resolved; a second approval has nothing to act on.
	_, err = h.pending.ApprovePlan(ctx, draft.DraftID, "appr-1", action.FingerprintBefore)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestRejectPatch_DiscardsWithoutApplying(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, _ := parkPatch(t, h)

	require.NoError(t, h.pending.RejectPatch(ctx, draft.DraftID))

	head, err := h.drafts.Head(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, head.Version)

	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Nil(t, action)

	// Rejecting again has nothing to reject.
	err = h.pending.RejectPatch(ctx, draft.DraftID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestGetPending_SelfHealsStaleEntry(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, _ := parkPatch(t, h)

	// Head moves on; the parked proposal is stale.
	_, err := h.drafts.ApplyPatch(ctx, draft.DraftID, 1, "user-1", []patch.RawOp{
		rawSetOp("card.description", "newer"),
	})
	require.NoError(t, err)

	action, err := h.pending.Get(ctx, draft.DraftID)
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestFingerprintMatchesHandlerView(t *testing.T) {
	h := newHarness(patchOutput)
	ctx := context.Background()
	draft, action := parkPatch(t, h)

	head, err := h.drafts.Head(ctx, draft.DraftID)
	require.NoError(t, err)
	fp, err := fingerprint.Compute(head.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, action.FingerprintBefore, fp)
}
