package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/fingerprint"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

// PendingService handles the human side of the approval gate: inspecting,
// approving, and rejecting the draft's pending action.
type PendingService struct {
	drafts   *DraftService
	pending  PendingStore
	messages MessageStore
	log      *logger.Logger
}

// PendingServiceOpts contains options for creating a PendingService
type PendingServiceOpts struct {
	Drafts   *DraftService
	Pending  PendingStore
	Messages MessageStore
	Logger   *logger.Logger
}

// NewPendingService creates a new pending service with options pattern
func NewPendingService(opts *PendingServiceOpts) *PendingService {
	return &PendingService{
		drafts:   opts.Drafts,
		pending:  opts.Pending,
		messages: opts.Messages,
		log:      opts.Logger,
	}
}

// Get returns the draft's pending action, or nil when there is none. A
// pending action whose base version is no longer the head is stale garbage
// from an abandoned proposal; it is discarded here rather than surfaced.
func (s *PendingService) Get(ctx context.Context, draftID uuid.UUID) (*models.PendingAction, error) {
	action, err := s.pending.Get(ctx, draftID)
	if err != nil || action == nil {
		return nil, err
	}

	draft, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if action.BaseVersion != draft.HeadVersion {
		s.log.Warn("discarding stale pending action",
			"draft_id", draftID,
			"base_version", action.BaseVersion,
			"head_version", draft.HeadVersion)
		if err := s.pending.Delete(ctx, draftID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return action, nil
}

// ApprovePlan applies the pending plan to the draft. The caller echoes the
// fingerprint it reviewed; the plan only lands if the draft still matches.
func (s *PendingService) ApprovePlan(ctx context.Context, draftID uuid.UUID, requestID, reviewedFingerprint string) (*models.ProposeResult, error) {
	action, err := s.take(ctx, draftID, models.PendingPlanReview, reviewedFingerprint)
	if err != nil {
		return nil, err
	}

	plan, ok := action.Payload["plan"]
	if !ok {
		return nil, apperr.New(apperr.CodeInternal, "plan_review payload has no plan")
	}

	ops := []patch.Op{patch.SetOp(patch.PlanPath, plan)}
	result, err := s.drafts.Propose(ctx, draftID, action.BaseVersion, requestID, models.IdemApprovePlan, ops, models.SourceApproval)
	if err != nil {
		return nil, err
	}

	if err := s.clear(ctx, draftID, action.Kind, "approved", result.Version); err != nil {
		return nil, err
	}
	return result, nil
}

// AcceptPatch applies the pending patch operations to the draft under the
// same staleness rules as ApprovePlan.
func (s *PendingService) AcceptPatch(ctx context.Context, draftID uuid.UUID, requestID, reviewedFingerprint string) (*models.ProposeResult, error) {
	action, err := s.take(ctx, draftID, models.PendingPatchReview, reviewedFingerprint)
	if err != nil {
		return nil, err
	}

	rawOps, err := payloadOps(action.Payload)
	if err != nil {
		return nil, err
	}
	ops, err := patch.ParseOps(rawOps)
	if err != nil {
		return nil, err
	}

	result, err := s.drafts.Propose(ctx, draftID, action.BaseVersion, requestID, models.IdemAcceptPatch, ops, models.SourceApproval)
	if err != nil {
		return nil, err
	}

	if err := s.clear(ctx, draftID, action.Kind, "accepted", result.Version); err != nil {
		return nil, err
	}
	return result, nil
}

// RejectPlan discards a pending plan review without touching the draft.
func (s *PendingService) RejectPlan(ctx context.Context, draftID uuid.UUID) error {
	return s.reject(ctx, draftID, models.PendingPlanReview)
}

// RejectPatch discards a pending patch review without touching the draft.
func (s *PendingService) RejectPatch(ctx context.Context, draftID uuid.UUID) error {
	return s.reject(ctx, draftID, models.PendingPatchReview)
}

func (s *PendingService) reject(ctx context.Context, draftID uuid.UUID, kind models.PendingKind) error {
	action, err := s.pending.Get(ctx, draftID)
	if err != nil {
		return err
	}
	if action == nil {
		return apperr.NotFound("pending action", draftID.String())
	}
	if action.Kind != kind {
		return kindMismatch(action.Kind, kind)
	}
	if err := s.pending.Delete(ctx, draftID); err != nil {
		return err
	}
	return s.audit(ctx, draftID, action.Kind, "rejected", 0)
}

// take loads the pending action and verifies it is still safe to act on:
// right kind, base version still head, and the fingerprint recorded at
// proposal time matches both the live snapshot and what the reviewer saw.
func (s *PendingService) take(ctx context.Context, draftID uuid.UUID, kind models.PendingKind, reviewedFingerprint string) (*models.PendingAction, error) {
	action, err := s.pending.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return nil, apperr.NotFound("pending action", draftID.String())
	}
	if action.Kind != kind {
		return nil, kindMismatch(action.Kind, kind)
	}

	head, err := s.drafts.Head(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if head.Version != action.BaseVersion {
		// The proposal's base is gone; the pending action can never land.
		// Surfaced as a version conflict carrying both versions, same as a
		// stale-base patch, so clients share one refresh path.
		_ = s.pending.Delete(ctx, draftID)
		return nil, apperr.VersionConflict(action.BaseVersion, head.Version)
	}

	live, err := fingerprint.Compute(head.Snapshot)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "fingerprint head snapshot")
	}
	if live != action.FingerprintBefore {
		_ = s.pending.Delete(ctx, draftID)
		return nil, apperr.New(apperr.CodeDraftChanged,
			"draft content changed since the proposal").WithDetail("expected", action.FingerprintBefore)
	}
	if reviewedFingerprint != action.FingerprintBefore {
		// The reviewer looked at a different state; keep the pending action
		// so they can re-review.
		return nil, apperr.New(apperr.CodeDraftChanged,
			"reviewed fingerprint does not match the proposal").
			WithDetail("expected", action.FingerprintBefore).
			WithDetail("got", reviewedFingerprint)
	}
	return action, nil
}

func (s *PendingService) clear(ctx context.Context, draftID uuid.UUID, kind models.PendingKind, outcome string, version int64) error {
	if err := s.pending.Delete(ctx, draftID); err != nil {
		return err
	}
	return s.audit(ctx, draftID, kind, outcome, version)
}

func (s *PendingService) audit(ctx context.Context, draftID uuid.UUID, kind models.PendingKind, outcome string, version int64) error {
	meta := map[string]any{"kind": string(kind), "outcome": outcome}
	content := fmt.Sprintf("%s %s", kind, outcome)
	if version > 0 {
		meta["version"] = version
		content = fmt.Sprintf("%s, draft now at version %d", content, version)
	}
	if _, err := s.messages.Append(ctx, draftID, models.RoleSystem, content, meta); err != nil {
		return err
	}
	s.log.Info("pending action resolved", "draft_id", draftID, "kind", kind, "outcome", outcome)
	return nil
}

func kindMismatch(have, want models.PendingKind) error {
	return apperr.New(apperr.CodePendingKindMismatch,
		"pending action is %s, not %s", have, want).
		WithDetail("have", string(have)).
		WithDetail("want", string(want))
}

// payloadOps decodes the stored wire ops out of a patch_review payload.
func payloadOps(payload map[string]any) ([]patch.RawOp, error) {
	raw, ok := payload["ops"]
	if !ok {
		return nil, apperr.New(apperr.CodeInternal, "patch_review payload has no ops")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "encode stored ops")
	}
	var ops []patch.RawOp
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, err, "decode stored ops")
	}
	return ops, nil
}
